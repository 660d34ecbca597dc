package parquetinfo

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
)

type tripRow struct {
	Key  string  `parquet:"key"`
	Fare float64 `parquet:"fare"`
}

type otherRow struct {
	ID int64 `parquet:"id"`
}

func TestInspectDirSumsPartFiles(t *testing.T) {
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "part.0.parquet"), []tripRow{{Key: "a", Fare: 1.5}, {Key: "b", Fare: 2}})
	writeParquet(t, filepath.Join(dir, "part.1.parquet"), []tripRow{{Key: "c", Fare: 7.25}})

	summary, err := InspectDir(dir)
	if err != nil {
		t.Fatalf("InspectDir() error = %v", err)
	}
	if len(summary.Files) != 2 {
		t.Fatalf("files = %d", len(summary.Files))
	}
	if summary.Rows != 3 {
		t.Fatalf("Rows = %d", summary.Rows)
	}
	if len(summary.Columns) != 2 || !contains(summary.Columns, "key") || !contains(summary.Columns, "fare") {
		t.Fatalf("Columns = %v", summary.Columns)
	}
	if summary.Bytes <= 0 {
		t.Fatalf("Bytes = %d", summary.Bytes)
	}
}

func TestInspectRejectsMixedLayouts(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "part.0.parquet")
	second := filepath.Join(dir, "part.1.parquet")
	writeParquet(t, first, []tripRow{{Key: "a"}})
	writeParquet(t, second, []otherRow{{ID: 1}})

	if _, err := Inspect([]string{first, second}); err == nil {
		t.Fatal("expected column layout error")
	}
}

func TestInspectDirErrorsWhenEmpty(t *testing.T) {
	if _, err := InspectDir(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without parquet files")
	}
}

func TestInspectFileRejectsNonParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.0.parquet")
	if err := os.WriteFile(path, []byte("key,fare\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := InspectFile(path); err == nil {
		t.Fatal("expected error for non-parquet payload")
	}
}

func TestSortPartsNumerically(t *testing.T) {
	paths := []string{"d/part.10.parquet", "d/extra.parquet", "d/part.2.parquet", "d/part.0.parquet"}
	SortParts(paths)
	want := []string{"d/part.0.parquet", "d/part.2.parquet", "d/part.10.parquet", "d/extra.parquet"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("SortParts() = %v, want %v", paths, want)
		}
	}
}

func writeParquet[T any](t *testing.T, path string, rows []T) {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("writer.Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer.Close() error = %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
