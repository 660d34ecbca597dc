package sqlctx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/duckmesh/duckpipe/internal/parquetinfo"
	"github.com/duckmesh/duckpipe/internal/storage/memstore"
)

func TestToParquetWritesSinglePartLocally(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()
	out := filepath.Join(t.TempDir(), "data", "yellow_cab")

	summary, err := result.ToParquet(context.Background(), out, ExportOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	if len(summary.Files) != 1 || filepath.Base(summary.Files[0]) != "part.0.parquet" {
		t.Fatalf("Files = %v", summary.Files)
	}
	if summary.Rows != 3 || summary.Inspection.Rows != 3 {
		t.Fatalf("rows = %d / inspected %d", summary.Rows, summary.Inspection.Rows)
	}
	if !reflect.DeepEqual(summary.Inspection.Columns, taxiNames) {
		t.Fatalf("inspected columns = %v", summary.Inspection.Columns)
	}
	if summary.Inspection.Files[0].Path != summary.Files[0] {
		t.Fatalf("inspected path = %q, want %q", summary.Inspection.Files[0].Path, summary.Files[0])
	}

	onDisk, err := parquetinfo.InspectDir(out)
	if err != nil {
		t.Fatalf("InspectDir() error = %v", err)
	}
	if onDisk.Rows != 3 {
		t.Fatalf("on disk rows = %d", onDisk.Rows)
	}
}

func TestToParquetSplitsByRowsPerFile(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()
	out := t.TempDir()

	summary, err := result.ToParquet(context.Background(), out, ExportOptions{RowsPerFile: 2, Compression: "zstd"})
	if err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	if len(summary.Files) != 2 {
		t.Fatalf("Files = %v", summary.Files)
	}
	if summary.Inspection.Files[0].Rows != 2 || summary.Inspection.Files[1].Rows != 1 {
		t.Fatalf("part rows = %d, %d", summary.Inspection.Files[0].Rows, summary.Inspection.Files[1].Rows)
	}
}

func TestToParquetWritesSchemaForEmptyResult(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi WHERE fare < 0")
	defer func() { _ = sc.Close() }()

	summary, err := result.ToParquet(context.Background(), t.TempDir(), ExportOptions{})
	if err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	if len(summary.Files) != 1 || summary.Inspection.Rows != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if !reflect.DeepEqual(summary.Inspection.Columns, taxiNames) {
		t.Fatalf("inspected columns = %v", summary.Inspection.Columns)
	}
}

func TestToParquetOverwritePolicy(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()
	out := t.TempDir()
	ctx := context.Background()

	if _, err := result.ToParquet(ctx, out, ExportOptions{RowsPerFile: 1}); err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	if _, err := result.ToParquet(ctx, out, ExportOptions{}); !errors.Is(err, ErrOutputExists) {
		t.Fatalf("ToParquet() error = %v, want ErrOutputExists", err)
	}

	if _, err := result.ToParquet(ctx, out, ExportOptions{Overwrite: true}); err != nil {
		t.Fatalf("ToParquet(overwrite) error = %v", err)
	}
	for _, stale := range []string{"part.1.parquet", "part.2.parquet"} {
		if _, err := os.Stat(filepath.Join(out, stale)); !os.IsNotExist(err) {
			t.Fatalf("stale part %s still present: %v", stale, err)
		}
	}
	summary, err := parquetinfo.InspectDir(out)
	if err != nil {
		t.Fatalf("InspectDir() error = %v", err)
	}
	if len(summary.Files) != 1 || summary.Rows != 3 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestToParquetFailedOverwriteKeepsPreviousParts(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()
	out := t.TempDir()

	if _, err := result.ToParquet(context.Background(), out, ExportOptions{RowsPerFile: 1, Overwrite: true}); err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	before, err := parquetinfo.InspectDir(out)
	if err != nil {
		t.Fatalf("InspectDir() error = %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := result.ToParquet(cancelled, out, ExportOptions{Overwrite: true}); err == nil {
		t.Fatal("expected export with cancelled context to fail")
	}

	after, err := parquetinfo.InspectDir(out)
	if err != nil {
		t.Fatalf("InspectDir() after failed export error = %v", err)
	}
	if len(after.Files) != len(before.Files) || after.Rows != 3 {
		t.Fatalf("parts before = %d, after = %d (rows %d)", len(before.Files), len(after.Files), after.Rows)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want only the 3 previous parts", len(entries))
	}
}

func TestToParquetUploadsToRegisteredStore(t *testing.T) {
	store := memstore.New()
	store.Seed("taxi_data/taxi_00.csv", []byte(taxiCSV))
	store.Seed("out/yellow_cab/part.5.parquet", []byte("stale"))
	store.Seed("out/yellow_cab/keep.txt", []byte("untouched"))
	sc := newTestContext(t, memstoreFactory(store))
	ctx := context.Background()

	if err := sc.RegisterS3(ctx, "colab", S3Options{Bucket: "blazingsql-colab"}); err != nil {
		t.Fatalf("RegisterS3() error = %v", err)
	}
	if _, err := sc.CreateTable(ctx, "taxi", "s3://colab/taxi_data/taxi_00.csv", TableOptions{Names: taxiNames}); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	result, err := sc.SQL(ctx, "SELECT * FROM taxi")
	if err != nil {
		t.Fatalf("SQL() error = %v", err)
	}

	if _, err := result.ToParquet(ctx, "s3://colab/out/yellow_cab", ExportOptions{}); !errors.Is(err, ErrOutputExists) {
		t.Fatalf("ToParquet() error = %v, want ErrOutputExists", err)
	}
	summary, err := result.ToParquet(ctx, "s3://colab/out/yellow_cab", ExportOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("ToParquet() error = %v", err)
	}
	if !reflect.DeepEqual(summary.Files, []string{"s3://colab/out/yellow_cab/part.0.parquet"}) {
		t.Fatalf("Files = %v", summary.Files)
	}

	want := []string{"out/yellow_cab/keep.txt", "out/yellow_cab/part.0.parquet", "taxi_data/taxi_00.csv"}
	if got := store.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
}

func TestPreviewLimitsAndNormalisesRows(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT key, passenger_count FROM taxi")
	defer func() { _ = sc.Close() }()

	preview, err := result.Preview(context.Background(), 2)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !reflect.DeepEqual(preview.Columns, []string{"key", "passenger_count"}) {
		t.Fatalf("Columns = %v", preview.Columns)
	}
	if len(preview.Rows) != 2 {
		t.Fatalf("rows = %d", len(preview.Rows))
	}
	if _, err := result.Preview(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestResultCloseDropsTable(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()

	if err := result.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := result.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := result.ToParquet(context.Background(), t.TempDir(), ExportOptions{}); err == nil {
		t.Fatal("expected export of closed result to fail")
	}
}

func TestToParquetRejectsUnknownCompression(t *testing.T) {
	sc, result := newTaxiResult(t, "SELECT * FROM taxi")
	defer func() { _ = sc.Close() }()

	if _, err := result.ToParquet(context.Background(), t.TempDir(), ExportOptions{Compression: "lz77"}); err == nil {
		t.Fatal("expected compression error")
	}
}

func newTaxiResult(t *testing.T, query string) (*Context, *Result) {
	t.Helper()
	sc, err := New(newTestClient(t), Options{InterfaceResolver: loopbackResolver})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	csvPath := writeCSV(t, t.TempDir(), "taxi_00.csv", taxiCSV)
	if _, err := sc.CreateTable(context.Background(), "taxi", csvPath, TableOptions{Names: taxiNames}); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	result, err := sc.SQL(context.Background(), query)
	if err != nil {
		t.Fatalf("SQL() error = %v", err)
	}
	return sc, result
}
