// Package parquetinfo reads Parquet footers to report what an export wrote:
// row counts, ordered column names and sizes.
package parquetinfo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type FileInfo struct {
	Path    string   `json:"path"`
	Rows    int64    `json:"rows"`
	Bytes   int64    `json:"bytes"`
	Columns []string `json:"columns"`
}

type Summary struct {
	Files   []FileInfo `json:"files"`
	Rows    int64      `json:"rows"`
	Bytes   int64      `json:"bytes"`
	Columns []string   `json:"columns"`
}

func InspectReader(r io.ReaderAt, size int64) (FileInfo, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open parquet file: %w", err)
	}
	children := file.Root().Columns()
	columns := make([]string, 0, len(children))
	for _, column := range children {
		columns = append(columns, column.Name())
	}
	return FileInfo{Rows: file.NumRows(), Bytes: size, Columns: columns}, nil
}

func InspectFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}
	info, err := InspectReader(f, stat.Size())
	if err != nil {
		return FileInfo{}, fmt.Errorf("inspect %q: %w", path, err)
	}
	info.Path = path
	return info, nil
}

// Inspect summarises files, which must share one column layout.
func Inspect(paths []string) (Summary, error) {
	if len(paths) == 0 {
		return Summary{}, fmt.Errorf("no parquet files to inspect")
	}
	summary := Summary{Files: make([]FileInfo, 0, len(paths))}
	for _, path := range paths {
		info, err := InspectFile(path)
		if err != nil {
			return Summary{}, err
		}
		if summary.Columns == nil {
			summary.Columns = info.Columns
		} else if !equalColumns(summary.Columns, info.Columns) {
			return Summary{}, fmt.Errorf("column layout of %q differs: %v vs %v", path, info.Columns, summary.Columns)
		}
		summary.Files = append(summary.Files, info)
		summary.Rows += info.Rows
		summary.Bytes += info.Bytes
	}
	return summary, nil
}

func InspectDir(dir string) (Summary, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return Summary{}, fmt.Errorf("list parquet files in %q: %w", dir, err)
	}
	SortParts(paths)
	return Inspect(paths)
}

// SortParts orders part.<i>.parquet paths by numeric index; other names sort
// after them lexically.
func SortParts(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, aok := partIndex(paths[i])
		b, bok := partIndex(paths[j])
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return paths[i] < paths[j]
		}
	})
}

func partIndex(path string) (int, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "part.") || !strings.HasSuffix(base, ".parquet") {
		return 0, false
	}
	index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "part."), ".parquet"))
	if err != nil {
		return 0, false
	}
	return index, true
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
