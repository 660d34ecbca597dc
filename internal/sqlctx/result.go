package sqlctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duckmesh/duckpipe/internal/parquetinfo"
	"github.com/duckmesh/duckpipe/internal/storage"
)

const resultTablePrefix = "__duckpipe_result_"

// Result is a materialised query result owned by its Context.
type Result struct {
	owner   *Context
	table   string
	query   string
	columns []string
	rows    int64

	mu     sync.Mutex
	closed bool
}

type Preview struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type ExportOptions struct {
	RowsPerFile int
	Compression string
	Overwrite   bool
}

type ExportSummary struct {
	Target     string              `json:"target"`
	Files      []string            `json:"files"`
	Rows       int64               `json:"rows"`
	Inspection parquetinfo.Summary `json:"inspection"`
}

// SQL runs text against the context's tables and materialises the result so
// that previews and exports read a stable snapshot.
func (c *Context) SQL(ctx context.Context, text string) (*Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	query := stripTrailingSemicolons(text)
	if query == "" {
		return nil, fmt.Errorf("sql is required")
	}

	name := fmt.Sprintf("%s%d", resultTablePrefix, c.nextSeq())
	db := c.client.DB()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(name), query)); err != nil {
		return nil, fmt.Errorf("execute sql: %w", err)
	}
	c.mu.Lock()
	c.results[name] = struct{}{}
	c.mu.Unlock()

	result := &Result{owner: c, table: name, query: query}
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(name)).Scan(&result.rows); err != nil {
		_ = result.Close()
		return nil, fmt.Errorf("count result rows: %w", err)
	}
	columns, err := c.probeColumns(ctx, quoteIdent(name))
	if err != nil {
		_ = result.Close()
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	result.columns = columns

	c.logger.InfoContext(ctx, "sql_executed",
		slog.Int64("rows", result.rows),
		slog.Int("columns", len(columns)),
	)
	return result, nil
}

func (r *Result) Columns() []string {
	return append([]string(nil), r.columns...)
}

func (r *Result) Rows() int64 {
	return r.rows
}

func (r *Result) Query() string {
	return r.query
}

// Preview returns at most limit rows in result order.
func (r *Result) Preview(ctx context.Context, limit int) (Preview, error) {
	if err := r.checkOpen(); err != nil {
		return Preview{}, err
	}
	if limit <= 0 {
		return Preview{}, fmt.Errorf("preview limit must be > 0")
	}

	rows, err := r.owner.client.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s ORDER BY rowid LIMIT %d", quoteIdent(r.table), limit))
	if err != nil {
		return Preview{}, fmt.Errorf("preview result: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Preview{}, fmt.Errorf("read columns: %w", err)
	}
	preview := Preview{Columns: columns, Rows: make([][]any, 0, limit)}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Preview{}, fmt.Errorf("scan row: %w", err)
		}
		preview.Rows = append(preview.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Preview{}, fmt.Errorf("iterate rows: %w", err)
	}
	return preview, nil
}

// ToParquet writes the result as part.<i>.parquet files under target, a
// local directory or s3://<alias>/<prefix>. An empty result still produces
// part.0.parquet carrying the schema.
func (r *Result) ToParquet(ctx context.Context, target string, opts ExportOptions) (ExportSummary, error) {
	if err := r.checkOpen(); err != nil {
		return ExportSummary{}, err
	}
	if opts.RowsPerFile < 0 {
		return ExportSummary{}, fmt.Errorf("rows per file must be >= 0")
	}
	codec, err := compressionCodec(opts.Compression)
	if err != nil {
		return ExportSummary{}, err
	}
	uri, err := storage.ParseURI(target)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("parse export target: %w", err)
	}

	if uri.IsRemote() {
		return r.exportRemote(ctx, uri, codec, opts)
	}
	return r.exportLocal(ctx, uri.Path, codec, opts)
}

func (r *Result) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	owner := r.owner
	owner.mu.Lock()
	_, owned := owner.results[r.table]
	delete(owner.results, r.table)
	owner.mu.Unlock()
	if !owned {
		return nil
	}
	if _, err := owner.client.DB().ExecContext(context.Background(), "DROP TABLE IF EXISTS "+quoteIdent(r.table)); err != nil {
		return fmt.Errorf("drop result table: %w", err)
	}
	return nil
}

func (r *Result) checkOpen() error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("result is closed")
	}
	return r.owner.checkOpen()
}

// exportLocal writes parts to a scratch directory inside dir and renames them
// into place only once every part is written, so a failed export leaves the
// previous parts untouched.
func (r *Result) exportLocal(ctx context.Context, dir, codec string, opts ExportOptions) (ExportSummary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportSummary{}, fmt.Errorf("create output dir %q: %w", dir, err)
	}
	existing, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return ExportSummary{}, fmt.Errorf("list output dir %q: %w", dir, err)
	}
	if len(existing) > 0 && !opts.Overwrite {
		return ExportSummary{}, fmt.Errorf("%w: %s", ErrOutputExists, dir)
	}

	scratch, err := os.MkdirTemp(dir, ".export-")
	if err != nil {
		return ExportSummary{}, fmt.Errorf("create export scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	written, err := r.writeParts(ctx, scratch, codec, opts.RowsPerFile)
	if err != nil {
		return ExportSummary{}, err
	}
	inspection, err := parquetinfo.Inspect(written)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("inspect export: %w", err)
	}

	files := make([]string, len(written))
	keep := make(map[string]struct{}, len(written))
	for i, file := range written {
		files[i] = filepath.Join(dir, filepath.Base(file))
		if err := os.Rename(file, files[i]); err != nil {
			return ExportSummary{}, fmt.Errorf("move part into place %q: %w", files[i], err)
		}
		keep[files[i]] = struct{}{}
		inspection.Files[i].Path = files[i]
	}

	stale, err := filepath.Glob(filepath.Join(dir, "part.*.parquet"))
	if err != nil {
		return ExportSummary{}, fmt.Errorf("list output dir %q: %w", dir, err)
	}
	for _, file := range stale {
		if _, ok := keep[file]; ok {
			continue
		}
		if err := os.Remove(file); err != nil {
			return ExportSummary{}, fmt.Errorf("remove stale part %q: %w", file, err)
		}
	}

	r.owner.logger.InfoContext(ctx, "result_exported",
		slog.String("target", dir),
		slog.Int("files", len(files)),
		slog.Int64("rows", r.rows),
		slog.Int64("bytes", inspection.Bytes),
	)
	return ExportSummary{Target: dir, Files: files, Rows: r.rows, Inspection: inspection}, nil
}

// exportRemote writes parts to a local scratch directory, verifies them,
// then uploads them and removes stale parts under the target prefix.
func (r *Result) exportRemote(ctx context.Context, uri storage.URI, codec string, opts ExportOptions) (ExportSummary, error) {
	reg, err := r.owner.lookupStore(uri.Alias)
	if err != nil {
		return ExportSummary{}, err
	}
	prefix := strings.Trim(uri.Key, "/")
	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	existing, err := reg.Store.List(ctx, listPrefix)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("list export target %s: %w", uri.String(), err)
	}
	var existingParquet []string
	parent := prefix
	if parent == "" {
		parent = "."
	}
	for _, object := range existing {
		if path.Dir(object.Key) == parent && strings.HasSuffix(object.Key, ".parquet") {
			existingParquet = append(existingParquet, object.Key)
		}
	}
	if len(existingParquet) > 0 && !opts.Overwrite {
		return ExportSummary{}, fmt.Errorf("%w: %s", ErrOutputExists, uri.String())
	}

	scratch, err := os.MkdirTemp(r.owner.stagingRoot, "export-")
	if err != nil {
		return ExportSummary{}, fmt.Errorf("create export scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	files, err := r.writeParts(ctx, scratch, codec, opts.RowsPerFile)
	if err != nil {
		return ExportSummary{}, err
	}
	inspection, err := parquetinfo.Inspect(files)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("inspect export: %w", err)
	}

	keys := make([]string, len(files))
	for i := range files {
		key, err := storage.BuildPartKey(prefix, i)
		if err != nil {
			return ExportSummary{}, err
		}
		keys[i] = key
	}
	err = r.owner.client.Map(ctx, len(files), func(ctx context.Context, index int) error {
		return uploadFile(ctx, reg.Store, keys[index], files[index])
	})
	if err != nil {
		return ExportSummary{}, err
	}

	written := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		written[key] = struct{}{}
	}
	for _, key := range existingParquet {
		if _, ok := written[key]; ok {
			continue
		}
		if !strings.HasPrefix(path.Base(key), "part.") {
			continue
		}
		if err := reg.Store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return ExportSummary{}, fmt.Errorf("remove stale part %q: %w", key, err)
		}
	}

	targets := make([]string, len(keys))
	for i, key := range keys {
		targets[i] = storage.URI{Scheme: storage.SchemeS3, Alias: uri.Alias, Key: key}.String()
	}
	r.owner.logger.InfoContext(ctx, "result_exported",
		slog.String("target", uri.String()),
		slog.Int("files", len(files)),
		slog.Int64("rows", r.rows),
		slog.Int64("bytes", inspection.Bytes),
	)
	return ExportSummary{Target: uri.String(), Files: targets, Rows: r.rows, Inspection: inspection}, nil
}

func (r *Result) writeParts(ctx context.Context, dir, codec string, rowsPerFile int) ([]string, error) {
	parts := 1
	if rowsPerFile > 0 && r.rows > int64(rowsPerFile) {
		parts = int((r.rows + int64(rowsPerFile) - 1) / int64(rowsPerFile))
	}

	files := make([]string, 0, parts)
	for index := range parts {
		name, err := storage.PartFileName(index)
		if err != nil {
			return nil, err
		}
		file := filepath.Join(dir, name)
		selectSQL := "SELECT * FROM " + quoteIdent(r.table) + " ORDER BY rowid"
		if parts > 1 {
			selectSQL += fmt.Sprintf(" LIMIT %d OFFSET %d", rowsPerFile, int64(index)*int64(rowsPerFile))
		}
		copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, COMPRESSION %s)", selectSQL, quoteString(file), codec)
		if _, err := r.owner.client.DB().ExecContext(ctx, copySQL); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		files = append(files, file)
	}
	return files, nil
}

func uploadFile(ctx context.Context, store storage.ObjectStore, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open part %q: %w", file, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat part %q: %w", file, err)
	}
	if _, err := store.Put(ctx, key, f, stat.Size(), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}
	return nil
}

func compressionCodec(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "snappy":
		return "SNAPPY", nil
	case "zstd":
		return "ZSTD", nil
	case "gzip":
		return "GZIP", nil
	case "uncompressed":
		return "UNCOMPRESSED", nil
	default:
		return "", fmt.Errorf("unsupported parquet compression %q", value)
	}
}
