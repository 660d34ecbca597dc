package sqlctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/duckmesh/duckpipe/internal/storage"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)
	typePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ (),]*$`)
)

// TableOptions describe how a source maps onto table columns. Names are
// positional; when set, their count must equal the source's column count.
// Types, when set, are positional casts applied on top of inferred types.
type TableOptions struct {
	Names     []string
	Types     []string
	Format    Format
	Header    bool
	SkipRows  int
	Delimiter string
}

type Table struct {
	Name          string
	Source        string
	Format        Format
	Files         []string
	Columns       []string
	Options       TableOptions
	StagedObjects int
	StagedBytes   int64
	CreatedAt     time.Time

	stagingDir string
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CreateTable registers name as a view over source. Remote sources are
// staged into the cluster work directory first; the column layout is probed
// eagerly so a mismatch with opts.Names fails here rather than at query time.
func (c *Context) CreateTable(ctx context.Context, name, source string, opts TableOptions) (Table, error) {
	if err := c.checkOpen(); err != nil {
		return Table{}, err
	}
	if !identPattern.MatchString(name) {
		return Table{}, fmt.Errorf("invalid table name: %q", name)
	}
	if len(opts.Types) > 0 && len(opts.Types) != len(opts.Names) {
		return Table{}, fmt.Errorf("table %q declares %d types for %d names", name, len(opts.Types), len(opts.Names))
	}
	for _, typ := range opts.Types {
		if !typePattern.MatchString(typ) {
			return Table{}, fmt.Errorf("invalid column type %q for table %q", typ, name)
		}
	}
	if opts.SkipRows < 0 {
		return Table{}, fmt.Errorf("skip rows must be >= 0")
	}

	uri, err := storage.ParseURI(source)
	if err != nil {
		return Table{}, fmt.Errorf("parse source for table %q: %w", name, err)
	}
	format, err := resolveFormat(opts.Format, source)
	if err != nil {
		return Table{}, err
	}
	opts.Format = format

	table := &Table{
		Name:      name,
		Source:    uri.String(),
		Format:    format,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	if uri.IsRemote() {
		if err := c.stageRemote(ctx, table, uri); err != nil {
			return Table{}, err
		}
	} else {
		files, err := resolveLocal(uri.Path, format)
		if err != nil {
			return Table{}, fmt.Errorf("resolve source for table %q: %w", name, err)
		}
		table.Files = files
	}
	if len(table.Files) == 0 {
		c.discardStaging(table)
		return Table{}, fmt.Errorf("%w: %s", ErrNoSourceFiles, table.Source)
	}

	readExpr, err := buildReadExpr(table.Files, opts)
	if err != nil {
		c.discardStaging(table)
		return Table{}, err
	}
	sourceColumns, err := c.probeColumns(ctx, readExpr)
	if err != nil {
		c.discardStaging(table)
		return Table{}, fmt.Errorf("read source for table %q: %w", name, err)
	}
	if len(opts.Names) > 0 && len(opts.Names) != len(sourceColumns) {
		defer c.discardStaging(table)
		if format == FormatCSV && len(sourceColumns) == 1 {
			if strictErr := c.readStrictCSV(ctx, table.Files, opts); strictErr != nil {
				return Table{}, fmt.Errorf("%w: table %q declares %d columns: %v",
					ErrColumnCountMismatch, name, len(opts.Names), strictErr)
			}
		}
		return Table{}, fmt.Errorf("%w: table %q declares %d columns, source has %d",
			ErrColumnCountMismatch, name, len(opts.Names), len(sourceColumns))
	}

	projection, columns := buildProjection(sourceColumns, opts)
	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s`, quoteIdent(name), projection, readExpr)
	if _, err := c.client.DB().ExecContext(ctx, viewSQL); err != nil {
		c.discardStaging(table)
		return Table{}, fmt.Errorf("create view for table %q: %w", name, err)
	}
	table.Columns = columns

	c.mu.Lock()
	previous := c.tables[name]
	c.tables[name] = table
	c.mu.Unlock()
	if previous != nil {
		c.discardStaging(previous)
	}

	c.logger.InfoContext(ctx, "table_created",
		slog.String("table", name),
		slog.String("source", table.Source),
		slog.String("format", string(format)),
		slog.Int("files", len(table.Files)),
		slog.Int("columns", len(columns)),
		slog.Int64("staged_bytes", table.StagedBytes),
	)
	return *table, nil
}

func (c *Context) DropTable(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	table, ok := c.tables[name]
	if ok {
		delete(c.tables, name)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}

	if _, err := c.client.DB().ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("drop view for table %q: %w", name, err)
	}
	c.discardStaging(table)
	return nil
}

// Tables returns the registered table descriptors ordered by name.
func (c *Context) Tables() []Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	tables := make([]Table, 0, len(c.tables))
	for _, table := range c.tables {
		tables = append(tables, *table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables
}

func (c *Context) Describe(ctx context.Context, name string) ([]Column, error) {
	c.mu.Lock()
	_, ok := c.tables[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}

	rows, err := c.client.DB().QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_name = ?
ORDER BY ordinal_position`, name)
	if err != nil {
		return nil, fmt.Errorf("describe table %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var column Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return columns, nil
}

func (c *Context) stageRemote(ctx context.Context, table *Table, uri storage.URI) error {
	reg, err := c.lookupStore(uri.Alias)
	if err != nil {
		return err
	}
	objects, err := listMatching(ctx, reg.Store, uri.Key)
	if err != nil {
		return fmt.Errorf("resolve source for table %q: %w", table.Name, err)
	}
	if len(objects) == 0 {
		return nil
	}

	stagingDir, err := os.MkdirTemp(c.stagingRoot, sanitizeFileComponent(table.Name)+"-")
	if err != nil {
		return fmt.Errorf("create staging dir for table %q: %w", table.Name, err)
	}
	table.stagingDir = stagingDir

	files := make([]string, len(objects))
	sizes := make([]int64, len(objects))
	err = c.client.Map(ctx, len(objects), func(ctx context.Context, index int) error {
		object := objects[index]
		reader, err := reg.Store.Get(ctx, object.Key)
		if err != nil {
			return fmt.Errorf("get object %q: %w", object.Key, err)
		}
		localPath := filepath.Join(stagingDir, fmt.Sprintf("%s_%d%s", sanitizeFileComponent(table.Name), index, path.Ext(object.Key)))
		written, err := writeFile(localPath, reader)
		if err != nil {
			_ = reader.Close()
			return fmt.Errorf("stage object %q: %w", object.Key, err)
		}
		if err := reader.Close(); err != nil {
			return fmt.Errorf("close object %q: %w", object.Key, err)
		}
		files[index] = localPath
		sizes[index] = written
		return nil
	})
	if err != nil {
		c.discardStaging(table)
		return err
	}

	table.Files = files
	table.StagedObjects = len(files)
	for _, size := range sizes {
		table.StagedBytes += size
	}
	return nil
}

func (c *Context) probeColumns(ctx context.Context, readExpr string) ([]string, error) {
	rows, err := c.client.DB().QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, readExpr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return columns, rows.Err()
}

// readStrictCSV reads files end to end with the delimiter pinned and strict
// mode on. The sniffer falls back to a single column when a ragged row sits in
// its sample; this read reports the offending line instead.
func (c *Context) readStrictCSV(ctx context.Context, files []string, opts TableOptions) error {
	delimiter := opts.Delimiter
	if delimiter == "" {
		delimiter = ","
		if len(files) > 0 && strings.EqualFold(filepath.Ext(files[0]), ".tsv") {
			delimiter = "\t"
		}
	}
	readExpr := fmt.Sprintf("read_csv(%s, header = %t, skip = %d, delim = %s, strict_mode = true)",
		quoteStringArray(files), opts.Header, opts.SkipRows, quoteString(delimiter))
	var rows int64
	return c.client.DB().QueryRowContext(ctx, "SELECT count(*) FROM "+readExpr).Scan(&rows)
}

func (c *Context) discardStaging(table *Table) {
	if table == nil || table.stagingDir == "" {
		return
	}
	_ = os.RemoveAll(table.stagingDir)
}

// listMatching resolves key to objects: a literal key must exist, a glob is
// matched against a listing of its literal prefix.
func listMatching(ctx context.Context, store storage.ObjectStore, key string) ([]storage.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}
	if !storage.HasGlob(key) {
		info, err := store.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if info.Key == "" {
			info.Key = key
		}
		return []storage.ObjectInfo{info}, nil
	}

	listed, err := store.List(ctx, storage.GlobPrefix(key))
	if err != nil {
		return nil, err
	}
	matched := make([]storage.ObjectInfo, 0, len(listed))
	for _, object := range listed {
		ok, err := storage.MatchKey(key, object.Key)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", key, err)
		}
		if ok {
			matched = append(matched, object)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
	return matched, nil
}

func resolveLocal(source string, format Format) ([]string, error) {
	if storage.HasGlob(source) {
		files, err := filepath.Glob(source)
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		return files, nil
	}
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{source}, nil
	}
	files, err := filepath.Glob(filepath.Join(source, "*"+extensionFor(format)))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func resolveFormat(declared Format, source string) (Format, error) {
	if declared != "" {
		switch Format(strings.ToLower(string(declared))) {
		case FormatCSV:
			return FormatCSV, nil
		case FormatParquet:
			return FormatParquet, nil
		case FormatJSON:
			return FormatJSON, nil
		default:
			return "", fmt.Errorf("unsupported table format %q", declared)
		}
	}
	switch strings.ToLower(path.Ext(strings.TrimRight(source, "/"))) {
	case ".parquet", ".pq":
		return FormatParquet, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	default:
		return FormatCSV, nil
	}
}

func extensionFor(format Format) string {
	switch format {
	case FormatParquet:
		return ".parquet"
	case FormatJSON:
		return ".json"
	default:
		return ".csv"
	}
}

func buildReadExpr(files []string, opts TableOptions) (string, error) {
	list := quoteStringArray(files)
	switch opts.Format {
	case FormatParquet:
		return fmt.Sprintf("read_parquet(%s)", list), nil
	case FormatJSON:
		return fmt.Sprintf("read_json_auto(%s)", list), nil
	case FormatCSV:
		args := []string{
			list,
			fmt.Sprintf("header = %t", opts.Header),
			fmt.Sprintf("skip = %d", opts.SkipRows),
			"auto_detect = true",
		}
		delimiter := opts.Delimiter
		if delimiter == "" && len(files) > 0 && strings.EqualFold(filepath.Ext(files[0]), ".tsv") {
			delimiter = "\t"
		}
		if delimiter != "" {
			args = append(args, "delim = "+quoteString(delimiter))
		}
		return fmt.Sprintf("read_csv(%s)", strings.Join(args, ", ")), nil
	default:
		return "", fmt.Errorf("unsupported table format %q", opts.Format)
	}
}

// buildProjection renames source columns to the declared names and applies
// declared types. Without names the source columns pass through unchanged.
func buildProjection(sourceColumns []string, opts TableOptions) (string, []string) {
	if len(opts.Names) == 0 {
		return "*", sourceColumns
	}
	parts := make([]string, 0, len(opts.Names))
	for i, name := range opts.Names {
		expr := quoteIdent(sourceColumns[i])
		if len(opts.Types) > 0 {
			expr = fmt.Sprintf("CAST(%s AS %s)", expr, opts.Types[i])
		}
		parts = append(parts, expr+" AS "+quoteIdent(name))
	}
	return strings.Join(parts, ", "), append([]string(nil), opts.Names...)
}
