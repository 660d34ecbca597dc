// Package cluster starts the local execution cluster a query context runs
// on: an embedded DuckDB database sized to the worker count, a private work
// directory for staged source files, and a bounded worker pool.
package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("cluster is closed")

type Config struct {
	Workers     int
	MemoryLimit string
	WorkDir     string
}

type LocalCluster struct {
	db      *sql.DB
	workers int
	workDir string

	mu     sync.Mutex
	closed bool
}

func Start(ctx context.Context, cfg Config) (*LocalCluster, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	parent := strings.TrimSpace(cfg.WorkDir)
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir parent %q: %w", parent, err)
		}
	}
	workDir, err := os.MkdirTemp(parent, "duckpipe-cluster-")
	if err != nil {
		return nil, fmt.Errorf("create cluster work dir: %w", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	settings := []string{
		fmt.Sprintf("SET threads = %d", workers),
		fmt.Sprintf("SET temp_directory = %s", quoteString(filepath.Join(workDir, "spill"))),
		"SET preserve_insertion_order = true",
	}
	if limit := strings.TrimSpace(cfg.MemoryLimit); limit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = %s", quoteString(limit)))
	}
	for _, statement := range settings {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("apply cluster setting %q: %w", statement, err)
		}
	}

	return &LocalCluster{db: db, workers: workers, workDir: workDir}, nil
}

func (c *LocalCluster) Workers() int {
	return c.workers
}

func (c *LocalCluster) WorkDir() string {
	return c.workDir
}

func (c *LocalCluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close duckdb: %w", err))
	}
	if err := os.RemoveAll(c.workDir); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}
	return errors.Join(errs...)
}

func (c *LocalCluster) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Client submits work to a LocalCluster. It does not own the cluster.
type Client struct {
	cluster *LocalCluster
}

func Connect(c *LocalCluster) (*Client, error) {
	if c == nil {
		return nil, fmt.Errorf("cluster is required")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	return &Client{cluster: c}, nil
}

func (c *Client) DB() *sql.DB {
	return c.cluster.db
}

func (c *Client) Workers() int {
	return c.cluster.workers
}

func (c *Client) WorkDir() string {
	return c.cluster.workDir
}

// Map runs fn for every index in [0, n) with at most Workers calls in
// flight. The first error cancels the remaining calls and is returned.
func (c *Client) Map(ctx context.Context, n int, fn func(ctx context.Context, index int) error) error {
	if c.cluster.isClosed() {
		return ErrClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cluster.workers)
	for index := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, index)
		})
	}
	return g.Wait()
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
