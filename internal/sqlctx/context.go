// Package sqlctx is the SQL execution context of a pipeline run. It owns
// storage registrations and table descriptors, stages remote sources onto
// the local cluster, executes queries and exports results as Parquet.
package sqlctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duckmesh/duckpipe/internal/cluster"
	"github.com/duckmesh/duckpipe/internal/storage"
	s3store "github.com/duckmesh/duckpipe/internal/storage/s3"
)

const DefaultS3Endpoint = "s3.amazonaws.com"

var (
	ErrInvalidInterface    = errors.New("invalid network interface")
	ErrUnknownAlias        = errors.New("storage alias is not registered")
	ErrNoSourceFiles       = errors.New("no source files match")
	ErrColumnCountMismatch = errors.New("declared column count does not match source")
	ErrTableNotFound       = errors.New("table is not registered")
	ErrOutputExists        = errors.New("output already contains parquet files")
	ErrClosed              = errors.New("sql context is closed")
)

type StoreFactory func(ctx context.Context, cfg s3store.Config) (storage.ObjectStore, error)

type InterfaceResolver func(name string) (net.IP, error)

type Options struct {
	NetworkInterface  string
	StoreFactory      StoreFactory
	InterfaceResolver InterfaceResolver
	Logger            *slog.Logger
}

type S3Options struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string

	// AutoCreateBucket creates the bucket when it is missing, for export
	// targets on private endpoints. Ignored for anonymous registrations.
	AutoCreateBucket bool
}

type Context struct {
	client       *cluster.Client
	registry     *storage.Registry
	storeFactory StoreFactory
	logger       *slog.Logger
	iface        string
	address      net.IP
	stagingRoot  string

	mu      sync.Mutex
	tables  map[string]*Table
	seq     int
	results map[string]struct{}
	closed  bool
}

func New(client *cluster.Client, opts Options) (*Context, error) {
	if client == nil {
		return nil, fmt.Errorf("cluster client is required")
	}
	iface := strings.TrimSpace(opts.NetworkInterface)
	if iface == "" {
		iface = "lo"
	}
	resolver := opts.InterfaceResolver
	if resolver == nil {
		resolver = ResolveInterface
	}
	address, err := resolver(iface)
	if err != nil {
		return nil, err
	}

	factory := opts.StoreFactory
	if factory == nil {
		factory = defaultStoreFactory
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	stagingRoot := filepath.Join(client.WorkDir(), "staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return &Context{
		client:       client,
		registry:     storage.NewRegistry(),
		storeFactory: factory,
		logger:       logger,
		iface:        iface,
		address:      address,
		stagingRoot:  stagingRoot,
		tables:       map[string]*Table{},
		results:      map[string]struct{}{},
	}, nil
}

func (c *Context) NetworkInterface() string {
	return c.iface
}

func (c *Context) Address() net.IP {
	return c.address
}

func (c *Context) Registry() *storage.Registry {
	return c.registry
}

// RegisterS3 makes bucket addressable as s3://<alias>/... in table sources
// and export targets. Without keys the bucket is read anonymously.
func (c *Context) RegisterS3(ctx context.Context, alias string, opts S3Options) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := storage.ValidateAlias(alias); err != nil {
		return err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return fmt.Errorf("bucket name is required for alias %q", alias)
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	useSSL := opts.UseSSL
	if endpoint == "" {
		endpoint = DefaultS3Endpoint
		useSSL = true
	}

	cfg := s3store.Config{
		Endpoint:         endpoint,
		Region:           strings.TrimSpace(opts.Region),
		Bucket:           bucket,
		AccessKeyID:      strings.TrimSpace(opts.AccessKeyID),
		SecretAccessKey:  strings.TrimSpace(opts.SecretAccessKey),
		UseSSL:           useSSL,
		Prefix:           opts.Prefix,
		AutoCreateBucket: opts.AutoCreateBucket,
	}
	store, err := c.storeFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("register storage %q: %w", alias, err)
	}
	if err := c.registry.Register(storage.Registration{
		Alias:     alias,
		Bucket:    bucket,
		Endpoint:  endpoint,
		Region:    cfg.Region,
		Anonymous: cfg.Anonymous(),
		Store:     store,
	}); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "storage_registered",
		slog.String("alias", alias),
		slog.String("bucket", bucket),
		slog.String("endpoint", endpoint),
		slog.Bool("anonymous", cfg.Anonymous()),
	)
	return nil
}

// Close drops the context's tables and results and removes staged sources.
// The cluster client stays usable.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	statements := make([]string, 0, len(c.tables)+len(c.results))
	for name := range c.tables {
		statements = append(statements, "DROP VIEW IF EXISTS "+quoteIdent(name))
	}
	for name := range c.results {
		statements = append(statements, "DROP TABLE IF EXISTS "+quoteIdent(name))
	}
	c.tables = map[string]*Table{}
	c.results = map[string]struct{}{}
	c.mu.Unlock()

	var errs []error
	for _, statement := range statements {
		if _, err := c.client.DB().ExecContext(context.Background(), statement); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(c.stagingRoot); err != nil {
		errs = append(errs, fmt.Errorf("remove staging dir: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Context) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Context) nextSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Context) lookupStore(alias string) (storage.Registration, error) {
	reg, ok := c.registry.Lookup(alias)
	if !ok {
		return storage.Registration{}, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	return reg, nil
}

func defaultStoreFactory(ctx context.Context, cfg s3store.Config) (storage.ObjectStore, error) {
	store, err := s3store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}
