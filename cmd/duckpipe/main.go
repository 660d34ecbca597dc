package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	duckpipecli "github.com/duckmesh/duckpipe/internal/cli/duckpipe"
	"github.com/duckmesh/duckpipe/internal/config"
	"github.com/duckmesh/duckpipe/internal/ledger"
	ledgerpostgres "github.com/duckmesh/duckpipe/internal/ledger/postgres"
	"github.com/duckmesh/duckpipe/internal/observability"
	"github.com/duckmesh/duckpipe/internal/pipeline"
	"github.com/duckmesh/duckpipe/internal/sqlctx"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadFromEnv("duckpipe")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		return 1
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder ledger.Recorder = ledger.Nop{}
	var readiness observability.ReadinessFunc
	if cfg.Ledger.DSN != "" {
		db, err := ledgerpostgres.Open(ctx, ledgerpostgres.DBConfig{
			DSN:             cfg.Ledger.DSN,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open ledger db", slog.Any("error", err))
			return 1
		}
		defer func() { _ = db.Close() }()
		repo := ledgerpostgres.NewRepository(db)
		recorder = repo
		readiness = repo.HealthCheck
	}

	runner := pipeline.NewRunner(cfg, pipeline.Options{Logger: logger, Ledger: recorder})

	if cfg.Status.Address != "" {
		server, err := startStatusServer(cfg, logger, runner, readiness)
		if err != nil {
			logger.Error("failed to start status server", slog.Any("error", err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown failed", slog.Any("error", err))
				_ = server.Close()
			}
		}()
	}

	return duckpipecli.Run(ctx, os.Args[1:], duckpipecli.Options{
		Pipeline: runner,
		Ledger:   recorder,
		JobFile:  cfg.Job.File,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
}

// startStatusServer listens on the configured status address, placed on the
// cluster interface's address when the address has no host.
func startStatusServer(cfg config.Config, logger *slog.Logger, runner *pipeline.Runner, readiness observability.ReadinessFunc) (*http.Server, error) {
	ip, err := sqlctx.ResolveInterface(cfg.Cluster.NetworkInterface)
	if err != nil {
		return nil, err
	}
	addr, err := observability.BindAddress(ip.String(), cfg.Status.Address)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           observability.NewStatusHandler(cfg.Service.Name, logger, runner.Status, readiness),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting status server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", slog.Any("error", err))
		}
	}()
	return server, nil
}
