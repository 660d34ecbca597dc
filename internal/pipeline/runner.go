// Package pipeline runs a job end to end: cluster bootstrap, context
// creation, storage registration, table declaration, query, Parquet export
// and verification of what was written.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/duckpipe/internal/cluster"
	"github.com/duckmesh/duckpipe/internal/config"
	"github.com/duckmesh/duckpipe/internal/ledger"
	"github.com/duckmesh/duckpipe/internal/observability"
	"github.com/duckmesh/duckpipe/internal/sqlctx"
)

var ErrExportMismatch = errors.New("written parquet does not match query result")

const (
	StepStartCluster    = "start_cluster"
	StepCreateContext   = "create_context"
	StepRegisterStorage = "register_storage"
	StepCreateTables    = "create_tables"
	StepExecuteQuery    = "execute_query"
	StepReleaseTables   = "release_tables"
	StepExportParquet   = "export_parquet"
	StepVerifyExport    = "verify_export"
)

type Options struct {
	Logger            *slog.Logger
	Ledger            ledger.Recorder
	StoreFactory      sqlctx.StoreFactory
	InterfaceResolver sqlctx.InterfaceResolver
	Now               func() time.Time
	NewRunID          func() string
}

type Runner struct {
	cfg          config.Config
	logger       *slog.Logger
	ledger       ledger.Recorder
	storeFactory sqlctx.StoreFactory
	resolver     sqlctx.InterfaceResolver
	now          func() time.Time
	newRunID     func() string
	tracker      *Tracker
}

type TableReport struct {
	Name          string   `json:"name"`
	Source        string   `json:"source"`
	Files         int      `json:"files"`
	Columns       []string `json:"columns"`
	StagedObjects int      `json:"staged_objects"`
	StagedBytes   int64    `json:"staged_bytes"`
}

type Report struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Address    string        `json:"address"`
	Tables     []TableReport `json:"tables"`
	Columns    []string      `json:"columns"`
	Rows       int64         `json:"rows"`
	Output     string        `json:"output"`
	Files      []string      `json:"files"`
	Bytes      int64         `json:"bytes"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMS int64         `json:"duration_ms"`
}

func NewRunner(cfg config.Config, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	recorder := opts.Ledger
	if recorder == nil {
		recorder = ledger.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	return &Runner{
		cfg:          cfg,
		logger:       logger,
		ledger:       recorder,
		storeFactory: opts.StoreFactory,
		resolver:     opts.InterfaceResolver,
		now:          now,
		newRunID:     newRunID,
		tracker:      NewTracker(now),
	}
}

// Status is suitable as the status server's report of the current run.
func (r *Runner) Status() any {
	return r.tracker.Snapshot()
}

// Run executes job and verifies the export. Any failing step ends the run;
// the run is recorded in the ledger either way.
func (r *Runner) Run(ctx context.Context, job Job) (Report, error) {
	if err := job.Validate(); err != nil {
		return Report{}, err
	}
	if r.cfg.Job.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Job.RunTimeout)
		defer cancel()
	}

	runID := r.newRunID()
	ctx = observability.ContextWithRunID(ctx, runID)
	logger := observability.LoggerForRun(ctx, r.logger).With(slog.String("job", job.Name))
	started := r.now().UTC()
	report := Report{RunID: runID, Job: job.Name, Output: job.Output.Path, StartedAt: started}

	if _, err := r.ledger.StartRun(ctx, ledger.StartRunInput{
		RunID:   runID,
		JobName: job.Name,
		Query:   job.Query,
		Output:  job.Output.Path,
	}); err != nil {
		return report, fmt.Errorf("record run start: %w", err)
	}
	r.tracker.start(runID, job.Name)
	logger.InfoContext(ctx, "run_started", slog.String("output", job.Output.Path))

	runErr := r.execute(ctx, logger, job, &report)
	report.DurationMS = r.now().Sub(started).Milliseconds()

	status := ledger.StatusSucceeded
	errText := ""
	if runErr != nil {
		status = ledger.StatusFailed
		errText = runErr.Error()
	}
	observability.ObservePipelineRun(string(status))
	r.tracker.finish(status, report.Rows, errText)

	// Recorded even when ctx is already done.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := r.ledger.FinishRun(finishCtx, ledger.FinishRunInput{
		RunID:  runID,
		Status: status,
		Rows:   report.Rows,
		Files:  len(report.Files),
		Bytes:  report.Bytes,
		Error:  errText,
	}); err != nil {
		logger.ErrorContext(ctx, "run_record_failed", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = fmt.Errorf("record run finish: %w", err)
		}
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "run_failed",
			slog.Int64("duration_ms", report.DurationMS),
			slog.String("error", runErr.Error()),
		)
		return report, runErr
	}
	logger.InfoContext(ctx, "run_completed",
		slog.Int64("rows", report.Rows),
		slog.Int("files", len(report.Files)),
		slog.Int64("bytes", report.Bytes),
		slog.Int64("duration_ms", report.DurationMS),
	)
	return report, nil
}

// Query runs job's setup steps and returns up to limit rows of sqlText (or
// the job's own query when empty) instead of exporting.
func (r *Runner) Query(ctx context.Context, job Job, sqlText string, limit int) (sqlctx.Preview, error) {
	if sqlText == "" {
		sqlText = job.Query
	}
	job.Query = sqlText
	if err := job.Validate(); err != nil {
		return sqlctx.Preview{}, err
	}
	logger := r.logger.With(slog.String("job", job.Name))

	sess, err := r.open(ctx, logger, job, nil)
	if sess != nil {
		defer sess.close(logger)
	}
	if err != nil {
		return sqlctx.Preview{}, err
	}

	var result *sqlctx.Result
	if err := r.step(ctx, logger, StepExecuteQuery, func() error {
		var err error
		result, err = sess.sc.SQL(ctx, sqlText)
		return err
	}); err != nil {
		return sqlctx.Preview{}, err
	}
	defer func() { _ = result.Close() }()
	return result.Preview(ctx, limit)
}

type TableDescription struct {
	Name    string          `json:"name"`
	Source  string          `json:"source"`
	Format  string          `json:"format"`
	Files   int             `json:"files"`
	Columns []sqlctx.Column `json:"columns"`
}

// Describe declares the job's tables and reports their column names and
// engine types. names restricts the output; empty means every table.
func (r *Runner) Describe(ctx context.Context, job Job, names []string) ([]TableDescription, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	logger := r.logger.With(slog.String("job", job.Name))

	sess, err := r.open(ctx, logger, job, nil)
	if sess != nil {
		defer sess.close(logger)
	}
	if err != nil {
		return nil, err
	}

	tables := sess.sc.Tables()
	if len(names) > 0 {
		byName := make(map[string]sqlctx.Table, len(tables))
		for _, table := range tables {
			byName[table.Name] = table
		}
		selected := make([]sqlctx.Table, 0, len(names))
		for _, name := range names {
			table, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", sqlctx.ErrTableNotFound, name)
			}
			selected = append(selected, table)
		}
		tables = selected
	}

	descriptions := make([]TableDescription, 0, len(tables))
	for _, table := range tables {
		columns, err := sess.sc.Describe(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		descriptions = append(descriptions, TableDescription{
			Name:    table.Name,
			Source:  table.Source,
			Format:  string(table.Format),
			Files:   len(table.Files),
			Columns: columns,
		})
	}
	return descriptions, nil
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, job Job, report *Report) error {
	sess, err := r.open(ctx, logger, job, report)
	if sess != nil {
		defer sess.close(logger)
	}
	if err != nil {
		return err
	}

	var result *sqlctx.Result
	if err := r.step(ctx, logger, StepExecuteQuery, func() error {
		var err error
		result, err = sess.sc.SQL(ctx, job.Query)
		return err
	}); err != nil {
		return err
	}
	defer func() { _ = result.Close() }()
	report.Columns = result.Columns()
	report.Rows = result.Rows()

	// The result is materialised; staged sources are freed before the export
	// needs the disk.
	if err := r.step(ctx, logger, StepReleaseTables, func() error {
		for _, spec := range job.Tables {
			if err := sess.sc.DropTable(ctx, spec.Name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	var summary sqlctx.ExportSummary
	if err := r.step(ctx, logger, StepExportParquet, func() error {
		var err error
		summary, err = result.ToParquet(ctx, job.Output.Path, r.exportOptions(job.Output))
		return err
	}); err != nil {
		return err
	}
	report.Output = summary.Target
	report.Files = summary.Files
	report.Bytes = summary.Inspection.Bytes
	observability.ObserveExport(summary.Inspection.Rows, len(summary.Files))

	return r.step(ctx, logger, StepVerifyExport, func() error {
		return verifyExport(result, summary)
	})
}

type session struct {
	cluster *cluster.LocalCluster
	sc      *sqlctx.Context
}

func (s *session) close(logger *slog.Logger) {
	if s.sc != nil {
		if err := s.sc.Close(); err != nil {
			logger.Warn("context_close_failed", slog.String("error", err.Error()))
		}
	}
	if err := s.cluster.Close(); err != nil {
		logger.Warn("cluster_close_failed", slog.String("error", err.Error()))
	}
}

// open performs cluster bootstrap through table declaration. The returned
// session is non-nil whenever the cluster started, even on error.
func (r *Runner) open(ctx context.Context, logger *slog.Logger, job Job, report *Report) (*session, error) {
	var lc *cluster.LocalCluster
	if err := r.step(ctx, logger, StepStartCluster, func() error {
		var err error
		lc, err = cluster.Start(ctx, cluster.Config{
			Workers:     r.cfg.Cluster.Workers,
			MemoryLimit: r.cfg.Cluster.MemoryLimit,
			WorkDir:     r.cfg.Cluster.WorkDir,
		})
		return err
	}); err != nil {
		return nil, err
	}
	sess := &session{cluster: lc}

	if err := r.step(ctx, logger, StepCreateContext, func() error {
		client, err := cluster.Connect(lc)
		if err != nil {
			return err
		}
		sess.sc, err = sqlctx.New(client, sqlctx.Options{
			NetworkInterface:  r.cfg.Cluster.NetworkInterface,
			StoreFactory:      r.storeFactory,
			InterfaceResolver: r.resolver,
			Logger:            logger,
		})
		return err
	}); err != nil {
		return sess, err
	}
	if report != nil {
		report.Address = sess.sc.Address().String()
	}

	if err := r.step(ctx, logger, StepRegisterStorage, func() error {
		for _, spec := range job.Storage {
			if err := sess.sc.RegisterS3(ctx, spec.Alias, r.s3Options(spec)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return sess, err
	}

	if err := r.step(ctx, logger, StepCreateTables, func() error {
		for _, spec := range job.Tables {
			table, err := sess.sc.CreateTable(ctx, spec.Name, spec.Source, sqlctx.TableOptions{
				Names:     spec.Names,
				Types:     spec.Types,
				Format:    sqlctx.Format(spec.Format),
				Header:    spec.Header,
				SkipRows:  spec.SkipRows,
				Delimiter: spec.Delimiter,
			})
			if err != nil {
				return err
			}
			observability.ObserveStaged(table.StagedObjects, table.StagedBytes)
			if report != nil {
				report.Tables = append(report.Tables, TableReport{
					Name:          table.Name,
					Source:        table.Source,
					Files:         len(table.Files),
					Columns:       table.Columns,
					StagedObjects: table.StagedObjects,
					StagedBytes:   table.StagedBytes,
				})
			}
		}
		return nil
	}); err != nil {
		return sess, err
	}
	return sess, nil
}

func (r *Runner) step(ctx context.Context, logger *slog.Logger, name string, fn func() error) error {
	r.tracker.step(name)
	started := time.Now()
	err := fn()
	elapsed := time.Since(started)
	observability.ObserveStep(name, elapsed)
	if err != nil {
		logger.ErrorContext(ctx, "step_failed",
			slog.String("step", name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.InfoContext(ctx, "step_completed",
		slog.String("step", name),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// s3Options fills unset registration fields from the configured storage
// defaults. use_ssl and auto_create_bucket fall back to the configured values
// when the job leaves them unset, whether or not it names its own endpoint.
func (r *Runner) s3Options(spec StorageSpec) sqlctx.S3Options {
	opts := sqlctx.S3Options{
		Bucket:          spec.Bucket,
		Endpoint:        spec.Endpoint,
		Region:          spec.Region,
		AccessKeyID:     spec.AccessKeyID,
		SecretAccessKey: spec.SecretAccessKey,
		UseSSL:          r.cfg.Storage.UseSSL,
		Prefix:          spec.Prefix,
	}
	if opts.Endpoint == "" {
		opts.Endpoint = r.cfg.Storage.Endpoint
	}
	if opts.Region == "" {
		opts.Region = r.cfg.Storage.Region
	}
	if opts.AccessKeyID == "" && opts.SecretAccessKey == "" {
		opts.AccessKeyID = r.cfg.Storage.AccessKeyID
		opts.SecretAccessKey = r.cfg.Storage.SecretAccessKey
	}
	if spec.UseSSL != nil {
		opts.UseSSL = *spec.UseSSL
	}
	opts.AutoCreateBucket = r.cfg.Storage.AutoCreateBucket
	if spec.AutoCreateBucket != nil {
		opts.AutoCreateBucket = *spec.AutoCreateBucket
	}
	return opts
}

func (r *Runner) exportOptions(spec OutputSpec) sqlctx.ExportOptions {
	opts := sqlctx.ExportOptions{
		RowsPerFile: r.cfg.Output.RowsPerFile,
		Compression: r.cfg.Output.Compression,
		Overwrite:   r.cfg.Output.Overwrite,
	}
	if spec.RowsPerFile != nil {
		opts.RowsPerFile = *spec.RowsPerFile
	}
	if spec.Compression != "" {
		opts.Compression = spec.Compression
	}
	if spec.Overwrite != nil {
		opts.Overwrite = *spec.Overwrite
	}
	return opts
}

func verifyExport(result *sqlctx.Result, summary sqlctx.ExportSummary) error {
	if len(summary.Files) == 0 {
		return fmt.Errorf("%w: no part files written", ErrExportMismatch)
	}
	if summary.Inspection.Rows != result.Rows() {
		return fmt.Errorf("%w: wrote %d rows, query returned %d", ErrExportMismatch, summary.Inspection.Rows, result.Rows())
	}
	columns := result.Columns()
	if len(summary.Inspection.Columns) != len(columns) {
		return fmt.Errorf("%w: wrote columns %v, query returned %v", ErrExportMismatch, summary.Inspection.Columns, columns)
	}
	for i := range columns {
		if summary.Inspection.Columns[i] != columns[i] {
			return fmt.Errorf("%w: wrote columns %v, query returned %v", ErrExportMismatch, summary.Inspection.Columns, columns)
		}
	}
	return nil
}
