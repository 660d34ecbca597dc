package duckpipe

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/duckmesh/duckpipe/internal/ledger"
	"github.com/duckmesh/duckpipe/internal/parquetinfo"
	"github.com/duckmesh/duckpipe/internal/pipeline"
	"github.com/duckmesh/duckpipe/internal/sqlctx"
)

type Pipeline interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Report, error)
	Query(ctx context.Context, job pipeline.Job, sqlText string, limit int) (sqlctx.Preview, error)
	Describe(ctx context.Context, job pipeline.Job, names []string) ([]pipeline.TableDescription, error)
}

type Options struct {
	Pipeline Pipeline
	Ledger   ledger.Recorder
	JobFile  string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Run executes one duckpipe command and returns the process exit code:
// 0 on success, 1 on runtime failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("duckpipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { writeUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}

	command := "run"
	var rest []string
	if fs.NArg() > 0 {
		command = strings.TrimSpace(fs.Arg(0))
		rest = fs.Args()[1:]
	}

	switch command {
	case "run":
		return runJob(ctx, rest, defaults, stdout, stderr)
	case "query":
		return runQuery(ctx, rest, defaults, stdout, stderr)
	case "describe":
		return runDescribe(ctx, rest, defaults, stdout, stderr)
	case "inspect":
		return runInspect(rest, stdout, stderr)
	case "runs":
		return runList(ctx, rest, defaults, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runJob(ctx context.Context, args []string, defaults Options, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("duckpipe run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobFile := fs.String("job", defaults.JobFile, "YAML job file (default: built-in yellow cab job)")
	output := fs.String("output", "", "override the job's output path")
	overwrite := fs.Bool("overwrite", false, "replace existing part files in the output")
	rowsPerFile := fs.Int("rows-per-file", 0, "split output into parts of at most n rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "run takes no arguments, got %q\n", fs.Args())
		return 2
	}
	if defaults.Pipeline == nil {
		_, _ = fmt.Fprintln(stderr, "pipeline is not configured")
		return 1
	}

	job, err := loadJob(*jobFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load job: %v\n", err)
		return 1
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			job.Output.Path = *output
		case "overwrite":
			value := *overwrite
			job.Output.Overwrite = &value
		case "rows-per-file":
			value := *rowsPerFile
			job.Output.RowsPerFile = &value
		}
	})

	report, err := defaults.Pipeline.Run(ctx, job)
	if err != nil {
		if report.RunID != "" {
			_, _ = fmt.Fprintf(stderr, "run %s failed: %v\n", report.RunID, err)
		} else {
			_, _ = fmt.Fprintf(stderr, "run failed: %v\n", err)
		}
		return 1
	}
	return writeJSON(stdout, stderr, report)
}

func runQuery(ctx context.Context, args []string, defaults Options, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("duckpipe query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobFile := fs.String("job", defaults.JobFile, "YAML job file declaring the tables")
	limit := fs.Int("limit", 20, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *limit <= 0 {
		_, _ = fmt.Fprintln(stderr, "-limit must be > 0")
		return 2
	}
	if defaults.Pipeline == nil {
		_, _ = fmt.Fprintln(stderr, "pipeline is not configured")
		return 1
	}

	job, err := loadJob(*jobFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load job: %v\n", err)
		return 1
	}
	sqlText := strings.TrimSpace(strings.Join(fs.Args(), " "))
	preview, err := defaults.Pipeline.Query(ctx, job, sqlText, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "query failed: %v\n", err)
		return 1
	}
	return writeJSON(stdout, stderr, preview)
}

func runDescribe(ctx context.Context, args []string, defaults Options, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("duckpipe describe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobFile := fs.String("job", defaults.JobFile, "YAML job file declaring the tables")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if defaults.Pipeline == nil {
		_, _ = fmt.Fprintln(stderr, "pipeline is not configured")
		return 1
	}

	job, err := loadJob(*jobFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load job: %v\n", err)
		return 1
	}
	tables, err := defaults.Pipeline.Describe(ctx, job, fs.Args())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "describe failed: %v\n", err)
		return 1
	}
	return writeJSON(stdout, stderr, tables)
}

func runInspect(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: duckpipe inspect <dir>")
		return 2
	}
	summary, err := parquetinfo.InspectDir(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "inspect failed: %v\n", err)
		return 1
	}
	return writeJSON(stdout, stderr, summary)
}

func runList(ctx context.Context, args []string, defaults Options, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("duckpipe runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	recorder := defaults.Ledger
	if recorder == nil {
		recorder = ledger.Nop{}
	}

	runs, err := recorder.ListRuns(ctx, *limit)
	if err != nil {
		if errors.Is(err, ledger.ErrDisabled) {
			_, _ = fmt.Fprintln(stderr, "run ledger is disabled; set DUCKPIPE_LEDGER_DSN")
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "list runs failed: %v\n", err)
		return 1
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	return writeJSON(stdout, stderr, runs)
}

func loadJob(path string) (pipeline.Job, error) {
	if strings.TrimSpace(path) == "" {
		return pipeline.DefaultJob(), nil
	}
	return pipeline.LoadJob(path)
}

func writeJSON(stdout, stderr io.Writer, payload any) int {
	formatted, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "encode output: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(formatted))
	return 0
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: duckpipe [command] [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  run       run the job and export parquet (default)")
	_, _ = fmt.Fprintln(w, "  query     run ad-hoc SQL against the job's tables")
	_, _ = fmt.Fprintln(w, "  describe  show column names and types of the job's tables")
	_, _ = fmt.Fprintln(w, "  inspect   summarise the parquet files in a directory")
	_, _ = fmt.Fprintln(w, "  runs      list recent runs from the ledger")
}
