// Package ledger records pipeline runs: what ran, against which output, and
// how it ended.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrDisabled = errors.New("ledger: no database configured")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Run struct {
	RunID      string     `json:"run_id"`
	JobName    string     `json:"job_name"`
	Query      string     `json:"query"`
	Output     string     `json:"output"`
	Status     Status     `json:"status"`
	Rows       int64      `json:"rows"`
	Files      int        `json:"files"`
	Bytes      int64      `json:"bytes"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type StartRunInput struct {
	RunID   string
	JobName string
	Query   string
	Output  string
}

type FinishRunInput struct {
	RunID  string
	Status Status
	Rows   int64
	Files  int
	Bytes  int64
	Error  string
}

type Recorder interface {
	StartRun(ctx context.Context, in StartRunInput) (Run, error)
	FinishRun(ctx context.Context, in FinishRunInput) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Nop is the Recorder used when no ledger database is configured. Runs are
// acknowledged but not stored.
type Nop struct {
	Now func() time.Time
}

func (n Nop) StartRun(_ context.Context, in StartRunInput) (Run, error) {
	return Run{
		RunID:     in.RunID,
		JobName:   in.JobName,
		Query:     in.Query,
		Output:    in.Output,
		Status:    StatusRunning,
		StartedAt: n.now(),
	}, nil
}

func (n Nop) FinishRun(_ context.Context, in FinishRunInput) (Run, error) {
	finished := n.now()
	return Run{
		RunID:      in.RunID,
		Status:     in.Status,
		Rows:       in.Rows,
		Files:      in.Files,
		Bytes:      in.Bytes,
		Error:      in.Error,
		FinishedAt: &finished,
	}, nil
}

func (Nop) ListRuns(context.Context, int) ([]Run, error) {
	return nil, ErrDisabled
}

func (n Nop) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}
