package pipeline

import (
	"sync"
	"time"

	"github.com/duckmesh/duckpipe/internal/ledger"
)

type RunState struct {
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Status     ledger.Status `json:"status"`
	Step       string        `json:"step,omitempty"`
	Rows       int64         `json:"rows"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

type Snapshot struct {
	Status  string    `json:"status"`
	Current *RunState `json:"current,omitempty"`
	Last    *RunState `json:"last,omitempty"`
}

// Tracker holds the state of the in-flight run and the last finished one.
type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	current *RunState
	last    *RunState
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := Snapshot{Status: "idle"}
	if t.current != nil {
		current := *t.current
		snapshot.Status = "running"
		snapshot.Current = &current
	}
	if t.last != nil {
		last := *t.last
		snapshot.Last = &last
	}
	return snapshot
}

func (t *Tracker) start(runID, job string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &RunState{
		RunID:     runID,
		Job:       job,
		Status:    ledger.StatusRunning,
		StartedAt: t.now().UTC(),
	}
}

func (t *Tracker) step(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.current.Step = name
	}
}

func (t *Tracker) finish(status ledger.Status, rows int64, errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	finished := t.now().UTC()
	t.current.Status = status
	t.current.Rows = rows
	t.current.Error = errText
	t.current.FinishedAt = &finished
	t.last = t.current
	t.current = nil
}
