package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNopRecorderAcknowledgesRuns(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	recorder := Nop{Now: func() time.Time { return now }}

	run, err := recorder.StartRun(context.Background(), StartRunInput{RunID: "run-1", JobName: "taxi"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if run.Status != StatusRunning || !run.StartedAt.Equal(now) {
		t.Fatalf("run = %+v", run)
	}

	finished, err := recorder.FinishRun(context.Background(), FinishRunInput{RunID: "run-1", Status: StatusSucceeded, Rows: 3})
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	if finished.FinishedAt == nil || !finished.Status.Terminal() || finished.Rows != 3 {
		t.Fatalf("finished = %+v", finished)
	}

	if _, err := recorder.ListRuns(context.Background(), 10); !errors.Is(err, ErrDisabled) {
		t.Fatalf("ListRuns() error = %v, want ErrDisabled", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Fatal("running should not be terminal")
	}
	if !StatusSucceeded.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("succeeded and failed should be terminal")
	}
}
