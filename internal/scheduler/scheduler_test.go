package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/teledrive/internal/teledrive"
)

type fakeRunner struct {
	calls atomic.Int32
	busy  atomic.Bool
	err   error
}

func (f *fakeRunner) Run(ctx context.Context) (teledrive.RunSummary, error) {
	if !f.busy.CompareAndSwap(false, true) {
		return teledrive.RunSummary{}, teledrive.ErrRunInProgress
	}
	defer f.busy.Store(false)
	n := f.calls.Add(1)
	return teledrive.RunSummary{RunID: "run", Scanned: int(n)}, f.err
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(runner, "@every 1s", Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	if s.Next().IsZero() {
		t.Fatalf("expected a next run time")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if runner.calls.Load() == 0 {
		t.Fatalf("expected a scheduled run")
	}
}

func TestSchedulerTriggerReturnsRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s, err := New(runner, "", Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !s.Next().IsZero() {
		t.Fatalf("expected no schedule for empty spec")
	}
	summary, err := s.Trigger(context.Background(), SourceAPI)
	if err == nil || summary.Scanned != 1 {
		t.Fatalf("expected run error with summary, got %+v %v", summary, err)
	}

	runner.busy.Store(true)
	if _, err := s.Trigger(context.Background(), SourceWatcher); !errors.Is(err, teledrive.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := New(&fakeRunner{}, "every now and then", Options{}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if _, err := New(nil, "@hourly", Options{}); err == nil {
		t.Fatalf("expected runner required error")
	}
}
