// Package scheduler runs the reconciler on a cron schedule and serializes
// on-demand triggers from the watcher and the HTTP API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

const (
	SourceCron    = "cron"
	SourceWatcher = "watcher"
	SourceAPI     = "api"
	SourceStartup = "startup"
)

type Runner interface {
	Run(ctx context.Context) (teledrive.RunSummary, error)
}

type Options struct {
	Logger   *zap.Logger
	Location *time.Location
}

type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	runner Runner
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec with the standard five-field parser plus descriptors such
// as "@hourly" and "@every 10m". An empty spec disables scheduled runs.
func New(runner Runner, spec string, opts Options) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	logger := logging.OrDefault(opts.Logger, "scheduler")
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	adapter := cronLogger{sugar: logger.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, runner: runner, logger: logger, ctx: ctx, cancel: cancel}

	if spec = strings.TrimSpace(spec); spec != "" {
		id, err := c.AddFunc(spec, func() {
			_, _ = s.Trigger(s.ctx, SourceCron)
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
		}
		s.entry = id
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	if next := s.Next(); !next.IsZero() {
		s.logger.Info("reconcile scheduled", zap.Time("next", next))
	}
}

// Stop halts the schedule, cancels in-flight scheduled runs and waits for
// them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next scheduled run, or the zero time when unscheduled
// or not started.
func (s *Scheduler) Next() time.Time {
	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Trigger runs the reconciler now. Overlapping requests return
// teledrive.ErrRunInProgress without waiting.
func (s *Scheduler) Trigger(ctx context.Context, source string) (teledrive.RunSummary, error) {
	metrics.RecordTrigger(source)
	summary, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, teledrive.ErrRunInProgress):
		s.logger.Debug("reconcile already running", zap.String("source", source))
	case err != nil:
		s.logger.Warn("reconcile failed", zap.String("source", source), logging.RunID(summary.RunID), logging.Err(err))
	}
	return summary, err
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
