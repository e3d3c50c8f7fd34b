// Package watcher triggers a reconcile once the pending directory has been
// quiet for a while after new blobs land in it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
)

const DefaultQuietPeriod = 5 * time.Second

type Options struct {
	QuietPeriod time.Duration
	Logger      *zap.Logger
}

type PendingWatcher struct {
	dir     string
	quiet   time.Duration
	trigger func(context.Context)
	logger  *zap.Logger
}

func New(dir string, trigger func(context.Context), opts Options) (*PendingWatcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("watcher: pending dir is required")
	}
	if trigger == nil {
		return nil, errors.New("watcher: trigger is required")
	}
	quiet := opts.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &PendingWatcher{
		dir:     dir,
		quiet:   quiet,
		trigger: trigger,
		logger:  logging.OrDefault(opts.Logger, "watcher"),
	}, nil
}

// Run blocks until ctx is done. Bursts of events collapse into a single
// trigger fired after the quiet period.
func (w *PendingWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching pending directory", logging.Path(w.dir), zap.Duration("quiet", w.quiet))

	timer := time.NewTimer(w.quiet)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.quiet)
			armed = true
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", logging.Err(err))
		case <-timer.C:
			armed = false
			w.trigger(ctx)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename)
}
