package teledrive

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/teledrive/internal/logging"
	"github.com/agentworkforce/teledrive/internal/metrics"
)

const (
	DefaultDebounce      = time.Second
	DefaultFlushInterval = 5 * time.Minute
)

type PersistState int

const (
	PersistClean PersistState = iota
	PersistDirty
	PersistFlushing
)

func (s PersistState) String() string {
	switch s {
	case PersistClean:
		return "clean"
	case PersistDirty:
		return "dirty"
	case PersistFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("PersistState(%d)", int(s))
	}
}

// Snapshotter produces the state to persist. *Hierarchy implements it.
type Snapshotter interface {
	Snapshot() *Snapshot
}

type PersisterOptions struct {
	Debounce      time.Duration
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Persister coalesces bursts of MarkDirty calls into one Save after a quiet
// period, and independently flushes on a fixed interval so a crash loses at
// most one interval of changes.
type Persister struct {
	store    MetadataStore
	source   Snapshotter
	debounce time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	state     PersistState
	redirtied bool
	holds     int
	closed    bool
	timer     *time.Timer
	saves     uint64
	lastErr   error

	flushMu   sync.Mutex
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPersister(store MetadataStore, source Snapshotter, opts PersisterOptions) *Persister {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	p := &Persister{
		store:    store,
		source:   source,
		debounce: debounce,
		interval: interval,
		logger:   logging.OrDefault(opts.Logger, "persister"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.periodicLoop()
	return p
}

// MarkDirty records a mutation and restarts the debounce timer.
func (p *Persister) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PersistFlushing {
		p.redirtied = true
	} else {
		p.state = PersistDirty
	}
	if p.closed {
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, p.onTimer)
		return
	}
	p.timer.Reset(p.debounce)
}

// Hold suspends timer-driven saves until the matching Release. Explicit
// Flush calls still save.
func (p *Persister) Hold() {
	p.mu.Lock()
	p.holds++
	p.mu.Unlock()
}

func (p *Persister) Release() {
	p.mu.Lock()
	if p.holds > 0 {
		p.holds--
	}
	p.mu.Unlock()
}

func (p *Persister) onTimer() {
	p.mu.Lock()
	held := p.holds > 0
	p.mu.Unlock()
	if held {
		return
	}
	_ = p.Flush()
}

func (p *Persister) periodicLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.onTimer()
		}
	}
}

// Flush saves the current snapshot if anything changed since the last
// successful save. A failed save leaves the state dirty for the next flush.
func (p *Persister) Flush() error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if p.state == PersistClean {
		p.mu.Unlock()
		return nil
	}
	p.state = PersistFlushing
	p.redirtied = false
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	start := time.Now()
	err := p.store.Save(p.source.Snapshot())
	metrics.RecordMetadataSave(time.Since(start), err == nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = PersistDirty
		p.redirtied = false
		if !errors.Is(err, ErrPersistenceFailure) {
			err = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
		p.lastErr = err
		p.logger.Warn("metadata save failed, keeping in-memory state", logging.Err(err))
		return err
	}
	p.saves++
	p.lastErr = nil
	if p.redirtied {
		p.state = PersistDirty
	} else {
		p.state = PersistClean
	}
	p.redirtied = false
	return nil
}

func (p *Persister) State() PersistState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Saves counts successful saves.
func (p *Persister) Saves() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func (p *Persister) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Close stops both timers and performs a final flush.
func (p *Persister) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		p.mu.Lock()
		p.closed = true
		p.holds = 0
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		err = p.Flush()
	})
	return err
}
