// Package events fans out reconcile and hierarchy events to stream
// subscribers.
package events

import (
	"sync"
	"time"

	"github.com/agentworkforce/teledrive/internal/metrics"
	"github.com/agentworkforce/teledrive/internal/teledrive"
)

const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventEntryChanged = "entry.changed"
	EventShareChanged = "share.changed"
)

type Event struct {
	Type      string                `json:"type"`
	Path      string                `json:"path,omitempty"`
	Op        string                `json:"op,omitempty"`
	Summary   *teledrive.RunSummary `json:"summary,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Broadcaster delivers events to every subscriber without blocking the
// publisher; a subscriber that falls behind misses events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      64,
	}
}

// Subscribe returns a channel of events. The caller must Unsubscribe.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamSubscribers(n)
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamSubscribers(n)
}

func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordStreamEvent(event.Type)
}

// PublishRun is shaped to be a Reconciler OnComplete hook. Runs that were
// canceled or left failures behind go out as run.failed.
func (b *Broadcaster) PublishRun(summary teledrive.RunSummary) {
	ev := Event{Type: EventRunCompleted, Summary: &summary, Timestamp: summary.FinishedAt}
	switch {
	case summary.Canceled:
		ev.Type = EventRunFailed
		ev.Error = "canceled"
	case summary.Errored > 0:
		ev.Type = EventRunFailed
		if len(summary.Failures) > 0 {
			ev.Error = summary.Failures[0].Reason
		}
	}
	b.Publish(ev)
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
