package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestPendingWatcherCollapsesBurst(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w, err := New(dir, func(context.Context) { fired.Add(1) }, Options{QuietPeriod: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "blob"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected a single trigger for the burst, got %d", got)
	}
}

func TestPendingWatcherIgnoresDotfiles(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	w, err := New(dir, func(context.Context) { fired.Add(1) }, Options{QuietPeriod: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, ".partial"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("expected dotfile to be ignored, got %d triggers", got)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", func(context.Context) {}, Options{}); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := New(t.TempDir(), nil, Options{}); err == nil {
		t.Fatalf("expected error for nil trigger")
	}
}
