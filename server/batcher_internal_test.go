package server

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matgreaves/warden/proc"
)

// flushRecorder captures every batch the batcher flushes.
type flushRecorder struct {
	mu      sync.Mutex
	batches []map[string][]proc.LogEntry
}

func (r *flushRecorder) flush(batch map[string][]proc.LogEntry) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) batch(i int) map[string][]proc.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

// awaitFlushes polls until the recorder has seen n batches. The fake clock
// fires timers on their own goroutine, so assertions poll briefly.
func awaitFlushes(t *testing.T, r *flushRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes (have %d)", n, r.count())
}

func TestBatcher_FlushesAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &flushRecorder{}
	b := newBatcher(clock, 100*time.Millisecond, rec.flush)

	b.add("p1", proc.LogEntry{Content: "one"})
	b.add("p1", proc.LogEntry{Content: "two"})
	b.add("p2", proc.LogEntry{Content: "three"})

	clock.Advance(99 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("flushed before the window elapsed")
	}

	clock.Advance(1 * time.Millisecond)
	awaitFlushes(t, rec, 1)

	batch := rec.batch(0)
	if len(batch["p1"]) != 2 || len(batch["p2"]) != 1 {
		t.Errorf("batch shape: p1=%d p2=%d, want 2 and 1", len(batch["p1"]), len(batch["p2"]))
	}
	if batch["p1"][0].Content != "one" || batch["p1"][1].Content != "two" {
		t.Errorf("p1 entries out of order: %+v", batch["p1"])
	}
}

func TestBatcher_WindowDoesNotExtend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &flushRecorder{}
	b := newBatcher(clock, 100*time.Millisecond, rec.flush)

	// The first entry arms the timer; later entries ride the same window.
	b.add("p1", proc.LogEntry{Content: "early"})
	clock.Advance(90 * time.Millisecond)
	b.add("p1", proc.LogEntry{Content: "late"})
	clock.Advance(10 * time.Millisecond)

	awaitFlushes(t, rec, 1)
	if got := len(rec.batch(0)["p1"]); got != 2 {
		t.Errorf("entries in first flush: %d, want both", got)
	}
}

func TestBatcher_RearmsAfterFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &flushRecorder{}
	b := newBatcher(clock, 100*time.Millisecond, rec.flush)

	b.add("p1", proc.LogEntry{Content: "first"})
	clock.Advance(100 * time.Millisecond)
	awaitFlushes(t, rec, 1)

	b.add("p1", proc.LogEntry{Content: "second"})
	clock.Advance(100 * time.Millisecond)
	awaitFlushes(t, rec, 2)

	if got := rec.batch(1)["p1"]; len(got) != 1 || got[0].Content != "second" {
		t.Errorf("second flush: %+v", got)
	}
}

func TestBatcher_EmptyWindowFlushesNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &flushRecorder{}
	b := newBatcher(clock, 100*time.Millisecond, rec.flush)

	clock.Advance(time.Second)
	if rec.count() != 0 {
		t.Error("flush fired with nothing pending")
	}
	b.stop()
	if rec.count() != 0 {
		t.Error("stop flushed an empty batch")
	}
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &flushRecorder{}
	b := newBatcher(clock, 100*time.Millisecond, rec.flush)

	b.add("p1", proc.LogEntry{Content: "pending"})
	b.stop()

	if rec.count() != 1 {
		t.Fatalf("flushes after stop: %d, want 1", rec.count())
	}
	if got := rec.batch(0)["p1"]; len(got) != 1 || got[0].Content != "pending" {
		t.Errorf("pending entry lost: %+v", got)
	}

	// Stopped batchers drop further input; stop is idempotent.
	b.add("p1", proc.LogEntry{Content: "ignored"})
	b.stop()
	clock.Advance(time.Second)
	if rec.count() != 1 {
		t.Errorf("flushes after second stop: %d, want still 1", rec.count())
	}
}

func TestBatcher_ZeroWindowGetsDefault(t *testing.T) {
	b := newBatcher(clockwork.NewFakeClock(), 0, func(map[string][]proc.LogEntry) {})
	if b.window != DefaultBatchWindow {
		t.Errorf("window: %s, want default %s", b.window, DefaultBatchWindow)
	}
}
