package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matgreaves/warden/proc"
)

// batcher accumulates process.log events per process id and flushes them as
// one batch per process after a fixed window. The first entry into an empty
// map arms the timer; the flush empties the map and disarms it. Nothing is
// ever dropped: stop flushes whatever is pending.
type batcher struct {
	clock  clockwork.Clock
	window time.Duration
	flush  func(map[string][]proc.LogEntry)

	mu      sync.Mutex
	pending map[string][]proc.LogEntry
	timer   clockwork.Timer
	stopped bool
}

func newBatcher(clock clockwork.Clock, window time.Duration, flush func(map[string][]proc.LogEntry)) *batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &batcher{
		clock:   clock,
		window:  window,
		flush:   flush,
		pending: make(map[string][]proc.LogEntry),
	}
}

// add queues one entry for its process, arming the window timer if this is
// the first pending entry.
func (b *batcher) add(id string, e proc.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.pending[id] = append(b.pending[id], e)
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.fire)
	}
}

// fire runs on the timer goroutine when the window elapses.
func (b *batcher) fire() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string][]proc.LogEntry)
	b.timer = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// stop flushes anything pending and rejects further adds. Idempotent.
func (b *batcher) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	timer := b.timer
	b.timer = nil
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if len(batch) > 0 {
		b.flush(batch)
	}
}
