package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/bus"
)

// debounceWindow suppresses repeat notifications for the same path. Editors
// typically fire several events per save.
const debounceWindow = 100 * time.Millisecond

// Watcher observes the store's bucket directories with fsnotify and
// publishes knowledge:file_changed for out-of-band edits, so clients can
// refresh entries changed outside the gateway.
type Watcher struct {
	fsw *fsnotify.Watcher
	bus *bus.Bus
	log logrus.FieldLogger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewWatcher starts watching the four status buckets under root.
func NewWatcher(root string, eb *bus.Bus, log logrus.FieldLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, status := range Statuses() {
		dir := filepath.Join(root, string(status))
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return &Watcher{
		fsw:      fsw,
		bus:      eb,
		log:      log.WithField("component", "knowledge-watcher"),
		lastSeen: make(map[string]time.Time),
	}, nil
}

// Run processes filesystem events until ctx is cancelled or the underlying
// watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the underlying watcher. Run returns shortly after.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	// Store writes go through .tmp files; only finished entries matter.
	if !strings.HasSuffix(name, ".md") || ev.Op == fsnotify.Chmod {
		return
	}
	if !w.shouldEmit(ev.Name) {
		return
	}

	w.log.WithFields(logrus.Fields{"path": ev.Name, "op": ev.Op.String()}).Debug("knowledge file changed")
	w.bus.Publish(bus.Event{
		Topic: bus.KnowledgeFileChanged,
		Know:  &bus.KnowEvent{Action: strings.ToLower(ev.Op.String()), Path: ev.Name},
	})
}

// shouldEmit debounces per path.
func (w *Watcher) shouldEmit(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	w.lastSeen[path] = now
	return true
}
