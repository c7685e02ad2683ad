// Package bus is the in-process publish/subscribe fabric connecting the
// supervisor, the knowledge store, and the gateway. Events are tagged
// unions routed by topic; delivery is synchronous, ordered, and panic-safe,
// so handlers must return promptly and hand real work off themselves.
package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/proc"
)

// Topic identifies the kind of event.
type Topic string

const (
	// Process lifecycle.
	ProcessStarted      Topic = "process.started"
	ProcessStopped      Topic = "process.stopped"
	ProcessFailed       Topic = "process.failed"
	ProcessStateChanged Topic = "process.stateChanged"
	ProcessLog          Topic = "process.log"

	// Knowledge store.
	KnowledgeCreated     Topic = "knowledge:created"
	KnowledgeUpdated     Topic = "knowledge:updated"
	KnowledgeDeleted     Topic = "knowledge:deleted"
	KnowledgeLinked      Topic = "knowledge:linked"
	KnowledgeAccepted    Topic = "knowledge:accepted"
	KnowledgeFileChanged Topic = "knowledge:file_changed"
)

// Topics lists every topic the system publishes, in a stable order.
func Topics() []Topic {
	return []Topic{
		ProcessStarted, ProcessStopped, ProcessFailed,
		ProcessStateChanged, ProcessLog,
		KnowledgeCreated, KnowledgeUpdated, KnowledgeDeleted,
		KnowledgeLinked, KnowledgeAccepted, KnowledgeFileChanged,
	}
}

// ProcEvent is the payload carried by process lifecycle topics.
type ProcEvent struct {
	ID     string       `json:"id"`
	Record *proc.Record `json:"record,omitempty"` // snapshot, safe to retain
	From   proc.Status  `json:"from,omitempty"`
	To     proc.Status  `json:"to,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// LogEvent is the payload carried by process.log.
type LogEvent struct {
	ID    string        `json:"id"`
	Entry proc.LogEntry `json:"entry"`
}

// KnowEvent is the payload carried by knowledge topics. Entry is whatever
// snapshot the store chooses to publish; the bus carries it opaquely.
type KnowEvent struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Path   string `json:"path,omitempty"`
	Entry  any    `json:"entry,omitempty"`
}

// Event is a single message on the bus. Exactly one payload field is set,
// matching the topic.
type Event struct {
	Seq   uint64    `json:"seq"`
	Topic Topic     `json:"topic"`
	Time  time.Time `json:"time"`

	Proc *ProcEvent `json:"proc,omitempty"`
	Log  *LogEvent  `json:"log,omitempty"`
	Know *KnowEvent `json:"know,omitempty"`
}

// Handler receives events published to a subscribed topic. Handlers run on
// the publisher's goroutine in subscription order; a slow handler slows the
// publisher, so anything expensive must enqueue and return.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Cancel detaches it;
// cancelling twice is harmless.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    uint64
}

// Cancel removes the subscription from its topic.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus routes events to per-topic subscriber lists. The zero value is not
// usable; call New.
type Bus struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[Topic][]subscriber
}

// New creates an empty bus. Handler panics are reported through log.
func New(log logrus.FieldLogger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Topic][]subscriber),
	}
}

// Subscribe registers a handler for one topic and returns its handle.
// Unknown topics are fine; a subscription simply waits for the first
// publish.
func (b *Bus) Subscribe(topic Topic, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscriber{id: b.nextID, handler: h})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// UnsubscribeAll removes every subscription on the given topics, or on all
// topics when none are given.
func (b *Bus) UnsubscribeAll(topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.subs = make(map[Topic][]subscriber)
		return
	}
	for _, t := range topics {
		delete(b.subs, t)
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.topic]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish stamps the event with the next sequence number and the current
// time, then invokes each of the topic's handlers exactly once, in the
// order they subscribed. Publishing to a topic with no subscribers is a
// no-op.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Copy the list so handlers may subscribe or cancel without deadlock.
	list := append([]subscriber(nil), b.subs[e.Topic]...)
	b.mu.Unlock()

	for _, sub := range list {
		b.invoke(sub, e)
	}
}

// invoke calls one handler, converting a panic into a log line so one bad
// handler cannot break other subscribers or future publishes.
func (b *Bus) invoke(sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"topic": e.Topic,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	sub.handler(e)
}
