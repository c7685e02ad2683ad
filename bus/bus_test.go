package bus_test

import (
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/bus"
	"github.com/matgreaves/warden/proc"
)

func newTestBus() *bus.Bus {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return bus.New(log)
}

func TestBus_PublishDeliversPayload(t *testing.T) {
	b := newTestBus()

	var got bus.Event
	b.Subscribe(bus.ProcessStarted, func(e bus.Event) { got = e })

	b.Publish(bus.Event{
		Topic: bus.ProcessStarted,
		Proc:  &bus.ProcEvent{ID: "p1", Record: &proc.Record{ID: "p1", Title: "worker"}},
	})

	if got.Topic != bus.ProcessStarted {
		t.Fatalf("topic: got %q", got.Topic)
	}
	if got.Proc == nil || got.Proc.ID != "p1" || got.Proc.Record.Title != "worker" {
		t.Errorf("unexpected payload: %+v", got.Proc)
	}
	if got.Seq != 1 {
		t.Errorf("seq: got %d, want 1", got.Seq)
	}
	if got.Time.IsZero() {
		t.Error("time not stamped")
	}
}

func TestBus_HandlersRunInSubscriptionOrder(t *testing.T) {
	b := newTestBus()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe(bus.ProcessLog, func(bus.Event) { order = append(order, i) })
	}

	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p1"}})

	if len(order) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("invocation order %v", order)
		}
	}
}

func TestBus_EachHandlerInvokedOncePerPublish(t *testing.T) {
	b := newTestBus()

	counts := make([]int, 3)
	for i := range counts {
		i := i
		b.Subscribe(bus.ProcessStopped, func(bus.Event) { counts[i]++ })
	}

	b.Publish(bus.Event{Topic: bus.ProcessStopped, Proc: &bus.ProcEvent{ID: "a"}})
	b.Publish(bus.Event{Topic: bus.ProcessStopped, Proc: &bus.ProcEvent{ID: "b"}})

	for i, c := range counts {
		if c != 2 {
			t.Errorf("handler %d invoked %d times, want 2", i, c)
		}
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := newTestBus()

	var started, stopped int
	b.Subscribe(bus.ProcessStarted, func(bus.Event) { started++ })
	b.Subscribe(bus.ProcessStopped, func(bus.Event) { stopped++ })

	b.Publish(bus.Event{Topic: bus.ProcessStarted, Proc: &bus.ProcEvent{ID: "p"}})

	if started != 1 || stopped != 0 {
		t.Errorf("started=%d stopped=%d, want 1 and 0", started, stopped)
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := newTestBus()

	var calls int
	sub := b.Subscribe(bus.ProcessLog, func(bus.Event) { calls++ })

	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})
	sub.Cancel()
	sub.Cancel() // second cancel is harmless
	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBus_CancelLeavesOtherSubscribers(t *testing.T) {
	b := newTestBus()

	var a, c int
	subA := b.Subscribe(bus.ProcessLog, func(bus.Event) { a++ })
	b.Subscribe(bus.ProcessLog, func(bus.Event) { c++ })

	subA.Cancel()
	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})

	if a != 0 || c != 1 {
		t.Errorf("a=%d c=%d, want 0 and 1", a, c)
	}
}

func TestBus_UnsubscribeAll(t *testing.T) {
	b := newTestBus()

	var logCalls, startCalls int
	b.Subscribe(bus.ProcessLog, func(bus.Event) { logCalls++ })
	b.Subscribe(bus.ProcessStarted, func(bus.Event) { startCalls++ })

	b.UnsubscribeAll(bus.ProcessLog)
	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})
	b.Publish(bus.Event{Topic: bus.ProcessStarted, Proc: &bus.ProcEvent{ID: "p"}})

	if logCalls != 0 {
		t.Errorf("log handler survived UnsubscribeAll(topic): %d calls", logCalls)
	}
	if startCalls != 1 {
		t.Errorf("unrelated topic affected: %d calls", startCalls)
	}

	b.UnsubscribeAll()
	b.Publish(bus.Event{Topic: bus.ProcessStarted, Proc: &bus.ProcEvent{ID: "p"}})
	if startCalls != 1 {
		t.Errorf("handler survived UnsubscribeAll(): %d calls", startCalls)
	}
}

func TestBus_HandlerPanicDoesNotBreakOthers(t *testing.T) {
	b := newTestBus()

	var after int
	b.Subscribe(bus.ProcessFailed, func(bus.Event) { panic("boom") })
	b.Subscribe(bus.ProcessFailed, func(bus.Event) { after++ })

	b.Publish(bus.Event{Topic: bus.ProcessFailed, Proc: &bus.ProcEvent{ID: "p"}})
	b.Publish(bus.Event{Topic: bus.ProcessFailed, Proc: &bus.ProcEvent{ID: "p"}})

	if after != 2 {
		t.Errorf("handler after panicking one ran %d times, want 2", after)
	}
}

func TestBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newTestBus()
	// Unknown topics are allowed.
	b.Publish(bus.Event{Topic: "custom.topic"})
	b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})
}

func TestBus_PreservesExplicitTime(t *testing.T) {
	b := newTestBus()

	var got bus.Event
	b.Subscribe(bus.ProcessLog, func(e bus.Event) { got = e })

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(bus.Event{Topic: bus.ProcessLog, Time: ts, Log: &bus.LogEvent{ID: "p"}})

	if !got.Time.Equal(ts) {
		t.Errorf("time: got %v, want %v", got.Time, ts)
	}
}

func TestBus_ConcurrentPublishSequences(t *testing.T) {
	b := newTestBus()

	var mu sync.Mutex
	var seqs []uint64
	b.Subscribe(bus.ProcessLog, func(e bus.Event) {
		mu.Lock()
		seqs = append(seqs, e.Seq)
		mu.Unlock()
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(bus.Event{Topic: bus.ProcessLog, Log: &bus.LogEvent{ID: "p"}})
		}()
	}
	wg.Wait()

	if len(seqs) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(seqs))
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("sequence numbers not contiguous: %v", seqs)
		}
	}
}
