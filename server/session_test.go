package server_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/server"
)

// fakeConn is a transport double recording everything a session writes.
// When gate is set, WriteMessage blocks until it is closed, backing up the
// session's outbound queue.
type fakeConn struct {
	gate chan struct{}

	mu       sync.Mutex
	frames   [][]byte
	controls [][]byte
	closed   bool
	writeErr error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_DeliversFrames(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{}
	sess := reg.Add(fc)
	defer sess.Close(websocket.CloseNormalClosure, "")

	if sess.ID == "" {
		t.Error("session id not assigned")
	}
	if sess.State() != server.SessionConnected {
		t.Errorf("state after add: %s", sess.State())
	}
	if !sess.Send([]byte(`{"type":"pong"}`)) {
		t.Fatal("send rejected on a fresh session")
	}
	waitUntil(t, func() bool { return fc.frameCount() == 1 }, "frame never written")
}

func TestSession_WriteFailureMarksError(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{writeErr: errors.New("broken pipe")}
	sess := reg.Add(fc)
	defer sess.Close(websocket.CloseNormalClosure, "")

	sess.Send([]byte(`{}`))
	waitUntil(t, func() bool { return sess.State() == server.SessionError },
		"write failure did not mark the session error")
	if sess.Send([]byte(`{}`)) {
		t.Error("send accepted on an errored session")
	}
}

func TestSession_FullQueueMarksError(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{gate: make(chan struct{})}
	sess := reg.Add(fc)
	defer func() {
		close(fc.gate)
		sess.Close(websocket.CloseNormalClosure, "")
	}()

	// The writer is stuck on the gate, so the queue fills and overflows.
	dropped := false
	for i := 0; i < 300; i++ {
		if !sess.Send([]byte(`{}`)) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Fatal("queue never overflowed")
	}
	if sess.State() != server.SessionError {
		t.Errorf("state after overflow: %s", sess.State())
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{}
	sess := reg.Add(fc)

	sess.Close(websocket.CloseGoingAway, "Server shutdown")
	sess.Close(websocket.CloseGoingAway, "Server shutdown")

	if sess.State() != server.SessionClosed {
		t.Errorf("state after close: %s", sess.State())
	}
	if !fc.isClosed() {
		t.Error("transport not closed")
	}
	fc.mu.Lock()
	controls := len(fc.controls)
	fc.mu.Unlock()
	if controls != 1 {
		t.Errorf("close control frames written: %d, want 1", controls)
	}
	if sess.Send([]byte(`{}`)) {
		t.Error("send accepted after close")
	}
}

func TestSession_DrainDeliversQueuedFramesBeforeClose(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{gate: make(chan struct{})}
	sess := reg.Add(fc)

	// The writer is stuck on the gate, so these frames pile up in the queue.
	const queued = 5
	for i := 0; i < queued; i++ {
		if !sess.Send([]byte(`{}`)) {
			t.Fatalf("send %d rejected", i)
		}
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(fc.gate)
	}()

	sess.DrainForTest(2 * time.Second)
	waitUntil(t, func() bool { return fc.frameCount() == queued },
		"queued frames not delivered by the drain")

	sess.Close(websocket.CloseGoingAway, "Server shutdown")
	if fc.frameCount() != queued {
		t.Errorf("frames on the wire: %d, want %d", fc.frameCount(), queued)
	}
	if !fc.isClosed() {
		t.Error("transport not closed")
	}
}

func TestSession_DrainGivesUpAfterTimeout(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	fc := &fakeConn{gate: make(chan struct{})}
	sess := reg.Add(fc)
	defer func() {
		close(fc.gate)
		sess.Close(websocket.CloseNormalClosure, "")
	}()

	for i := 0; i < 3; i++ {
		sess.Send([]byte(`{}`))
	}

	start := time.Now()
	sess.DrainForTest(50 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("drain blocked for %s with a stuck writer", elapsed)
	}
}

func TestSessionRegistry_SubscriptionActions(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	sess := reg.Add(&fakeConn{})
	defer sess.Close(websocket.CloseNormalClosure, "")

	if err := reg.UpdateSubscription(sess.ID, server.ActionSubscribe, "p1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !reg.IsSubscribedToProcess(sess.ID, "p1") {
		t.Error("not subscribed to p1 after subscribe")
	}
	if reg.IsSubscribedToProcess(sess.ID, "p2") {
		t.Error("subscribed to p2 without asking")
	}

	if err := reg.UpdateSubscription(sess.ID, server.ActionSubscribeAll, ""); err != nil {
		t.Fatalf("subscribe_all: %v", err)
	}
	if !reg.IsSubscribedToProcess(sess.ID, "p2") {
		t.Error("subscribe_all does not cover p2")
	}

	// unsubscribe_all clears both the flag and the per-id set.
	if err := reg.UpdateSubscription(sess.ID, server.ActionUnsubscribeAll, ""); err != nil {
		t.Fatalf("unsubscribe_all: %v", err)
	}
	if reg.IsSubscribedToProcess(sess.ID, "p1") {
		t.Error("still subscribed to p1 after unsubscribe_all")
	}

	reg.UpdateSubscription(sess.ID, server.ActionSubscribe, "p3")
	reg.UpdateSubscription(sess.ID, server.ActionUnsubscribe, "p3")
	if reg.IsSubscribedToProcess(sess.ID, "p3") {
		t.Error("still subscribed to p3 after unsubscribe")
	}
}

func TestSessionRegistry_SubscriptionValidation(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	sess := reg.Add(&fakeConn{})
	defer sess.Close(websocket.CloseNormalClosure, "")

	if err := reg.UpdateSubscription(sess.ID, server.ActionSubscribe, ""); err == nil {
		t.Error("subscribe without a process id accepted")
	}
	if err := reg.UpdateSubscription(sess.ID, "mystery", "p1"); err == nil {
		t.Error("unknown action accepted")
	}
	if err := reg.UpdateSubscription("no-such-session", server.ActionSubscribeAll, ""); !errors.Is(err, server.ErrNotFound) {
		t.Errorf("unknown session: %v, want ErrNotFound", err)
	}
}

func TestSessionRegistry_ListSubscribedTo(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	a := reg.Add(&fakeConn{})
	b := reg.Add(&fakeConn{})
	defer a.Close(websocket.CloseNormalClosure, "")
	defer b.Close(websocket.CloseNormalClosure, "")

	reg.UpdateSubscription(a.ID, server.ActionSubscribe, "p1")

	subs := reg.ListSubscribedTo("p1")
	if len(subs) != 1 || subs[0].ID != a.ID {
		t.Fatalf("subscribers of p1: %d, want just %s", len(subs), a.ID)
	}
	if got := reg.ListSubscribedTo("p2"); len(got) != 0 {
		t.Errorf("subscribers of p2: %d, want 0", len(got))
	}
}

func TestSessionRegistry_CleanupInactiveIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := server.NewSessionRegistry(clock, testLogger())

	stale := reg.Add(&fakeConn{})
	clock.Advance(10 * time.Minute)
	fresh := reg.Add(&fakeConn{})
	clock.Advance(25 * time.Minute)

	removed := reg.CleanupInactive(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("removed %d sessions, want 1", removed)
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Error("stale session still registered")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Error("fresh session swept")
	}
	if stale.State() != server.SessionClosed {
		t.Errorf("stale session state: %s", stale.State())
	}
}

func TestSessionRegistry_CleanupInactiveTouched(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := server.NewSessionRegistry(clock, testLogger())

	sess := reg.Add(&fakeConn{})
	clock.Advance(29 * time.Minute)
	reg.Touch(sess.ID)
	clock.Advance(29 * time.Minute)

	if removed := reg.CleanupInactive(30 * time.Minute); removed != 0 {
		t.Errorf("removed %d sessions, want 0: activity resets the clock", removed)
	}
	sess.Close(websocket.CloseNormalClosure, "")
}

func TestSessionRegistry_CleanupInactiveError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := server.NewSessionRegistry(clock, testLogger())

	fc := &fakeConn{writeErr: errors.New("broken pipe")}
	sess := reg.Add(fc)
	sess.Send([]byte(`{}`))
	waitUntil(t, func() bool { return sess.State() == server.SessionError },
		"session never errored")

	if removed := reg.CleanupInactive(30 * time.Minute); removed != 1 {
		t.Errorf("removed %d sessions, want 1: errored sessions go regardless of age", removed)
	}
	if reg.Len() != 0 {
		t.Errorf("registry len after cleanup: %d", reg.Len())
	}
}

func TestSessionRegistry_CloseAll(t *testing.T) {
	reg := server.NewSessionRegistry(clockwork.NewFakeClock(), testLogger())
	a := reg.Add(&fakeConn{})
	b := reg.Add(&fakeConn{})

	reg.CloseAll(websocket.CloseGoingAway, "Server shutdown")

	if reg.Len() != 0 {
		t.Errorf("registry len after CloseAll: %d", reg.Len())
	}
	if a.State() != server.SessionClosed || b.State() != server.SessionClosed {
		t.Errorf("session states after CloseAll: %s, %s", a.State(), b.State())
	}
}
