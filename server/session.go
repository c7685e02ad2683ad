package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// SessionState tracks the health of one gateway session.
type SessionState string

const (
	SessionConnected SessionState = "connected"
	SessionError     SessionState = "error"
	SessionClosed    SessionState = "closed"
)

// sessionSendBuffer bounds the outbound frame queue per session. A session
// that falls this far behind is marked error and swept by the janitor.
const sessionSendBuffer = 256

// transport is the subset of *websocket.Conn a session writes through. Tests
// substitute a fake.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is one persistent bidirectional channel between the gateway and a
// client. Outbound frames go through a buffered queue drained by a single
// writer goroutine, honoring the websocket one-writer rule. The read side
// lives in the gateway's per-session receive loop.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn transport
	log  logrus.FieldLogger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	subAll       bool
	subIDs       map[string]struct{}
}

func newSession(conn transport, now time.Time, log logrus.FieldLogger) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		ConnectedAt:  now,
		conn:         conn,
		out:          make(chan []byte, sessionSendBuffer),
		done:         make(chan struct{}),
		state:        SessionConnected,
		lastActivity: now,
		subIDs:       make(map[string]struct{}),
	}
	s.log = log.WithField("session_id", s.ID)
	go s.writeLoop()
	return s
}

// writeLoop drains the outbound queue onto the transport. A write failure
// marks the session error; the loop keeps draining so senders never block.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if s.State() == SessionClosed {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.WithError(err).Debug("session write failed")
				s.markError()
			}
		case <-s.done:
			return
		}
	}
}

// Send enqueues one frame without blocking. A full queue marks the session
// error and reports false; the frame is dropped, inviting cleanup.
func (s *Session) Send(frame []byte) bool {
	if s.State() != SessionConnected {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.log.Debug("session send queue full")
		s.markError()
		return false
	}
}

// drainFor waits until the writer has emptied the outbound queue, the
// session leaves the connected state, or the timeout passes. It does not
// stop the writer; callers follow up with Close.
func (s *Session) drainFor(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() != SessionConnected || len(s.out) == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Close sends a close control frame with the given code and reason, stops
// the writer, and closes the transport. Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(s.done)
		s.conn.Close()
	})
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) markError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionConnected {
		s.state = SessionError
	}
}

// LastActivity returns when the session last sent a frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// isSubscribedTo reports whether the session wants broadcasts for procID,
// either through allProcesses or the per-id set.
func (s *Session) isSubscribedTo(procID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subAll {
		return true
	}
	_, ok := s.subIDs[procID]
	return ok
}

// SubscriptionAction names one of the four subscription mutations a client
// may request.
type SubscriptionAction string

const (
	ActionSubscribe      SubscriptionAction = "subscribe"
	ActionUnsubscribe    SubscriptionAction = "unsubscribe"
	ActionSubscribeAll   SubscriptionAction = "subscribe_all"
	ActionUnsubscribeAll SubscriptionAction = "unsubscribe_all"
)

// updateSubscription applies one action. The _all actions also clear the
// per-id set.
func (s *Session) updateSubscription(action SubscriptionAction, procID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch action {
	case ActionSubscribe:
		s.subIDs[procID] = struct{}{}
	case ActionUnsubscribe:
		delete(s.subIDs, procID)
	case ActionSubscribeAll:
		s.subAll = true
		s.subIDs = make(map[string]struct{})
	case ActionUnsubscribeAll:
		s.subAll = false
		s.subIDs = make(map[string]struct{})
	}
}

// SessionRegistry tracks live gateway sessions by id. All methods are safe
// for concurrent callers.
type SessionRegistry struct {
	clock clockwork.Clock
	log   logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry(clock clockwork.Clock, log logrus.FieldLogger) *SessionRegistry {
	return &SessionRegistry{
		clock:    clock,
		log:      log.WithField("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Add creates a session over the given transport and registers it.
func (r *SessionRegistry) Add(conn transport) *Session {
	s := newSession(conn, r.clock.Now(), r.log)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Remove forgets a session. The caller closes the transport.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns every registered session.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ListByState returns the sessions currently in the given state.
func (r *SessionRegistry) ListByState(state SessionState) []*Session {
	var out []*Session
	for _, s := range r.List() {
		if s.State() == state {
			out = append(out, s)
		}
	}
	return out
}

// ListSubscribedTo returns the connected sessions that want broadcasts for
// procID.
func (r *SessionRegistry) ListSubscribedTo(procID string) []*Session {
	var out []*Session
	for _, s := range r.List() {
		if s.State() == SessionConnected && s.isSubscribedTo(procID) {
			out = append(out, s)
		}
	}
	return out
}

// Touch records activity on a session.
func (r *SessionRegistry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		s.touch(r.clock.Now())
	}
}

// UpdateSubscription applies one subscription action to a session. The
// subscribe and unsubscribe actions require a process id.
func (r *SessionRegistry) UpdateSubscription(id string, action SubscriptionAction, procID string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	switch action {
	case ActionSubscribe, ActionUnsubscribe:
		if procID == "" {
			return errProcessIDRequired
		}
	case ActionSubscribeAll, ActionUnsubscribeAll:
	default:
		return errUnknownAction
	}
	s.updateSubscription(action, procID)
	return nil
}

// IsSubscribedToProcess reports whether the session should receive
// broadcasts for procID.
func (r *SessionRegistry) IsSubscribedToProcess(id, procID string) bool {
	s, ok := r.Get(id)
	return ok && s.isSubscribedTo(procID)
}

// CloseAll closes every session with the given code and reason and empties
// the registry.
func (r *SessionRegistry) CloseAll(code int, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(code, reason)
	}
}

// CleanupInactive removes sessions in state error or idle past the cutoff,
// closing their transport with code 1000 and reason "inactive". It returns
// the number of sessions removed.
func (r *SessionRegistry) CleanupInactive(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)

	var stale []*Session
	for _, s := range r.List() {
		if s.State() == SessionError || s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		r.Remove(s.ID)
		s.Close(websocket.CloseNormalClosure, "inactive")
		r.log.WithField("session_id", s.ID).Debug("inactive session removed")
	}
	return len(stale)
}
