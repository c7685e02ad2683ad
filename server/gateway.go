package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/bus"
	"github.com/matgreaves/warden/knowledge"
	"github.com/matgreaves/warden/proc"
)

// maxListPageSize caps one list_processes page. Log reads use the larger
// MaxListLimit instead.
const maxListPageSize = 100

// Gateway accepts WebSocket sessions on a configured path, dispatches typed
// request frames to the supervisor, registry, and knowledge store, and fans
// bus events out to subscribed sessions with per-process log batching.
type Gateway struct {
	registry   *Registry
	supervisor *Supervisor
	sessions   *SessionRegistry
	know       *knowledge.Store // nil when the store is disabled
	bus        *bus.Bus
	log        logrus.FieldLogger
	clock      clockwork.Clock
	metrics    *Metrics

	upgrader        websocket.Upgrader
	maxConnections  int
	readLimit       int64
	gracefulTimeout time.Duration
	drainTimeout    time.Duration
	batch           *batcher

	mu      sync.Mutex
	subs    []*bus.Subscription
	stopped bool
}

// NewGateway wires the gateway and subscribes it to every bus topic.
func NewGateway(
	registry *Registry,
	supervisor *Supervisor,
	sessions *SessionRegistry,
	know *knowledge.Store,
	eb *bus.Bus,
	metrics *Metrics,
	log logrus.FieldLogger,
	opts Options,
) *Gateway {
	g := &Gateway{
		registry:   registry,
		supervisor: supervisor,
		sessions:   sessions,
		know:       know,
		bus:        eb,
		log:        log.WithField("component", "gateway"),
		clock:      opts.Clock,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			// No origin policy: authentication and authorization are out
			// of scope and the daemon binds local-first.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		maxConnections:  opts.MaxConnections,
		readLimit:       opts.ReadLimit,
		gracefulTimeout: opts.GracefulTimeout,
		drainTimeout:    opts.ShutdownTimeout / 2,
	}
	g.batch = newBatcher(opts.Clock, opts.BatchWindow, g.flushLogs)

	for _, topic := range bus.Topics() {
		topic := topic
		g.subs = append(g.subs, eb.Subscribe(topic, func(e bus.Event) {
			g.onBusEvent(topic, e)
		}))
	}
	return g
}

// ServeHTTP upgrades one HTTP request into a session. At the connection
// limit the request is refused with 503 before upgrading.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.sessions.Len() >= g.maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.log.WithError(err).Debug("upgrade failed")
		return
	}

	if g.readLimit > 0 {
		conn.SetReadLimit(g.readLimit)
	}
	sess := g.sessions.Add(conn)
	g.log.WithField("session_id", sess.ID).Debug("session connected")

	g.send(sess, typeConnected, connectedData{
		ConnectionID: sess.ID,
		SessionID:    sess.ID,
		ServerTime:   g.clock.Now(),
	})

	go g.readLoop(sess, conn)
}

// readLoop is the per-session receive task. It exits when the transport
// closes, removing the session from the registry.
func (g *Gateway) readLoop(sess *Session, conn *websocket.Conn) {
	defer func() {
		g.sessions.Remove(sess.ID)
		sess.Close(websocket.CloseNormalClosure, "")
		g.log.WithField("session_id", sess.ID).Debug("session closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.sessions.Touch(sess.ID)
		g.dispatch(sess, data)
	}
}

// dispatch parses one request frame and routes it. Every request produces
// exactly one response frame.
func (g *Gateway) dispatch(sess *Session, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		g.sendError(sess, codeMessageProcessing, "malformed message: expected {type, data?}", nil)
		return
	}

	switch frame.Type {
	case typePing:
		g.send(sess, typePong, pongData{ServerTime: g.clock.Now()})
	case typeListProcesses:
		g.handleListProcesses(sess, frame.Data)
	case typeGetStatus:
		g.handleGetStatus(sess, frame.Data)
	case typeStartProcess:
		g.handleStartProcess(sess, frame.Data)
	case typeStopProcess:
		// Stop blocks until the child exits (or escalation completes);
		// keep the session's receive loop responsive meanwhile.
		go g.handleStopProcess(sess, frame.Data)
	case typeGetLogs:
		g.handleGetLogs(sess, frame.Data)
	case typeSubscribe:
		g.handleSubscription(sess, frame.Data, ActionSubscribe, typeSubscribed)
	case typeUnsubscribe:
		g.handleSubscription(sess, frame.Data, ActionUnsubscribe, typeUnsubscribed)
	case typeSubscribeAll:
		g.handleSubscription(sess, nil, ActionSubscribeAll, typeSubscribedAll)
	case typeUnsubscribeAll:
		g.handleSubscription(sess, nil, ActionUnsubscribeAll, typeUnsubscribedAll)
	case typeKnowledgeCreate, typeKnowledgeGet, typeKnowledgeList,
		typeKnowledgeUpdate, typeKnowledgeDelete, typeKnowledgeLink, typeKnowledgeAccept:
		g.dispatchKnowledge(sess, frame)
	default:
		g.sendError(sess, codeUnknownType, "unknown message type: "+frame.Type, nil)
	}
}

func (g *Gateway) handleListProcesses(sess *Session, data json.RawMessage) {
	var req listProcessesRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			g.sendError(sess, codeMessageProcessing, "decode list_processes: "+err.Error(), nil)
			return
		}
	}

	filter := Filter{Name: req.Name}
	if st := proc.Status(req.Status); st.Valid() {
		filter.Status = st
	}
	var srt Sort
	switch SortField(req.SortBy) {
	case SortByStartTime, SortByName, SortByStatus:
		srt.Field = SortField(req.SortBy)
	}
	srt.Desc = req.SortOrder == "desc"

	limit := req.Limit
	if limit <= 0 || limit > maxListPageSize {
		limit = maxListPageSize
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	records, total := g.registry.List(filter, srt, Page{Offset: offset, Limit: limit})
	// Listings omit log snapshots; logs travel through get_process_logs.
	for i := range records {
		records[i].Logs = nil
	}
	g.send(sess, typeProcessList, processListData{
		Processes: records,
		Total:     total,
		Page:      offset/limit + 1,
		PageSize:  limit,
	})
}

func (g *Gateway) handleGetStatus(sess *Session, data json.RawMessage) {
	var req processIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode get_process_status: "+err.Error(), nil)
		return
	}
	if req.ProcessID == "" {
		g.sendError(sess, codeRequest, "processId is required", nil)
		return
	}
	rec, err := g.registry.Get(req.ProcessID)
	if err != nil {
		g.sendError(sess, codeNotFound, "process not found: "+req.ProcessID, nil)
		return
	}
	rec.Logs = nil
	g.send(sess, typeProcessStatus, processStatusData{Process: rec})
}

func (g *Gateway) handleStartProcess(sess *Session, data json.RawMessage) {
	var req startProcessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode start_process: "+err.Error(), nil)
		return
	}
	if req.ScriptName == "" {
		g.sendError(sess, codeRequest, "script_name is required", nil)
		return
	}
	if req.Title == "" {
		g.sendError(sess, codeRequest, "title is required", nil)
		return
	}

	rec, err := g.supervisor.Spawn(proc.StartRequest{
		Command: []string{req.ScriptName},
		Title:   req.Title,
		Name:    req.Name,
		Args:    req.Args,
		Env:     req.EnvVars,
	})
	if err != nil {
		var verr *proc.ValidationError
		switch {
		case errors.As(err, &verr):
			g.sendError(sess, codeRequest, verr.Error(), nil)
		case errors.Is(err, ErrShuttingDown):
			g.sendError(sess, codeInternal, err.Error(), nil)
		default:
			// Spawn failure: the record exists in failed; hand the id back
			// so the client can read the postmortem logs.
			g.sendError(sess, codeInternal, err.Error(), map[string]string{"processId": rec.ID})
		}
		return
	}
	g.send(sess, typeProcessStarted, processStartedData{
		ProcessID: rec.ID,
		Message:   "process started: " + rec.Title,
	})
}

func (g *Gateway) handleStopProcess(sess *Session, data json.RawMessage) {
	var req stopProcessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode stop_process: "+err.Error(), nil)
		return
	}
	if req.ProcessID == "" {
		g.sendError(sess, codeRequest, "processId is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*g.gracefulTimeout+time.Second)
	defer cancel()
	err := g.supervisor.Stop(ctx, proc.StopRequest{ID: req.ProcessID, Force: req.Force})
	switch {
	case errors.Is(err, ErrNotFound):
		g.sendError(sess, codeNotFound, "process not found: "+req.ProcessID, nil)
	case err != nil:
		g.sendError(sess, codeInternal, err.Error(), map[string]string{"processId": req.ProcessID})
	default:
		g.send(sess, typeProcessStopped, processStoppedData{
			ProcessID: req.ProcessID,
			Message:   "process stopped",
		})
	}
}

func (g *Gateway) handleGetLogs(sess *Session, data json.RawMessage) {
	var req getLogsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode get_process_logs: "+err.Error(), nil)
		return
	}
	if req.ProcessID == "" {
		g.sendError(sess, codeRequest, "processId is required", nil)
		return
	}

	var kind proc.LogKind
	if k := proc.LogKind(req.Type); k.Valid() {
		kind = k // unknown kinds are ignored, matching list filtering
	}
	logs, err := g.registry.Logs(req.ProcessID, kind, 0)
	if err != nil {
		g.sendError(sess, codeNotFound, "process not found: "+req.ProcessID, nil)
		return
	}

	total := len(logs)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(logs) {
		logs = []proc.LogEntry{}
	} else {
		logs = logs[offset:]
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if limit < len(logs) {
		logs = logs[:limit]
	}
	g.send(sess, typeProcessLogs, processLogsData{ProcessID: req.ProcessID, Logs: logs, Total: total})
}

func (g *Gateway) handleSubscription(sess *Session, data json.RawMessage, action SubscriptionAction, respType string) {
	var req subscriptionData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			g.sendError(sess, codeMessageProcessing, "decode subscription request: "+err.Error(), nil)
			return
		}
	}
	if err := g.sessions.UpdateSubscription(sess.ID, action, req.ProcessID); err != nil {
		g.sendError(sess, codeRequest, err.Error(), nil)
		return
	}
	g.send(sess, respType, subscriptionData{ProcessID: req.ProcessID})
}

// onBusEvent is invoked synchronously on the publisher's goroutine; it only
// enqueues (session sends are non-blocking, log events go to the batcher).
func (g *Gateway) onBusEvent(topic bus.Topic, e bus.Event) {
	switch topic {
	case bus.ProcessLog:
		if e.Log == nil {
			return
		}
		g.metrics.LogLines.WithLabelValues(string(e.Log.Entry.Kind)).Inc()
		g.batch.add(e.Log.ID, e.Log.Entry)

	case bus.ProcessStarted:
		g.metrics.Starts.Inc()
		g.broadcastProc(typeProcessStarted, e)
	case bus.ProcessStopped:
		g.metrics.Stops.Inc()
		g.broadcastProc(typeProcessStopped, e)
	case bus.ProcessFailed:
		g.metrics.Stops.Inc()
		g.broadcastProc(typeProcessFailed, e)
	case bus.ProcessStateChanged:
		if e.Proc == nil {
			return
		}
		frame := encodeFrame(typeProcessStateChng, stateChangedData{
			ProcessID: e.Proc.ID,
			From:      e.Proc.From,
			To:        e.Proc.To,
		})
		g.fanOut(e.Proc.ID, typeProcessStateChng, frame)

	case bus.KnowledgeCreated, bus.KnowledgeUpdated, bus.KnowledgeDeleted,
		bus.KnowledgeLinked, bus.KnowledgeAccepted, bus.KnowledgeFileChanged:
		g.broadcastKnowledge(topic, e)
	}
}

func (g *Gateway) broadcastProc(frameType string, e bus.Event) {
	if e.Proc == nil {
		return
	}
	rec := e.Proc.Record
	if rec != nil {
		snap := rec.Clone()
		snap.Logs = nil
		rec = &snap
	}
	frame := encodeFrame(frameType, processEventData{
		ProcessID: e.Proc.ID,
		Process:   rec,
		Reason:    e.Proc.Reason,
	})
	g.fanOut(e.Proc.ID, frameType, frame)
}

// fanOut delivers one broadcast frame to every connected session subscribed
// to the process.
func (g *Gateway) fanOut(procID, frameType string, frame []byte) {
	for _, sess := range g.sessions.ListSubscribedTo(procID) {
		if sess.Send(frame) {
			g.metrics.FramesSent.WithLabelValues(frameType).Inc()
		}
	}
}

// flushLogs emits one process_logs_updated frame per affected process when
// the batching window fires.
func (g *Gateway) flushLogs(batch map[string][]proc.LogEntry) {
	for id, entries := range batch {
		frame := encodeFrame(typeProcessLogsUpdate, logsUpdatedData{ProcessID: id, Logs: entries})
		g.fanOut(id, typeProcessLogsUpdate, frame)
	}
}

// broadcastKnowledge forwards knowledge events to every connected session;
// they are not gated by process subscriptions.
func (g *Gateway) broadcastKnowledge(topic bus.Topic, e bus.Event) {
	if e.Know == nil {
		return
	}
	var frameType string
	var payload any
	switch topic {
	case bus.KnowledgeCreated:
		frameType, payload = typeKnowledgeCreated, e.Know
	case bus.KnowledgeUpdated:
		frameType, payload = typeKnowledgeUpdated, e.Know
	case bus.KnowledgeDeleted:
		frameType, payload = typeKnowledgeDeleted, e.Know
	case bus.KnowledgeLinked:
		frameType, payload = typeKnowledgeLinked, e.Know
	case bus.KnowledgeAccepted:
		frameType, payload = typeKnowledgeAccepted, e.Know
	case bus.KnowledgeFileChanged:
		frameType, payload = typeKnowledgeFile, fileChangedData{Path: e.Know.Path, Op: e.Know.Action}
	default:
		return
	}
	frame := encodeFrame(frameType, payload)
	for _, sess := range g.sessions.ListByState(SessionConnected) {
		if sess.Send(frame) {
			g.metrics.FramesSent.WithLabelValues(frameType).Inc()
		}
	}
}

// send delivers one response or control frame to a single session.
func (g *Gateway) send(sess *Session, frameType string, data any) {
	if sess.Send(encodeFrame(frameType, data)) {
		g.metrics.FramesSent.WithLabelValues(frameType).Inc()
	}
}

func (g *Gateway) sendError(sess *Session, code, message string, details any) {
	g.send(sess, typeError, errorData{Code: code, Message: message, Details: details})
}

// Stop detaches the gateway from the bus, flushes pending log batches,
// lets session writers drain their queues within half the shutdown budget,
// and closes every session with code 1001. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	g.batch.stop()

	deadline := time.Now().Add(g.drainTimeout)
	for _, sess := range g.sessions.List() {
		sess.drainFor(time.Until(deadline))
	}
	g.sessions.CloseAll(websocket.CloseGoingAway, "Server shutdown")
}
