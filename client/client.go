// Package client is a Go SDK for the warden gateway. It speaks the same
// WebSocket JSON-frame protocol browsers use: typed request/response calls
// plus a channel of broadcast events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// eventBuffer bounds the broadcast channel. When the consumer falls behind,
// the oldest buffered event is dropped in favor of the newest.
const eventBuffer = 256

// Client is one session against a warden daemon. Calls are serialized: one
// request is in flight at a time, matched to its response by frame type.
type Client struct {
	conn *websocket.Conn

	// SessionID is assigned by the server in the connected greeting.
	SessionID string

	callMu  sync.Mutex // one in-flight call
	writeMu sync.Mutex
	pending atomic.Value // string: expected response type, "" when idle
	resp    chan Frame

	events    chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
}

// Dial connects to a warden daemon, e.g. ws://127.0.0.1:8080/ws. It blocks
// until the server's connected greeting arrives.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		resp:   make(chan Frame, 1),
		events: make(chan Frame, eventBuffer),
		closed: make(chan struct{}),
	}
	c.pending.Store("")

	// The connected control frame is always the first thing the server
	// sends on a fresh session.
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if frame.Type != "connected" {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting frame %q", frame.Type)
	}
	var greeting struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(frame.Data, &greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode greeting: %w", err)
	}
	c.SessionID = greeting.SessionID

	go c.readLoop()
	return c, nil
}

// readLoop demultiplexes incoming frames: the expected response (or an
// error frame) completes the in-flight call; everything else is a broadcast.
func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		want, _ := c.pending.Load().(string)
		if want != "" && (frame.Type == want || frame.Type == "error") {
			c.pending.Store("")
			c.resp <- frame
			continue
		}

		select {
		case c.events <- frame:
		default:
			// Consumer is behind: drop the oldest buffered event.
			select {
			case <-c.events:
			default:
			}
			select {
			case c.events <- frame:
			default:
			}
		}
	}
}

// Events returns the stream of broadcast frames (state changes, batched
// logs, knowledge events). The channel is never closed while the client is
// open; it stops delivering after Close.
func (c *Client) Events() <-chan Frame {
	return c.events
}

// Close shuts the session down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// call sends one request frame and waits for the matching response frame or
// an error frame.
func (c *Client) call(ctx context.Context, reqType string, data any, respType string) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", reqType, err)
		}
		raw = b
	}
	payload, _ := json.Marshal(Frame{Type: reqType, Data: raw})

	c.pending.Store(respType)
	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Store("")
		return nil, fmt.Errorf("send %s: %w", reqType, err)
	}

	select {
	case frame := <-c.resp:
		if frame.Type == "error" {
			var e ErrorData
			if err := json.Unmarshal(frame.Data, &e); err != nil {
				return nil, fmt.Errorf("%s failed with undecodable error frame", reqType)
			}
			return nil, &ServerError{Code: e.Code, Message: e.Message}
		}
		return frame.Data, nil
	case <-ctx.Done():
		c.pending.Store("")
		return nil, ctx.Err()
	case <-c.closed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		return nil, fmt.Errorf("connection closed")
	}
}

// ServerError is an error frame returned by the daemon.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Ping round-trips a control frame and returns the server's clock.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	data, err := c.call(ctx, "ping", nil, "pong")
	if err != nil {
		return time.Time{}, err
	}
	var pong struct {
		ServerTime time.Time `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &pong); err != nil {
		return time.Time{}, fmt.Errorf("decode pong: %w", err)
	}
	return pong.ServerTime, nil
}

// ListOptions filter and page List results.
type ListOptions struct {
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	SortBy    string `json:"sortBy,omitempty"`
	SortOrder string `json:"sortOrder,omitempty"`
}

// List returns matching processes and the total match count.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Process, int, error) {
	data, err := c.call(ctx, "list_processes", opts, "process_list")
	if err != nil {
		return nil, 0, err
	}
	var out struct {
		Processes []Process `json:"processes"`
		Total     int       `json:"total"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, fmt.Errorf("decode process_list: %w", err)
	}
	return out.Processes, out.Total, nil
}

// Status fetches one process record.
func (c *Client) Status(ctx context.Context, processID string) (Process, error) {
	data, err := c.call(ctx, "get_process_status", map[string]string{"processId": processID}, "process_status")
	if err != nil {
		return Process{}, err
	}
	var out struct {
		Process Process `json:"process"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Process{}, fmt.Errorf("decode process_status: %w", err)
	}
	return out.Process, nil
}

// StartOptions describe a process to spawn. Script is the executable; Args
// follow it on the command line.
type StartOptions struct {
	Script string            `json:"script_name"`
	Title  string            `json:"title"`
	Name   string            `json:"name,omitempty"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env_vars,omitempty"`
}

// Start spawns a process and returns its id.
func (c *Client) Start(ctx context.Context, opts StartOptions) (string, error) {
	data, err := c.call(ctx, "start_process", opts, "process_started")
	if err != nil {
		return "", err
	}
	var out struct {
		ProcessID string `json:"processId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode process_started: %w", err)
	}
	return out.ProcessID, nil
}

// Stop terminates a process, gracefully by default.
func (c *Client) Stop(ctx context.Context, processID string, force bool) error {
	_, err := c.call(ctx, "stop_process", map[string]any{
		"processId": processID,
		"force":     force,
	}, "process_stopped")
	return err
}

// LogOptions filter and page Logs results.
type LogOptions struct {
	Kind   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Logs fetches a process's captured log entries and the total count before
// paging.
func (c *Client) Logs(ctx context.Context, processID string, opts LogOptions) ([]LogEntry, int, error) {
	req := struct {
		ProcessID string `json:"processId"`
		LogOptions
	}{ProcessID: processID, LogOptions: opts}

	data, err := c.call(ctx, "get_process_logs", req, "process_logs")
	if err != nil {
		return nil, 0, err
	}
	var out struct {
		Logs  []LogEntry `json:"logs"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, fmt.Errorf("decode process_logs: %w", err)
	}
	return out.Logs, out.Total, nil
}

// Subscribe opts in to broadcasts for one process.
func (c *Client) Subscribe(ctx context.Context, processID string) error {
	_, err := c.call(ctx, "subscribe", map[string]string{"processId": processID}, "subscribed")
	return err
}

// Unsubscribe removes one process from the subscription set.
func (c *Client) Unsubscribe(ctx context.Context, processID string) error {
	_, err := c.call(ctx, "unsubscribe", map[string]string{"processId": processID}, "unsubscribed")
	return err
}

// SubscribeAll opts in to broadcasts for every process.
func (c *Client) SubscribeAll(ctx context.Context) error {
	_, err := c.call(ctx, "subscribe_all", nil, "subscribed_all")
	return err
}

// UnsubscribeAll clears all subscriptions.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	_, err := c.call(ctx, "unsubscribe_all", nil, "unsubscribed_all")
	return err
}
