package client

import (
	"encoding/json"
	"time"
)

// Frame is the wire envelope for every session message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Process mirrors the server's process record on the wire.
type Process struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Name       string     `json:"name,omitempty"`
	Command    []string   `json:"command"`
	Status     string     `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	PID        *int       `json:"pid,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	ExitSignal string     `json:"exitSignal,omitempty"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

// LogEntry mirrors one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
}

// StateChange is the payload of a process_state_changed broadcast.
type StateChange struct {
	ProcessID string `json:"processId"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// LogsUpdate is the payload of a process_logs_updated broadcast.
type LogsUpdate struct {
	ProcessID string     `json:"processId"`
	Logs      []LogEntry `json:"logs"`
}

// ProcessEvent is the payload of process_started / process_stopped /
// process_failed broadcasts.
type ProcessEvent struct {
	ProcessID string   `json:"processId"`
	Process   *Process `json:"process,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
