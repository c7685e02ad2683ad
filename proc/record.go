package proc

import "time"

// LogKind identifies the origin of a log entry.
type LogKind string

const (
	LogStdout LogKind = "stdout"
	LogStderr LogKind = "stderr"
	// LogSystem marks entries written by the supervisor itself
	// (spawn, exit, termination, reader errors).
	LogSystem LogKind = "system"
)

// Valid reports whether k is a known log kind.
func (k LogKind) Valid() bool {
	switch k {
	case LogStdout, LogStderr, LogSystem:
		return true
	}
	return false
}

// LogEntry is one captured line of process output. Content never carries a
// trailing newline; timestamps are stamped by the supervisor at append time.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      LogKind   `json:"kind"`
	Content   string    `json:"content"`
}

// Record is the in-memory representation of one spawned process. Exactly one
// record exists per spawn; records outlive their child for postmortem reads
// and are removed only by an explicit forget.
type Record struct {
	// ID is the supervisor-assigned identifier, stable for the record's life.
	ID string `json:"id"`

	// Title is the required human-readable label from the start request.
	Title string `json:"title"`

	// Name is an optional display name used for substring filtering.
	Name string `json:"name,omitempty"`

	// Command is the child's argv. Immutable after creation.
	Command []string `json:"command"`

	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// PID is set when the child reaches running and never cleared.
	PID *int `json:"pid,omitempty"`

	ExitCode   *int   `json:"exitCode,omitempty"`
	ExitSignal string `json:"exitSignal,omitempty"`

	// Logs is a snapshot of the record's ring. Filled by single-record
	// reads; list results omit it.
	Logs []LogEntry `json:"logs,omitempty"`

	// Metadata holds free-form key/value pairs, including the captured
	// original start request under "originalRequest".
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record so callers cannot mutate
// registry-owned state through a snapshot.
func (r Record) Clone() Record {
	out := r
	if r.Command != nil {
		out.Command = append([]string(nil), r.Command...)
	}
	if r.Logs != nil {
		out.Logs = append([]LogEntry(nil), r.Logs...)
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.PID != nil {
		p := *r.PID
		out.PID = &p
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Runtime returns the elapsed time between start and end, or zero if the
// record has not reached a terminal state.
func (r Record) Runtime() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
