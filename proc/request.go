package proc

import (
	"encoding/json"
	"fmt"
	"time"
)

// StartRequest describes a process to spawn. Command[0] is the executable;
// the remaining elements plus Args become its arguments.
type StartRequest struct {
	Command []string          `json:"command"`
	Title   string            `json:"title"`
	Name    string            `json:"name,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Dir is the child's working directory; empty means the supervisor's.
	Dir string `json:"dir,omitempty"`
}

// DecodeStartRequest unmarshals a start request from JSON.
func DecodeStartRequest(data []byte) (StartRequest, error) {
	var req StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return StartRequest{}, err
	}
	return req, nil
}

// Validate checks the request's required fields. It returns a
// *ValidationError naming the first offending field, or nil.
func (r StartRequest) Validate() error {
	if len(r.Command) == 0 || r.Command[0] == "" {
		return &ValidationError{Field: "command", Reason: "is required"}
	}
	if r.Title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	return nil
}

// Argv returns the full argument vector: Command followed by Args.
func (r StartRequest) Argv() []string {
	argv := make([]string, 0, len(r.Command)+len(r.Args))
	argv = append(argv, r.Command...)
	argv = append(argv, r.Args...)
	return argv
}

// StopRequest asks the supervisor to terminate a process.
type StopRequest struct {
	ID string `json:"id"`

	// Force skips the graceful signal and kills immediately.
	Force bool `json:"force,omitempty"`

	// Timeout bounds the graceful wait before escalation. Zero means the
	// supervisor's configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ValidationError reports a request field that failed validation. No state
// is mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
