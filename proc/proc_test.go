package proc_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matgreaves/warden/proc"
)

func TestStatusValid(t *testing.T) {
	tests := []struct {
		s    proc.Status
		want bool
	}{
		{proc.StatusStarting, true},
		{proc.StatusRunning, true},
		{proc.StatusStopping, true},
		{proc.StatusStopped, true},
		{proc.StatusFailed, true},
		{"paused", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.s.Valid(); got != tt.want {
			t.Errorf("Status(%q).Valid() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to proc.Status }{
		{proc.StatusStarting, proc.StatusRunning},
		{proc.StatusStarting, proc.StatusFailed},
		{proc.StatusRunning, proc.StatusStopping},
		{proc.StatusRunning, proc.StatusStopped},
		{proc.StatusRunning, proc.StatusFailed},
		{proc.StatusStopping, proc.StatusStopped},
		{proc.StatusStopping, proc.StatusFailed},
	}
	for _, tt := range allowed {
		if !tt.from.CanTransitionTo(tt.to) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to proc.Status }{
		{proc.StatusStarting, proc.StatusStopping},
		{proc.StatusStarting, proc.StatusStopped},
		{proc.StatusRunning, proc.StatusStarting},
		{proc.StatusRunning, proc.StatusRunning},
		{proc.StatusStopped, proc.StatusRunning},
		{proc.StatusStopped, proc.StatusFailed},
		{proc.StatusFailed, proc.StatusStopped},
		{proc.StatusFailed, proc.StatusRunning},
	}
	for _, tt := range denied {
		if tt.from.CanTransitionTo(tt.to) {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []proc.Status{proc.StatusStopped, proc.StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []proc.Status{proc.StatusStarting, proc.StatusRunning, proc.StatusStopping} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRing_AppendAndSnapshot(t *testing.T) {
	r := proc.NewRing(10)

	for i := 0; i < 3; i++ {
		r.Append(proc.LogEntry{Kind: proc.LogStdout, Content: fmt.Sprintf("line %d", i)})
	}

	got := r.Snapshot("", 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("line %d", i)
		if e.Content != want {
			t.Errorf("entry %d: got %q, want %q", i, e.Content, want)
		}
	}
}

func TestRing_OverflowEvictsOldest(t *testing.T) {
	// Capacity 5, 8 appends: the snapshot must hold lines 3..7 in order.
	r := proc.NewRing(5)
	for i := 0; i < 8; i++ {
		r.Append(proc.LogEntry{Kind: proc.LogStdout, Content: fmt.Sprintf("line %d", i)})
	}

	if r.Len() != 5 {
		t.Fatalf("expected len 5, got %d", r.Len())
	}
	got := r.Snapshot("", 0)
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("line %d", i+3)
		if e.Content != want {
			t.Errorf("entry %d: got %q, want %q", i, e.Content, want)
		}
	}
}

func TestRing_LenNeverExceedsCap(t *testing.T) {
	r := proc.NewRing(7)
	for i := 0; i < 100; i++ {
		r.Append(proc.LogEntry{Content: fmt.Sprintf("%d", i)})
		if r.Len() > 7 {
			t.Fatalf("len %d exceeds capacity after %d appends", r.Len(), i+1)
		}
	}
}

func TestRing_SnapshotFiltersByKind(t *testing.T) {
	r := proc.NewRing(10)
	r.Append(proc.LogEntry{Kind: proc.LogStdout, Content: "out 1"})
	r.Append(proc.LogEntry{Kind: proc.LogStderr, Content: "err 1"})
	r.Append(proc.LogEntry{Kind: proc.LogSystem, Content: "sys 1"})
	r.Append(proc.LogEntry{Kind: proc.LogStdout, Content: "out 2"})

	got := r.Snapshot(proc.LogStdout, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 stdout entries, got %d", len(got))
	}
	if got[0].Content != "out 1" || got[1].Content != "out 2" {
		t.Errorf("unexpected contents: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestRing_SnapshotTail(t *testing.T) {
	r := proc.NewRing(10)
	for i := 0; i < 6; i++ {
		r.Append(proc.LogEntry{Kind: proc.LogStdout, Content: fmt.Sprintf("line %d", i)})
	}

	got := r.Snapshot("", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Content != "line 4" || got[1].Content != "line 5" {
		t.Errorf("unexpected tail: %q, %q", got[0].Content, got[1].Content)
	}

	// Tail larger than the ring returns everything.
	if got := r.Snapshot("", 50); len(got) != 6 {
		t.Errorf("oversized tail: expected 6 entries, got %d", len(got))
	}
}

func TestRing_SnapshotIsACopy(t *testing.T) {
	r := proc.NewRing(5)
	r.Append(proc.LogEntry{Content: "original"})

	snap := r.Snapshot("", 0)
	snap[0].Content = "mutated"

	if got := r.Snapshot("", 0)[0].Content; got != "original" {
		t.Errorf("ring entry mutated through snapshot: %q", got)
	}
}

func TestStartRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     proc.StartRequest
		wantErr string
	}{
		{"valid", proc.StartRequest{Command: []string{"echo", "hi"}, Title: "greet"}, ""},
		{"empty command", proc.StartRequest{Title: "x"}, "command is required"},
		{"blank executable", proc.StartRequest{Command: []string{""}, Title: "x"}, "command is required"},
		{"missing title", proc.StartRequest{Command: []string{"echo"}}, "title is required"},
	}

	for _, tt := range tests {
		err := tt.req.Validate()
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
			continue
		}
		if err.Error() != tt.wantErr {
			t.Errorf("%s: got %q, want %q", tt.name, err.Error(), tt.wantErr)
		}
		var verr *proc.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: error is not a *ValidationError", tt.name)
		}
	}
}

func TestStartRequestArgv(t *testing.T) {
	req := proc.StartRequest{
		Command: []string{"sh", "-c"},
		Args:    []string{"echo hi"},
		Title:   "t",
	}
	argv := req.Argv()
	want := []string{"sh", "-c", "echo hi"}
	if len(argv) != len(want) {
		t.Fatalf("argv length: got %d, want %d", len(argv), len(want))
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d]: got %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestDecodeStartRequest(t *testing.T) {
	data := []byte(`{"command":["echo","hi"],"title":"greet","env":{"FOO":"bar"}}`)
	req, err := proc.DecodeStartRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Title != "greet" || len(req.Command) != 2 || req.Env["FOO"] != "bar" {
		t.Errorf("unexpected request: %+v", req)
	}

	if _, err := proc.DecodeStartRequest([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestRecordClone(t *testing.T) {
	end := time.Now()
	pid := 1234
	code := 0
	rec := proc.Record{
		ID:       "p1",
		Title:    "worker",
		Command:  []string{"sleep", "5"},
		Status:   proc.StatusStopped,
		EndTime:  &end,
		PID:      &pid,
		ExitCode: &code,
		Logs:     []proc.LogEntry{{Content: "a"}},
		Metadata: map[string]any{"k": "v"},
	}

	cl := rec.Clone()
	cl.Command[0] = "rm"
	cl.Logs[0].Content = "b"
	cl.Metadata["k"] = "w"
	*cl.PID = 1
	*cl.EndTime = end.Add(time.Hour)

	if rec.Command[0] != "sleep" {
		t.Error("clone shares command slice")
	}
	if rec.Logs[0].Content != "a" {
		t.Error("clone shares logs slice")
	}
	if rec.Metadata["k"] != "v" {
		t.Error("clone shares metadata map")
	}
	if *rec.PID != 1234 {
		t.Error("clone shares pid pointer")
	}
	if !rec.EndTime.Equal(end) {
		t.Error("clone shares endTime pointer")
	}
}
