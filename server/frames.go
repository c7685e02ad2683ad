package server

import (
	"encoding/json"
	"time"

	"github.com/matgreaves/warden/proc"
)

// Frame is the envelope every session message travels in, both directions:
// one JSON object with a type tag and an optional payload.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client request frame types.
const (
	typePing            = "ping"
	typeListProcesses   = "list_processes"
	typeGetStatus       = "get_process_status"
	typeStartProcess    = "start_process"
	typeStopProcess     = "stop_process"
	typeGetLogs         = "get_process_logs"
	typeSubscribe       = "subscribe"
	typeUnsubscribe     = "unsubscribe"
	typeSubscribeAll    = "subscribe_all"
	typeUnsubscribeAll  = "unsubscribe_all"
	typeKnowledgeCreate = "knowledge_create"
	typeKnowledgeGet    = "knowledge_get"
	typeKnowledgeList   = "knowledge_list"
	typeKnowledgeUpdate = "knowledge_update"
	typeKnowledgeDelete = "knowledge_delete"
	typeKnowledgeLink   = "knowledge_link"
	typeKnowledgeAccept = "knowledge_accept"
)

// Server frame types: responses, control frames, and broadcasts.
const (
	typeConnected         = "connected"
	typeError             = "error"
	typePong              = "pong"
	typeProcessList       = "process_list"
	typeProcessStatus     = "process_status"
	typeProcessStarted    = "process_started"
	typeProcessStopped    = "process_stopped"
	typeProcessFailed     = "process_failed"
	typeProcessStateChng  = "process_state_changed"
	typeProcessLogs       = "process_logs"
	typeProcessLogsUpdate = "process_logs_updated"
	typeSubscribed        = "subscribed"
	typeUnsubscribed      = "unsubscribed"
	typeSubscribedAll     = "subscribed_all"
	typeUnsubscribedAll   = "unsubscribed_all"
	typeKnowledgeCreated  = "knowledge_created"
	typeKnowledgeEntry    = "knowledge_entry"
	typeKnowledgeEntries  = "knowledge_list"
	typeKnowledgeUpdated  = "knowledge_updated"
	typeKnowledgeDeleted  = "knowledge_deleted"
	typeKnowledgeLinked   = "knowledge_linked"
	typeKnowledgeAccepted = "knowledge_accepted"
	typeKnowledgeFile     = "knowledge_file_changed"
)

// Wire error codes.
const (
	codeMessageProcessing = "MESSAGE_PROCESSING_ERROR"
	codeUnknownType       = "UNKNOWN_MESSAGE_TYPE"
	codeRequest           = "REQUEST_ERROR"
	codeNotFound          = "PROCESS_NOT_FOUND"
	codeInternal          = "INTERNAL_ERROR"
)

// errorData is the payload of an error frame.
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// connectedData greets a freshly accepted session. ConnectionID and
// SessionID carry the same value; both names exist on the wire for
// compatibility with older clients.
type connectedData struct {
	ConnectionID string    `json:"connectionId"`
	SessionID    string    `json:"sessionId"`
	ServerTime   time.Time `json:"serverTime"`
}

type pongData struct {
	ServerTime time.Time `json:"serverTime"`
}

// listProcessesRequest filters and pages the registry. Unknown enum values
// are ignored rather than rejected.
type listProcessesRequest struct {
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	SortBy    string `json:"sortBy,omitempty"`
	SortOrder string `json:"sortOrder,omitempty"`
}

type processListData struct {
	Processes []proc.Record `json:"processes"`
	Total     int           `json:"total"`
	Page      int           `json:"page"`
	PageSize  int           `json:"pageSize"`
}

type processIDRequest struct {
	ProcessID string `json:"processId"`
}

type processStatusData struct {
	Process proc.Record `json:"process"`
}

// startProcessRequest is the wire shape of start_process. ScriptName becomes
// argv[0]; Args follow it.
type startProcessRequest struct {
	ScriptName string            `json:"script_name"`
	Title      string            `json:"title"`
	Name       string            `json:"name,omitempty"`
	Args       []string          `json:"args,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

type processStartedData struct {
	ProcessID string `json:"processId"`
	Message   string `json:"message"`
}

type stopProcessRequest struct {
	ProcessID string `json:"processId"`
	Force     bool   `json:"force,omitempty"`
}

type processStoppedData struct {
	ProcessID string `json:"processId"`
	Message   string `json:"message"`
}

type getLogsRequest struct {
	ProcessID string `json:"processId"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Type      string `json:"type,omitempty"`
}

type processLogsData struct {
	ProcessID string          `json:"processId"`
	Logs      []proc.LogEntry `json:"logs"`
	Total     int             `json:"total"`
}

type subscriptionData struct {
	ProcessID string `json:"processId,omitempty"`
}

// Broadcast payloads.

type processEventData struct {
	ProcessID string       `json:"processId"`
	Process   *proc.Record `json:"process,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

type stateChangedData struct {
	ProcessID string      `json:"processId"`
	From      proc.Status `json:"from"`
	To        proc.Status `json:"to"`
}

type logsUpdatedData struct {
	ProcessID string          `json:"processId"`
	Logs      []proc.LogEntry `json:"logs"`
}

type fileChangedData struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// encodeFrame marshals a typed frame. Payload marshalling of our own types
// cannot fail; an error here indicates a programming bug and yields an
// empty error frame instead of a panic.
func encodeFrame(frameType string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			b, _ = json.Marshal(errorData{Code: codeInternal, Message: "encode frame"})
			raw = b
			frameType = typeError
		} else {
			raw = b
		}
	}
	out, _ := json.Marshal(Frame{Type: frameType, Data: raw})
	return out
}
