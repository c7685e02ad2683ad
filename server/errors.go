package server

import "errors"

// Sentinel errors returned by the registry and the supervisor. Callers match
// them with errors.Is and map them onto wire error codes at the gateway.
var (
	ErrNotFound          = errors.New("process not found")
	ErrAlreadyExists     = errors.New("process already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrShuttingDown      = errors.New("supervisor is shutting down")
)

// Session-registry errors surfaced through subscription requests.
var (
	errProcessIDRequired = errors.New("processId is required")
	errUnknownAction     = errors.New("unknown subscription action")
)
