package domain

import "fmt"

// StackError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type StackError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *StackError) Error() string {
	return fmt.Sprintf("cascade error %d: %s", e.Code, e.Message)
}

// NewStackError creates a new StackError.
func NewStackError(code int, msg string) *StackError {
	return &StackError{Code: code, Message: msg}
}

// WrapStackError creates a StackError that includes a cause.
func WrapStackError(code int, msg string, cause error) *StackError {
	return &StackError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Watcher / cascade errors (-32010 to -32039) ----

var (
	ErrDeltaRead    = &StackError{Code: -32011, Message: "failed to read transcript delta"}
	ErrDeltaNotUTF8 = &StackError{Code: -32012, Message: "transcript delta is not valid UTF-8"}
)

// ---- Mailbox / injection errors (-32040 to -32069) ----

var (
	ErrMailboxWrite = &StackError{Code: -32040, Message: "failed to write injection file"}
)

// ---- Agent runtime boundary errors (-32100 to -32129) ----

var (
	ErrAgentUnavailable = &StackError{Code: -32100, Message: "agent runtime unavailable"}
	ErrAgentTimeout     = &StackError{Code: -32101, Message: "agent turn timed out"}
	ErrDistillFailed    = &StackError{Code: -32102, Message: "ego distillation failed"}
)

// ---- Workspace / store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &StackError{Code: -32130, Message: "failed to initialize journal store"}
	ErrStoreWrite      = &StackError{Code: -32131, Message: "journal write failed"}
	ErrSchemaMigration = &StackError{Code: -32132, Message: "workspace migration failed"}
	ErrSchemaNewer     = &StackError{Code: -32133, Message: "workspace schema is newer than this binary"}
	ErrConfigInvalid   = &StackError{Code: -32134, Message: "invalid configuration"}
)
