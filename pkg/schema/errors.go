package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeInvalidDefinition    = "INVALID_DEFINITION"
	ErrCodeNonExhaustiveRouting = "NON_EXHAUSTIVE_ROUTING"
	ErrCodeStaleInstance        = "STALE_INSTANCE"
	ErrCodeUnknownCheckpoint    = "UNKNOWN_CHECKPOINT"
	ErrCodeAlreadyResolved      = "ALREADY_RESOLVED"
	ErrCodeActivityTransient    = "ACTIVITY_TRANSIENT"
	ErrCodeActivityPermanent    = "ACTIVITY_PERMANENT"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeDistributionPartial  = "DISTRIBUTION_PARTIAL_FAILURE"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeVault                = "VAULT_ERROR"
	ErrCodeExecution            = "EXECUTION_ERROR"
)

// EngineError is the structured error type for all conduit operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Node    string         `json:"node,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node name to the error.
func (e *EngineError) WithNode(node string) *EngineError {
	e.Node = node
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the executor may retry an attempt that
// failed with this error. Validation, usage and permanent-failure codes
// never retry; transient/infrastructure codes do.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeInvalidDefinition,
		ErrCodeNonExhaustiveRouting,
		ErrCodeUnknownCheckpoint,
		ErrCodeAlreadyResolved,
		ErrCodeActivityPermanent,
		ErrCodeRetryExhausted,
		ErrCodeValidation,
		ErrCodeInvalidTransition,
		ErrCodeNotFound,
		ErrCodeConflict,
		ErrCodeCancelled,
		ErrCodeVault:
		return false
	}
	return true
}
