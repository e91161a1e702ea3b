package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a synchronization failure for retry and escalation
// handling.
type ErrorClass string

const (
	// ErrorClassRetryable indicates the same event may succeed if resubmitted
	// later. Examples: repository connectivity loss, lock wait timeout, a
	// required source attribute that has not appeared on the resource yet.
	ErrorClassRetryable ErrorClass = "retryable"

	// ErrorClassTerminal indicates the event failed for good and needs
	// upstream correction before resubmission. Examples: template validation
	// failure, duplicate natural key, concurrent modification after retry.
	ErrorClassTerminal ErrorClass = "terminal"

	// ErrorClassFatal indicates a condition the engine must never resolve on
	// its own. It is surfaced with full context for operator intervention.
	// Example: two identities claiming the same account link.
	ErrorClassFatal ErrorClass = "fatal"
)

// SyncError is a classified synchronization failure. Every error leaving the
// engine carries the triggering shadow's resource and account identifiers so
// operators can locate the originating change.
type SyncError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ResourceID and AccountID locate the shadow that triggered the failure.
	ResourceID string `json:"resource_id,omitempty"`
	AccountID  string `json:"account_id,omitempty"`

	// Situation is the upstream classification of the triggering event.
	Situation SynchronizationSituation `json:"situation,omitempty"`

	// Operation is the engine operation in progress when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
	if e.ResourceID != "" {
		msg += fmt.Sprintf(" (resource=%s, account=%s)", e.ResourceID, e.AccountID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is; two SyncErrors match when
// class and code agree.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithShadow attaches the triggering shadow's identifiers to the error.
func (e *SyncError) WithShadow(shadow *ResourceObjectShadow) *SyncError {
	if shadow != nil {
		e.ResourceID = shadow.ResourceID
		e.AccountID = shadow.AccountID
	}
	return e
}

// WithSituation attaches the event's situation classification.
func (e *SyncError) WithSituation(situation SynchronizationSituation) *SyncError {
	e.Situation = situation
	return e
}

// WithOperation attaches the engine operation in progress.
func (e *SyncError) WithOperation(op string) *SyncError {
	e.Operation = op
	return e
}

// WithDetail attaches a context detail to the error.
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	CodeMappingEvaluation      = "MAPPING_EVALUATION"
	CodeTemplateValidation     = "TEMPLATE_VALIDATION"
	CodeTemplateNotFound       = "TEMPLATE_NOT_FOUND"
	CodeDuplicateIdentity      = "DUPLICATE_IDENTITY"
	CodeRepositoryUnavailable  = "REPOSITORY_UNAVAILABLE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeCorrelationConflict    = "CORRELATION_CONFLICT"
	CodeLockTimeout            = "LOCK_TIMEOUT"
	CodeNotFound               = "NOT_FOUND"
	CodePolicy                 = "POLICY"
	CodeInternal               = "INTERNAL"
)

// NewMappingEvaluationError reports a mapping whose required source attribute
// is absent with no default. The attribute may appear on the resource later,
// so the event is retryable.
func NewMappingEvaluationError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassRetryable, Code: CodeMappingEvaluation, Message: message, Err: err}
}

// NewTemplateValidationError reports a draft that cannot satisfy its template.
// The template is deficient relative to the input; resubmitting the same
// event cannot help.
func NewTemplateValidationError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodeTemplateValidation, Message: message, Err: err}
}

// NewTemplateNotFoundError reports a missing identity template.
func NewTemplateNotFoundError(templateID string, err error) *SyncError {
	e := &SyncError{Class: ErrorClassTerminal, Code: CodeTemplateNotFound, Message: "identity template not found", Err: err}
	return e.WithDetail("template_id", templateID)
}

// NewDuplicateIdentityError reports a uniqueness violation on a natural key
// during create. Never retried automatically.
func NewDuplicateIdentityError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodeDuplicateIdentity, Message: message, Err: err}
}

// NewRepositoryUnavailableError reports transient repository connectivity
// failure; the whole event is eligible for caller-driven retry.
func NewRepositoryUnavailableError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassRetryable, Code: CodeRepositoryUnavailable, Message: message, Err: err}
}

// NewConcurrentModificationError reports an optimistic-locking conflict on
// update. The executor retries once; a surfaced instance is terminal.
func NewConcurrentModificationError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodeConcurrentModification, Message: message, Err: err}
}

// NewCorrelationConflictError reports more than one identity claiming the
// same account link. Requires manual resolution; the engine never auto-merges.
func NewCorrelationConflictError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassFatal, Code: CodeCorrelationConflict, Message: message, Err: err}
}

// NewLockTimeoutError reports a bounded lock wait that expired.
func NewLockTimeoutError(key string, err error) *SyncError {
	e := &SyncError{Class: ErrorClassRetryable, Code: CodeLockTimeout, Message: "lock wait timed out", Err: err}
	return e.WithDetail("lock_key", key)
}

// NewPolicyError reports a reaction policy that failed to evaluate. The plan
// under review is not applied.
func NewPolicyError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodePolicy, Message: message, Err: err}
}

// NewNotFoundError reports a missing identity record.
func NewNotFoundError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodeNotFound, Message: message, Err: err}
}

// NewInternalError reports an unexpected engine failure.
func NewInternalError(message string, err error) *SyncError {
	return &SyncError{Class: ErrorClassTerminal, Code: CodeInternal, Message: message, Err: err}
}

// IsRetryable returns true when the caller may resubmit the same event later.
func IsRetryable(err error) bool {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRetryable
	}
	return false
}

// IsTerminal returns true when the event failed for good and needs upstream
// correction.
func IsTerminal(err error) bool {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTerminal
	}
	return false
}

// IsFatal returns true when the failure requires operator attention.
func IsFatal(err error) bool {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// HasCode reports whether err is a SyncError with the given code.
func HasCode(err error, code string) bool {
	var e *SyncError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsSyncError converts any error into a SyncError, classifying unknown
// errors as internal.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var e *SyncError
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError("unclassified failure", err)
}
