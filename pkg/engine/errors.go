// Package engine provides the core types and contracts for the Cascade
// deployment orchestration engine: stage registry, dependency resolution,
// execution, verification gating, rollback, and diagnostic sessions.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass groups engine failures by the contract they break. The class
// decides how a failure surfaces: registration and config errors are fatal
// at load, action/verification/timeout errors halt the run and are eligible
// for a diagnostic session, rollback and diagnostic errors affect only the
// operation that raised them. Nothing is retried automatically.
type ErrorClass string

const (
	// ErrorClassRegistration indicates an invalid stage definition:
	// duplicate id, unknown or cyclic dependency, mutating check, or a
	// missing rollback that was not declared irreversible.
	ErrorClassRegistration ErrorClass = "registration"

	// ErrorClassAction indicates a stage action failed to apply.
	ErrorClassAction ErrorClass = "action"

	// ErrorClassVerification indicates an action reported success but the
	// stage's post-conditions do not hold.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassTimeout indicates an action or check exceeded its deadline.
	// Handled like an action failure, with a distinct evidence tag.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassRollback indicates a rollback was refused or failed.
	ErrorClassRollback ErrorClass = "rollback"

	// ErrorClassConfig indicates missing or invalid environment configuration.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassDrift indicates the environment store revision no longer
	// matches the revision a run was started against.
	ErrorClassDrift ErrorClass = "drift"

	// ErrorClassDiagnostic indicates a diagnostic session protocol violation.
	ErrorClassDiagnostic ErrorClass = "diagnostic"

	// ErrorClassStore indicates the persistence layer failed.
	ErrorClassStore ErrorClass = "store"

	// ErrorClassInternal indicates a bug or broken invariant inside the engine.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with stage and operation context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the stage id that caused the error, if applicable.
	Stage string `json:"stage,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Stage != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (stage=%s, operation=%s): %s",
			e.Class, e.Message, e.Stage, e.Operation, e.unwrapMessage())
	}
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s): %s",
			e.Class, e.Message, e.Stage, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRegistration,
		Message: message,
		Err:     err,
	}
}

// NewActionError creates a new action error.
func NewActionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAction,
		Message: message,
		Err:     err,
	}
}

// NewVerificationError creates a new verification error.
func NewVerificationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassVerification,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Message: message,
		Code:    ErrCodeTimeout,
		Err:     err,
	}
}

// NewRollbackError creates a new rollback error.
func NewRollbackError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRollback,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfig,
		Message: message,
		Err:     err,
	}
}

// NewDriftError creates a new drift error.
func NewDriftError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDrift,
		Message: message,
		Code:    ErrCodeDriftDetected,
		Err:     err,
	}
}

// NewDiagnosticError creates a new diagnostic session error.
func NewDiagnosticError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDiagnostic,
		Message: message,
		Err:     err,
	}
}

// NewStoreError creates a new persistence error.
func NewStoreError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStore,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal engine error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stageID string) *EngineError {
	e.Stage = stageID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// classOf extracts the engine error class from an error chain.
func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsRegistrationError returns true if the error is a registration error.
func IsRegistrationError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassRegistration
}

// IsActionError returns true if the error is an action error.
func IsActionError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAction
}

// IsVerificationError returns true if the error is a verification error.
func IsVerificationError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassVerification
}

// IsTimeoutError returns true if the error is a timeout error.
func IsTimeoutError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTimeout
}

// IsRollbackError returns true if the error is a rollback error.
func IsRollbackError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassRollback
}

// IsConfigError returns true if the error is a configuration error.
func IsConfigError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfig
}

// IsDriftError returns true if the error is a drift error.
func IsDriftError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDrift
}

// IsDiagnosticError returns true if the error is a diagnostic session error.
func IsDiagnosticError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDiagnostic
}

// IsIrreversible returns true if the error refused a rollback of an
// irreversible stage.
func IsIrreversible(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeIrreversibleStage
	}
	return false
}

// Diagnosable returns true if the error kind is eligible for a diagnostic
// session: the action failed, timed out, or its post-conditions did not hold.
func Diagnosable(err error) bool {
	c, ok := classOf(err)
	if !ok {
		return false
	}
	return c == ErrorClassAction || c == ErrorClassVerification || c == ErrorClassTimeout
}

// Common error codes.
const (
	ErrCodeDuplicateStage     = "DUPLICATE_STAGE"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeDependencyCycle    = "DEPENDENCY_CYCLE"
	ErrCodeMutatingCheck      = "MUTATING_CHECK"
	ErrCodeMissingRollback    = "MISSING_ROLLBACK"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodeActionFailed       = "ACTION_FAILED"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeIrreversibleStage  = "IRREVERSIBLE_STAGE"
	ErrCodeRollbackFailed     = "ROLLBACK_FAILED"
	ErrCodeNotRollbackable    = "NOT_ROLLBACKABLE"
	ErrCodeMissingConfigKey   = "MISSING_CONFIG_KEY"
	ErrCodeDriftDetected      = "DRIFT_DETECTED"
	ErrCodeSessionOpen        = "SESSION_OPEN"
	ErrCodeSessionClosed      = "SESSION_CLOSED"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStageNotFound      = "STAGE_NOT_FOUND"
	ErrCodeRunLocked          = "RUN_LOCKED"
	ErrCodeStoreFailure       = "STORE_FAILURE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Process exit codes for the command surface. Zero is reserved for full
// success; distinct non-zero codes let callers tell failure kinds apart.
const (
	ExitOK                 = 0
	ExitError              = 1
	ExitUsage              = 2
	ExitVerificationFailed = 3
	ExitActionFailed       = 4
	ExitRegistration       = 5
	ExitMissingConfigKey   = 6
	ExitIrreversibleStage  = 7
	ExitDriftDetected      = 8
	ExitPolicyViolation    = 9
)

// ExitCode maps an error to the process exit code for the command surface.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var e *EngineError
	if !errors.As(err, &e) {
		return ExitError
	}

	switch e.Code {
	case ErrCodeIrreversibleStage:
		return ExitIrreversibleStage
	case ErrCodeMissingConfigKey:
		return ExitMissingConfigKey
	case ErrCodeDriftDetected:
		return ExitDriftDetected
	case ErrCodePolicyViolation:
		return ExitPolicyViolation
	}

	switch e.Class {
	case ErrorClassVerification:
		return ExitVerificationFailed
	case ErrorClassAction, ErrorClassTimeout:
		return ExitActionFailed
	case ErrorClassRegistration:
		return ExitRegistration
	case ErrorClassConfig:
		return ExitMissingConfigKey
	case ErrorClassDrift:
		return ExitDriftDetected
	case ErrorClassRollback:
		return ExitError
	default:
		return ExitError
	}
}
