package engine

import (
	"encoding/json"
	"fmt"
)

// RecordStatus represents the status of a single run record, one per
// (stage id, attempt number).
type RecordStatus string

const (
	// RecordStatusPending indicates the attempt is created but not yet started.
	RecordStatusPending RecordStatus = "pending"

	// RecordStatusRunning indicates the stage action is currently applying.
	RecordStatusRunning RecordStatus = "running"

	// RecordStatusVerified indicates the action applied and every
	// post-condition check passed.
	RecordStatusVerified RecordStatus = "verified"

	// RecordStatusFailed indicates the action failed, timed out, was
	// cancelled, or verification did not pass.
	RecordStatusFailed RecordStatus = "failed"

	// RecordStatusRolledBack indicates the stage was reverted to its
	// pre-stage state by the rollback manager.
	RecordStatusRolledBack RecordStatus = "rolled_back"
)

// IsTerminal returns true if the record status represents a final state.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusVerified || s == RecordStatusFailed ||
		s == RecordStatusRolledBack
}

// IsActive returns true if the attempt is currently active.
func (s RecordStatus) IsActive() bool {
	return s == RecordStatusPending || s == RecordStatusRunning
}

// Validate checks if the record status is valid.
func (s RecordStatus) Validate() error {
	switch s {
	case RecordStatusPending, RecordStatusRunning, RecordStatusVerified,
		RecordStatusFailed, RecordStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid record status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RecordStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RecordStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RecordStatus(str)
	return s.Validate()
}

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every selected stage reached verified
	// (or was legitimately skipped).
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run halted on a stage failure.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled between stages.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// SessionState represents the state of a diagnostic session.
type SessionState string

const (
	// SessionStateOpened indicates the session was opened against a failed
	// run record and no hypothesis has been proposed yet.
	SessionStateOpened SessionState = "opened"

	// SessionStateHypothesizing indicates a hypothesis is on the table and
	// evidence has not been requested for it yet.
	SessionStateHypothesizing SessionState = "hypothesizing"

	// SessionStateEvidenceRequested indicates read-only probe commands were
	// requested and their output is pending.
	SessionStateEvidenceRequested SessionState = "evidence_requested"

	// SessionStateEvidenceReceived indicates probe output was submitted and
	// the session may iterate or conclude.
	SessionStateEvidenceReceived SessionState = "evidence_received"

	// SessionStateConcluded indicates the session reached its terminal
	// conclusion: root cause confirmed or inconclusive.
	SessionStateConcluded SessionState = "concluded"
)

// IsTerminal returns true if the session state is final.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateConcluded
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case SessionStateOpened, SessionStateHypothesizing, SessionStateEvidenceRequested,
		SessionStateEvidenceReceived, SessionStateConcluded:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// ConclusionKind represents the terminal outcome of a diagnostic session.
type ConclusionKind string

const (
	// ConclusionRootCause indicates the root cause was confirmed; only this
	// outcome unlocks mutation of the implicated stage.
	ConclusionRootCause ConclusionKind = "root_cause_confirmed"

	// ConclusionInconclusive indicates the session ended without a confirmed
	// root cause. The stage stays locked until another session concludes
	// with a root cause.
	ConclusionInconclusive ConclusionKind = "inconclusive"
)

// Validate checks if the conclusion kind is valid.
func (c ConclusionKind) Validate() error {
	switch c {
	case ConclusionRootCause, ConclusionInconclusive:
		return nil
	default:
		return fmt.Errorf("invalid conclusion kind: %s", c)
	}
}

// PlanDecision represents what a run would do with one stage.
type PlanDecision string

const (
	// PlanDecisionApply indicates the stage action needs to run.
	PlanDecisionApply PlanDecision = "apply"

	// PlanDecisionSkip indicates the stage is already verified at the
	// current environment revision and will be short-circuited.
	PlanDecisionSkip PlanDecision = "skip"
)

// PlanReason explains a plan decision.
type PlanReason string

const (
	// PlanReasonVerified means the stage is verified at the current revision.
	PlanReasonVerified PlanReason = "verified_at_revision"

	// PlanReasonNeverRun means the stage has no run record yet.
	PlanReasonNeverRun PlanReason = "never_run"

	// PlanReasonPreviousFailed means the latest attempt failed.
	PlanReasonPreviousFailed PlanReason = "previous_failed"

	// PlanReasonRolledBack means the stage was rolled back after its last
	// successful application.
	PlanReasonRolledBack PlanReason = "rolled_back"

	// PlanReasonDrift means the stage is verified, but against an older
	// environment revision.
	PlanReasonDrift PlanReason = "environment_drift"
)

// Evidence tags attached to run records for distinguished failure causes
// and audited overrides.
const (
	// TagTimeout marks a failure caused by exceeding the stage deadline.
	TagTimeout = "timeout"

	// TagCancelled marks a failure caused by run cancellation between stages.
	TagCancelled = "cancelled"

	// TagDrift marks a re-application triggered by an environment revision
	// change since the stage was last verified.
	TagDrift = "drift"

	// TagIrreversibleOverride marks a rollback of an irreversible stage
	// forced by explicit operator override.
	TagIrreversibleOverride = "irreversible_override"
)

// EvidenceEnvRevision is the evidence key an action sets to the store
// revision its own environment write moved the store to. The scheduler
// advances the run's pinned revision to it, so the run's own writes are
// not mistaken for drift at the next stage boundary.
const EvidenceEnvRevision = "env_revision"

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeStageStarted indicates a stage action has started applying.
	EventTypeStageStarted EventType = "stage_started"

	// EventTypeStageVerified indicates a stage passed its verification gate.
	EventTypeStageVerified EventType = "stage_verified"

	// EventTypeStageFailed indicates a stage action or verification failed.
	EventTypeStageFailed EventType = "stage_failed"

	// EventTypeStageSkipped indicates a stage was skipped as already
	// verified at the current environment revision.
	EventTypeStageSkipped EventType = "stage_skipped"

	// EventTypeRollbackStarted indicates a rollback has started.
	EventTypeRollbackStarted EventType = "rollback_started"

	// EventTypeRollbackCompleted indicates a rollback has completed.
	EventTypeRollbackCompleted EventType = "rollback_completed"

	// EventTypeDriftDetected indicates an environment revision mismatch.
	EventTypeDriftDetected EventType = "drift_detected"

	// EventTypePolicyViolation indicates a pipeline admission policy failed.
	EventTypePolicyViolation EventType = "policy_violation"

	// EventTypeSessionOpened indicates a diagnostic session was opened.
	EventTypeSessionOpened EventType = "session_opened"

	// EventTypeSessionConcluded indicates a diagnostic session concluded.
	EventTypeSessionConcluded EventType = "session_concluded"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeStageFailed, EventTypeError:
		return "error"
	case EventTypeWarning, EventTypeDriftDetected, EventTypePolicyViolation:
		return "warning"
	default:
		return "info"
	}
}
