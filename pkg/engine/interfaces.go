package engine

import (
	"context"
	"time"
)

// Store persists runs, per-stage attempt records, environment snapshots,
// diagnostic sessions, and the event log. Every state transition the engine
// makes is written through a Store before execution proceeds, so a restart
// can always tell exactly which stage was in flight.
type Store interface {
	// SaveRun inserts or updates a run.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns lists runs newest-first, up to limit. A limit of zero means
	// no limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// LatestRun returns the most recently started run, or nil when no run
	// has ever been recorded.
	LatestRun(ctx context.Context) (*Run, error)

	// SaveRecord inserts or updates one attempt record. Records are
	// append-only across attempts: a retry writes a new record with a
	// higher attempt number instead of overwriting the failed one.
	SaveRecord(ctx context.Context, record *RunRecord) error

	// GetRecord retrieves a single record by ID.
	GetRecord(ctx context.Context, recordID string) (*RunRecord, error)

	// GetRecords lists all records for a run ordered by start time.
	GetRecords(ctx context.Context, runID string) ([]RunRecord, error)

	// LatestRecord returns the most recent attempt record for a stage
	// across all runs, or nil when the stage has never been attempted.
	LatestRecord(ctx context.Context, stageID string) (*RunRecord, error)

	// LatestRecords returns the most recent attempt record per stage
	// across all runs, keyed by stage ID.
	LatestRecords(ctx context.Context) (map[string]*RunRecord, error)

	// StageHistory lists attempt records for one stage newest-first, up
	// to limit.
	StageHistory(ctx context.Context, stageID string, limit int) ([]RunRecord, error)

	// NextAttempt returns the next attempt number for a stage, starting
	// at 1 for a stage that has never been attempted.
	NextAttempt(ctx context.Context, stageID string) (int, error)

	// SaveSnapshot persists a point-in-time copy of the environment at
	// the given revision.
	SaveSnapshot(ctx context.Context, snap *EnvSnapshot) error

	// GetSnapshot retrieves the snapshot taken for a run, or nil when the
	// run recorded none.
	GetSnapshot(ctx context.Context, runID string) (*EnvSnapshot, error)

	// SaveSession inserts or updates a diagnostic session.
	SaveSession(ctx context.Context, session *DiagnosticSession) error

	// GetSession retrieves a diagnostic session by ID.
	GetSession(ctx context.Context, sessionID string) (*DiagnosticSession, error)

	// OpenSessionForStage returns the open (non-concluded) session for a
	// stage, or nil when none is open.
	OpenSessionForStage(ctx context.Context, stageID string) (*DiagnosticSession, error)

	// LatestSession returns the most recently opened session for a stage,
	// concluded or not, or nil when the stage was never diagnosed.
	LatestSession(ctx context.Context, stageID string) (*DiagnosticSession, error)

	// ListSessions lists diagnostic sessions newest-first, up to limit.
	ListSessions(ctx context.Context, limit int) ([]DiagnosticSession, error)

	// AppendEvent appends an event to the event log.
	AppendEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves the event log for a run in append order.
	GetEvents(ctx context.Context, runID string) ([]Event, error)

	// Close releases the underlying storage.
	Close() error
}

// EnvSnapshot is a frozen copy of the environment taken when a run starts.
// Rollback re-verification and drift reporting read against it.
type EnvSnapshot struct {
	// RunID is the run the snapshot belongs to.
	RunID string `json:"run_id"`

	// Revision is the environment revision at capture time.
	Revision uint64 `json:"revision"`

	// Values holds the key-value pairs at capture time.
	Values map[string]string `json:"values"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// EventPublisher fans execution events out to subscribers. Publishing never
// blocks stage execution; slow subscribers miss events rather than stall
// the run.
type EventPublisher interface {
	// Publish delivers an event to all matching subscribers.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a subscriber for events matching the filter and
	// returns the subscription ID alongside the delivery channel.
	Subscribe(ctx context.Context, filter EventFilter) (string, <-chan Event, error)

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// Close shuts the publisher down and closes all subscriber channels.
	Close() error
}

// EventFilter selects which events a subscriber receives. Zero values
// match everything.
type EventFilter struct {
	// RunID filters events by run.
	RunID string `json:"run_id,omitempty"`

	// StageID filters events by stage.
	StageID string `json:"stage_id,omitempty"`

	// Types filters events by type.
	Types []EventType `json:"types,omitempty"`

	// MinSeverity filters events below the given severity ("info",
	// "warning", "error").
	MinSeverity string `json:"min_severity,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if f.RunID != "" && event.RunID != f.RunID {
		return false
	}
	if f.StageID != "" && event.StageID != f.StageID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && severityRank(event.Type.Severity()) < severityRank(f.MinSeverity) {
		return false
	}
	return true
}

func severityRank(severity string) int {
	switch severity {
	case "error":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

// PolicyGate evaluates organizational policy against a pipeline before any
// stage runs and against rollback requests before they execute. A denying
// result aborts the operation.
type PolicyGate interface {
	// EvaluatePipeline checks the whole registered pipeline.
	EvaluatePipeline(ctx context.Context, stages []*Stage) (*PolicyResult, error)

	// EvaluateRollback checks a rollback request for one stage.
	EvaluateRollback(ctx context.Context, stage *Stage, opts RollbackOptions) (*PolicyResult, error)
}

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult struct {
	// Allowed indicates whether the operation may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists denials with their originating policy.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation is a single policy denial.
type PolicyViolation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Message is the human-readable denial.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`

	// StageID is the offending stage, when the violation is stage-scoped.
	StageID string `json:"stage_id,omitempty"`
}

// Err converts a denying result into an EngineError, or returns nil when
// the result allows the operation.
func (r *PolicyResult) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	msg := "policy denied the operation"
	if len(r.Violations) > 0 {
		msg = r.Violations[0].Message
	}
	return NewConfigError(msg, nil).WithCode(ErrCodePolicyViolation)
}
