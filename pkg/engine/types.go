package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Config is the read-only view of the environment store handed to stage
// actions and verification checks. All stage inputs come through this
// interface; writes happen only through the store's own serialized Set.
type Config interface {
	// Get returns the value for a configuration key. A missing key is an
	// error; stages must not see partially resolved configuration.
	Get(key string) (string, error)

	// Has reports whether a configuration key is present.
	Has(key string) bool

	// Revision returns the monotonically increasing store revision.
	Revision() uint64

	// Keys returns all configuration keys in sorted order.
	Keys() []string
}

// Action is one side-effecting, idempotent unit of provisioning work.
// Implementations are external collaborators: the engine depends only on
// this contract, never on what the action does.
type Action interface {
	// Name identifies the action kind for logs and run records.
	Name() string

	// Apply performs the action against the target environment. Applying
	// twice on a system already in the post-state must be a no-op.
	Apply(ctx context.Context, env Config) (Evidence, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	// ID is the action name reported by Name.
	ID string

	// Fn is the function invoked by Apply.
	Fn func(ctx context.Context, env Config) (Evidence, error)
}

// Name returns the action name.
func (a ActionFunc) Name() string { return a.ID }

// Apply invokes the wrapped function.
func (a ActionFunc) Apply(ctx context.Context, env Config) (Evidence, error) {
	return a.Fn(ctx, env)
}

// Check is a single read-only post-condition predicate over observable
// target-environment state. Checks flagged mutating are rejected when the
// stage is registered, never silently tolerated at run time.
type Check interface {
	// Name identifies the check within its stage.
	Name() string

	// Mutating reports whether the check would modify target state.
	// Must return false for the check to be registrable.
	Mutating() bool

	// Run evaluates the predicate. A nil error means the condition holds;
	// a non-nil error means it does not, with the returned evidence
	// describing what was observed.
	Run(ctx context.Context, env Config) (Evidence, error)
}

// CheckFunc adapts a function to the Check interface. The adapter is always
// non-mutating; anything that writes must implement Check itself and will
// be rejected at registration.
type CheckFunc struct {
	// ID is the check name reported by Name.
	ID string

	// Fn is the predicate invoked by Run.
	Fn func(ctx context.Context, env Config) (Evidence, error)
}

// Name returns the check name.
func (c CheckFunc) Name() string { return c.ID }

// Mutating always returns false for function checks.
func (c CheckFunc) Mutating() bool { return false }

// Run invokes the wrapped predicate.
func (c CheckFunc) Run(ctx context.Context, env Config) (Evidence, error) {
	return c.Fn(ctx, env)
}

// Evidence is the captured observation attached to run records, check
// results, and diagnostic steps.
type Evidence map[string]interface{}

// Stage is a named unit of provisioning work with declared dependencies,
// a verification gate, and an explicit rollback contract.
type Stage struct {
	// ID uniquely identifies the stage within the pipeline.
	ID string

	// Rank establishes the default numeric sequence. Rank breaks ties
	// between stages with no dependency path; it never creates an edge.
	Rank int

	// Description is the single source of truth for what this stage does
	// and why. It lives on the stage entity, not in external documents.
	Description string

	// DependsOn lists stage IDs that must reach verified before this
	// stage may start.
	DependsOn []string

	// Action is the idempotent operation that mutates the target
	// environment.
	Action Action

	// Rollback returns the system to the state immediately preceding this
	// stage's first successful application. Nil only when Irreversible is
	// true; a silently absent rollback is a registration error.
	Rollback Action

	// Irreversible marks a stage that cannot be rolled back. The rollback
	// manager refuses to cross it without an explicit, audited override.
	Irreversible bool

	// Checks is the ordered verification gate: read-only post-condition
	// predicates that must all pass before the stage counts as verified.
	Checks []Check

	// Timeout bounds Apply and each check invocation. Zero means the
	// scheduler default applies.
	Timeout time.Duration

	// Target optionally names the transport target this stage's command
	// actions and checks run against.
	Target string

	// RequiredKeys lists the configuration keys this stage reads. Missing
	// keys fail the run before any stage starts, and the key values feed
	// the idempotency fingerprint.
	RequiredKeys []string
}

// IdempotencyKey returns the deterministic fingerprint of the stage's
// inputs: its id plus the current values of its required configuration
// keys. Re-applying an action whose key is unchanged must be a no-op on a
// system already in the post-state.
func (s *Stage) IdempotencyKey(env Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "stage:%s", s.ID)

	keys := append([]string(nil), s.RequiredKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		v, err := env.Get(k)
		if err != nil {
			v = ""
		}
		fmt.Fprintf(h, "|%s=%s", k, v)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the structural validity of a stage definition.
func (s *Stage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stage id is required")
	}
	if s.Action == nil {
		return fmt.Errorf("stage %s has no action", s.ID)
	}
	if s.Rollback == nil && !s.Irreversible {
		return fmt.Errorf("stage %s has no rollback and is not flagged irreversible", s.ID)
	}
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fmt.Errorf("stage %s depends on itself", s.ID)
		}
	}
	return nil
}

// Run represents one invocation of the execution engine over the pipeline.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Pipeline is the name of the pipeline that was run.
	Pipeline string `json:"pipeline"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// DryRun indicates the run was verification-only, with no actions applied.
	DryRun bool `json:"dry_run"`

	// User identifies who started the run.
	User string `json:"user,omitempty"`

	// EnvRevision is the environment store revision the run started against.
	EnvRevision uint64 `json:"env_revision"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the halting error for failed runs.
	Error *string `json:"error,omitempty"`

	// CreatedAt is when the run row was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the run row was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// RunRecord is the append-only record of one stage attempt. History is
// never rewritten; a later attempt for the same stage supersedes it.
type RunRecord struct {
	// ID is the unique identifier for this record.
	ID string `json:"id"`

	// RunID is the run this attempt belongs to.
	RunID string `json:"run_id"`

	// StageID is the stage that was attempted.
	StageID string `json:"stage_id"`

	// Attempt is the 1-based attempt number for this stage across all runs.
	Attempt int `json:"attempt"`

	// Status is the record status.
	Status RecordStatus `json:"status"`

	// StartedAt is when the attempt opened.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the attempt reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Output is the captured action output.
	Output string `json:"output,omitempty"`

	// Evidence is the captured verification or failure evidence.
	Evidence Evidence `json:"evidence,omitempty"`

	// Tags marks distinguished causes: timeout, cancelled, drift,
	// irreversible_override.
	Tags []string `json:"tags,omitempty"`

	// EnvRevision is the environment store revision this attempt ran against.
	EnvRevision uint64 `json:"env_revision"`

	// IdempotencyKey is the stage input fingerprint at attempt time.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Error holds the failure message for failed attempts.
	Error *string `json:"error,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the record carries the given evidence tag.
func (r *RunRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CheckResult is the outcome of a single verification check.
type CheckResult struct {
	// Name is the check name.
	Name string `json:"name"`

	// Passed indicates whether the condition held.
	Passed bool `json:"passed"`

	// Evidence is what the check observed.
	Evidence Evidence `json:"evidence,omitempty"`

	// Error is the failure description for failed checks.
	Error string `json:"error,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration"`
}

// VerificationResult is the outcome of a stage's verification gate.
type VerificationResult struct {
	// StageID is the verified stage.
	StageID string `json:"stage_id"`

	// Passed indicates every check passed.
	Passed bool `json:"passed"`

	// FailedCheck names the first failing check. Evaluation stops there;
	// later checks are not run.
	FailedCheck string `json:"failed_check,omitempty"`

	// Results holds per-check outcomes in evaluation order.
	Results []CheckResult `json:"results"`

	// Duration is the total verification time.
	Duration time.Duration `json:"duration"`
}

// IntoEvidence flattens the verification outcome into record evidence.
func (v *VerificationResult) IntoEvidence() Evidence {
	ev := Evidence{
		"checks_run":    len(v.Results),
		"checks_passed": v.Passed,
	}
	if v.FailedCheck != "" {
		ev["failed_check"] = v.FailedCheck
	}
	for _, r := range v.Results {
		if !r.Passed {
			ev["failure"] = r.Error
			if len(r.Evidence) > 0 {
				ev["observed"] = r.Evidence
			}
			break
		}
	}
	return ev
}

// RunOptions controls a single invocation of the execution engine.
type RunOptions struct {
	// FromID optionally starts execution at this stage in resolved order.
	FromID string

	// ToID optionally stops execution after this stage in resolved order.
	ToID string

	// DryRun executes verification only, without applying actions, and
	// reports which stages would need to run.
	DryRun bool

	// MaxParallel bounds concurrent stage applications within one
	// independent group. Zero or one means strictly sequential, the
	// default for the single-operator workflow.
	MaxParallel int

	// User identifies who started the run, for the audit trail.
	User string
}

// RollbackOptions controls rollback operations.
type RollbackOptions struct {
	// ForceIrreversible permits rolling back a stage flagged irreversible.
	// The override is recorded prominently on the run record for audit.
	ForceIrreversible bool

	// User identifies who requested the rollback.
	User string
}

// RunSummary aggregates the outcome of a run.
type RunSummary struct {
	// Total is the number of stages selected for the run.
	Total int `json:"total"`

	// Applied is the number of stages whose action ran.
	Applied int `json:"applied"`

	// Verified is the number of stages that passed verification.
	Verified int `json:"verified"`

	// Skipped is the number of stages short-circuited as already verified
	// at the current environment revision.
	Skipped int `json:"skipped"`

	// Failed is the number of stages that failed (at most one per run
	// under fast-fail).
	Failed int `json:"failed"`

	// Duration is the total wall-clock run time.
	Duration time.Duration `json:"duration"`
}

// RunResult is what the execution engine returns to its caller.
type RunResult struct {
	// Run is the persisted run row.
	Run *Run `json:"run"`

	// Records holds the run records created by this run, in completion order.
	Records []*RunRecord `json:"records"`

	// Summary aggregates the outcome.
	Summary RunSummary `json:"summary"`

	// Plan is the skip/apply analysis the run executed against. Always
	// present for dry runs.
	Plan *Plan `json:"plan,omitempty"`

	// Verifications holds the check outcomes gathered by the run, one per
	// stage whose verification gate ran: every applied stage on a real
	// run, every stage the plan would apply on a dry run.
	Verifications []*VerificationResult `json:"verifications,omitempty"`
}

// Plan is the skip/apply analysis for a prospective run: which stages
// would be applied and why, against a specific environment revision.
type Plan struct {
	// Pipeline is the pipeline name.
	Pipeline string `json:"pipeline"`

	// EnvRevision is the environment revision the plan was computed against.
	EnvRevision uint64 `json:"env_revision"`

	// Entries holds per-stage decisions in resolved order.
	Entries []PlanEntry `json:"entries"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// PlanEntry is the decision for one stage.
type PlanEntry struct {
	// StageID is the stage the decision applies to.
	StageID string `json:"stage_id"`

	// Rank is the stage's numeric rank.
	Rank int `json:"rank"`

	// Decision is apply or skip.
	Decision PlanDecision `json:"decision"`

	// Reason explains the decision.
	Reason PlanReason `json:"reason"`

	// InputsChanged reports whether the stage's idempotency fingerprint
	// differs from the one recorded on its latest verified attempt.
	InputsChanged bool `json:"inputs_changed"`

	// LastStatus is the stage's latest record status, if any.
	LastStatus RecordStatus `json:"last_status,omitempty"`

	// LastRevision is the environment revision of the latest record.
	LastRevision uint64 `json:"last_revision,omitempty"`
}

// ApplyCount returns the number of stages the plan would apply.
func (p *Plan) ApplyCount() int {
	n := 0
	for _, e := range p.Entries {
		if e.Decision == PlanDecisionApply {
			n++
		}
	}
	return n
}

// Event represents a single entry in the execution timeline.
type Event struct {
	// ID is the event sequence number, assigned by the store.
	ID int64 `json:"id"`

	// RunID is the associated run, if any.
	RunID string `json:"run_id,omitempty"`

	// StageID is the associated stage, if any.
	StageID string `json:"stage_id,omitempty"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Data contains event-specific payload.
	Data map[string]interface{} `json:"data,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionGraph is the resolved dependency structure of the pipeline.
type ExecutionGraph struct {
	// Nodes maps stage IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Order is the topological order with rank-ascending tiebreak.
	Order []string `json:"order"`

	// Groups partitions stages into maximal antichains: members of one
	// group have no dependency path between them and may run concurrently;
	// groups execute strictly in sequence.
	Groups [][]string `json:"groups"`

	// Roots lists stages with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of groups.
	Depth int `json:"depth"`
}

// GraphNode is one stage's position in the execution graph.
type GraphNode struct {
	// ID is the stage id.
	ID string `json:"id"`

	// Rank is the stage's numeric rank.
	Rank int `json:"rank"`

	// Level is the antichain index this stage executes in.
	Level int `json:"level"`

	// Dependencies lists stage IDs this stage waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents lists stage IDs waiting for this stage.
	Dependents []string `json:"dependents"`
}

// Hypothesis is one proposed explanation inside a diagnostic session.
type Hypothesis struct {
	// ID is the 1-based index of the hypothesis within its session.
	ID int `json:"id"`

	// Text is the proposed explanation.
	Text string `json:"text"`

	// ProposedAt is when the hypothesis was recorded.
	ProposedAt time.Time `json:"proposed_at"`
}

// EvidenceRequest is a set of read-only probe commands requested to test
// the current hypothesis.
type EvidenceRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// Commands are the read-only probes to run.
	Commands []string `json:"commands"`

	// RequestedAt is when the request was recorded.
	RequestedAt time.Time `json:"requested_at"`

	// Output is the submitted probe output, once received.
	Output string `json:"output,omitempty"`

	// ReceivedAt is when output was submitted.
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// Conclusion is the terminal outcome of a diagnostic session.
type Conclusion struct {
	// Kind distinguishes a confirmed root cause from an inconclusive end.
	Kind ConclusionKind `json:"kind"`

	// RootCause describes the confirmed cause. Empty for inconclusive.
	RootCause string `json:"root_cause,omitempty"`

	// ConcludedAt is when the session concluded.
	ConcludedAt time.Time `json:"concluded_at"`
}

// DiagnosticSession is the structured hypothesis/evidence loop tied to a
// failed run record. Conclusion with a confirmed root cause is the only
// path that unlocks mutation of the implicated stage.
type DiagnosticSession struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`

	// StageID is the implicated stage.
	StageID string `json:"stage_id"`

	// RecordID is the failed run record the session was opened against.
	RecordID string `json:"record_id"`

	// State is the session's current state.
	State SessionState `json:"state"`

	// Hypotheses holds proposed explanations in order.
	Hypotheses []Hypothesis `json:"hypotheses,omitempty"`

	// Requests holds evidence requests in order.
	Requests []EvidenceRequest `json:"requests,omitempty"`

	// Conclusion is the terminal outcome, once concluded.
	Conclusion *Conclusion `json:"conclusion,omitempty"`

	// OpenedAt is when the session was opened.
	OpenedAt time.Time `json:"opened_at"`

	// UpdatedAt is when the session was last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the session still gates mutation of its stage.
func (s *DiagnosticSession) Open() bool {
	return s.State != SessionStateConcluded
}

// RootCauseConfirmed reports whether the session concluded with a
// confirmed root cause.
func (s *DiagnosticSession) RootCauseConfirmed() bool {
	return s.Conclusion != nil && s.Conclusion.Kind == ConclusionRootCause
}
