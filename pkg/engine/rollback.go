package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RollbackManager reverts stages to the state preceding their first
// successful application. It is invoked explicitly by the operator,
// independent of the forward path: rollback never happens as a side effect
// of a failed run.
type RollbackManager struct {
	// registry supplies stage definitions and resolved order.
	registry *Registry

	// store persists records and events.
	store Store

	// env is the read-only configuration view handed to rollback actions.
	env Config

	// verifier re-verifies prior-stage post-conditions after a revert.
	verifier *Verifier

	// publisher receives rollback events. May be nil.
	publisher EventPublisher

	// policy is consulted before a rollback executes. May be nil.
	policy PolicyGate

	// defaultTimeout bounds rollback actions that declare no stage timeout.
	defaultTimeout time.Duration
}

// NewRollbackManager creates a rollback manager over the given registry,
// store, and environment.
func NewRollbackManager(registry *Registry, store Store, env Config, publisher EventPublisher) *RollbackManager {
	return &RollbackManager{
		registry:       registry,
		store:          store,
		env:            env,
		verifier:       NewVerifier(DefaultCheckTimeout),
		publisher:      publisher,
		defaultTimeout: DefaultStageTimeout,
	}
}

// SetPolicyGate installs the policy consulted before rollbacks.
func (m *RollbackManager) SetPolicyGate(gate PolicyGate) {
	m.policy = gate
}

// SetDefaultTimeout overrides the default rollback action timeout.
func (m *RollbackManager) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		m.defaultTimeout = d
	}
}

// Rollback reverts a single stage. The stage's latest record must be
// verified or failed; rolling back a stage flagged irreversible fails with
// IrreversibleStage unless opts.ForceIrreversible is set, in which case the
// override is recorded prominently on the new record for audit.
func (m *RollbackManager) Rollback(ctx context.Context, stageID string, opts RollbackOptions) (*RunRecord, error) {
	stage, err := m.registry.Get(stageID)
	if err != nil {
		return nil, err
	}

	if err := m.checkEligibility(ctx, stage, opts); err != nil {
		return nil, err
	}

	return m.rollbackStage(ctx, stage, opts)
}

// RollbackRange reverts every stage in the [fromID, toID] window of the
// resolved order, in reverse dependency order: descendants before
// ancestors, so a still-applied descendant is never stranded on top of a
// reverted ancestor. Eligibility for the whole range is checked before any
// stage is touched.
func (m *RollbackManager) RollbackRange(ctx context.Context, fromID, toID string, opts RollbackOptions) ([]*RunRecord, error) {
	order, err := m.registry.ResolveOrder()
	if err != nil {
		return nil, err
	}

	planner := NewPlanner(m.registry, m.store)
	window, err := planner.window(order, fromID, toID)
	if err != nil {
		return nil, err
	}

	// Reverse dependency order.
	reversed := make([]*Stage, len(window))
	for i, stage := range window {
		reversed[len(window)-1-i] = stage
	}

	// Refuse the whole range up front rather than stopping halfway with
	// some stages reverted and an irreversible one still applied.
	targets := make([]*Stage, 0, len(reversed))
	for _, stage := range reversed {
		latest, err := m.store.LatestRecord(ctx, stage.ID)
		if err != nil {
			return nil, NewStoreError(fmt.Sprintf("failed to load history for stage %s", stage.ID), err)
		}
		if latest == nil || !isRollbackable(latest.Status) {
			continue
		}
		if err := m.checkEligibility(ctx, stage, opts); err != nil {
			return nil, err
		}
		targets = append(targets, stage)
	}

	records := make([]*RunRecord, 0, len(targets))
	for _, stage := range targets {
		record, err := m.rollbackStage(ctx, stage, opts)
		if record != nil {
			records = append(records, record)
		}
		if err != nil {
			return records, err
		}
	}

	return records, nil
}

// checkEligibility enforces the rollback preconditions for one stage.
func (m *RollbackManager) checkEligibility(ctx context.Context, stage *Stage, opts RollbackOptions) error {
	latest, err := m.store.LatestRecord(ctx, stage.ID)
	if err != nil {
		return NewStoreError(fmt.Sprintf("failed to load history for stage %s", stage.ID), err)
	}

	if latest == nil {
		return NewRollbackError(
			fmt.Sprintf("stage %s has never been attempted; nothing to roll back", stage.ID),
			nil,
		).WithCode(ErrCodeNotRollbackable).WithStage(stage.ID)
	}

	if !isRollbackable(latest.Status) {
		return NewRollbackError(
			fmt.Sprintf("stage %s latest record is %s; rollback requires verified or failed", stage.ID, latest.Status),
			nil,
		).WithCode(ErrCodeNotRollbackable).WithStage(stage.ID)
	}

	if stage.Irreversible && !opts.ForceIrreversible {
		return NewRollbackError(
			fmt.Sprintf("stage %s is flagged irreversible", stage.ID),
			nil,
		).WithCode(ErrCodeIrreversibleStage).WithStage(stage.ID)
	}

	if stage.Rollback == nil {
		return NewRollbackError(
			fmt.Sprintf("stage %s has no rollback action", stage.ID),
			nil,
		).WithCode(ErrCodeNotRollbackable).WithStage(stage.ID)
	}

	if m.policy != nil {
		result, err := m.policy.EvaluateRollback(ctx, stage, opts)
		if err != nil {
			return NewConfigError("rollback policy evaluation failed", err)
		}
		if policyErr := result.Err(); policyErr != nil {
			m.publishEvent(ctx, "", stage.ID, EventTypePolicyViolation, policyErr.Error(), nil)
			return policyErr
		}
	}

	return nil
}

// rollbackStage performs one stage revert through its record lifecycle:
// a fresh attempt record, the rollback action, re-verification of the
// prior stages' post-conditions, and the rolled_back transition.
func (m *RollbackManager) rollbackStage(ctx context.Context, stage *Stage, opts RollbackOptions) (*RunRecord, error) {
	attempt, err := m.store.NextAttempt(ctx, stage.ID)
	if err != nil {
		return nil, NewStoreError(fmt.Sprintf("failed to allocate attempt for stage %s", stage.ID), err)
	}

	now := time.Now()
	record := &RunRecord{
		ID:          uuid.New().String(),
		StageID:     stage.ID,
		Attempt:     attempt,
		Status:      RecordStatusPending,
		StartedAt:   now,
		EnvRevision: m.env.Revision(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if stage.Irreversible && opts.ForceIrreversible {
		record.Tags = append(record.Tags, TagIrreversibleOverride)
		record.Evidence = mergeEvidence(record.Evidence, Evidence{
			"irreversible_override": true,
			"override_user":         opts.User,
		})
	}

	if err := m.store.SaveRecord(ctx, record); err != nil {
		return nil, NewStoreError("failed to save rollback record", err)
	}
	if err := m.transition(ctx, record, RecordStatusRunning); err != nil {
		return nil, err
	}

	m.publishEvent(ctx, record.RunID, stage.ID, EventTypeRollbackStarted,
		fmt.Sprintf("Rolling back stage %s (attempt %d)", stage.ID, attempt), nil)

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	evidence, applyErr := stage.Rollback.Apply(rollbackCtx, m.env)
	cancel()

	record.Evidence = mergeEvidence(record.Evidence, evidence)
	if output, ok := evidence["output"].(string); ok {
		record.Output = output
	}

	if applyErr != nil {
		var rbErr *EngineError
		if errors.Is(applyErr, context.DeadlineExceeded) {
			record.Tags = append(record.Tags, TagTimeout)
			rbErr = NewTimeoutError(
				fmt.Sprintf("stage %s rollback exceeded %s", stage.ID, timeout),
				applyErr,
			).WithStage(stage.ID).WithOperation(stage.Rollback.Name())
		} else {
			rbErr = NewRollbackError(
				fmt.Sprintf("stage %s rollback action failed", stage.ID),
				applyErr,
			).WithStage(stage.ID).WithOperation(stage.Rollback.Name())
		}
		return m.failRecord(ctx, record, rbErr)
	}

	// The revert must leave the prior stages' post-conditions intact: the
	// checks re-verified here belong to the stage's dependency parents,
	// not to the stage just rolled back.
	priorResults, priorErr := m.verifyPrior(ctx, stage)
	for _, vr := range priorResults {
		record.Evidence = mergeEvidence(record.Evidence, Evidence{
			"prior_" + vr.StageID: vr.Passed,
		})
	}
	if priorErr != nil {
		rbErr := NewRollbackError(
			fmt.Sprintf("stage %s rolled back, but prior-stage verification failed", stage.ID),
			priorErr,
		).WithStage(stage.ID)
		return m.failRecord(ctx, record, rbErr)
	}

	if err := m.transition(ctx, record, RecordStatusRolledBack); err != nil {
		return nil, err
	}

	m.publishEvent(ctx, record.RunID, stage.ID, EventTypeRollbackCompleted,
		fmt.Sprintf("Stage %s rolled back", stage.ID), map[string]interface{}{
			"attempt": record.Attempt,
			"tags":    record.Tags,
		})

	return record, nil
}

// verifyPrior re-runs the verification gates of the stage's dependency
// parents whose latest record is verified. A stage with no verified parents
// passes vacuously.
func (m *RollbackManager) verifyPrior(ctx context.Context, stage *Stage) ([]*VerificationResult, error) {
	results := make([]*VerificationResult, 0, len(stage.DependsOn))

	for _, parentID := range stage.DependsOn {
		parent, err := m.registry.Get(parentID)
		if err != nil {
			return results, err
		}

		latest, err := m.store.LatestRecord(ctx, parentID)
		if err != nil {
			return results, NewStoreError(fmt.Sprintf("failed to load history for stage %s", parentID), err)
		}
		if latest == nil || latest.Status != RecordStatusVerified {
			continue
		}

		vr := m.verifier.Verify(context.WithoutCancel(ctx), parent, m.env)
		results = append(results, vr)
		if !vr.Passed {
			return results, m.verifier.Err(vr)
		}
	}

	return results, nil
}

// failRecord closes a rollback record as failed and publishes the failure.
func (m *RollbackManager) failRecord(ctx context.Context, record *RunRecord, rbErr *EngineError) (*RunRecord, error) {
	msg := rbErr.Error()
	record.Error = &msg

	if err := m.transition(ctx, record, RecordStatusFailed); err != nil {
		return nil, err
	}

	m.publishEvent(ctx, record.RunID, record.StageID, EventTypeStageFailed, msg, map[string]interface{}{
		"attempt":  record.Attempt,
		"tags":     record.Tags,
		"evidence": record.Evidence,
	})

	return record, rbErr
}

// transition moves a record to the given status and persists it before
// continuing.
func (m *RollbackManager) transition(ctx context.Context, record *RunRecord, status RecordStatus) error {
	record.Status = status
	record.UpdatedAt = time.Now()
	if status.IsTerminal() {
		completed := record.UpdatedAt
		record.CompletedAt = &completed
	}
	if err := m.store.SaveRecord(ctx, record); err != nil {
		return NewStoreError(
			fmt.Sprintf("failed to persist %s transition for stage %s", status, record.StageID), err)
	}
	return nil
}

// publishEvent appends to the store log and fans out to subscribers.
func (m *RollbackManager) publishEvent(
	ctx context.Context,
	runID, stageID string,
	eventType EventType,
	message string,
	data map[string]interface{},
) {
	event := &Event{
		RunID:     runID,
		StageID:   stageID,
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}

	if m.store != nil {
		_ = m.store.AppendEvent(ctx, event)
	}
	if m.publisher != nil {
		_ = m.publisher.Publish(ctx, event)
	}
}

// isRollbackable reports whether a record status permits rollback.
func isRollbackable(status RecordStatus) bool {
	return status == RecordStatusVerified || status == RecordStatusFailed
}
