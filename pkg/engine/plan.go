package engine

import (
	"context"
	"fmt"
	"time"
)

// Planner computes the skip/apply analysis for a prospective run: which
// stages in the requested window would be applied and why, against the
// current environment revision and the persisted attempt history.
type Planner struct {
	// registry supplies stage definitions and resolved order.
	registry *Registry

	// store supplies the latest attempt record per stage.
	store Store
}

// NewPlanner creates a planner over the given registry and store.
func NewPlanner(registry *Registry, store Store) *Planner {
	return &Planner{
		registry: registry,
		store:    store,
	}
}

// BuildPlan computes per-stage decisions for the window selected by opts.
// The returned stage slice is the window in resolved order, one stage per
// plan entry.
func (p *Planner) BuildPlan(ctx context.Context, pipeline string, env Config, opts RunOptions) (*Plan, []*Stage, error) {
	order, err := p.registry.ResolveOrder()
	if err != nil {
		return nil, nil, err
	}

	window, err := p.window(order, opts.FromID, opts.ToID)
	if err != nil {
		return nil, nil, err
	}

	latest, err := p.store.LatestRecords(ctx)
	if err != nil {
		return nil, nil, NewStoreError("failed to load stage history", err)
	}

	plan := &Plan{
		Pipeline:    pipeline,
		EnvRevision: env.Revision(),
		Entries:     make([]PlanEntry, 0, len(window)),
		CreatedAt:   time.Now(),
	}

	for _, stage := range window {
		plan.Entries = append(plan.Entries, p.decide(stage, env, latest[stage.ID]))
	}

	return plan, window, nil
}

// decide produces the plan entry for one stage given its latest attempt
// record across all runs.
func (p *Planner) decide(stage *Stage, env Config, last *RunRecord) PlanEntry {
	entry := PlanEntry{
		StageID:  stage.ID,
		Rank:     stage.Rank,
		Decision: PlanDecisionApply,
	}

	if last == nil {
		entry.Reason = PlanReasonNeverRun
		return entry
	}

	entry.LastStatus = last.Status
	entry.LastRevision = last.EnvRevision
	entry.InputsChanged = last.IdempotencyKey != "" &&
		last.IdempotencyKey != stage.IdempotencyKey(env)

	switch last.Status {
	case RecordStatusVerified:
		// The idempotency short-circuit: verified at the current revision
		// with the same inputs means nothing to do, no action call, no new
		// record. The key comparison catches a revision number reused for
		// different values, e.g. a hand-edited environment file.
		if last.EnvRevision == env.Revision() && !entry.InputsChanged {
			entry.Decision = PlanDecisionSkip
			entry.Reason = PlanReasonVerified
			return entry
		}
		entry.Reason = PlanReasonDrift
		return entry

	case RecordStatusRolledBack:
		entry.Reason = PlanReasonRolledBack
		return entry

	default:
		// Failed, or a record left open by an interrupted run. Idempotent
		// actions make re-applying safe either way.
		entry.Reason = PlanReasonPreviousFailed
		return entry
	}
}

// window slices the resolved order to the [fromID, toID] range. Empty IDs
// leave the corresponding end open.
func (p *Planner) window(order []*Stage, fromID, toID string) ([]*Stage, error) {
	start, end := 0, len(order)-1

	if fromID != "" {
		idx := indexOf(order, fromID)
		if idx < 0 {
			return nil, NewConfigError(fmt.Sprintf("range start stage %s is not in the pipeline", fromID), nil).
				WithCode(ErrCodeStageNotFound).WithStage(fromID)
		}
		start = idx
	}

	if toID != "" {
		idx := indexOf(order, toID)
		if idx < 0 {
			return nil, NewConfigError(fmt.Sprintf("range end stage %s is not in the pipeline", toID), nil).
				WithCode(ErrCodeStageNotFound).WithStage(toID)
		}
		end = idx
	}

	if start > end {
		return nil, NewConfigError(
			fmt.Sprintf("stage %s comes after %s in resolved order", fromID, toID),
			nil,
		).WithCode(ErrCodeStageNotFound)
	}

	return order[start : end+1], nil
}

func indexOf(order []*Stage, id string) int {
	for i, s := range order {
		if s.ID == id {
			return i
		}
	}
	return -1
}
