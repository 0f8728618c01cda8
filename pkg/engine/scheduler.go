package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStageTimeout bounds a stage action when the stage declares no
// timeout of its own.
const DefaultStageTimeout = 10 * time.Minute

// Scheduler is the execution engine. It drives the pipeline in resolved
// order with a single control thread, skipping stages already verified at
// the current environment revision, halting the whole run on the first
// failure, and persisting every record transition before moving on.
// Bounded-worker parallelism is permitted strictly within one independent
// group, never across groups.
type Scheduler struct {
	// pipeline is the pipeline name stamped on runs.
	pipeline string

	// registry supplies stage definitions and resolved order.
	registry *Registry

	// store persists runs, records, snapshots, and events.
	store Store

	// env is the read-only configuration view handed to actions and checks.
	env Config

	// planner computes the skip/apply analysis.
	planner *Planner

	// verifier runs verification gates.
	verifier *Verifier

	// publisher receives execution events. May be nil.
	publisher EventPublisher

	// policy is consulted before any stage runs. May be nil.
	policy PolicyGate

	// defaultTimeout bounds stage actions that declare no timeout.
	defaultTimeout time.Duration

	// maxParallel bounds concurrent stages within one independent group
	// when the run options do not say otherwise.
	maxParallel int

	// pinMu guards pinnedRev; stages in a parallel group read and advance
	// it concurrently.
	pinMu sync.Mutex

	// pinnedRev is the store revision the in-flight run is pinned to. It
	// starts at the run's start revision and advances only for writes the
	// run's own actions report through EvidenceEnvRevision.
	pinnedRev uint64
}

// NewScheduler creates an execution engine for one pipeline.
func NewScheduler(pipeline string, registry *Registry, store Store, env Config, publisher EventPublisher) *Scheduler {
	return &Scheduler{
		pipeline:       pipeline,
		registry:       registry,
		store:          store,
		env:            env,
		planner:        NewPlanner(registry, store),
		verifier:       NewVerifier(DefaultCheckTimeout),
		publisher:      publisher,
		defaultTimeout: DefaultStageTimeout,
		maxParallel:    1,
	}
}

// SetPolicyGate installs the admission policy consulted before runs.
func (s *Scheduler) SetPolicyGate(gate PolicyGate) {
	s.policy = gate
}

// SetDefaultTimeout overrides the default stage action timeout.
func (s *Scheduler) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		s.defaultTimeout = d
	}
}

// SetMaxParallel sets the default worker bound within one independent group.
func (s *Scheduler) SetMaxParallel(n int) {
	if n > 0 {
		s.maxParallel = n
	}
}

// Run executes the pipeline within the window selected by opts and returns
// the run outcome. The returned error is the halting failure, if any; the
// RunResult is populated either way so callers can report partial progress.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := s.registry.beginRun(); err != nil {
		return nil, err
	}
	defer s.registry.endRun()

	plan, window, err := s.planner.BuildPlan(ctx, s.pipeline, s.env, opts)
	if err != nil {
		return nil, err
	}

	if err := s.checkRequiredKeys(window); err != nil {
		return nil, err
	}

	if s.policy != nil {
		result, err := s.policy.EvaluatePipeline(ctx, s.registry.List())
		if err != nil {
			return nil, NewConfigError("policy evaluation failed", err)
		}
		if policyErr := result.Err(); policyErr != nil {
			s.publishEvent(ctx, "", "", EventTypePolicyViolation, policyErr.Error(), nil)
			return nil, policyErr
		}
	}

	now := time.Now()
	run := &Run{
		ID:          uuid.New().String(),
		Pipeline:    s.pipeline,
		Status:      RunStatusPending,
		DryRun:      opts.DryRun,
		User:        opts.User,
		EnvRevision: s.env.Revision(),
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, NewStoreError("failed to save run", err)
	}

	s.pinMu.Lock()
	s.pinnedRev = run.EnvRevision
	s.pinMu.Unlock()

	if err := s.snapshotEnvironment(ctx, run); err != nil {
		return nil, err
	}

	run.Status = RunStatusRunning
	run.UpdatedAt = time.Now()
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, NewStoreError("failed to save run", err)
	}

	mode := "run"
	if opts.DryRun {
		mode = "dry run"
	}
	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted,
		fmt.Sprintf("Started %s of %d stage(s) at revision %d", mode, len(window), run.EnvRevision), nil)

	result := &RunResult{
		Run:     run,
		Plan:    plan,
		Records: make([]*RunRecord, 0, len(window)),
		Summary: RunSummary{Total: len(window)},
	}

	var execErr error
	if opts.DryRun {
		execErr = s.executeDryRun(ctx, run, plan, window, result)
	} else {
		execErr = s.executeGroups(ctx, run, plan, window, opts, result)
	}

	s.finalizeRun(ctx, run, result, execErr)
	return result, execErr
}

// checkRequiredKeys fails the run before any stage starts when a stage in
// the window requires a configuration key the environment does not hold.
func (s *Scheduler) checkRequiredKeys(window []*Stage) error {
	for _, stage := range window {
		for _, key := range stage.RequiredKeys {
			if !s.env.Has(key) {
				return NewConfigError(
					fmt.Sprintf("stage %s requires missing configuration key %q", stage.ID, key),
					nil,
				).WithCode(ErrCodeMissingConfigKey).WithStage(stage.ID)
			}
		}
	}
	return nil
}

// snapshotEnvironment persists the environment contents the run started
// against. Rollback re-verification and drift reporting read against it.
func (s *Scheduler) snapshotEnvironment(ctx context.Context, run *Run) error {
	values := make(map[string]string)
	for _, key := range s.env.Keys() {
		v, err := s.env.Get(key)
		if err != nil {
			return NewConfigError(fmt.Sprintf("failed to read key %q for snapshot", key), err)
		}
		values[key] = v
	}

	snap := &EnvSnapshot{
		RunID:     run.ID,
		Revision:  run.EnvRevision,
		Values:    values,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return NewStoreError("failed to save environment snapshot", err)
	}
	return nil
}

// executeGroups runs the window group by group. Groups execute strictly in
// sequence; stages within one group may run concurrently up to the worker
// bound. The first failure halts everything after the in-flight stages.
func (s *Scheduler) executeGroups(
	ctx context.Context,
	run *Run,
	plan *Plan,
	window []*Stage,
	opts RunOptions,
	result *RunResult,
) error {
	graph, err := s.registry.Graph()
	if err != nil {
		return err
	}

	inWindow := make(map[string]bool, len(window))
	for _, stage := range window {
		inWindow[stage.ID] = true
	}

	entries := make(map[string]PlanEntry, len(plan.Entries))
	for _, e := range plan.Entries {
		entries[e.StageID] = e
	}

	stageByID := make(map[string]*Stage, len(window))
	for _, stage := range window {
		stageByID[stage.ID] = stage
	}

	for _, group := range graph.Groups {
		pending := make([]*Stage, 0, len(group))
		for _, id := range group {
			if !inWindow[id] {
				continue
			}

			entry := entries[id]
			if entry.Decision == PlanDecisionSkip {
				result.Summary.Skipped++
				s.publishEvent(ctx, run.ID, id, EventTypeStageSkipped,
					fmt.Sprintf("Stage %s already verified at revision %d", id, run.EnvRevision), nil)
				continue
			}

			pending = append(pending, stageByID[id])
		}

		if len(pending) == 0 {
			continue
		}

		if err := s.executeGroup(ctx, run, pending, entries, opts, result); err != nil {
			return err
		}

		// Cancellation takes effect at group boundaries; in-flight stages
		// above already observed it themselves.
		if ctx.Err() != nil {
			return NewActionError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		}
	}

	return nil
}

// executeGroup runs the apply-decision stages of one independent group,
// sequentially by default or with a bounded worker pool when parallelism
// is requested.
func (s *Scheduler) executeGroup(
	ctx context.Context,
	run *Run,
	stages []*Stage,
	entries map[string]PlanEntry,
	opts RunOptions,
	result *RunResult,
) error {
	workers := s.maxParallel
	if opts.MaxParallel > 0 {
		workers = opts.MaxParallel
	}
	if workers > len(stages) {
		workers = len(stages)
	}

	if workers <= 1 {
		for _, stage := range stages {
			if ctx.Err() != nil {
				return NewActionError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
			}
			record, verification, err := s.executeStage(ctx, run, stage, entries[stage.ID])
			s.collect(result, record, verification, err)
			if err != nil {
				return err
			}
		}
		return nil
	}

	workQueue := make(chan *Stage, len(stages))
	for _, stage := range stages {
		workQueue <- stage
	}
	close(workQueue)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		halted   bool
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stage := range workQueue {
				mu.Lock()
				stop := halted
				mu.Unlock()
				if stop || ctx.Err() != nil {
					return
				}

				record, verification, err := s.executeStage(ctx, run, stage, entries[stage.ID])

				mu.Lock()
				s.collect(result, record, verification, err)
				if err != nil && firstErr == nil {
					firstErr = err
					halted = true
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// collect folds one stage outcome into the run result. Callers serialize
// access themselves.
func (s *Scheduler) collect(result *RunResult, record *RunRecord, verification *VerificationResult, err error) {
	if verification != nil {
		result.Verifications = append(result.Verifications, verification)
	}
	if record != nil {
		result.Records = append(result.Records, record)
		switch record.Status {
		case RecordStatusVerified:
			result.Summary.Applied++
			result.Summary.Verified++
		case RecordStatusFailed:
			result.Summary.Failed++
		}
	} else if err != nil {
		result.Summary.Failed++
	}
}

// currentPin returns the revision the in-flight run is pinned to.
func (s *Scheduler) currentPin() uint64 {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pinnedRev
}

// advancePin moves the pinned revision forward when a stage action
// reported the store revision of its own environment write. Writes the
// run did not make itself never advance the pin, so they still surface
// as drift at the next stage boundary.
func (s *Scheduler) advancePin(evidence Evidence) {
	rev, ok := evidence[EvidenceEnvRevision].(uint64)
	if !ok {
		return
	}
	s.pinMu.Lock()
	if rev > s.pinnedRev {
		s.pinnedRev = rev
	}
	s.pinMu.Unlock()
}

// executeStage applies one stage through its full record lifecycle. Every
// transition is persisted before control returns, so a crash mid-run leaves
// a recoverable record trail. The verification result, when the gate ran,
// comes back alongside the record.
func (s *Scheduler) executeStage(
	ctx context.Context,
	run *Run,
	stage *Stage,
	entry PlanEntry,
) (*RunRecord, *VerificationResult, error) {
	// Revision mismatch against the run's pinned revision means the
	// environment changed under a running pipeline. Fatal, never ignored.
	pinned := s.currentPin()
	if rev := s.env.Revision(); rev != pinned {
		err := NewDriftError(
			fmt.Sprintf("environment revision changed mid-run: pinned %d, current %d", pinned, rev),
			nil,
		).WithStage(stage.ID)
		s.publishEvent(ctx, run.ID, stage.ID, EventTypeDriftDetected, err.Error(), map[string]interface{}{
			"pinned_revision":  pinned,
			"current_revision": rev,
		})
		return nil, nil, err
	}

	attempt, err := s.store.NextAttempt(ctx, stage.ID)
	if err != nil {
		return nil, nil, NewStoreError(fmt.Sprintf("failed to allocate attempt for stage %s", stage.ID), err)
	}

	now := time.Now()
	record := &RunRecord{
		ID:             uuid.New().String(),
		RunID:          run.ID,
		StageID:        stage.ID,
		Attempt:        attempt,
		Status:         RecordStatusPending,
		StartedAt:      now,
		EnvRevision:    pinned,
		IdempotencyKey: stage.IdempotencyKey(s.env),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if entry.Reason == PlanReasonDrift {
		record.Tags = append(record.Tags, TagDrift)
		s.publishEvent(ctx, run.ID, stage.ID, EventTypeDriftDetected,
			fmt.Sprintf("Stage %s last verified at revision %d, re-applying at %d",
				stage.ID, entry.LastRevision, pinned),
			map[string]interface{}{"inputs_changed": entry.InputsChanged})
	}

	if err := s.store.SaveRecord(ctx, record); err != nil {
		return nil, nil, NewStoreError("failed to save run record", err)
	}

	if err := s.transition(ctx, record, RecordStatusRunning); err != nil {
		return nil, nil, err
	}
	s.publishEvent(ctx, run.ID, stage.ID, EventTypeStageStarted,
		fmt.Sprintf("Applying stage %s (attempt %d)", stage.ID, attempt), nil)

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	// The action context never carries run cancellation: an interrupted
	// apply could leave the idempotency contract violated. The deadline
	// still applies.
	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	evidence, applyErr := stage.Action.Apply(actionCtx, s.env)
	cancel()

	record.Evidence = mergeEvidence(record.Evidence, evidence)
	if output, ok := evidence["output"].(string); ok {
		record.Output = output
	}
	if applyErr == nil {
		s.advancePin(evidence)
	}

	if applyErr != nil {
		var stageErr *EngineError
		if errors.Is(applyErr, context.DeadlineExceeded) {
			record.Tags = append(record.Tags, TagTimeout)
			stageErr = NewTimeoutError(
				fmt.Sprintf("stage %s action exceeded %s", stage.ID, timeout),
				applyErr,
			).WithStage(stage.ID).WithOperation(stage.Action.Name())
		} else {
			stageErr = NewActionError(
				fmt.Sprintf("stage %s action failed", stage.ID),
				applyErr,
			).WithStage(stage.ID).WithOperation(stage.Action.Name())
		}
		rec, ferr := s.failRecord(ctx, run, record, stageErr)
		return rec, nil, ferr
	}

	if ctx.Err() != nil {
		record.Tags = append(record.Tags, TagCancelled)
		stageErr := NewActionError(
			fmt.Sprintf("run cancelled after stage %s applied, before verification", stage.ID),
			ctx.Err(),
		).WithCode(ErrCodeCancelled).WithStage(stage.ID)
		rec, ferr := s.failRecord(ctx, run, record, stageErr)
		return rec, nil, ferr
	}

	verifyCtx := context.WithoutCancel(ctx)
	verification := s.verifier.Verify(verifyCtx, stage, s.env)
	record.Evidence = mergeEvidence(record.Evidence, verification.IntoEvidence())

	if !verification.Passed {
		verr := s.verifier.Err(verification)
		engineErr := engineErrOrWrap(verr, stage.ID)
		if engineErr.Code == ErrCodeTimeout {
			record.Tags = append(record.Tags, TagTimeout)
		}
		rec, ferr := s.failRecord(ctx, run, record, engineErr)
		return rec, verification, ferr
	}

	if err := s.transition(ctx, record, RecordStatusVerified); err != nil {
		return nil, verification, err
	}
	s.publishEvent(ctx, run.ID, stage.ID, EventTypeStageVerified,
		fmt.Sprintf("Stage %s verified (%d check(s))", stage.ID, len(verification.Results)), nil)

	return record, verification, nil
}

// failRecord closes a record as failed, persists it, and publishes the
// failure with its evidence.
func (s *Scheduler) failRecord(
	ctx context.Context,
	run *Run,
	record *RunRecord,
	stageErr *EngineError,
) (*RunRecord, error) {
	msg := stageErr.Error()
	record.Error = &msg

	if err := s.transition(ctx, record, RecordStatusFailed); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, run.ID, record.StageID, EventTypeStageFailed, msg, map[string]interface{}{
		"attempt":  record.Attempt,
		"tags":     record.Tags,
		"evidence": record.Evidence,
	})

	return record, stageErr
}

// transition moves a record to the given status and persists it before the
// engine proceeds.
func (s *Scheduler) transition(ctx context.Context, record *RunRecord, status RecordStatus) error {
	record.Status = status
	record.UpdatedAt = time.Now()
	if status.IsTerminal() {
		completed := record.UpdatedAt
		record.CompletedAt = &completed
	}
	if err := s.store.SaveRecord(ctx, record); err != nil {
		return NewStoreError(
			fmt.Sprintf("failed to persist %s transition for stage %s", status, record.StageID), err)
	}
	return nil
}

// executeDryRun evaluates verification only, against current state, without
// applying any action or creating any record. Every stage in the window is
// reported; there is nothing to protect with fast-fail when nothing mutates.
func (s *Scheduler) executeDryRun(
	ctx context.Context,
	run *Run,
	plan *Plan,
	window []*Stage,
	result *RunResult,
) error {
	stageByID := make(map[string]*Stage, len(window))
	for _, stage := range window {
		stageByID[stage.ID] = stage
	}

	for _, entry := range plan.Entries {
		if ctx.Err() != nil {
			return NewActionError("dry run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		}

		if entry.Decision == PlanDecisionSkip {
			result.Summary.Skipped++
			s.publishEvent(ctx, run.ID, entry.StageID, EventTypeStageSkipped,
				fmt.Sprintf("Stage %s already verified at revision %d", entry.StageID, run.EnvRevision), nil)
			continue
		}

		result.Summary.Applied++
		stage := stageByID[entry.StageID]
		verification := s.verifier.Verify(ctx, stage, s.env)
		result.Verifications = append(result.Verifications, verification)

		if verification.Passed {
			result.Summary.Verified++
			s.publishEvent(ctx, run.ID, stage.ID, EventTypeInfo,
				fmt.Sprintf("Stage %s would run (%s); its checks currently pass", stage.ID, entry.Reason), nil)
		} else {
			s.publishEvent(ctx, run.ID, stage.ID, EventTypeInfo,
				fmt.Sprintf("Stage %s would run (%s); check %s currently failing",
					stage.ID, entry.Reason, verification.FailedCheck), nil)
		}
	}

	return nil
}

// finalizeRun closes the run row, computes the summary duration, and
// publishes the terminal event.
func (s *Scheduler) finalizeRun(ctx context.Context, run *Run, result *RunResult, execErr error) {
	completed := time.Now()
	run.CompletedAt = &completed
	run.UpdatedAt = completed
	result.Summary.Duration = completed.Sub(run.StartedAt)

	switch {
	case execErr == nil:
		run.Status = RunStatusSucceeded
	case isCancelled(execErr):
		run.Status = RunStatusCancelled
		msg := execErr.Error()
		run.Error = &msg
	default:
		run.Status = RunStatusFailed
		msg := execErr.Error()
		run.Error = &msg
	}

	// Persisting the terminal transition is best-effort here; the caller
	// already holds the real outcome.
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.publishEvent(ctx, run.ID, "", EventTypeError,
			fmt.Sprintf("failed to persist final run state: %v", err), nil)
	}

	switch run.Status {
	case RunStatusSucceeded:
		s.publishEvent(ctx, run.ID, "", EventTypeRunCompleted,
			fmt.Sprintf("Run completed: %d applied, %d skipped, %d verified",
				result.Summary.Applied, result.Summary.Skipped, result.Summary.Verified), nil)
	default:
		s.publishEvent(ctx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("Run %s: %v", run.Status, execErr), nil)
	}
}

// publishEvent appends the event to the store log and fans it out to
// subscribers. Event delivery never fails a run.
func (s *Scheduler) publishEvent(
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

	if s.store != nil {
		_ = s.store.AppendEvent(ctx, event)
	}
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, event)
	}
}

// isCancelled reports whether the halting error was a cancellation.
func isCancelled(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeCancelled
}

// engineErrOrWrap passes through an EngineError or wraps anything else as a
// verification failure for the given stage.
func engineErrOrWrap(err error, stageID string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewVerificationError("verification failed", err).WithStage(stageID)
}

// mergeEvidence folds b into a, allocating when needed.
func mergeEvidence(a, b Evidence) Evidence {
	if len(b) == 0 {
		return a
	}
	if a == nil {
		a = make(Evidence, len(b))
	}
	for k, v := range b {
		a[k] = v
	}
	return a
}
