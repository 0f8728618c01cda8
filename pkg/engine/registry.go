package engine

import (
	"fmt"
	"sort"
	"sync"
)

// MutationGuard decides whether a stage definition may be mutated. The
// diagnostic manager installs one to enforce the root-cause-before-fix
// discipline: while a diagnostic session for the stage is open and not
// concluded with a confirmed root cause, mutation is refused.
type MutationGuard func(stageID string) error

// Registry is the catalog of pipeline stages and their declared
// dependencies, verification checks, and rollback actions. Definitions are
// validated at registration: duplicate ids, unknown dependencies, cycles,
// silently absent rollbacks, and mutating checks are all rejected before
// anything runs.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]*Stage
	guard  MutationGuard

	// runLocked is set while a run is in flight; stage definitions are
	// immutable during a run and may only change between runs.
	runLocked bool
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]*Stage),
	}
}

// SetMutationGuard installs the guard consulted before any stage mutation.
func (r *Registry) SetMutationGuard(guard MutationGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard = guard
}

// Register adds a single stage to the registry. The stage's dependencies
// must already be registered; registration fails with no side effect on
// duplicate ids, unknown or cyclic dependencies, a missing rollback that
// was not declared irreversible, or any check flagged mutating.
func (r *Registry) Register(stage *Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runLocked {
		return NewRegistrationError("registry is locked by a run in progress", nil).
			WithCode(ErrCodeRunLocked)
	}

	if err := r.validateStage(stage); err != nil {
		return err
	}

	if _, exists := r.stages[stage.ID]; exists {
		return NewRegistrationError(fmt.Sprintf("duplicate stage id: %s", stage.ID), nil).
			WithCode(ErrCodeDuplicateStage).WithStage(stage.ID)
	}

	for _, dep := range stage.DependsOn {
		if _, exists := r.stages[dep]; !exists {
			return NewRegistrationError(
				fmt.Sprintf("stage %s depends on unknown stage %s", stage.ID, dep),
				nil,
			).WithCode(ErrCodeUnknownDependency).WithStage(stage.ID)
		}
	}

	// Cycle detection over the would-be registry. Deps point at existing
	// stages only, so the DFS here guards against self-cycles and any
	// future relaxation of the pre-registration rule.
	candidate := r.snapshotLocked()
	candidate = append(candidate, stage)
	if _, err := NewGraphBuilder().Build(candidate); err != nil {
		return err
	}

	r.stages[stage.ID] = stage
	return nil
}

// RegisterAll adds a batch of stages in one atomic operation: dependency
// references may point anywhere within the batch, and on any validation
// failure none of the batch is added.
func (r *Registry) RegisterAll(stages []*Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runLocked {
		return NewRegistrationError("registry is locked by a run in progress", nil).
			WithCode(ErrCodeRunLocked)
	}

	for _, stage := range stages {
		if err := r.validateStage(stage); err != nil {
			return err
		}
		if _, exists := r.stages[stage.ID]; exists {
			return NewRegistrationError(fmt.Sprintf("duplicate stage id: %s", stage.ID), nil).
				WithCode(ErrCodeDuplicateStage).WithStage(stage.ID)
		}
	}

	candidate := r.snapshotLocked()
	candidate = append(candidate, stages...)

	// Build validates unknown dependencies, duplicates within the batch,
	// and cycles; nothing is committed unless the whole batch is valid.
	if _, err := NewGraphBuilder().Build(candidate); err != nil {
		return err
	}

	for _, stage := range stages {
		r.stages[stage.ID] = stage
	}
	return nil
}

// validateStage enforces the structural stage invariants.
func (r *Registry) validateStage(stage *Stage) error {
	if stage == nil {
		return NewRegistrationError("stage is nil", nil)
	}

	if err := stage.Validate(); err != nil {
		regErr := NewRegistrationError(err.Error(), nil).WithStage(stage.ID)
		if stage.Rollback == nil && !stage.Irreversible {
			regErr = regErr.WithCode(ErrCodeMissingRollback)
		}
		return regErr
	}

	// Read-only verification contract, enforced here rather than at run
	// time: a mutating check would make dry runs side-effecting.
	for _, check := range stage.Checks {
		if check.Mutating() {
			return NewRegistrationError(
				fmt.Sprintf("stage %s check %s is flagged mutating; checks must be read-only", stage.ID, check.Name()),
				nil,
			).WithCode(ErrCodeMutatingCheck).WithStage(stage.ID)
		}
	}

	return nil
}

// Get returns the stage with the given id.
func (r *Registry) Get(id string) (*Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stage, exists := r.stages[id]
	if !exists {
		return nil, NewRegistrationError(fmt.Sprintf("stage not found: %s", id), nil).
			WithCode(ErrCodeStageNotFound).WithStage(id)
	}
	return stage, nil
}

// Has reports whether a stage id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.stages[id]
	return exists
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}

// List returns all registered stages ordered by rank ascending, then id.
func (r *Registry) List() []*Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// snapshotLocked returns the rank-sorted stage slice. Caller holds the lock.
func (r *Registry) snapshotLocked() []*Stage {
	stages := make([]*Stage, 0, len(r.stages))
	for _, s := range r.stages {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].Rank != stages[j].Rank {
			return stages[i].Rank < stages[j].Rank
		}
		return stages[i].ID < stages[j].ID
	})
	return stages
}

// RequiredKeys returns the union of configuration keys required by all
// registered stages, sorted. Used to fail fast on missing configuration
// before any stage runs.
func (r *Registry) RequiredKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, s := range r.stages {
		for _, k := range s.RequiredKeys {
			seen[k] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Graph builds the execution graph for the current registry contents.
func (r *Registry) Graph() (*ExecutionGraph, error) {
	r.mu.RLock()
	stages := r.snapshotLocked()
	r.mu.RUnlock()

	return NewGraphBuilder().Build(stages)
}

// ResolveOrder returns stages in topological order consistent with declared
// dependencies; among stages with no path between them the numeric rank
// ascending decides.
func (r *Registry) ResolveOrder() ([]*Stage, error) {
	graph, err := r.Graph()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]*Stage, 0, len(graph.Order))
	for _, id := range graph.Order {
		ordered = append(ordered, r.stages[id])
	}
	return ordered, nil
}

// IndependentGroups returns the partition of stages into independent
// groups: stages in one group have no dependency path between them and may
// run concurrently, while groups execute strictly in sequence.
func (r *Registry) IndependentGroups() ([][]*Stage, error) {
	graph, err := r.Graph()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([][]*Stage, 0, len(graph.Groups))
	for _, ids := range graph.Groups {
		group := make([]*Stage, 0, len(ids))
		for _, id := range ids {
			group = append(group, r.stages[id])
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// ToDOT renders the registered pipeline as a Graphviz document.
func (r *Registry) ToDOT() (string, error) {
	r.mu.RLock()
	stages := r.snapshotLocked()
	r.mu.RUnlock()

	b := NewGraphBuilder()
	if _, err := b.Build(stages); err != nil {
		return "", err
	}
	return b.ToDOT(), nil
}

// UpdateAction replaces a stage's action. Refused while a run is in flight
// or while the mutation guard holds the stage locked behind an open
// diagnostic session.
func (r *Registry) UpdateAction(stageID string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage, exists := r.stages[stageID]
	if !exists {
		return NewRegistrationError(fmt.Sprintf("stage not found: %s", stageID), nil).
			WithCode(ErrCodeStageNotFound).WithStage(stageID)
	}

	if err := r.mutationAllowedLocked(stageID); err != nil {
		return err
	}

	if action == nil {
		return NewRegistrationError(fmt.Sprintf("stage %s action cannot be nil", stageID), nil).
			WithStage(stageID)
	}

	stage.Action = action
	return nil
}

// UpdateChecks replaces a stage's verification gate. The same read-only
// enforcement as registration applies.
func (r *Registry) UpdateChecks(stageID string, checks []Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage, exists := r.stages[stageID]
	if !exists {
		return NewRegistrationError(fmt.Sprintf("stage not found: %s", stageID), nil).
			WithCode(ErrCodeStageNotFound).WithStage(stageID)
	}

	if err := r.mutationAllowedLocked(stageID); err != nil {
		return err
	}

	for _, check := range checks {
		if check.Mutating() {
			return NewRegistrationError(
				fmt.Sprintf("stage %s check %s is flagged mutating; checks must be read-only", stageID, check.Name()),
				nil,
			).WithCode(ErrCodeMutatingCheck).WithStage(stageID)
		}
	}

	stage.Checks = checks
	return nil
}

// UpdateRollback replaces a stage's rollback action. Setting it to nil
// requires the stage be flagged irreversible first.
func (r *Registry) UpdateRollback(stageID string, rollback Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage, exists := r.stages[stageID]
	if !exists {
		return NewRegistrationError(fmt.Sprintf("stage not found: %s", stageID), nil).
			WithCode(ErrCodeStageNotFound).WithStage(stageID)
	}

	if err := r.mutationAllowedLocked(stageID); err != nil {
		return err
	}

	if rollback == nil && !stage.Irreversible {
		return NewRegistrationError(
			fmt.Sprintf("stage %s cannot drop its rollback without being flagged irreversible", stageID),
			nil,
		).WithCode(ErrCodeMissingRollback).WithStage(stageID)
	}

	stage.Rollback = rollback
	return nil
}

// mutationAllowedLocked enforces the run lock and the diagnostic guard.
// Caller holds the write lock.
func (r *Registry) mutationAllowedLocked(stageID string) error {
	if r.runLocked {
		return NewRegistrationError("stage definitions are immutable during a run", nil).
			WithCode(ErrCodeRunLocked).WithStage(stageID)
	}

	if r.guard != nil {
		if err := r.guard(stageID); err != nil {
			return err
		}
	}

	return nil
}

// beginRun locks stage definitions for the duration of a run.
func (r *Registry) beginRun() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runLocked {
		return NewRegistrationError("another run is already in progress", nil).
			WithCode(ErrCodeRunLocked)
	}
	r.runLocked = true
	return nil
}

// endRun releases the run lock.
func (r *Registry) endRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runLocked = false
}
