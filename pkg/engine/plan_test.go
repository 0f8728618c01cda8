package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// Shared in-memory fakes for the engine tests. The production store lives
// in pkg/stores; these keep the engine tests free of sqlite.

type memStore struct {
	mu         sync.Mutex
	runs       map[string]*Run
	records    map[string]*RunRecord
	recordIDs  []string
	snapshots  map[string]*EnvSnapshot
	sessions   map[string]*DiagnosticSession
	sessionIDs []string
	events     []Event
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]*Run),
		records:   make(map[string]*RunRecord),
		snapshots: make(map[string]*EnvSnapshot),
		sessions:  make(map[string]*DiagnosticSession),
	}
}

func (m *memStore) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, exists := m.runs[runID]
	if !exists {
		return nil, NewStoreError(fmt.Sprintf("run not found: %s", runID), nil)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *memStore) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := m.ListRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (m *memStore) SaveRecord(ctx context.Context, record *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; !exists {
		m.recordIDs = append(m.recordIDs, record.ID)
	}
	cp := *record
	m.records[record.ID] = &cp
	return nil
}

func (m *memStore) GetRecord(ctx context.Context, recordID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, exists := m.records[recordID]
	if !exists {
		return nil, NewStoreError(fmt.Sprintf("record not found: %s", recordID), nil)
	}
	cp := *record
	return &cp, nil
}

func (m *memStore) GetRecords(ctx context.Context, runID string) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]RunRecord, 0)
	for _, id := range m.recordIDs {
		if m.records[id].RunID == runID {
			records = append(records, *m.records[id])
		}
	}
	return records, nil
}

func (m *memStore) LatestRecord(ctx context.Context, stageID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestRecordLocked(stageID), nil
}

func (m *memStore) latestRecordLocked(stageID string) *RunRecord {
	var latest *RunRecord
	for _, id := range m.recordIDs {
		record := m.records[id]
		if record.StageID != stageID {
			continue
		}
		if latest == nil || record.Attempt > latest.Attempt {
			latest = record
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

func (m *memStore) LatestRecords(ctx context.Context) (map[string]*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]*RunRecord)
	for _, id := range m.recordIDs {
		record := m.records[id]
		if cur, ok := latest[record.StageID]; !ok || record.Attempt > cur.Attempt {
			cp := *record
			latest[record.StageID] = &cp
		}
	}
	return latest, nil
}

func (m *memStore) StageHistory(ctx context.Context, stageID string, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]RunRecord, 0)
	for _, id := range m.recordIDs {
		if m.records[id].StageID == stageID {
			history = append(history, *m.records[id])
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Attempt > history[j].Attempt })
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (m *memStore) NextAttempt(ctx context.Context, stageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, id := range m.recordIDs {
		record := m.records[id]
		if record.StageID == stageID && record.Attempt > max {
			max = record.Attempt
		}
	}
	return max + 1, nil
}

func (m *memStore) SaveSnapshot(ctx context.Context, snap *EnvSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snapshots[snap.RunID] = &cp
	return nil
}

func (m *memStore) GetSnapshot(ctx context.Context, runID string) (*EnvSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, exists := m.snapshots[runID]
	if !exists {
		return nil, NewStoreError(fmt.Sprintf("snapshot not found for run: %s", runID), nil)
	}
	cp := *snap
	return &cp, nil
}

func (m *memStore) SaveSession(ctx context.Context, session *DiagnosticSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; !exists {
		m.sessionIDs = append(m.sessionIDs, session.ID)
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *memStore) GetSession(ctx context.Context, sessionID string) (*DiagnosticSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, NewDiagnosticError(fmt.Sprintf("session not found: %s", sessionID), nil).
			WithCode(ErrCodeSessionNotFound)
	}
	cp := *session
	return &cp, nil
}

func (m *memStore) OpenSessionForStage(ctx context.Context, stageID string) (*DiagnosticSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sessionIDs {
		session := m.sessions[id]
		if session.StageID == stageID && session.Open() {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) LatestSession(ctx context.Context, stageID string) (*DiagnosticSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessionIDs) - 1; i >= 0; i-- {
		session := m.sessions[m.sessionIDs[i]]
		if session.StageID == stageID {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListSessions(ctx context.Context, limit int) ([]DiagnosticSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]DiagnosticSession, 0, len(m.sessionIDs))
	for i := len(m.sessionIDs) - 1; i >= 0; i-- {
		sessions = append(sessions, *m.sessions[m.sessionIDs[i]])
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (m *memStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.ID = int64(len(m.events) + 1)
	m.events = append(m.events, cp)
	return nil
}

func (m *memStore) GetEvents(ctx context.Context, runID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]Event, 0)
	for _, e := range m.events {
		if e.RunID == runID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *memStore) Close() error {
	return nil
}

func (m *memStore) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recordIDs)
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// testEnv is a minimal Config with a bumpable revision.

type testEnv struct {
	mu       sync.Mutex
	values   map[string]string
	revision uint64
}

func newTestEnv(values map[string]string) *testEnv {
	if values == nil {
		values = make(map[string]string)
	}
	return &testEnv{values: values, revision: 1}
}

func (e *testEnv) Get(key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[key]
	if !ok {
		return "", fmt.Errorf("key %q not set", key)
	}
	return v, nil
}

func (e *testEnv) Has(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.values[key]
	return ok
}

func (e *testEnv) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

func (e *testEnv) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// set writes a key and bumps the revision, unless the value is unchanged.
func (e *testEnv) set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.values[key]; ok && cur == value {
		return
	}
	e.values[key] = value
	e.revision++
}

// mockPublisher records published events for assertions.

type mockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{events: make([]Event, 0)}
}

func (m *mockPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockPublisher) Subscribe(ctx context.Context, filter EventFilter) (string, <-chan Event, error) {
	ch := make(chan Event)
	close(ch)
	return "", ch, nil
}

func (m *mockPublisher) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}

func (m *mockPublisher) getEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

func (m *mockPublisher) countType(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Stage construction helpers.

func noopAction(name string) Action {
	return ActionFunc{ID: name, Fn: func(ctx context.Context, env Config) (Evidence, error) {
		return Evidence{"output": name + " ok"}, nil
	}}
}

func passingCheck(name string) Check {
	return CheckFunc{ID: name, Fn: func(ctx context.Context, env Config) (Evidence, error) {
		return Evidence{"observed": "expected state"}, nil
	}}
}

func failingCheck(name string) Check {
	return CheckFunc{ID: name, Fn: func(ctx context.Context, env Config) (Evidence, error) {
		return Evidence{"observed": "unexpected state"}, fmt.Errorf("condition does not hold")
	}}
}

func testStage(id string, rank int, deps ...string) *Stage {
	return &Stage{
		ID:          id,
		Rank:        rank,
		Description: "test stage " + id,
		DependsOn:   deps,
		Action:      noopAction("apply-" + id),
		Rollback:    noopAction("rollback-" + id),
		Checks:      []Check{passingCheck("check-" + id)},
	}
}

// seedRecord persists a terminal record for a stage so planner decisions
// have history to read.
func seedRecord(t *testing.T, store *memStore, stageID string, status RecordStatus, revision uint64, key string) *RunRecord {
	t.Helper()
	ctx := context.Background()
	attempt, err := store.NextAttempt(ctx, stageID)
	if err != nil {
		t.Fatalf("NextAttempt failed: %v", err)
	}
	now := time.Now()
	completed := now
	record := &RunRecord{
		ID:             fmt.Sprintf("seed-%s-%d", stageID, attempt),
		RunID:          "seed-run",
		StageID:        stageID,
		Attempt:        attempt,
		Status:         status,
		StartedAt:      now,
		CompletedAt:    &completed,
		EnvRevision:    revision,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.SaveRecord(ctx, record); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}
	return record
}

func TestPlanner_BuildPlan_NeverRun(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	if err := registry.Register(testStage("stage1", 1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	planner := NewPlanner(registry, store)
	plan, window, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(window) != 1 {
		t.Fatalf("Expected window of 1 stage, got %d", len(window))
	}

	if len(plan.Entries) != 1 {
		t.Fatalf("Expected 1 plan entry, got %d", len(plan.Entries))
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionApply {
		t.Errorf("Expected decision apply, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonNeverRun {
		t.Errorf("Expected reason %s, got %s", PlanReasonNeverRun, entry.Reason)
	}
}

func TestPlanner_BuildPlan_SkipsVerifiedAtCurrentRevision(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stage := testStage("stage1", 1)
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), stage.IdempotencyKey(env))

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionSkip {
		t.Errorf("Expected decision skip, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonVerified {
		t.Errorf("Expected reason %s, got %s", PlanReasonVerified, entry.Reason)
	}
	if plan.ApplyCount() != 0 {
		t.Errorf("Expected 0 stages to apply, got %d", plan.ApplyCount())
	}
}

func TestPlanner_BuildPlan_ReappliesOnRevisionDrift(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(map[string]string{"app.version": "1.0"})

	stage := testStage("stage1", 1)
	stage.RequiredKeys = []string{"app.version"}
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Verified at revision 1, then the environment moved on.
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), stage.IdempotencyKey(env))
	env.set("app.version", "2.0")

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionApply {
		t.Errorf("Expected decision apply, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonDrift {
		t.Errorf("Expected reason %s, got %s", PlanReasonDrift, entry.Reason)
	}
	if !entry.InputsChanged {
		t.Error("Expected InputsChanged=true when a required key value changed")
	}
	if entry.LastRevision != 1 {
		t.Errorf("Expected last revision 1, got %d", entry.LastRevision)
	}
}

func TestPlanner_BuildPlan_DriftWithoutInputChange(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(map[string]string{"app.version": "1.0", "unrelated": "a"})

	stage := testStage("stage1", 1)
	stage.RequiredKeys = []string{"app.version"}
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), stage.IdempotencyKey(env))
	env.set("unrelated", "b")

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Reason != PlanReasonDrift {
		t.Errorf("Expected reason %s, got %s", PlanReasonDrift, entry.Reason)
	}
	if entry.InputsChanged {
		t.Error("Expected InputsChanged=false when the stage's own keys are untouched")
	}
}

func TestPlanner_BuildPlan_ReusedRevisionWithChangedInputs(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(map[string]string{"app.version": "2.0"})

	stage := testStage("stage1", 1)
	stage.RequiredKeys = []string{"app.version"}
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// The record claims the current revision but was verified against
	// different input values, as after a hand-edited environment file.
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "stale-key")

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionApply {
		t.Errorf("Expected decision apply, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonDrift {
		t.Errorf("Expected reason %s, got %s", PlanReasonDrift, entry.Reason)
	}
	if !entry.InputsChanged {
		t.Error("Expected InputsChanged=true for a stale idempotency key")
	}
}

func TestPlanner_BuildPlan_ReappliesAfterFailure(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stage := testStage("stage1", 1)
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	seedRecord(t, store, "stage1", RecordStatusFailed, env.Revision(), stage.IdempotencyKey(env))

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionApply {
		t.Errorf("Expected decision apply, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonPreviousFailed {
		t.Errorf("Expected reason %s, got %s", PlanReasonPreviousFailed, entry.Reason)
	}
}

func TestPlanner_BuildPlan_ReappliesAfterRollback(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stage := testStage("stage1", 1)
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	seedRecord(t, store, "stage1", RecordStatusRolledBack, env.Revision(), stage.IdempotencyKey(env))

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if plan.Entries[0].Reason != PlanReasonRolledBack {
		t.Errorf("Expected reason %s, got %s", PlanReasonRolledBack, plan.Entries[0].Reason)
	}
}

func TestPlanner_BuildPlan_InterruptedRunningRecordReapplies(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stage := testStage("stage1", 1)
	if err := registry.Register(stage); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// A crash mid-apply leaves a running record behind; the next run must
	// treat the stage as unfinished, not verified.
	seedRecord(t, store, "stage1", RecordStatusRunning, env.Revision(), stage.IdempotencyKey(env))

	planner := NewPlanner(registry, store)
	plan, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	entry := plan.Entries[0]
	if entry.Decision != PlanDecisionApply {
		t.Errorf("Expected decision apply, got %s", entry.Decision)
	}
	if entry.Reason != PlanReasonPreviousFailed {
		t.Errorf("Expected reason %s, got %s", PlanReasonPreviousFailed, entry.Reason)
	}
}

func TestPlanner_BuildPlan_Window(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
		testStage("stage3", 3, "stage2"),
		testStage("stage4", 4, "stage3"),
	}
	if err := registry.RegisterAll(stages); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	planner := NewPlanner(registry, store)
	_, window, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{
		FromID: "stage2",
		ToID:   "stage3",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(window) != 2 {
		t.Fatalf("Expected window of 2 stages, got %d", len(window))
	}
	if window[0].ID != "stage2" || window[1].ID != "stage3" {
		t.Errorf("Expected window [stage2 stage3], got [%s %s]", window[0].ID, window[1].ID)
	}
}

func TestPlanner_BuildPlan_UnknownWindowStage(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	if err := registry.Register(testStage("stage1", 1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	planner := NewPlanner(registry, store)
	_, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{FromID: "nope"})
	if err == nil {
		t.Fatal("Expected error for unknown window stage, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeStageNotFound {
		t.Errorf("Expected code %s, got %v", ErrCodeStageNotFound, err)
	}
}

func TestPlanner_BuildPlan_InvertedWindow(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
	}
	if err := registry.RegisterAll(stages); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	planner := NewPlanner(registry, store)
	_, _, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{
		FromID: "stage2",
		ToID:   "stage1",
	})
	if err == nil {
		t.Fatal("Expected error for inverted window, got nil")
	}
}

func TestPlanner_BuildPlan_OrderFollowsDependenciesThenRank(t *testing.T) {
	registry := NewRegistry()
	store := newMemStore()
	env := newTestEnv(nil)

	// stage20 has a lower rank than stage10's dependent, so among ready
	// stages the numeric rank decides.
	stages := []*Stage{
		testStage("stage10", 10),
		testStage("stage20", 20),
		testStage("stage15", 15, "stage10"),
	}
	if err := registry.RegisterAll(stages); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	planner := NewPlanner(registry, store)
	_, window, err := planner.BuildPlan(context.Background(), "test", env, RunOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := make([]string, 0, len(window))
	for _, stage := range window {
		got = append(got, stage.ID)
	}
	want := []string{"stage10", "stage15", "stage20"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}
