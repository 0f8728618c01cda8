package engine_test

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/piwi3910/cascade/pkg/engine"
)

// Example_dependencyGraph demonstrates resolving the run order for a small
// release pipeline with a fan-out in the middle.
func Example_dependencyGraph() {
	// 1. Provision the database
	// 2. Run migrations (depends on the database)
	// 3. Deploy the API and the worker (both depend on migrations)
	// 4. Switch traffic (depends on both deployments)

	stages := []*engine.Stage{
		{ID: "provision-db", Rank: 10},
		{ID: "run-migrations", Rank: 20, DependsOn: []string{"provision-db"}},
		{ID: "deploy-api", Rank: 30, DependsOn: []string{"run-migrations"}},
		{ID: "deploy-worker", Rank: 31, DependsOn: []string{"run-migrations"}},
		{ID: "switch-traffic", Rank: 40, DependsOn: []string{"deploy-api", "deploy-worker"}},
	}

	builder := engine.NewGraphBuilder()
	graph, err := builder.Build(stages)
	if err != nil {
		log.Fatalf("Failed to build graph: %v", err)
	}

	fmt.Printf("Resolved order: %v\n", graph.Order)
	fmt.Printf("Roots: %v\n", graph.Roots)
	fmt.Printf("Depth: %d groups\n", graph.Depth)
	for level, ids := range graph.Groups {
		fmt.Printf("Group %d: %v\n", level, ids)
	}

	// Output:
	// Resolved order: [provision-db run-migrations deploy-api deploy-worker switch-traffic]
	// Roots: [provision-db]
	// Depth: 4 groups
	// Group 0: [provision-db]
	// Group 1: [run-migrations]
	// Group 2: [deploy-api deploy-worker]
	// Group 3: [switch-traffic]
}

// Example_pipelineRun demonstrates the full run workflow: register stages,
// execute them in dependency order, and skip verified work on the next run.
func Example_pipelineRun() {
	ctx := context.Background()
	store := newExampleStore()
	env := exampleEnv{"app.version": "2.4.0", "db.host": "db-1.internal"}

	registry := engine.NewRegistry()
	stages := []*engine.Stage{
		exampleStage("provision-db", 10),
		exampleStage("run-migrations", 20, "provision-db"),
		exampleStage("deploy-api", 30, "run-migrations"),
	}
	if err := registry.RegisterAll(stages); err != nil {
		log.Fatalf("Failed to register stages: %v", err)
	}

	scheduler := engine.NewScheduler("payments", registry, store, env, nil)

	result, err := scheduler.Run(ctx, engine.RunOptions{User: "deployer"})
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	for _, record := range result.Records {
		fmt.Printf("%s: %s (attempt %d)\n", record.StageID, record.Status, record.Attempt)
	}
	fmt.Printf("First run: %d applied, %d verified, %d skipped\n",
		result.Summary.Applied, result.Summary.Verified, result.Summary.Skipped)

	// Nothing changed, so the second run has no work to do.
	result, err = scheduler.Run(ctx, engine.RunOptions{User: "deployer"})
	if err != nil {
		log.Fatalf("Second run failed: %v", err)
	}
	fmt.Printf("Second run: %d applied, %d skipped\n",
		result.Summary.Applied, result.Summary.Skipped)

	// Output:
	// provision-db: verified (attempt 1)
	// run-migrations: verified (attempt 1)
	// deploy-api: verified (attempt 1)
	// First run: 3 applied, 3 verified, 0 skipped
	// Second run: 0 applied, 3 skipped
}

// Example_dryRun demonstrates the read-only preview: every stage in the
// window is verified, nothing is applied, and no records are written.
func Example_dryRun() {
	ctx := context.Background()
	store := newExampleStore()
	env := exampleEnv{"app.version": "2.4.0"}

	registry := engine.NewRegistry()
	if err := registry.RegisterAll([]*engine.Stage{
		exampleStage("provision-db", 10),
		exampleStage("run-migrations", 20, "provision-db"),
	}); err != nil {
		log.Fatalf("Failed to register stages: %v", err)
	}

	scheduler := engine.NewScheduler("payments", registry, store, env, nil)

	result, err := scheduler.Run(ctx, engine.RunOptions{DryRun: true, User: "deployer"})
	if err != nil {
		log.Fatalf("Dry run failed: %v", err)
	}

	for _, entry := range result.Plan.Entries {
		fmt.Printf("%s: %s (%s)\n", entry.StageID, entry.Decision, entry.Reason)
	}
	fmt.Printf("Records written: %d\n", len(result.Records))

	// Output:
	// provision-db: apply (never_run)
	// run-migrations: apply (never_run)
	// Records written: 0
}

// exampleStage builds a stage whose action and checks succeed immediately.
func exampleStage(id string, rank int, deps ...string) *engine.Stage {
	apply := engine.ActionFunc{
		ID: "apply-" + id,
		Fn: func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
			return engine.Evidence{"output": id + " applied"}, nil
		},
	}
	revert := engine.ActionFunc{
		ID: "rollback-" + id,
		Fn: func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
			return engine.Evidence{"output": id + " reverted"}, nil
		},
	}
	check := engine.CheckFunc{
		ID: "check-" + id,
		Fn: func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
			return engine.Evidence{"observed": "healthy"}, nil
		},
	}
	return &engine.Stage{
		ID:        id,
		Rank:      rank,
		DependsOn: deps,
		Action:    apply,
		Rollback:  revert,
		Checks:    []engine.Check{check},
	}
}

// exampleEnv is a fixed configuration for examples. Revision never moves,
// so a second run always finds the first run's work still verified.
type exampleEnv map[string]string

func (e exampleEnv) Get(key string) (string, error) {
	v, ok := e[key]
	if !ok {
		return "", fmt.Errorf("key %q not set", key)
	}
	return v, nil
}

func (e exampleEnv) Has(key string) bool {
	_, ok := e[key]
	return ok
}

func (e exampleEnv) Revision() uint64 { return 1 }

func (e exampleEnv) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// exampleStore is an in-memory Store for examples. Production code uses
// the sqlite-backed store from pkg/stores.
type exampleStore struct {
	runs     map[string]*engine.Run
	records  []*engine.RunRecord
	byID     map[string]*engine.RunRecord
	snaps    map[string]*engine.EnvSnapshot
	sessions map[string]*engine.DiagnosticSession
	events   []engine.Event
}

func newExampleStore() *exampleStore {
	return &exampleStore{
		runs:     make(map[string]*engine.Run),
		byID:     make(map[string]*engine.RunRecord),
		snaps:    make(map[string]*engine.EnvSnapshot),
		sessions: make(map[string]*engine.DiagnosticSession),
	}
}

func (s *exampleStore) SaveRun(ctx context.Context, run *engine.Run) error {
	s.runs[run.ID] = run
	return nil
}

func (s *exampleStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	if run, exists := s.runs[runID]; exists {
		return run, nil
	}
	return nil, engine.NewStoreError("run not found", nil)
}

func (s *exampleStore) ListRuns(ctx context.Context, limit int) ([]engine.Run, error) {
	runs := make([]engine.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, *run)
	}
	return runs, nil
}

func (s *exampleStore) LatestRun(ctx context.Context) (*engine.Run, error) {
	return nil, nil
}

func (s *exampleStore) SaveRecord(ctx context.Context, record *engine.RunRecord) error {
	if _, exists := s.byID[record.ID]; !exists {
		s.records = append(s.records, record)
	}
	s.byID[record.ID] = record
	return nil
}

func (s *exampleStore) GetRecord(ctx context.Context, recordID string) (*engine.RunRecord, error) {
	if record, exists := s.byID[recordID]; exists {
		return record, nil
	}
	return nil, engine.NewStoreError("record not found", nil)
}

func (s *exampleStore) GetRecords(ctx context.Context, runID string) ([]engine.RunRecord, error) {
	records := make([]engine.RunRecord, 0)
	for _, record := range s.records {
		if record.RunID == runID {
			records = append(records, *record)
		}
	}
	return records, nil
}

func (s *exampleStore) LatestRecord(ctx context.Context, stageID string) (*engine.RunRecord, error) {
	var latest *engine.RunRecord
	for _, record := range s.records {
		if record.StageID == stageID && (latest == nil || record.Attempt > latest.Attempt) {
			latest = record
		}
	}
	return latest, nil
}

func (s *exampleStore) LatestRecords(ctx context.Context) (map[string]*engine.RunRecord, error) {
	latest := make(map[string]*engine.RunRecord)
	for _, record := range s.records {
		if cur, ok := latest[record.StageID]; !ok || record.Attempt > cur.Attempt {
			latest[record.StageID] = record
		}
	}
	return latest, nil
}

func (s *exampleStore) StageHistory(ctx context.Context, stageID string, limit int) ([]engine.RunRecord, error) {
	history := make([]engine.RunRecord, 0)
	for _, record := range s.records {
		if record.StageID == stageID {
			history = append(history, *record)
		}
	}
	return history, nil
}

func (s *exampleStore) NextAttempt(ctx context.Context, stageID string) (int, error) {
	max := 0
	for _, record := range s.records {
		if record.StageID == stageID && record.Attempt > max {
			max = record.Attempt
		}
	}
	return max + 1, nil
}

func (s *exampleStore) SaveSnapshot(ctx context.Context, snap *engine.EnvSnapshot) error {
	s.snaps[snap.RunID] = snap
	return nil
}

func (s *exampleStore) GetSnapshot(ctx context.Context, runID string) (*engine.EnvSnapshot, error) {
	return s.snaps[runID], nil
}

func (s *exampleStore) SaveSession(ctx context.Context, session *engine.DiagnosticSession) error {
	s.sessions[session.ID] = session
	return nil
}

func (s *exampleStore) GetSession(ctx context.Context, sessionID string) (*engine.DiagnosticSession, error) {
	if session, exists := s.sessions[sessionID]; exists {
		return session, nil
	}
	return nil, engine.NewDiagnosticError("session not found", nil)
}

func (s *exampleStore) OpenSessionForStage(ctx context.Context, stageID string) (*engine.DiagnosticSession, error) {
	for _, session := range s.sessions {
		if session.StageID == stageID && session.Open() {
			return session, nil
		}
	}
	return nil, nil
}

func (s *exampleStore) LatestSession(ctx context.Context, stageID string) (*engine.DiagnosticSession, error) {
	return nil, nil
}

func (s *exampleStore) ListSessions(ctx context.Context, limit int) ([]engine.DiagnosticSession, error) {
	return []engine.DiagnosticSession{}, nil
}

func (s *exampleStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	s.events = append(s.events, *event)
	return nil
}

func (s *exampleStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	events := make([]engine.Event, 0)
	for _, e := range s.events {
		if e.RunID == runID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *exampleStore) Close() error { return nil }
