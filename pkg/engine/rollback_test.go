package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestRollbackManager(t *testing.T, stages []*Stage) (*RollbackManager, *memStore, *mockPublisher, *testEnv) {
	t.Helper()
	registry := NewRegistry()
	if err := registry.RegisterAll(stages); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	store := newMemStore()
	env := newTestEnv(nil)
	publisher := newMockPublisher()
	return NewRollbackManager(registry, store, env, publisher), store, publisher, env
}

func TestRollbackManager_Rollback_VerifiedStage(t *testing.T) {
	rolledBack := false
	stage := testStage("stage1", 1)
	stage.Rollback = ActionFunc{ID: "rollback-stage1", Fn: func(ctx context.Context, env Config) (Evidence, error) {
		rolledBack = true
		return Evidence{"output": "reverted"}, nil
	}}

	manager, store, publisher, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "")

	record, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{User: "operator"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !rolledBack {
		t.Error("Expected rollback action to run")
	}
	if record.Status != RecordStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", record.Status)
	}
	if record.Attempt != 2 {
		t.Errorf("Expected a new attempt appended, got attempt %d", record.Attempt)
	}

	// History is append-only: the verified attempt is still there.
	history, _ := store.StageHistory(context.Background(), "stage1", 0)
	if len(history) != 2 {
		t.Fatalf("Expected 2 records in history, got %d", len(history))
	}
	if history[1].Status != RecordStatusVerified {
		t.Errorf("Expected original verified record preserved, got %s", history[1].Status)
	}

	if publisher.countType(EventTypeRollbackStarted) != 1 {
		t.Error("Expected rollback started event")
	}
	if publisher.countType(EventTypeRollbackCompleted) != 1 {
		t.Error("Expected rollback completed event")
	}
}

func TestRollbackManager_Rollback_FailedStageAllowed(t *testing.T) {
	stage := testStage("stage1", 1)
	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "stage1", RecordStatusFailed, env.Revision(), "")

	record, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{})
	if err != nil {
		t.Fatalf("Expected rollback of failed stage to succeed, got: %v", err)
	}
	if record.Status != RecordStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", record.Status)
	}
}

func TestRollbackManager_Rollback_NeverAttempted(t *testing.T) {
	manager, _, _, _ := newTestRollbackManager(t, []*Stage{testStage("stage1", 1)})

	_, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected error for never-attempted stage, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeNotRollbackable {
		t.Errorf("Expected code %s, got %v", ErrCodeNotRollbackable, err)
	}
}

func TestRollbackManager_Rollback_AlreadyRolledBack(t *testing.T) {
	stage := testStage("stage1", 1)
	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "stage1", RecordStatusRolledBack, env.Revision(), "")

	_, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected error for already rolled back stage, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeNotRollbackable {
		t.Errorf("Expected code %s, got %v", ErrCodeNotRollbackable, err)
	}
}

func TestRollbackManager_Rollback_IrreversibleRefused(t *testing.T) {
	stage := testStage("migrate-schema", 1)
	stage.Irreversible = true

	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "migrate-schema", RecordStatusVerified, env.Revision(), "")

	_, err := manager.Rollback(context.Background(), "migrate-schema", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected error for irreversible stage, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeIrreversibleStage {
		t.Errorf("Expected code %s, got %v", ErrCodeIrreversibleStage, err)
	}
	if code := ExitCode(err); code != 7 {
		t.Errorf("Expected exit code 7, got %d", code)
	}
}

func TestRollbackManager_Rollback_ForceIrreversible(t *testing.T) {
	stage := testStage("migrate-schema", 1)
	stage.Irreversible = true

	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "migrate-schema", RecordStatusVerified, env.Revision(), "")

	record, err := manager.Rollback(context.Background(), "migrate-schema", RollbackOptions{
		ForceIrreversible: true,
		User:              "oncall-engineer",
	})
	if err != nil {
		t.Fatalf("Expected forced rollback to proceed, got: %v", err)
	}

	if record.Status != RecordStatusRolledBack {
		t.Errorf("Expected status rolled_back, got %s", record.Status)
	}
	if !record.HasTag(TagIrreversibleOverride) {
		t.Errorf("Expected irreversible override tag, got %v", record.Tags)
	}
	if record.Evidence["irreversible_override"] != true {
		t.Error("Expected override recorded in evidence")
	}
	if record.Evidence["override_user"] != "oncall-engineer" {
		t.Errorf("Expected override user in evidence, got %v", record.Evidence["override_user"])
	}
}

func TestRollbackManager_Rollback_ForceWithoutActionStillRefused(t *testing.T) {
	stage := testStage("wipe-disk", 1)
	stage.Irreversible = true
	stage.Rollback = nil

	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "wipe-disk", RecordStatusVerified, env.Revision(), "")

	_, err := manager.Rollback(context.Background(), "wipe-disk", RollbackOptions{ForceIrreversible: true})
	if err == nil {
		t.Fatal("Expected error when no rollback action exists, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeNotRollbackable {
		t.Errorf("Expected code %s, got %v", ErrCodeNotRollbackable, err)
	}
}

func TestRollbackManager_Rollback_ActionFails(t *testing.T) {
	stage := testStage("stage1", 1)
	stage.Rollback = ActionFunc{ID: "rollback-stage1", Fn: func(ctx context.Context, env Config) (Evidence, error) {
		return nil, fmt.Errorf("resource is gone")
	}}

	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "")

	record, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected rollback failure, got nil")
	}

	if !IsRollbackError(err) {
		t.Errorf("Expected rollback error, got: %v", err)
	}
	if record == nil || record.Status != RecordStatusFailed {
		t.Fatalf("Expected failed record, got %+v", record)
	}
}

func TestRollbackManager_Rollback_ReverifiesPriorStages(t *testing.T) {
	stage1 := testStage("stage1", 1)
	stage1.Checks = []Check{CheckFunc{ID: "flag-check", Fn: func(ctx context.Context, env Config) (Evidence, error) {
		v, _ := env.Get("flag")
		if v != "good" {
			return Evidence{"flag": v}, fmt.Errorf("flag is %q", v)
		}
		return Evidence{"flag": v}, nil
	}}}
	stage2 := testStage("stage2", 2, "stage1")

	registry := NewRegistry()
	if err := registry.RegisterAll([]*Stage{stage1, stage2}); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	store := newMemStore()
	env := newTestEnv(map[string]string{"flag": "good"})
	manager := NewRollbackManager(registry, store, env, newMockPublisher())

	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "")
	seedRecord(t, store, "stage2", RecordStatusVerified, env.Revision(), "")

	// Prior stage still healthy: rollback completes and records the
	// prior verification outcome.
	record, err := manager.Rollback(context.Background(), "stage2", RollbackOptions{})
	if err != nil {
		t.Fatalf("Expected rollback to succeed, got: %v", err)
	}
	if record.Evidence["prior_stage1"] != true {
		t.Errorf("Expected prior stage verification in evidence, got %v", record.Evidence)
	}
}

func TestRollbackManager_Rollback_PriorStageUnhealthy(t *testing.T) {
	stage1 := testStage("stage1", 1)
	stage1.Checks = []Check{CheckFunc{ID: "flag-check", Fn: func(ctx context.Context, env Config) (Evidence, error) {
		v, _ := env.Get("flag")
		if v != "good" {
			return Evidence{"flag": v}, fmt.Errorf("flag is %q", v)
		}
		return Evidence{"flag": v}, nil
	}}}
	stage2 := testStage("stage2", 2, "stage1")

	registry := NewRegistry()
	if err := registry.RegisterAll([]*Stage{stage1, stage2}); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	store := newMemStore()
	env := newTestEnv(map[string]string{"flag": "good"})
	manager := NewRollbackManager(registry, store, env, newMockPublisher())

	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "")
	seedRecord(t, store, "stage2", RecordStatusVerified, env.Revision(), "")

	// stage1's post-conditions no longer hold: the revert of stage2 must
	// not report a healthy prior state.
	env.set("flag", "bad")

	record, err := manager.Rollback(context.Background(), "stage2", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected prior-stage verification failure, got nil")
	}

	if !IsRollbackError(err) {
		t.Errorf("Expected rollback error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "prior") {
		t.Errorf("Expected prior-stage failure message, got: %v", err)
	}
	if record == nil || record.Status != RecordStatusFailed {
		t.Fatalf("Expected failed record, got %+v", record)
	}
}

func TestRollbackManager_RollbackRange_ReverseOrder(t *testing.T) {
	reverted := make([]string, 0, 3)
	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
		testStage("stage3", 3, "stage2"),
	}
	for _, stage := range stages {
		id := stage.ID
		stage.Rollback = ActionFunc{ID: "rollback-" + id, Fn: func(ctx context.Context, env Config) (Evidence, error) {
			reverted = append(reverted, id)
			return nil, nil
		}}
	}

	manager, store, _, env := newTestRollbackManager(t, stages)
	for _, id := range []string{"stage1", "stage2", "stage3"} {
		seedRecord(t, store, id, RecordStatusVerified, env.Revision(), "")
	}

	records, err := manager.RollbackRange(context.Background(), "stage2", "stage3", RollbackOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 rollback records, got %d", len(records))
	}
	if len(reverted) != 2 || reverted[0] != "stage3" || reverted[1] != "stage2" {
		t.Errorf("Expected reverse order [stage3 stage2], got %v", reverted)
	}

	// stage1 is outside the window and stays applied.
	latest, _ := store.LatestRecord(context.Background(), "stage1")
	if latest.Status != RecordStatusVerified {
		t.Errorf("Expected stage1 untouched, got %s", latest.Status)
	}
}

func TestRollbackManager_RollbackRange_SkipsNeverRun(t *testing.T) {
	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
		testStage("stage3", 3, "stage2"),
	}

	manager, store, _, env := newTestRollbackManager(t, stages)
	seedRecord(t, store, "stage2", RecordStatusVerified, env.Revision(), "")
	// stage3 never ran.

	records, err := manager.RollbackRange(context.Background(), "stage2", "stage3", RollbackOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("Expected 1 rollback record, got %d", len(records))
	}
	if records[0].StageID != "stage2" {
		t.Errorf("Expected stage2 rolled back, got %s", records[0].StageID)
	}
}

func TestRollbackManager_RollbackRange_RefusesIrreversibleUpfront(t *testing.T) {
	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
		testStage("stage3", 3, "stage2"),
	}
	stages[2].Irreversible = true

	manager, store, _, env := newTestRollbackManager(t, stages)
	for _, id := range []string{"stage1", "stage2", "stage3"} {
		seedRecord(t, store, id, RecordStatusVerified, env.Revision(), "")
	}

	_, err := manager.RollbackRange(context.Background(), "stage2", "stage3", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected irreversible refusal, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeIrreversibleStage {
		t.Errorf("Expected code %s, got %v", ErrCodeIrreversibleStage, err)
	}

	// Nothing in the range was touched: the check happens before any revert.
	for _, id := range []string{"stage2", "stage3"} {
		latest, _ := store.LatestRecord(context.Background(), id)
		if latest.Status != RecordStatusVerified {
			t.Errorf("Expected %s untouched, got %s", id, latest.Status)
		}
	}
}

func TestRollbackManager_RollbackRange_HaltsOnFailure(t *testing.T) {
	stages := []*Stage{
		testStage("stage1", 1),
		testStage("stage2", 2, "stage1"),
		testStage("stage3", 3, "stage2"),
	}
	stages[2].Rollback = ActionFunc{ID: "rollback-stage3", Fn: func(ctx context.Context, env Config) (Evidence, error) {
		return nil, fmt.Errorf("revert failed")
	}}

	manager, store, _, env := newTestRollbackManager(t, stages)
	for _, id := range []string{"stage1", "stage2", "stage3"} {
		seedRecord(t, store, id, RecordStatusVerified, env.Revision(), "")
	}

	records, err := manager.RollbackRange(context.Background(), "stage2", "stage3", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected rollback failure, got nil")
	}

	// stage3's failed record is returned; stage2 was never attempted.
	if len(records) != 1 || records[0].StageID != "stage3" {
		t.Fatalf("Expected only stage3 record, got %+v", records)
	}
	if records[0].Status != RecordStatusFailed {
		t.Errorf("Expected failed record, got %s", records[0].Status)
	}

	latest, _ := store.LatestRecord(context.Background(), "stage2")
	if latest.Status != RecordStatusVerified {
		t.Errorf("Expected stage2 untouched after halt, got %s", latest.Status)
	}
}

func TestRollbackManager_Rollback_PolicyDenied(t *testing.T) {
	stage := testStage("stage1", 1)
	manager, store, _, env := newTestRollbackManager(t, []*Stage{stage})
	manager.SetPolicyGate(&mockPolicyGate{denyRollback: true})
	seedRecord(t, store, "stage1", RecordStatusVerified, env.Revision(), "")

	_, err := manager.Rollback(context.Background(), "stage1", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected policy denial, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodePolicyViolation {
		t.Errorf("Expected code %s, got %v", ErrCodePolicyViolation, err)
	}
}

func TestRollbackManager_Rollback_UnknownStage(t *testing.T) {
	manager, _, _, _ := newTestRollbackManager(t, []*Stage{testStage("stage1", 1)})

	_, err := manager.Rollback(context.Background(), "ghost", RollbackOptions{})
	if err == nil {
		t.Fatal("Expected error for unknown stage, got nil")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeStageNotFound {
		t.Errorf("Expected code %s, got %v", ErrCodeStageNotFound, err)
	}
}
