package local

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/piwi3910/cascade/pkg/telemetry"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: filepath.Join(t.TempDir(), "local-test.log"),
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return NewExecutor(logger)
}

func TestRun_Script(t *testing.T) {
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{Script: "echo hello"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("Expected stdout hello, got %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Duration <= 0 {
		t.Error("Expected a positive duration")
	}
}

func TestRun_Argv(t *testing.T) {
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{Argv: []string{"echo", "-n", "direct"}})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "direct" {
		t.Errorf("Expected stdout direct, got %q", result.Stdout)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{Script: "echo broken >&2; exit 3"})
	if err != nil {
		t.Fatalf("Expected exit code in result, not error, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if result.Stderr != "broken" {
		t.Errorf("Expected stderr broken, got %q", result.Stderr)
	}
}

func TestRun_Env(t *testing.T) {
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{
		Script: `printf '%s' "$CASCADE_RELEASE"`,
		Env:    map[string]string{"CASCADE_RELEASE": "v1.2.3"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "v1.2.3" {
		t.Errorf("Expected environment to reach the command, got %q", result.Stdout)
	}
}

func TestRun_EnvOverridesInherited(t *testing.T) {
	t.Setenv("CASCADE_REGION", "parent")
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{
		Script: `printf '%s' "$CASCADE_REGION"`,
		Env:    map[string]string{"CASCADE_REGION": "child"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "child" {
		t.Errorf("Expected override to win, got %q", result.Stdout)
	}
}

func TestRun_InheritsParentEnv(t *testing.T) {
	t.Setenv("CASCADE_INHERITED", "from-parent")
	executor := testExecutor(t)

	result, err := executor.Run(context.Background(), Command{
		Script: `printf '%s' "$CASCADE_INHERITED"`,
		Env:    map[string]string{"CASCADE_OTHER": "x"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Stdout != "from-parent" {
		t.Errorf("Expected parent environment to be inherited, got %q", result.Stdout)
	}
}

func TestRun_Dir(t *testing.T) {
	executor := testExecutor(t)
	dir := t.TempDir()

	result, err := executor.Run(context.Background(), Command{Script: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("Failed to resolve dir: %v", err)
	}
	got, err := filepath.EvalSymlinks(result.Stdout)
	if err != nil {
		t.Fatalf("Failed to resolve output dir: %v", err)
	}
	if got != want {
		t.Errorf("Expected working directory %s, got %s", want, got)
	}
}

func TestRun_Timeout(t *testing.T) {
	executor := testExecutor(t)

	start := time.Now()
	_, err := executor.Run(context.Background(), Command{
		Script:  "sleep 10",
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout error, got %q", err.Error())
	}
	if elapsed > 5*time.Second {
		t.Errorf("Expected prompt return on timeout, took %v", elapsed)
	}
}

func TestRun_ContextDeadline(t *testing.T) {
	executor := testExecutor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := executor.Run(ctx, Command{Script: "sleep 10"})
	if err == nil {
		t.Fatal("Expected deadline error")
	}
}

func TestRun_MissingBinary(t *testing.T) {
	executor := testExecutor(t)

	_, err := executor.Run(context.Background(), Command{Argv: []string{"cascade-no-such-binary"}})
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
}

func TestRun_ArgvAndScript(t *testing.T) {
	executor := testExecutor(t)

	_, err := executor.Run(context.Background(), Command{
		Argv:   []string{"echo"},
		Script: "echo",
	})
	if err == nil {
		t.Fatal("Expected error when both argv and script are set")
	}
	if !strings.Contains(err.Error(), "both argv and script") {
		t.Errorf("Expected both-set error, got %q", err.Error())
	}
}

func TestRun_NeitherArgvNorScript(t *testing.T) {
	executor := testExecutor(t)

	_, err := executor.Run(context.Background(), Command{})
	if err == nil {
		t.Fatal("Expected error when neither argv nor script is set")
	}
	if !strings.Contains(err.Error(), "neither argv nor script") {
		t.Errorf("Expected neither-set error, got %q", err.Error())
	}
}

func TestMergedEnv(t *testing.T) {
	if mergedEnv(nil) != nil {
		t.Error("Expected nil for empty env")
	}

	merged := mergedEnv(map[string]string{"B_VAR": "2", "A_VAR": "1"})
	if len(merged) < 2 {
		t.Fatalf("Expected parent environment plus extras, got %d entries", len(merged))
	}

	// Extras come after the parent environment, sorted by key
	tail := merged[len(merged)-2:]
	if tail[0] != "A_VAR=1" || tail[1] != "B_VAR=2" {
		t.Errorf("Expected sorted extras at the end, got %v", tail)
	}
}
