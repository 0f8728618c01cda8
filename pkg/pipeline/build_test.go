package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/environ"
	"github.com/piwi3910/cascade/pkg/plugins/wasm/protocol"
	"github.com/piwi3910/cascade/pkg/transports/local"
	"github.com/piwi3910/cascade/pkg/transports/ssh"
)

// fakeLocal records the last command and plays back a canned result.
type fakeLocal struct {
	lastCmd local.Command
	result  *local.Result
	err     error
	calls   int
}

func (f *fakeLocal) Run(ctx context.Context, cmd local.Command) (*local.Result, error) {
	f.calls++
	f.lastCmd = cmd
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &local.Result{ExitCode: 0, Stdout: "ok"}, nil
}

// fakeRemote records remote executions and pushes.
type fakeRemote struct {
	lastCmd string
	lastEnv map[string]string
	result  *ssh.ExecResult
	execErr error

	lastSrc  string
	lastDest string
	lastMode os.FileMode
	transfer *ssh.TransferResult
	pushErr  error
}

func (f *fakeRemote) RunCommand(ctx context.Context, cmd string, env map[string]string) (*ssh.ExecResult, error) {
	f.lastCmd = cmd
	f.lastEnv = env
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ssh.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeRemote) Push(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*ssh.TransferResult, error) {
	f.lastSrc = localPath
	f.lastDest = remotePath
	f.lastMode = mode
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.transfer != nil {
		return f.transfer, nil
	}
	return &ssh.TransferResult{Bytes: 42, Checksum: "cafe"}, nil
}

// fakePlugins plays back a canned plugin response.
type fakePlugins struct {
	lastPath string
	lastReq  *protocol.Request
	resp     *protocol.Response
	err      error
}

func (f *fakePlugins) Run(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, error) {
	f.lastPath = path
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakePredicates evaluates expressions with a fixed function.
type fakePredicates struct {
	fn func(expr string, env map[string]string) (bool, error)
}

func (f *fakePredicates) EvalPredicate(ctx context.Context, expr string, env map[string]string) (bool, error) {
	return f.fn(expr, env)
}

func noopRollback() *config.ActionConfig {
	return &config.ActionConfig{Kind: "noop"}
}

func buildOne(t *testing.T, cfg *config.PipelineConfig, deps Deps) *engine.Stage {
	t.Helper()
	stages, err := Build(cfg, deps)
	if err != nil {
		t.Fatalf("Expected build to succeed, got: %v", err)
	}
	if len(stages) != len(cfg.Stages) {
		t.Fatalf("Expected %d stages, got %d", len(cfg.Stages), len(stages))
	}
	return stages[0]
}

func TestBuild_NilConfig(t *testing.T) {
	_, err := Build(nil, Deps{})
	if err == nil {
		t.Fatal("Expected error for nil config, got nil")
	}
}

func TestBuild_LocalCommandStage(t *testing.T) {
	runner := &fakeLocal{result: &local.Result{ExitCode: 0, Stdout: "pushed\n", Duration: time.Second}}
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "deploy-api",
			Rank:        3,
			Description: "roll the api binary",
			DependsOn:   []string{"provision-db"},
			Timeout:     "5m",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv": []interface{}{"deployctl", "push", "api:{{env.app.version}}"},
				"env":  map[string]interface{}{"DEPLOY_REGION": "{{env.region}}"},
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Local: runner})

	if stage.ID != "deploy-api" || stage.Rank != 3 {
		t.Errorf("Expected id deploy-api rank 3, got %s rank %d", stage.ID, stage.Rank)
	}
	if stage.Timeout != 5*time.Minute {
		t.Errorf("Expected 5m timeout, got %v", stage.Timeout)
	}
	if len(stage.DependsOn) != 1 || stage.DependsOn[0] != "provision-db" {
		t.Errorf("Expected depends_on [provision-db], got %v", stage.DependsOn)
	}
	if stage.Target != "" {
		t.Errorf("Expected no target for a local stage, got %q", stage.Target)
	}
	if stage.Action.Name() != "command" {
		t.Errorf("Expected action name command, got %s", stage.Action.Name())
	}

	wantKeys := []string{"app.version", "region"}
	if len(stage.RequiredKeys) != len(wantKeys) {
		t.Fatalf("Expected required keys %v, got %v", wantKeys, stage.RequiredKeys)
	}
	for i := range wantKeys {
		if stage.RequiredKeys[i] != wantKeys[i] {
			t.Errorf("Expected required key %s at %d, got %s", wantKeys[i], i, stage.RequiredKeys[i])
		}
	}

	env := environ.NewFromValues(map[string]string{"app.version": "2.4.1", "region": "eu-1"}, 1)
	evidence, err := stage.Action.Apply(context.Background(), env)
	if err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("Expected one execution, got %d", runner.calls)
	}
	if len(runner.lastCmd.Argv) != 3 || runner.lastCmd.Argv[2] != "api:2.4.1" {
		t.Errorf("Expected rendered argv, got %v", runner.lastCmd.Argv)
	}
	if runner.lastCmd.Env["DEPLOY_REGION"] != "eu-1" {
		t.Errorf("Expected rendered env, got %v", runner.lastCmd.Env)
	}
	if evidence["output"] != "pushed\n" {
		t.Errorf("Expected stdout as output evidence, got %v", evidence["output"])
	}
	if evidence["transport"] != "local" {
		t.Errorf("Expected local transport evidence, got %v", evidence["transport"])
	}
	if evidence["exit_code"] != 0 {
		t.Errorf("Expected exit_code 0, got %v", evidence["exit_code"])
	}
}

func TestBuild_RemoteCommandRouting(t *testing.T) {
	remote := &fakeRemote{}
	target := &config.TargetConfig{Host: "deploy-1.internal", User: "ops"}
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: target,
		Stages: []config.StageConfig{{
			ID:          "restart-api",
			Rank:        1,
			Description: "restart the api service",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv": []interface{}{"systemctl", "restart", "api {{env.app.unit}}"},
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Remote: remote})

	if stage.Target != "deploy-1.internal" {
		t.Errorf("Expected target deploy-1.internal, got %q", stage.Target)
	}

	env := environ.NewFromValues(map[string]string{"app.unit": "blue"}, 1)
	if _, err := stage.Action.Apply(context.Background(), env); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	want := "systemctl restart 'api blue'"
	if remote.lastCmd != want {
		t.Errorf("Expected command %q, got %q", want, remote.lastCmd)
	}
}

func TestBuild_CommandExitFailure(t *testing.T) {
	runner := &fakeLocal{result: &local.Result{ExitCode: 3, Stdout: "partial", Stderr: "boom\ndetails"}}
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv": []interface{}{"migrate", "up"},
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Local: runner})

	evidence, err := stage.Action.Apply(context.Background(), environ.New())
	if err == nil {
		t.Fatal("Expected error for non-zero exit, got nil")
	}
	if !strings.Contains(err.Error(), "exited 3") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected exit code and first stderr line in the error, got: %v", err)
	}
	if evidence["exit_code"] != 3 {
		t.Errorf("Expected exit_code 3 in evidence, got %v", evidence["exit_code"])
	}
	if evidence["output"] != "partial" {
		t.Errorf("Expected captured stdout even on failure, got %v", evidence["output"])
	}
	if evidence["stderr"] != "boom\ndetails" {
		t.Errorf("Expected captured stderr, got %v", evidence["stderr"])
	}
}

func TestBuild_CommandTransportError(t *testing.T) {
	runner := &fakeLocal{err: errors.New("spawn failed")}
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"command": "migrate up",
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Local: runner})

	evidence, err := stage.Action.Apply(context.Background(), environ.New())
	if err == nil || !strings.Contains(err.Error(), "spawn failed") {
		t.Fatalf("Expected the transport error, got: %v", err)
	}
	if evidence["command"] != "migrate up" {
		t.Errorf("Expected the command in evidence, got %v", evidence["command"])
	}
}

func TestBuild_RequiredKeysUnion(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "deploy-api",
			Rank:        1,
			Description: "roll the api binary",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"command": "deployctl push api:{{env.app.version}}",
			}},
			Rollback: &config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"command": "deployctl push api:{{env.app.previous}}",
			}},
			Checks: []config.CheckConfig{{
				Name: "version-live",
				Kind: "env",
				Params: map[string]interface{}{
					"key":    "api.live",
					"equals": "{{env.app.version}}",
				},
			}},
		}},
	}

	stage := buildOne(t, cfg, Deps{Local: &fakeLocal{}})

	want := []string{"app.previous", "app.version"}
	if len(stage.RequiredKeys) != len(want) {
		t.Fatalf("Expected required keys %v, got %v", want, stage.RequiredKeys)
	}
	for i := range want {
		if stage.RequiredKeys[i] != want[i] {
			t.Errorf("Expected required key %s at %d, got %s", want[i], i, stage.RequiredKeys[i])
		}
	}
}

func TestBuild_UnknownActionKind(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "broken",
			Rank:        1,
			Description: "bad kind",
			Action:      config.ActionConfig{Kind: "shell"},
			Rollback:    noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Local: &fakeLocal{}})
	if err == nil {
		t.Fatal("Expected error for unknown action kind, got nil")
	}
	if !strings.Contains(err.Error(), "shell") {
		t.Errorf("Expected the kind in the error, got: %v", err)
	}

	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Class != engine.ErrorClassConfig {
		t.Errorf("Expected a config error, got: %v", err)
	}
	if engErr.Stage != "broken" {
		t.Errorf("Expected stage broken on the error, got %q", engErr.Stage)
	}
}

func TestBuild_CommandFormExclusive(t *testing.T) {
	both := map[string]interface{}{
		"command": "migrate up",
		"argv":    []interface{}{"migrate", "up"},
	}
	neither := map[string]interface{}{}

	for name, params := range map[string]map[string]interface{}{"both": both, "neither": neither} {
		cfg := &config.PipelineConfig{
			Name: "deploy",
			Stages: []config.StageConfig{{
				ID:          "migrate",
				Rank:        1,
				Description: "run migrations",
				Action:      config.ActionConfig{Kind: "command", Params: params},
				Rollback:    noopRollback(),
			}},
		}
		if _, err := Build(cfg, Deps{Local: &fakeLocal{}}); err == nil {
			t.Errorf("Expected error when %s of command and argv set, got nil", name)
		}
	}
}

func TestBuild_UnknownCommandParam(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv":  []interface{}{"migrate", "up"},
				"shell": "/bin/zsh",
			}},
			Rollback: noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Local: &fakeLocal{}})
	if err == nil {
		t.Fatal("Expected error for an unknown param, got nil")
	}
	if !strings.Contains(err.Error(), "shell") {
		t.Errorf("Expected the unknown param in the error, got: %v", err)
	}
}

func TestBuild_DirRejectedWithTarget(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: &config.TargetConfig{Host: "deploy-1.internal", User: "ops"},
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv": []interface{}{"migrate", "up"},
				"dir":  "/opt/api",
			}},
			Rollback: noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Remote: &fakeRemote{}})
	if err == nil {
		t.Fatal("Expected error for dir on a remote command, got nil")
	}
	if !strings.Contains(err.Error(), "dir") {
		t.Errorf("Expected dir in the error, got: %v", err)
	}
}

func TestBuild_RemoteWithoutTransport(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: &config.TargetConfig{Host: "deploy-1.internal", User: "ops"},
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
				"argv": []interface{}{"migrate", "up"},
			}},
			Rollback: noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Local: &fakeLocal{}})
	if err == nil {
		t.Fatal("Expected error when the pipeline has a target but no transport, got nil")
	}
	if !strings.Contains(err.Error(), "remote transport") {
		t.Errorf("Expected a remote transport error, got: %v", err)
	}
}

func TestBuild_FilePush(t *testing.T) {
	remote := &fakeRemote{transfer: &ssh.TransferResult{Bytes: 1024, Checksum: "cafe", Duration: time.Second}}
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: &config.TargetConfig{Host: "deploy-1.internal", User: "ops"},
		Stages: []config.StageConfig{{
			ID:          "push-binary",
			Rank:        1,
			Description: "upload the api binary",
			Action: config.ActionConfig{Kind: "file.push", Params: map[string]interface{}{
				"src":  "./build/api-{{env.app.version}}",
				"dest": "/opt/api/bin/api",
				"mode": "0755",
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Remote: remote})

	if stage.Target != "deploy-1.internal" {
		t.Errorf("Expected target deploy-1.internal, got %q", stage.Target)
	}
	if len(stage.RequiredKeys) != 1 || stage.RequiredKeys[0] != "app.version" {
		t.Errorf("Expected required keys [app.version], got %v", stage.RequiredKeys)
	}

	env := environ.NewFromValues(map[string]string{"app.version": "2.4.1"}, 1)
	evidence, err := stage.Action.Apply(context.Background(), env)
	if err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	if remote.lastSrc != "./build/api-2.4.1" {
		t.Errorf("Expected rendered src, got %q", remote.lastSrc)
	}
	if remote.lastDest != "/opt/api/bin/api" {
		t.Errorf("Expected dest, got %q", remote.lastDest)
	}
	if remote.lastMode != os.FileMode(0o755) {
		t.Errorf("Expected mode 0755, got %v", remote.lastMode)
	}
	if evidence["bytes"] != int64(1024) {
		t.Errorf("Expected bytes evidence, got %v", evidence["bytes"])
	}
	if evidence["checksum"] != "cafe" {
		t.Errorf("Expected checksum evidence, got %v", evidence["checksum"])
	}
	output, _ := evidence["output"].(string)
	if !strings.Contains(output, "1024 bytes") {
		t.Errorf("Expected a transfer summary as output, got %q", output)
	}
}

func TestBuild_FilePushRequiresTarget(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "push-binary",
			Rank:        1,
			Description: "upload the api binary",
			Action: config.ActionConfig{Kind: "file.push", Params: map[string]interface{}{
				"src":  "./build/api",
				"dest": "/opt/api/bin/api",
			}},
			Rollback: noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Local: &fakeLocal{}, Remote: &fakeRemote{}})
	if err == nil {
		t.Fatal("Expected error for file.push without a target, got nil")
	}
	if !strings.Contains(err.Error(), "target") {
		t.Errorf("Expected a target error, got: %v", err)
	}
}

func TestBuild_FilePushInvalidMode(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: &config.TargetConfig{Host: "deploy-1.internal", User: "ops"},
		Stages: []config.StageConfig{{
			ID:          "push-binary",
			Rank:        1,
			Description: "upload the api binary",
			Action: config.ActionConfig{Kind: "file.push", Params: map[string]interface{}{
				"src":  "./build/api",
				"dest": "/opt/api/bin/api",
				"mode": "rwxr-xr-x",
			}},
			Rollback: noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{Remote: &fakeRemote{}})
	if err == nil {
		t.Fatal("Expected error for a non-octal mode, got nil")
	}
	if !strings.Contains(err.Error(), "mode") {
		t.Errorf("Expected a mode error, got: %v", err)
	}
}

func TestBuild_NoopRejectsParams(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "placeholder",
			Rank:        1,
			Description: "does nothing",
			Action:      config.ActionConfig{Kind: "noop", Params: map[string]interface{}{"why": "testing"}},
			Rollback:    noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{})
	if err == nil {
		t.Fatal("Expected error for noop params, got nil")
	}
}

func TestBuild_EnvSetAction(t *testing.T) {
	store := environ.NewFromValues(map[string]string{"release.candidate": "v2"}, 1)
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:           "cut-over",
			Rank:         1,
			Description:  "switch live traffic",
			Irreversible: true,
			Action: config.ActionConfig{Kind: "env.set", Params: map[string]interface{}{
				"key":   "traffic.live",
				"value": "{{env.release.candidate}}",
			}},
		}},
	}

	stage := buildOne(t, cfg, Deps{Env: store})

	if len(stage.RequiredKeys) != 1 || stage.RequiredKeys[0] != "release.candidate" {
		t.Errorf("Expected required keys [release.candidate], got %v", stage.RequiredKeys)
	}

	evidence, err := stage.Action.Apply(context.Background(), store)
	if err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}

	got, err := store.Get("traffic.live")
	if err != nil || got != "v2" {
		t.Fatalf("Expected traffic.live=v2 in the store, got %q (%v)", got, err)
	}
	if evidence["key"] != "traffic.live" || evidence["value"] != "v2" {
		t.Errorf("Expected key and value evidence, got %v", evidence)
	}
	if evidence["changed"] != true {
		t.Errorf("Expected changed=true, got %v", evidence["changed"])
	}
	rev, ok := evidence[engine.EvidenceEnvRevision].(uint64)
	if !ok || rev != store.Revision() {
		t.Errorf("Expected the write revision %d in evidence, got %v", store.Revision(), evidence[engine.EvidenceEnvRevision])
	}
}

func TestBuild_EnvSetRedactsSecrets(t *testing.T) {
	store := environ.New()
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "rotate-credential",
			Rank:        1,
			Description: "point the api at the new credential",
			Action: config.ActionConfig{Kind: "env.set", Params: map[string]interface{}{
				"key":   "db.password",
				"value": "secret://vault/db/password",
			}},
			Rollback: noopRollback(),
		}},
	}

	stage := buildOne(t, cfg, Deps{Env: store})

	evidence, err := stage.Action.Apply(context.Background(), store)
	if err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	if evidence["value"] != "secret://****" {
		t.Errorf("Expected the value redacted in evidence, got %v", evidence["value"])
	}
}

func TestBuild_EnvSetStageStaysLocal(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name:   "deploy",
		Target: &config.TargetConfig{Host: "deploy-1.internal", User: "ops"},
		Stages: []config.StageConfig{{
			ID:           "cut-over",
			Rank:         1,
			Description:  "switch live traffic",
			Irreversible: true,
			Action: config.ActionConfig{Kind: "env.set", Params: map[string]interface{}{
				"key":   "traffic.live",
				"value": "v2",
			}},
		}},
	}

	stage := buildOne(t, cfg, Deps{Env: environ.New()})

	if stage.Target != "" {
		t.Errorf("Expected no target for a stage that never leaves the engine host, got %q", stage.Target)
	}
}

func TestBuild_InvalidTimeout(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{{
			ID:          "migrate",
			Rank:        1,
			Description: "run migrations",
			Timeout:     "five minutes",
			Action:      config.ActionConfig{Kind: "noop"},
			Rollback:    noopRollback(),
		}},
	}

	_, err := Build(cfg, Deps{})
	if err == nil {
		t.Fatal("Expected error for an invalid timeout, got nil")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected a timeout error, got: %v", err)
	}
}

func TestBuild_OutputRegistrable(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name: "deploy",
		Stages: []config.StageConfig{
			{
				ID:          "provision-db",
				Rank:        1,
				Description: "create the database",
				Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
					"argv": []interface{}{"createdb", "app"},
				}},
				Rollback: &config.ActionConfig{Kind: "command", Params: map[string]interface{}{
					"argv": []interface{}{"dropdb", "app"},
				}},
			},
			{
				ID:          "migrate",
				Rank:        2,
				Description: "run migrations",
				DependsOn:   []string{"provision-db"},
				Action: config.ActionConfig{Kind: "command", Params: map[string]interface{}{
					"argv": []interface{}{"migrate", "up"},
				}},
				Rollback: &config.ActionConfig{Kind: "command", Params: map[string]interface{}{
					"argv": []interface{}{"migrate", "down", "1"},
				}},
				Checks: []config.CheckConfig{{
					Name:   "schema-version",
					Kind:   "env",
					Params: map[string]interface{}{"key": "db.schema"},
				}},
			},
		},
	}

	stages, err := Build(cfg, Deps{Local: &fakeLocal{}})
	if err != nil {
		t.Fatalf("Expected build to succeed, got: %v", err)
	}

	registry := engine.NewRegistry()
	if err := registry.RegisterAll(stages); err != nil {
		t.Fatalf("Expected built stages to register, got: %v", err)
	}
	if registry.Len() != 2 {
		t.Errorf("Expected 2 registered stages, got %d", registry.Len())
	}
}
