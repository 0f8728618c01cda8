package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/plugins/wasm/protocol"
	"github.com/piwi3910/cascade/pkg/transports/local"
	"github.com/piwi3910/cascade/pkg/transports/ssh"
)

// LocalRunner executes commands on the host the engine runs on.
// *local.Executor satisfies it.
type LocalRunner interface {
	Run(ctx context.Context, cmd local.Command) (*local.Result, error)
}

// RemoteRunner executes commands and transfers files on the pipeline
// target. *ssh.Client satisfies it.
type RemoteRunner interface {
	RunCommand(ctx context.Context, cmd string, env map[string]string) (*ssh.ExecResult, error)
	Push(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*ssh.TransferResult, error)
}

// EnvWriter accepts environment writes from env.set actions.
// *environ.Store satisfies it.
type EnvWriter interface {
	Set(key, value string) (uint64, bool)
}

// PluginRunner executes WASI check modules. *wasm.Runner satisfies it.
type PluginRunner interface {
	Run(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, error)
}

// PredicateEvaluator evaluates boolean expressions over an environment
// snapshot. *config.StarlarkEvaluator satisfies it.
type PredicateEvaluator interface {
	EvalPredicate(ctx context.Context, expr string, env map[string]string) (bool, error)
}

// Deps holds the executors stage definitions are bound to. Only the
// dependencies the pipeline actually uses must be set; a stage naming a
// kind whose dependency is nil fails the build.
type Deps struct {
	// Local runs command actions and checks when the pipeline declares
	// no target.
	Local LocalRunner

	// Remote runs command actions and checks and receives file pushes
	// when the pipeline declares a target.
	Remote RemoteRunner

	// Env receives env.set writes.
	Env EnvWriter

	// Plugins runs plugin checks.
	Plugins PluginRunner

	// Predicates evaluates expr checks.
	Predicates PredicateEvaluator
}

// binding is the executable form of one action config: the action itself,
// the environment keys its parameters reference, and whether it runs over
// the remote transport.
type binding struct {
	action engine.Action
	keys   []string
	remote bool
}

// checkBinding is the executable form of one check config.
type checkBinding struct {
	check  engine.Check
	keys   []string
	remote bool
}

// Build turns a validated pipeline definition into executable stages ready
// for registration. Actions and checks are bound to their implementations
// by kind. String parameters may reference environment keys as {{env.KEY}};
// every referenced key becomes a required key of its stage, so the run
// fails before any stage starts when one is missing.
func Build(cfg *config.PipelineConfig, deps Deps) ([]*engine.Stage, error) {
	if cfg == nil {
		return nil, engine.NewConfigError("pipeline config is nil", nil)
	}

	stages := make([]*engine.Stage, 0, len(cfg.Stages))
	for i := range cfg.Stages {
		stage, err := buildStage(&cfg.Stages[i], cfg.Target, deps)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// buildStage binds one stage definition. The stage's Target is set only
// when some part of it actually runs over the remote transport, so the
// policy gate sees which stages touch the target host.
func buildStage(sc *config.StageConfig, target *config.TargetConfig, deps Deps) (*engine.Stage, error) {
	timeout, err := sc.TimeoutDuration()
	if err != nil {
		return nil, engine.NewConfigError(err.Error(), nil).WithStage(sc.ID)
	}

	action, err := buildAction(sc.ID, "action", &sc.Action, target, deps)
	if err != nil {
		return nil, err
	}
	keys := action.keys
	remote := action.remote

	var rollback engine.Action
	if sc.Rollback != nil {
		rb, err := buildAction(sc.ID, "rollback", sc.Rollback, target, deps)
		if err != nil {
			return nil, err
		}
		rollback = rb.action
		keys = append(keys, rb.keys...)
		remote = remote || rb.remote
	}

	checks := make([]engine.Check, 0, len(sc.Checks))
	for i := range sc.Checks {
		cb, err := buildCheck(sc.ID, &sc.Checks[i], target, deps)
		if err != nil {
			return nil, err
		}
		checks = append(checks, cb.check)
		keys = append(keys, cb.keys...)
		remote = remote || cb.remote
	}

	stage := &engine.Stage{
		ID:           sc.ID,
		Rank:         sc.Rank,
		Description:  sc.Description,
		DependsOn:    append([]string(nil), sc.DependsOn...),
		Action:       action.action,
		Rollback:     rollback,
		Irreversible: sc.Irreversible,
		Checks:       checks,
		Timeout:      timeout,
		RequiredKeys: dedupeKeys(keys),
	}
	if remote && target != nil {
		stage.Target = target.Host
	}
	return stage, nil
}

// dedupeKeys sorts and deduplicates the collected key references.
func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}

	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}

// paramErr reports an invalid or unsupported parameter set.
func paramErr(stageID, role, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return engine.NewConfigError(fmt.Sprintf("stage %s %s: %s", stageID, role, msg), nil).
		WithStage(stageID)
}

// snapshotValues materializes the configuration view as a plain map for
// evaluators that take the whole environment: Starlark predicates and
// plugin requests.
func snapshotValues(env engine.Config) map[string]string {
	keys := env.Keys()
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := env.Get(k)
		if err != nil {
			continue
		}
		values[k] = v
	}
	return values
}
