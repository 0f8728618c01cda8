package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/environ"
	"github.com/piwi3910/cascade/pkg/transports/local"
)

// CommandParams configure command actions and command checks.
type CommandParams struct {
	// Command runs through the shell. Exactly one of Command and Argv
	// must be set.
	Command string `json:"command,omitempty"`

	// Argv runs the program directly with the given arguments.
	Argv []string `json:"argv,omitempty"`

	// Dir is the working directory. Local execution only.
	Dir string `json:"dir,omitempty"`

	// Env is extra process environment for the command.
	Env map[string]string `json:"env,omitempty"`
}

// FilePushParams configure file.push actions.
type FilePushParams struct {
	// Src is the local file to upload.
	Src string `json:"src"`

	// Dest is the destination path on the target.
	Dest string `json:"dest"`

	// Mode is the octal file mode on the target, "0644" when empty.
	Mode string `json:"mode,omitempty"`
}

// EnvSetParams configure env.set actions.
type EnvSetParams struct {
	// Key is the environment key to write.
	Key string `json:"key"`

	// Value is the value to write.
	Value string `json:"value"`
}

// decodeParams maps the free-form params block onto a typed parameter
// struct, rejecting keys the kind does not define.
func decodeParams(params map[string]interface{}, into interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// buildAction binds one action config to its implementation.
func buildAction(stageID, role string, ac *config.ActionConfig, target *config.TargetConfig, deps Deps) (binding, error) {
	switch ac.Kind {
	case "command":
		return buildCommandAction(stageID, role, ac, target, deps)
	case "file.push":
		return buildFilePushAction(stageID, role, ac, target, deps)
	case "env.set":
		return buildEnvSetAction(stageID, role, ac, deps)
	case "noop":
		if len(ac.Params) > 0 {
			return binding{}, paramErr(stageID, role, "noop takes no params")
		}
		return binding{action: engine.ActionFunc{
			ID: "noop",
			Fn: func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
				return engine.Evidence{"noop": true}, nil
			},
		}}, nil
	default:
		return binding{}, paramErr(stageID, role, "unknown action kind %q", ac.Kind)
	}
}

// commandSpec is the validated, routed form of command params, shared by
// command actions and command checks.
type commandSpec struct {
	params CommandParams
	remote bool
}

// parseCommandSpec validates command params and routes them: remote when
// the pipeline declares a target, local otherwise. The Dir param only
// makes sense locally; the SSH transport runs commands in the login
// directory of the target user.
func parseCommandSpec(stageID, role string, params map[string]interface{}, target *config.TargetConfig, deps Deps) (commandSpec, []string, error) {
	var p CommandParams
	if err := decodeParams(params, &p); err != nil {
		return commandSpec{}, nil, paramErr(stageID, role, "invalid command params: %v", err)
	}
	if (p.Command == "") == (len(p.Argv) == 0) {
		return commandSpec{}, nil, paramErr(stageID, role, "exactly one of command and argv must be set")
	}

	remote := target != nil
	if remote {
		if deps.Remote == nil {
			return commandSpec{}, nil, paramErr(stageID, role, "pipeline declares a target but no remote transport is configured")
		}
		if p.Dir != "" {
			return commandSpec{}, nil, paramErr(stageID, role, "dir is not supported for remote commands")
		}
	} else if deps.Local == nil {
		return commandSpec{}, nil, paramErr(stageID, role, "no local executor configured")
	}

	refs := make([]string, 0, len(p.Argv)+len(p.Env)+2)
	refs = append(refs, p.Command, p.Dir)
	refs = append(refs, p.Argv...)
	for _, v := range p.Env {
		refs = append(refs, v)
	}
	return commandSpec{params: p, remote: remote}, referencedKeys(refs...), nil
}

// run executes the command over the routed transport.
func (c commandSpec) run(ctx context.Context, deps Deps, env engine.Config) (engine.Evidence, error) {
	if c.remote {
		return runRemoteCommand(ctx, deps.Remote, c.params, env)
	}
	return runLocalCommand(ctx, deps.Local, c.params, env)
}

func buildCommandAction(stageID, role string, ac *config.ActionConfig, target *config.TargetConfig, deps Deps) (binding, error) {
	spec, keys, err := parseCommandSpec(stageID, role, ac.Params, target, deps)
	if err != nil {
		return binding{}, err
	}

	return binding{
		action: engine.ActionFunc{
			ID: "command",
			Fn: func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
				return spec.run(ctx, deps, env)
			},
		},
		keys:   keys,
		remote: spec.remote,
	}, nil
}

// runLocalCommand renders the command parameters and executes on the host
// the engine runs on.
func runLocalCommand(ctx context.Context, runner LocalRunner, p CommandParams, env engine.Config) (engine.Evidence, error) {
	var cmd local.Command
	var display string

	if p.Command != "" {
		script, err := render(p.Command, env)
		if err != nil {
			return nil, err
		}
		cmd.Script = script
		display = script
	} else {
		argv := make([]string, len(p.Argv))
		for i, a := range p.Argv {
			rendered, err := render(a, env)
			if err != nil {
				return nil, err
			}
			argv[i] = rendered
		}
		cmd.Argv = argv
		display = strings.Join(argv, " ")
	}

	dir, err := render(p.Dir, env)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir

	cmdEnv, err := renderMap(p.Env, env)
	if err != nil {
		return nil, err
	}
	cmd.Env = cmdEnv

	result, err := runner.Run(ctx, cmd)
	if err != nil {
		return engine.Evidence{"command": display, "transport": "local"}, err
	}

	evidence := commandEvidence(display, "local", result.ExitCode, result.Stdout, result.Stderr, result.Duration)
	if result.ExitCode != 0 {
		return evidence, exitError(result.ExitCode, result.Stderr)
	}
	return evidence, nil
}

// runRemoteCommand renders the command parameters and executes over SSH.
func runRemoteCommand(ctx context.Context, runner RemoteRunner, p CommandParams, env engine.Config) (engine.Evidence, error) {
	cmdLine, err := renderCommandLine(p, env)
	if err != nil {
		return nil, err
	}

	cmdEnv, err := renderMap(p.Env, env)
	if err != nil {
		return nil, err
	}

	result, err := runner.RunCommand(ctx, cmdLine, cmdEnv)
	if err != nil {
		return engine.Evidence{"command": cmdLine, "transport": "ssh"}, err
	}

	evidence := commandEvidence(cmdLine, "ssh", result.ExitCode, result.Stdout, result.Stderr, result.Duration)
	if result.ExitCode != 0 {
		return evidence, exitError(result.ExitCode, result.Stderr)
	}
	return evidence, nil
}

// renderCommandLine produces the single command string the SSH transport
// takes, quoting argv elements when the argv form was used.
func renderCommandLine(p CommandParams, env engine.Config) (string, error) {
	if p.Command != "" {
		return render(p.Command, env)
	}

	parts := make([]string, len(p.Argv))
	for i, a := range p.Argv {
		rendered, err := render(a, env)
		if err != nil {
			return "", err
		}
		parts[i] = shellQuote(rendered)
	}
	return strings.Join(parts, " "), nil
}

// shellQuote single-quotes an argument for the remote shell when needed.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commandEvidence is the captured observation for one command execution.
// The output key feeds the run record's Output column.
func commandEvidence(command, transport string, exitCode int, stdout, stderr string, d time.Duration) engine.Evidence {
	ev := engine.Evidence{
		"command":   command,
		"transport": transport,
		"exit_code": exitCode,
		"output":    stdout,
		"duration":  d.String(),
	}
	if stderr != "" {
		ev["stderr"] = stderr
	}
	return ev
}

// exitError describes a command that ran and exited non-zero.
func exitError(exitCode int, stderr string) error {
	if line := firstLine(stderr); line != "" {
		return fmt.Errorf("command exited %d: %s", exitCode, line)
	}
	return fmt.Errorf("command exited %d", exitCode)
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func buildFilePushAction(stageID, role string, ac *config.ActionConfig, target *config.TargetConfig, deps Deps) (binding, error) {
	var p FilePushParams
	if err := decodeParams(ac.Params, &p); err != nil {
		return binding{}, paramErr(stageID, role, "invalid file.push params: %v", err)
	}
	if p.Src == "" || p.Dest == "" {
		return binding{}, paramErr(stageID, role, "file.push needs src and dest")
	}
	if target == nil {
		return binding{}, paramErr(stageID, role, "file.push requires a pipeline target")
	}
	if deps.Remote == nil {
		return binding{}, paramErr(stageID, role, "pipeline declares a target but no remote transport is configured")
	}

	mode := os.FileMode(0o644)
	if p.Mode != "" {
		parsed, err := strconv.ParseUint(p.Mode, 8, 32)
		if err != nil {
			return binding{}, paramErr(stageID, role, "invalid mode %q", p.Mode)
		}
		mode = os.FileMode(parsed)
	}

	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		src, err := render(p.Src, env)
		if err != nil {
			return nil, err
		}
		dest, err := render(p.Dest, env)
		if err != nil {
			return nil, err
		}

		result, err := deps.Remote.Push(ctx, src, dest, mode)
		if err != nil {
			return engine.Evidence{"src": src, "dest": dest, "transport": "ssh"}, err
		}
		return engine.Evidence{
			"src":       src,
			"dest":      dest,
			"transport": "ssh",
			"bytes":     result.Bytes,
			"checksum":  result.Checksum,
			"duration":  result.Duration.String(),
			"output":    fmt.Sprintf("pushed %s to %s (%d bytes)", src, dest, result.Bytes),
		}, nil
	}

	return binding{
		action: engine.ActionFunc{ID: "file.push", Fn: fn},
		keys:   referencedKeys(p.Src, p.Dest),
		remote: true,
	}, nil
}

func buildEnvSetAction(stageID, role string, ac *config.ActionConfig, deps Deps) (binding, error) {
	var p EnvSetParams
	if err := decodeParams(ac.Params, &p); err != nil {
		return binding{}, paramErr(stageID, role, "invalid env.set params: %v", err)
	}
	if p.Key == "" {
		return binding{}, paramErr(stageID, role, "env.set needs a key")
	}
	if deps.Env == nil {
		return binding{}, paramErr(stageID, role, "no environment store configured")
	}

	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		key, err := render(p.Key, env)
		if err != nil {
			return nil, err
		}
		value, err := render(p.Value, env)
		if err != nil {
			return nil, err
		}

		rev, changed := deps.Env.Set(key, value)
		return engine.Evidence{
			"key":                      key,
			"value":                    environ.Redact(value),
			"changed":                  changed,
			engine.EvidenceEnvRevision: rev,
		}, nil
	}

	return binding{
		action: engine.ActionFunc{ID: "env.set", Fn: fn},
		keys:   referencedKeys(p.Key, p.Value),
	}, nil
}
