package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/piwi3910/cascade/pkg/config"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/environ"
	"github.com/piwi3910/cascade/pkg/plugins/wasm/protocol"
)

// ExprParams configure expr checks.
type ExprParams struct {
	// Expr is the predicate expression. It sees the environment as a
	// frozen dict named env and must yield a bool.
	Expr string `json:"expr"`
}

// PluginParams configure plugin checks.
type PluginParams struct {
	// Module is the path to the compiled WASI module.
	Module string `json:"module"`

	// Params is handed to the plugin verbatim in its request.
	Params map[string]interface{} `json:"params,omitempty"`
}

// EnvCheckParams configure env checks.
type EnvCheckParams struct {
	// Key is the environment key that must be present.
	Key string `json:"key"`

	// Equals additionally requires an exact value when set.
	Equals *string `json:"equals,omitempty"`
}

// declaredCheck carries the mutating flag from the check definition, so
// the registry sees and rejects checks declared mutating instead of the
// flag being silently dropped.
type declaredCheck struct {
	name     string
	mutating bool
	fn       func(ctx context.Context, env engine.Config) (engine.Evidence, error)
}

func (c declaredCheck) Name() string   { return c.name }
func (c declaredCheck) Mutating() bool { return c.mutating }

func (c declaredCheck) Run(ctx context.Context, env engine.Config) (engine.Evidence, error) {
	return c.fn(ctx, env)
}

// buildCheck binds one check config to its implementation.
func buildCheck(stageID string, cc *config.CheckConfig, target *config.TargetConfig, deps Deps) (checkBinding, error) {
	role := fmt.Sprintf("check %s", cc.Name)
	switch cc.Kind {
	case "expr":
		return buildExprCheck(stageID, role, cc, deps)
	case "command":
		return buildCommandCheck(stageID, role, cc, target, deps)
	case "plugin":
		return buildPluginCheck(stageID, role, cc, deps)
	case "env":
		return buildEnvCheck(stageID, role, cc)
	default:
		return checkBinding{}, paramErr(stageID, role, "unknown check kind %q", cc.Kind)
	}
}

func buildExprCheck(stageID, role string, cc *config.CheckConfig, deps Deps) (checkBinding, error) {
	var p ExprParams
	if err := decodeParams(cc.Params, &p); err != nil {
		return checkBinding{}, paramErr(stageID, role, "invalid expr params: %v", err)
	}
	if p.Expr == "" {
		return checkBinding{}, paramErr(stageID, role, "expr needs an expression")
	}
	if deps.Predicates == nil {
		return checkBinding{}, paramErr(stageID, role, "no predicate evaluator configured")
	}

	// Expressions read the env dict dynamically, so they contribute no
	// required keys; a reference to a missing key fails the check instead.
	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		evidence := engine.Evidence{"expr": p.Expr}
		ok, err := deps.Predicates.EvalPredicate(ctx, p.Expr, snapshotValues(env))
		if err != nil {
			return evidence, err
		}
		evidence["result"] = ok
		if !ok {
			return evidence, fmt.Errorf("expression is false")
		}
		return evidence, nil
	}

	return checkBinding{check: declaredCheck{name: cc.Name, mutating: cc.Mutating, fn: fn}}, nil
}

func buildCommandCheck(stageID, role string, cc *config.CheckConfig, target *config.TargetConfig, deps Deps) (checkBinding, error) {
	spec, keys, err := parseCommandSpec(stageID, role, cc.Params, target, deps)
	if err != nil {
		return checkBinding{}, err
	}

	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		return spec.run(ctx, deps, env)
	}

	return checkBinding{
		check:  declaredCheck{name: cc.Name, mutating: cc.Mutating, fn: fn},
		keys:   keys,
		remote: spec.remote,
	}, nil
}

func buildPluginCheck(stageID, role string, cc *config.CheckConfig, deps Deps) (checkBinding, error) {
	var p PluginParams
	if err := decodeParams(cc.Params, &p); err != nil {
		return checkBinding{}, paramErr(stageID, role, "invalid plugin params: %v", err)
	}
	if p.Module == "" {
		return checkBinding{}, paramErr(stageID, role, "plugin needs a module path")
	}
	if deps.Plugins == nil {
		return checkBinding{}, paramErr(stageID, role, "no plugin runner configured")
	}

	var rawParams json.RawMessage
	if len(p.Params) > 0 {
		data, err := json.Marshal(p.Params)
		if err != nil {
			return checkBinding{}, paramErr(stageID, role, "invalid plugin params: %v", err)
		}
		rawParams = data
	}

	name := cc.Name
	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		module, err := render(p.Module, env)
		if err != nil {
			return nil, err
		}

		resp, err := deps.Plugins.Run(ctx, module, &protocol.Request{
			Version: protocol.Version,
			Kind:    protocol.KindCheck,
			Name:    name,
			StageID: stageID,
			Env:     snapshotValues(env),
			Params:  rawParams,
		})
		if err != nil {
			return engine.Evidence{"plugin": module}, err
		}

		evidence := make(engine.Evidence, len(resp.Evidence)+2)
		for k, v := range resp.Evidence {
			evidence[k] = v
		}
		evidence["plugin"] = module
		evidence["status"] = string(resp.Status)

		switch resp.Status {
		case protocol.StatusPass:
			return evidence, nil
		case protocol.StatusFail:
			if resp.Message != "" {
				return evidence, fmt.Errorf("plugin reported fail: %s", resp.Message)
			}
			return evidence, fmt.Errorf("plugin reported fail")
		default:
			if resp.Message != "" {
				return evidence, fmt.Errorf("plugin error: %s", resp.Message)
			}
			return evidence, fmt.Errorf("plugin error: status %q", resp.Status)
		}
	}

	return checkBinding{
		check: declaredCheck{name: cc.Name, mutating: cc.Mutating, fn: fn},
		keys:  referencedKeys(p.Module),
	}, nil
}

func buildEnvCheck(stageID, role string, cc *config.CheckConfig) (checkBinding, error) {
	var p EnvCheckParams
	if err := decodeParams(cc.Params, &p); err != nil {
		return checkBinding{}, paramErr(stageID, role, "invalid env params: %v", err)
	}
	if p.Key == "" {
		return checkBinding{}, paramErr(stageID, role, "env needs a key")
	}

	fn := func(ctx context.Context, env engine.Config) (engine.Evidence, error) {
		key, err := render(p.Key, env)
		if err != nil {
			return nil, err
		}

		evidence := engine.Evidence{"key": key}
		if !env.Has(key) {
			evidence["present"] = false
			return evidence, fmt.Errorf("key %s is not set", key)
		}
		evidence["present"] = true

		if p.Equals == nil {
			return evidence, nil
		}
		want, err := render(*p.Equals, env)
		if err != nil {
			return nil, err
		}
		got, err := env.Get(key)
		if err != nil {
			return evidence, err
		}

		evidence["value"] = environ.Redact(got)
		if got != want {
			return evidence, fmt.Errorf("key %s is %q, expected %q", key, environ.Redact(got), environ.Redact(want))
		}
		return evidence, nil
	}

	// The asserted key is not a required key: the stage's own action may
	// be what writes it. Only placeholder references count.
	refs := []string{p.Key}
	if p.Equals != nil {
		refs = append(refs, *p.Equals)
	}

	return checkBinding{
		check: declaredCheck{name: cc.Name, mutating: cc.Mutating, fn: fn},
		keys:  referencedKeys(refs...),
	}, nil
}
