package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/piwi3910/cascade/pkg/engine"
	"github.com/piwi3910/cascade/pkg/telemetry"
)

// Gate implements the PolicyGate interface from pkg/engine/interfaces.go.
type Gate struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	loader          *Loader
	logger          *telemetry.Logger
	builtinPolicies []Policy
}

var _ engine.PolicyGate = (*Gate)(nil)

// compiledPolicy holds a compiled Rego policy with its prepared deny
// query. The query is prepared once at compile time and reused for
// every evaluation.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGate creates a new policy gate with the built-in policies compiled
// and enabled.
func NewGate(logger *telemetry.Logger) (*Gate, error) {
	log := logger.WithComponent("policy-gate")

	g := &Gate{
		policies:        make(map[string]*compiledPolicy),
		loader:          NewLoader(log),
		logger:          log,
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := g.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return g, nil
}

// EvaluatePipeline evaluates all enabled policies against the full
// stage set before anything is registered or scheduled.
func (g *Gate) EvaluatePipeline(ctx context.Context, stages []*engine.Stage) (*engine.PolicyResult, error) {
	stageInputs := make([]StageInput, 0, len(stages))
	for _, stage := range stages {
		stageInputs = append(stageInputs, NewStageInput(stage))
	}

	input := &PolicyInput{
		Stages: stageInputs,
		Context: &PolicyContext{
			Operation: "run",
			Timestamp: time.Now(),
		},
	}

	return g.evaluate(ctx, input)
}

// EvaluateRollback evaluates all enabled policies against a rollback
// request for a single stage.
func (g *Gate) EvaluateRollback(ctx context.Context, stage *engine.Stage, opts engine.RollbackOptions) (*engine.PolicyResult, error) {
	stageInput := NewStageInput(stage)

	input := &PolicyInput{
		Stage: &stageInput,
		Rollback: &RollbackInput{
			Force: opts.ForceIrreversible,
			User:  opts.User,
		},
		Context: &PolicyContext{
			Operation: "rollback",
			User:      opts.User,
			Timestamp: time.Now(),
		},
	}

	return g.evaluate(ctx, input)
}

// evaluate runs every enabled policy against the input. Policies run in
// name order so repeated evaluations produce identical results. A policy
// that itself fails to evaluate becomes a warning, not a denial.
func (g *Gate) evaluate(ctx context.Context, input *PolicyInput) (*engine.PolicyResult, error) {
	startTime := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []engine.PolicyViolation
	var warnings []string

	for _, name := range names {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		findings, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			g.logger.WithError(err).
				WithField("policy", cp.policy.Name).
				Error("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}

		// Anything not explicitly a warning blocks.
		for _, finding := range findings {
			if finding.Severity == string(SeverityWarning) {
				warnings = append(warnings, fmt.Sprintf("%s: %s", finding.Policy, finding.Message))
				continue
			}
			violations = append(violations, finding)
		}
	}

	g.logger.WithFields(map[string]interface{}{
		"operation":  input.Context.Operation,
		"violations": len(violations),
		"warnings":   len(warnings),
		"duration":   time.Since(startTime),
	}).Debug("Policy evaluation completed")

	return &engine.PolicyResult{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// evaluatePolicy runs a single prepared deny query against the input.
func (g *Gate) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, g.createViolation(cp.policy, d, input))
			}
		}
	}

	return violations, nil
}

// LoadPolicies loads policy files from the given paths and compiles
// them alongside the built-in set.
func (g *Gate) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range policies {
		if err := g.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			g.logger.WithError(err).
				WithField("policy", policies[i].Name).
				Error("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	g.logger.WithField("count", len(policies)).Info("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps in a freshly loaded custom policy set. The
// built-in policies are recompiled first, so a reload can never remove
// them. A custom policy that fails to compile is skipped with a warning
// so one bad file does not take down the rest of the set.
func (g *Gate) ReplacePolicies(ctx context.Context, policies []Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	if err := g.loadBuiltinPolicies(ctx); err != nil {
		return err
	}

	for i := range policies {
		if err := g.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			g.logger.WithError(err).
				WithField("policy", policies[i].Name).
				Warn("Skipping policy that failed to compile")
			continue
		}
	}

	g.logger.WithField("count", len(policies)).Info("Policies reloaded")

	return nil
}

// Watch starts watching the given paths for policy file changes and
// reloads the custom policy set when they do. It returns once the
// watcher is installed.
func (g *Gate) Watch(ctx context.Context, paths []string) error {
	return g.loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.ReplacePolicies(ctx, policies)
	})
}

// StopWatching stops the file watcher started by Watch.
func (g *Gate) StopWatching() error {
	return g.loader.StopWatching()
}

// compileAndStorePolicy compiles a policy, prepares its deny query and
// stores it. Callers must hold the write lock.
func (g *Gate) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))
	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}

	g.logger.WithField("policy", policy.Name).Debug("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies compiles the built-in policies. Callers must hold
// the write lock, except during construction.
func (g *Gate) loadBuiltinPolicies(ctx context.Context) error {
	for i := range g.builtinPolicies {
		if err := g.compileAndStorePolicy(ctx, &g.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", g.builtinPolicies[i].Name, err)
		}
	}

	g.logger.WithField("count", len(g.builtinPolicies)).Info("Built-in policies loaded")

	return nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(rego string) string {
	lines := strings.Split(rego, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "cascade.policies"
}

// createViolation maps one deny finding onto an engine.PolicyViolation.
// Findings may be bare strings or objects with message, severity and
// stage keys; missing keys fall back to the policy's own metadata.
func (g *Gate) createViolation(policy *Policy, finding interface{}, input *PolicyInput) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	if input.Stage != nil {
		violation.StageID = input.Stage.ID
	}

	switch v := finding.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if stage, ok := v["stage"].(string); ok {
			violation.StageID = stage
		}
	default:
		violation.Message = fmt.Sprintf("%v", finding)
	}

	return violation
}

// GetPolicy returns a policy by name.
func (g *Gate) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Gate) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}

	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})

	return policies
}

// ReloadPolicies drops every custom policy and recompiles the built-in
// set. The loader cache is cleared so a subsequent LoadPolicies re-reads
// the files.
func (g *Gate) ReloadPolicies(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	g.loader.ClearCache()

	return g.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (g *Gate) EnablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	g.logger.WithField("policy", name).Info("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (g *Gate) DisablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	g.logger.WithField("policy", name).Info("Policy disabled")

	return nil
}
