package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// DefaultPredicateTimeout bounds predicate evaluation when the caller
// does not choose a timeout.
const DefaultPredicateTimeout = 10 * time.Second

// StarlarkEvaluator evaluates check predicates written as Starlark
// expressions. Evaluation is sandboxed: a predicate sees the
// environment snapshot and the Starlark universe built-ins, nothing
// else. No filesystem, network, or module access.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator with the given per-predicate
// timeout. Non-positive means DefaultPredicateTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultPredicateTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// EvalPredicate evaluates expr and returns its boolean result. The
// expression must yield a bool; any other type is an error rather than
// a truthiness guess. The environment snapshot is exposed as a frozen
// dict named env, so predicates read it with env["app.version"] and
// cannot mutate it.
func (se *StarlarkEvaluator) EvalPredicate(ctx context.Context, expr string, env map[string]string) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	dict := starlark.NewDict(len(env))
	for k, v := range env {
		if err := dict.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return false, fmt.Errorf("failed to build env dict: %w", err)
		}
	}
	dict.Freeze()

	thread := &starlark.Thread{
		Name: "cascade-predicate",
		Print: func(_ *starlark.Thread, _ string) {
			// Predicates have no output channel
		},
	}

	predeclared := starlark.StringDict{
		"env": dict,
	}

	type evalResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan evalResult, 1)

	go func() {
		value, err := starlark.Eval(thread, "predicate", expr, predeclared)
		resultCh <- evalResult{value: value, err: err}
	}()

	var res evalResult
	select {
	case <-evalCtx.Done():
		// Stop the interpreter; Eval returns shortly after with a
		// cancellation error unless it had already finished.
		thread.Cancel(evalCtx.Err().Error())
		res = <-resultCh
		if res.err != nil {
			if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
				return false, fmt.Errorf("predicate evaluation timed out after %v", se.timeout)
			}
			return false, fmt.Errorf("predicate evaluation cancelled: %w", evalCtx.Err())
		}
	case res = <-resultCh:
	}

	if res.err != nil {
		return false, fmt.Errorf("predicate evaluation failed: %w", res.err)
	}

	result, ok := res.value.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("predicate must evaluate to a bool, got %s", res.value.Type())
	}

	return bool(result), nil
}
