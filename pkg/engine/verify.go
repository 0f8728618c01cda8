package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verifier runs a stage's verification gate: every check in declared order,
// stopping at the first failure. Once a precondition check has failed there
// is no point evaluating conditions that depend on it, so later checks are
// not run and do not appear in the result.
type Verifier struct {
	// defaultTimeout bounds a single check when the stage declares none.
	defaultTimeout time.Duration
}

// DefaultCheckTimeout bounds a single verification check when neither the
// stage nor the verifier configuration says otherwise.
const DefaultCheckTimeout = 2 * time.Minute

// NewVerifier creates a verifier with the given default per-check timeout.
// A non-positive timeout falls back to DefaultCheckTimeout.
func NewVerifier(defaultTimeout time.Duration) *Verifier {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCheckTimeout
	}
	return &Verifier{defaultTimeout: defaultTimeout}
}

// Verify evaluates the stage's checks against the given configuration and
// returns the aggregated result. The result is never nil; a stage with no
// checks passes vacuously.
func (v *Verifier) Verify(ctx context.Context, stage *Stage, env Config) *VerificationResult {
	result := &VerificationResult{
		StageID: stage.ID,
		Passed:  true,
		Results: make([]CheckResult, 0, len(stage.Checks)),
	}

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}

	for _, check := range stage.Checks {
		cr := v.runCheck(ctx, check, env, timeout)
		result.Results = append(result.Results, cr)

		if !cr.Passed {
			result.Passed = false
			result.FailedCheck = cr.Name
			break
		}
	}

	return result
}

// runCheck evaluates one check under its timeout and captures the outcome.
func (v *Verifier) runCheck(ctx context.Context, check Check, env Config, timeout time.Duration) CheckResult {
	cr := CheckResult{Name: check.Name()}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	evidence, err := check.Run(checkCtx, env)
	cr.Duration = time.Since(start)
	cr.Evidence = evidence

	if err == nil {
		cr.Passed = true
		return cr
	}

	cr.Passed = false
	if errors.Is(err, context.DeadlineExceeded) || checkCtx.Err() == context.DeadlineExceeded {
		cr.Error = fmt.Sprintf("check %s timed out after %s", check.Name(), timeout)
		if cr.Evidence == nil {
			cr.Evidence = Evidence{}
		}
		cr.Evidence["tag"] = TagTimeout
		return cr
	}

	cr.Error = err.Error()
	return cr
}

// Err converts a failed verification into a VerificationError carrying the
// first failing check's identifier and evidence, or nil when it passed.
func (v *Verifier) Err(result *VerificationResult) error {
	if result == nil || result.Passed {
		return nil
	}

	var failed *CheckResult
	for i := range result.Results {
		if !result.Results[i].Passed {
			failed = &result.Results[i]
			break
		}
	}

	msg := fmt.Sprintf("verification failed for stage %s", result.StageID)
	engineErr := NewVerificationError(msg, nil).WithStage(result.StageID)
	if failed != nil {
		engineErr = engineErr.
			WithDetail("failed_check", failed.Name).
			WithDetail("check_error", failed.Error)
		if len(failed.Evidence) > 0 {
			engineErr = engineErr.WithDetail("evidence", failed.Evidence)
		}
		if failed.Evidence != nil && failed.Evidence["tag"] == TagTimeout {
			engineErr = engineErr.WithCode(ErrCodeTimeout)
		}
	}
	return engineErr
}
