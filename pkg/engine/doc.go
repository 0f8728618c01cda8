// Package engine provides the core types and execution machinery for the
// Cascade deployment orchestration engine.
//
// # Overview
//
// Cascade turns a provisioning runbook into an enforced pipeline: numbered,
// idempotent stages with declared dependencies, verification gates, and
// explicit rollback contracts. The engine drives five concerns:
//
//  1. Registry - Validate and catalog stage definitions (Registry)
//  2. Plan - Decide which stages need to run and why (Planner)
//  3. Run - Apply stages in resolved order with fast-fail (Scheduler)
//  4. Verify - Gate every stage on read-only post-conditions (Verifier)
//  5. Diagnose - Gate fixes behind a root-cause discipline (DiagnosticManager)
//
// Rollback is a separate, operator-invoked path (RollbackManager): the
// engine never reverts anything as a side effect of a failed run.
//
// # Core Domain Types
//
//   - Stage: One unit of idempotent provisioning work with dependencies,
//     a verification gate, and a rollback action
//   - Run: One invocation of the engine over the pipeline
//   - RunRecord: The append-only record of one stage attempt
//   - Plan: The skip/apply analysis against an environment revision
//   - DiagnosticSession: The hypothesis/evidence loop behind a failure
//   - Event: Timeline entries persisted alongside every run
//
// # Execution Model
//
// A single control thread drives the pipeline group by group in resolved
// order. Within one independent group, stages may run under a bounded
// worker pool; groups never overlap. A stage already verified at the
// current environment revision is skipped without an action call. The
// first failure halts the run: later stages may depend on invariants the
// failed stage was supposed to establish, even without a declared edge.
//
// Every record transition is persisted before the engine proceeds, so a
// crash mid-run leaves a recoverable trail.
//
// # Error Classification
//
// Errors carry a class and a stable code. Nothing is auto-retried: every
// failure halts the run and is either diagnosed (to change a stage
// definition) or re-run unchanged, which is safe because actions are
// idempotent. Use the predicates to classify:
//
//	if engine.IsVerificationError(err) {
//	    // The action reported success but post-conditions are false.
//	}
//
// ExitCode maps errors onto the distinct process exit codes of the command
// surface.
//
// # External Collaborators
//
// Stage actions, rollbacks, and checks are supplied per deployment. The
// engine depends only on their contracts: Action.Apply is side-effecting
// and idempotent; Check.Run is read-only, which is what makes dry runs
// possible. Stores, event publishers, and policy gates plug in through the
// interfaces in this package.
package engine
