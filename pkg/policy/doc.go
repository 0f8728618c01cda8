// Package policy provides Open Policy Agent (OPA) integration for Cascade.
//
// This package implements admission control for pipelines and rollback
// requests using the Rego policy language. It includes built-in policies
// for common deployment governance requirements and supports custom
// policy loading with hot reload.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Gate - Compiles policies and evaluates them against pipelines and rollbacks
//  2. Loader - Loads policies from files and directories and watches them
//  3. Types - Data structures for policies, inputs, and findings
//  4. Built-in Policies - Pre-defined policies for common requirements
//
// The Gate implements the engine.PolicyGate interface, so it plugs
// directly into the registry's pipeline admission and the rollback
// manager's request gating.
//
// # Usage
//
// Creating a policy gate:
//
//	logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	gate, err := policy.NewGate(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Evaluating a pipeline before registration:
//
//	result, err := gate.EvaluatePipeline(ctx, stages)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("policy %s: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/cascade/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = gate.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. rollback-or-irreversible - Every stage declares a rollback action or irreversible: true (error)
//  2. timeout-cap - Every stage declares a timeout of at most one hour (error)
//  3. check-coverage - Every stage declares at least one verification check (error)
//  4. rank-unique - Stages should not share ranks (warning)
//  5. forced-override - Flags force-overridden rollbacks of irreversible stages (warning)
//
// # Custom Policies
//
// Custom policies can be written in Rego and loaded from files:
//
//	package custom.policies.cutover
//
//	import rego.v1
//
//	deny contains violation if {
//	    some stage in input.stages
//	    stage.irreversible
//	    stage.rank < 100
//
//	    violation := {
//	        "message": sprintf("irreversible stage %s must run last (rank >= 100)", [stage.id]),
//	        "severity": "error",
//	        "stage": stage.id,
//	    }
//	}
//
// Pipeline evaluations expose the stage set under input.stages; rollback
// evaluations expose input.stage and input.rollback. Both carry
// input.context with the operation name, the requesting user, and a
// timestamp. Deny findings are objects with message, severity, and stage
// keys; bare strings also work and inherit the policy's own severity.
//
// # Severity Levels
//
// Findings have two severity levels:
//
//   - warning: Reported on the result but does not block the operation
//   - error: Blocks the operation
//
// A finding with an unknown severity blocks. A policy that itself fails
// to evaluate is reported as a warning so a broken custom policy cannot
// silently wave a pipeline through or wedge the gate shut.
//
// # Hot Reload
//
// The gate can watch policy paths for changes and reload automatically:
//
//	err = gate.LoadPolicies(ctx, paths)
//	...
//	err = gate.Watch(ctx, paths)
//
// Reloads are debounced and recompile the built-in set first, so
// built-in policies survive every reload. Call StopWatching to tear the
// watcher down.
//
// # Performance
//
// Policies are compiled once and their deny queries prepared with OPA's
// PreparedEvalQuery, so repeated evaluations skip parsing and planning.
// The loader caches parsed files until they change on disk.
package policy
