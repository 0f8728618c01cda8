// Package config parses Cascade pipeline definitions written in CUE
// and evaluates Starlark check predicates.
//
// # Overview
//
// A pipeline definition declares the stages of a deployment: what each
// stage does, what it depends on, how it is verified, and how it rolls
// back. This package turns such a file into a validated PipelineConfig
// that pkg/pipeline builds into executable engine stages.
//
// # Components
//
// CUEParser: parses pipeline files. Validation runs in three layers:
// the embedded CUE schema (structural, with source positions), struct
// validation on the decoded types, and a semantic pass for cross-stage
// rules such as unique stage IDs and resolvable dependencies.
//
// SchemaRegistry: holds the built-in CUE schemas (pipeline, stage,
// action, check, target) and supports registering custom ones.
//
// StarlarkEvaluator: evaluates `expr` check predicates against the
// environment snapshot, with a hard timeout.
//
// # Usage Example
//
//	parser := config.NewCUEParser()
//
//	cfg, err := parser.ParsePipeline(ctx, "cascade.cue")
//	if err != nil {
//	    for _, p := range config.Problems(err) {
//	        fmt.Println(p.Error())
//	    }
//	    return err
//	}
//
// # Pipeline Definition Structure
//
// Definitions declare a top-level pipeline field:
//
//	pipeline: {
//	    name:        "checkout-v2"
//	    description: "Roll out checkout service 2.4.1"
//	    stages: [
//	        {
//	            id:          "deploy-api"
//	            rank:        10
//	            description: "Deploy the new API binary"
//	            timeout:     "5m"
//	            action: {
//	                kind: "command"
//	                params: {argv: ["deployctl", "push", "api:2.4.1"]}
//	            }
//	            rollback: {
//	                kind: "command"
//	                params: {argv: ["deployctl", "push", "api:2.4.0"]}
//	            }
//	            checks: [
//	                {
//	                    name: "version-live"
//	                    kind: "expr"
//	                    params: {expr: "env[\"api.version\"] == \"2.4.1\""}
//	                },
//	            ]
//	        },
//	    ]
//	}
//
// # Check Predicates
//
// Checks of kind expr are Starlark expressions over the frozen env
// dict and must yield a bool:
//
//	env["api.version"] == "2.4.1"
//	int(env["replicas"]) >= 3
//	all([env["db.migrated"] == "true", env["cache.warm"] == "true"])
//
// # Error Handling
//
// Parse and validation failures return a config-class engine error.
// Problems(err) recovers the individual findings with file, line and
// column where CUE knows them:
//
//	ValidationError{
//	    File:    "cascade.cue",
//	    Line:    12,
//	    Column:  9,
//	    Path:    "stages.deploy-api.action.kind",
//	    Message: `3 errors in empty disjunction: ...`,
//	}
//
// # Security
//
// Starlark predicate evaluation is sandboxed:
//   - No filesystem or network access
//   - Timeout enforcement, the interpreter is cancelled on expiry
//   - Print statements suppressed
//   - The env dict is frozen against mutation
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package config
