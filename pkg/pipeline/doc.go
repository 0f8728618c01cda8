// Package pipeline turns parsed pipeline definitions into executable
// engine stages.
//
// # Overview
//
// A validated config.PipelineConfig describes stages declaratively:
// action and check kinds with parameter maps. Build binds each kind to
// its implementation and returns engine.Stage values ready for
// registration:
//
//   - command actions and checks run over the local executor or the
//     SSH transport, routed by whether the pipeline declares a target
//   - file.push actions upload over SFTP and always need a target
//   - env.set actions write through the environment store
//   - expr checks evaluate Starlark predicates
//   - plugin checks run WASI modules in the wazero sandbox
//   - env checks assert on environment keys
//
// Unknown kinds fail the build; nothing falls through to a default.
//
// # Parameter templates
//
// String parameters may reference environment keys as {{env.KEY}}:
//
//	action: {
//	    kind: "command"
//	    params: {command: "deployctl push api:{{env.api.version}}"}
//	}
//
// Referenced keys become the stage's required keys, so a run fails
// before any stage starts when one is missing. Placeholders resolve
// when the action or check runs, against the same configuration view
// the engine hands it. Starlark expressions and plugin params are not
// templated: predicates read the env dict directly, and plugins receive
// the full environment snapshot in their request.
//
// # Environment writes
//
// env.set actions report the store revision their write moved the
// store to, which the scheduler uses to tell the run's own writes from
// drift. Writing the value a key already holds does not move the
// revision, so re-running a verified env.set stage stays a no-op.
//
// # Usage Example
//
//	cfg, err := parser.ParsePipeline(ctx, "cascade.cue")
//	if err != nil {
//	    return err
//	}
//
//	stages, err := pipeline.Build(cfg, pipeline.Deps{
//	    Local:      local.NewExecutor(logger),
//	    Env:        store,
//	    Predicates: config.NewStarlarkEvaluator(0),
//	})
//	if err != nil {
//	    return err
//	}
//
//	registry := engine.NewRegistry()
//	if err := registry.RegisterAll(stages); err != nil {
//	    return err
//	}
package pipeline
