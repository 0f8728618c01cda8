package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/piwi3910/cascade/pkg/engine"
)

// CUEParser parses and validates pipeline definition files.
//
// Validation runs in three layers: the CUE schema rejects structural
// problems with source positions, struct validation enforces the field
// constraints the decoded types declare, and a semantic pass applies
// the cross-stage rules neither of the first two can express.
type CUEParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a new CUE parser with built-in pipeline schemas.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// ParsePipeline reads and parses a pipeline definition file.
func (cp *CUEParser) ParsePipeline(ctx context.Context, path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read pipeline definition %s", path), err)
	}
	return cp.ParsePipelineBytes(ctx, data, path)
}

// ParseInline parses a pipeline definition from an inline CUE string.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*PipelineConfig, error) {
	return cp.ParsePipelineBytes(ctx, []byte(content), "inline.cue")
}

// ParsePipelineBytes parses a pipeline definition from raw CUE source.
// The filename is used for error positions only.
func (cp *CUEParser) ParsePipelineBytes(ctx context.Context, data []byte, filename string) (*PipelineConfig, error) {
	val := cp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.configError("pipeline definition has errors", err, filename)
	}

	pipelineVal := val.LookupPath(cue.ParsePath("pipeline"))
	if !pipelineVal.Exists() {
		return nil, engine.NewConfigError("pipeline definition must declare a top-level pipeline field", nil).
			WithDetail("file", filename)
	}

	schema, ok := cp.schemas.GetSchema("pipeline")
	if !ok {
		return nil, engine.NewInternalError("pipeline schema not registered", nil)
	}

	unified := schema.Unify(pipelineVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.configError("pipeline definition does not match schema", err, filename)
	}

	var cfg PipelineConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, cp.configError("failed to decode pipeline definition", err, filename)
	}

	if err := cp.validator.Struct(&cfg); err != nil {
		return nil, problemsError("pipeline definition failed validation", filename, structProblems(err))
	}

	if problems := validateSemantics(&cfg); len(problems) > 0 {
		return nil, problemsError("pipeline definition is inconsistent", filename, problems)
	}

	return &cfg, nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemas
}

// validateSemantics applies the consistency rules the schema cannot
// express: unique stage IDs, resolvable dependencies, parseable
// timeouts, and unique check names within a stage. Cycle detection is
// left to the engine registry, which builds the dependency graph anyway.
func validateSemantics(cfg *PipelineConfig) []ValidationError {
	var problems []ValidationError

	known := make(map[string]bool, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		if known[stage.ID] {
			problems = append(problems, ValidationError{
				Path:     "stages." + stage.ID,
				Message:  fmt.Sprintf("duplicate stage ID %q", stage.ID),
				Severity: "error",
			})
		}
		known[stage.ID] = true
	}

	for _, stage := range cfg.Stages {
		for _, dep := range stage.DependsOn {
			switch {
			case dep == stage.ID:
				problems = append(problems, ValidationError{
					Path:     "stages." + stage.ID + ".depends_on",
					Message:  fmt.Sprintf("stage %q depends on itself", stage.ID),
					Severity: "error",
				})
			case !known[dep]:
				problems = append(problems, ValidationError{
					Path:     "stages." + stage.ID + ".depends_on",
					Message:  fmt.Sprintf("stage %q depends on unknown stage %q", stage.ID, dep),
					Severity: "error",
				})
			}
		}

		if _, err := stage.TimeoutDuration(); err != nil {
			problems = append(problems, ValidationError{
				Path:     "stages." + stage.ID + ".timeout",
				Message:  err.Error(),
				Severity: "error",
			})
		}

		checkNames := make(map[string]bool, len(stage.Checks))
		for _, check := range stage.Checks {
			if checkNames[check.Name] {
				problems = append(problems, ValidationError{
					Path:     "stages." + stage.ID + ".checks",
					Message:  fmt.Sprintf("duplicate check name %q in stage %q", check.Name, stage.ID),
					Severity: "error",
				})
			}
			checkNames[check.Name] = true
		}
	}

	return problems
}

// convertCUEErrors converts CUE errors to a ValidationError slice with
// source positions.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var problems []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		problems = append(problems, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return problems
}

// structProblems converts validator field errors into problems keyed
// by their path within the pipeline definition.
func structProblems(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	problems := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		problems = append(problems, ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("does not satisfy %s", constraint),
			Severity: "error",
		})
	}
	return problems
}

// configError wraps CUE errors as a config-class engine error with the
// per-position problems attached.
func (cp *CUEParser) configError(message string, err error, filename string) error {
	e := engine.NewConfigError(message, err).WithDetail("file", filename)
	if problems := cp.convertCUEErrors(err); len(problems) > 0 {
		e = e.WithDetail("problems", problems)
	}
	return e
}

// problemsError builds a config-class engine error from collected
// problems, folding their messages into the error string.
func problemsError(message, filename string, problems []ValidationError) error {
	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		msgs = append(msgs, p.Message)
	}
	return engine.NewConfigError(fmt.Sprintf("%s: %s", message, strings.Join(msgs, "; ")), nil).
		WithDetail("file", filename).
		WithDetail("problems", problems)
}

// Problems extracts the structured validation problems attached to a
// parse error. It returns nil when the error carries none, so callers
// can fall back to the flat error string.
func Problems(err error) []ValidationError {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return nil
	}
	problems, _ := ee.Details["problems"].([]ValidationError)
	return problems
}
