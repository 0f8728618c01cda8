package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for pipeline validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry builds a registry on a shared cue.Context so that
// schema values can be unified with values compiled elsewhere on the
// same context. Unifying values from different contexts is not allowed.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// registerBuiltInSchemas compiles the pipeline schema definitions once
// and registers each definition under its own name. The definitions
// reference each other, so they must live in a single compile unit.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	val := sr.ctx.CompileString(builtinPipelineSchemas)
	if err := val.Err(); err != nil {
		panic(fmt.Sprintf("built-in pipeline schemas do not compile: %v", err))
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range map[string]string{
		"pipeline": "#Pipeline",
		"stage":    "#Stage",
		"action":   "#Action",
		"check":    "#Check",
		"target":   "#Target",
	} {
		sr.schemas[name] = val.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema registers a CUE schema with the given name. The schema
// source must be self-contained.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateStage validates a stage definition against the stage schema.
func (sr *SchemaRegistry) ValidateStage(ctx context.Context, stage StageConfig) error {
	return sr.ValidateAgainstSchema(ctx, "stage", stage)
}

// ValidateAction validates an action definition against the action schema.
func (sr *SchemaRegistry) ValidateAction(ctx context.Context, action ActionConfig) error {
	return sr.ValidateAgainstSchema(ctx, "action", action)
}

// ValidateCheck validates a check definition against the check schema.
func (sr *SchemaRegistry) ValidateCheck(ctx context.Context, check CheckConfig) error {
	return sr.ValidateAgainstSchema(ctx, "check", check)
}

// ValidateTarget validates a target definition against the target schema.
func (sr *SchemaRegistry) ValidateTarget(ctx context.Context, target TargetConfig) error {
	return sr.ValidateAgainstSchema(ctx, "target", target)
}

// Built-in schema definitions. Everything a pipeline file may declare
// is described here; definitions are closed, so unknown fields are
// rejected rather than silently ignored.

const builtinPipelineSchemas = `
// Pipeline schema for staged-deployment definitions
#Pipeline: {
	// Name identifies the pipeline
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

	// Description explains what the pipeline deploys
	description?: string

	// Target is the SSH host commands run against
	target?: #Target

	// Stages lists at least one stage definition
	stages: [#Stage, ...#Stage]
}

// Stage schema for a single pipeline stage
#Stage: {
	// ID uniquely identifies the stage
	id: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_-]*$"

	// Rank orders stages with no dependency path between them
	rank: int & >=0

	// Description states what the stage does and why
	description: string & !=""

	// DependsOn lists stage IDs that must be verified first
	depends_on?: [...string]

	// Irreversible marks a stage that cannot be rolled back
	irreversible?: bool

	// Timeout bounds the action in Go duration syntax ("30s", "5m")
	timeout?: string & !=""

	// Action mutates the target environment
	action: #Action

	// Rollback undoes the action
	rollback?: #Action

	// Checks verify the action took effect
	checks?: [...#Check]
}

// Action schema for stage actions and rollback steps
#Action: {
	// Kind selects the action implementation
	kind: "command" | "file.push" | "env.set" | "noop"

	// Params are kind-specific settings
	params?: {...}
}

// Check schema for stage verification checks
#Check: {
	// Name identifies the check within the stage
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_-]*$"

	// Kind selects the check implementation
	kind: "expr" | "command" | "plugin" | "env"

	// Params are kind-specific settings
	params?: {...}

	// Mutating declares that the check writes observable state
	mutating?: bool
}

// Target schema for the SSH target of a pipeline
#Target: {
	// Host is the address to connect to
	host: string & !=""

	// Port is the SSH port
	port: int & >0 & <65536 | *22

	// User is the login user
	user: string & !=""

	// KeyFile is the path to a private key
	key_file?: string

	// UseAgent authenticates via the local SSH agent
	use_agent?: bool

	// KnownHostsFile overrides the default known_hosts location
	known_hosts_file?: string
}
`
