package config

import (
	"fmt"
	"time"
)

// PipelineConfig is the decoded form of a pipeline definition file.
// It mirrors the embedded #Pipeline CUE schema; the parser guarantees
// a returned PipelineConfig has passed both schema and struct validation.
type PipelineConfig struct {
	// Name identifies the pipeline.
	Name string `json:"name" validate:"required"`

	// Description explains what the pipeline deploys.
	Description string `json:"description,omitempty"`

	// Target is the remote host commands run against. When absent,
	// command actions and checks execute locally.
	Target *TargetConfig `json:"target,omitempty"`

	// Stages lists the stage definitions in file order. Execution
	// order is derived from depends_on and rank, not file order.
	Stages []StageConfig `json:"stages" validate:"required,min=1,dive"`
}

// Stage returns the stage with the given ID, or nil.
func (p *PipelineConfig) Stage(id string) *StageConfig {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// TargetConfig identifies the SSH target of a pipeline.
type TargetConfig struct {
	// Host is the address to connect to.
	Host string `json:"host" validate:"required"`

	// Port is the SSH port. The schema defaults it to 22.
	Port int `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// User is the login user.
	User string `json:"user" validate:"required"`

	// KeyFile is the path to a private key.
	KeyFile string `json:"key_file,omitempty"`

	// UseAgent authenticates via the local SSH agent.
	UseAgent bool `json:"use_agent,omitempty"`

	// KnownHostsFile overrides the default known_hosts location.
	KnownHostsFile string `json:"known_hosts_file,omitempty"`
}

// StageConfig is one stage of a pipeline definition.
type StageConfig struct {
	// ID uniquely identifies the stage within the pipeline.
	ID string `json:"id" validate:"required"`

	// Rank establishes the default numeric sequence among stages
	// with no dependency path between them.
	Rank int `json:"rank" validate:"min=0"`

	// Description states what the stage does and why.
	Description string `json:"description" validate:"required"`

	// DependsOn lists stage IDs that must be verified first.
	DependsOn []string `json:"depends_on,omitempty" validate:"omitempty,dive,required"`

	// Irreversible marks a stage that cannot be rolled back.
	Irreversible bool `json:"irreversible,omitempty"`

	// Timeout bounds the stage action, in time.ParseDuration syntax
	// ("30s", "5m"). Empty means the engine default applies.
	Timeout string `json:"timeout,omitempty"`

	// Action mutates the target environment.
	Action ActionConfig `json:"action" validate:"required"`

	// Rollback undoes the action. Required unless Irreversible.
	Rollback *ActionConfig `json:"rollback,omitempty"`

	// Checks are the post-condition predicates verifying the action.
	Checks []CheckConfig `json:"checks,omitempty" validate:"omitempty,dive"`
}

// TimeoutDuration parses the stage timeout. A zero duration means no
// stage-level timeout was declared.
func (s *StageConfig) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q for stage %s: %w", s.Timeout, s.ID, err)
	}
	return d, nil
}

// ActionConfig describes a stage action or rollback step.
type ActionConfig struct {
	// Kind selects the action implementation.
	Kind string `json:"kind" validate:"required,oneof=command file.push env.set noop"`

	// Params are kind-specific settings, validated when the pipeline
	// is built into executable stages.
	Params map[string]interface{} `json:"params,omitempty"`
}

// CheckConfig describes one verification check of a stage.
type CheckConfig struct {
	// Name identifies the check within the stage.
	Name string `json:"name" validate:"required"`

	// Kind selects the check implementation.
	Kind string `json:"kind" validate:"required,oneof=expr command plugin env"`

	// Params are kind-specific settings.
	Params map[string]interface{} `json:"params,omitempty"`

	// Mutating declares that the check writes observable state.
	// The engine rejects such checks at registration.
	Mutating bool `json:"mutating,omitempty"`
}

// ValidationError is a single problem found while parsing or
// validating a pipeline definition, with source position when known.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	if v.File != "" && v.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, v.Message)
	}
	if v.Path != "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return v.Message
}
