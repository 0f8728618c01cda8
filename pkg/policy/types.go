package policy

import (
	"time"

	"github.com/piwi3910/cascade/pkg/engine"
)

// Severity classifies a policy finding. Error findings block the
// operation, warnings are surfaced and logged but do not block.
type Severity string

const (
	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block the operation.
	SeverityError Severity = "error"
)

// Policy is a single admission rule with its Rego source.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The gate queries the deny
	// set of the policy's package.
	Rego string `json:"rego"`

	// Severity is the default severity for findings that do not
	// declare their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInput is the document policies evaluate against. Pipeline
// admission sets Stages; rollback evaluation sets Stage and Rollback.
type PolicyInput struct {
	// Stages is the whole pipeline, for admission evaluation.
	Stages []StageInput `json:"stages,omitempty"`

	// Stage is the single stage a rollback request targets.
	Stage *StageInput `json:"stage,omitempty"`

	// Rollback describes the rollback request being evaluated.
	Rollback *RollbackInput `json:"rollback,omitempty"`

	// Context provides evaluation context.
	Context *PolicyContext `json:"context"`
}

// StageInput is the policy-visible projection of an engine stage.
type StageInput struct {
	ID           string   `json:"id"`
	Rank         int      `json:"rank"`
	Description  string   `json:"description,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Irreversible bool     `json:"irreversible,omitempty"`
	HasRollback  bool     `json:"has_rollback"`
	Target       string   `json:"target,omitempty"`
	// TimeoutSeconds is omitted entirely when the stage declares no
	// timeout, so policies can distinguish unset from zero.
	TimeoutSeconds float64      `json:"timeout_seconds,omitempty"`
	Checks         []CheckInput `json:"checks"`
}

// CheckInput is the policy-visible projection of a stage check.
type CheckInput struct {
	Name     string `json:"name"`
	Mutating bool   `json:"mutating,omitempty"`
}

// RollbackInput describes a rollback request under evaluation.
type RollbackInput struct {
	// Force is set when the caller overrides irreversible protection.
	Force bool `json:"force"`

	// User identifies who requested the rollback.
	User string `json:"user,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Operation is the operation being evaluated: "run" or "rollback".
	Operation string `json:"operation"`

	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// DryRun indicates a dry-run evaluation.
	DryRun bool `json:"dry_run,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewStageInput projects an engine stage into its policy-visible form.
func NewStageInput(stage *engine.Stage) StageInput {
	checks := make([]CheckInput, 0, len(stage.Checks))
	for _, check := range stage.Checks {
		checks = append(checks, CheckInput{
			Name:     check.Name(),
			Mutating: check.Mutating(),
		})
	}

	si := StageInput{
		ID:           stage.ID,
		Rank:         stage.Rank,
		Description:  stage.Description,
		DependsOn:    stage.DependsOn,
		Irreversible: stage.Irreversible,
		HasRollback:  stage.Rollback != nil,
		Target:       stage.Target,
		Checks:       checks,
	}
	if stage.Timeout > 0 {
		si.TimeoutSeconds = stage.Timeout.Seconds()
	}
	return si
}
