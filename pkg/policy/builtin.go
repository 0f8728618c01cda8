package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		rollbackOrIrreversiblePolicy(),
		timeoutCapPolicy(),
		checkCoveragePolicy(),
		rankUniquePolicy(),
		forcedOverridePolicy(),
	}
}

// rollbackOrIrreversiblePolicy requires every stage to declare either a
// rollback action or irreversible: true. The registry enforces the same
// invariant; catching it here reports all offending stages at once,
// before anything is registered.
func rollbackOrIrreversiblePolicy() Policy {
	return Policy{
		Name:        "rollback-or-irreversible",
		Description: "Every stage must declare a rollback action or be marked irreversible",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"pipeline", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.rollback

import rego.v1

deny contains violation if {
	some stage in input.stages
	not stage.has_rollback
	not stage.irreversible
	violation := {
		"message": sprintf("stage %s declares neither a rollback action nor irreversible: true", [stage.id]),
		"severity": "error",
		"stage": stage.id,
	}
}`,
	}
}

// timeoutCapPolicy requires every stage to declare a timeout and caps
// it at one hour. Unbounded stages stall runs instead of failing them.
func timeoutCapPolicy() Policy {
	return Policy{
		Name:        "timeout-cap",
		Description: "Every stage must declare a timeout of at most one hour",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"pipeline", "timeouts"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.timeouts

import rego.v1

max_timeout_seconds := 3600

deny contains violation if {
	some stage in input.stages
	not stage.timeout_seconds
	violation := {
		"message": sprintf("stage %s does not declare a timeout", [stage.id]),
		"severity": "error",
		"stage": stage.id,
	}
}

deny contains violation if {
	some stage in input.stages
	stage.timeout_seconds > max_timeout_seconds
	violation := {
		"message": sprintf("stage %s timeout of %v seconds exceeds the %v second cap", [stage.id, stage.timeout_seconds, max_timeout_seconds]),
		"severity": "error",
		"stage": stage.id,
	}
}`,
	}
}

// checkCoveragePolicy requires every stage to declare at least one
// verification check. A stage with no checks is verified by assertion,
// not observation.
func checkCoveragePolicy() Policy {
	return Policy{
		Name:        "check-coverage",
		Description: "Every stage must declare at least one verification check",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"pipeline", "verification"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.checks

import rego.v1

deny contains violation if {
	some stage in input.stages
	count(stage.checks) == 0
	violation := {
		"message": sprintf("stage %s declares no verification checks", [stage.id]),
		"severity": "error",
		"stage": stage.id,
	}
}`,
	}
}

// rankUniquePolicy flags duplicate ranks. Shared ranks make the
// schedule order of independent stages fall back to lexical stage id,
// so they are worth a warning, not a denial.
func rankUniquePolicy() Policy {
	return Policy{
		Name:        "rank-unique",
		Description: "Stages should not share ranks",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"pipeline", "ordering"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.ranks

import rego.v1

deny contains violation if {
	some i, a in input.stages
	some j, b in input.stages
	i < j
	a.rank == b.rank
	violation := {
		"message": sprintf("stages %s and %s share rank %v", [a.id, b.id, a.rank]),
		"severity": "warning",
		"stage": b.id,
	}
}`,
	}
}

// forcedOverridePolicy surfaces force-overridden rollbacks of
// irreversible stages. The engine permits the override; this makes it
// loud.
func forcedOverridePolicy() Policy {
	return Policy{
		Name:        "forced-override",
		Description: "Warns when an irreversible stage is rolled back under force override",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"rollback", "audit"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cascade.policies.overrides

import rego.v1

deny contains violation if {
	input.rollback.force
	input.stage.irreversible
	violation := {
		"message": sprintf("irreversible stage %s is being rolled back under force override", [input.stage.id]),
		"severity": "warning",
		"stage": input.stage.id,
	}
}`,
	}
}
