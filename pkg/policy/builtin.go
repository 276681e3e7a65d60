package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		productionSafeguardPolicy(),
		ownershipLabelPolicy(),
		variableHygienePolicy(),
	}
}

// productionSafeguardPolicy blocks mutating production runs that were not
// explicitly approved. Dry runs are always allowed.
func productionSafeguardPolicy() Policy {
	return Policy{
		Name:        "production-safeguard",
		Description: "Blocks mutating production deployments without explicit approval",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"production", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package deployforge.policies.production

import rego.v1

deny contains violation if {
	input.variables.environment == "production"
	not input.plan.dry_run
	input.variables.change_approved != "true"

	violation := {
		"message": sprintf("Deployment %s targets production without change_approved=true", [input.plan.deployment_id]),
		"severity": "critical",
	}
}`,
	}
}

// ownershipLabelPolicy warns when no owner is recorded for the deployment.
func ownershipLabelPolicy() Policy {
	return Policy{
		Name:        "ownership-label",
		Description: "Warns when a deployment has no owner variable",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"metadata", "ownership"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package deployforge.policies.ownership

import rego.v1

deny contains violation if {
	not input.variables.owner

	violation := {
		"message": sprintf("Deployment %s has no owner variable", [input.plan.deployment_id]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.variables.owner == ""

	violation := {
		"message": sprintf("Deployment %s has an empty owner variable", [input.plan.deployment_id]),
		"severity": "warning",
	}
}`,
	}
}

// variableHygienePolicy rejects empty variable values. Templates treat an
// empty value and an absent variable differently, which is never intended.
func variableHygienePolicy() Policy {
	return Policy{
		Name:        "variable-hygiene",
		Description: "Rejects variables with empty values",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"variables", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package deployforge.policies.variables

import rego.v1

deny contains violation if {
	some name, value in input.variables
	value == ""
	name != "owner"

	violation := {
		"message": sprintf("Variable %s has an empty value", [name]),
		"severity": "error",
	}
}`,
	}
}
