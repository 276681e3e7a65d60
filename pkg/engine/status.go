package engine

import (
	"encoding/json"
	"fmt"
)

// DeploymentStatus represents the overall status of a deployment run.
type DeploymentStatus string

const (
	// StatusInitializing indicates the run is created but no stage has started.
	StatusInitializing DeploymentStatus = "initializing"

	// StatusRunning indicates at least one stage is executing or pending.
	StatusRunning DeploymentStatus = "running"

	// StatusCompleted indicates all planned stages succeeded.
	StatusCompleted DeploymentStatus = "completed"

	// StatusCompletedWithWarnings indicates all stages succeeded but warnings
	// were recorded, typically a verification discrepancy.
	StatusCompletedWithWarnings DeploymentStatus = "completed_with_warnings"

	// StatusPartiallyCompleted indicates a subset of stages ran, either a
	// targeted single-stage run or a force-continued run that recorded errors.
	StatusPartiallyCompleted DeploymentStatus = "partially_completed"

	// StatusDryRunCompleted indicates a dry run finished without mutating
	// target systems.
	StatusDryRunCompleted DeploymentStatus = "dry_run_completed"

	// StatusFailed indicates the run aborted on a stage failure or was
	// cancelled.
	StatusFailed DeploymentStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusPartiallyCompleted,
		StatusDryRunCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive returns true if the run is currently active.
func (s DeploymentStatus) IsActive() bool {
	return s == StatusInitializing || s == StatusRunning
}

// Succeeded returns true if the terminal status counts as success.
func (s DeploymentStatus) Succeeded() bool {
	return s == StatusCompleted || s == StatusCompletedWithWarnings ||
		s == StatusDryRunCompleted
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case StatusInitializing, StatusRunning, StatusCompleted,
		StatusCompletedWithWarnings, StatusPartiallyCompleted,
		StatusDryRunCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentStatus(str)
	return s.Validate()
}

// StageName identifies one of the fixed pipeline stages.
type StageName string

const (
	// StagePrepare resolves the repository cache and materializes the
	// working directory for the run.
	StagePrepare StageName = "Prepare"

	// StageValidate checks the resolved configuration against the template.
	StageValidate StageName = "Validate"

	// StagePlan produces the execution plan via the provisioning tool.
	StagePlan StageName = "Plan"

	// StageApply executes the plan against target systems.
	StageApply StageName = "Apply"

	// StageVerify compares deployed state with the plan.
	StageVerify StageName = "Verify"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []StageName{StagePrepare, StageValidate, StagePlan, StageApply, StageVerify}

// Validate checks if the stage name is one of the fixed pipeline stages.
func (n StageName) Validate() error {
	switch n {
	case StagePrepare, StageValidate, StagePlan, StageApply, StageVerify:
		return nil
	default:
		return fmt.Errorf("unknown stage: %s", n)
	}
}

// Mutates returns true if the stage changes target systems.
// Only Apply mutates; every other stage is read-only.
func (n StageName) Mutates() bool {
	return n == StageApply
}

// ParseStageName validates and converts a raw stage name. Matching is
// case-insensitive on the first letter so CLI users can pass "apply".
func ParseStageName(raw string) (StageName, error) {
	for _, n := range StageOrder {
		if string(n) == raw || lowerFirst(string(n)) == raw {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown stage: %s", raw)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}
