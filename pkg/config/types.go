// Package config loads and validates deployment descriptors. A descriptor
// is a YAML document naming the template repository, the variables to apply
// and optional per-stage settings. Validation layers a CUE schema check over
// struct tags, and an optional Starlark script computes derived variables.
package config

import (
	"fmt"
	"time"
)

// DeploymentConfiguration is the resolved, immutable input to one
// deployment run.
type DeploymentConfiguration struct {
	// Name labels the deployment.
	Name string `yaml:"name" json:"name" validate:"required,min=1,max=128"`

	// Repository is the registered repository name the template comes from.
	Repository string `yaml:"repository" json:"repository" validate:"required"`

	// Environment is the target environment label, free-form but required
	// by most policies.
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Variables are the raw key-value inputs to the template.
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`

	// VariablesScript is an optional Starlark file, relative to the
	// descriptor, that computes derived variables from the raw ones.
	VariablesScript string `yaml:"variables_script,omitempty" json:"variables_script,omitempty"`

	// Stages carries optional per-stage settings.
	Stages StagesConfig `yaml:"stages,omitempty" json:"stages,omitempty"`

	// SourcePath is the descriptor path the configuration was loaded from.
	SourcePath string `yaml:"-" json:"source_path"`

	// LoadedAt is when the descriptor was resolved.
	LoadedAt time.Time `yaml:"-" json:"loaded_at"`
}

// StagesConfig groups the per-stage sections of a descriptor.
type StagesConfig struct {
	Prepare  PrepareConfig  `yaml:"prepare,omitempty" json:"prepare,omitempty"`
	Validate ValidateConfig `yaml:"validate,omitempty" json:"validate,omitempty"`
	Plan     PlanConfig     `yaml:"plan,omitempty" json:"plan,omitempty"`
	Apply    ApplyConfig    `yaml:"apply,omitempty" json:"apply,omitempty"`
	Verify   VerifyConfig   `yaml:"verify,omitempty" json:"verify,omitempty"`
}

// PrepareConfig tunes the Prepare stage.
type PrepareConfig struct {
	// SkipStructuralChecks suppresses template layout warnings.
	SkipStructuralChecks bool `yaml:"skip_structural_checks,omitempty" json:"skip_structural_checks,omitempty"`
}

// ValidateConfig tunes the Validate stage.
type ValidateConfig struct {
	// Strict promotes validation warnings to errors.
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty"`
}

// PlanConfig tunes the Plan stage.
type PlanConfig struct {
	// ExtraArgs are passed to the provisioning tool verbatim.
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// ApplyConfig tunes the Apply stage.
type ApplyConfig struct {
	// ExtraArgs are passed to the provisioning tool verbatim.
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// Parallelism caps the provisioning tool's concurrency, 0 means the
	// tool's default.
	Parallelism int `yaml:"parallelism,omitempty" json:"parallelism,omitempty" validate:"min=0,max=64"`
}

// VerifyConfig tunes the Verify stage.
type VerifyConfig struct {
	// Skip disables verification entirely.
	Skip bool `yaml:"skip,omitempty" json:"skip,omitempty"`
}

// Template is the template.yaml marker document at a repository root. It
// declares the variables a template expects.
type Template struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// RequiredVariables must all be present in the resolved variables.
	RequiredVariables []string `yaml:"required_variables,omitempty"`

	// OptionalVariables are recognized but not required.
	OptionalVariables []string `yaml:"optional_variables,omitempty"`
}

// ValidationError is one finding from descriptor or template validation.
type ValidationError struct {
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}
