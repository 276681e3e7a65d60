package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ProvisionRequest is the input handed to the provisioning tool for the
// Plan, Apply and Verify stages.
type ProvisionRequest struct {
	DeploymentID string            `json:"deployment_id"`
	WorkDir      string            `json:"work_dir"`
	Variables    map[string]string `json:"variables,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// ProvisionResult is the provisioning tool's answer for one operation.
type ProvisionResult struct {
	Outputs  map[string]string `json:"outputs,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Summary  string            `json:"summary,omitempty"`

	// Mismatches is set by Verify when deployed state diverges from the
	// plan. Non-empty mismatches make the stage a verification failure.
	Mismatches []string `json:"mismatches,omitempty"`
}

// Provisioner drives the external provisioning tool.
type Provisioner interface {
	Plan(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
	Apply(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
	Verify(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
}

// TemplateValidator checks a materialized template against the resolved
// configuration. Implemented by the configuration resolver.
type TemplateValidator interface {
	ValidateTemplate(ctx context.Context, workDir string, variables map[string]string) (warnings []string, err error)
}

// StageSettings carries descriptor-level stage tuning into the builtin
// operations.
type StageSettings struct {
	// SkipStructuralChecks suppresses template layout warnings during
	// Prepare.
	SkipStructuralChecks bool

	// StrictValidation promotes template validation warnings to errors.
	StrictValidation bool

	// SkipVerify disables the Verify stage; it reports as skipped.
	SkipVerify bool
}

// DefaultStageOperations wires the builtin pipeline against the given
// collaborators.
func DefaultStageOperations(resolver RepositoryResolver, validator TemplateValidator, prov Provisioner, settings StageSettings, logger zerolog.Logger) []StageOperation {
	return []StageOperation{
		&prepareOperation{resolver: resolver, skipStructural: settings.SkipStructuralChecks, logger: logger},
		&validateOperation{validator: validator, strict: settings.StrictValidation},
		&planOperation{prov: prov},
		&applyOperation{prov: prov},
		&verifyOperation{prov: prov, skip: settings.SkipVerify},
	}
}

// prepareOperation refreshes the repository cache for the run. When a fetch
// fails but a mirror already exists, the run proceeds on the stale copy with
// a warning; only a missing mirror makes the failure fatal.
type prepareOperation struct {
	resolver       RepositoryResolver
	skipStructural bool
	logger         zerolog.Logger
}

func (p *prepareOperation) Name() StageName { return StagePrepare }

func (p *prepareOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	path, structural, err := p.resolver.Sync(ctx, rc.Plan.Repository)
	if err != nil {
		if IsCloneFailedError(err) || IsRepositoryAccessError(err) {
			if stale, rerr := p.resolver.Resolve(ctx, rc.Plan.Repository); rerr == nil {
				warning := fmt.Sprintf("repository %s could not be refreshed, using cached copy: %v",
					rc.Plan.Repository, err)
				p.logger.Warn().Str("repository", rc.Plan.Repository).Err(err).
					Msg("Sync failed, proceeding on stale mirror")
				rc.WorkDir = stale
				return map[string]string{"repository_path": stale}, []string{warning}, nil
			}
		}
		return nil, nil, wrapStageErr(StagePrepare, "repository sync failed", err)
	}

	warnings := structural
	if p.skipStructural {
		warnings = nil
	}
	rc.WorkDir = path

	return map[string]string{"repository_path": path}, warnings, nil
}

// validateOperation checks the resolved configuration against the template.
// In strict mode warnings fail the stage.
type validateOperation struct {
	validator TemplateValidator
	strict    bool
}

func (v *validateOperation) Name() StageName { return StageValidate }

func (v *validateOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	warnings, err := v.validator.ValidateTemplate(ctx, rc.WorkDir, rc.Variables)
	if err != nil {
		return nil, warnings, wrapStageErr(StageValidate, "template validation failed", err)
	}
	if v.strict && len(warnings) > 0 {
		return nil, warnings, NewStageExecutionError(
			fmt.Sprintf("strict validation rejected warnings: %v", warnings), nil,
		).WithStage(string(StageValidate))
	}
	return map[string]string{"validated": "true"}, warnings, nil
}

// planOperation produces the execution plan via the provisioning tool.
type planOperation struct {
	prov Provisioner
}

func (p *planOperation) Name() StageName { return StagePlan }

func (p *planOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	res, err := p.prov.Plan(ctx, provisionRequest(rc))
	if err != nil {
		return nil, nil, wrapStageErr(StagePlan, "provisioner plan failed", err)
	}
	return res.Outputs, res.Warnings, nil
}

// applyOperation executes the plan against target systems. The executor
// short-circuits this operation on dry runs, so reaching Run always mutates.
type applyOperation struct {
	prov Provisioner
}

func (a *applyOperation) Name() StageName { return StageApply }

func (a *applyOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	res, err := a.prov.Apply(ctx, provisionRequest(rc))
	if err != nil {
		return nil, nil, wrapStageErr(StageApply, "provisioner apply failed", err)
	}
	return res.Outputs, res.Warnings, nil
}

// verifyOperation compares deployed state with the plan. Mismatches surface
// as a verification failure, which the orchestrator degrades to a warning.
type verifyOperation struct {
	prov Provisioner
	skip bool
}

func (v *verifyOperation) Name() StageName { return StageVerify }

func (v *verifyOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	if v.skip {
		return nil, nil, ErrStageSkipped
	}
	res, err := v.prov.Verify(ctx, provisionRequest(rc))
	if err != nil {
		return nil, nil, wrapStageErr(StageVerify, "provisioner verify failed", err)
	}
	if len(res.Mismatches) > 0 {
		return res.Outputs, res.Warnings, NewVerificationError(
			fmt.Sprintf("deployed state diverges from plan: %v", res.Mismatches), nil,
		).WithStage(string(StageVerify))
	}
	return res.Outputs, res.Warnings, nil
}

func provisionRequest(rc *RunContext) ProvisionRequest {
	return ProvisionRequest{
		DeploymentID: rc.Plan.DeploymentID,
		WorkDir:      rc.WorkDir,
		Variables:    rc.Variables,
		DryRun:       rc.Plan.DryRun,
	}
}

// wrapStageErr keeps an existing classification, otherwise wraps as a stage
// execution error.
func wrapStageErr(stage StageName, message string, err error) error {
	if ClassOf(err) != "" {
		return err
	}
	return NewStageExecutionError(message, err).WithStage(string(stage))
}
