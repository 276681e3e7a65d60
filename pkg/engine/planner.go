package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PlanRequest carries everything the planner needs to build a plan.
type PlanRequest struct {
	// DeploymentID identifies the run the plan is built for.
	DeploymentID string

	// ConfigurationPath is the deployment descriptor path.
	ConfigurationPath string

	// Repository is the registered repository name the descriptor names.
	Repository string

	// Variables are the resolved configuration variables, used as policy
	// input.
	Variables map[string]string

	// Options are the caller's run modifiers.
	Options RunOptions
}

// Planner builds validated deployment plans. Validation failures reject the
// plan as a whole; a partially valid plan is never returned.
type Planner struct {
	resolver RepositoryResolver
	checker  PolicyChecker
	logger   zerolog.Logger
}

// NewPlanner creates a planner. checker may be nil when policy evaluation is
// disabled entirely.
func NewPlanner(resolver RepositoryResolver, checker PolicyChecker, logger zerolog.Logger) *Planner {
	return &Planner{
		resolver: resolver,
		checker:  checker,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// BuildPlan validates the request and produces an immutable plan.
// Any validation failure returns a PlanValidationError and no plan.
func (p *Planner) BuildPlan(ctx context.Context, req PlanRequest) (*Plan, []string, error) {
	opts := req.Options

	if opts.MaxRetries < 0 || opts.MaxRetries > MaxRetryBudget {
		return nil, nil, NewPlanValidationError(
			fmt.Sprintf("max retries must be between 0 and %d, got %d", MaxRetryBudget, opts.MaxRetries),
			nil,
		).WithCode(ErrCodeRetriesOutOfRange)
	}

	timeout := opts.StageTimeout
	if timeout == 0 {
		timeout = DefaultStageTimeout
	}
	if timeout < 0 || timeout > MaxStageTimeout {
		return nil, nil, NewPlanValidationError(
			fmt.Sprintf("stage timeout must be positive and at most %s, got %s", MaxStageTimeout, opts.StageTimeout),
			nil,
		).WithCode(ErrCodeTimeoutOutOfRange)
	}

	if opts.Stage != "" {
		if err := opts.Stage.Validate(); err != nil {
			return nil, nil, NewPlanValidationError("requested stage is not part of the pipeline", err).
				WithCode(ErrCodeUnknownStage)
		}
	}

	repoPath, err := p.resolver.Resolve(ctx, req.Repository)
	if err != nil {
		return nil, nil, NewPlanValidationError("repository reference cannot be resolved", err).
			WithRepository(req.Repository).
			WithCode(ErrCodeRepoNotSynced)
	}

	plan := &Plan{
		DeploymentID:      req.DeploymentID,
		ConfigurationPath: req.ConfigurationPath,
		Repository:        req.Repository,
		RepositoryPath:    repoPath,
		Stages:            defaultStages(opts.MaxRetries, timeout),
		DryRun:            opts.DryRun,
		CreatedAt:         time.Now().UTC(),
	}

	warnings, err := p.runPreChecks(ctx, plan, req.Variables, opts.SkipPreChecks)
	if err != nil {
		return nil, nil, err
	}

	p.logger.Info().
		Str("deployment_id", plan.DeploymentID).
		Str("repository", plan.Repository).
		Bool("dry_run", plan.DryRun).
		Int("stages", len(plan.Stages)).
		Int("policy_warnings", len(warnings)).
		Msg("Plan built")

	return plan, warnings, nil
}

// runPreChecks evaluates policies against the plan unless skipped.
// Denials fail the whole plan; warnings are returned for the caller to fold
// into the run.
func (p *Planner) runPreChecks(ctx context.Context, plan *Plan, variables map[string]string, skip bool) ([]string, error) {
	if skip || p.checker == nil {
		return nil, nil
	}

	denials, warnings, err := p.checker.CheckPlan(ctx, plan, variables)
	if err != nil {
		return nil, NewPlanValidationError("policy evaluation failed", err).WithCode(ErrCodePolicyDenied)
	}
	if len(denials) > 0 {
		return nil, NewPlanValidationError(
			fmt.Sprintf("plan denied by policy: %v", denials), nil,
		).WithCode(ErrCodePolicyDenied)
	}
	for _, w := range warnings {
		p.logger.Warn().Str("deployment_id", plan.DeploymentID).Msg(w)
	}
	return warnings, nil
}

// defaultStages returns the fixed pipeline with monotonic ordering.
// Verify never checkpoints; it is also the only stage whose failure does not
// fail the run.
func defaultStages(maxRetries int, timeout time.Duration) map[StageName]StageDefinition {
	return map[StageName]StageDefinition{
		StagePrepare:  {Order: 10, Required: true, CreateCheckpoint: false, MaxRetries: maxRetries, Timeout: timeout},
		StageValidate: {Order: 20, Required: true, CreateCheckpoint: true, MaxRetries: maxRetries, Timeout: timeout},
		StagePlan:     {Order: 30, Required: true, CreateCheckpoint: true, MaxRetries: maxRetries, Timeout: timeout},
		StageApply:    {Order: 40, Required: true, CreateCheckpoint: true, MaxRetries: maxRetries, Timeout: timeout},
		StageVerify:   {Order: 50, Required: false, CreateCheckpoint: false, MaxRetries: maxRetries, Timeout: timeout},
	}
}

// ValidatePlan checks structural invariants of an already built plan.
// Used before resuming from a checkpoint whose plan may predate a version
// change.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return NewPlanValidationError("plan is nil", nil)
	}
	if plan.DeploymentID == "" {
		return NewPlanValidationError("plan has no deployment ID", nil).WithCode(ErrCodeValidation)
	}
	if len(plan.Stages) == 0 {
		return NewPlanValidationError("plan has no stages", nil).WithCode(ErrCodeValidation)
	}

	seen := make(map[int]StageName, len(plan.Stages))
	for name, def := range plan.Stages {
		if err := name.Validate(); err != nil {
			return NewPlanValidationError("plan contains unknown stage", err).WithCode(ErrCodeUnknownStage)
		}
		if prev, dup := seen[def.Order]; dup {
			return NewPlanValidationError(
				fmt.Sprintf("stages %s and %s share order %d", prev, name, def.Order), nil,
			).WithCode(ErrCodeValidation)
		}
		seen[def.Order] = name
		if def.MaxRetries < 0 || def.MaxRetries > MaxRetryBudget {
			return NewPlanValidationError(
				fmt.Sprintf("stage %s retry budget out of range: %d", name, def.MaxRetries), nil,
			).WithCode(ErrCodeRetriesOutOfRange)
		}
		if def.Timeout <= 0 || def.Timeout > MaxStageTimeout {
			return NewPlanValidationError(
				fmt.Sprintf("stage %s timeout out of range: %s", name, def.Timeout), nil,
			).WithCode(ErrCodeTimeoutOutOfRange)
		}
	}
	return nil
}
