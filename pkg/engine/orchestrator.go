package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/telemetry"
)

// StartRequest describes one deployment run to the orchestrator.
type StartRequest struct {
	// ConfigurationPath is the deployment descriptor path.
	ConfigurationPath string

	// Repository is the registered repository name to deploy from.
	Repository string

	// Variables are the resolved configuration variables.
	Variables map[string]string

	// Options are the caller's run modifiers.
	Options RunOptions
}

// Orchestrator drives a deployment run through the fixed stage pipeline,
// persisting state after every transition and checkpoints after flagged
// stages. A single orchestrator can serve concurrent runs; each run owns its
// own state document keyed by deployment ID.
type Orchestrator struct {
	planner  *Planner
	executor *Executor
	store    StateStore
	history  HistoryRecorder
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// NewOrchestrator creates an orchestrator. history, metrics and tracer may
// be nil; recording then degrades to logging only.
func NewOrchestrator(
	planner *Planner,
	executor *Executor,
	store StateStore,
	history HistoryRecorder,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		planner:  planner,
		executor: executor,
		store:    store,
		history:  history,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes one deployment to a terminal status. Configuration and plan
// validation errors abort before any stage executes and are returned as the
// error; once execution starts, failures surface through the result instead.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest) (*DeploymentResult, error) {
	state, plan, warnings, err := o.initialize(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.tracer != nil {
		spanCtx, deploySpan := o.tracer.StartDeploymentSpan(ctx, state.ID)
		defer deploySpan.End()
		ctx = spanCtx
	}

	logger := o.logger.With().Str("deployment_id", state.ID).Logger()
	logger.Info().
		Str("repository", plan.Repository).
		Bool("dry_run", req.Options.DryRun).
		Bool("force", req.Options.Force).
		Msg("Deployment started")

	if o.metrics != nil {
		o.metrics.DeploymentStarted()
	}

	state.Status = StatusRunning
	state.Warnings = append(state.Warnings, warnings...)
	if err := o.store.Save(ctx, state); err != nil {
		return nil, NewConfigurationError("cannot persist deployment state", err)
	}
	o.recordStart(ctx, state)

	rc := &RunContext{
		Plan:      plan,
		State:     state,
		WorkDir:   plan.RepositoryPath,
		Variables: req.Variables,
	}

	results, aborted, cancelled := o.executeStages(ctx, rc, req.Options, logger)

	result := o.finalize(ctx, state, plan, req.Options, results, aborted, cancelled, logger)
	return result, nil
}

// initialize prepares state and plan for a fresh run or a checkpoint resume.
func (o *Orchestrator) initialize(ctx context.Context, req StartRequest) (*DeploymentState, *Plan, []string, error) {
	opts := req.Options

	var state *DeploymentState
	if opts.Checkpoint != "" {
		if opts.DeploymentID == "" {
			return nil, nil, nil, NewPlanValidationError(
				"resuming from a checkpoint requires a deployment ID", nil,
			).WithCode(ErrCodeValidation)
		}
		cp, err := o.store.LoadCheckpoint(ctx, opts.DeploymentID, opts.Checkpoint)
		if err != nil {
			return nil, nil, nil, NewPlanValidationError(
				fmt.Sprintf("checkpoint %s not found for deployment %s", opts.Checkpoint, opts.DeploymentID), err,
			).WithCode(ErrCodeNotFound)
		}
		state = cp.State.Clone()
		state.Status = StatusInitializing
		state.EndTime = nil
		state.CurrentStage = ""
	} else {
		state = &DeploymentState{
			ID:                uuid.New().String(),
			StartTime:         time.Now().UTC(),
			ConfigurationPath: req.ConfigurationPath,
			Repository:        req.Repository,
			Status:            StatusInitializing,
			CompletedStages:   []string{},
		}
	}

	plan, warnings, err := o.planner.BuildPlan(ctx, PlanRequest{
		DeploymentID:      state.ID,
		ConfigurationPath: req.ConfigurationPath,
		Repository:        req.Repository,
		Variables:         req.Variables,
		Options:           opts,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	// A targeted Verify needs the products of a completed Apply; without
	// them there is nothing to verify against.
	if opts.Stage == StageVerify && !state.HasCompleted(StageApply) {
		return nil, nil, nil, NewPlanValidationError(
			"verify requires a completed apply stage; resume from a checkpoint that includes apply", nil,
		).WithCode(ErrCodeValidation)
	}

	return state, plan, warnings, nil
}

// executeStages walks the plan sequence. It returns the per-stage results,
// whether the run aborted on a fatal stage failure, and whether it was
// cancelled. Cancellation is only observed between stages; a running stage
// always finishes its current attempt.
func (o *Orchestrator) executeStages(ctx context.Context, rc *RunContext, opts RunOptions, logger zerolog.Logger) (results []StageResult, aborted, cancelled bool) {
	state := rc.State
	plan := rc.Plan

	for _, stage := range plan.Sequence() {
		if err := ctx.Err(); err != nil {
			logger.Warn().Str("stage", string(stage)).Msg("Deployment cancelled before stage")
			state.Errors = append(state.Errors, fmt.Sprintf("%s: cancelled before stage started", stage))
			return results, false, true
		}

		if opts.Stage != "" && stage != opts.Stage {
			continue
		}
		if state.HasCompleted(stage) {
			logger.Debug().Str("stage", string(stage)).Msg("Stage already completed, skipping")
			results = append(results, StageResult{StageName: stage, Success: true, Skipped: true})
			continue
		}

		state.CurrentStage = string(stage)
		if err := o.store.Save(ctx, state); err != nil {
			logger.Error().Err(err).Msg("Failed to persist state before stage")
		}
		o.recordEvent(ctx, state.ID, "stage_started", string(stage), "")

		result := o.runStage(ctx, rc, stage)
		results = append(results, *result)
		o.recordStageResult(ctx, state.ID, result)

		state.CurrentStage = ""

		if result.Success {
			if !result.Skipped {
				state.CompletedStages = append(state.CompletedStages, string(stage))
			}
			mergeOutputs(state, result.Outputs)
			state.Warnings = append(state.Warnings, prefixStage(stage, result.Warnings)...)
			if err := o.store.Save(ctx, state); err != nil {
				logger.Error().Err(err).Msg("Failed to persist state after stage")
			}
			o.maybeCheckpoint(ctx, state, plan, stage, logger)
			continue
		}

		// Verification discrepancies degrade to warnings and never abort.
		if IsVerificationFailure(result.Error) {
			state.Warnings = append(state.Warnings, fmt.Sprintf("%s: %s", stage, result.ErrorMessage))
			o.recordEvent(ctx, state.ID, "verification_warning", string(stage), result.ErrorMessage)
			if err := o.store.Save(ctx, state); err != nil {
				logger.Error().Err(err).Msg("Failed to persist state after verification")
			}
			continue
		}

		state.Errors = append(state.Errors, fmt.Sprintf("%s: %s", stage, result.ErrorMessage))
		if err := o.store.Save(ctx, state); err != nil {
			logger.Error().Err(err).Msg("Failed to persist state after stage failure")
		}

		if !opts.Force {
			return results, true, false
		}
		logger.Warn().Str("stage", string(stage)).Msg("Continuing past failed stage (force)")
	}

	return results, false, false
}

// runStage executes one stage inside its own span and observes its duration.
func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, stage StageName) *StageResult {
	stageCtx := ctx
	if o.tracer != nil {
		c, span := o.tracer.StartStageSpan(ctx, rc.Plan.DeploymentID, string(stage))
		stageCtx = c
		defer span.End()
	}

	result := o.executor.Execute(stageCtx, rc, stage)

	if o.metrics != nil {
		o.metrics.ObserveStageDuration(string(stage), result.Success, result.Duration)
	}
	return result
}

// maybeCheckpoint writes a checkpoint after a flagged stage. Checkpoint names
// derive from stage names and are unique per run, so an existing-checkpoint
// error here means a previous write raced; it is logged and the run goes on.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context, state *DeploymentState, plan *Plan, stage StageName, logger zerolog.Logger) {
	def := plan.Stages[stage]
	if !def.CreateCheckpoint || plan.DryRun {
		return
	}

	name := CheckpointName(stage)
	cp := &Checkpoint{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		StageOrder: def.Order,
		State:      *state.Clone(),
	}
	if err := o.store.SaveCheckpoint(ctx, state.ID, cp); err != nil {
		logger.Error().Err(err).Str("checkpoint", name).Msg("Failed to write checkpoint")
		state.Warnings = append(state.Warnings, fmt.Sprintf("%s: checkpoint not written: %v", stage, err))
		return
	}

	if state.Checkpoints == nil {
		state.Checkpoints = make(map[string]CheckpointRef)
	}
	state.Checkpoints[name] = CheckpointRef{Name: name, Timestamp: cp.Timestamp}
	if err := o.store.Save(ctx, state); err != nil {
		logger.Error().Err(err).Msg("Failed to persist checkpoint reference")
	}
	if o.metrics != nil {
		o.metrics.CheckpointWritten()
	}
	o.recordEvent(ctx, state.ID, "checkpoint_written", string(stage), name)
	logger.Info().Str("checkpoint", name).Msg("Checkpoint written")
}

// finalize computes the terminal status, persists it and builds the
// aggregated result.
func (o *Orchestrator) finalize(
	ctx context.Context,
	state *DeploymentState,
	plan *Plan,
	opts RunOptions,
	results []StageResult,
	aborted, cancelled bool,
	logger zerolog.Logger,
) *DeploymentResult {
	end := time.Now().UTC()
	state.EndTime = &end
	state.CurrentStage = ""
	state.Status = terminalStatus(state, opts, aborted, cancelled)

	if err := o.store.Save(ctx, state); err != nil {
		logger.Error().Err(err).Msg("Failed to persist terminal state")
	}

	duration := end.Sub(state.StartTime)
	if o.metrics != nil {
		o.metrics.DeploymentFinished(string(state.Status), duration)
	}
	o.recordFinish(ctx, state, duration)

	result := &DeploymentResult{
		DeploymentID: state.ID,
		Status:       state.Status,
		Success:      runSucceeded(state),
		StartTime:    state.StartTime,
		EndTime:      end,
		Duration:     duration,
		Stages:       results,
		Outputs:      state.Outputs,
		Errors:       append([]string(nil), state.Errors...),
		Warnings:     append([]string(nil), state.Warnings...),
	}

	evt := logger.Info()
	if !result.Success {
		evt = logger.Error()
	}
	evt.
		Str("status", string(state.Status)).
		Dur("duration", duration).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Msg("Deployment finished")

	return result
}

// terminalStatus maps the end-of-run facts onto a terminal status.
func terminalStatus(state *DeploymentState, opts RunOptions, aborted, cancelled bool) DeploymentStatus {
	switch {
	case cancelled:
		return StatusFailed
	case aborted:
		return StatusFailed
	case len(state.Errors) > 0:
		// Only reachable under force: errors were recorded but the run
		// walked the whole pipeline.
		return StatusPartiallyCompleted
	case opts.Stage != "":
		return StatusPartiallyCompleted
	case opts.DryRun:
		return StatusDryRunCompleted
	case len(state.Warnings) > 0:
		return StatusCompletedWithWarnings
	default:
		return StatusCompleted
	}
}

// runSucceeded reports whether the terminal state counts as success. A
// subset run ends PartiallyCompleted whether or not anything went wrong;
// it succeeded iff no errors were recorded.
func runSucceeded(state *DeploymentState) bool {
	if state.Status == StatusPartiallyCompleted {
		return len(state.Errors) == 0
	}
	return state.Status.Succeeded()
}

// CheckpointName returns the canonical checkpoint name for a stage.
func CheckpointName(stage StageName) string {
	return "after-" + lowerFirst(string(stage))
}

func mergeOutputs(state *DeploymentState, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	if state.Outputs == nil {
		state.Outputs = make(map[string]string, len(outputs))
	}
	for k, v := range outputs {
		state.Outputs[k] = v
	}
}

func prefixStage(stage StageName, warnings []string) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = fmt.Sprintf("%s: %s", stage, w)
	}
	return out
}

func (o *Orchestrator) recordStart(ctx context.Context, state *DeploymentState) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordStart(ctx, state); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record deployment start")
	}
}

func (o *Orchestrator) recordStageResult(ctx context.Context, id string, result *StageResult) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordStageResult(ctx, id, result); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record stage result")
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, id, eventType, stage, message string) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordEvent(ctx, id, eventType, stage, message); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record event")
	}
}

func (o *Orchestrator) recordFinish(ctx context.Context, state *DeploymentState, duration time.Duration) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordFinish(ctx, state, duration); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record deployment finish")
	}
}
