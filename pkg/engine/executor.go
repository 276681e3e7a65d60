package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs a single stage with bounded retries and per-attempt timeout.
// Stages execute strictly sequentially; the executor never runs two stages
// concurrently for the same deployment.
type Executor struct {
	operations map[StageName]StageOperation
	logger     zerolog.Logger
}

// NewExecutor creates an executor over the given stage operations.
func NewExecutor(operations []StageOperation, logger zerolog.Logger) *Executor {
	ops := make(map[StageName]StageOperation, len(operations))
	for _, op := range operations {
		ops[op.Name()] = op
	}
	return &Executor{
		operations: ops,
		logger:     logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs one stage of the plan and returns its result. The returned
// result is always non-nil; failure is signaled through Result.Success and
// Result.Error, not the error return, so callers can aggregate uniformly.
func (e *Executor) Execute(ctx context.Context, rc *RunContext, stage StageName) *StageResult {
	def, ok := rc.Plan.Stages[stage]
	if !ok {
		return failedResult(stage, 0, NewPlanValidationError(
			fmt.Sprintf("stage %s is not part of the plan", stage), nil,
		).WithCode(ErrCodeUnknownStage))
	}

	// Dry run only neutralizes the mutating stage. Read-only stages still
	// execute so the dry run reports a realistic plan.
	if rc.Plan.DryRun && stage.Mutates() {
		e.logger.Info().
			Str("deployment_id", rc.Plan.DeploymentID).
			Str("stage", string(stage)).
			Msg("Stage short-circuited by dry run")
		return &StageResult{
			StageName: stage,
			Success:   true,
			Skipped:   true,
			Outputs:   map[string]string{"dry_run": "true"},
		}
	}

	op, ok := e.operations[stage]
	if !ok {
		return failedResult(stage, 0, NewStageExecutionError(
			fmt.Sprintf("no operation registered for stage %s", stage), nil,
		).WithStage(string(stage)).WithCode(ErrCodeInternal))
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= def.MaxRetries; attempt++ {
		outputs, warnings, err := e.runAttempt(ctx, op, rc, def.Timeout)
		if err == nil {
			result := &StageResult{
				StageName: stage,
				Success:   true,
				Duration:  time.Since(start),
				Attempts:  attempt + 1,
				Outputs:   outputs,
				Warnings:  warnings,
			}
			e.logger.Info().
				Str("deployment_id", rc.Plan.DeploymentID).
				Str("stage", string(stage)).
				Int("attempts", result.Attempts).
				Dur("duration", result.Duration).
				Msg("Stage completed")
			return result
		}

		if errors.Is(err, ErrStageSkipped) {
			e.logger.Info().
				Str("deployment_id", rc.Plan.DeploymentID).
				Str("stage", string(stage)).
				Msg("Stage disabled by configuration")
			return &StageResult{
				StageName: stage,
				Success:   true,
				Skipped:   true,
				Duration:  time.Since(start),
				Attempts:  attempt + 1,
			}
		}

		lastErr = err

		// Deterministic failures and verification findings never retry.
		if !IsRetryable(err) {
			return e.finish(rc, stage, start, attempt+1, err)
		}
		if attempt >= def.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt)
		e.logger.Warn().
			Str("deployment_id", rc.Plan.DeploymentID).
			Str("stage", string(stage)).
			Int("attempt", attempt+1).
			Int("max_attempts", def.MaxRetries+1).
			Dur("backoff", backoff).
			Err(err).
			Msg("Stage attempt failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return e.finish(rc, stage, start, attempt+1,
				NewStageExecutionError("stage cancelled during retry backoff", ctx.Err()).
					WithStage(string(stage)).WithCode(ErrCodeCancelled))
		}
	}

	return e.finish(rc, stage, start, def.MaxRetries+1, lastErr)
}

// runAttempt executes one attempt with its own timeout context.
func (e *Executor) runAttempt(ctx context.Context, op StageOperation, rc *RunContext, timeout time.Duration) (map[string]string, []string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outputs, warnings, err := op.Run(attemptCtx, rc)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
		return nil, warnings, NewStageExecutionError(
			fmt.Sprintf("stage %s timed out after %s", op.Name(), timeout), err,
		).WithStage(string(op.Name())).WithCode(ErrCodeTimeout)
	}
	return outputs, warnings, err
}

func (e *Executor) finish(rc *RunContext, stage StageName, start time.Time, attempts int, err error) *StageResult {
	result := failedResult(stage, attempts, err)
	result.Duration = time.Since(start)
	e.logger.Error().
		Str("deployment_id", rc.Plan.DeploymentID).
		Str("stage", string(stage)).
		Int("attempts", attempts).
		Err(err).
		Msg("Stage failed")
	return result
}

func failedResult(stage StageName, attempts int, err error) *StageResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageResult{
		StageName:    stage,
		Success:      false,
		Attempts:     attempts,
		Error:        err,
		ErrorMessage: msg,
	}
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int) time.Duration {
	baseDelay := 1 * time.Second

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (+12.5%)
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay + jitter/2

	return delay
}
