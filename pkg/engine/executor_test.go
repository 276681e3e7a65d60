package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeOperation implements StageOperation with scripted failures.
type fakeOperation struct {
	stage    StageName
	calls    int
	failures int
	err      error
	outputs  map[string]string
	warnings []string
}

func (f *fakeOperation) Name() StageName { return f.stage }

func (f *fakeOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, nil, f.err
	}
	return f.outputs, f.warnings, nil
}

func testPlan(maxRetries int, dryRun bool) *Plan {
	return &Plan{
		DeploymentID: "dep-1",
		Repository:   "templates",
		Stages:       defaultStages(maxRetries, time.Minute),
		DryRun:       dryRun,
		CreatedAt:    time.Now(),
	}
}

func testRunContext(plan *Plan) *RunContext {
	return &RunContext{
		Plan:  plan,
		State: &DeploymentState{ID: plan.DeploymentID, Status: StatusRunning},
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	op := &fakeOperation{
		stage:    StagePrepare,
		failures: 2,
		err:      NewRepositoryAccessError("remote unreachable", nil),
		outputs:  map[string]string{"repository_path": "/tmp/repo"},
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(3, false)), StagePrepare)
	if !result.Success {
		t.Fatalf("expected success after retries, got %v", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestExecuteRetryBudgetBounded(t *testing.T) {
	op := &fakeOperation{
		stage:    StagePrepare,
		failures: 100,
		err:      NewRepositoryAccessError("remote unreachable", nil),
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(2, false)), StagePrepare)
	if result.Success {
		t.Fatal("expected failure after exhausting retry budget")
	}
	if op.calls != 3 {
		t.Errorf("expected maxRetries+1 = 3 attempts, got %d", op.calls)
	}
	if result.Attempts != 3 {
		t.Errorf("expected result to report 3 attempts, got %d", result.Attempts)
	}
}

func TestExecuteRetriesStageFailures(t *testing.T) {
	op := &fakeOperation{
		stage:    StageApply,
		failures: 2,
		err:      NewStageExecutionError("target temporarily unavailable", nil),
		outputs:  map[string]string{"applied": "yes"},
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(3, false)), StageApply)
	if !result.Success {
		t.Fatalf("expected success after retries, got %v", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestExecuteRetriesTimedOutAttempts(t *testing.T) {
	op := &stallingOperation{stage: StagePlan, stalls: 1, outputs: map[string]string{"changes": "2"}}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	plan := testPlan(2, false)
	def := plan.Stages[StagePlan]
	def.Timeout = 50 * time.Millisecond
	plan.Stages[StagePlan] = def

	result := exec.Execute(context.Background(), testRunContext(plan), StagePlan)
	if !result.Success {
		t.Fatalf("expected success after a timed-out attempt, got %v", result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

// stallingOperation blocks past the attempt deadline the first `stalls`
// calls, then succeeds.
type stallingOperation struct {
	stage   StageName
	stalls  int
	calls   int
	outputs map[string]string
}

func (s *stallingOperation) Name() StageName { return s.stage }

func (s *stallingOperation) Run(ctx context.Context, rc *RunContext) (map[string]string, []string, error) {
	s.calls++
	if s.calls <= s.stalls {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return s.outputs, nil, nil
}

func TestExecuteDoesNotRetryDeterministicFailures(t *testing.T) {
	op := &fakeOperation{
		stage:    StageValidate,
		failures: 100,
		err:      NewPlanValidationError("required variable zone is missing", nil),
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(5, false)), StageValidate)
	if result.Success {
		t.Fatal("expected failure")
	}
	if op.calls != 1 {
		t.Errorf("deterministic failure retried: %d attempts", op.calls)
	}
}

func TestExecuteDisabledStageReportsSkipped(t *testing.T) {
	op := &fakeOperation{
		stage:    StageVerify,
		failures: 100,
		err:      ErrStageSkipped,
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(3, false)), StageVerify)
	if !result.Success || !result.Skipped {
		t.Fatalf("expected skipped success for disabled stage, got %+v", result)
	}
	if op.calls != 1 {
		t.Errorf("disabled stage re-attempted: %d calls", op.calls)
	}
}

func TestExecuteDoesNotRetryVerificationFailures(t *testing.T) {
	op := &fakeOperation{
		stage:    StageVerify,
		failures: 100,
		err:      NewVerificationError("drift detected", nil),
	}
	exec := NewExecutor([]StageOperation{op}, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(5, false)), StageVerify)
	if result.Success {
		t.Fatal("expected verification failure")
	}
	if op.calls != 1 {
		t.Errorf("verification failure retried: %d attempts", op.calls)
	}
	if !IsVerificationFailure(result.Error) {
		t.Errorf("expected verification classification, got %v", result.Error)
	}
}

func TestExecuteDryRunSkipsApplyOnly(t *testing.T) {
	apply := &fakeOperation{stage: StageApply, outputs: map[string]string{"applied": "yes"}}
	validate := &fakeOperation{stage: StageValidate, outputs: map[string]string{"validated": "true"}}
	exec := NewExecutor([]StageOperation{apply, validate}, zerolog.Nop())

	rc := testRunContext(testPlan(0, true))

	result := exec.Execute(context.Background(), rc, StageApply)
	if !result.Success || !result.Skipped {
		t.Fatalf("expected apply to be skipped on dry run, got %+v", result)
	}
	if apply.calls != 0 {
		t.Error("apply operation invoked during dry run")
	}

	result = exec.Execute(context.Background(), rc, StageValidate)
	if !result.Success || result.Skipped {
		t.Fatalf("expected validate to run on dry run, got %+v", result)
	}
	if validate.calls != 1 {
		t.Error("validate operation not invoked during dry run")
	}
}

func TestExecuteUnknownStage(t *testing.T) {
	exec := NewExecutor(nil, zerolog.Nop())

	plan := testPlan(0, false)
	delete(plan.Stages, StageVerify)

	result := exec.Execute(context.Background(), testRunContext(plan), StageVerify)
	if result.Success {
		t.Fatal("expected failure for stage missing from plan")
	}
	if !IsPlanValidationError(result.Error) {
		t.Errorf("expected plan validation error, got %v", result.Error)
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateBackoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %s", attempt, d)
		}
		if d > time.Minute+time.Minute/4 {
			t.Errorf("attempt %d: backoff %s exceeds cap", attempt, d)
		}
		if attempt < 5 && d < prev {
			t.Errorf("attempt %d: backoff %s shrank below %s before cap", attempt, d, prev)
		}
		prev = d
	}
}
