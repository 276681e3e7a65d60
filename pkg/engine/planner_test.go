package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeResolver implements RepositoryResolver for tests.
type fakeResolver struct {
	mu           sync.Mutex
	path         string
	resolveErr   error
	syncErr      error
	syncWarnings []string
	syncCalls    int
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.path, nil
}

func (f *fakeResolver) Sync(ctx context.Context, name string) (string, []string, error) {
	f.mu.Lock()
	f.syncCalls++
	f.mu.Unlock()
	if f.syncErr != nil {
		return "", nil, f.syncErr
	}
	return f.path, f.syncWarnings, nil
}

// fakeChecker implements PolicyChecker for tests.
type fakeChecker struct {
	denials  []string
	warnings []string
	err      error
}

func (f *fakeChecker) CheckPlan(ctx context.Context, plan *Plan, variables map[string]string) ([]string, []string, error) {
	return f.denials, f.warnings, f.err
}

func testPlanner(resolver RepositoryResolver, checker PolicyChecker) *Planner {
	return NewPlanner(resolver, checker, zerolog.Nop())
}

func TestBuildPlanFixedStages(t *testing.T) {
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, nil)

	plan, _, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID:      "dep-1",
		ConfigurationPath: "deploy.yaml",
		Repository:        "templates",
		Options:           RunOptions{MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	seq := plan.Sequence()
	want := []StageName{StagePrepare, StageValidate, StagePlan, StageApply, StageVerify}
	if len(seq) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(seq))
	}
	for i, name := range want {
		if seq[i] != name {
			t.Errorf("stage %d: expected %s, got %s", i, name, seq[i])
		}
	}

	prev := -1
	for _, name := range seq {
		if plan.Stages[name].Order <= prev {
			t.Errorf("stage %s order %d not monotonically increasing", name, plan.Stages[name].Order)
		}
		prev = plan.Stages[name].Order
	}
}

func TestBuildPlanRetriesOutOfRange(t *testing.T) {
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, nil)

	for _, retries := range []int{-1, 6, 100} {
		_, _, err := planner.BuildPlan(context.Background(), PlanRequest{
			DeploymentID: "dep-1",
			Repository:   "templates",
			Options:      RunOptions{MaxRetries: retries},
		})
		if !IsPlanValidationError(err) {
			t.Errorf("retries=%d: expected plan validation error, got %v", retries, err)
		}
	}
}

func TestBuildPlanTimeoutOutOfRange(t *testing.T) {
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, nil)

	for _, timeout := range []time.Duration{-time.Second, 25 * time.Hour} {
		_, _, err := planner.BuildPlan(context.Background(), PlanRequest{
			DeploymentID: "dep-1",
			Repository:   "templates",
			Options:      RunOptions{StageTimeout: timeout},
		})
		if !IsPlanValidationError(err) {
			t.Errorf("timeout=%s: expected plan validation error, got %v", timeout, err)
		}
	}
}

func TestBuildPlanUnknownStage(t *testing.T) {
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, nil)

	_, _, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID: "dep-1",
		Repository:   "templates",
		Options:      RunOptions{Stage: StageName("Teardown")},
	})
	if !IsPlanValidationError(err) {
		t.Fatalf("expected plan validation error, got %v", err)
	}

	var derr *DeployError
	if !errors.As(err, &derr) || derr.Code != ErrCodeUnknownStage {
		t.Errorf("expected code %s, got %+v", ErrCodeUnknownStage, derr)
	}
}

func TestBuildPlanUnresolvedRepository(t *testing.T) {
	planner := testPlanner(&fakeResolver{resolveErr: fmt.Errorf("never synced")}, nil)

	plan, _, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID: "dep-1",
		Repository:   "ghost",
	})
	if plan != nil {
		t.Fatal("expected no plan on unresolved repository")
	}
	if !IsPlanValidationError(err) {
		t.Fatalf("expected plan validation error, got %v", err)
	}
}

func TestBuildPlanPolicyDenied(t *testing.T) {
	checker := &fakeChecker{denials: []string{"production deploys are frozen"}}
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, checker)

	_, _, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID: "dep-1",
		Repository:   "templates",
	})
	if !IsPlanValidationError(err) {
		t.Fatalf("expected plan validation error, got %v", err)
	}

	var derr *DeployError
	if !errors.As(err, &derr) || derr.Code != ErrCodePolicyDenied {
		t.Errorf("expected code %s, got %+v", ErrCodePolicyDenied, derr)
	}
}

func TestBuildPlanPolicySkipped(t *testing.T) {
	checker := &fakeChecker{denials: []string{"denied"}}
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, checker)

	_, _, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID: "dep-1",
		Repository:   "templates",
		Options:      RunOptions{SkipPreChecks: true},
	})
	if err != nil {
		t.Fatalf("expected pre-checks to be skipped, got %v", err)
	}
}

func TestBuildPlanPolicyWarnings(t *testing.T) {
	checker := &fakeChecker{warnings: []string{"image tag is not pinned"}}
	planner := testPlanner(&fakeResolver{path: "/tmp/repo"}, checker)

	_, warnings, err := planner.BuildPlan(context.Background(), PlanRequest{
		DeploymentID: "dep-1",
		Repository:   "templates",
	})
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(warnings) != 1 || warnings[0] != "image tag is not pinned" {
		t.Errorf("expected policy warning to surface, got %v", warnings)
	}
}

func TestValidatePlanRejectsInvalid(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			DeploymentID: "dep-1",
			Stages:       defaultStages(1, time.Minute),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Plan)
	}{
		{"no deployment id", func(p *Plan) { p.DeploymentID = "" }},
		{"no stages", func(p *Plan) { p.Stages = nil }},
		{"unknown stage", func(p *Plan) { p.Stages[StageName("Cleanup")] = StageDefinition{Order: 99, Timeout: time.Minute} }},
		{"duplicate order", func(p *Plan) {
			d := p.Stages[StageVerify]
			d.Order = p.Stages[StagePrepare].Order
			p.Stages[StageVerify] = d
		}},
		{"retry budget", func(p *Plan) {
			d := p.Stages[StageApply]
			d.MaxRetries = 10
			p.Stages[StageApply] = d
		}},
		{"timeout", func(p *Plan) {
			d := p.Stages[StageApply]
			d.Timeout = 0
			p.Stages[StageApply] = d
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			if err := ValidatePlan(p); !IsPlanValidationError(err) {
				t.Errorf("expected plan validation error, got %v", err)
			}
		})
	}

	if err := ValidatePlan(base()); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}
}
