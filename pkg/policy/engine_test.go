package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func testPlan(dryRun bool) *engine.Plan {
	return &engine.Plan{
		DeploymentID: "dep-123",
		Repository:   "templates-web",
		DryRun:       dryRun,
		Stages: map[engine.StageName]engine.StageDefinition{
			engine.StagePrepare: {Order: 10, Required: true},
			engine.StageApply:   {Order: 40, Required: true},
		},
		CreatedAt: time.Now(),
	}
}

func TestBuiltinPoliciesCompile(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("expected 3 built-in policies, got %d", len(policies))
	}
	for _, name := range []string{"production-safeguard", "ownership-label", "variable-hygiene"} {
		if _, err := e.GetPolicy(name); err != nil {
			t.Errorf("expected built-in policy %s, got %v", name, err)
		}
	}
}

func TestCheckPlanCleanPlan(t *testing.T) {
	e := newTestEngine(t)

	denials, warnings, err := e.CheckPlan(context.Background(), testPlan(false), map[string]string{
		"owner":       "platform-team",
		"environment": "staging",
	})
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("expected no denials, got %v", denials)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestCheckPlanUnapprovedProduction(t *testing.T) {
	e := newTestEngine(t)
	vars := map[string]string{
		"owner":       "platform-team",
		"environment": "production",
	}

	denials, _, err := e.CheckPlan(context.Background(), testPlan(false), vars)
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 1 || !strings.Contains(denials[0], "change_approved") {
		t.Fatalf("expected one denial about change_approved, got %v", denials)
	}
}

func TestCheckPlanDryRunBypassesProductionSafeguard(t *testing.T) {
	e := newTestEngine(t)
	vars := map[string]string{
		"owner":       "platform-team",
		"environment": "production",
	}

	denials, _, err := e.CheckPlan(context.Background(), testPlan(true), vars)
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("expected no denials on dry run, got %v", denials)
	}
}

func TestCheckPlanApprovedProduction(t *testing.T) {
	e := newTestEngine(t)
	vars := map[string]string{
		"owner":           "platform-team",
		"environment":     "production",
		"change_approved": "true",
	}

	denials, _, err := e.CheckPlan(context.Background(), testPlan(false), vars)
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("expected no denials with approval, got %v", denials)
	}
}

func TestCheckPlanMissingOwnerWarns(t *testing.T) {
	e := newTestEngine(t)

	denials, warnings, err := e.CheckPlan(context.Background(), testPlan(false), map[string]string{
		"environment": "staging",
	})
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("expected no denials, got %v", denials)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "owner") {
		t.Errorf("expected one warning about owner, got %v", warnings)
	}
}

func TestCheckPlanEmptyVariableDenied(t *testing.T) {
	e := newTestEngine(t)

	denials, _, err := e.CheckPlan(context.Background(), testPlan(false), map[string]string{
		"owner":  "platform-team",
		"region": "",
	})
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 1 || !strings.Contains(denials[0], "region") {
		t.Fatalf("expected one denial about region, got %v", denials)
	}
}

func TestCheckPlanDisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t)
	if err := e.DisablePolicy("variable-hygiene"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	denials, _, err := e.CheckPlan(context.Background(), testPlan(false), map[string]string{
		"owner":  "platform-team",
		"region": "",
	})
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("expected no denials with policy disabled, got %v", denials)
	}
}

func TestCheckPlanCustomPolicyFromFile(t *testing.T) {
	dir := t.TempDir()
	regoSrc := `package custom.policies.regions

import rego.v1

deny contains violation if {
	not input.variables.region in ["eu-west-1", "us-east-1"]

	violation := {
		"message": "deployments are restricted to approved regions",
		"severity": "error",
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "regions.rego"), []byte(regoSrc), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	denials, _, err := e.CheckPlan(context.Background(), testPlan(false), map[string]string{
		"owner":  "platform-team",
		"region": "mars-central-1",
	})
	if err != nil {
		t.Fatalf("CheckPlan failed: %v", err)
	}
	if len(denials) != 1 || !strings.Contains(denials[0], "approved regions") {
		t.Fatalf("expected one denial from custom policy, got %v", denials)
	}
}

func TestEnableUnknownPolicy(t *testing.T) {
	e := newTestEngine(t)
	if err := e.EnablePolicy("no-such-policy"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
