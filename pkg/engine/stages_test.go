package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeValidator implements TemplateValidator for tests.
type fakeValidator struct {
	warnings []string
	err      error
}

func (f *fakeValidator) ValidateTemplate(ctx context.Context, workDir string, variables map[string]string) ([]string, error) {
	return f.warnings, f.err
}

// fakeProvisioner implements Provisioner with a fixed result per operation.
type fakeProvisioner struct {
	result *ProvisionResult
	err    error
	calls  int
}

func (f *fakeProvisioner) Plan(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeProvisioner) Apply(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeProvisioner) Verify(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	f.calls++
	return f.result, f.err
}

func TestPrepareProceedsOnCachedMirrorWhenFetchFails(t *testing.T) {
	resolver := &fakeResolver{
		path:    "/cache/repos/templates",
		syncErr: NewCloneFailedError("remote unreachable", fmt.Errorf("dial tcp: timeout")),
	}
	op := &prepareOperation{resolver: resolver, logger: zerolog.Nop()}

	rc := testRunContext(testPlan(0, false))
	outputs, warnings, err := op.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("expected fallback to cached mirror, got %v", err)
	}
	if rc.WorkDir != resolver.path {
		t.Errorf("work dir not set to cached mirror: %q", rc.WorkDir)
	}
	if outputs["repository_path"] != resolver.path {
		t.Errorf("repository path output missing: %v", outputs)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "cached copy") {
		t.Errorf("expected stale-copy warning, got %v", warnings)
	}
}

func TestPrepareFailsWhenNoMirrorExists(t *testing.T) {
	resolver := &fakeResolver{
		syncErr:    NewCloneFailedError("remote unreachable", nil),
		resolveErr: fmt.Errorf("repository templates has never been synced"),
	}
	op := &prepareOperation{resolver: resolver, logger: zerolog.Nop()}

	_, _, err := op.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err == nil {
		t.Fatal("expected failure when neither fetch nor cache can serve")
	}
	if !IsCloneFailedError(err) {
		t.Errorf("expected clone failure classification, got %v", err)
	}
}

func TestPrepareDoesNotMaskConfigurationErrors(t *testing.T) {
	resolver := &fakeResolver{
		path:    "/cache/repos/templates",
		syncErr: NewConfigurationError("repository not registered: templates", nil),
	}
	op := &prepareOperation{resolver: resolver, logger: zerolog.Nop()}

	_, _, err := op.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err == nil {
		t.Fatal("expected configuration error to surface")
	}
	if !IsConfigurationError(err) {
		t.Errorf("expected configuration classification, got %v", err)
	}
}

func TestPrepareStructuralWarnings(t *testing.T) {
	resolver := &fakeResolver{
		path:         "/cache/repos/templates",
		syncWarnings: []string{"templates directory is missing"},
	}

	op := &prepareOperation{resolver: resolver, logger: zerolog.Nop()}
	_, warnings, err := op.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("structural warnings not surfaced: %v", warnings)
	}

	quiet := &prepareOperation{resolver: resolver, skipStructural: true, logger: zerolog.Nop()}
	_, warnings, err = quiet.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("structural warnings surfaced despite being disabled: %v", warnings)
	}
}

func TestValidateStrictPromotesWarningsToError(t *testing.T) {
	validator := &fakeValidator{warnings: []string{"variable zone is unused"}}

	lenient := &validateOperation{validator: validator}
	_, warnings, err := lenient.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err != nil {
		t.Fatalf("lenient validation failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings not surfaced: %v", warnings)
	}

	strict := &validateOperation{validator: validator, strict: true}
	_, warnings, err = strict.Run(context.Background(), testRunContext(testPlan(0, false)))
	if err == nil {
		t.Fatal("strict validation accepted warnings")
	}
	if len(warnings) != 1 {
		t.Errorf("strict failure must still report the warnings: %v", warnings)
	}
}

func TestVerifyDisabledReportsSkipped(t *testing.T) {
	prov := &fakeProvisioner{result: &ProvisionResult{Mismatches: []string{"drift"}}}
	resolver := &fakeResolver{path: "/cache/repos/templates"}
	ops := DefaultStageOperations(resolver, &fakeValidator{}, prov, StageSettings{SkipVerify: true}, zerolog.Nop())
	exec := NewExecutor(ops, zerolog.Nop())

	result := exec.Execute(context.Background(), testRunContext(testPlan(0, false)), StageVerify)
	if !result.Success || !result.Skipped {
		t.Fatalf("expected verify to be skipped, got %+v", result)
	}
	if prov.calls != 0 {
		t.Error("provisioner invoked for disabled verify stage")
	}
}

func TestVerifyMismatchesAreVerificationFailures(t *testing.T) {
	prov := &fakeProvisioner{result: &ProvisionResult{Mismatches: []string{"replicas: want 3, have 2"}}}
	op := &verifyOperation{prov: prov}

	_, _, err := op.Run(context.Background(), testRunContext(testPlan(0, false)))
	if !IsVerificationFailure(err) {
		t.Fatalf("expected verification failure, got %v", err)
	}
}
