package provisioner

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

// writeTool writes an executable shell script standing in for the
// provisioning tool.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write tool script: %v", err)
	}
	return path
}

func newProvisioner(t *testing.T, cfg Config) *ExecProvisioner {
	t.Helper()
	p, err := NewExecProvisioner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewExecProvisioner failed: %v", err)
	}
	return p
}

func sampleRequest(t *testing.T) engine.ProvisionRequest {
	return engine.ProvisionRequest{
		DeploymentID: "dep-1",
		WorkDir:      t.TempDir(),
		Variables:    map[string]string{"region": "eu-west-1"},
	}
}

func TestNewExecProvisionerRequiresBinary(t *testing.T) {
	if _, err := NewExecProvisioner(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestPlanParsesResult(t *testing.T) {
	tool := writeTool(t, `echo '{"outputs":{"changes":"3"},"summary":"3 to add","warnings":["one deprecated field"]}'`)
	p := newProvisioner(t, Config{Binary: tool})

	res, err := p.Plan(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if res.Outputs["changes"] != "3" {
		t.Errorf("expected changes output, got %v", res.Outputs)
	}
	if res.Summary != "3 to add" {
		t.Errorf("expected summary, got %q", res.Summary)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %v", res.Warnings)
	}
}

func TestOperationPassedAsFirstArgument(t *testing.T) {
	tool := writeTool(t, `echo "{\"outputs\":{\"op\":\"$1\"}}"`)
	p := newProvisioner(t, Config{Binary: tool})

	res, err := p.Apply(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Outputs["op"] != "apply" {
		t.Errorf("expected op apply, got %q", res.Outputs["op"])
	}
}

func TestRequestDeliveredOnStdin(t *testing.T) {
	// The tool echoes back the deployment ID it read from stdin.
	tool := writeTool(t, `id=$(sed 's/.*"deployment_id":"\([^"]*\)".*/\1/')
echo "{\"outputs\":{\"seen_id\":\"$id\"}}"`)
	p := newProvisioner(t, Config{Binary: tool})

	res, err := p.Plan(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if res.Outputs["seen_id"] != "dep-1" {
		t.Errorf("expected tool to see deployment ID, got %q", res.Outputs["seen_id"])
	}
}

func TestVerifyReturnsMismatches(t *testing.T) {
	tool := writeTool(t, `echo '{"mismatches":["replicas: want 3, have 2"]}'`)
	p := newProvisioner(t, Config{Binary: tool})

	res, err := p.Verify(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(res.Mismatches) != 1 {
		t.Fatalf("expected 1 mismatch, got %v", res.Mismatches)
	}
}

func TestNonZeroExitSurfacesStderr(t *testing.T) {
	tool := writeTool(t, `echo "target unreachable" >&2
exit 3`)
	p := newProvisioner(t, Config{Binary: tool})

	_, err := p.Apply(context.Background(), sampleRequest(t))
	if err == nil {
		t.Fatal("expected error from non-zero exit")
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "target unreachable") {
		t.Errorf("expected exit code and stderr in error, got %v", err)
	}
}

func TestInvalidOutputRejected(t *testing.T) {
	tool := writeTool(t, `echo "this is not json"`)
	p := newProvisioner(t, Config{Binary: tool})

	_, err := p.Plan(context.Background(), sampleRequest(t))
	if err == nil || !strings.Contains(err.Error(), "invalid output") {
		t.Fatalf("expected invalid output error, got %v", err)
	}
}

func TestTimeoutKillsTool(t *testing.T) {
	tool := writeTool(t, `sleep 10
echo '{}'`)
	p := newProvisioner(t, Config{Binary: tool, Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := p.Apply(context.Background(), sampleRequest(t))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout in error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected tool to be killed promptly")
	}
}

func TestExtraArgsAppended(t *testing.T) {
	tool := writeTool(t, `echo "{\"outputs\":{\"args\":\"$*\"}}"`)
	p := newProvisioner(t, Config{Binary: tool, ExtraArgs: []string{"--parallelism", "8"}})

	res, err := p.Plan(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if res.Outputs["args"] != "plan --parallelism 8" {
		t.Errorf("expected extra args after operation, got %q", res.Outputs["args"])
	}
}

func TestOperationArgsRoutedPerOperation(t *testing.T) {
	tool := writeTool(t, `echo "{\"outputs\":{\"args\":\"$*\"}}"`)
	p := newProvisioner(t, Config{
		Binary: tool,
		OperationArgs: map[string][]string{
			"plan":  {"--refresh-only"},
			"apply": {"--parallelism", "8"},
		},
	})

	res, err := p.Plan(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if res.Outputs["args"] != "plan --refresh-only" {
		t.Errorf("plan received wrong args: %q", res.Outputs["args"])
	}

	res, err = p.Apply(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Outputs["args"] != "apply --parallelism 8" {
		t.Errorf("apply received wrong args: %q", res.Outputs["args"])
	}

	res, err = p.Verify(context.Background(), sampleRequest(t))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Outputs["args"] != "verify" {
		t.Errorf("verify received args meant for other operations: %q", res.Outputs["args"])
	}
}
