// Package provisioner bridges the pipeline's Plan, Apply and Verify stages
// to an external provisioning tool. The tool is invoked once per operation
// with a JSON request on stdin and answers with a JSON result on stdout.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/engine"
)

// Config configures the external provisioning tool invocation.
type Config struct {
	// Binary is the path to the provisioning tool executable.
	Binary string

	// ExtraArgs are appended to every invocation after the operation name.
	ExtraArgs []string

	// OperationArgs are appended after ExtraArgs for the named operation
	// only (plan, apply, verify).
	OperationArgs map[string][]string

	// Env is extra environment for the tool, in KEY=VALUE form. The parent
	// environment is always inherited.
	Env []string

	// Timeout bounds one tool invocation. Zero means no extra bound beyond
	// the stage timeout already applied by the executor.
	Timeout time.Duration
}

// ExecProvisioner implements engine.Provisioner by shelling out to the
// configured tool.
type ExecProvisioner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewExecProvisioner creates a provisioner for the configured binary.
func NewExecProvisioner(cfg Config, logger zerolog.Logger) (*ExecProvisioner, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("provisioner binary is required")
	}
	return &ExecProvisioner{
		cfg:    cfg,
		logger: logger.With().Str("component", "provisioner").Logger(),
	}, nil
}

// Plan asks the tool to compute the changes the deployment would make.
func (p *ExecProvisioner) Plan(ctx context.Context, req engine.ProvisionRequest) (*engine.ProvisionResult, error) {
	return p.run(ctx, "plan", req)
}

// Apply asks the tool to execute the planned changes.
func (p *ExecProvisioner) Apply(ctx context.Context, req engine.ProvisionRequest) (*engine.ProvisionResult, error) {
	return p.run(ctx, "apply", req)
}

// Verify asks the tool to compare deployed state against the plan.
func (p *ExecProvisioner) Verify(ctx context.Context, req engine.ProvisionRequest) (*engine.ProvisionResult, error) {
	return p.run(ctx, "verify", req)
}

func (p *ExecProvisioner) run(ctx context.Context, operation string, req engine.ProvisionRequest) (*engine.ProvisionResult, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provision request: %w", err)
	}

	args := append([]string{operation}, p.cfg.ExtraArgs...)
	args = append(args, p.cfg.OperationArgs[operation]...)
	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	cmd.Dir = req.WorkDir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	p.logger.Debug().
		Str("operation", operation).
		Str("deployment_id", req.DeploymentID).
		Dur("duration", elapsed).
		Bool("success", runErr == nil).
		Msg("Provisioner invocation finished")

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("provisioner %s timed out after %v", operation, elapsed)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("provisioner %s exited with code %d: %s",
				operation, exitErr.ExitCode(), stderrTail(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run provisioner %s: %w", operation, runErr)
	}

	var result engine.ProvisionResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("provisioner %s produced invalid output: %w", operation, err)
	}

	return &result, nil
}

// stderrTail returns the last few lines of stderr for error messages.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no stderr output)"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}
