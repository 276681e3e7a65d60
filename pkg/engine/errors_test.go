package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDeployErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		class     ErrorClass
		retryable bool
	}{
		{NewConfigurationError("bad yaml", nil), ErrorClassConfiguration, false},
		{NewPlanValidationError("unknown stage", nil), ErrorClassPlanValidation, false},
		{NewRepositoryAccessError("remote down", nil), ErrorClassRepositoryAccess, true},
		{NewCloneFailedError("clone refused", nil), ErrorClassCloneFailed, true},
		{NewStageExecutionError("apply blew up", nil), ErrorClassStageExecution, true},
		{NewVerificationError("drift", nil), ErrorClassVerification, false},
	}

	for _, tt := range tests {
		if got := ClassOf(tt.err); got != tt.class {
			t.Errorf("ClassOf(%v) = %s, want %s", tt.err, got, tt.class)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}

	// Unclassified errors count as transient.
	if !IsRetryable(fmt.Errorf("connection reset by peer")) {
		t.Error("unclassified error must be retryable")
	}
}

func TestDeployErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewRepositoryAccessError("fetch failed", cause).
		WithRepository("templates").
		WithCode(ErrCodeTimeout)

	if !errors.Is(err, cause) {
		t.Error("underlying cause not reachable through Unwrap")
	}
	if !strings.Contains(err.Error(), "repository=templates") {
		t.Errorf("repository context missing from message: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("cause missing from message: %s", err.Error())
	}

	wrapped := fmt.Errorf("prepare: %w", err)
	if !IsRepositoryAccessError(wrapped) {
		t.Error("classification lost through fmt.Errorf wrapping")
	}
}

func TestDeployErrorStageContext(t *testing.T) {
	err := NewStageExecutionError("timed out", nil).WithStage(string(StageApply))
	if !strings.Contains(err.Error(), "stage=Apply") {
		t.Errorf("stage context missing: %s", err.Error())
	}
}

func TestParseStageName(t *testing.T) {
	for _, raw := range []string{"Apply", "apply"} {
		name, err := ParseStageName(raw)
		if err != nil || name != StageApply {
			t.Errorf("ParseStageName(%q) = %s, %v", raw, name, err)
		}
	}
	if _, err := ParseStageName("teardown"); err == nil {
		t.Error("unknown stage accepted")
	}
}
