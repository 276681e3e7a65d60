// Package engine provides the core types and interfaces for the DeployForge
// orchestration engine. It defines the fixed 5-stage deployment pipeline:
// Prepare -> Validate -> Plan -> Apply -> Verify.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a deployment error for propagation and retry logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid or unloadable deployment
	// configuration. Detected before execution starts; never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassPlanValidation indicates the requested plan is invalid as a
	// whole. Examples: unknown stage, retry count out of range, unresolvable
	// repository reference. Never retried.
	ErrorClassPlanValidation ErrorClass = "plan_validation"

	// ErrorClassRepositoryAccess indicates a registered repository could not
	// be reached. Often transient; retryable.
	ErrorClassRepositoryAccess ErrorClass = "repository_access"

	// ErrorClassCloneFailed indicates the initial clone of a repository
	// failed, leaving no usable local copy. Retryable.
	ErrorClassCloneFailed ErrorClass = "clone_failed"

	// ErrorClassStageExecution indicates a stage operation failed after its
	// retry budget was exhausted.
	ErrorClassStageExecution ErrorClass = "stage_execution"

	// ErrorClassVerification indicates post-deployment verification found a
	// discrepancy. Recorded as a warning, never fails the deployment.
	ErrorClassVerification ErrorClass = "verification"
)

// DeployError represents a classified error with deployment context.
type DeployError struct {
	// Class is the error classification for propagation and retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the pipeline stage during which the error occurred, if any.
	Stage string `json:"stage,omitempty"`

	// Repository is the repository name involved, if applicable.
	Repository string `json:"repository,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage=%s): %s", e.Class, e.Message, e.Stage, e.unwrapMessage())
	}
	if e.Repository != "" {
		return fmt.Sprintf("[%s] %s (repository=%s): %s", e.Class, e.Message, e.Repository, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

func (e *DeployError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewPlanValidationError creates a plan validation error.
func NewPlanValidationError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassPlanValidation, Message: message, Err: err}
}

// NewRepositoryAccessError creates a repository access error.
func NewRepositoryAccessError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassRepositoryAccess, Message: message, Err: err}
}

// NewCloneFailedError creates a clone failure error.
func NewCloneFailedError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassCloneFailed, Message: message, Err: err}
}

// NewStageExecutionError creates a stage execution error.
func NewStageExecutionError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassStageExecution, Message: message, Err: err}
}

// NewVerificationError creates a verification discrepancy error.
func NewVerificationError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassVerification, Message: message, Err: err}
}

// WithStage adds stage context to an error.
func (e *DeployError) WithStage(stage string) *DeployError {
	e.Stage = stage
	return e
}

// WithRepository adds repository context to an error.
func (e *DeployError) WithRepository(name string) *DeployError {
	e.Repository = name
	return e
}

// WithCode adds an error code to an error.
func (e *DeployError) WithCode(code string) *DeployError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DeployError) WithDetail(key string, value interface{}) *DeployError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the classification of err, or the empty string if err is
// not a DeployError.
func ClassOf(err error) ErrorClass {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfigurationError returns true if the error is a configuration error.
func IsConfigurationError(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsPlanValidationError returns true if the error is a plan validation error.
func IsPlanValidationError(err error) bool {
	return ClassOf(err) == ErrorClassPlanValidation
}

// IsRepositoryAccessError returns true if the error is a repository access error.
func IsRepositoryAccessError(err error) bool {
	return ClassOf(err) == ErrorClassRepositoryAccess
}

// IsCloneFailedError returns true if the error is a clone failure.
func IsCloneFailedError(err error) bool {
	return ClassOf(err) == ErrorClassCloneFailed
}

// IsStageExecutionError returns true if the error is a stage execution error.
func IsStageExecutionError(err error) bool {
	return ClassOf(err) == ErrorClassStageExecution
}

// IsVerificationFailure returns true if the error is a verification discrepancy.
func IsVerificationFailure(err error) bool {
	return ClassOf(err) == ErrorClassVerification
}

// IsRetryable returns true if a failed stage attempt may be retried.
// Configuration and plan validation errors are deterministic and never
// retried; verification discrepancies are findings, not faults. Everything
// else, including timeouts and unclassified errors, counts as a failed
// attempt subject to the retry budget.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassConfiguration, ErrorClassPlanValidation, ErrorClassVerification:
		return false
	default:
		return true
	}
}

// ErrStageSkipped is returned by a stage operation that declines to run
// because the descriptor disabled it. The executor records the stage as
// skipped instead of failed.
var ErrStageSkipped = errors.New("stage disabled by configuration")

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeUnknownStage      = "UNKNOWN_STAGE"
	ErrCodeRetriesOutOfRange = "RETRIES_OUT_OF_RANGE"
	ErrCodeTimeoutOutOfRange = "TIMEOUT_OUT_OF_RANGE"
	ErrCodeRepoNotSynced     = "REPOSITORY_NOT_SYNCED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
