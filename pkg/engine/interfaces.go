package engine

import (
	"context"
	"time"
)

// RepositoryResolver resolves registered template repositories to usable
// local paths. Implemented by the repository cache.
type RepositoryResolver interface {
	// Resolve returns the local path for a registered, synced repository.
	// It fails fast when the repository is unknown or was never synced.
	Resolve(ctx context.Context, name string) (string, error)

	// Sync refreshes the local mirror if its cache TTL has elapsed and
	// reports structural warnings about the template layout. A failed
	// fetch or clone returns the underlying transport error; an existing
	// mirror is kept and remains reachable through Resolve.
	Sync(ctx context.Context, name string) (path string, warnings []string, err error)
}

// StateStore persists deployment state and checkpoints.
type StateStore interface {
	// Save atomically writes the deployment state document.
	Save(ctx context.Context, state *DeploymentState) error

	// Load reads the state document for a deployment ID.
	Load(ctx context.Context, deploymentID string) (*DeploymentState, error)

	// SaveCheckpoint writes an immutable checkpoint. Writing a checkpoint
	// name that already exists is an error.
	SaveCheckpoint(ctx context.Context, deploymentID string, cp *Checkpoint) error

	// LoadCheckpoint reads a checkpoint by name.
	LoadCheckpoint(ctx context.Context, deploymentID, name string) (*Checkpoint, error)

	// ListCheckpoints returns checkpoint names for a deployment, ordered by
	// stage order.
	ListCheckpoints(ctx context.Context, deploymentID string) ([]string, error)
}

// RunContext carries the data a stage operation needs to execute.
type RunContext struct {
	// Plan is the validated plan for this run.
	Plan *Plan

	// State is the live deployment state. Operations read accumulated
	// outputs from it; the orchestrator owns all writes.
	State *DeploymentState

	// WorkDir is the materialized working directory for the run.
	WorkDir string

	// Variables are the resolved configuration variables.
	Variables map[string]string
}

// StageOperation is the unit of behavior behind one pipeline stage.
type StageOperation interface {
	// Name returns the stage this operation implements.
	Name() StageName

	// Run executes the stage and returns its outputs. A nil error with
	// warnings is a success; an error fails the attempt.
	Run(ctx context.Context, rc *RunContext) (outputs map[string]string, warnings []string, err error)
}

// PolicyChecker evaluates pre-deployment policies against a plan.
type PolicyChecker interface {
	// CheckPlan returns denial reasons (fail the plan) and warnings
	// (folded into the run).
	CheckPlan(ctx context.Context, plan *Plan, variables map[string]string) (denials []string, warnings []string, err error)
}

// HistoryRecorder persists the audit trail of deployment runs.
// All methods are best-effort from the orchestrator's point of view;
// recording failures are logged, never fatal.
type HistoryRecorder interface {
	RecordStart(ctx context.Context, state *DeploymentState) error
	RecordStageResult(ctx context.Context, deploymentID string, result *StageResult) error
	RecordEvent(ctx context.Context, deploymentID, eventType, stage, message string) error
	RecordFinish(ctx context.Context, state *DeploymentState, duration time.Duration) error
}
