package engine

import (
	"sort"
	"time"
)

// StageDefinition describes one stage within a deployment plan.
type StageDefinition struct {
	// Order is the monotonically increasing position of the stage in the
	// pipeline. Lower runs first.
	Order int `json:"order"`

	// Required indicates the stage cannot be skipped by a targeted run.
	Required bool `json:"required"`

	// CreateCheckpoint indicates a checkpoint is written after the stage
	// succeeds.
	CreateCheckpoint bool `json:"create_checkpoint"`

	// MaxRetries is the retry budget for transient failures, 0 to 5.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single attempt of the stage.
	Timeout time.Duration `json:"timeout"`
}

// Plan is a validated, ordered set of stages for one deployment run.
// A Plan is immutable once built; invalid requests never produce a Plan.
type Plan struct {
	// DeploymentID is the unique identifier of the run this plan belongs to.
	DeploymentID string `json:"deployment_id"`

	// ConfigurationPath is the descriptor the plan was built from.
	ConfigurationPath string `json:"configuration_path"`

	// Repository is the resolved repository name backing the run.
	Repository string `json:"repository"`

	// RepositoryPath is the local cache path of the resolved repository.
	RepositoryPath string `json:"repository_path"`

	// Stages maps stage names to their definitions.
	Stages map[StageName]StageDefinition `json:"stages"`

	// DryRun indicates the Apply stage must not mutate target systems.
	DryRun bool `json:"dry_run"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Sequence returns the plan's stages sorted by Order.
func (p *Plan) Sequence() []StageName {
	names := make([]StageName, 0, len(p.Stages))
	for n := range p.Stages {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return p.Stages[names[i]].Order < p.Stages[names[j]].Order
	})
	return names
}

// CheckpointRef records where a checkpoint was persisted.
type CheckpointRef struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// DeploymentState is the authoritative persisted record of a deployment run.
// It is saved after every status or stage transition.
type DeploymentState struct {
	// ID is the unique deployment identifier.
	ID string `json:"id"`

	// StartTime is when the run was created.
	StartTime time.Time `json:"start_time"`

	// EndTime is set when the run reaches a terminal status.
	EndTime *time.Time `json:"end_time,omitempty"`

	// ConfigurationPath is the descriptor path the run was started from.
	ConfigurationPath string `json:"configuration_path"`

	// Repository is the repository name backing the run.
	Repository string `json:"repository,omitempty"`

	// Status is the current deployment status.
	Status DeploymentStatus `json:"status"`

	// CurrentStage is the stage executing right now, empty between stages
	// and after the run ends.
	CurrentStage string `json:"current_stage,omitempty"`

	// CompletedStages lists succeeded stages in execution order. It is
	// always a prefix of the plan's stage sequence for full runs.
	CompletedStages []string `json:"completed_stages"`

	// Checkpoints maps checkpoint names to their persisted references.
	Checkpoints map[string]CheckpointRef `json:"checkpoints,omitempty"`

	// Outputs accumulates stage outputs, later stages overwrite same-named
	// keys from earlier stages.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Errors records stage-attributed error messages.
	Errors []string `json:"errors,omitempty"`

	// Warnings records stage-attributed warning messages.
	Warnings []string `json:"warnings,omitempty"`
}

// Clone returns a deep copy of the state, safe to mutate independently.
func (s *DeploymentState) Clone() *DeploymentState {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	out.CompletedStages = append([]string(nil), s.CompletedStages...)
	out.Errors = append([]string(nil), s.Errors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	if s.Checkpoints != nil {
		out.Checkpoints = make(map[string]CheckpointRef, len(s.Checkpoints))
		for k, v := range s.Checkpoints {
			out.Checkpoints[k] = v
		}
	}
	if s.Outputs != nil {
		out.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			out.Outputs[k] = v
		}
	}
	return &out
}

// HasCompleted reports whether the named stage already succeeded in this run.
func (s *DeploymentState) HasCompleted(stage StageName) bool {
	for _, done := range s.CompletedStages {
		if done == string(stage) {
			return true
		}
	}
	return false
}

// Checkpoint is an immutable snapshot of deployment state taken after a
// flagged stage succeeded. Checkpoints are never modified after creation.
type Checkpoint struct {
	// Name uniquely identifies the checkpoint within the deployment.
	Name string `json:"name"`

	// Timestamp is when the checkpoint was written.
	Timestamp time.Time `json:"timestamp"`

	// StageOrder is the Order of the stage the checkpoint follows.
	StageOrder int `json:"stage_order"`

	// State is the deployment state at checkpoint time.
	State DeploymentState `json:"state"`
}

// StageResult is the ephemeral outcome of a single stage execution.
// It is aggregated into the DeploymentResult, not persisted on its own.
type StageResult struct {
	// StageName identifies the stage.
	StageName StageName `json:"stage_name"`

	// Success indicates the stage completed without error.
	Success bool `json:"success"`

	// Duration is the wall-clock time across all attempts.
	Duration time.Duration `json:"duration"`

	// Attempts is the number of attempts made, at least 1 unless skipped.
	Attempts int `json:"attempts"`

	// Skipped indicates the stage did not run (already completed on resume,
	// or short-circuited by dry run).
	Skipped bool `json:"skipped"`

	// Error is the final error if the stage failed.
	Error error `json:"-"`

	// ErrorMessage is the serialized form of Error.
	ErrorMessage string `json:"error,omitempty"`

	// Outputs are key-value products of the stage.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Warnings are non-fatal findings from the stage.
	Warnings []string `json:"warnings,omitempty"`
}

// DeploymentResult aggregates the outcome of a whole run for the caller.
type DeploymentResult struct {
	// DeploymentID is the run identifier.
	DeploymentID string `json:"deployment_id"`

	// Status is the terminal deployment status.
	Status DeploymentStatus `json:"status"`

	// Success is true when the terminal status counts as success.
	Success bool `json:"success"`

	// StartTime and EndTime bound the run.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Duration is EndTime minus StartTime.
	Duration time.Duration `json:"duration"`

	// Stages holds per-stage results in execution order.
	Stages []StageResult `json:"stages"`

	// Outputs merges stage outputs, later stages win on key collisions.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Errors are stage-attributed error messages.
	Errors []string `json:"errors,omitempty"`

	// Warnings are stage-attributed warning messages.
	Warnings []string `json:"warnings,omitempty"`
}

// RunOptions carries per-run modifiers supplied by the caller.
type RunOptions struct {
	// DryRun short-circuits the Apply stage; no target system is mutated.
	DryRun bool

	// Force continues past failed stages, recording errors instead of
	// aborting. Verification discrepancies stay warnings regardless.
	Force bool

	// Stage, when set, restricts the run to a single stage.
	Stage StageName

	// Checkpoint, when set, resumes a prior deployment from the named
	// checkpoint. Stages completed before the checkpoint do not re-run.
	Checkpoint string

	// DeploymentID, with Checkpoint, names the run to resume.
	DeploymentID string

	// MaxRetries is the per-stage retry budget, 0 to 5.
	MaxRetries int

	// StageTimeout bounds a single stage attempt. Must be positive and at
	// most 24 hours.
	StageTimeout time.Duration

	// SkipPreChecks bypasses policy evaluation at plan time.
	SkipPreChecks bool
}

// DefaultStageTimeout bounds a stage attempt when the caller does not set one.
const DefaultStageTimeout = 30 * time.Minute

// MaxStageTimeout is the upper bound for a configured stage timeout.
const MaxStageTimeout = 24 * time.Hour

// MaxRetryBudget is the upper bound for the per-stage retry budget.
const MaxRetryBudget = 5
