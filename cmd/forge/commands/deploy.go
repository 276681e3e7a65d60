package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployforge/deployforge/pkg/engine"
	"github.com/deployforge/deployforge/pkg/provisioner"
)

func newDeployCommand() *cobra.Command {
	var (
		dryRun            bool
		force             bool
		stage             string
		repository        string
		checkpoint        string
		deploymentID      string
		maxRetries        int
		stageTimeout      time.Duration
		skipPreChecks     bool
		provisionerBinary string
		policyPaths       []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <descriptor>",
		Short: "Run a deployment from a descriptor",
		Long: `Run a deployment through the fixed pipeline.

This command:
  - Loads and validates the deployment descriptor
  - Resolves the template repository through the cache
  - Evaluates Rego policies against the plan
  - Executes Prepare, Validate, Plan, Apply and Verify in order
  - Writes checkpoints after Validate, Plan and Apply
  - Records the run in deployment history`,
		Example: `  # Run a deployment
  forge deploy deploy.yaml

  # Preview without mutating target systems
  forge deploy deploy.yaml --dry-run

  # Resume a failed run from its last checkpoint
  forge deploy deploy.yaml --checkpoint after-plan --deployment-id 8f14e...

  # Re-run verification only
  forge deploy deploy.yaml --stage verify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := rt.resolver.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if repository != "" {
				cfg.Repository = repository
			}

			if len(policyPaths) > 0 {
				if err := rt.policies.LoadPolicies(ctx, policyPaths); err != nil {
					return err
				}
			}

			applyArgs := append([]string(nil), cfg.Stages.Apply.ExtraArgs...)
			if cfg.Stages.Apply.Parallelism > 0 {
				applyArgs = append(applyArgs, "--parallelism", strconv.Itoa(cfg.Stages.Apply.Parallelism))
			}
			prov, err := provisioner.NewExecProvisioner(provisioner.Config{
				Binary: provisionerBinary,
				OperationArgs: map[string][]string{
					"plan":  cfg.Stages.Plan.ExtraArgs,
					"apply": applyArgs,
				},
			}, rt.logger)
			if err != nil {
				return err
			}

			options := engine.RunOptions{
				DryRun:        dryRun,
				Force:         force,
				Checkpoint:    checkpoint,
				DeploymentID:  deploymentID,
				MaxRetries:    maxRetries,
				StageTimeout:  stageTimeout,
				SkipPreChecks: skipPreChecks,
			}
			if stage != "" {
				name, err := engine.ParseStageName(stage)
				if err != nil {
					return err
				}
				options.Stage = name
			}

			settings := engine.StageSettings{
				SkipStructuralChecks: cfg.Stages.Prepare.SkipStructuralChecks,
				StrictValidation:     cfg.Stages.Validate.Strict,
				SkipVerify:           cfg.Stages.Verify.Skip,
			}
			operations := engine.DefaultStageOperations(rt.repos, rt.resolver, prov, settings, rt.logger)
			planner := engine.NewPlanner(rt.repos, rt.policies, rt.logger)
			executor := engine.NewExecutor(operations, rt.logger)
			orch := engine.NewOrchestrator(planner, executor, rt.states, rt.history, rt.metrics, rt.tracer, rt.logger)

			result, err := orch.Run(ctx, engine.StartRequest{
				ConfigurationPath: cfg.SourcePath,
				Repository:        cfg.Repository,
				Variables:         cfg.Variables,
				Options:           options,
			})
			if err != nil {
				return err
			}

			if err := printResult(result); err != nil {
				return err
			}
			if !result.Success {
				// The details were already printed; keep the exit status
				// informative without repeating them.
				return fmt.Errorf("deployment %s finished with status %s", result.DeploymentID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview the run without mutating target systems")
	cmd.Flags().BoolVar(&force, "force", false, "continue past failed stages, recording errors")
	cmd.Flags().StringVar(&stage, "stage", "", "run a single stage only (prepare, validate, plan, apply, verify)")
	cmd.Flags().StringVar(&repository, "repository", "", "override the descriptor's repository name")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "resume from a named checkpoint (requires --deployment-id)")
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment to resume")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 2, "per-stage retry budget for transient failures (0-5)")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", 0, "per-stage attempt timeout (default 30m, max 24h)")
	cmd.Flags().BoolVar(&skipPreChecks, "skip-pre-checks", false, "bypass policy evaluation at plan time")
	cmd.Flags().StringVar(&provisionerBinary, "provisioner", "forge-provisioner", "provisioning tool binary")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "additional policy file or directory (repeatable)")

	return cmd
}

// printResult writes the run outcome in the selected output format.
func printResult(result *engine.DeploymentResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("Deployment %s: %s (%s)\n", result.DeploymentID, result.Status, result.Duration.Round(time.Millisecond))
	for _, sr := range result.Stages {
		mark := "ok"
		switch {
		case sr.Skipped:
			mark = "skipped"
		case !sr.Success:
			mark = "FAILED"
		}
		fmt.Printf("  %-10s %-8s attempts=%d duration=%s\n",
			sr.StageName, mark, sr.Attempts, sr.Duration.Round(time.Millisecond))
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}
