package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deployforge/deployforge/pkg/config"
	"github.com/deployforge/deployforge/pkg/credstore"
	"github.com/deployforge/deployforge/pkg/history"
	"github.com/deployforge/deployforge/pkg/policy"
	"github.com/deployforge/deployforge/pkg/repocache"
	"github.com/deployforge/deployforge/pkg/statestore"
	"github.com/deployforge/deployforge/pkg/telemetry"
)

var (
	// Global flags
	dataDir    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "DeployForge - Deployment Orchestration Engine",
		Long: `DeployForge drives template-based deployments through a fixed pipeline:
Prepare -> Validate -> Plan -> Apply -> Verify.

Features:
  - Git-backed template repository cache with TTL freshness
  - Checkpointing and resume after Validate, Plan and Apply
  - Bounded per-stage retries for transient failures
  - Dry-run and single-stage execution
  - Rego policy checks before execution
  - SQLite-backed deployment history`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", defaultDataDir(), "data directory for state, cache and history")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRepoCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// defaultDataDir honors FORGE_DATA_DIR, then falls back to the home
// directory, then to the working directory.
func defaultDataDir() string {
	if dir := os.Getenv("FORGE_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".deployforge")
	}
	return ".deployforge"
}

// runtime bundles the long-lived components a command needs.
type runtime struct {
	logger   zerolog.Logger
	repos    *repocache.Manager
	states   *statestore.FileStore
	history  *history.Store
	resolver *config.Resolver
	policies *policy.Engine
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// newRuntime constructs the shared components rooted at the data directory.
func newRuntime(ctx context.Context) (*runtime, error) {
	logger := log.Logger

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		return nil, err
	}

	// Tracing stays off unless FORGE_TRACING_* enables an exporter.
	tcfg := telemetry.DefaultConfig().FromEnv()
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	repos, err := repocache.NewManager(
		filepath.Join(dataDir, "repos"),
		repocache.NewGitClient(),
		credstore.NewRefStore(),
		metrics,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository cache: %w", err)
	}

	states, err := statestore.NewFileStore(filepath.Join(dataDir, "deployments"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	hist, err := history.NewStore(history.Config{Path: filepath.Join(dataDir, "history.db")}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	if err := hist.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}

	resolver, err := config.NewResolver(logger)
	if err != nil {
		_ = hist.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		_ = hist.Close()
		return nil, err
	}

	return &runtime{
		logger:   logger,
		repos:    repos,
		states:   states,
		history:  hist,
		resolver: resolver,
		policies: policies,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// Close releases the runtime's resources.
func (r *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	return r.history.Close()
}
