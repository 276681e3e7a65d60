// Package history persists the audit trail of deployment runs in SQLite.
// The store implements the orchestrator's HistoryRecorder interface and
// backs the history CLI commands.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/deployforge/deployforge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a deployment record does not exist.
var ErrNotFound = errors.New("deployment not found")

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements engine.HistoryRecorder on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	cfg    Config
	logger zerolog.Logger
}

// DeploymentRecord is one row of deployment history.
type DeploymentRecord struct {
	ID                string     `json:"id"`
	ConfigurationPath string     `json:"configuration_path"`
	Repository        string     `json:"repository"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationMS        *int64     `json:"duration_ms,omitempty"`
	ErrorCount        int        `json:"error_count"`
	WarningCount      int        `json:"warning_count"`
}

// StageRecord is one recorded stage execution.
type StageRecord struct {
	Stage      string    `json:"stage"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventRecord is one recorded deployment event.
type EventRecord struct {
	EventType string    `json:"event_type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStore creates a new history store instance. Call Init before use.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &Store{
		path:   cfg.Path,
		cfg:    cfg,
		logger: logger.With().Str("component", "history").Logger(),
	}, nil
}

// Init opens the database in WAL mode and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, the DSN parameter alone is not enough for
	// every pooled connection.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordStart inserts the deployment row when a run begins.
func (s *Store) RecordStart(ctx context.Context, state *engine.DeploymentState) error {
	query := `
		INSERT INTO deployments (id, configuration_path, repository, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		state.ID,
		state.ConfigurationPath,
		state.Repository,
		string(state.Status),
		state.StartTime.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment start: %w", err)
	}

	return nil
}

// RecordStageResult appends one stage execution to the deployment.
func (s *Store) RecordStageResult(ctx context.Context, deploymentID string, result *engine.StageResult) error {
	query := `
		INSERT INTO stage_results (deployment_id, stage, success, skipped, attempts, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg sql.NullString
	if result.ErrorMessage != "" {
		errMsg = sql.NullString{String: result.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		deploymentID,
		string(result.StageName),
		result.Success,
		result.Skipped,
		result.Attempts,
		result.Duration.Milliseconds(),
		errMsg,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage result: %w", err)
	}

	return nil
}

// RecordEvent appends a free-form event to the deployment.
func (s *Store) RecordEvent(ctx context.Context, deploymentID, eventType, stage, message string) error {
	query := `
		INSERT INTO events (deployment_id, event_type, stage, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		deploymentID,
		eventType,
		stage,
		message,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// RecordFinish updates the deployment row with its terminal status.
func (s *Store) RecordFinish(ctx context.Context, state *engine.DeploymentState, duration time.Duration) error {
	query := `
		UPDATE deployments
		SET status = ?, completed_at = ?, duration_ms = ?, error_count = ?, warning_count = ?, updated_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if state.EndTime != nil {
		t := state.EndTime.UTC()
		completedAt = &t
	}

	result, err := s.db.ExecContext(ctx, query,
		string(state.Status),
		completedAt,
		duration.Milliseconds(),
		len(state.Errors),
		len(state.Warnings),
		time.Now().UTC(),
		state.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment finish: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, state.ID)
	}

	return nil
}

// GetDeployment returns one deployment record by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error) {
	query := `
		SELECT id, configuration_path, repository, status, started_at, completed_at, duration_ms, error_count, warning_count
		FROM deployments
		WHERE id = ?
	`

	rec := &DeploymentRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.ConfigurationPath,
		&rec.Repository,
		&rec.Status,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.DurationMS,
		&rec.ErrorCount,
		&rec.WarningCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return rec, nil
}

// ListDeployments returns deployment records newest first. A non-empty
// status filters by terminal status.
func (s *Store) ListDeployments(ctx context.Context, status string, limit, offset int) ([]*DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, configuration_path, repository, status, started_at, completed_at, duration_ms, error_count, warning_count
		FROM deployments
	`)
	args := []interface{}{}
	if status != "" {
		sb.WriteString(" WHERE status = ?")
		args = append(args, status)
	}
	sb.WriteString(" ORDER BY started_at DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	records := []*DeploymentRecord{}
	for rows.Next() {
		rec := &DeploymentRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.ConfigurationPath,
			&rec.Repository,
			&rec.Status,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.DurationMS,
			&rec.ErrorCount,
			&rec.WarningCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return records, nil
}

// ListStageResults returns the recorded stage executions for a deployment
// in insertion order.
func (s *Store) ListStageResults(ctx context.Context, deploymentID string) ([]*StageRecord, error) {
	query := `
		SELECT stage, success, skipped, attempts, duration_ms, COALESCE(error, ''), created_at
		FROM stage_results
		WHERE deployment_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	records := []*StageRecord{}
	for rows.Next() {
		rec := &StageRecord{}
		err := rows.Scan(
			&rec.Stage,
			&rec.Success,
			&rec.Skipped,
			&rec.Attempts,
			&rec.DurationMS,
			&rec.Error,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage results: %w", err)
	}

	return records, nil
}

// ListEvents returns the recorded events for a deployment in insertion order.
func (s *Store) ListEvents(ctx context.Context, deploymentID string) ([]*EventRecord, error) {
	query := `
		SELECT event_type, stage, message, created_at
		FROM events
		WHERE deployment_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	records := []*EventRecord{}
	for rows.Next() {
		rec := &EventRecord{}
		err := rows.Scan(
			&rec.EventType,
			&rec.Stage,
			&rec.Message,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return records, nil
}

// Prune deletes deployments that completed before the cutoff. Stage results
// and events go with them through the foreign key cascade.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM deployments WHERE completed_at IS NOT NULL AND completed_at < ?`

	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune deployments: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info().Int64("deleted", rows).Time("before", before).Msg("Pruned deployment history")
	}

	return rows, nil
}
