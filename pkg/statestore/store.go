// Package statestore persists deployment state and checkpoints as JSON
// documents on the local filesystem. Writes go through a temp file followed
// by an atomic rename, so a crash mid-write never corrupts the previously
// committed document.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/engine"
)

var (
	// ErrNotFound indicates the requested state or checkpoint does not exist.
	ErrNotFound = errors.New("statestore: not found")

	// ErrCheckpointExists indicates an attempt to overwrite an existing
	// checkpoint. Checkpoints are immutable.
	ErrCheckpointExists = errors.New("statestore: checkpoint already exists")
)

const (
	stateFileName  = "state.json"
	checkpointsDir = "checkpoints"
	tempSuffix     = ".tmp"
)

// FileStore implements engine.StateStore on a local directory tree:
//
//	<root>/<deployment-id>/state.json
//	<root>/<deployment-id>/checkpoints/<name>.json
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{
		root:   dir,
		logger: logger.With().Str("component", "statestore").Logger(),
	}, nil
}

// Save atomically writes the deployment state document. A failed save leaves
// any previously committed document intact.
func (s *FileStore) Save(ctx context.Context, state *engine.DeploymentState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("statestore: state has no deployment ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, state.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create deployment directory: %w", err)
	}

	return writeJSONAtomic(filepath.Join(dir, stateFileName), state)
}

// Load reads the state document for a deployment ID.
func (s *FileStore) Load(ctx context.Context, deploymentID string) (*engine.DeploymentState, error) {
	data, err := os.ReadFile(filepath.Join(s.root, deploymentID, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: deployment %s", ErrNotFound, deploymentID)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state engine.DeploymentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", deploymentID, err)
	}
	return &state, nil
}

// SaveCheckpoint writes an immutable checkpoint document. Writing a name
// that already exists fails with ErrCheckpointExists; existing checkpoints
// are never touched.
func (s *FileStore) SaveCheckpoint(ctx context.Context, deploymentID string, cp *engine.Checkpoint) error {
	if cp == nil || cp.Name == "" {
		return fmt.Errorf("statestore: checkpoint has no name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, deploymentID, checkpointsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	path := filepath.Join(dir, cp.Name+".json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrCheckpointExists, cp.Name)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	if err := writeJSONAtomic(path, cp); err != nil {
		return err
	}

	s.logger.Debug().
		Str("deployment_id", deploymentID).
		Str("checkpoint", cp.Name).
		Msg("Checkpoint persisted")
	return nil
}

// LoadCheckpoint reads a checkpoint by name.
func (s *FileStore) LoadCheckpoint(ctx context.Context, deploymentID, name string) (*engine.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.root, deploymentID, checkpointsDir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp engine.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}
	return &cp, nil
}

// ListCheckpoints returns checkpoint names for a deployment ordered by the
// stage order recorded inside each checkpoint.
func (s *FileStore) ListCheckpoints(ctx context.Context, deploymentID string) ([]string, error) {
	dir := filepath.Join(s.root, deploymentID, checkpointsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	type indexed struct {
		name  string
		order int
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		cp, err := s.LoadCheckpoint(ctx, deploymentID, name)
		if err != nil {
			s.logger.Warn().Err(err).Str("checkpoint", name).Msg("Skipping unreadable checkpoint")
			continue
		}
		found = append(found, indexed{name: name, order: cp.StageOrder})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].order < found[j].order })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

// ListDeployments returns all deployment IDs present in the store.
func (s *FileStore) ListDeployments(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), stateFileName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// writeJSONAtomic marshals v and commits it via temp file + rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmp := path + tempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}
