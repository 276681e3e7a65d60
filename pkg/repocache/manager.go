package repocache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/credstore"
	"github.com/deployforge/deployforge/pkg/engine"
	"github.com/deployforge/deployforge/pkg/telemetry"
)

const (
	registryFileName = "registry.json"
	templateMarker   = "template.yaml"
	probeTimeout     = 10 * time.Second
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// scpLikeRe matches git@host:path remotes, which url.Parse does not.
var scpLikeRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+:.+$`)

// Manager owns the repository registry and the local mirrors beneath one
// cache root:
//
//	<root>/registry.json
//	<root>/<name>/        one mirror per registered repository
//
// Sync operations on the same repository serialize on a per-name lock;
// different repositories sync concurrently.
type Manager struct {
	root    string
	git     GitClient
	creds   credstore.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	reg   *registry
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a manager rooted at dir, loading an existing registry
// document if present. metrics may be nil.
func NewManager(dir string, git GitClient, creds credstore.Store, metrics *telemetry.Metrics, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	m := &Manager{
		root:    dir,
		git:     git,
		creds:   creds,
		metrics: metrics,
		logger:  logger.With().Str("component", "repocache").Logger(),
		reg:     &registry{Version: 1, Repositories: make(map[string]*Entry)},
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
	if err := m.loadRegistry(); err != nil {
		return nil, err
	}
	return m, nil
}

// Register validates and records a repository. URL validation and the
// reachability probe are distinct from cloning; no mirror is created unless
// opts.AutoSync is set.
func (m *Manager) Register(ctx context.Context, rawURL, name string, opts RegisterOptions) (*Entry, error) {
	if !nameRe.MatchString(name) {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("invalid repository name %q", name), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	if err := validateURL(rawURL); err != nil {
		return nil, engine.NewConfigurationError("invalid repository URL", err).
			WithRepository(name).WithCode(engine.ErrCodeValidation)
	}

	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if ttl < MinCacheTTL || ttl > MaxCacheTTL {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("cache TTL must be between %s and %s, got %s", MinCacheTTL, MaxCacheTTL, ttl), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	secret, err := m.creds.Resolve(ctx, opts.CredentialRef)
	if err != nil {
		return nil, engine.NewConfigurationError("credential ref cannot be resolved", err).
			WithRepository(name).WithCode(engine.ErrCodeValidation)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := m.git.Probe(probeCtx, rawURL, secret); err != nil {
		return nil, engine.NewRepositoryAccessError("repository is not reachable", err).
			WithRepository(name)
	}

	m.mu.Lock()
	if _, exists := m.reg.Repositories[name]; exists && !opts.Update {
		m.mu.Unlock()
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("repository %q is already registered", name), nil,
		).WithRepository(name).WithCode(engine.ErrCodeAlreadyExists)
	}

	entry := &Entry{
		Name:          name,
		URL:           rawURL,
		Branch:        opts.Branch,
		LocalPath:     filepath.Join(m.root, name),
		CredentialRef: opts.CredentialRef,
		CacheTTL:      ttl,
		Status:        StatusRegistered,
		RegisteredAt:  m.now().UTC(),
		Tags:          append([]string(nil), opts.Tags...),
	}
	m.reg.Repositories[name] = entry
	err = m.saveRegistryLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("repository", name).
		Str("url", rawURL).
		Dur("cache_ttl", ttl).
		Msg("Repository registered")

	if opts.AutoSync {
		if _, _, err := m.Sync(ctx, name); err != nil {
			return entry, err
		}
	}
	return m.Get(name)
}

// Sync refreshes the mirror for name if its TTL has elapsed and returns
// structural warnings about the template layout. A failed fetch returns the
// underlying transport error; the existing mirror is kept on disk and stays
// reachable through Resolve, so callers can fall back to the stale copy.
func (m *Manager) Sync(ctx context.Context, name string) (string, []string, error) {
	return m.sync(ctx, name, false)
}

// ForceSync refreshes the mirror regardless of TTL.
func (m *Manager) ForceSync(ctx context.Context, name string) (string, []string, error) {
	return m.sync(ctx, name, true)
}

func (m *Manager) sync(ctx context.Context, name string, force bool) (path string, structural []string, err error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.Get(name)
	if err != nil {
		return "", nil, err
	}

	secret, err := m.creds.Resolve(ctx, entry.CredentialRef)
	if err != nil {
		return "", nil, engine.NewConfigurationError("credential ref cannot be resolved", err).
			WithRepository(name)
	}

	if !dirExists(entry.LocalPath) {
		if err := m.git.Clone(ctx, entry.URL, entry.Branch, entry.LocalPath, secret); err != nil {
			m.updateEntry(name, func(e *Entry) { e.Status = StatusCloneFailed })
			m.observeSync(name, "clone_failed")
			return "", nil, engine.NewCloneFailedError("initial clone failed", err).WithRepository(name)
		}
		m.updateEntry(name, func(e *Entry) {
			e.Status = StatusSynced
			e.LastSync = m.now().UTC()
		})
		m.observeSync(name, "cloned")
		m.logger.Info().Str("repository", name).Msg("Repository cloned")
		return entry.LocalPath, m.ValidateStructure(entry.LocalPath), nil
	}

	if !force && entry.Fresh(m.now()) {
		// Within TTL, nothing to do.
		return entry.LocalPath, nil, nil
	}

	if err := m.git.Fetch(ctx, entry.LocalPath, secret); err != nil {
		// The mirror stays on disk and Resolve keeps serving it.
		m.updateEntry(name, func(e *Entry) { e.Status = StatusCloneFailed })
		m.observeSync(name, "fetch_failed")
		m.logger.Warn().Str("repository", name).Err(err).Msg("Fetch failed, mirror retained")
		return "", nil, engine.NewCloneFailedError(
			fmt.Sprintf("repository %s could not be refreshed, cached copy from %s retained",
				name, entry.LastSync.Format(time.RFC3339)), err,
		).WithRepository(name)
	}

	m.updateEntry(name, func(e *Entry) {
		e.Status = StatusSynced
		e.LastSync = m.now().UTC()
	})
	m.observeSync(name, "fetched")
	m.logger.Info().Str("repository", name).Msg("Repository refreshed")
	return entry.LocalPath, m.ValidateStructure(entry.LocalPath), nil
}

// Resolve returns the local mirror path for a registered, synced repository.
// It fails fast when the repository is unknown or no mirror exists; it never
// triggers a clone.
func (m *Manager) Resolve(ctx context.Context, name string) (string, error) {
	entry, err := m.Get(name)
	if err != nil {
		return "", err
	}
	if entry.LastSync.IsZero() || !dirExists(entry.LocalPath) {
		return "", engine.NewRepositoryAccessError(
			fmt.Sprintf("repository %q has never been synced", name), nil,
		).WithRepository(name).WithCode(engine.ErrCodeRepoNotSynced)
	}
	return entry.LocalPath, nil
}

// Remove deletes a registration and, when deleteMirror is set, its mirror.
func (m *Manager) Remove(ctx context.Context, name string, deleteMirror bool) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.reg.Repositories, name)
	err = m.saveRegistryLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if deleteMirror && dirExists(entry.LocalPath) {
		if err := os.RemoveAll(entry.LocalPath); err != nil {
			return fmt.Errorf("registration removed but mirror deletion failed: %w", err)
		}
	}

	m.logger.Info().Str("repository", name).Bool("mirror_deleted", deleteMirror).Msg("Repository removed")
	return nil
}

// Get returns a copy of the registry entry for name.
func (m *Manager) Get(name string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.reg.Repositories[name]
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("repository %q is not registered", name), nil,
		).WithRepository(name).WithCode(engine.ErrCodeNotFound)
	}
	copied := *entry
	copied.Tags = append([]string(nil), entry.Tags...)
	return &copied, nil
}

// List returns all registry entries sorted by name.
func (m *Manager) List() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.reg.Repositories))
	for _, entry := range m.reg.Repositories {
		copied := *entry
		copied.Tags = append([]string(nil), entry.Tags...)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateStructure checks the template layout of a mirror and returns
// warnings for anything missing. Structural problems never fail a sync.
func (m *Manager) ValidateStructure(path string) []string {
	var warnings []string

	if _, err := os.Stat(filepath.Join(path, templateMarker)); err != nil {
		warnings = append(warnings, fmt.Sprintf("repository has no %s marker; it may not be a deployment template", templateMarker))
	}
	for _, optional := range []string{"variables", "docs"} {
		if !dirExists(filepath.Join(path, optional)) {
			warnings = append(warnings, fmt.Sprintf("optional %s/ directory missing", optional))
		}
	}
	return warnings
}

// RegistryPath returns the registry document path, used by the watcher.
func (m *Manager) RegistryPath() string {
	return filepath.Join(m.root, registryFileName)
}

// Reload re-reads the registry document from disk, picking up external edits.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadRegistryLocked()
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] == nil {
		m.locks[name] = &sync.Mutex{}
	}
	return m.locks[name]
}

func (m *Manager) updateEntry(name string, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.reg.Repositories[name]
	if !ok {
		return
	}
	fn(entry)
	if err := m.saveRegistryLocked(); err != nil {
		m.logger.Error().Err(err).Str("repository", name).Msg("Failed to persist registry update")
	}
}

func (m *Manager) observeSync(name, outcome string) {
	if m.metrics != nil {
		m.metrics.RepositorySynced(name, outcome)
	}
}

func (m *Manager) loadRegistry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadRegistryLocked()
}

func (m *Manager) loadRegistryLocked() error {
	data, err := os.ReadFile(filepath.Join(m.root, registryFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry: %w", err)
	}

	reg := &registry{Repositories: make(map[string]*Entry)}
	if err := json.Unmarshal(data, reg); err != nil {
		return fmt.Errorf("failed to decode registry: %w", err)
	}
	m.reg = reg
	return nil
}

func (m *Manager) saveRegistryLocked() error {
	path := filepath.Join(m.root, registryFileName)
	data, err := json.MarshalIndent(m.reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit registry: %w", err)
	}
	return nil
}

// validateURL accepts http(s), ssh and git schemes plus scp-like remotes.
func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is empty")
	}
	if scpLikeRe.MatchString(raw) {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("URL does not parse: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git", "file":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	if u.Scheme != "file" && strings.TrimPrefix(u.Path, "/") == "" {
		return fmt.Errorf("URL has no repository path")
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
