// Package repocache manages local mirrors of registered template
// repositories. Repositories are registered once, synced on a freshness TTL
// and resolved to local paths by deployment runs. A mirror that exists but
// cannot be refreshed stays usable, so deployments keep working offline.
package repocache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status tracks the lifecycle of a registered repository.
type Status string

const (
	// StatusRegistered means the repository is known but never cloned.
	StatusRegistered Status = "registered"

	// StatusSynced means a local mirror exists and the last sync succeeded.
	StatusSynced Status = "synced"

	// StatusCloneFailed means the last clone or fetch attempt failed. A
	// previously cloned mirror, if any, remains usable.
	StatusCloneFailed Status = "clone_failed"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusRegistered, StatusSynced, StatusCloneFailed:
		return nil
	default:
		return fmt.Errorf("invalid repository status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Entry is one registered repository in the registry document.
type Entry struct {
	// Name is the unique registry key.
	Name string `json:"name"`

	// URL is the remote location the mirror tracks.
	URL string `json:"url"`

	// Branch is the branch to track; empty means the remote default.
	Branch string `json:"branch,omitempty"`

	// LocalPath is the mirror directory under the cache root.
	LocalPath string `json:"local_path"`

	// CredentialRef is an opaque reference resolved by the credential
	// store; empty means anonymous access.
	CredentialRef string `json:"credential_ref,omitempty"`

	// CacheTTL is how long a sync stays fresh.
	CacheTTL time.Duration `json:"cache_ttl"`

	// LastSync is the time of the last successful sync, zero if never.
	LastSync time.Time `json:"last_sync,omitempty"`

	// Status is the current lifecycle status.
	Status Status `json:"status"`

	// RegisteredAt is when the entry was created.
	RegisteredAt time.Time `json:"registered_at"`

	// Tags are free-form operator labels.
	Tags []string `json:"tags,omitempty"`
}

// Fresh reports whether the mirror is within its TTL relative to now.
func (e *Entry) Fresh(now time.Time) bool {
	if e.LastSync.IsZero() {
		return false
	}
	return now.Sub(e.LastSync) <= e.CacheTTL
}

// registry is the persisted registry document.
type registry struct {
	Version      int               `json:"version"`
	Repositories map[string]*Entry `json:"repositories"`
}

// TTL bounds for registered repositories.
const (
	MinCacheTTL     = 5 * time.Minute
	MaxCacheTTL     = 7 * 24 * time.Hour
	DefaultCacheTTL = time.Hour
)

// RegisterOptions carries optional settings for Register.
type RegisterOptions struct {
	// Branch to track; empty means the remote default branch.
	Branch string

	// CacheTTL overrides the default freshness window. Zero means default.
	CacheTTL time.Duration

	// CredentialRef names the credential used for clone and fetch.
	CredentialRef string

	// AutoSync clones immediately after registration.
	AutoSync bool

	// Update allows overwriting an existing registration in place.
	Update bool

	// Tags are free-form operator labels.
	Tags []string
}
