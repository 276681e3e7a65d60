package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromPathsRego(t *testing.T) {
	dir := t.TempDir()
	regoSrc := `# Restricts deployments to approved regions
package custom.policies.regions

import rego.v1

deny contains "nope" if {
	input.variables.region == "mars-central-1"
}
`
	path := filepath.Join(dir, "regions.rego")
	if err := os.WriteFile(path, []byte(regoSrc), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "regions" {
		t.Errorf("expected name regions, got %s", policies[0].Name)
	}
	if policies[0].Description != "Restricts deployments to approved regions" {
		t.Errorf("unexpected description: %q", policies[0].Description)
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("expected default warning severity, got %s", policies[0].Severity)
	}
	if !policies[0].Enabled {
		t.Error("expected policy enabled by default")
	}
}

func TestLoadFromPathsJSON(t *testing.T) {
	dir := t.TempDir()
	doc := Policy{
		Name:     "json-policy",
		Rego:     "package custom.policies.json\n\nimport rego.v1\n",
		Severity: SeverityError,
		Enabled:  true,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "json-policy" {
		t.Fatalf("expected json-policy, got %v", policies)
	}
	if policies[0].Severity != SeverityError {
		t.Errorf("expected error severity, got %s", policies[0].Severity)
	}
	if policies[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt defaulted")
	}
}

func TestLoadFromDirectorySkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"good.rego":  "package custom.policies.good\n\nimport rego.v1\n",
		"bad.json":   "{not json",
		"ignore.txt": "not a policy",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "good" {
		t.Fatalf("expected only the good policy, got %v", policies)
	}
}

func TestLoadFromMissingPath(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	_, err := l.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.rego")
	if err := os.WriteFile(path, []byte("package custom.policies.cached\n\nimport rego.v1\n"), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	l := NewLoader(zerolog.Nop())
	first, err := l.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}

	// Rewrite on disk; the cached copy is still served until cleared.
	if err := os.WriteFile(path, []byte("package custom.policies.other\n\nimport rego.v1\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite policy: %v", err)
	}
	second, err := l.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if first != second {
		t.Error("expected cached policy instance")
	}

	l.ClearCache()
	third, err := l.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if third == first {
		t.Error("expected reload after cache clear")
	}
}
