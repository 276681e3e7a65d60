package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/deployforge/deployforge/pkg/engine"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func writeDescriptor(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}
	return path
}

func TestLoadValidDescriptor(t *testing.T) {
	r := newTestResolver(t)
	path := writeDescriptor(t, t.TempDir(), `
name: web-frontend
repository: templates-web
environment: staging
variables:
  region: eu-west-1
  replicas: "3"
stages:
  apply:
    parallelism: 8
  verify:
    skip: false
`)

	cfg, err := r.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "web-frontend" {
		t.Errorf("expected name web-frontend, got %s", cfg.Name)
	}
	if cfg.Repository != "templates-web" {
		t.Errorf("expected repository templates-web, got %s", cfg.Repository)
	}
	if cfg.Variables["region"] != "eu-west-1" {
		t.Errorf("expected region variable, got %v", cfg.Variables)
	}
	if cfg.Stages.Apply.Parallelism != 8 {
		t.Errorf("expected parallelism 8, got %d", cfg.Stages.Apply.Parallelism)
	}
	if cfg.SourcePath != path {
		t.Errorf("expected source path %s, got %s", path, cfg.SourcePath)
	}
	if cfg.LoadedAt.IsZero() {
		t.Error("expected LoadedAt to be set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	if !engine.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	r := newTestResolver(t)
	path := writeDescriptor(t, t.TempDir(), "name: [unclosed")
	_, err := r.Load(context.Background(), path)
	if !engine.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadSchemaViolations(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
	}{
		{
			name: "missing repository",
			descriptor: `
name: web
`,
		},
		{
			name: "parallelism out of range",
			descriptor: `
name: web
repository: templates-web
stages:
  apply:
    parallelism: 200
`,
		},
		{
			name: "bad repository name",
			descriptor: `
name: web
repository: "-leading-dash"
`,
		},
		{
			name: "script without star extension",
			descriptor: `
name: web
repository: templates-web
variables_script: compute.py
`,
		},
	}

	r := newTestResolver(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDescriptor(t, t.TempDir(), tt.descriptor)
			_, err := r.Load(context.Background(), path)
			if !engine.IsConfigurationError(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoadRunsVariablesScript(t *testing.T) {
	dir := t.TempDir()
	script := `
out = dict(variables)
out["image"] = "registry/" + variables["app"] + ":v1"
out["replicas"] = 3
out["is_prod"] = environment == "production"
variables = out
`
	if err := os.WriteFile(filepath.Join(dir, "compute.star"), []byte(script), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	path := writeDescriptor(t, dir, `
name: web
repository: templates-web
environment: production
variables:
  app: frontend
variables_script: compute.star
`)

	r := newTestResolver(t)
	cfg, err := r.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Variables["image"] != "registry/frontend:v1" {
		t.Errorf("expected computed image, got %q", cfg.Variables["image"])
	}
	if cfg.Variables["replicas"] != "3" {
		t.Errorf("expected int coerced to string, got %q", cfg.Variables["replicas"])
	}
	if cfg.Variables["is_prod"] != "true" {
		t.Errorf("expected bool coerced to string, got %q", cfg.Variables["is_prod"])
	}
}

func TestLoadScriptFailure(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.star"), []byte(`fail("boom")`), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	path := writeDescriptor(t, dir, `
name: web
repository: templates-web
variables_script: bad.star
`)

	r := newTestResolver(t)
	_, err := r.Load(context.Background(), path)
	if !engine.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func writeTemplate(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write template marker: %v", err)
	}
}

func TestValidateTemplateSuccess(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, `
name: web-template
required_variables: [region]
optional_variables: [replicas]
`)

	r := newTestResolver(t)
	warnings, err := r.ValidateTemplate(context.Background(), dir, map[string]string{
		"region":   "eu-west-1",
		"replicas": "3",
	})
	if err != nil {
		t.Fatalf("ValidateTemplate failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestValidateTemplateMissingMarker(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.ValidateTemplate(context.Background(), t.TempDir(), nil)
	if !engine.IsPlanValidationError(err) {
		t.Fatalf("expected plan validation error, got %v", err)
	}
}

func TestValidateTemplateMissingRequired(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, `
name: web-template
required_variables: [region, zone]
`)

	r := newTestResolver(t)
	_, err := r.ValidateTemplate(context.Background(), dir, map[string]string{"region": "eu-west-1"})
	if !engine.IsPlanValidationError(err) {
		t.Fatalf("expected plan validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "zone") {
		t.Errorf("expected missing variable named in error, got %v", err)
	}
}

func TestValidateTemplateExtraVariablesWarn(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, `
name: web-template
required_variables: [region]
`)

	r := newTestResolver(t)
	warnings, err := r.ValidateTemplate(context.Background(), dir, map[string]string{
		"region": "eu-west-1",
		"color":  "blue",
	})
	if err != nil {
		t.Fatalf("ValidateTemplate failed: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "color") {
		t.Errorf("expected one warning about color, got %v", warnings)
	}
}
