package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/deployforge/deployforge/pkg/engine"
)

// Resolver loads deployment descriptors and validates materialized templates.
type Resolver struct {
	schema    *schemaChecker
	validate  *validator.Validate
	evaluator *variablesEvaluator
	logger    zerolog.Logger
}

// NewResolver creates a resolver with the embedded descriptor schema.
func NewResolver(logger zerolog.Logger) (*Resolver, error) {
	schema, err := newSchemaChecker()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		schema:    schema,
		validate:  validator.New(),
		evaluator: newVariablesEvaluator(0),
		logger:    logger.With().Str("component", "config").Logger(),
	}, nil
}

// Load reads a descriptor file, validates it and resolves its variables.
// The variables script, when declared, runs before the configuration is
// returned so downstream stages only ever see the final variable set.
func (r *Resolver) Load(ctx context.Context, path string) (*DeploymentConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("failed to read descriptor %s", path), err,
		)
	}

	// Decode twice: the generic map feeds the CUE schema, the struct feeds
	// the rest of the pipeline.
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("descriptor %s is not valid YAML", path), err,
		)
	}
	if findings := r.schema.check(doc); len(findings) > 0 {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("descriptor %s failed schema validation: %s", path, joinFindings(findings)), nil,
		)
	}

	var cfg DeploymentConfiguration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("failed to decode descriptor %s", path), err,
		)
	}
	if err := r.validate.Struct(&cfg); err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("descriptor %s failed validation", path), err,
		)
	}

	cfg.SourcePath = path
	cfg.LoadedAt = time.Now().UTC()
	if cfg.Variables == nil {
		cfg.Variables = map[string]string{}
	}

	if cfg.VariablesScript != "" {
		scriptPath := cfg.VariablesScript
		if !filepath.IsAbs(scriptPath) {
			scriptPath = filepath.Join(filepath.Dir(path), scriptPath)
		}
		script, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("failed to read variables script %s", scriptPath), err,
			)
		}
		resolved, err := r.evaluator.Evaluate(ctx, string(script), cfg.Variables, cfg.Environment)
		if err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("variables script %s failed", scriptPath), err,
			)
		}
		cfg.Variables = resolved
	}

	r.logger.Debug().
		Str("descriptor", path).
		Str("repository", cfg.Repository).
		Int("variables", len(cfg.Variables)).
		Msg("Descriptor loaded")

	return &cfg, nil
}

// ValidateTemplate checks a materialized template directory against the
// resolved variables. Missing required variables fail validation; variables
// the template does not declare are surfaced as warnings.
func (r *Resolver) ValidateTemplate(ctx context.Context, workDir string, variables map[string]string) ([]string, error) {
	markerPath := filepath.Join(workDir, "template.yaml")
	data, err := os.ReadFile(markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engine.NewPlanValidationError(
				fmt.Sprintf("template marker %s not found", markerPath), err,
			)
		}
		return nil, engine.NewPlanValidationError(
			fmt.Sprintf("failed to read template marker %s", markerPath), err,
		)
	}

	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, engine.NewPlanValidationError(
			fmt.Sprintf("template marker %s is not valid YAML", markerPath), err,
		)
	}
	if err := r.validate.Struct(&tmpl); err != nil {
		return nil, engine.NewPlanValidationError(
			fmt.Sprintf("template marker %s failed validation", markerPath), err,
		)
	}

	var missing []string
	for _, name := range tmpl.RequiredVariables {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, engine.NewPlanValidationError(
			fmt.Sprintf("template %s requires variables not provided: %s",
				tmpl.Name, strings.Join(missing, ", ")), nil,
		)
	}

	declared := make(map[string]bool, len(tmpl.RequiredVariables)+len(tmpl.OptionalVariables))
	for _, name := range tmpl.RequiredVariables {
		declared[name] = true
	}
	for _, name := range tmpl.OptionalVariables {
		declared[name] = true
	}

	var extras []string
	for name := range variables {
		if !declared[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)

	var warnings []string
	for _, name := range extras {
		warnings = append(warnings, fmt.Sprintf("variable %q is not declared by template %s", name, tmpl.Name))
	}
	return warnings, nil
}

func joinFindings(findings []ValidationError) string {
	parts := make([]string, len(findings))
	for i, f := range findings {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}
