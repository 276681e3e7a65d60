package config

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.starlark.net/starlark"
)

// variablesEvaluator runs a descriptor's variables script. The script sees
// the raw variables and environment as predeclared values and must define a
// global dict named "variables"; that dict replaces the raw set.
type variablesEvaluator struct {
	timeout time.Duration
}

func newVariablesEvaluator(timeout time.Duration) *variablesEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &variablesEvaluator{timeout: timeout}
}

// Evaluate executes the script and returns the computed variables.
func (e *variablesEvaluator) Evaluate(ctx context.Context, script string, raw map[string]string, environment string) (map[string]string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan map[string]string, 1)
	errCh := make(chan error, 1)

	go func() {
		out, err := e.evaluateSync(script, raw, environment)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("variables script timed out after %v", e.timeout)
	case err := <-errCh:
		return nil, err
	case out := <-resultCh:
		return out, nil
	}
}

func (e *variablesEvaluator) evaluateSync(script string, raw map[string]string, environment string) (map[string]string, error) {
	thread := &starlark.Thread{
		Name: "variables",
		Print: func(_ *starlark.Thread, _ string) {
			// Scripts must not write to the terminal.
		},
	}

	vars := starlark.NewDict(len(raw))
	for k, v := range raw {
		if err := vars.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, fmt.Errorf("failed to seed variable %s: %w", k, err)
		}
	}

	predeclared := starlark.StringDict{
		"variables":   vars,
		"environment": starlark.String(environment),
	}

	globals, err := starlark.ExecFile(thread, "variables.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("variables script failed: %w", err)
	}

	out, ok := globals["variables"]
	if !ok {
		return nil, fmt.Errorf("variables script must define a global dict named \"variables\"")
	}
	dict, ok := out.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("variables global must be a dict, got %s", out.Type())
	}

	result := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("variable names must be strings, got %s", item[0].Type())
		}
		val, err := stringifyStarlark(item[1])
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", key, err)
		}
		result[string(key)] = val
	}
	return result, nil
}

// stringifyStarlark coerces scalar script outputs to strings; variables are
// strings on the wire regardless of how the script computed them.
func stringifyStarlark(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(val)), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %s", v.Type())
	}
}
