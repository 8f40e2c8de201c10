// Package ctxkeys carries run-scoped identifiers through context so logs on
// deep call paths can be correlated with the run that caused them.
// This package is internal and should not be imported by external projects.
package ctxkeys

import "context"

type contextKey string

const (
	runIDKey  contextKey = "run_id"
	stepIDKey contextKey = "step_id"
)

// WithRunID attaches the run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run id, false when unset.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStepID attaches the dispatched step id.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// StepID returns the dispatched step id, false when unset.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
