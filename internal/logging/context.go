package logging

import (
	"context"

	"go.uber.org/zap"
)

type runIDCtxKey struct{}
type taskIDCtxKey struct{}

// WithRunID tags ctx with a run identifier picked up by every log call.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, runID)
}

// WithTaskID tags ctx with a task identifier.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDCtxKey{}, taskID)
}

// RunIDFromContext returns the run id stored in ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDCtxKey{}).(string)
	return id
}

// TaskIDFromContext returns the task id stored in ctx, if any.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDCtxKey{}).(string)
	return id
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 2)
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	return fields
}
