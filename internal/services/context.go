package services

import "context"

type contextKey string

const (
	entityKey    contextKey = "entity"
	moduleKey    contextKey = "module"
	runIDKey     contextKey = "run_id"
	requestIDKey contextKey = "request_id"
)

// WithEntity annotates context with the entity path relative to the data root.
func WithEntity(ctx context.Context, path string) context.Context {
	if path == "" {
		return ctx
	}
	return context.WithValue(ctx, entityKey, path)
}

// EntityFromContext returns the entity path if present.
func EntityFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(entityKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithModule annotates context with the processing module name.
func WithModule(ctx context.Context, module string) context.Context {
	if module == "" {
		return ctx
	}
	return context.WithValue(ctx, moduleKey, module)
}

// ModuleFromContext returns the module name if present.
func ModuleFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(moduleKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
