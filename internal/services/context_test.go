package services_test

import (
	"context"
	"testing"

	"slug/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithEntity(ctx, "ProjA/Sub1/Study1/Series1")
	ctx = services.WithModule(ctx, "convert")
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithRequestID(ctx, "req-123")

	if path, ok := services.EntityFromContext(ctx); !ok || path != "ProjA/Sub1/Study1/Series1" {
		t.Fatalf("unexpected entity: %v %v", path, ok)
	}
	if module, ok := services.ModuleFromContext(ctx); !ok || module != "convert" {
		t.Fatalf("unexpected module: %v %v", module, ok)
	}
	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := services.WithModule(context.Background(), "")
	if _, ok := services.ModuleFromContext(ctx); ok {
		t.Fatal("expected no module value")
	}
}
