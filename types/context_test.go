package types

import (
	"context"
	"testing"
)

func TestContextPropagation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace")
	ctx = WithTenantID(ctx, "tenant")
	ctx = WithUserID(ctx, "user")
	ctx = WithRunID(ctx, "run")
	ctx = WithSessionID(ctx, "session")
	ctx = WithRoles(ctx, []string{"operator"})

	if v, ok := TraceID(ctx); !ok || v != "trace" {
		t.Fatalf("trace id: got %q ok=%v", v, ok)
	}
	if v, ok := TenantID(ctx); !ok || v != "tenant" {
		t.Fatalf("tenant id: got %q ok=%v", v, ok)
	}
	if v, ok := UserID(ctx); !ok || v != "user" {
		t.Fatalf("user id: got %q ok=%v", v, ok)
	}
	if v, ok := RunID(ctx); !ok || v != "run" {
		t.Fatalf("run id: got %q ok=%v", v, ok)
	}
	if v, ok := SessionID(ctx); !ok || v != "session" {
		t.Fatalf("session id: got %q ok=%v", v, ok)
	}
	if v, ok := Roles(ctx); !ok || len(v) != 1 || v[0] != "operator" {
		t.Fatalf("roles: got %v ok=%v", v, ok)
	}
}

func TestContextMissingValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := TraceID(ctx); ok {
		t.Fatalf("expected missing trace id")
	}
	if _, ok := Roles(ctx); ok {
		t.Fatalf("expected missing roles")
	}
	// 空字符串视为未设置
	if _, ok := RunID(WithRunID(ctx, "")); ok {
		t.Fatalf("empty run id should read as unset")
	}
}
