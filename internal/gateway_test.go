package gateway

import (
	"context"
	"strings"
	"testing"
)

func TestChatRequestValidate(t *testing.T) {
	t.Parallel()

	temp := func(v float64) *float64 { return &v }
	toks := func(v int) *int { return &v }

	valid := ChatRequest{
		Model:    "mock-1",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name string
		req  ChatRequest
		want string
	}{
		{"empty model", ChatRequest{Messages: valid.Messages}, "model"},
		{"no messages", ChatRequest{Model: "mock-1"}, "messages"},
		{"bad role", ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "robot", Content: "x"}}}, "role"},
		{"empty content", ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user"}}}, "content"},
		{"temperature too high", ChatRequest{Model: "m", Messages: valid.Messages, Temperature: temp(2.5)}, "temperature"},
		{"negative temperature", ChatRequest{Model: "m", Messages: valid.Messages, Temperature: temp(-0.1)}, "temperature"},
		{"zero max_tokens", ChatRequest{Model: "m", Messages: valid.Messages, MaxTokens: toks(0)}, "max_tokens"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestKeyHasher(t *testing.T) {
	t.Parallel()

	h := NewKeyHasher("secret-a")
	a := h.Hash("tg_abc")
	b := h.Hash("tg_abc")
	if a != b {
		t.Error("hash is not deterministic")
	}
	if a == h.Hash("tg_abd") {
		t.Error("distinct inputs produced identical digests")
	}
	if a == NewKeyHasher("secret-b").Hash("tg_abc") {
		t.Error("digest does not depend on the secret")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if strings.ToLower(a) != a {
		t.Error("digest is not lowercase hex")
	}
}

func TestKeyLast6(t *testing.T) {
	t.Parallel()

	k := &APIKey{KeyHash: "0123456789abcdef"}
	if got := k.KeyLast6(); got != "abcdef" {
		t.Errorf("KeyLast6 = %q", got)
	}
	short := &APIKey{KeyHash: "abc"}
	if got := short.KeyLast6(); got != "abc" {
		t.Errorf("KeyLast6 short = %q", got)
	}
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}

	tenant := &Tenant{ID: "t1", Name: "acme"}
	ctx2 := ContextWithTenant(ctx, tenant)
	if ctx2 != ctx {
		t.Error("expected tenant stored by mutation of existing meta")
	}
	if got := TenantFromContext(ctx2); got != tenant {
		t.Error("tenant not retrievable from context")
	}

	// Without prior metadata, a fresh context value is created.
	ctx3 := ContextWithTenant(context.Background(), tenant)
	if got := TenantFromContext(ctx3); got != tenant {
		t.Error("tenant not retrievable from fresh context")
	}
	if got := TenantFromContext(context.Background()); got != nil {
		t.Error("empty context should have no tenant")
	}
}
