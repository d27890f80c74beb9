package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/eugener/shadowfax/internal/model"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "typical bearer", raw: "sk-proj-abc123xyz"},
		{name: "long key", raw: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4a1b2c3d4e5f6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
			if len(got) != 64 {
				t.Errorf("HashKey len = %d, want 64", len(got))
			}
		})
	}

	t.Run("distinct inputs produce distinct hashes", func(t *testing.T) {
		t.Parallel()
		if HashKey("key1") == HashKey("key2") {
			t.Error("distinct inputs produced same hash")
		}
	})
}

func TestExtensions(t *testing.T) {
	t.Parallel()

	t.Run("nil on bare context", func(t *testing.T) {
		t.Parallel()
		if ext := Ext(context.Background()); ext != nil {
			t.Errorf("expected nil, got %v", ext)
		}
		if got := RequestIDFromContext(context.Background()); got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})

	t.Run("mutation visible through same ctx", func(t *testing.T) {
		t.Parallel()
		// Simulate the stack: the shell attaches the bag, later layers
		// mutate the same pointer without re-wrapping the request.
		ctx := WithExtensions(context.Background(), &Extensions{RequestID: "r1"})
		ext := Ext(ctx)
		if ext == nil || ext.RequestID != "r1" {
			t.Fatalf("Ext = %+v, want RequestID r1", ext)
		}
		ext.Provider = model.ProviderAnthropic
		ext.ProviderRequestID = "req_upstream"
		ext.Mapper = &MapperContext{Stream: true}

		again := Ext(ctx)
		if again.Provider != model.ProviderAnthropic || again.ProviderRequestID != "req_upstream" {
			t.Errorf("mutation not visible: %+v", again)
		}
		if again.Mapper == nil || !again.Mapper.Stream {
			t.Error("mapper context mutation not visible")
		}
		if got := RequestIDFromContext(ctx); got != "r1" {
			t.Errorf("RequestIDFromContext = %q, want r1", got)
		}
	})
}

func TestSecrets(t *testing.T) {
	t.Parallel()

	s := NewSecrets(map[model.InferenceProvider]string{
		model.ProviderOpenAI:    "sk-one",
		model.ProviderAnthropic: "",
	})

	if k, ok := s.Get(model.ProviderOpenAI); !ok || k != "sk-one" {
		t.Errorf("Get(openai) = (%q, %v), want (sk-one, true)", k, ok)
	}
	if _, ok := s.Get(model.ProviderAnthropic); ok {
		t.Error("empty key must read as absent")
	}
	if _, ok := s.Get(model.ProviderOllama); ok {
		t.Error("missing provider must read as absent")
	}

	s.Set(model.ProviderAnthropic, "sk-two")
	if k, ok := s.Get(model.ProviderAnthropic); !ok || k != "sk-two" {
		t.Errorf("Get after Set = (%q, %v), want (sk-two, true)", k, ok)
	}
}

func TestRateLimitedError(t *testing.T) {
	t.Parallel()

	err := &RateLimitedError{RetryAfter: 1500 * time.Millisecond}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitedError must match ErrRateLimited")
	}
	if got := err.RetryAfterSeconds(); got != 2 {
		t.Errorf("RetryAfterSeconds = %d, want 2 (rounded up)", got)
	}
	zero := &RateLimitedError{}
	if got := zero.RetryAfterSeconds(); got != 1 {
		t.Errorf("RetryAfterSeconds on zero hint = %d, want 1", got)
	}
}

func TestAuthContextHasScope(t *testing.T) {
	t.Parallel()

	a := &AuthContext{UserID: "u1", Scopes: []string{"chat", "embeddings"}}
	if !a.HasScope("chat") {
		t.Error("expected chat scope")
	}
	if a.HasScope("admin") {
		t.Error("unexpected admin scope")
	}
}
