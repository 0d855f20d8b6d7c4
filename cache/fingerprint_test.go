package cache

import (
	"errors"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	params := map[string]any{"temperature": 0.2, "max_tokens": 256}
	a, err := Fingerprint("Explain photosynthesis", "gpt-4o", params)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint("Explain photosynthesis", "gpt-4o", params)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestFingerprint_ParamOrderIndependent(t *testing.T) {
	p1 := map[string]any{
		"temperature": 0.2,
		"max_tokens":  256,
		"tools": map[string]any{
			"b": []any{1, 2},
			"a": "x",
		},
	}
	p2 := map[string]any{}
	p2["tools"] = map[string]any{"a": "x", "b": []any{1, 2}}
	p2["max_tokens"] = 256
	p2["temperature"] = 0.2

	k1, err := Fingerprint("prompt", "gpt-4o", p1)
	if err != nil {
		t.Fatalf("fingerprint p1: %v", err)
	}
	k2, err := Fingerprint("prompt", "gpt-4o", p2)
	if err != nil {
		t.Fatalf("fingerprint p2: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("permuted params produced different keys: %s vs %s", k1, k2)
	}
}

func TestFingerprint_Normalisation(t *testing.T) {
	base, _ := Fingerprint("write a haiku about rain", "gpt-4o", nil)

	tests := []struct {
		name   string
		prompt string
		model  string
		params map[string]any
	}{
		{name: "surrounding whitespace", prompt: "  write a haiku about rain\n", model: "gpt-4o"},
		{name: "internal whitespace runs", prompt: "write  a\thaiku\n\nabout rain", model: "gpt-4o"},
		{name: "model case", prompt: "write a haiku about rain", model: " GPT-4o "},
		{name: "empty params", prompt: "write a haiku about rain", model: "gpt-4o", params: map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fingerprint(tt.prompt, tt.model, tt.params)
			if err != nil {
				t.Fatalf("fingerprint: %v", err)
			}
			if got != base {
				t.Fatalf("expected %s, got %s", base, got)
			}
		})
	}
}

func TestFingerprint_DistinctInputs(t *testing.T) {
	base, _ := Fingerprint("prompt", "gpt-4o", map[string]any{"temperature": 0.2})
	others := []struct {
		prompt string
		model  string
		params map[string]any
	}{
		{"prompt!", "gpt-4o", map[string]any{"temperature": 0.2}},
		{"prompt", "gpt-4o-mini", map[string]any{"temperature": 0.2}},
		{"prompt", "gpt-4o", map[string]any{"temperature": 0.3}},
		{"prompt", "gpt-4o", nil},
	}
	for _, o := range others {
		got, err := Fingerprint(o.prompt, o.model, o.params)
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		if got == base {
			t.Errorf("expected a different key for %+v", o)
		}
	}
}

func TestFingerprint_InvalidInput(t *testing.T) {
	if _, err := Fingerprint("   ", "gpt-4o", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for blank prompt, got %v", err)
	}
	if _, err := Fingerprint("hello", "", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for blank model, got %v", err)
	}
	if _, err := Fingerprint("hello", "gpt-4o", map[string]any{"bad": make(chan int)}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for unencodable params, got %v", err)
	}
}

func TestPromptHash(t *testing.T) {
	if PromptHash("a") == PromptHash("a ") {
		t.Fatal("prompt hash should cover raw bytes")
	}
	if PromptHash("a") != PromptHash("a") {
		t.Fatal("prompt hash should be stable")
	}
}
