package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	name string
	resp *Response
	err  error
	reqs []Request
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Generate(_ context.Context, req Request) (*Response, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestRegistry_Resolve(t *testing.T) {
	openai := &stubClient{name: "openai"}
	bedrock := &stubClient{name: "bedrock"}
	fallback := &stubClient{name: "http"}

	r := NewRegistry()
	r.Register(openai, "gpt-", "o1")
	r.Register(bedrock, "anthropic.")
	r.Register(fallback)

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"GPT-4o-mini", "openai"},
		{"o1-preview", "openai"},
		{"anthropic.claude-3-haiku-20240307-v1:0", "bedrock"},
		{"llama-3", "http"},
	}
	for _, tt := range tests {
		c, err := r.Resolve(tt.model)
		if err != nil {
			t.Fatalf("resolve %s: %v", tt.model, err)
		}
		if c.Name() != tt.want {
			t.Errorf("resolve %s = %s, want %s", tt.model, c.Name(), tt.want)
		}
	}

	if names := r.Names(); len(names) != 3 || names[0] != "bedrock" {
		t.Fatalf("unexpected names %v", names)
	}
	if _, ok := r.Get("openai"); !ok {
		t.Fatal("expected openai to be registered")
	}
}

func TestRegistry_NoUpstream(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubClient{name: "openai"}, "gpt-")
	if _, err := r.Resolve("claude"); !errors.Is(err, ErrNoUpstream) {
		t.Fatalf("expected ErrNoUpstream, got %v", err)
	}
}

func TestParamHelpers(t *testing.T) {
	var decoded map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"temperature":0.5,"max_tokens":256,"n":1.5,"stop":["\n","END"],"one":"x"}`))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if v, ok := Float(decoded, "temperature"); !ok || v != 0.5 {
		t.Fatalf("temperature = %v, %v", v, ok)
	}
	if v, ok := Int(decoded, "max_tokens"); !ok || v != 256 {
		t.Fatalf("max_tokens = %v, %v", v, ok)
	}
	if _, ok := Int(decoded, "n"); ok {
		t.Fatal("expected fractional n to be rejected as int")
	}
	if _, ok := Float(decoded, "missing"); ok {
		t.Fatal("expected missing key to report false")
	}
	if got := Strings(decoded, "stop"); len(got) != 2 || got[1] != "END" {
		t.Fatalf("stop = %v", got)
	}
	if got := Strings(decoded, "one"); len(got) != 1 || got[0] != "x" {
		t.Fatalf("one = %v", got)
	}
	if v, ok := Int(map[string]any{"k": 3}, "k"); !ok || v != 3 {
		t.Fatalf("int param = %v, %v", v, ok)
	}
}
