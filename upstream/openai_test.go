package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI("  ", ""); err == nil {
		t.Fatal("expected error for blank api key")
	}
}

func TestOpenAI_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		if body["temperature"] != 0.2 {
			t.Errorf("temperature = %v", body["temperature"])
		}
		if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
			t.Errorf("messages = %v, want system + user", body["messages"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1767225600,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "A lesson plan."}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI("sk-test", srv.URL+"/v1/")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	resp, err := p.Generate(context.Background(), Request{
		Model:  "gpt-4o-mini",
		System: "You are a teacher.",
		Prompt: "Plan a lesson on fractions",
		Params: map[string]any{"temperature": 0.2},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "A lesson plan." || resp.FinishReason != "stop" || resp.Provider != "openai" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 25 || resp.Usage.PromptTokens != 20 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"gpt-4o","choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI("sk-test", srv.URL+"/v1/")
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if _, err := p.Generate(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"}); err == nil {
		t.Fatal("expected error when no choices are returned")
	}
}
