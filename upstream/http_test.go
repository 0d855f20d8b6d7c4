package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTP_GenerateWithAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "house-7b" || req.Prompt != "Explain fractions" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"r-1","text":"Fractions are parts of a whole.","usage":{"prompt_tokens":12,"completion_tokens":8}}`))
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Name: "house", Endpoint: srv.URL, APIKey: "secret", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	resp, err := h.Generate(context.Background(), Request{Model: "house-7b", Prompt: "Explain fractions"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Provider != "house" || resp.Model != "house-7b" {
		t.Fatalf("unexpected provider/model %s/%s", resp.Provider, resp.Model)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Fatalf("TotalTokens = %d, want 20", resp.Usage.TotalTokens)
	}
}

func TestHTTP_GenerateWithOAuth2(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if gt := r.Form.Get("grant_type"); gt != "client_credentials" {
			t.Errorf("grant_type = %q", gt)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"house-7b","text":"ok","usage":{"total_tokens":3}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{
		Endpoint: srv.URL + "/generate",
		APIKey:   "ignored",
		OAuth2: &OAuth2Config{
			ClientID:     "aiguard",
			ClientSecret: "shh",
			TokenURL:     srv.URL + "/token",
		},
	})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	for i := 0; i < 2; i++ {
		resp, err := h.Generate(context.Background(), Request{Model: "house-7b", Prompt: "hi"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if resp.Text != "ok" || resp.Provider != "http" {
			t.Fatalf("unexpected response %+v", resp)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
}

func TestHTTP_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	_, err = h.Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}

func TestNewHTTP_RequiresEndpoint(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
