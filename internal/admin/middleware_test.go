package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = IdentifierFromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	store := NewKeyStore()
	key, _ := store.Create("test", []string{ScopeAdmin}, nil)

	var gotName string
	handler := AuthMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		k, ok := APIKeyFromContext(r.Context())
		if ok {
			gotName = k.Name
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}
	if gotName != "test" {
		t.Errorf("expected key in context, got %q", gotName)
	}
}

func TestAuthMiddleware_XAPIKeyHeader(t *testing.T) {
	store := NewKeyStore()
	key, _ := store.Create("test", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", key.Key)
	w := httptest.NewRecorder()
	AuthMiddleware(store)(okHandler(nil)).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	store := NewKeyStore()
	revoked, _ := store.Create("revoked", nil, nil)
	_ = store.Revoke(revoked.ID)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"no header", "", "missing_api_key"},
		{"basic auth", "Basic Zm9vOmJhcg==", "missing_api_key"},
		{"unknown key", "Bearer ag-nope", "invalid_api_key"},
		{"revoked key", "Bearer " + revoked.Key, "invalid_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(store)(okHandler(nil)).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("got status %d, want 401", w.Code)
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Type != "authentication_error" || body.Error.Code != tt.code {
				t.Errorf("unexpected error body %+v", body.Error)
			}
		})
	}
}

func TestIdentify_Anonymous(t *testing.T) {
	var id string
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	w := httptest.NewRecorder()
	Identify(NewKeyStore(), false)(okHandler(&id)).ServeHTTP(w, req)

	if w.Code != http.StatusOK || id != "ip:203.0.113.9" {
		t.Errorf("got status %d identifier %q", w.Code, id)
	}
}

func TestIdentify_KeyedCaller(t *testing.T) {
	store := NewKeyStore()
	key, _ := store.Create("tutor-app", []string{ScopeGenerate}, nil)

	var id string
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	w := httptest.NewRecorder()
	Identify(store, true)(okHandler(&id)).ServeHTTP(w, req)

	if w.Code != http.StatusOK || id != "key:tutor-app" {
		t.Errorf("got status %d identifier %q", w.Code, id)
	}
}

func TestIdentify_Rejects(t *testing.T) {
	store := NewKeyStore()
	reader, _ := store.Create("dashboard", []string{ScopeReadOnly}, nil)

	tests := []struct {
		name       string
		header     string
		requireKey bool
		want       int
	}{
		{"missing key when required", "", true, http.StatusUnauthorized},
		{"invalid key", "Bearer ag-nope", false, http.StatusUnauthorized},
		{"key without generate scope", "Bearer " + reader.Key, false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			Identify(store, tt.requireKey)(okHandler(nil)).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("got status %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRequireScope_NoKeyInContext(t *testing.T) {
	w := httptest.NewRecorder()
	RequireScope(ScopeAdmin)(okHandler(nil)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", w.Code)
	}
}

func TestWriteError_Defaults(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusTooManyRequests, "slow down", "", "")

	var body struct {
		Error map[string]string `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Error["type"] != "rate_limit_error" || body.Error["code"] != "rate_limit_error" || body.Error["message"] != "slow down" {
		t.Errorf("unexpected body %v", body.Error)
	}
}
