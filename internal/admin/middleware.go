package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	apiKeyContextKey     contextKey = "api_key"
	identifierContextKey contextKey = "identifier"
)

// API key permission scopes.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
	ScopeGenerate = "generate"
)

// APIKeyFromContext retrieves the authenticated API key from the request context.
func APIKeyFromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*APIKey)
	return key, ok
}

// IdentifierFromContext returns the rate-limit identifier set by Identify.
func IdentifierFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identifierContextKey).(string)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, true
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", true
	}
	return strings.TrimPrefix(auth, "Bearer "), true
}

// AuthMiddleware returns a chi-compatible middleware that validates API keys
// and stores the authenticated key in the request context.
func AuthMiddleware(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, present := bearerToken(r)
			if !present || key == "" {
				WriteError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_api_key")
				return
			}
			apiKey, ok := store.ValidateKey(key)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "invalid or revoked API key", "authentication_error", "invalid_api_key")
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identify resolves who a request is rate limited as. A request carrying an
// API key must present a valid key with the generate scope and is identified
// as "key:<name>". With requireKey false, anonymous requests are identified
// by client address as "ip:<addr>"; place chi's RealIP middleware in front
// when running behind a proxy.
func Identify(store Store, requireKey bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, present := bearerToken(r)
			switch {
			case present:
				apiKey, ok := store.ValidateKey(key)
				if !ok {
					WriteError(w, http.StatusUnauthorized, "invalid or revoked API key", "authentication_error", "invalid_api_key")
					return
				}
				if !apiKey.HasScope(ScopeGenerate) {
					WriteError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
					return
				}
				ctx = context.WithValue(ctx, apiKeyContextKey, apiKey)
				ctx = context.WithValue(ctx, identifierContextKey, "key:"+apiKey.Name)
			case requireKey:
				WriteError(w, http.StatusUnauthorized, "missing API key", "authentication_error", "missing_api_key")
				return
			default:
				ctx = context.WithValue(ctx, identifierContextKey, "ip:"+clientIP(r))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireScope returns a middleware that checks whether the authenticated key
// has at least one of the required scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, ok := APIKeyFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			if !apiKey.HasScope(scopes...) {
				WriteError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes a JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func WriteError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
