package aiguard

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a Guard and the stores behind it.
type Config struct {
	// Cache configures the response cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// RateLimit configures the fixed-window limiter and its per-endpoint quotas.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	// Upstreams lists the AI services requests are forwarded to on a miss.
	Upstreams []UpstreamConfig `json:"upstreams" yaml:"upstreams"`
	// RequestLog optionally persists one row per request outcome.
	RequestLog RequestLogConfig `json:"request_log,omitempty" yaml:"request_log,omitempty"`
	// Maintenance schedules expired-entry sweeps and window pruning.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StoreConfig selects and addresses a storage backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres or redis. Defaults to memory.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// DSN is a file path for sqlite, a connection string for postgres and a
	// redis:// URL for redis.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Prefix namespaces Redis keys.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// Shards sets the lock stripe count of the memory backend.
	Shards int `json:"shards,omitempty" yaml:"shards,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Store      StoreConfig `json:"store" yaml:"store"`
	DefaultTTL Duration    `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty"`
}

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	Store StoreConfig `json:"store" yaml:"store"`
	// FailOpen admits requests when the store is unavailable.
	FailOpen bool `json:"fail_open,omitempty" yaml:"fail_open,omitempty"`
	// Policies maps endpoint names to quotas. The "*" entry applies to
	// endpoints without their own.
	Policies map[string]PolicyConfig `json:"policies" yaml:"policies"`
}

// PolicyConfig is a quota of Limit requests per Window.
type PolicyConfig struct {
	Limit  int64    `json:"limit" yaml:"limit"`
	Window Duration `json:"window" yaml:"window"`
}

// Upstream types.
const (
	UpstreamOpenAI  = "openai"
	UpstreamBedrock = "bedrock"
	UpstreamHTTP    = "http"
)

// UpstreamConfig describes one AI service.
type UpstreamConfig struct {
	// Name identifies an http upstream. openai and bedrock upstreams are
	// always named after their type.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Type string `json:"type" yaml:"type"`
	// Models lists the model-name prefixes routed here. Empty routes every
	// model not claimed by another upstream.
	Models   []string      `json:"models,omitempty" yaml:"models,omitempty"`
	APIKey   string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Region   string        `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	OAuth2   *OAuth2Config `json:"oauth2,omitempty" yaml:"oauth2,omitempty"`
	Timeout  Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// CircuitBreaker wraps the client in a breaker when set.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	// Throttle caps outbound calls to this upstream.
	Throttle *ThrottleConfig `json:"throttle,omitempty" yaml:"throttle,omitempty"`
	// Fallback names other upstreams tried in order when this one fails.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// Retries is the number of attempts per upstream in a fallback chain.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// ThrottleConfig is a token bucket of RPS calls per second with Burst capacity.
type ThrottleConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// OAuth2Config holds client-credentials settings for an http upstream.
type OAuth2Config struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// CircuitBreakerConfig tunes the per-upstream breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int      `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RequestLogConfig configures the request log.
type RequestLogConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Backend is sqlite (default) or postgres.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// MaintenanceConfig configures the background sweeper.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Schedule is a cron spec such as "*/5 * * * *" or "@every 10m".
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	// Retention keeps rate-limit windows that reset within this long ago.
	// Zero keeps every window, except on the memory backend where it means
	// DefaultMemoryRetention.
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "1h30m") in config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
