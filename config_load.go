package aiguard

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lorma-edu/aiguard/ratelimit"
)

//go:embed config.schema.json
var configSchemaJSON string

const configSchemaURL = "https://github.com/lorma-edu/aiguard/config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(configSchemaURL, strings.NewReader(configSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load config schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(configSchemaURL)
	})
	return schema, schemaErr
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return ParseConfig(data, "yaml")
	case ".json":
		return ParseConfig(data, "json")
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
}

// ParseConfig expands ${VAR} references in data, checks the document against
// the embedded JSON schema and decodes it. format is "json" or "yaml".
func ParseConfig(data []byte, format string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var (
		cfg Config
		doc any
	)
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateDocument runs the schema over a decoded document. YAML documents
// are round-tripped through JSON so the validator sees JSON value types.
func validateDocument(doc any) error {
	sch, err := configSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("re-decode config: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// PolicySet converts the configured quotas into a validated PolicySet.
func (c RateLimitConfig) PolicySet() (*ratelimit.PolicySet, error) {
	policies := make(map[string]ratelimit.Policy, len(c.Policies))
	for ep, p := range c.Policies {
		policies[ep] = ratelimit.Policy{Limit: p.Limit, Window: p.Window.Std()}
	}
	return ratelimit.NewPolicySet(policies)
}

// EffectiveName is the name the upstream registers under.
func (u UpstreamConfig) EffectiveName() string {
	if u.Type == UpstreamHTTP && u.Name != "" {
		return u.Name
	}
	return u.Type
}

func validateStore(what string, s StoreConfig) error {
	switch s.Backend {
	case "", BackendMemory, BackendSQLite:
	case BackendPostgres, BackendRedis:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("%s: %s backend requires a dsn", what, s.Backend)
		}
	default:
		return fmt.Errorf("%s: unknown store backend %q", what, s.Backend)
	}
	if s.Shards < 0 {
		return fmt.Errorf("%s: shards must not be negative", what)
	}
	return nil
}

// ValidateConfig checks a Config for correctness beyond what the schema
// expresses.
func ValidateConfig(cfg Config) error {
	var errs []error

	if err := validateStore("cache", cfg.Cache.Store); err != nil {
		errs = append(errs, err)
	}
	if cfg.Cache.DefaultTTL < 0 {
		errs = append(errs, fmt.Errorf("cache: default_ttl must not be negative"))
	}

	if err := validateStore("rate_limit", cfg.RateLimit.Store); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.RateLimit.Policies) == 0 {
		errs = append(errs, fmt.Errorf("rate_limit: at least one policy is required"))
	} else if _, err := cfg.RateLimit.PolicySet(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}

	if len(cfg.Upstreams) == 0 {
		errs = append(errs, fmt.Errorf("at least one upstream is required"))
	}
	seen := make(map[string]bool, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		name := u.EffectiveName()
		switch u.Type {
		case UpstreamOpenAI:
			if strings.TrimSpace(u.APIKey) == "" {
				errs = append(errs, fmt.Errorf("upstreams[%d]: openai requires api_key", i))
			}
		case UpstreamBedrock:
		case UpstreamHTTP:
			if strings.TrimSpace(u.Endpoint) == "" {
				errs = append(errs, fmt.Errorf("upstreams[%d]: http requires endpoint", i))
			}
		default:
			errs = append(errs, fmt.Errorf("upstreams[%d]: unknown type %q", i, u.Type))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("upstreams[%d]: duplicate upstream name %q", i, name))
		}
		seen[name] = true
		if t := u.Throttle; t != nil && t.RPS <= 0 {
			errs = append(errs, fmt.Errorf("upstreams[%d]: throttle.rps must be positive", i))
		}
		if u.Retries < 0 {
			errs = append(errs, fmt.Errorf("upstreams[%d]: retries must not be negative", i))
		}
	}
	for i, u := range cfg.Upstreams {
		for _, fb := range u.Fallback {
			switch {
			case fb == u.EffectiveName():
				errs = append(errs, fmt.Errorf("upstreams[%d]: cannot fall back to itself", i))
			case !seen[fb]:
				errs = append(errs, fmt.Errorf("upstreams[%d]: unknown fallback upstream %q", i, fb))
			}
		}
	}

	if cfg.RequestLog.Enabled {
		switch cfg.RequestLog.Backend {
		case "", BackendSQLite:
		case BackendPostgres:
			if strings.TrimSpace(cfg.RequestLog.DSN) == "" {
				errs = append(errs, fmt.Errorf("request_log: postgres backend requires a dsn"))
			}
		default:
			errs = append(errs, fmt.Errorf("request_log: unknown backend %q", cfg.RequestLog.Backend))
		}
	}

	if m := cfg.Maintenance; m.Enabled {
		if m.Schedule != "" {
			if _, err := cron.ParseStandard(m.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("maintenance: invalid schedule %q: %w", m.Schedule, err))
			}
		}
		if m.Retention < 0 {
			errs = append(errs, fmt.Errorf("maintenance: retention must not be negative"))
		}
	}

	return errors.Join(errs...)
}
