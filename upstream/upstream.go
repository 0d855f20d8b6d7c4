// Package upstream defines the boundary to the AI services whose responses
// aiguard caches, plus adapters for OpenAI, AWS Bedrock and generic JSON
// HTTP endpoints.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoUpstream is returned by Registry.Resolve when no client serves a model.
var ErrNoUpstream = errors.New("no upstream configured for model")

// Request is one logical generation call.
type Request struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	System string         `json:"system,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the generated content plus accounting data.
type Response struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Client generates content for a Request.
type Client interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Float returns params[key] as a float64 when it is numeric.
func Float(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns params[key] as an int64 when it is a whole number.
func Int(params map[string]any, key string) (int64, bool) {
	f, ok := Float(params, key)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Strings returns params[key] as a string slice. A single string is
// accepted as a one-element slice.
func Strings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

type route struct {
	prefix string
	client Client
}

// Registry routes models to clients by model-name prefix.
type Registry struct {
	clients map[string]Client
	routes  []route
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds c and routes every model starting with one of prefixes to
// it. An empty prefix matches every model. The longest matching prefix wins.
func (r *Registry) Register(c Client, prefixes ...string) {
	r.clients[c.Name()] = c
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, p := range prefixes {
		r.routes = append(r.routes, route{prefix: strings.ToLower(p), client: c})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Get returns a client by name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered client names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the client serving model.
func (r *Registry) Resolve(model string) (Client, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if strings.HasPrefix(m, rt.prefix) {
			return rt.client, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoUpstream, model)
}
