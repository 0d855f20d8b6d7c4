package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config holds client-credentials settings for an HTTP upstream.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// HTTPConfig configures an HTTP upstream.
type HTTPConfig struct {
	Name     string
	Endpoint string
	// APIKey is sent as a bearer token when OAuth2 is nil.
	APIKey  string
	OAuth2  *OAuth2Config
	Timeout time.Duration
	// Client is the base HTTP client; tests inject one. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

// HTTP posts requests as JSON to a generic generation endpoint. The endpoint
// receives the Request fields and must answer with a Response-shaped body.
type HTTP struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates an HTTP upstream. With cfg.OAuth2 set, requests carry an
// access token obtained through the OAuth2 client-credentials flow and
// refreshed automatically.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("http upstream: endpoint is required")
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	base := cfg.Client
	if base == nil {
		base = http.DefaultClient
	}

	client := base
	if cfg.OAuth2 != nil {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
	}
	if cfg.Timeout > 0 {
		c := *client
		c.Timeout = cfg.Timeout
		client = &c
	}

	h := &HTTP{name: cfg.Name, endpoint: cfg.Endpoint, client: client}
	if cfg.OAuth2 == nil {
		h.apiKey = cfg.APIKey
	}
	return h, nil
}

// Name implements Client.
func (p *HTTP) Name() string { return p.name }

// Generate implements Client.
func (p *HTTP) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: upstream returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s decode response: %w", p.name, err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	out.Provider = p.name
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	return &out, nil
}
