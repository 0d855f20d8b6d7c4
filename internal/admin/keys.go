package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// APIKey authenticates a caller. Name doubles as the caller's rate-limit
// identifier.
type APIKey struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// HasScope reports whether k carries any of scopes. Admin keys carry every
// scope.
func (k *APIKey) HasScope(scopes ...string) bool {
	for _, s := range k.Scopes {
		if s == ScopeAdmin {
			return true
		}
		for _, want := range scopes {
			if s == want {
				return true
			}
		}
	}
	return false
}

// KeyStore is an in-memory store for API keys.
type KeyStore struct {
	mu    sync.RWMutex
	byID  map[string]*APIKey
	byKey map[string]string // key string -> ID
}

// NewKeyStore creates a new KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		byID:  make(map[string]*APIKey),
		byKey: make(map[string]string),
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Create generates a new API key with the given name, scopes, and optional
// expiration. Scopes default to generate.
func (s *KeyStore) Create(name string, scopes []string, expiresAt *time.Time) (*APIKey, error) {
	key, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	k, err := s.insert(name, "ag-"+key, scopes)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = expiresAt
	return k, nil
}

// Add registers a caller-supplied key, such as one read from the
// environment.
func (s *KeyStore) Add(name, key string, scopes []string) (*APIKey, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key for %q is empty", name)
	}
	return s.insert(name, key, scopes)
}

func (s *KeyStore) insert(name, key string, scopes []string) (*APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	id, err := randomHex(8)
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeGenerate}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[key]; dup {
		return nil, fmt.Errorf("key for %q is already registered", name)
	}
	k := &APIKey{
		ID:        id,
		Key:       key,
		Name:      name,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	s.byID[id] = k
	s.byKey[key] = id
	return k, nil
}

// Get retrieves an API key by ID.
func (s *KeyStore) Get(id string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	return k, ok
}

// List returns all keys sorted by name with the Key field masked.
func (s *KeyStore) List() []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*APIKey, 0, len(s.byID))
	for _, k := range s.byID {
		masked := *k
		if len(masked.Key) > 8 {
			masked.Key = masked.Key[:8] + "..."
		} else {
			masked.Key = "..."
		}
		keys = append(keys, &masked)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// Revoke marks an API key as revoked and inactive.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("key not found: %s", id)
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	k.Active = false
	return nil
}

// ValidateKey looks up a key by its full string and returns it if active.
func (s *KeyStore) ValidateKey(key string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	k := s.byID[id]
	if !k.Active || k.RevokedAt != nil {
		return nil, false
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return nil, false
	}
	return k, true
}

// ParseKeySpec parses "name:key,name:key" into name/key pairs.
func ParseKeySpec(spec string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, key, ok := strings.Cut(part, ":")
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid key spec %q: want name:key", part)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate key name %q", name)
		}
		out[name] = key
	}
	return out, nil
}
