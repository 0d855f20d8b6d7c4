package admin

import "time"

// Store defines the interface for API key storage. KeyStore is the in-memory
// implementation.
type Store interface {
	Create(name string, scopes []string, expiresAt *time.Time) (*APIKey, error)
	Add(name, key string, scopes []string) (*APIKey, error)
	Get(id string) (*APIKey, bool)
	List() []*APIKey
	Revoke(id string) error
	ValidateKey(key string) (*APIKey, bool)
}
