package admin

import (
	"strings"
	"testing"
	"time"
)

func TestCreate(t *testing.T) {
	store := NewKeyStore()
	key, err := store.Create("test-key", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(key.Key, "ag-") {
		t.Errorf("key %q does not have ag- prefix", key.Key)
	}
	if !key.Active {
		t.Error("expected key to be active")
	}
	if key.Name != "test-key" {
		t.Errorf("got name %q, want %q", key.Name, "test-key")
	}
	if key.ID == "" {
		t.Error("expected non-empty ID")
	}
	if len(key.Scopes) != 1 || key.Scopes[0] != ScopeGenerate {
		t.Errorf("expected default generate scope, got %v", key.Scopes)
	}
}

func TestCreate_RequiresName(t *testing.T) {
	store := NewKeyStore()
	if _, err := store.Create("  ", nil, nil); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestAdd(t *testing.T) {
	store := NewKeyStore()
	k, err := store.Add("tutor-app", "secret-1", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := store.ValidateKey("secret-1")
	if !ok || got.ID != k.ID {
		t.Fatalf("ValidateKey = %v, %v", got, ok)
	}
	if _, err := store.Add("other", "secret-1", nil); err == nil {
		t.Error("expected error for duplicate key")
	}
	if _, err := store.Add("empty", " ", nil); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestGet_Existing(t *testing.T) {
	store := NewKeyStore()
	created, _ := store.Create("my-key", nil, nil)

	got, ok := store.Get(created.ID)
	if !ok {
		t.Fatal("expected to find key")
	}
	if got.ID != created.ID {
		t.Errorf("got ID %q, want %q", got.ID, created.ID)
	}
}

func TestGet_NonExisting(t *testing.T) {
	store := NewKeyStore()
	_, ok := store.Get("does-not-exist")
	if ok {
		t.Error("expected key not found")
	}
}

func TestList_KeysMaskedAndSorted(t *testing.T) {
	store := NewKeyStore()
	_, _ = store.Create("key-b", nil, nil)
	_, _ = store.Create("key-a", nil, nil)

	keys := store.List()
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Name != "key-a" {
		t.Errorf("expected key-a first, got %q", keys[0].Name)
	}
	for _, k := range keys {
		if !strings.HasSuffix(k.Key, "...") {
			t.Errorf("key %q is not masked", k.Key)
		}
	}
}

func TestRevoke(t *testing.T) {
	store := NewKeyStore()
	created, _ := store.Create("revoke-me", nil, nil)

	if err := store.Revoke(created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := store.Get(created.ID)
	if got.Active || got.RevokedAt == nil {
		t.Errorf("expected revoked key, got %+v", got)
	}
	if err := store.Revoke("missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestValidateKey(t *testing.T) {
	store := NewKeyStore()
	created, _ := store.Create("valid", nil, nil)

	if _, ok := store.ValidateKey(created.Key); !ok {
		t.Error("expected key to validate")
	}
	if _, ok := store.ValidateKey("ag-unknown"); ok {
		t.Error("expected unknown key to fail")
	}
	_ = store.Revoke(created.ID)
	if _, ok := store.ValidateKey(created.Key); ok {
		t.Error("expected revoked key to fail")
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewKeyStore()
	past := time.Now().Add(-time.Minute)
	expired, _ := store.Create("expired", nil, &past)
	if _, ok := store.ValidateKey(expired.Key); ok {
		t.Error("expected expired key to fail")
	}

	future := time.Now().Add(time.Hour)
	live, _ := store.Create("live", nil, &future)
	if _, ok := store.ValidateKey(live.Key); !ok {
		t.Error("expected unexpired key to validate")
	}
}

func TestHasScope(t *testing.T) {
	admin := &APIKey{Scopes: []string{ScopeAdmin}}
	reader := &APIKey{Scopes: []string{ScopeReadOnly}}

	if !admin.HasScope(ScopeGenerate) {
		t.Error("admin should imply generate")
	}
	if !reader.HasScope(ScopeGenerate, ScopeReadOnly) {
		t.Error("read_only should match when listed")
	}
	if reader.HasScope(ScopeGenerate) {
		t.Error("read_only should not imply generate")
	}
}

func TestParseKeySpec(t *testing.T) {
	got, err := ParseKeySpec(" tutor:abc123 , translator:def456,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got["tutor"] != "abc123" || got["translator"] != "def456" {
		t.Errorf("unexpected result %v", got)
	}

	empty, err := ParseKeySpec("")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty spec = %v, %v", empty, err)
	}

	for _, bad := range []string{"nokey", "name:", ":key", "a:1,a:2"} {
		if _, err := ParseKeySpec(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
