package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorma-edu/aiguard/cache"
	"github.com/lorma-edu/aiguard/internal/requestlog"
	"github.com/lorma-edu/aiguard/ratelimit"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeLogs struct {
	lastQuery  requestlog.Query
	lastDelete requestlog.MaintenanceQuery
	entries    []requestlog.Entry
}

func (f *fakeLogs) List(_ context.Context, q requestlog.Query) (requestlog.ListResult, error) {
	f.lastQuery = q
	return requestlog.ListResult{Data: f.entries, Total: len(f.entries)}, nil
}

func (f *fakeLogs) Delete(_ context.Context, q requestlog.MaintenanceQuery) (int64, error) {
	f.lastDelete = q
	return int64(len(f.entries)), nil
}

type testEnv struct {
	h      *Handlers
	router chi.Router
	now    time.Time
	logs   *fakeLogs
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: t0, logs: &fakeLogs{}}
	clock := func() time.Time { return env.now }

	c := cache.New(cache.NewMemoryStore(4), cache.WithClock(clock))
	l := ratelimit.New(ratelimit.NewMemoryStore(4), ratelimit.Options{})
	t.Cleanup(func() {
		_ = c.Close()
		_ = l.Close()
	})

	store := NewKeyStore()
	env.h = &Handlers{
		Keys:     store,
		Cache:    c,
		Limiter:  l,
		Logs:     env.logs,
		LogAdmin: env.logs,
		Now:      clock,
	}
	r := chi.NewRouter()
	r.Use(AuthMiddleware(store))
	r.Mount("/admin", env.h.Routes())
	env.router = r
	return env
}

func createAdminKey(t *testing.T, h *Handlers) *APIKey {
	t.Helper()
	key, err := h.Keys.Create("admin-key", []string{ScopeAdmin}, nil)
	if err != nil {
		t.Fatalf("failed to create admin key: %v", err)
	}
	return key
}

func createReadOnlyKey(t *testing.T, h *Handlers) *APIKey {
	t.Helper()
	key, err := h.Keys.Create("readonly-key", []string{ScopeReadOnly}, nil)
	if err != nil {
		t.Fatalf("failed to create readonly key: %v", err)
	}
	return key
}

func authedRequest(method, url string, body string, apiKey *APIKey) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey.Key)
	return req
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) seedEntry(t *testing.T, key string, ttl time.Duration) {
	t.Helper()
	tokens := int64(100)
	if _, err := env.h.Cache.Put(context.Background(), cache.PutParams{
		Key:        key,
		PromptHash: "ph",
		Response:   json.RawMessage(`{"text":"kia ora"}`),
		Model:      "gpt-4o",
		TokensUsed: &tokens,
		TTL:        ttl,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestCacheStats(t *testing.T) {
	env := setupTestRouter(t)
	key := createReadOnlyKey(t, env.h)
	env.seedEntry(t, "k1", 0)
	if _, err := env.h.Cache.Get(context.Background(), "k1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	w := env.do(authedRequest(http.MethodGet, "/admin/cache/stats", "", key))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", w.Code, w.Body.String())
	}
	var stats cache.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Entries != 1 || stats.Hits != 1 || stats.TokensSaved != 100 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestInspectEntry(t *testing.T) {
	env := setupTestRouter(t)
	key := createReadOnlyKey(t, env.h)
	env.seedEntry(t, "k1", time.Minute)

	w := env.do(authedRequest(http.MethodGet, "/admin/cache/k1", "", key))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
	var resp struct {
		Entry cache.Entry `json:"entry"`
		Live  bool        `json:"live"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Live || resp.Entry.HitCount != 1 {
		t.Errorf("unexpected entry %+v live=%v", resp.Entry, resp.Live)
	}

	// Peek does not count as a hit, and expired entries are still visible.
	env.now = t0.Add(2 * time.Minute)
	w = env.do(authedRequest(http.MethodGet, "/admin/cache/k1", "", key))
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Live || resp.Entry.HitCount != 1 {
		t.Errorf("expected expired entry with hit count 1, got %+v live=%v", resp.Entry, resp.Live)
	}

	w = env.do(authedRequest(http.MethodGet, "/admin/cache/absent", "", key))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", w.Code)
	}
}

func TestSweepAndPurge(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)
	env.seedEntry(t, "short", time.Minute)
	env.seedEntry(t, "long", time.Hour)
	env.seedEntry(t, "forever", 0)

	env.now = t0.Add(time.Minute)
	w := env.do(authedRequest(http.MethodPost, "/admin/cache/sweep", "", key))
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status %d", w.Code)
	}
	var resp map[string]int64
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["removed"] != 1 {
		t.Errorf("sweep removed %d, want 1", resp["removed"])
	}

	w = env.do(authedRequest(http.MethodDelete, "/admin/cache/long", "", key))
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status %d, want 204", w.Code)
	}
	w = env.do(authedRequest(http.MethodDelete, "/admin/cache/long", "", key))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status %d, want 404", w.Code)
	}

	w = env.do(authedRequest(http.MethodDelete, "/admin/cache", "", key))
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp["removed"] != 1 {
		t.Errorf("purge status %d removed %d, want 200/1", w.Code, resp["removed"])
	}
}

func TestRateLimitUsageAndHistory(t *testing.T) {
	env := setupTestRouter(t)
	key := createReadOnlyKey(t, env.h)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.h.Limiter.Admit(ctx, "key:tutor", "generate-lesson", t0, 3, time.Minute); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	if _, err := env.h.Limiter.Admit(ctx, "key:tutor", "generate-lesson", t0.Add(90*time.Second), 3, time.Minute); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	env.now = t0.Add(100 * time.Second)

	w := env.do(authedRequest(http.MethodGet, "/admin/ratelimit/usage?identifier=key:tutor&endpoint=generate-lesson", "", key))
	if w.Code != http.StatusOK {
		t.Fatalf("usage status %d: %s", w.Code, w.Body.String())
	}
	var u ratelimit.Usage
	_ = json.NewDecoder(w.Body).Decode(&u)
	if u.Count != 1 || u.Remaining != 2 || !u.WindowStart.Equal(t0.Add(90*time.Second)) {
		t.Errorf("unexpected usage %+v", u)
	}

	w = env.do(authedRequest(http.MethodGet, "/admin/ratelimit/history?identifier=key:tutor&endpoint=generate-lesson", "", key))
	var hist struct {
		Data []ratelimit.Window `json:"data"`
	}
	_ = json.NewDecoder(w.Body).Decode(&hist)
	if len(hist.Data) != 2 || hist.Data[0].Count != 1 || hist.Data[1].Count != 2 {
		t.Errorf("unexpected history %+v", hist.Data)
	}

	w = env.do(authedRequest(http.MethodGet, "/admin/ratelimit/usage?identifier=key:nobody&endpoint=generate-lesson", "", key))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d for unknown caller, want 404", w.Code)
	}
	w = env.do(authedRequest(http.MethodGet, "/admin/ratelimit/usage?endpoint=generate-lesson", "", key))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d for missing identifier, want 400", w.Code)
	}
	w = env.do(authedRequest(http.MethodGet, "/admin/ratelimit/history?identifier=a&endpoint=b&limit=zero", "", key))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d for bad limit, want 400", w.Code)
	}
}

func TestPruneWindows(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)
	if _, err := env.h.Limiter.Admit(context.Background(), "ip:10.0.0.1", "translate", t0, 5, time.Minute); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	w := env.do(authedRequest(http.MethodPost, "/admin/ratelimit/prune", "", key))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d without before, want 400", w.Code)
	}

	before := t0.Add(time.Hour).Format(time.RFC3339)
	w = env.do(authedRequest(http.MethodPost, "/admin/ratelimit/prune?before="+before, "", key))
	var resp map[string]int64
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp["removed"] != 1 {
		t.Errorf("prune status %d removed %d, want 200/1", w.Code, resp["removed"])
	}
}

func TestListLogs(t *testing.T) {
	env := setupTestRouter(t)
	key := createReadOnlyKey(t, env.h)
	env.logs.entries = []requestlog.Entry{{Identifier: "ip:10.0.0.1", Endpoint: "translate", Outcome: requestlog.OutcomeHit}}

	since := t0.Format(time.RFC3339)
	w := env.do(authedRequest(http.MethodGet, "/admin/logs?limit=500&outcome=hit&endpoint=translate&since="+since, "", key))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	q := env.logs.lastQuery
	if q.Limit != 200 || q.Outcome != "hit" || q.Endpoint != "translate" || q.Since == nil || !q.Since.Equal(t0) {
		t.Errorf("unexpected query %+v", q)
	}
	var page requestlog.ListResult
	_ = json.NewDecoder(w.Body).Decode(&page)
	if page.Total != 1 || page.Data[0].Outcome != requestlog.OutcomeHit {
		t.Errorf("unexpected page %+v", page)
	}

	for _, bad := range []string{"limit=-1", "offset=x", "since=yesterday"} {
		w = env.do(authedRequest(http.MethodGet, "/admin/logs?"+bad, "", key))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", bad, w.Code)
		}
	}
}

func TestDeleteLogs(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)
	env.logs.entries = make([]requestlog.Entry, 3)

	w := env.do(authedRequest(http.MethodDelete, "/admin/logs", "", key))
	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d without before, want 400", w.Code)
	}

	w = env.do(authedRequest(http.MethodDelete, "/admin/logs?outcome=error&before="+t0.Format(time.RFC3339), "", key))
	var resp map[string]int64
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp["deleted"] != 3 {
		t.Errorf("delete status %d deleted %d", w.Code, resp["deleted"])
	}
	if env.logs.lastDelete.Outcome != "error" {
		t.Errorf("unexpected maintenance query %+v", env.logs.lastDelete)
	}
}

func TestLogsDisabled(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)
	env.h.Logs = nil
	env.h.LogAdmin = nil

	w := env.do(authedRequest(http.MethodGet, "/admin/logs", "", key))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("got status %d, want 501", w.Code)
	}
}

func TestCreateKey(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)

	w := env.do(authedRequest(http.MethodPost, "/admin/keys", `{"name":"tutor-app","scopes":["generate"]}`, key))
	if w.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %s", w.Code, w.Body.String())
	}
	var created APIKey
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "tutor-app" || created.Key == "" || !created.HasScope(ScopeGenerate) {
		t.Errorf("unexpected key %+v", created)
	}
	if _, ok := env.h.Keys.ValidateKey(created.Key); !ok {
		t.Error("created key does not validate")
	}
}

func TestCreateKeyRejectsBadInput(t *testing.T) {
	env := setupTestRouter(t)
	key := createAdminKey(t, env.h)

	for _, body := range []string{`{"name":""}`, `{"name":"x","scopes":["root"]}`, `{`} {
		w := env.do(authedRequest(http.MethodPost, "/admin/keys", body, key))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", body, w.Code)
		}
	}
}

func TestListKeysAndRevoke(t *testing.T) {
	env := setupTestRouter(t)
	admin := createAdminKey(t, env.h)
	other, _ := env.h.Keys.Create("tutor-app", nil, nil)

	w := env.do(authedRequest(http.MethodGet, "/admin/keys", "", admin))
	var list struct {
		Data []APIKey `json:"data"`
	}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if len(list.Data) != 2 || list.Data[1].Key == other.Key {
		t.Errorf("expected 2 masked keys, got %+v", list.Data)
	}

	w = env.do(authedRequest(http.MethodPost, "/admin/keys/"+other.ID+"/revoke", "", admin))
	if w.Code != http.StatusNoContent {
		t.Errorf("revoke status %d, want 204", w.Code)
	}
	if _, ok := env.h.Keys.ValidateKey(other.Key); ok {
		t.Error("revoked key still validates")
	}
	w = env.do(authedRequest(http.MethodPost, "/admin/keys/missing/revoke", "", admin))
	if w.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", w.Code)
	}
}

func TestRBACReadOnlyCannotWrite(t *testing.T) {
	env := setupTestRouter(t)
	key := createReadOnlyKey(t, env.h)

	for _, req := range []*http.Request{
		authedRequest(http.MethodPost, "/admin/keys", `{"name":"x"}`, key),
		authedRequest(http.MethodDelete, "/admin/cache", "", key),
		authedRequest(http.MethodPost, "/admin/cache/sweep", "", key),
	} {
		w := env.do(req)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: got status %d, want 403", req.Method, req.URL.Path, w.Code)
		}
	}
}

func TestRBACGenerateKeyCannotRead(t *testing.T) {
	env := setupTestRouter(t)
	key, _ := env.h.Keys.Create("tutor-app", []string{ScopeGenerate}, nil)

	w := env.do(authedRequest(http.MethodGet, "/admin/cache/stats", "", key))
	if w.Code != http.StatusForbidden {
		t.Errorf("got status %d, want 403", w.Code)
	}
}

func TestUnauthorizedRequest(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", w.Code)
	}
}
