package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/app"
	"github.com/eugener/pylon/internal/auth"
	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/queue"
	"github.com/eugener/pylon/internal/ratelimit"
	"github.com/eugener/pylon/internal/testutil"
)

const adminPassword = "correct horse"

type adminHarness struct {
	handler http.Handler
	store   *testutil.FakeStore
	token   string
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	store := testutil.NewFakeStore()
	adminAuth := auth.NewAdminAuth(string(hash), "test-secret", time.Hour)
	handler := NewAdmin(AdminDeps{
		Auth:   adminAuth,
		Keys:   app.NewKeyManager(store, nil),
		Store:  store,
		Policy: policy.NewService(store),
		Stats:  app.NewStatsService(store),
		Bank:   ratelimit.NewBank(),
		Queue:  queue.New(),
	})
	h := &adminHarness{handler: handler, store: store}

	w := h.do(t, http.MethodPost, "/login", `{"password":"correct horse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	var resp loginResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	h.token = resp.Token
	return h
}

func (h *adminHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if h.token != "" {
		r.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func TestAdminLoginRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	h.token = ""

	w := h.do(t, http.MethodPost, "/login", `{"password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if rej := decodeRejection(t, w.Body); rej.Message != "Invalid password" {
		t.Errorf("message = %q, want Invalid password", rej.Message)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)
	h.token = ""

	for _, path := range []string{"/api-keys", "/policy", "/monitor", "/stats/summary"} {
		if w := h.do(t, http.MethodGet, path, ""); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, w.Code)
		}
	}

	if w := h.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health = %d, want 200 without token", w.Code)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	// Create.
	w := h.do(t, http.MethodPost, "/api-keys", `{"description":"ci","priority":"high"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Key     string `json:"key"`
		IsValid bool   `json:"is_valid"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if !strings.HasPrefix(created.Key, "sk-") || !created.IsValid {
		t.Errorf("created = %+v", created)
	}

	// List includes it.
	w = h.do(t, http.MethodGet, "/api-keys", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	listBody := w.Body.String()
	var list struct {
		Keys []keyView `json:"api_keys"`
	}
	if err := json.Unmarshal([]byte(listBody), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Keys) != 1 || list.Keys[0].ID != created.ID {
		t.Fatalf("list = %+v", list.Keys)
	}

	// The raw secret never appears in list output.
	if strings.Contains(listBody, created.Key) {
		t.Error("raw key leaked in list response")
	}

	// Update.
	w = h.do(t, http.MethodPut, "/api-keys/"+created.ID, `{"description":"renamed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d", w.Code)
	}

	// Refresh rotates the secret.
	w = h.do(t, http.MethodPost, "/api-keys/"+created.ID+"/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d", w.Code)
	}
	var refreshed map[string]string
	if err := json.NewDecoder(w.Body).Decode(&refreshed); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if refreshed["key"] == created.Key || refreshed["id"] != created.ID {
		t.Errorf("refresh = %+v", refreshed)
	}

	// Delete while active conflicts.
	if w = h.do(t, http.MethodDelete, "/api-keys/"+created.ID, ""); w.Code != http.StatusConflict {
		t.Fatalf("delete active = %d, want 409", w.Code)
	}

	// Revoke, then delete succeeds.
	if w = h.do(t, http.MethodPost, "/api-keys/"+created.ID+"/revoke", ""); w.Code != http.StatusOK {
		t.Fatalf("revoke = %d", w.Code)
	}
	if w = h.do(t, http.MethodDelete, "/api-keys/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete revoked = %d, want 204", w.Code)
	}
	if w = h.do(t, http.MethodGet, "/api-keys/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d, want 404", w.Code)
	}
}

func TestAdminKeyCount(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	past := time.Now().Add(-time.Hour)
	h.store.AddKey(&pylon.APIKey{ID: "a", KeyHash: "h1", KeyPrefix: "sk-aaaa"})
	h.store.AddKey(&pylon.APIKey{ID: "r", KeyHash: "h2", KeyPrefix: "sk-bbbb", RevokedAt: &past})

	w := h.do(t, http.MethodGet, "/api-keys/count", "")
	if w.Code != http.StatusOK {
		t.Fatalf("count = %d", w.Code)
	}
	var counts struct {
		Total   int `json:"total"`
		Active  int `json:"active"`
		Revoked int `json:"revoked"`
	}
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Total != 2 || counts.Active != 1 || counts.Revoked != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestAdminPolicyRoundTrip(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	w := h.do(t, http.MethodPut, "/policy", `{"queue.max_size": 42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d, body %s", w.Code, w.Body.String())
	}

	w = h.do(t, http.MethodGet, "/policy", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var values map[string]any
	if err := json.NewDecoder(w.Body).Decode(&values); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if values["queue.max_size"] != float64(42) {
		t.Errorf("queue.max_size = %v, want 42", values["queue.max_size"])
	}

	// Invalid values are rejected before persisting.
	w = h.do(t, http.MethodPut, "/policy", `{"queue.max_size": -3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad put = %d, want 400", w.Code)
	}
}

func TestAdminPolicyExportImport(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	if w := h.do(t, http.MethodPut, "/policy", `{"queue.max_size": 10}`); w.Code != http.StatusOK {
		t.Fatalf("seed = %d", w.Code)
	}

	w := h.do(t, http.MethodGet, "/policy/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "max_size") {
		t.Errorf("export missing key: %s", w.Body.String())
	}

	// Import without apply reports the diff only.
	doc := "queue:\n  max_size: 25\n"
	w = h.do(t, http.MethodPost, "/policy/import", doc)
	if w.Code != http.StatusOK {
		t.Fatalf("import = %d, body %s", w.Code, w.Body.String())
	}
	var result struct {
		Applied bool `json:"applied"`
		Diff    struct {
			Modified map[string]policy.Change `json:"modified"`
		} `json:"diff"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Applied {
		t.Error("import without apply=true must not apply")
	}
	if _, ok := result.Diff.Modified["queue.max_size"]; !ok {
		t.Errorf("diff = %+v, want queue.max_size modified", result.Diff)
	}

	// Apply it.
	w = h.do(t, http.MethodPost, "/policy/import?apply=true", doc)
	if w.Code != http.StatusOK {
		t.Fatalf("apply = %d", w.Code)
	}
	w = h.do(t, http.MethodGet, "/policy", "")
	var values map[string]any
	json.NewDecoder(w.Body).Decode(&values) //nolint:errcheck
	if values["queue.max_size"] != float64(25) {
		t.Errorf("queue.max_size = %v, want 25 after apply", values["queue.max_size"])
	}
}

func TestAdminMonitor(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	w := h.do(t, http.MethodGet, "/monitor", "")
	if w.Code != http.StatusOK {
		t.Fatalf("monitor = %d", w.Code)
	}
	var mon map[string]int
	if err := json.NewDecoder(w.Body).Decode(&mon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"global_concurrent", "global_sse_connections", "global_requests_this_minute", "queue_size"} {
		if _, ok := mon[key]; !ok {
			t.Errorf("monitor missing %q", key)
		}
	}
}

func TestAdminStats(t *testing.T) {
	t.Parallel()
	h := newAdminHarness(t)

	now := time.Now().UTC()
	h.store.InsertLogs(t.Context(), []pylon.RequestLog{ //nolint:errcheck
		{KeyID: "k1", API: "GET /api/hello", Status: 200, RequestTime: now, ResponseMs: 12},
		{KeyID: "k1", API: "GET /api/hello", Status: 429, RequestTime: now, ResponseMs: 1},
	})

	w := h.do(t, http.MethodGet, "/stats/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary = %d", w.Code)
	}
	var summary struct {
		TotalRequests    int     `json:"total_requests"`
		RateLimitedCount int     `json:"rate_limited_count"`
		SuccessRate      float64 `json:"success_rate"`
	}
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TotalRequests != 2 || summary.RateLimitedCount != 1 || summary.SuccessRate != 0.5 {
		t.Errorf("summary = %+v", summary)
	}

	if w = h.do(t, http.MethodGet, "/stats/users", ""); w.Code != http.StatusOK {
		t.Errorf("users = %d", w.Code)
	}
	if w = h.do(t, http.MethodGet, "/stats/users/k1", ""); w.Code != http.StatusOK {
		t.Errorf("user = %d", w.Code)
	}
	if w = h.do(t, http.MethodGet, "/stats/apis", ""); w.Code != http.StatusOK {
		t.Errorf("apis = %d", w.Code)
	}
	if w = h.do(t, http.MethodGet, "/stats/summary?start_time=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad start_time = %d, want 400", w.Code)
	}

	w = h.do(t, http.MethodGet, "/stats/export?format=csv", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "pylon-stats.csv") {
		t.Errorf("disposition = %q", cd)
	}
	if w = h.do(t, http.MethodGet, "/stats/export?format=xml", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad format = %d, want 400", w.Code)
	}
}
