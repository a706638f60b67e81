package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intp(n int) *int { return &n }

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &pylon.APIKey{
		ID:          "key-1",
		KeyHash:     "abc123hash",
		KeyPrefix:   "sk-abcd",
		Description: "test key",
		Priority:    pylon.PriorityHigh,
		Limits:      &pylon.Rule{MaxConcurrent: intp(3), MaxPerMinute: intp(100)},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get by hash:", err)
	}
	if got.ID != key.ID {
		t.Errorf("id = %q, want %q", got.ID, key.ID)
	}
	if got.Priority != pylon.PriorityHigh {
		t.Errorf("priority = %q, want high", got.Priority)
	}
	if got.Limits == nil || got.Limits.MaxConcurrent == nil || *got.Limits.MaxConcurrent != 3 {
		t.Errorf("limits = %+v, want max_concurrent 3", got.Limits)
	}
	if got.Limits.MaxSSE != nil {
		t.Errorf("max_sse = %v, want nil", *got.Limits.MaxSSE)
	}

	got, err = s.GetKey(ctx, "key-1")
	if err != nil {
		t.Fatal("get by id:", err)
	}
	if got.KeyPrefix != "sk-abcd" {
		t.Errorf("prefix = %q, want sk-abcd", got.KeyPrefix)
	}

	// Update: refresh replaces hash and prefix through the same path.
	got.KeyHash = "newhash"
	got.KeyPrefix = "sk-wxyz"
	got.Description = "rotated"
	if err := s.UpdateKey(ctx, got); err != nil {
		t.Fatal("update:", err)
	}
	got, err = s.GetKeyByHash(ctx, "newhash")
	if err != nil {
		t.Fatal("get after update:", err)
	}
	if got.Description != "rotated" {
		t.Errorf("description = %q, want rotated", got.Description)
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKey(ctx, "key-1"); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("get deleted = %v, want not found", err)
	}
}

func TestAPIKeyNilLimits(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &pylon.APIKey{
		ID:        "key-nil",
		KeyHash:   "hash-nil",
		KeyPrefix: "sk-nilx",
		Priority:  pylon.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}
	got, err := s.GetKey(ctx, "key-nil")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Limits != nil {
		t.Errorf("limits = %+v, want nil (inherit policy)", got.Limits)
	}
}

func TestKeyNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetKey(ctx, "missing"); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("GetKey = %v, want not found", err)
	}
	if _, err := s.GetKeyByHash(ctx, "missing"); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("GetKeyByHash = %v, want not found", err)
	}
	if err := s.DeleteKey(ctx, "missing"); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("DeleteKey = %v, want not found", err)
	}
	if err := s.UpdateKey(ctx, &pylon.APIKey{ID: "missing"}); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("UpdateKey = %v, want not found", err)
	}
}

func TestListKeysFiltering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seed := []*pylon.APIKey{
		{ID: "active", KeyHash: "h1", KeyPrefix: "sk-aaaa", CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "revoked", KeyHash: "h2", KeyPrefix: "sk-bbbb", CreatedAt: now.Add(-2 * time.Minute), RevokedAt: &past},
		{ID: "expired", KeyHash: "h3", KeyPrefix: "sk-cccc", CreatedAt: now.Add(-time.Minute), ExpiresAt: &past},
		{ID: "unexpired", KeyHash: "h4", KeyPrefix: "sk-dddd", CreatedAt: now, ExpiresAt: &future},
	}
	for _, k := range seed {
		k.Priority = pylon.PriorityNormal
		if err := s.CreateKey(ctx, k); err != nil {
			t.Fatalf("create %s: %v", k.ID, err)
		}
	}

	tests := []struct {
		name           string
		includeRevoked bool
		includeExpired bool
		want           []string
	}{
		{"active only", false, false, []string{"unexpired", "active"}},
		{"with revoked", true, false, []string{"unexpired", "revoked", "active"}},
		{"with expired", false, true, []string{"unexpired", "expired", "active"}},
		{"all", true, true, []string{"unexpired", "expired", "revoked", "active"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := s.ListKeys(ctx, tt.includeRevoked, tt.includeExpired)
			if err != nil {
				t.Fatal("list:", err)
			}
			var ids []string
			for _, k := range keys {
				ids = append(ids, k.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}

	counts, err := s.CountKeys(ctx)
	if err != nil {
		t.Fatal("count:", err)
	}
	want := storage.KeyCounts{Total: 4, Active: 2, Expired: 1, Revoked: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

func TestRequestLogsAndAggregates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	logs := []pylon.RequestLog{
		{KeyID: "k1", API: "POST /chat", Path: "/chat", Method: "POST", Status: 200, RequestTime: now.Add(-3 * time.Minute), ResponseMs: 100},
		{KeyID: "k1", API: "POST /chat", Path: "/chat", Method: "POST", Status: 200, RequestTime: now.Add(-2 * time.Minute), ResponseMs: 300, SSE: true, SSEMessages: 12},
		{KeyID: "k1", API: "GET /models", Path: "/models", Method: "GET", Status: 429, RequestTime: now.Add(-time.Minute), ResponseMs: 1},
		{KeyID: "k2", API: "POST /chat", Path: "/chat", Method: "POST", Status: 502, RequestTime: now, ResponseMs: 50},
	}
	if err := s.InsertLogs(ctx, logs); err != nil {
		t.Fatal("insert:", err)
	}

	agg, err := s.AggregateLogs(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatal("aggregate:", err)
	}
	if agg.TotalRequests != 4 {
		t.Errorf("total = %d, want 4", agg.TotalRequests)
	}
	if agg.SuccessCount != 2 {
		t.Errorf("success = %d, want 2", agg.SuccessCount)
	}
	if agg.RateLimitedCount != 1 {
		t.Errorf("rate limited = %d, want 1", agg.RateLimitedCount)
	}
	if agg.SSEConnections != 1 {
		t.Errorf("sse connections = %d, want 1", agg.SSEConnections)
	}
	if agg.TotalSSEMessages != 12 {
		t.Errorf("sse messages = %d, want 12", agg.TotalSSEMessages)
	}

	// Filter by key.
	agg, err = s.AggregateLogs(ctx, storage.LogFilter{KeyID: "k2"})
	if err != nil {
		t.Fatal("aggregate k2:", err)
	}
	if agg.TotalRequests != 1 || agg.SuccessCount != 0 {
		t.Errorf("k2 aggregate = %+v", agg)
	}

	// Filter by time window.
	agg, err = s.AggregateLogs(ctx, storage.LogFilter{Start: now.Add(-90 * time.Second)})
	if err != nil {
		t.Fatal("aggregate window:", err)
	}
	if agg.TotalRequests != 2 {
		t.Errorf("windowed total = %d, want 2", agg.TotalRequests)
	}

	byKey, err := s.AggregateByKey(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatal("by key:", err)
	}
	if len(byKey) != 2 || byKey[0].KeyID != "k1" || byKey[0].TotalRequests != 3 {
		t.Errorf("by key = %+v, want k1 first with 3", byKey)
	}

	byAPI, err := s.AggregateByAPI(ctx, storage.LogFilter{})
	if err != nil {
		t.Fatal("by api:", err)
	}
	if len(byAPI) != 2 || byAPI[0].API != "POST /chat" || byAPI[0].TotalRequests != 3 {
		t.Errorf("by api = %+v, want POST /chat first with 3", byAPI)
	}

	// Retention: drop everything older than 90s.
	n, err := s.DeleteLogsBefore(ctx, now.Add(-90*time.Second))
	if err != nil {
		t.Fatal("delete before:", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	agg, _ = s.AggregateLogs(ctx, storage.LogFilter{})
	if agg.TotalRequests != 2 {
		t.Errorf("remaining = %d, want 2", agg.TotalRequests)
	}
}

func TestInsertLogsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.InsertLogs(context.Background(), nil); err != nil {
		t.Fatal("empty insert:", err)
	}
}

func TestPolicyValuesUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetPolicyValues(ctx)
	if err != nil {
		t.Fatal("get empty:", err)
	}
	if len(got) != 0 {
		t.Errorf("initial values = %v, want empty", got)
	}

	if err := s.SetPolicyValue(ctx, "queue.max_size", "100"); err != nil {
		t.Fatal("set:", err)
	}
	if err := s.SetPolicyValue(ctx, "queue.max_size", "250"); err != nil {
		t.Fatal("set again:", err)
	}
	if err := s.SetPolicyValues(ctx, map[string]string{
		"global.max_concurrent":      "50",
		"global.max_sse_connections": "20",
	}); err != nil {
		t.Fatal("set batch:", err)
	}

	got, err = s.GetPolicyValues(ctx)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got["queue.max_size"] != "250" {
		t.Errorf("queue.max_size = %q, want 250 (upsert)", got["queue.max_size"])
	}
	if got["global.max_concurrent"] != "50" || got["global.max_sse_connections"] != "20" {
		t.Errorf("values = %v", got)
	}
}
