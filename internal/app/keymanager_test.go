package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/testutil"
)

type fakeInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeInvalidator) InvalidateByKeyID(id string) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

func (f *fakeInvalidator) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.ids {
		if got == id {
			n++
		}
	}
	return n
}

func TestCreateKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	km := NewKeyManager(store, nil)
	ctx := context.Background()

	days := 30
	raw, key, err := km.CreateKey(ctx, CreateKeyOpts{
		Description:   "ci pipeline",
		Priority:      pylon.PriorityHigh,
		ExpiresInDays: &days,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(raw, "sk-") || len(raw) != 35 {
		t.Errorf("raw key = %q, want sk- plus 32 chars", raw)
	}
	if key.KeyHash != pylon.HashKey(raw) {
		t.Error("stored hash does not match raw key")
	}
	if key.KeyPrefix != raw[:7] {
		t.Errorf("prefix = %q, want %q", key.KeyPrefix, raw[:7])
	}
	if key.ExpiresAt == nil || time.Until(*key.ExpiresAt) < 29*24*time.Hour {
		t.Errorf("expires_at = %v, want ~30 days out", key.ExpiresAt)
	}

	stored, err := store.GetKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.Priority != pylon.PriorityHigh {
		t.Errorf("priority = %q, want high", stored.Priority)
	}
}

func TestCreateKeyDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	km := NewKeyManager(testutil.NewFakeStore(), nil)
	ctx := context.Background()

	_, key, err := km.CreateKey(ctx, CreateKeyOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if key.Priority != pylon.PriorityNormal {
		t.Errorf("priority = %q, want normal default", key.Priority)
	}

	if _, _, err := km.CreateKey(ctx, CreateKeyOpts{Priority: "urgent"}); !errors.Is(err, pylon.ErrBadRequest) {
		t.Errorf("bad priority err = %v, want bad request", err)
	}
	bad := -1
	if _, _, err := km.CreateKey(ctx, CreateKeyOpts{ExpiresInDays: &bad}); !errors.Is(err, pylon.ErrBadRequest) {
		t.Errorf("negative expiry err = %v, want bad request", err)
	}
}

func TestUpdateKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	inval := &fakeInvalidator{}
	km := NewKeyManager(store, inval)
	ctx := context.Background()

	_, key, err := km.CreateKey(ctx, CreateKeyOpts{
		Description: "before",
		Limits:      &pylon.Rule{MaxConcurrent: intp(2)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	desc := "after"
	prio := pylon.PriorityLow
	got, err := km.UpdateKey(ctx, key.ID, UpdateKeyOpts{Description: &desc, Priority: &prio})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Description != "after" || got.Priority != pylon.PriorityLow {
		t.Errorf("updated = %q/%q", got.Description, got.Priority)
	}
	if got.Limits == nil {
		t.Error("limits cleared by unrelated update")
	}

	got, err = km.UpdateKey(ctx, key.ID, UpdateKeyOpts{ClearLimits: true})
	if err != nil {
		t.Fatalf("clear limits: %v", err)
	}
	if got.Limits != nil {
		t.Errorf("limits = %+v, want nil after clear", got.Limits)
	}
	if inval.count(key.ID) != 2 {
		t.Errorf("invalidations = %d, want 2", inval.count(key.ID))
	}
}

func TestRevokeKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	inval := &fakeInvalidator{}
	km := NewKeyManager(store, inval)
	ctx := context.Background()

	_, key, err := km.CreateKey(ctx, CreateKeyOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := km.RevokeKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got.RevokedAt == nil {
		t.Fatal("revoked_at not set")
	}
	first := *got.RevokedAt

	// Idempotent: second revoke keeps the original timestamp.
	got, err = km.RevokeKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if !got.RevokedAt.Equal(first) {
		t.Errorf("revoked_at changed on re-revoke: %v -> %v", first, got.RevokedAt)
	}
	if inval.count(key.ID) == 0 {
		t.Error("revoke did not invalidate auth cache")
	}
}

func TestRefreshKey(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	km := NewKeyManager(store, nil)
	ctx := context.Background()

	rawOld, key, err := km.CreateKey(ctx, CreateKeyOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rawNew, refreshed, err := km.RefreshKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.ID != key.ID {
		t.Errorf("id changed: %q -> %q", key.ID, refreshed.ID)
	}
	if rawNew == rawOld {
		t.Error("refresh returned the same raw key")
	}
	if _, err := store.GetKeyByHash(ctx, pylon.HashKey(rawOld)); !errors.Is(err, pylon.ErrNotFound) {
		t.Error("old hash still resolves after refresh")
	}
	if _, err := store.GetKeyByHash(ctx, pylon.HashKey(rawNew)); err != nil {
		t.Errorf("new hash lookup: %v", err)
	}
}

func TestDeleteKeyRequiresRevokedOrExpired(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	km := NewKeyManager(store, nil)
	ctx := context.Background()

	_, active, err := km.CreateKey(ctx, CreateKeyOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := km.DeleteKey(ctx, active.ID); !errors.Is(err, pylon.ErrConflict) {
		t.Errorf("delete active = %v, want conflict", err)
	}

	if _, err := km.RevokeKey(ctx, active.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := km.DeleteKey(ctx, active.ID); err != nil {
		t.Fatalf("delete revoked: %v", err)
	}
	if _, err := store.GetKey(ctx, active.ID); !errors.Is(err, pylon.ErrNotFound) {
		t.Error("key still present after delete")
	}

	past := time.Now().Add(-time.Hour)
	expired := &pylon.APIKey{ID: "exp", KeyHash: "h", KeyPrefix: "sk-expx", ExpiresAt: &past}
	store.AddKey(expired)
	if err := km.DeleteKey(ctx, "exp"); err != nil {
		t.Errorf("delete expired = %v, want nil", err)
	}

	if err := km.DeleteKey(ctx, "missing"); !errors.Is(err, pylon.ErrNotFound) {
		t.Errorf("delete missing = %v, want not found", err)
	}
}

func intp(n int) *int { return &n }
