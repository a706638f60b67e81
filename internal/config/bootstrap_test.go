package config

import (
	"context"
	"testing"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	raw := "sk-bootbootbootbootbootbootbootbo"
	cfg := &Config{
		Keys: []KeyEntry{
			{Description: "ci key", Key: raw, Priority: "high"},
		},
	}

	// First call seeds the key.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	key, err := store.GetKeyByHash(ctx, pylon.HashKey(raw))
	if err != nil {
		t.Fatal("get key:", err)
	}
	if key.Description != "ci key" {
		t.Errorf("description = %q, want %q", key.Description, "ci key")
	}
	if key.Priority != pylon.PriorityHigh {
		t.Errorf("priority = %q, want high", key.Priority)
	}
	if key.KeyPrefix != "sk-boot" {
		t.Errorf("prefix = %q, want sk-boot", key.KeyPrefix)
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}
	keys, err := store.ListKeys(ctx, true, true)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 1 {
		t.Errorf("key count after second bootstrap = %d, want 1", len(keys))
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{
			{Description: "empty", Key: ""},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx, true, true)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 0 {
		t.Errorf("key count = %d, want 0 (empty key should be skipped)", len(keys))
	}
}

func TestBootstrapUnknownPriorityFallsBack(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	raw := "sk-priopriopriopriopriopriopriopr"
	cfg := &Config{
		Keys: []KeyEntry{
			{Description: "odd", Key: raw, Priority: "urgent"},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	key, err := store.GetKeyByHash(ctx, pylon.HashKey(raw))
	if err != nil {
		t.Fatal("get key:", err)
	}
	if key.Priority != pylon.PriorityNormal {
		t.Errorf("priority = %q, want normal", key.Priority)
	}
}
