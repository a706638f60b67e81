// Package app implements application-level services for the Pylon proxy:
// API key lifecycle and request statistics.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

// Invalidator evicts cached authentication state for a key. The proxy's
// auth cache implements this so revocations take effect immediately
// instead of after the cache TTL.
type Invalidator interface {
	InvalidateByKeyID(id string)
}

// KeyManager handles the API key lifecycle: create, update, revoke,
// refresh, delete.
type KeyManager struct {
	store storage.APIKeyStore
	inval Invalidator
}

// NewKeyManager returns a KeyManager backed by store. inval may be nil.
func NewKeyManager(store storage.APIKeyStore, inval Invalidator) *KeyManager {
	return &KeyManager{store: store, inval: inval}
}

// CreateKeyOpts holds all fields for API key creation.
type CreateKeyOpts struct {
	Description   string
	Priority      pylon.Priority
	ExpiresInDays *int
	Limits        *pylon.Rule
}

// CreateKey generates a new API key, stores its hash, and returns the
// raw key (shown once) along with the persisted record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *pylon.APIKey, error) {
	raw, err := pylon.NewRawKey()
	if err != nil {
		return "", nil, err
	}

	priority := opts.Priority
	if priority == "" {
		priority = pylon.PriorityNormal
	}
	if !priority.Valid() {
		return "", nil, fmt.Errorf("priority %q: %w", priority, pylon.ErrBadRequest)
	}

	var expiresAt *time.Time
	if opts.ExpiresInDays != nil {
		if *opts.ExpiresInDays <= 0 {
			return "", nil, fmt.Errorf("expires_in_days must be positive: %w", pylon.ErrBadRequest)
		}
		t := time.Now().UTC().AddDate(0, 0, *opts.ExpiresInDays)
		expiresAt = &t
	}

	key := &pylon.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		KeyHash:     pylon.HashKey(raw),
		KeyPrefix:   pylon.DisplayPrefix(raw),
		Description: opts.Description,
		Priority:    priority,
		Limits:      opts.Limits,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// UpdateKeyOpts holds the mutable fields of an API key. Nil fields keep
// the current value; ClearLimits resets the per-key override to inherit
// the policy default.
type UpdateKeyOpts struct {
	Description *string
	Priority    *pylon.Priority
	ExpiresAt   *time.Time
	Limits      *pylon.Rule
	ClearLimits bool
}

// UpdateKey applies a partial update to an existing key.
func (km *KeyManager) UpdateKey(ctx context.Context, id string, opts UpdateKeyOpts) (*pylon.APIKey, error) {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Description != nil {
		key.Description = *opts.Description
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return nil, fmt.Errorf("priority %q: %w", *opts.Priority, pylon.ErrBadRequest)
		}
		key.Priority = *opts.Priority
	}
	if opts.ExpiresAt != nil {
		key.ExpiresAt = opts.ExpiresAt
	}
	switch {
	case opts.ClearLimits:
		key.Limits = nil
	case opts.Limits != nil:
		key.Limits = opts.Limits
	}
	if err := km.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	km.invalidate(id)
	return key, nil
}

// RevokeKey marks a key as revoked. Revoking twice is a no-op.
func (km *KeyManager) RevokeKey(ctx context.Context, id string) (*pylon.APIKey, error) {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
		if err := km.store.UpdateKey(ctx, key); err != nil {
			return nil, err
		}
	}
	km.invalidate(id)
	return key, nil
}

// RefreshKey replaces a key's secret, keeping its ID and settings.
// The old raw key stops working immediately.
func (km *KeyManager) RefreshKey(ctx context.Context, id string) (string, *pylon.APIKey, error) {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return "", nil, err
	}
	raw, err := pylon.NewRawKey()
	if err != nil {
		return "", nil, err
	}
	key.KeyHash = pylon.HashKey(raw)
	key.KeyPrefix = pylon.DisplayPrefix(raw)
	if err := km.store.UpdateKey(ctx, key); err != nil {
		return "", nil, err
	}
	km.invalidate(id)
	return raw, key, nil
}

// DeleteKey permanently removes a key. Active keys must be revoked
// first; deleting one returns ErrConflict.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if key.Valid(time.Now().UTC()) {
		return fmt.Errorf("key is active, revoke first: %w", pylon.ErrConflict)
	}
	if err := km.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	km.invalidate(id)
	return nil
}

func (km *KeyManager) invalidate(id string) {
	if km.inval != nil {
		km.inval.InvalidateByKeyID(id)
	}
}
