// Package auth implements credential checks for both Pylon servers: API
// key authentication on the proxy side and password/token authentication
// on the admin side. Resolved API keys are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates proxy requests using API keys with the "sk-"
// prefix. Resolved keys are cached by hash for fast repeat lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *pylon.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns an APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *pylon.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *pylon.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Identity.
// Revoked and expired keys fail even when cached.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*pylon.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, pylon.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, pylon.APIKeyPrefix) {
		return nil, pylon.ErrUnauthorized
	}

	hash := pylon.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := keyState(key, time.Now()); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pylon.ErrNotFound) {
			return nil, pylon.ErrKeyInvalid
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, pylon.ErrUnauthorized
	}

	if err := keyState(key, time.Now()); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when admin operations (revoke, refresh, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// keyState maps a key's lifecycle to its rejection.
func keyState(key *pylon.APIKey, now time.Time) error {
	if key.RevokedAt != nil {
		return pylon.ErrKeyRevoked
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return pylon.ErrKeyExpired
	}
	return nil
}

// buildIdentity constructs an Identity from a validated API key.
func buildIdentity(key *pylon.APIKey) *pylon.Identity {
	prio := key.Priority
	if !prio.Valid() {
		prio = pylon.PriorityNormal
	}
	return &pylon.Identity{
		KeyID:     key.ID,
		KeyPrefix: key.KeyPrefix,
		Priority:  prio,
		Limits:    key.Limits,
	}
}
