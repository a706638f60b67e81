// Package pylon defines domain types and interfaces for the Pylon proxy.
// This package has no project imports -- it is the dependency root.
package pylon

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// --- Priority ---

// Priority orders requests in the wait queue. Higher priorities are
// admitted first and may preempt queued lower-priority requests.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of the priority. Higher rank wins.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// --- Limits ---

// Rule is a set of admission limits for one scope. A nil field means
// "no limit" when the rule stands alone, or "inherit" when the rule
// overrides another (see Overlay).
type Rule struct {
	MaxConcurrent *int `json:"max_concurrent,omitempty"`
	MaxPerMinute  *int `json:"max_requests_per_minute,omitempty"`
	MaxSSE        *int `json:"max_sse_connections,omitempty"`
}

// Overlay returns r with o's non-nil fields taking precedence.
// A nil o returns r unchanged.
func (r Rule) Overlay(o *Rule) Rule {
	if o == nil {
		return r
	}
	if o.MaxConcurrent != nil {
		r.MaxConcurrent = o.MaxConcurrent
	}
	if o.MaxPerMinute != nil {
		r.MaxPerMinute = o.MaxPerMinute
	}
	if o.MaxSSE != nil {
		r.MaxSSE = o.MaxSSE
	}
	return r
}

// --- API keys ---

// APIKey represents an API key for proxy authentication.
type APIKey struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix   string     `json:"key_prefix"` // first 7 chars for display
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Limits      *Rule      `json:"rate_limit_config,omitempty"` // nil = inherit policy default
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the key is neither revoked nor expired at now.
func (k *APIKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// APIKeyPrefix is the prefix for all Pylon API keys.
const APIKeyPrefix = "sk-"

const (
	keyAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	keyRandomLen  = 32
	displayPrefix = 7 // "sk-" plus four characters
)

// NewRawKey generates a raw API key: APIKeyPrefix plus 32 random
// characters from [a-z0-9]. The raw key is shown once and only its
// hash is stored.
func NewRawKey() (string, error) {
	b := make([]byte, 0, keyRandomLen)
	buf := make([]byte, keyRandomLen)
	for len(b) < keyRandomLen {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		for _, c := range buf {
			if int(c) >= 252 { // 252 = 7 * 36, rejected bytes keep the draw uniform
				continue
			}
			b = append(b, keyAlphabet[int(c)%len(keyAlphabet)])
			if len(b) == keyRandomLen {
				break
			}
		}
	}
	return APIKeyPrefix + string(b), nil
}

// DisplayPrefix returns the short form of a raw key safe to store and show.
func DisplayPrefix(raw string) string {
	if len(raw) < displayPrefix {
		return raw
	}
	return raw[:displayPrefix]
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Identity ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	KeyID     string   `json:"key_id"`
	KeyPrefix string   `json:"key_prefix"`
	Priority  Priority `json:"priority"`
	Limits    *Rule    `json:"-"` // per-key override, nil = policy default
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// --- Request logs ---

// RequestLog is a single proxied-request record for offline statistics.
type RequestLog struct {
	ID          int64     `json:"id"`
	KeyID       string    `json:"api_key_id"`
	API         string    `json:"api_identifier"`
	Path        string    `json:"request_path"`
	Method      string    `json:"request_method"`
	Status      int       `json:"response_status"`
	RequestTime time.Time `json:"request_time"`
	ResponseMs  int64     `json:"response_time_ms"`
	ClientIP    string    `json:"client_ip"`
	SSE         bool      `json:"is_sse"`
	SSEMessages int       `json:"sse_message_count"`
}

// --- API identifiers ---

// APIIdentifier normalizes a request into its "METHOD /path" form:
// method uppercased, query stripped, trailing slash trimmed. The bare
// root path stays "/".
func APIIdentifier(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}
	return strings.ToUpper(method) + " " + path
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
