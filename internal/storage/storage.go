// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"time"

	pylon "github.com/eugener/pylon/internal"
)

// KeyCounts summarizes API keys by lifecycle state.
type KeyCounts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *pylon.APIKey) error
	GetKey(ctx context.Context, id string) (*pylon.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*pylon.APIKey, error)
	// ListKeys returns keys ordered by creation time descending. Revoked and
	// expired keys are filtered out unless the matching flag is set.
	ListKeys(ctx context.Context, includeRevoked, includeExpired bool) ([]*pylon.APIKey, error)
	UpdateKey(ctx context.Context, key *pylon.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	CountKeys(ctx context.Context) (KeyCounts, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// LogFilter bounds request-log queries. Zero times mean unbounded;
// KeyID and API filter to a single key or API identifier when set.
type LogFilter struct {
	Start time.Time
	End   time.Time
	KeyID string
	API   string
}

// Aggregate holds request-log rollup figures for one scope.
type Aggregate struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalSSEMessages int64   `json:"total_sse_messages"`
	SuccessCount     int64   `json:"-"` // 2xx responses
	RateLimitedCount int64   `json:"rate_limited_count"`
	SSEConnections   int64   `json:"sse_connections"`
	AvgResponseMs    float64 `json:"avg_response_time_ms"`
}

// KeyAggregate is an Aggregate grouped by API key.
type KeyAggregate struct {
	KeyID string `json:"api_key_id"`
	Aggregate
}

// APIAggregate is an Aggregate grouped by API identifier.
type APIAggregate struct {
	API string `json:"api_identifier"`
	Aggregate
}

// RequestLogStore manages request log persistence.
type RequestLogStore interface {
	InsertLogs(ctx context.Context, logs []pylon.RequestLog) error
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AggregateLogs(ctx context.Context, f LogFilter) (*Aggregate, error)
	// AggregateByKey and AggregateByAPI return groups ordered by total
	// request count descending.
	AggregateByKey(ctx context.Context, f LogFilter) ([]KeyAggregate, error)
	AggregateByAPI(ctx context.Context, f LogFilter) ([]APIAggregate, error)
}

// PolicyStore manages the flat dotted-key policy rows. Values are the raw
// JSON encodings of each key's setting.
type PolicyStore interface {
	GetPolicyValues(ctx context.Context) (map[string]string, error)
	SetPolicyValue(ctx context.Context, key, value string) error
	SetPolicyValues(ctx context.Context, values map[string]string) error
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	RequestLogStore
	PolicyStore
	Close() error
}
