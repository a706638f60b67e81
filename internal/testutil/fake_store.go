package testutil

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	keys    map[string]*pylon.APIKey
	logs    []pylon.RequestLog
	policy  map[string]string
	touched map[string]int
	nextID  int64
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:    make(map[string]*pylon.APIKey),
		policy:  make(map[string]string),
		touched: make(map[string]int),
	}
}

// AddKey inserts an API key into the fake store.
func (s *FakeStore) AddKey(k *pylon.APIKey) {
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
}

// Touches reports how many times a key's last-used timestamp was updated.
func (s *FakeStore) Touches(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[id]
}

// Logs returns a copy of the inserted request logs.
func (s *FakeStore) Logs() []pylon.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs)
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *pylon.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*pylon.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, pylon.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*pylon.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, pylon.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, includeRevoked, includeExpired bool) ([]*pylon.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*pylon.APIKey
	for _, k := range s.keys {
		if !includeRevoked && k.RevokedAt != nil {
			continue
		}
		if !includeExpired && k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
			continue
		}
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b *pylon.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *pylon.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return pylon.ErrNotFound
	}
	s.keys[key.ID] = key
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return pylon.ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) CountKeys(context.Context) (storage.KeyCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var c storage.KeyCounts
	for _, k := range s.keys {
		c.Total++
		switch {
		case k.RevokedAt != nil:
			c.Revoked++
		case k.ExpiresAt != nil && now.After(*k.ExpiresAt):
			c.Expired++
		default:
			c.Active++
		}
	}
	return c, nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched[id]++
	s.mu.Unlock()
	return nil
}

// --- RequestLogStore ---

func (s *FakeStore) InsertLogs(_ context.Context, logs []pylon.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		s.nextID++
		l.ID = s.nextID
		s.logs = append(s.logs, l)
	}
	return nil
}

func (s *FakeStore) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, l := range s.logs {
		if l.RequestTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

func (s *FakeStore) matches(l pylon.RequestLog, f storage.LogFilter) bool {
	if !f.Start.IsZero() && l.RequestTime.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && l.RequestTime.After(f.End) {
		return false
	}
	if f.KeyID != "" && l.KeyID != f.KeyID {
		return false
	}
	if f.API != "" && l.API != f.API {
		return false
	}
	return true
}

func aggregate(logs []pylon.RequestLog) storage.Aggregate {
	var a storage.Aggregate
	var totalMs int64
	for _, l := range logs {
		a.TotalRequests++
		a.TotalSSEMessages += int64(l.SSEMessages)
		totalMs += l.ResponseMs
		if l.Status >= 200 && l.Status < 300 {
			a.SuccessCount++
		}
		if l.Status == 429 {
			a.RateLimitedCount++
		}
		if l.SSE {
			a.SSEConnections++
		}
	}
	if a.TotalRequests > 0 {
		a.AvgResponseMs = float64(totalMs) / float64(a.TotalRequests)
	}
	return a
}

func (s *FakeStore) AggregateLogs(_ context.Context, f storage.LogFilter) (*storage.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var filtered []pylon.RequestLog
	for _, l := range s.logs {
		if s.matches(l, f) {
			filtered = append(filtered, l)
		}
	}
	a := aggregate(filtered)
	return &a, nil
}

func (s *FakeStore) AggregateByKey(_ context.Context, f storage.LogFilter) ([]storage.KeyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make(map[string][]pylon.RequestLog)
	for _, l := range s.logs {
		if s.matches(l, f) {
			groups[l.KeyID] = append(groups[l.KeyID], l)
		}
	}
	out := make([]storage.KeyAggregate, 0, len(groups))
	for id, logs := range groups {
		out = append(out, storage.KeyAggregate{KeyID: id, Aggregate: aggregate(logs)})
	}
	slices.SortFunc(out, func(a, b storage.KeyAggregate) int {
		if d := int(b.TotalRequests - a.TotalRequests); d != 0 {
			return d
		}
		return strings.Compare(a.KeyID, b.KeyID)
	})
	return out, nil
}

func (s *FakeStore) AggregateByAPI(_ context.Context, f storage.LogFilter) ([]storage.APIAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make(map[string][]pylon.RequestLog)
	for _, l := range s.logs {
		if s.matches(l, f) {
			groups[l.API] = append(groups[l.API], l)
		}
	}
	out := make([]storage.APIAggregate, 0, len(groups))
	for api, logs := range groups {
		out = append(out, storage.APIAggregate{API: api, Aggregate: aggregate(logs)})
	}
	slices.SortFunc(out, func(a, b storage.APIAggregate) int {
		if d := int(b.TotalRequests - a.TotalRequests); d != 0 {
			return d
		}
		return strings.Compare(a.API, b.API)
	})
	return out, nil
}

// --- PolicyStore ---

func (s *FakeStore) GetPolicyValues(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.policy))
	for k, v := range s.policy {
		out[k] = v
	}
	return out, nil
}

func (s *FakeStore) SetPolicyValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.policy[key] = value
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SetPolicyValues(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	for k, v := range values {
		s.policy[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
