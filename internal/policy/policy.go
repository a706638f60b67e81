// Package policy manages the runtime policy: flat dotted-key persistence,
// an atomically swapped in-memory snapshot, and YAML import/export.
// Requests read one snapshot at arrival and keep it for their whole life.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

// Stored policy keys. Values are JSON-encoded.
const (
	KeyDownstreamBaseURL = "downstream.base_url"
	KeyDownstreamTimeout = "downstream.timeout" // seconds
	KeyGlobal            = "rate_limit.global"
	KeyDefaultUser       = "rate_limit.default_user"
	KeyAPIs              = "rate_limit.apis"
	KeyAPIPatterns       = "rate_limit.api_patterns"
	KeyQueueMaxSize      = "queue.max_size"
	KeyQueueTimeout      = "queue.timeout"     // seconds
	KeySSEIdleTimeout    = "sse.idle_timeout"  // seconds
	KeyRetentionDays     = "data_retention.days"
	KeyCleanupHours      = "data_retention.cleanup_interval_hours"
)

// terminalKeys hold structured JSON and are never flattened further on
// import or export.
var terminalKeys = map[string]bool{
	KeyGlobal:      true,
	KeyDefaultUser: true,
	KeyAPIs:        true,
	KeyAPIPatterns: true,
}

// PatternRule binds admission limits to an API pattern such as
// "POST /v1/chat/*" or "GET /users/{id}".
type PatternRule struct {
	Pattern string     `json:"pattern"`
	Rule    pylon.Rule `json:"rule"`
}

// Policy is an immutable snapshot of runtime settings.
type Policy struct {
	DownstreamBaseURL string
	DownstreamTimeout time.Duration
	Global            pylon.Rule
	DefaultUser       pylon.Rule
	APIs              map[string]pylon.Rule
	APIPatterns       []PatternRule
	QueueMaxSize      int
	QueueTimeout      time.Duration
	SSEIdleTimeout    time.Duration
	RetentionDays     int
	CleanupInterval   time.Duration
}

func intp(n int) *int { return &n }

// Default returns the built-in policy used until the store has rows.
func Default() *Policy {
	return &Policy{
		DownstreamBaseURL: "https://api.example.com",
		DownstreamTimeout: 30 * time.Second,
		Global: pylon.Rule{
			MaxConcurrent: intp(50),
			MaxPerMinute:  intp(500),
			MaxSSE:        intp(20),
		},
		DefaultUser: pylon.Rule{
			MaxConcurrent: intp(4),
			MaxPerMinute:  intp(60),
			MaxSSE:        intp(2),
		},
		APIs:            map[string]pylon.Rule{},
		APIPatterns:     nil,
		QueueMaxSize:    100,
		QueueTimeout:    30 * time.Second,
		SSEIdleTimeout:  60 * time.Second,
		RetentionDays:   30,
		CleanupInterval: 24 * time.Hour,
	}
}

// APIRule resolves the admission rule for an API identifier. Ordered
// patterns are consulted first; the winning pattern string becomes the
// identifier so every matching path shares one counter cell. An exact
// entry in APIs applies when no pattern matches. A nil rule means the
// identifier carries no API-level limits.
func (p *Policy) APIRule(identifier string) (string, *pylon.Rule) {
	for i := range p.APIPatterns {
		if matchPattern(p.APIPatterns[i].Pattern, identifier) {
			return p.APIPatterns[i].Pattern, &p.APIPatterns[i].Rule
		}
	}
	if r, ok := p.APIs[identifier]; ok {
		return identifier, &r
	}
	return identifier, nil
}

// matchPattern matches "METHOD /seg/seg" identifiers against a pattern.
// "{name}" matches any single segment; a trailing "*" matches the rest
// of the path (including nothing).
func matchPattern(pattern, identifier string) bool {
	pMethod, pPath, ok := strings.Cut(pattern, " ")
	if !ok {
		return false
	}
	iMethod, iPath, ok := strings.Cut(identifier, " ")
	if !ok || !strings.EqualFold(pMethod, iMethod) {
		return false
	}
	pSegs := strings.Split(strings.Trim(pPath, "/"), "/")
	iSegs := strings.Split(strings.Trim(iPath, "/"), "/")
	for i, ps := range pSegs {
		if ps == "*" && i == len(pSegs)-1 {
			return len(iSegs) >= i
		}
		if i >= len(iSegs) {
			return false
		}
		if ps != iSegs[i] && !(strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}")) {
			return false
		}
	}
	return len(pSegs) == len(iSegs)
}

// apply folds one stored key into the snapshot. Unknown keys are the
// caller's problem; they are stored but not part of the snapshot.
func apply(p *Policy, key, value string) error {
	data := []byte(value)
	switch key {
	case KeyDownstreamBaseURL:
		return json.Unmarshal(data, &p.DownstreamBaseURL)
	case KeyDownstreamTimeout:
		return applySeconds(data, &p.DownstreamTimeout)
	case KeyGlobal:
		return json.Unmarshal(data, &p.Global)
	case KeyDefaultUser:
		return json.Unmarshal(data, &p.DefaultUser)
	case KeyAPIs:
		return json.Unmarshal(data, &p.APIs)
	case KeyAPIPatterns:
		return json.Unmarshal(data, &p.APIPatterns)
	case KeyQueueMaxSize:
		return applyCount(data, &p.QueueMaxSize)
	case KeyQueueTimeout:
		return applySeconds(data, &p.QueueTimeout)
	case KeySSEIdleTimeout:
		return applySeconds(data, &p.SSEIdleTimeout)
	case KeyRetentionDays:
		return applyCount(data, &p.RetentionDays)
	case KeyCleanupHours:
		var hours float64
		if err := json.Unmarshal(data, &hours); err != nil {
			return err
		}
		if hours <= 0 {
			return fmt.Errorf("must be positive")
		}
		p.CleanupInterval = time.Duration(hours * float64(time.Hour))
		return nil
	}
	return nil
}

func applySeconds(data []byte, d *time.Duration) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	if secs <= 0 {
		return fmt.Errorf("must be positive")
	}
	*d = time.Duration(secs * float64(time.Second))
	return nil
}

func applyCount(data []byte, n *int) error {
	if err := json.Unmarshal(data, n); err != nil {
		return err
	}
	if *n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// knownKey reports whether apply understands the key.
func knownKey(key string) bool {
	switch key {
	case KeyDownstreamBaseURL, KeyDownstreamTimeout, KeyGlobal, KeyDefaultUser,
		KeyAPIs, KeyAPIPatterns, KeyQueueMaxSize, KeyQueueTimeout,
		KeySSEIdleTimeout, KeyRetentionDays, KeyCleanupHours:
		return true
	}
	return false
}

// defaultValues returns the JSON encoding of every default key.
func defaultValues() map[string]string {
	p := Default()
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	return map[string]string{
		KeyDownstreamBaseURL: enc(p.DownstreamBaseURL),
		KeyDownstreamTimeout: enc(int(p.DownstreamTimeout / time.Second)),
		KeyGlobal:            enc(p.Global),
		KeyDefaultUser:       enc(p.DefaultUser),
		KeyAPIs:              enc(p.APIs),
		KeyAPIPatterns:       enc([]PatternRule{}),
		KeyQueueMaxSize:      enc(p.QueueMaxSize),
		KeyQueueTimeout:      enc(int(p.QueueTimeout / time.Second)),
		KeySSEIdleTimeout:    enc(int(p.SSEIdleTimeout / time.Second)),
		KeyRetentionDays:     enc(p.RetentionDays),
		KeyCleanupHours:      enc(int(p.CleanupInterval / time.Hour)),
	}
}

// Service loads, serves, and mutates the runtime policy.
type Service struct {
	store   storage.PolicyStore
	current atomic.Pointer[Policy]

	mu sync.Mutex // serializes writers; never held while installing

	cbMu   sync.Mutex // guards onSwap registration only
	onSwap []func(*Policy)
}

// NewService creates a policy service serving Default() until Load runs.
func NewService(store storage.PolicyStore) *Service {
	s := &Service{store: store}
	s.current.Store(Default())
	return s
}

// Current returns the live snapshot. Callers must not mutate it.
func (s *Service) Current() *Policy {
	return s.current.Load()
}

// OnSwap registers a callback invoked with each newly installed snapshot.
func (s *Service) OnSwap(fn func(*Policy)) {
	s.cbMu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.cbMu.Unlock()
}

// InitDefaults persists the built-in defaults when the store is empty and
// installs the resulting snapshot. Returns true when defaults were written.
func (s *Service) InitDefaults(ctx context.Context) (bool, error) {
	values, err := s.store.GetPolicyValues(ctx)
	if err != nil {
		return false, fmt.Errorf("load policy: %w", err)
	}
	if len(values) > 0 {
		return false, s.Load(ctx)
	}
	if err := s.store.SetPolicyValues(ctx, defaultValues()); err != nil {
		return false, fmt.Errorf("init policy defaults: %w", err)
	}
	slog.Info("initialized default policy values")
	return true, s.Load(ctx)
}

// Load folds the stored rows into a fresh snapshot and installs it.
// Corrupt values for known keys keep their defaults and are logged,
// never fatal: a bad row must not take the proxy down.
func (s *Service) Load(ctx context.Context) error {
	values, err := s.store.GetPolicyValues(ctx)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	p := Default()
	for key, value := range values {
		if !knownKey(key) {
			continue
		}
		if err := apply(p, key, value); err != nil {
			slog.Warn("skipping bad policy value", "key", key, "error", err)
		}
	}
	s.install(p)
	return nil
}

// install publishes the snapshot and fans out to the swap callbacks.
// It takes only cbMu, so writers holding s.mu may call it freely.
func (s *Service) install(p *Policy) {
	s.current.Store(p)
	s.cbMu.Lock()
	callbacks := s.onSwap
	s.cbMu.Unlock()
	for _, fn := range callbacks {
		fn(p)
	}
}

// Set validates and persists one dotted key, then reloads the snapshot.
// Unknown keys are stored verbatim for forward compatibility; known keys
// must carry a value of the right shape.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	encoded, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetPolicyValue(ctx, key, encoded); err != nil {
		return fmt.Errorf("set policy %s: %w", key, err)
	}
	return s.Load(ctx)
}

// SetMany persists several dotted keys in one transaction, then reloads.
func (s *Service) SetMany(ctx context.Context, values map[string]any) error {
	encoded := make(map[string]string, len(values))
	for key, value := range values {
		enc, err := encodeValue(key, value)
		if err != nil {
			return err
		}
		encoded[key] = enc
	}
	if len(encoded) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SetPolicyValues(ctx, encoded); err != nil {
		return fmt.Errorf("set policy values: %w", err)
	}
	return s.Load(ctx)
}

func encodeValue(key string, value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("policy %s: %w", key, pylon.ErrBadRequest)
	}
	if knownKey(key) {
		if err := apply(Default(), key, string(encoded)); err != nil {
			return "", fmt.Errorf("policy %s: %v: %w", key, err, pylon.ErrBadRequest)
		}
	}
	return string(encoded), nil
}

// All returns every stored value parsed from JSON, keyed by dotted key.
func (s *Service) All(ctx context.Context) (map[string]any, error) {
	values, err := s.store.GetPolicyValues(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			slog.Warn("skipping unparsable policy value", "key", key, "error", err)
			continue
		}
		out[key] = v
	}
	return out, nil
}
