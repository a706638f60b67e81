// Package ratelimit implements the counter bank: per-key, per-API, and
// global cells holding concurrency gauges and trailing one-minute rate
// windows. Reservations check and commit atomically across all three
// scopes; nothing is observable half-reserved.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	pylon "github.com/eugener/pylon/internal"
)

// Cap identifies the first cap violated by a reservation attempt.
type Cap int

const (
	CapNone Cap = iota
	CapUserRate
	CapAPIRate
	CapGlobalRate
	CapUserConcurrency
	CapGlobalConcurrency
	CapUserSSE
	CapGlobalSSE
)

// String returns the metrics label for the cap.
func (c Cap) String() string {
	switch c {
	case CapNone:
		return "none"
	case CapUserRate:
		return "user_rpm"
	case CapAPIRate:
		return "api_rpm"
	case CapGlobalRate:
		return "global_rpm"
	case CapUserConcurrency:
		return "user_concurrency"
	case CapGlobalConcurrency:
		return "global_concurrency"
	case CapUserSSE:
		return "user_sse"
	case CapGlobalSSE:
		return "global_sse"
	}
	return "unknown"
}

// Rate reports whether the cap is a rate cap. Rate violations are
// terminal rejections; gauge violations wait in the queue.
func (c Cap) Rate() bool {
	switch c {
	case CapUserRate, CapAPIRate, CapGlobalRate:
		return true
	}
	return false
}

// Err maps the cap to its rejection sentinel.
func (c Cap) Err() error {
	switch c {
	case CapUserRate, CapUserConcurrency, CapUserSSE:
		return pylon.ErrUserLimit
	case CapAPIRate:
		return pylon.ErrAPILimit
	case CapGlobalRate, CapGlobalConcurrency, CapGlobalSSE:
		return pylon.ErrSystemBusy
	}
	return nil
}

// Limits carries the effective caps for one reservation. API is nil when
// no API rule applies to the identifier; the API window is then neither
// checked nor recorded.
type Limits struct {
	User   pylon.Rule
	API    *pylon.Rule
	Global pylon.Rule
}

// window counts events over a trailing 60-second span with a ring of
// 1-second buckets. Stale buckets are cleared on access, so reads are
// exact without background ticking.
type window struct {
	buckets  [60]int
	head     int   // index of current bucket
	headTime int64 // unix seconds of head bucket
	total    int   // sum of live buckets
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	n := min(int(gap), len(w.buckets))
	for i := range n {
		idx := (w.head + 1 + i) % len(w.buckets)
		w.total -= w.buckets[idx]
		w.buckets[idx] = 0
	}
	w.head = (w.head + int(gap)) % len(w.buckets)
	w.headTime = nowSec
}

func (w *window) add(now time.Time, n int) {
	w.advance(now.Unix())
	w.buckets[w.head] += n
	w.total += n
}

func (w *window) count(now time.Time) int {
	w.advance(now.Unix())
	return w.total
}

/// cell holds the counters for one scope: a key, an API identifier, or
// the global scope.
type cell struct {
	mu     sync.Mutex
	active int // in-flight unary requests
	sse    int // open SSE connections
	rate   window
	dead   bool // set by the sweeper; look the cell up again
}

// Bank owns every counter cell.
type Bank struct {
	mu     sync.Mutex // guards the maps only, never held with a cell lock
	users  map[string]*cell
	apis   map[string]*cell
	global cell
}

// NewBank creates an empty counter bank.
func NewBank() *Bank {
	return &Bank{
		users: make(map[string]*cell),
		apis:  make(map[string]*cell),
	}
}

func (b *Bank) cellFor(m map[string]*cell, key string) *cell {
	b.mu.Lock()
	c, ok := m[key]
	if !ok {
		c = &cell{}
		m[key] = c
	}
	b.mu.Unlock()
	return c
}

// lockCells returns the user and api cells locked in fixed order
// (user, then api; the caller locks global last). Cells swept between
// lookup and lock are retried.
func (b *Bank) lockCells(key, api string) (user, apiCell *cell) {
	for {
		user = b.cellFor(b.users, key)
		apiCell = nil
		if api != "" {
			apiCell = b.cellFor(b.apis, api)
		}
		user.mu.Lock()
		if user.dead {
			user.mu.Unlock()
			continue
		}
		if apiCell == nil {
			return user, nil
		}
		apiCell.mu.Lock()
		if apiCell.dead {
			apiCell.mu.Unlock()
			user.mu.Unlock()
			continue
		}
		return user, apiCell
	}
}

func exceeded(current int, limit *int) bool {
	return limit != nil && current >= *limit
}

// TryReserve attempts to admit one request. Caps are checked in order:
// user rate, API rate, global rate, then the concurrency gauge of the
// request's kind (SSE connections for SSE requests, in-flight count
// otherwise), user before global. On success every applicable rate
// window records the request and the matching gauges are held; on
// violation nothing changes and the first violated cap is returned.
func (b *Bank) TryReserve(key, api string, sse bool, lim Limits, now time.Time) Cap {
	if lim.API == nil {
		api = ""
	}
	user, apiCell := b.lockCells(key, api)
	defer user.mu.Unlock()
	if apiCell != nil {
		defer apiCell.mu.Unlock()
	}
	b.global.mu.Lock()
	defer b.global.mu.Unlock()

	if exceeded(user.rate.count(now), lim.User.MaxPerMinute) {
		return CapUserRate
	}
	if apiCell != nil && exceeded(apiCell.rate.count(now), lim.API.MaxPerMinute) {
		return CapAPIRate
	}
	if exceeded(b.global.rate.count(now), lim.Global.MaxPerMinute) {
		return CapGlobalRate
	}
	if sse {
		if exceeded(user.sse, lim.User.MaxSSE) {
			return CapUserSSE
		}
		if exceeded(b.global.sse, lim.Global.MaxSSE) {
			return CapGlobalSSE
		}
	} else {
		if exceeded(user.active, lim.User.MaxConcurrent) {
			return CapUserConcurrency
		}
		if exceeded(b.global.active, lim.Global.MaxConcurrent) {
			return CapGlobalConcurrency
		}
	}

	user.rate.add(now, 1)
	if apiCell != nil {
		apiCell.rate.add(now, 1)
	}
	b.global.rate.add(now, 1)
	if sse {
		user.sse++
		b.global.sse++
	} else {
		user.active++
		b.global.active++
	}
	return CapNone
}

// Release returns the gauge capacity held by one reservation. Gauges
// never go below zero; an underflow is logged and clamped.
func (b *Bank) Release(key string, sse bool) {
	user, _ := b.lockCells(key, "")
	defer user.mu.Unlock()
	b.global.mu.Lock()
	defer b.global.mu.Unlock()

	if sse {
		user.sse = decrement(user.sse, "user_sse", key)
		b.global.sse = decrement(b.global.sse, "global_sse", "")
	} else {
		user.active = decrement(user.active, "user_concurrency", key)
		b.global.active = decrement(b.global.active, "global_concurrency", "")
	}
}

func decrement(n int, gauge, key string) int {
	if n <= 0 {
		slog.Error("counter gauge underflow", "gauge", gauge, "key", key)
		return 0
	}
	return n - 1
}

// RecordMessage accounts one billable SSE message against the rate
// windows, first verifying the rate caps. On violation nothing is
// recorded and the violated cap is returned.
func (b *Bank) RecordMessage(key, api string, lim Limits, now time.Time) Cap {
	if lim.API == nil {
		api = ""
	}
	user, apiCell := b.lockCells(key, api)
	defer user.mu.Unlock()
	if apiCell != nil {
		defer apiCell.mu.Unlock()
	}
	b.global.mu.Lock()
	defer b.global.mu.Unlock()

	if exceeded(user.rate.count(now), lim.User.MaxPerMinute) {
		return CapUserRate
	}
	if apiCell != nil && exceeded(apiCell.rate.count(now), lim.API.MaxPerMinute) {
		return CapAPIRate
	}
	if exceeded(b.global.rate.count(now), lim.Global.MaxPerMinute) {
		return CapGlobalRate
	}

	user.rate.add(now, 1)
	if apiCell != nil {
		apiCell.rate.add(now, 1)
	}
	b.global.rate.add(now, 1)
	return CapNone
}

// Snapshot is the live global counter state.
type Snapshot struct {
	GlobalConcurrent int `json:"global_concurrent"`
	GlobalSSE        int `json:"global_sse_connections"`
	GlobalPerMinute  int `json:"global_requests_this_minute"`
}

// Snapshot reads the global gauges and the trailing-minute request count.
func (b *Bank) Snapshot(now time.Time) Snapshot {
	b.global.mu.Lock()
	defer b.global.mu.Unlock()
	return Snapshot{
		GlobalConcurrent: b.global.active,
		GlobalSSE:        b.global.sse,
		GlobalPerMinute:  b.global.rate.count(now),
	}
}

// Sweep drops cells with no held gauges and an empty rate window.
// Returns the number of cells removed.
func (b *Bank) Sweep(now time.Time) int {
	type entry struct {
		m   map[string]*cell
		key string
		c   *cell
	}
	b.mu.Lock()
	candidates := make([]entry, 0, len(b.users)+len(b.apis))
	for k, c := range b.users {
		candidates = append(candidates, entry{b.users, k, c})
	}
	for k, c := range b.apis {
		candidates = append(candidates, entry{b.apis, k, c})
	}
	b.mu.Unlock()

	removed := 0
	for _, e := range candidates {
		e.c.mu.Lock()
		idle := e.c.active == 0 && e.c.sse == 0 && e.c.rate.count(now) == 0
		if idle {
			e.c.dead = true
		}
		e.c.mu.Unlock()
		if !idle {
			continue
		}
		b.mu.Lock()
		if e.m[e.key] == e.c {
			delete(e.m, e.key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}
