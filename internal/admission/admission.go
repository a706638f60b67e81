// Package admission decides whether an authenticated request may
// proceed to the downstream, combining counter checks with the
// priority wait queue.
package admission

import (
	"context"
	"sync"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/queue"
	"github.com/eugener/pylon/internal/ratelimit"
)

// PolicySource yields the live policy snapshot for dispatch re-checks.
type PolicySource interface {
	Current() *policy.Policy
}

// Controller admits requests against the counter bank, parking
// concurrency-blocked arrivals in the wait queue.
type Controller struct {
	bank   *ratelimit.Bank
	queue  *queue.Queue
	policy PolicySource
}

func New(bank *ratelimit.Bank, q *queue.Queue, pol PolicySource) *Controller {
	return &Controller{bank: bank, queue: q, policy: pol}
}

// Admit reserves capacity for one request. Rate violations reject
// immediately; concurrency violations wait in the queue until capacity
// frees, the queue timeout fires, a higher-priority arrival preempts
// the spot, or ctx is cancelled. The caller's snapshot fixes the queue
// bounds and the first reservation; dispatch re-checks read the policy
// current at that moment.
func (c *Controller) Admit(ctx context.Context, pol *policy.Policy, id *pylon.Identity, api string, rule *pylon.Rule, sse bool) (*Ticket, error) {
	lim := ratelimit.Limits{
		User:   pol.DefaultUser.Overlay(id.Limits),
		API:    rule,
		Global: pol.Global,
	}

	cap := c.bank.TryReserve(id.KeyID, api, sse, lim, time.Now())
	if cap == ratelimit.CapNone {
		return c.ticket(id.KeyID, api, sse, lim), nil
	}
	if cap.Rate() {
		return nil, cap.Err()
	}

	w, err := c.queue.Enqueue(queue.Request{
		Key:      id.KeyID,
		API:      api,
		SSE:      sse,
		Priority: id.Priority,
		Override: id.Limits,
	}, pol.QueueMaxSize, pol.QueueTimeout)
	if err != nil {
		return nil, err
	}
	// Capacity may have freed between the failed reserve and the
	// enqueue; a pump closes that gap.
	c.Pump()

	select {
	case out := <-w.Done():
		if out == queue.OutcomeAdmitted {
			return c.ticket(id.KeyID, api, sse, lim), nil
		}
		return nil, w.Err()
	case <-ctx.Done():
		if c.queue.Cancel(w) {
			return nil, context.Cause(ctx)
		}
		// The waiter resolved before the cancel landed; consume the
		// outcome that won.
		if out := <-w.Done(); out == queue.OutcomeAdmitted {
			c.ticket(id.KeyID, api, sse, lim).Release()
			return nil, context.Cause(ctx)
		}
		return nil, w.Err()
	}
}

// Pump re-checks queued waiters against current counters and the
// current policy snapshot, admitting from the head until one still
// does not fit. Caps are resolved fresh each pump so a policy swap
// that raises limits lets waiters through. Waiters that now trip a
// rate cap are rejected terminally; rate violations never wait.
func (c *Controller) Pump() {
	pol := c.policy.Current()
	c.queue.Dispatch(func(w *queue.Waiter) error {
		cap := c.bank.TryReserve(w.Key, w.API, w.SSE, currentLimits(pol, w), time.Now())
		if cap == ratelimit.CapNone {
			return nil
		}
		if cap.Rate() {
			return cap.Err()
		}
		return queue.ErrBlocked
	})
}

// currentLimits resolves a queued waiter's effective limits under the
// given snapshot. The waiter's API identifier was fixed at arrival;
// only the caps behind it are re-read.
func currentLimits(pol *policy.Policy, w *queue.Waiter) ratelimit.Limits {
	_, rule := pol.APIRule(w.API)
	return ratelimit.Limits{
		User:   pol.DefaultUser.Overlay(w.Override),
		API:    rule,
		Global: pol.Global,
	}
}

func (c *Controller) ticket(key, api string, sse bool, lim ratelimit.Limits) *Ticket {
	return &Ticket{c: c, key: key, api: api, sse: sse, lim: lim}
}

// Ticket is one admitted request's hold on capacity.
type Ticket struct {
	c    *Controller
	key  string
	api  string
	sse  bool
	lim  ratelimit.Limits
	once sync.Once
}

// Release returns the held capacity and wakes the queue. Safe to call
// more than once; only the first call releases.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.c.bank.Release(t.key, t.sse)
		t.c.Pump()
	})
}

// CountMessage accounts one SSE data message against the rate windows
// of the snapshot this ticket was admitted under. On a violation
// nothing is recorded and the cap's rejection is returned.
func (t *Ticket) CountMessage(now time.Time) error {
	if cap := t.c.bank.RecordMessage(t.key, t.api, t.lim, now); cap != ratelimit.CapNone {
		return cap.Err()
	}
	return nil
}
