// Package queue holds requests that passed authentication but found no
// free capacity, ordered by priority and arrival.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	pylon "github.com/eugener/pylon/internal"
)

// Outcome is the single terminal state of a queued waiter.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeTimeout
	OutcomePreempted
	OutcomeCancelled
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeTimeout:
		return "timeout"
	case OutcomePreempted:
		return "preempted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ErrBlocked tells Dispatch to leave the head waiter queued.
var ErrBlocked = errors.New("waiting for capacity")

// Request describes an arrival waiting for capacity. Override is the
// key's partial limit override; dispatch re-checks resolve effective
// limits from the policy snapshot current at that moment, so a swap
// that raises limits lets waiters through.
type Request struct {
	Key      string
	API      string
	SSE      bool
	Priority pylon.Priority
	Override *pylon.Rule
}

// Waiter is one queued request. Exactly one Outcome is delivered on
// Done, whether by dispatch, timeout, preemption, or cancellation.
type Waiter struct {
	Request

	rank  int
	seq   uint64
	index int // position in the heap, -1 once removed

	timer    *time.Timer
	done     chan Outcome
	resolved bool // guarded by Queue.mu
	err      error
}

// Done delivers the terminal outcome. It receives exactly one value.
func (w *Waiter) Done() <-chan Outcome { return w.done }

// Err is the rejection tied to the outcome, valid once Done has
// delivered. Admitted and cancelled waiters carry a nil error.
func (w *Waiter) Err() error { return w.err }

// Queue is a bounded priority queue of waiters. Higher priority
// dispatches first; equal priority dispatches in arrival order.
type Queue struct {
	mu  sync.Mutex
	pq  waiterHeap
	seq uint64
}

func New() *Queue {
	return &Queue{}
}

// Len is the number of waiters currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Enqueue adds a waiter, evicting one strictly lower-priority waiter
// when the queue is at maxSize. With no evictable waiter the arrival
// itself is rejected with ErrQueueFull. The waiter times out after
// timeout unless dispatched, preempted, or cancelled first.
func (q *Queue) Enqueue(req Request, maxSize int, timeout time.Duration) (*Waiter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rank := req.Priority.Rank()
	if q.pq.Len() >= maxSize {
		v := q.victim(rank)
		if v == nil {
			return nil, pylon.ErrQueueFull
		}
		heap.Remove(&q.pq, v.index)
		q.resolve(v, OutcomePreempted, pylon.ErrPreempted)
	}

	q.seq++
	w := &Waiter{
		Request: req,
		rank:    rank,
		seq:     q.seq,
		done:    make(chan Outcome, 1),
	}
	heap.Push(&q.pq, w)
	w.timer = time.AfterFunc(timeout, func() { q.expire(w) })
	return w, nil
}

// victim picks the waiter to evict for an arrival of the given rank:
// the lowest-ranked waiter strictly below the arrival, newest first.
func (q *Queue) victim(rank int) *Waiter {
	var v *Waiter
	for _, w := range q.pq {
		if w.rank >= rank {
			continue
		}
		if v == nil || w.rank < v.rank || (w.rank == v.rank && w.seq > v.seq) {
			v = w
		}
	}
	return v
}

// Cancel withdraws a waiter whose client went away. It reports false
// when the waiter already resolved; the caller must then consume the
// outcome that was delivered instead.
func (q *Queue) Cancel(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.resolved {
		return false
	}
	heap.Remove(&q.pq, w.index)
	q.resolve(w, OutcomeCancelled, nil)
	return true
}

// Dispatch offers queued waiters to admit, best first. A nil result
// pops and admits the head; ErrBlocked stops the sweep with the head
// still queued; any other error pops the head and rejects it with that
// error. Returns the number of waiters admitted.
func (q *Queue) Dispatch(admit func(*Waiter) error) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	admitted := 0
	for q.pq.Len() > 0 {
		head := q.pq[0]
		err := admit(head)
		if errors.Is(err, ErrBlocked) {
			break
		}
		heap.Pop(&q.pq)
		if err != nil {
			q.resolve(head, OutcomeRateLimited, err)
			continue
		}
		q.resolve(head, OutcomeAdmitted, nil)
		admitted++
	}
	return admitted
}

func (q *Queue) expire(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.resolved {
		return
	}
	heap.Remove(&q.pq, w.index)
	q.resolve(w, OutcomeTimeout, pylon.ErrQueueTimeout)
}

// resolve delivers the outcome. Caller holds q.mu and has already
// removed w from the heap; the buffered channel makes the send
// non-blocking.
func (q *Queue) resolve(w *Waiter, out Outcome, err error) {
	w.resolved = true
	w.err = err
	if w.timer != nil {
		w.timer.Stop()
	}
	w.done <- out
}

type waiterHeap []*Waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*Waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil // avoid memory leak
	w.index = -1
	*h = old[:n-1]
	return w
}
