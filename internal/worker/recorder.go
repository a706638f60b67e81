package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

const (
	recordChanSize   = 1000
	recordBatchSize  = 100
	recordFlushEvery = 5 * time.Second
	recordDrainTime  = 30 * time.Second
)

// RequestRecorder buffers request logs and batch-flushes them to the
// store. Recording never blocks the request path: under overflow the
// oldest buffered record is dropped to make room for the newest.
type RequestRecorder struct {
	ch      chan pylon.RequestLog
	store   storage.RequestLogStore
	dropped atomic.Int64
	onDrop  func() // optional metrics hook
}

// NewRequestRecorder creates a RequestRecorder backed by store.
// onDrop, if non-nil, is invoked once per dropped record.
func NewRequestRecorder(store storage.RequestLogStore, onDrop func()) *RequestRecorder {
	return &RequestRecorder{
		ch:     make(chan pylon.RequestLog, recordChanSize),
		store:  store,
		onDrop: onDrop,
	}
}

// Name returns the worker identifier.
func (r *RequestRecorder) Name() string { return "request_recorder" }

// Record enqueues a request log. It never blocks: when the channel is
// full the oldest buffered record is discarded and the new one retried,
// so the log favors recent traffic.
func (r *RequestRecorder) Record(l pylon.RequestLog) {
	select {
	case r.ch <- l:
		return
	default:
	}
	// Full: evict the oldest and try once more. The second send can
	// still lose a race with other producers; then the new record is
	// the casualty instead.
	select {
	case <-r.ch:
	default:
	}
	select {
	case r.ch <- l:
	default:
	}
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
}

// Dropped reports how many records have been discarded under overflow.
func (r *RequestRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run processes records until ctx is cancelled, then drains the channel.
func (r *RequestRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recordFlushEvery)
	defer ticker.Stop()

	buf := make([]pylon.RequestLog, 0, recordBatchSize)

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain flushes everything still buffered or queued, bounded by
// recordDrainTime so shutdown cannot hang on a dead database.
func (r *RequestRecorder) drain(buf []pylon.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), recordDrainTime)
	defer cancel()

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *RequestRecorder) flush(ctx context.Context, buf []pylon.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]pylon.RequestLog, len(buf))
	copy(batch, buf)

	if err := r.store.InsertLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
