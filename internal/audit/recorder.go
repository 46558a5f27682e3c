package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DropMetricFunc is an optional callback invoked once per dropped event.
type DropMetricFunc func()

// Recorder decouples best-effort audit writes from their callers. Events go
// into a bounded queue and a single worker appends them to the store; a full
// queue drops the event, counts the drop, and logs it rather than blocking
// the caller. Request-path code that must not lose its audit record writes
// to the Store directly; the Recorder is for the fire-and-forget paths.
type Recorder struct {
	store   Store
	queue   chan *Event
	dropped atomic.Uint64
	onDrop  DropMetricFunc
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder creates a Recorder with the given queue capacity and starts
// its worker. Call Close to flush and stop it.
func NewRecorder(store Store, queueSize int, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store:   store,
		queue:   make(chan *Event, queueSize),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// SetDropMetric configures the drop metrics callback.
func (r *Recorder) SetDropMetric(fn DropMetricFunc) { r.onDrop = fn }

// Record enqueues an event without blocking. Returns false when the event
// was dropped, either because the queue is full or the recorder is closed.
// Safe to call concurrently with Close.
func (r *Recorder) Record(e *Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.closed {
		select {
		case r.queue <- e:
			return true
		default:
		}
	}
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
	r.logger.Warn("audit event dropped",
		zap.String("action", e.Action),
		zap.Bool("recorder_closed", r.closed),
		zap.Uint64("dropped_total", r.dropped.Load()),
	)
	return false
}

// Dropped reports how many events have been dropped since start.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close stops accepting events, flushes the queue, and waits for the
// worker to finish. Idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Append(ctx, e); err != nil {
			r.logger.Error("background audit append failed",
				zap.String("action", e.Action),
				zap.Error(err),
			)
		}
		cancel()
	}
}
