// Package refreshqueue implements a bounded, best-effort deduplicating
// FIFO of view signatures awaiting recomputation.
package refreshqueue

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/viewengine/viewtypes"
)

// DefaultDequeueTimeout bounds how long Dequeue blocks on an empty queue,
// so workers can periodically observe the shutdown flag.
const DefaultDequeueTimeout = 60 * time.Second

// StatsRecorder receives the offer outcomes Offer needs to report: drops
// and deduplications. Both engine's metrics.Counters and metrics.Recorder
// implement it independently; callers typically wire both via a small
// adapter (see engine's statsRecorder type).
type StatsRecorder interface {
	IncDropped()
	IncDeduplicated()
}

// noopStats discards all recordings, so Queue never needs a nil check.
type noopStats struct{}

func (noopStats) IncDropped()      {}
func (noopStats) IncDeduplicated() {}

// Queue is a bounded FIFO of ViewSignature, deduplicating on enqueue and
// dropping the newest signature on overflow.
//
// The membership check and the slot reservation happen together under the
// mutex, so two concurrent producers cannot both enqueue the same sig; the
// channel send itself happens after the mutex is released. A dequeued sig
// stays marked present until Dequeue clears the mark, so an Offer racing
// that window is counted as deduplicated.
type Queue struct {
	ch      chan viewtypes.ViewSignature
	mu      sync.Mutex
	present map[string]struct{}
	stats   StatsRecorder

	dequeueTimeout time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithStatsRecorder wires dropped/deduplicated counters.
func WithStatsRecorder(r StatsRecorder) Option {
	return func(q *Queue) { q.stats = r }
}

// WithDequeueTimeout overrides DefaultDequeueTimeout; intended for tests
// that want Dequeue to return quickly on an empty queue.
func WithDequeueTimeout(d time.Duration) Option {
	return func(q *Queue) { q.dequeueTimeout = d }
}

// New creates a Queue with the given capacity.
func New(capacity int, opts ...Option) *Queue {
	q := &Queue{
		ch:             make(chan viewtypes.ViewSignature, capacity),
		present:        make(map[string]struct{}, capacity),
		stats:          noopStats{},
		dequeueTimeout: DefaultDequeueTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Offer enqueues sig unless it is already present (deduplicated) or the
// queue is full (dropped). Returns true only if sig was actually enqueued.
func (q *Queue) Offer(sig viewtypes.ViewSignature) bool {
	key := sig.Key()

	q.mu.Lock()
	if _, dup := q.present[key]; dup {
		q.mu.Unlock()
		q.stats.IncDeduplicated()
		return false
	}
	// Reserve the slot before the channel send so a concurrent Offer for
	// the same sig observes it as present even while we're blocked on
	// the (non-blocking) channel send below.
	q.present[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- sig:
		return true
	default:
		q.mu.Lock()
		delete(q.present, key)
		q.mu.Unlock()
		q.stats.IncDropped()
		return false
	}
}

// Dequeue blocks for up to the configured timeout waiting for a signature,
// returning (zero, false) on timeout so callers (workers) can re-check a
// shutdown flag.
func (q *Queue) Dequeue(ctx context.Context) (viewtypes.ViewSignature, bool) {
	timer := time.NewTimer(q.dequeueTimeout)
	defer timer.Stop()

	select {
	case sig := <-q.ch:
		q.mu.Lock()
		delete(q.present, sig.Key())
		q.mu.Unlock()
		return sig, true
	case <-ctx.Done():
		return viewtypes.ViewSignature{}, false
	case <-timer.C:
		return viewtypes.ViewSignature{}, false
	}
}

// Reset drains every pending signature and clears membership tracking.
// Intended for use by the engine's shutdown path, which resets all
// in-memory state to empty.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case <-q.ch:
		default:
			q.present = make(map[string]struct{}, cap(q.ch))
			return
		}
	}
}

// Len reports the number of signatures currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
