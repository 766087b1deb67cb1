// Package watcher implements the single goroutine that wakes every
// refresh-interval, drains pending hints, tests each currently subscribed
// view signature for relevance, and enqueues the relevant ones for
// recomputation.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/viewengine/hintset"
	"github.com/adred-codev/viewengine/refreshqueue"
	"github.com/adred-codev/viewengine/registry"
	"github.com/adred-codev/viewengine/subindex"
	"github.com/adred-codev/viewengine/viewtypes"
)

// Watcher drains hints and enqueues relevant refreshes on a fixed period.
// It never computes view data itself; it only schedules.
type Watcher struct {
	interval time.Duration
	hints    *hintset.Set
	registry *registry.Registry
	index    *subindex.Index
	queue    *refreshqueue.Queue
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. Start must be called to begin the loop.
func New(interval time.Duration, hints *hintset.Set, reg *registry.Registry, index *subindex.Index, queue *refreshqueue.Queue, logger zerolog.Logger) *Watcher {
	return &Watcher{
		interval: interval,
		hints:    hints,
		registry: reg,
		index:    index,
		queue:    queue,
		logger:   logger,
	}
}

// Start launches the watcher goroutine under ctx.
func (w *Watcher) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
}

// Stop cancels the watcher loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	lastUpdate := time.Now()
	for {
		elapsed := time.Since(lastUpdate)
		if elapsed < w.interval {
			timer := time.NewTimer(w.interval - elapsed)
			select {
			case <-timer.C:
			case <-w.ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		hints := w.hints.Drain()
		if len(hints) > 0 {
			w.runPass(hints)
		}
		lastUpdate = time.Now()

		select {
		case <-w.ctx.Done():
			return
		default:
		}
	}
}

// runPass tests every currently-subscribed signature for relevance against
// hints and offers the relevant ones to the refresh queue. A single pass
// per drain; extra hints arriving mid-pass are merged into the set and
// picked up by the next drain, never this one.
func (w *Watcher) runPass(hints []viewtypes.Hint) {
	for _, sig := range w.index.SubscribedViews() {
		w.testAndOffer(sig, hints)
	}
}

func (w *Watcher) testAndOffer(sig viewtypes.ViewSignature, hints []viewtypes.Hint) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic_value", r).
				Str("view_id", string(sig.ViewID)).
				Msg("watcher: view.Relevant panicked, skipping signature this pass")
		}
	}()

	view, ok := w.registry.Get(sig.ViewID)
	if !ok {
		// The view was removed from the registry after a subscriber
		// joined; nothing to test against. Logged and skipped, never
		// fatal to the pass.
		w.logger.Warn().Str("view_id", string(sig.ViewID)).Msg("watcher: view no longer registered")
		return
	}

	if !view.Relevant(sig.Namespace, sig.Parameters, hints) {
		return
	}

	w.queue.Offer(sig)
}
