// Package engine implements the lifecycle and public API surface tying
// the view registry, subscription index, hint set, refresh queue, worker
// pool, watcher, and stats logger into one embeddable unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/viewengine/hintset"
	"github.com/adred-codev/viewengine/internal/xhash"
	"github.com/adred-codev/viewengine/metrics"
	"github.com/adred-codev/viewengine/refreshqueue"
	"github.com/adred-codev/viewengine/registry"
	"github.com/adred-codev/viewengine/statslog"
	"github.com/adred-codev/viewengine/subindex"
	"github.com/adred-codev/viewengine/viewtypes"
	"github.com/adred-codev/viewengine/watcher"
	"github.com/adred-codev/viewengine/workerpool"
)

// ErrUnknownView is returned by Subscribe when the signature's view-id
// isn't registered. Propagated to the caller as a fatal call error.
var ErrUnknownView = errors.New("viewengine: unknown view")

// ErrNotConfigured is returned by New when a required callback is missing.
var ErrNotConfigured = errors.New("viewengine: send_fn must be configured")

// SendFunc delivers one view payload to one subscriber. Must be safe for
// concurrent invocation from many worker goroutines.
type SendFunc func(subscriber viewtypes.SubscriberKey, sig viewtypes.ViewSignature, data any)

// PutHintsFunc implements the policy PutHints delegates to. Use
// ImmediatePutHints or QueuedPutHints, or supply a custom one.
type PutHintsFunc func(hints []viewtypes.Hint)

// AuthFunc gates a subscription attempt. Absent means all allowed.
type AuthFunc func(ctx context.Context, sig viewtypes.ViewSignature, subscriber viewtypes.SubscriberKey) bool

// OnUnauthFunc is called after AuthFunc returns false.
type OnUnauthFunc func(ctx context.Context, sig viewtypes.ViewSignature, subscriber viewtypes.SubscriberKey)

// NamespaceFunc computes a namespace for a sig that doesn't carry one. Must
// be pure and stable across a subscribe/unsubscribe pair for the same
// inputs, since unsubscribe reinvokes it to locate the stored sig.
type NamespaceFunc func(ctx context.Context, sig viewtypes.ViewSignature, subscriber viewtypes.SubscriberKey) viewtypes.Namespace

// Options configures New. SendFunc is the only required field; every
// numeric field defaults the way internal/config.Config does when zero.
type Options struct {
	Views []viewtypes.View

	SendFunc      SendFunc
	PutHintsFunc  PutHintsFunc
	AuthFunc      AuthFunc
	OnUnauthFunc  OnUnauthFunc
	NamespaceFunc NamespaceFunc

	RefreshQueueSize int
	RefreshInterval  time.Duration
	WorkerThreads    int
	InitialPoolSize  int
	InitialPoolQueue int
	StatsLogInterval time.Duration

	Logger zerolog.Logger

	// PrometheusRegistry, if non-nil, enables Prometheus exposition of the
	// engine's counters against this instance-scoped registry; see
	// metrics.NewRecorder.
	PrometheusRegistry *prometheus.Registry
}

// Engine is the running view subscription and refresh core. Construct with
// New; stop with Shutdown.
type Engine struct {
	registry *registry.Registry
	index    *subindex.Index
	hints    *hintset.Set
	queue    *refreshqueue.Queue

	refreshPool *workerpool.Pool
	initialPool *workerpool.Pool
	watcher     *watcher.Watcher
	statslog    *statslog.Logger

	counters *metrics.Counters
	recorder *metrics.Recorder

	sendFunc      SendFunc
	putHintsFunc  PutHintsFunc
	authFunc      AuthFunc
	onUnauthFunc  OnUnauthFunc
	namespaceFunc NamespaceFunc

	workerThreads int
	logger        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds, wires, and starts an Engine: the watcher, refresh workers,
// and (if configured) the stats logger are all running by the time New
// returns. The refresh queue and worker/watcher goroutines live for as
// long as the Engine does, from New until Shutdown.
func New(opts Options) (*Engine, error) {
	if opts.SendFunc == nil {
		return nil, ErrNotConfigured
	}
	if opts.RefreshQueueSize <= 0 {
		opts.RefreshQueueSize = 1000
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Second
	}
	if opts.WorkerThreads <= 0 {
		opts.WorkerThreads = 8
	}
	if opts.InitialPoolSize <= 0 {
		opts.InitialPoolSize = 16
	}
	if opts.InitialPoolQueue <= 0 {
		opts.InitialPoolQueue = 256
	}

	counters := metrics.NewCounters()
	var recorder *metrics.Recorder
	if opts.PrometheusRegistry != nil {
		recorder = metrics.NewRecorder(opts.PrometheusRegistry)
	}

	reg := registry.New()
	reg.AddViews(opts.Views...)

	idx := subindex.New()
	hints := hintset.New()

	queue := refreshqueue.New(opts.RefreshQueueSize, refreshqueue.WithStatsRecorder(statsRecorder{counters, recorder}))

	refreshPool := workerpool.New(opts.WorkerThreads, opts.WorkerThreads, opts.Logger)
	initialPool := workerpool.New(opts.InitialPoolSize, opts.InitialPoolQueue, opts.Logger)

	e := &Engine{
		registry:      reg,
		index:         idx,
		hints:         hints,
		queue:         queue,
		refreshPool:   refreshPool,
		initialPool:   initialPool,
		counters:      counters,
		recorder:      recorder,
		sendFunc:      opts.SendFunc,
		authFunc:      opts.AuthFunc,
		onUnauthFunc:  opts.OnUnauthFunc,
		namespaceFunc: opts.NamespaceFunc,
		workerThreads: opts.WorkerThreads,
		logger:        opts.Logger,
	}

	if opts.PutHintsFunc != nil {
		e.putHintsFunc = opts.PutHintsFunc
	} else {
		e.putHintsFunc = ImmediatePutHints(e)
	}

	e.watcher = watcher.New(opts.RefreshInterval, hints, reg, idx, queue, opts.Logger)
	e.statslog = statslog.New(opts.StatsLogInterval, counters, idx.ActiveViewCount, opts.Logger)

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.refreshPool.Start(e.ctx)
	for i := 0; i < e.workerThreads; i++ {
		e.refreshPool.Submit(e.refreshLoop)
	}
	e.initialPool.Start(e.ctx)
	e.watcher.Start(e.ctx)
	e.statslog.Start(e.ctx)

	return e, nil
}

// statsRecorder fans refreshqueue's dropped/deduplicated events out to both
// the plain in-memory counters and the (possibly nil) Prometheus recorder.
type statsRecorder struct {
	counters *metrics.Counters
	recorder *metrics.Recorder
}

func (s statsRecorder) IncDropped() {
	s.counters.IncDropped()
	s.recorder.IncDropped()
}

func (s statsRecorder) IncDeduplicated() {
	s.counters.IncDeduplicated()
	s.recorder.IncDeduplicated()
}

// ImmediatePutHints returns a PutHintsFunc that forwards straight to
// RefreshViews for immediate propagation, as a closure over the engine
// handle.
func ImmediatePutHints(e *Engine) PutHintsFunc {
	return func(hints []viewtypes.Hint) {
		e.RefreshViews(hints)
	}
}

// QueuedPutHints returns a PutHintsFunc that merges hints into the hint set
// for the watcher to pick up on its next wake, instead of propagating
// immediately.
func QueuedPutHints(e *Engine) PutHintsFunc {
	return func(hints []viewtypes.Hint) {
		e.hints.Queue(hints...)
	}
}

// AddViews inserts or replaces views by ID.
func (e *Engine) AddViews(views ...viewtypes.View) {
	e.registry.AddViews(views...)
}

// Subscribe resolves the effective namespace, validates the view exists,
// authorizes the attempt, inserts the subscription, and schedules an
// asynchronous initial refresh.
//
// A nil *Future with a nil error means the caller was unauthorized and no
// state changed; a non-nil error means the view-id isn't registered.
func (e *Engine) Subscribe(ctx context.Context, sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) (*Future, error) {
	sig = e.resolveNamespace(ctx, sig, key)

	if _, ok := e.registry.Get(sig.ViewID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, sig.ViewID)
	}

	if e.authFunc != nil && !e.authFunc(ctx, sig, key) {
		if e.onUnauthFunc != nil {
			e.onUnauthFunc(ctx, sig, key)
		}
		return nil, nil
	}

	e.index.Subscribe(sig, key)
	e.recorder.SetActiveViews(e.index.ActiveViewCount())
	e.recorder.SetSubscribersTotal(e.index.SubscriberCount())

	future := newFuture()
	if !e.initialPool.Submit(func(taskCtx context.Context) {
		e.runInitialRefresh(taskCtx, sig, key, future)
	}) {
		future.complete(fmt.Errorf("viewengine: initial refresh task dropped, initial pool saturated"))
	}

	return future, nil
}

// runInitialRefresh is the task body scheduled by Subscribe. It always
// completes future exactly once, on every exit path.
func (e *Engine) runInitialRefresh(ctx context.Context, sig viewtypes.ViewSignature, key viewtypes.SubscriberKey, future *Future) {
	// A fresh correlation id per task, not per sig: two concurrent
	// subscribes to the same sig are distinct scheduled tasks and should
	// trace independently even when singleflight collapses their
	// underlying compute into one call.
	corrID := uuid.New().String()

	var outcome error
	defer func() {
		if r := recover(); r != nil {
			outcome = fmt.Errorf("viewengine: initial refresh panicked: %v", r)
			e.logger.Error().
				Interface("panic_value", r).
				Str("view_id", string(sig.ViewID)).
				Str("correlation_id", corrID).
				Msg("engine: initial refresh panicked")
		}
		future.complete(outcome)
	}()

	view, ok := e.registry.Get(sig.ViewID)
	if !ok {
		outcome = fmt.Errorf("%w: %s", ErrUnknownView, sig.ViewID)
		return
	}

	data, err := e.index.ComputeInitial(ctx, sig, func(computeCtx context.Context) (any, error) {
		return view.Data(computeCtx, sig.Namespace, sig.Parameters)
	})
	if err != nil {
		outcome = err
		e.logger.Error().
			Err(err).
			Str("view_id", string(sig.ViewID)).
			Str("correlation_id", corrID).
			Msg("engine: initial view.Data failed")
		return
	}

	if !e.index.IsSubscribed(sig, key) {
		// Unsubscribed before the compute finished: discard silently,
		// nothing sent.
		return
	}

	hash, err := xhash.Hash(data)
	if err != nil {
		outcome = err
		e.logger.Error().Err(err).Msg("engine: failed to hash initial data")
		return
	}

	e.index.SetHashIfAbsent(sig, hash)
	e.sendSafely(key, sig.WithoutNamespace(), data)
}

// Unsubscribe removes (sig, key) from the index, purging the cached hash
// if sig now has no subscribers.
func (e *Engine) Unsubscribe(ctx context.Context, sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) {
	sig = e.resolveNamespace(ctx, sig, key)
	e.index.Unsubscribe(sig, key)
	e.recorder.SetActiveViews(e.index.ActiveViewCount())
	e.recorder.SetSubscribersTotal(e.index.SubscriberCount())
}

// UnsubscribeAll removes every signature subscribed by key.
func (e *Engine) UnsubscribeAll(key viewtypes.SubscriberKey) []viewtypes.ViewSignature {
	sigs := e.index.UnsubscribeAll(key)
	e.recorder.SetActiveViews(e.index.ActiveViewCount())
	e.recorder.SetSubscribersTotal(e.index.SubscriberCount())
	return sigs
}

// SubscribedViews returns the current union of subscribed signatures.
func (e *Engine) SubscribedViews() []viewtypes.ViewSignature {
	return e.index.SubscribedViews()
}

// ActiveViewCount returns the count of signatures with at least one
// subscriber.
func (e *Engine) ActiveViewCount() int {
	return e.index.ActiveViewCount()
}

// PutHints forwards hints to the configured PutHintsFunc policy.
func (e *Engine) PutHints(hints ...viewtypes.Hint) {
	e.putHintsFunc(hints)
}

// RefreshViews tests hints against every currently subscribed signature and
// offers the relevant ones to the refresh queue immediately. Used as the
// default put_hints_fn, and also callable directly by applications that
// want to bypass hint batching for a known-relevant write.
func (e *Engine) RefreshViews(hints []viewtypes.Hint) {
	for _, sig := range e.index.SubscribedViews() {
		e.testAndOffer(sig, hints)
	}
}

func (e *Engine) testAndOffer(sig viewtypes.ViewSignature, hints []viewtypes.Hint) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic_value", r).
				Str("view_id", string(sig.ViewID)).
				Msg("engine: view.Relevant panicked, skipping signature")
		}
	}()

	view, ok := e.registry.Get(sig.ViewID)
	if !ok {
		return
	}
	if !view.Relevant(sig.Namespace, sig.Parameters, hints) {
		return
	}
	e.queue.Offer(sig)
}

// resolveNamespace uses the sig's own namespace if present, otherwise
// defers to NamespaceFunc, otherwise leaves it as-is (possibly absent).
func (e *Engine) resolveNamespace(ctx context.Context, sig viewtypes.ViewSignature, key viewtypes.SubscriberKey) viewtypes.ViewSignature {
	if sig.HasNamespace() || e.namespaceFunc == nil {
		return sig
	}
	return sig.WithNamespace(e.namespaceFunc(ctx, sig, key))
}

// refreshLoop is the perpetual per-worker body: pop a sig, recompute,
// compare hash, fan out. Submitted once per worker thread so exactly
// workerThreads of these run concurrently in the refresh pool.
func (e *Engine) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sig, ok := e.queue.Dequeue(ctx)
		if !ok {
			continue
		}
		e.processRefresh(ctx, sig)
	}
}

func (e *Engine) processRefresh(ctx context.Context, sig viewtypes.ViewSignature) {
	e.counters.IncRefreshes()
	e.recorder.IncRefreshes()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic_value", r).
				Str("view_id", string(sig.ViewID)).
				Msg("engine: refresh panicked")
		}
	}()

	view, ok := e.registry.Get(sig.ViewID)
	if !ok {
		e.logger.Warn().Str("view_id", string(sig.ViewID)).Msg("engine: refresh for unregistered view, skipping")
		return
	}

	data, err := view.Data(ctx, sig.Namespace, sig.Parameters)
	if err != nil {
		e.logger.Error().Err(err).Str("view_id", string(sig.ViewID)).Msg("engine: view.Data failed during refresh")
		return
	}

	hash, err := xhash.Hash(data)
	if err != nil {
		e.logger.Error().Err(err).Msg("engine: failed to hash refreshed data")
		return
	}

	if prev, ok := e.index.GetHash(sig); ok && prev == hash {
		return
	}

	subscribers := e.index.SubscribersOf(sig)
	if len(subscribers) == 0 {
		return
	}

	out := sig.WithoutNamespace()
	for _, key := range subscribers {
		e.sendSafely(key, out, data)
	}

	e.index.SetHash(sig, hash)
}

func (e *Engine) sendSafely(key viewtypes.SubscriberKey, sig viewtypes.ViewSignature, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic_value", r).Msg("engine: send_fn panicked")
		}
	}()
	e.sendFunc(key, sig, data)
}

// Shutdown flips the stop signal and, if wait is true, blocks until the
// watcher, stats logger, and every worker have exited. State is always
// reset to empty afterward, regardless of wait.
func (e *Engine) Shutdown(wait bool) {
	e.cancel()

	if wait {
		e.refreshPool.Stop()
		e.initialPool.Stop()
		e.watcher.Stop()
		e.statslog.Stop()
	}

	e.index.Reset()
	e.queue.Reset()
	e.hints.Drain()
}
