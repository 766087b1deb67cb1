// Package metrics implements the statistics counters plus optional
// Prometheus exposition for the three named counters.
//
// Counters and Recorder are always owned by one Engine instance and
// registered against a caller-supplied *prometheus.Registry, never the
// global default registry a second Engine instance in the same process
// would collide with.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counter is a tiny atomic.Int64 wrapper so Counters' field list reads as
// three named counters rather than three bare atomic.Int64s.
type counter struct{ v atomic.Int64 }

func (c *counter) add(n int64) { c.v.Add(n) }
func (c *counter) load() int64 { return c.v.Load() }
func (c *counter) swap(n int64) int64 { return c.v.Swap(n) }

// Counters holds the three plain in-memory counters: refreshes, dropped,
// deduplicated. Safe for concurrent use.
type Counters struct {
	refreshes    counter
	dropped      counter
	deduplicated counter
}

// Snapshot is a point-in-time read of Counters, used by statslog to report
// rates and by tests to assert on outcomes directly.
type Snapshot struct {
	Refreshes    int64
	Dropped      int64
	Deduplicated int64
}

// NewCounters returns a zero-valued Counters.
func NewCounters() *Counters { return &Counters{} }

// IncRefreshes increments the refresh counter.
func (c *Counters) IncRefreshes() { c.refreshes.add(1) }

// IncDropped increments the counter for signatures dropped because the
// refresh queue was full.
func (c *Counters) IncDropped() { c.dropped.add(1) }

// IncDeduplicated increments the counter for signatures that were already
// queued for refresh.
func (c *Counters) IncDeduplicated() { c.deduplicated.add(1) }

// Snapshot returns the current values without resetting them.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Refreshes:    c.refreshes.load(),
		Dropped:      c.dropped.load(),
		Deduplicated: c.deduplicated.load(),
	}
}

// SnapshotAndReset atomically reads and zeroes all three counters, for the
// stats logger's wake-every-interval cadence.
func (c *Counters) SnapshotAndReset() Snapshot {
	return Snapshot{
		Refreshes:    c.refreshes.swap(0),
		Dropped:      c.dropped.swap(0),
		Deduplicated: c.deduplicated.swap(0),
	}
}

// Recorder optionally mirrors Counters into Prometheus. A nil *Recorder is
// valid and every method is a no-op, so callers never need to branch on
// whether metrics are enabled.
type Recorder struct {
	refreshesTotal    prometheus.Counter
	droppedTotal      prometheus.Counter
	deduplicatedTotal prometheus.Counter
	activeViews       prometheus.Gauge
	subscribersTotal  prometheus.Gauge
}

// NewRecorder creates Prometheus instruments and registers them against
// reg. Pass a *prometheus.Registry scoped to one Engine instance (e.g.
// prometheus.NewRegistry()), not prometheus.DefaultRegisterer, so that
// running more than one Engine in a process doesn't panic on duplicate
// metric registration.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		refreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_refreshes_total",
			Help: "Total number of view refresh computations performed.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_refresh_dropped_total",
			Help: "Total number of view signatures dropped because the refresh queue was full.",
		}),
		deduplicatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_refresh_deduplicated_total",
			Help: "Total number of view signatures that were already queued for refresh.",
		}),
		activeViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_active_views",
			Help: "Current number of view signatures with at least one subscriber.",
		}),
		subscribersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_subscribers_total",
			Help: "Current number of distinct subscriber keys with at least one subscription.",
		}),
	}
	reg.MustRegister(
		r.refreshesTotal,
		r.droppedTotal,
		r.deduplicatedTotal,
		r.activeViews,
		r.subscribersTotal,
	)
	return r
}

func (r *Recorder) IncRefreshes() {
	if r == nil {
		return
	}
	r.refreshesTotal.Inc()
}

func (r *Recorder) IncDropped() {
	if r == nil {
		return
	}
	r.droppedTotal.Inc()
}

func (r *Recorder) IncDeduplicated() {
	if r == nil {
		return
	}
	r.deduplicatedTotal.Inc()
}

func (r *Recorder) SetActiveViews(n int) {
	if r == nil {
		return
	}
	r.activeViews.Set(float64(n))
}

func (r *Recorder) SetSubscribersTotal(n int) {
	if r == nil {
		return
	}
	r.subscribersTotal.Set(float64(n))
}
