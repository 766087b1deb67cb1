// Package statslog implements an optional stats logger: a goroutine that
// wakes every stats-log-interval, snapshots and resets the three counters,
// and emits one structured log line with rates per second and the current
// active view count.
package statslog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/viewengine/metrics"
)

// Logger periodically reports refresh/dropped/deduplicated rates.
// Disabled entirely when interval is zero — Start becomes a no-op in that
// case. Counters are still cheap to increment regardless (Counters has no
// disable switch of its own), so this package is the only place that gate
// lives.
type Logger struct {
	interval    time.Duration
	counters    *metrics.Counters
	activeViews func() int
	logger      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Logger. activeViews is called once per tick to report the
// engine's current ActiveViewCount.
func New(interval time.Duration, counters *metrics.Counters, activeViews func() int, logger zerolog.Logger) *Logger {
	return &Logger{
		interval:    interval,
		counters:    counters,
		activeViews: activeViews,
		logger:      logger,
	}
}

// Enabled reports whether this Logger will actually run: disabled if
// stats-log-interval is unset.
func (l *Logger) Enabled() bool { return l.interval > 0 }

// Start launches the logging goroutine, if enabled.
func (l *Logger) Start(ctx context.Context) {
	if !l.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop cancels the logging goroutine and waits for it to exit. Safe to
// call even if Start never launched a goroutine (disabled logger).
func (l *Logger) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Logger) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	intervalSeconds := l.interval.Seconds()
	for {
		select {
		case <-ticker.C:
			snap := l.counters.SnapshotAndReset()
			l.logger.Info().
				Float64("refreshes_per_sec", float64(snap.Refreshes)/intervalSeconds).
				Float64("dropped_per_sec", float64(snap.Dropped)/intervalSeconds).
				Float64("deduplicated_per_sec", float64(snap.Deduplicated)/intervalSeconds).
				Int("active_views", l.activeViews()).
				Msg("viewengine stats")
		case <-ctx.Done():
			return
		}
	}
}
