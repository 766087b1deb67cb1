package statslog_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/adred-codev/viewengine/metrics"
	"github.com/adred-codev/viewengine/statslog"
)

func TestLogger_DisabledWhenIntervalZero(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := statslog.New(0, metrics.NewCounters(), func() int { return 0 }, zerolog.Nop())
	assert.False(t, l.Enabled())

	l.Start(context.Background())
	l.Stop()
}

func TestLogger_TicksAndResetsCounters(t *testing.T) {
	defer goleak.VerifyNone(t)

	counters := metrics.NewCounters()
	counters.IncRefreshes()

	l := statslog.New(10*time.Millisecond, counters, func() int { return 1 }, zerolog.Nop())
	assert.True(t, l.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), counters.Snapshot().Refreshes)

	cancel()
	l.Stop()
}
