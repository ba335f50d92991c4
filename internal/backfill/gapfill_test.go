package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/historical"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/marketfeed/core/internal/streaming"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newGapFillCoordinator(t *testing.T, bars map[string][]historical.Bar) *Coordinator {
	t.Helper()
	source := &stubDailySource{bars: bars}
	svc := NewService(map[string]DailySource{"composite": source}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	return NewCoordinator(svc, t.TempDir(), func() pipeline.StorageSink { return pipeline.NewMemorySink() }, zerolog.Nop())
}

// TestGapFillTriggerEnqueuesBackfill covers a reconnect event with a
// gap above MinimumGap enqueuing a composite backfill covering the
// disconnect window for the currently subscribed symbols.
func TestGapFillTriggerEnqueuesBackfill(t *testing.T) {
	coord := newGapFillCoordinator(t, map[string][]historical.Bar{"AAPL": {{Close: 1}}})
	trigger := NewGapFillTrigger(coord, func() []string { return []string{"AAPL"} }, zerolog.Nop())

	events := make(chan streaming.ReconnectEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trigger.Run(ctx, events)

	disconnectedAt := time.Unix(1000, 0).UnixNano()
	reconnectedAt := time.Unix(1030, 0).UnixNano() // 30s gap, above the 10s default
	events <- streaming.ReconnectEvent{Provider: "finnhub", DisconnectedAt: disconnectedAt, ReconnectedAt: reconnectedAt, Success: true}

	require.Eventually(t, func() bool {
		return trigger.Counters().Triggered == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return trigger.Counters().Succeeded == 1
	}, time.Second, time.Millisecond)

	lastRun, ok := coord.LastRun()
	require.True(t, ok)
	require.Equal(t, "composite", lastRun.Provider)
	require.Equal(t, []string{"AAPL"}, lastRun.Symbols)
}

func TestGapFillTriggerSkipsBelowMinimumGap(t *testing.T) {
	coord := newGapFillCoordinator(t, nil)
	trigger := NewGapFillTrigger(coord, func() []string { return []string{"AAPL"} }, zerolog.Nop())

	events := make(chan streaming.ReconnectEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trigger.Run(ctx, events)

	events <- streaming.ReconnectEvent{
		Provider:       "finnhub",
		DisconnectedAt: time.Unix(1000, 0).UnixNano(),
		ReconnectedAt:  time.Unix(1005, 0).UnixNano(), // 5s, below the 10s default
		Success:        true,
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), trigger.Counters().Triggered)
}

func TestGapFillTriggerSkipsWhenNoSymbolsSubscribed(t *testing.T) {
	coord := newGapFillCoordinator(t, nil)
	trigger := NewGapFillTrigger(coord, func() []string { return nil }, zerolog.Nop())

	events := make(chan streaming.ReconnectEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trigger.Run(ctx, events)

	events <- streaming.ReconnectEvent{
		DisconnectedAt: time.Unix(1000, 0).UnixNano(),
		ReconnectedAt:  time.Unix(1060, 0).UnixNano(),
		Success:        true,
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), trigger.Counters().Triggered)
}

func TestGapFillTriggerDisabledSkipsAll(t *testing.T) {
	coord := newGapFillCoordinator(t, nil)
	trigger := NewGapFillTrigger(coord, func() []string { return []string{"AAPL"} }, zerolog.Nop())
	trigger.SetEnabled(false)

	events := make(chan streaming.ReconnectEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trigger.Run(ctx, events)

	events <- streaming.ReconnectEvent{
		DisconnectedAt: time.Unix(1000, 0).UnixNano(),
		ReconnectedAt:  time.Unix(1060, 0).UnixNano(),
		Success:        true,
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), trigger.Counters().Triggered)
}
