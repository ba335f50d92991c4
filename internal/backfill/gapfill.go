package backfill

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/marketfeed/core/internal/logging"
	"github.com/marketfeed/core/internal/streaming"
	"github.com/rs/zerolog"
)

// GapFillTrigger consumes a streaming provider's reconnect events and
// enqueues a catch-up backfill for the disconnect window.
type GapFillTrigger struct {
	coordinator *Coordinator
	logger      zerolog.Logger

	// Enabled gates the trigger entirely; flipped atomically so ops can
	// disable gap-fill without restarting the process.
	enabled atomic.Bool

	// MinimumGap below which a reconnect is not worth backfilling.
	minimumGap time.Duration

	// currentSubscriptions returns the symbols presently subscribed on
	// the provider that disconnected; GapFillTrigger has no subscription
	// state of its own.
	currentSubscriptions func() []string

	triggered atomic.Uint64
	succeeded atomic.Uint64

	stop chan struct{}
}

const defaultMinimumGap = 10 * time.Second

// NewGapFillTrigger constructs a trigger wired to one streaming
// provider's reconnect channel and symbol-list accessor.
func NewGapFillTrigger(coordinator *Coordinator, currentSubscriptions func() []string, logger zerolog.Logger) *GapFillTrigger {
	g := &GapFillTrigger{
		coordinator:          coordinator,
		logger:               logger,
		minimumGap:           defaultMinimumGap,
		currentSubscriptions: currentSubscriptions,
		stop:                 make(chan struct{}),
	}
	g.enabled.Store(true)
	return g
}

func (g *GapFillTrigger) SetEnabled(enabled bool) { g.enabled.Store(enabled) }
func (g *GapFillTrigger) SetMinimumGap(d time.Duration) { g.minimumGap = d }

// Run consumes events until the channel closes or ctx is cancelled.
// Intended to be launched as its own goroutine, reading a bounded
// channel rather than being invoked as a reconnect callback.
func (g *GapFillTrigger) Run(ctx context.Context, events <-chan streaming.ReconnectEvent) {
	defer logging.RecoverPanic(g.logger, "backfill.GapFillTrigger", nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			g.handle(ctx, evt)
		}
	}
}

func (g *GapFillTrigger) Stop() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
}

func (g *GapFillTrigger) handle(ctx context.Context, evt streaming.ReconnectEvent) {
	if !g.enabled.Load() {
		return
	}
	if !evt.Success {
		return
	}
	gap := time.Duration(evt.ReconnectedAt - evt.DisconnectedAt)
	if gap < g.minimumGap {
		return
	}

	symbols := g.currentSubscriptions()
	if len(symbols) == 0 {
		return
	}

	g.triggered.Add(1)

	from := time.Unix(0, evt.DisconnectedAt)
	to := time.Unix(0, evt.ReconnectedAt)

	// Never blocks the caller: the coordinator call runs on its own
	// goroutine, and the coordinator's one-slot gate absorbs overlap.
	go func() {
		req := Request{Provider: "composite", Symbols: symbols, From: from, To: to}
		result, err := g.coordinator.Run(ctx, req)
		if err != nil {
			g.logger.Warn().Err(err).Str("provider", evt.Provider).Msg("gap-fill backfill could not start")
			return
		}
		if result.Success {
			g.succeeded.Add(1)
		} else {
			g.logger.Warn().Str("provider", evt.Provider).Str("error", result.Error).Msg("gap-fill backfill completed with failures")
		}
	}()
}

// Counters snapshots the trigger's lifetime stats.
type GapFillCounters struct {
	Triggered uint64
	Succeeded uint64
}

func (g *GapFillTrigger) Counters() GapFillCounters {
	return GapFillCounters{Triggered: g.triggered.Load(), Succeeded: g.succeeded.Load()}
}
