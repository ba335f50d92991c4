package resubscribe

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedApply fails the first failCount calls, then succeeds.
type scriptedApply struct {
	failCount int32
	calls     atomic.Int32
}

func (s *scriptedApply) apply(ctx context.Context, symbol string) error {
	n := s.calls.Add(1)
	if n <= s.failCount {
		return fmt.Errorf("apply failed for %s (call %d)", symbol, n)
	}
	return nil
}

// TestCircuitOpensThenRecovers.
func TestCircuitOpensThenRecovers(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	script := &scriptedApply{failCount: 5}
	cfg := DefaultConfig()
	p := New(cfg, script.apply, fc, zerolog.Nop())

	symbols := []string{"A", "B", "C", "D", "E"}
	for _, s := range symbols {
		p.OnIntegrityEvent(context.Background(), s, event.SeverityError)
	}

	status := p.Status()
	require.Equal(t, "Open", status.GlobalState)
	require.Equal(t, 5, status.GlobalAttempts)
	require.Equal(t, 0, status.GlobalSuccesses)

	fc.Advance(cfg.GlobalCircuitBreakerDuration + time.Second)

	p.OnIntegrityEvent(context.Background(), "F", event.SeverityError)

	status = p.Status()
	require.Equal(t, "Closed", status.GlobalState)
	require.Equal(t, 0, status.GlobalFailures)
}

// TestResubscribeCooldown.
func TestResubscribeCooldownRateLimitsSecondAttempt(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	script := &scriptedApply{}
	cfg := DefaultConfig()
	p := New(cfg, script.apply, fc, zerolog.Nop())

	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)
	require.Equal(t, int32(1), script.calls.Load())

	fc.Advance(2 * time.Second)
	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)

	require.Equal(t, int32(1), script.calls.Load(), "second attempt within MinResubscribeInterval must be skipped")
	require.Equal(t, uint64(1), p.Counters.SkippedRateLimit.Load())
}

func TestSymbolCooldownAfterSuccessBlocksFurtherAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	script := &scriptedApply{}
	cfg := DefaultConfig()
	cfg.MinResubscribeInterval = time.Millisecond // isolate cooldown from rate-limit
	p := New(cfg, script.apply, fc, zerolog.Nop())

	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)
	require.Equal(t, int32(1), script.calls.Load())

	fc.Advance(time.Second)
	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)
	require.Equal(t, int32(1), script.calls.Load())
	require.Equal(t, uint64(1), p.Counters.SkippedCooldown.Load())

	fc.Advance(cfg.SymbolCooldown + time.Second)
	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)
	require.Equal(t, int32(2), script.calls.Load())
}

func TestSeverityBelowThresholdIsSkipped(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	script := &scriptedApply{}
	p := New(DefaultConfig(), script.apply, fc, zerolog.Nop())

	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityWarn)
	require.Equal(t, int32(0), script.calls.Load())
	require.Equal(t, uint64(1), p.Counters.SkippedSeverity.Load())
}

func TestSweepEvictsIdleSymbolStates(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	script := &scriptedApply{}
	cfg := DefaultConfig()
	p := New(cfg, script.apply, fc, zerolog.Nop())

	p.OnIntegrityEvent(context.Background(), "AAPL", event.SeverityError)
	require.Equal(t, 1, p.Status().SymbolsTracked)

	fc.Advance(cfg.StateExpiry + time.Minute)
	removed := p.Sweep()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, p.Status().SymbolsTracked)
}
