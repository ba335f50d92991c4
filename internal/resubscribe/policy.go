// Package resubscribe implements AutoResubscribePolicy, the
// integrity-event-driven resubscribe state machine with per-symbol and
// global circuit breakers.
package resubscribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/logging"
	"github.com/rs/zerolog"
)

// GlobalCircuitState is the shared circuit's own three-state model.
type GlobalCircuitState int

const (
	GlobalClosed GlobalCircuitState = iota
	GlobalOpen
	GlobalHalfOpen
)

func (s GlobalCircuitState) String() string {
	switch s {
	case GlobalClosed:
		return "Closed"
	case GlobalOpen:
		return "Open"
	case GlobalHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config is AutoResubscribePolicy's tunable thresholds, named in
// internal/config.Config's AutoResubscribePolicy section.
type Config struct {
	MinSeverity                   event.Severity
	SymbolCooldown                time.Duration
	MinResubscribeInterval        time.Duration
	SymbolCircuitBreakerThreshold int
	SymbolCircuitBreakerDuration  time.Duration
	GlobalCircuitBreakerThreshold int
	GlobalCircuitBreakerDuration  time.Duration
	HalfOpenTestInterval          time.Duration
	StateSweepInterval            time.Duration
	StateExpiry                   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSeverity:                   event.SeverityError,
		SymbolCooldown:                30 * time.Second,
		MinResubscribeInterval:        5 * time.Second,
		SymbolCircuitBreakerThreshold: 3,
		SymbolCircuitBreakerDuration:  120 * time.Second,
		GlobalCircuitBreakerThreshold: 5,
		GlobalCircuitBreakerDuration:  30 * time.Second,
		HalfOpenTestInterval:          5 * time.Second,
		StateSweepInterval:            5 * time.Minute,
		StateExpiry:                   time.Hour,
	}
}

// ApplyFunc forces a symbol's subscription manager to unsubscribe and
// resubscribe per its current configuration.
type ApplyFunc func(ctx context.Context, symbol string) error

type symbolState struct {
	mu              sync.Mutex
	lastSuccess     time.Time
	lastAttempt     time.Time
	failures        int
	circuitOpen     bool
	circuitOpenedAt time.Time
	lastActivity    time.Time
}

type globalState struct {
	mu               sync.Mutex
	state            GlobalCircuitState
	openedAt         time.Time
	lastHalfOpenTest time.Time
	failures         int
	successes        int
	attempts         int
}

// check evaluates the global circuit for a new integrity event,
// returning whether the caller may proceed and whether this attempt, if
// it proceeds, is the single HalfOpen trial.
func (g *globalState) check(now time.Time, halfOpenInterval, openDuration time.Duration) (allowed, isHalfOpenTest bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case GlobalClosed:
		return true, false
	case GlobalOpen:
		if now.Sub(g.openedAt) >= openDuration {
			g.state = GlobalHalfOpen
			g.lastHalfOpenTest = now
			return true, true
		}
		return false, false
	case GlobalHalfOpen:
		if g.lastHalfOpenTest.IsZero() || now.Sub(g.lastHalfOpenTest) >= halfOpenInterval {
			g.lastHalfOpenTest = now
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

func (g *globalState) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = GlobalClosed
	g.failures = 0
	g.successes++
	g.attempts++
}

func (g *globalState) recordFailure(isHalfOpenTest bool, threshold int, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	g.attempts++
	if isHalfOpenTest {
		g.state = GlobalOpen
		g.openedAt = now
		return
	}
	if g.failures >= threshold {
		g.state = GlobalOpen
		g.openedAt = now
	}
}

func (g *globalState) snapshot() (GlobalCircuitState, int, int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.attempts, g.successes, g.failures
}

// Counters are the policy's lock-free skip/attempt tallies.
type Counters struct {
	SkippedSeverity      atomic.Uint64
	SkippedGlobalCircuit atomic.Uint64
	SkippedCooldown      atomic.Uint64
	SkippedRateLimit     atomic.Uint64
	SkippedSymbolCircuit atomic.Uint64
	Attempts             atomic.Uint64
	Successes            atomic.Uint64
	Failures             atomic.Uint64
}

// AutoResubscribePolicy decides whether an integrity event should
// trigger a resubscribe attempt, and tracks the resulting per-symbol
// and global circuit state.
type AutoResubscribePolicy struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
	apply  ApplyFunc

	global globalState

	symbolsMu sync.Mutex
	symbols   map[string]*symbolState

	Counters Counters

	stopSweep chan struct{}
}

func New(cfg Config, apply ApplyFunc, c clock.Clock, logger zerolog.Logger) *AutoResubscribePolicy {
	if c == nil {
		c = clock.Real()
	}
	return &AutoResubscribePolicy{
		cfg:     cfg,
		clock:   c,
		logger:  logger,
		apply:   apply,
		symbols: make(map[string]*symbolState),
	}
}

func (p *AutoResubscribePolicy) getOrCreateSymbolState(symbol string) *symbolState {
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	st, ok := p.symbols[symbol]
	if !ok {
		st = &symbolState{}
		p.symbols[symbol] = st
	}
	return st
}

// OnIntegrityEvent runs the severity/cooldown/circuit decision tree
// that gates whether an integrity event triggers a resubscribe.
func (p *AutoResubscribePolicy) OnIntegrityEvent(ctx context.Context, symbol string, severity event.Severity) {
	if severity < p.cfg.MinSeverity {
		p.Counters.SkippedSeverity.Add(1)
		return
	}

	now := p.clock.Now()
	allowed, isHalfOpenTest := p.global.check(now, p.cfg.HalfOpenTestInterval, p.cfg.GlobalCircuitBreakerDuration)
	if !allowed {
		p.Counters.SkippedGlobalCircuit.Add(1)
		return
	}

	st := p.getOrCreateSymbolState(symbol)
	st.mu.Lock()
	if !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < p.cfg.MinResubscribeInterval {
		st.mu.Unlock()
		p.Counters.SkippedRateLimit.Add(1)
		return
	}
	if !st.lastSuccess.IsZero() && now.Sub(st.lastSuccess) < p.cfg.SymbolCooldown {
		st.mu.Unlock()
		p.Counters.SkippedCooldown.Add(1)
		return
	}
	if st.circuitOpen && now.Sub(st.circuitOpenedAt) < p.cfg.SymbolCircuitBreakerDuration {
		st.mu.Unlock()
		p.Counters.SkippedSymbolCircuit.Add(1)
		return
	}
	st.lastAttempt = now
	st.lastActivity = now
	st.mu.Unlock()

	p.Counters.Attempts.Add(1)
	err := p.apply(ctx, symbol)
	resultTime := p.clock.Now()

	if err == nil {
		p.Counters.Successes.Add(1)
		st.mu.Lock()
		st.lastSuccess = resultTime
		st.failures = 0
		st.circuitOpen = false
		st.lastActivity = resultTime
		st.mu.Unlock()
		p.global.recordSuccess()
		return
	}

	p.Counters.Failures.Add(1)
	p.logger.Warn().Err(err).Str("symbol", symbol).Msg("resubscribe attempt failed")
	st.mu.Lock()
	st.failures++
	st.lastActivity = resultTime
	if st.failures >= p.cfg.SymbolCircuitBreakerThreshold {
		st.circuitOpen = true
		st.circuitOpenedAt = resultTime
	}
	st.mu.Unlock()
	p.global.recordFailure(isHalfOpenTest, p.cfg.GlobalCircuitBreakerThreshold, resultTime)
}

// StartSweep launches a background goroutine evicting symbol states
// idle longer than StateExpiry, once per StateSweepInterval.
func (p *AutoResubscribePolicy) StartSweep() {
	p.stopSweep = make(chan struct{})
	go func() {
		defer logging.RecoverPanic(p.logger, "resubscribe-sweep", nil)
		ticker := time.NewTicker(p.cfg.StateSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-p.stopSweep:
				return
			}
		}
	}()
}

func (p *AutoResubscribePolicy) StopSweep() {
	if p.stopSweep != nil {
		close(p.stopSweep)
		p.stopSweep = nil
	}
}

// Sweep evicts symbol states whose lastActivity is older than
// StateExpiry. Exposed directly so tests can drive it with a fake
// clock instead of waiting on the real sweep interval.
func (p *AutoResubscribePolicy) Sweep() int {
	now := p.clock.Now()
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	removed := 0
	for symbol, st := range p.symbols {
		st.mu.Lock()
		idle := now.Sub(st.lastActivity) > p.cfg.StateExpiry
		st.mu.Unlock()
		if idle {
			delete(p.symbols, symbol)
			removed++
		}
	}
	return removed
}

// Status is a point-in-time snapshot surfaced for operator visibility;
// not an HTTP handler (out of scope), just a plain struct any future
// surface can render.
type Status struct {
	GlobalState            string
	GlobalAttempts         int
	GlobalSuccesses        int
	GlobalFailures         int
	SymbolsTracked         int
	SymbolsInCooldown      int
	SymbolsWithOpenCircuit int
}

func (p *AutoResubscribePolicy) Status() Status {
	state, attempts, successes, failures := p.global.snapshot()
	now := p.clock.Now()

	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	inCooldown, openCircuit := 0, 0
	for _, st := range p.symbols {
		st.mu.Lock()
		if !st.lastSuccess.IsZero() && now.Sub(st.lastSuccess) < p.cfg.SymbolCooldown {
			inCooldown++
		}
		if st.circuitOpen && now.Sub(st.circuitOpenedAt) < p.cfg.SymbolCircuitBreakerDuration {
			openCircuit++
		}
		st.mu.Unlock()
	}

	return Status{
		GlobalState:            state.String(),
		GlobalAttempts:         attempts,
		GlobalSuccesses:        successes,
		GlobalFailures:         failures,
		SymbolsTracked:         len(p.symbols),
		SymbolsInCooldown:      inCooldown,
		SymbolsWithOpenCircuit: openCircuit,
	}
}
