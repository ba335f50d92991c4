package historical

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marketfeed/core/internal/marketerr"
	"github.com/marketfeed/core/internal/statestore"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how many times, and with what backoff, a transient
// provider failure is retried before CompositeHistorical fails over to
// the next provider.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, Multiplier: 2}
}

// retryPolicyProvider is an optional extension a Provider may implement
// to declare its own retry policy; providers that don't use
// DefaultRetryPolicy.
type retryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// SymbolResolver maps a raw ticker to the canonical ticker a specific
// provider expects, an OpenFIGI-like resolution step that stays optional.
type SymbolResolver func(ctx context.Context, provider Provider, rawSymbol string) (string, error)

// CompositeHistorical tries providers in priority order (ascending
// Priority = highest priority first) until one returns a non-empty
// result for a symbol.
type CompositeHistorical struct {
	providers []Provider
	logger    zerolog.Logger
	resolver  SymbolResolver
	cache     *statestore.Store[string] // providerName:rawSymbol -> canonical
}

// NewCompositeHistorical sorts providers by ascending Priority (lower
// number wins) and retains that order for every lookup.
func NewCompositeHistorical(providers []Provider, resolver SymbolResolver, logger zerolog.Logger) *CompositeHistorical {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &CompositeHistorical{
		providers: sorted,
		logger:    logger,
		resolver:  resolver,
		cache:     statestore.New[string](statestore.Options{}),
	}
}

// GetDailyBars tries each available provider in priority order,
// retrying transient failures per that provider's retry policy and
// skipping (without retry) permanent failures, until one returns a
// non-empty bar list.
func (c *CompositeHistorical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, string, error) {
	var lastErr error
	for _, p := range c.providers {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}

		if !p.IsAvailable(ctx) {
			continue
		}

		resolvedSymbol := c.resolveSymbol(ctx, p, symbol)
		bars, err := c.callWithRetry(ctx, p, resolvedSymbol, from, to)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("provider", p.Name()).Str("symbol", symbol).Msg("provider failed, trying next")
			continue
		}
		if len(bars) == 0 {
			continue
		}
		return bars, p.Name(), nil
	}
	if lastErr == nil {
		lastErr = marketerr.New(marketerr.KindPermanent, "historical.GetDailyBars", "no provider returned data").WithField("symbol", symbol)
	}
	return nil, "", lastErr
}

func (c *CompositeHistorical) resolveSymbol(ctx context.Context, p Provider, raw string) string {
	if c.resolver == nil {
		return raw
	}
	cacheKey := p.Name() + ":" + raw
	return c.cache.GetOrAdd(cacheKey, func() string {
		resolved, err := c.resolver(ctx, p, raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("provider", p.Name()).Str("symbol", raw).Msg("symbol resolution failed, using raw ticker")
			return raw
		}
		return resolved
	})
}

func (c *CompositeHistorical) callWithRetry(ctx context.Context, p Provider, symbol string, from, to time.Time) ([]Bar, error) {
	policy := DefaultRetryPolicy()
	if rp, ok := p.(retryPolicyProvider); ok {
		policy = rp.RetryPolicy()
	}

	delay := policy.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		bars, err := p.GetDailyBars(ctx, symbol, from, to)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if marketerr.KindOf(err) != marketerr.KindTransient {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
	}
	return nil, fmt.Errorf("provider %s exhausted retries: %w", p.Name(), lastErr)
}
