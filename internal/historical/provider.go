// Package historical implements HistoricalProvider and
// CompositeHistorical, the priority-ordered backfill data source.
package historical

import (
	"context"
	"time"
)

// Bar is one OHLCV observation.
type Bar struct {
	Open, High, Low, Close, Volume float64
	BarStart                       time.Time
}

// Capabilities declares what a provider can supply.
type Capabilities struct {
	AdjustedPrices    bool
	Intraday          bool
	Dividends         bool
	Splits            bool
	Quotes            bool
	Trades            bool
	Auctions          bool
	SupportedMarkets  []string
}

// RateLimit is the triple a provider declares for its own internal
// token bucket.
type RateLimit struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	MinInterRequestDelay time.Duration
}

// Provider is the historical data source contract.
// GetAdjustedDailyBars and GetIntradayBars are optional: implementations
// that don't support them return (nil, ErrUnsupported).
type Provider interface {
	Name() string
	DisplayName() string
	Description() string
	Priority() int
	Capabilities() Capabilities
	IsAvailable(ctx context.Context) bool
	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	GetIntradayBars(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]Bar, error)
}

// ErrUnsupported is returned by optional Provider methods a given
// implementation does not support.
type unsupportedError struct{ op string }

func (e *unsupportedError) Error() string { return e.op + ": not supported by this provider" }

func ErrUnsupported(op string) error { return &unsupportedError{op: op} }
