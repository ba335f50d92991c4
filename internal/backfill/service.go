// Package backfill implements BackfillService, BackfillCoordinator,
// ProgressTracker, and GapFillTrigger.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/historical"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/rs/zerolog"
)

// Request describes one backfill job.
type Request struct {
	Provider string
	Symbols  []string
	From, To time.Time
}

// Result is BackfillService's (and, transitively, BackfillCoordinator's)
// outcome, persisted verbatim to the backfill status file.
type Result struct {
	Success       bool
	Provider      string
	Symbols       []string
	From, To      time.Time
	BarsWritten   int
	FailedSymbols []string
	StartedAt     time.Time
	CompletedAt   time.Time
	Error         string
}

// DailySource is the minimal surface BackfillService needs from a
// historical data source. It returns the name of the provider that
// actually served the bars alongside them, since a request routed
// through the composite (e.g. Provider: "composite") can be served by
// any one of several underlying providers, and MarketEvent.Source must
// reflect the one that actually served the data, not the routing name,
// so downstream canonicalization keys off the right provider table.
type DailySource interface {
	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) (bars []historical.Bar, servedBy string, err error)
}

// compositeSource adapts historical.CompositeHistorical to DailySource,
// forwarding the composite's own chosen-provider name as servedBy.
type compositeSource struct {
	composite *historical.CompositeHistorical
}

// NewCompositeSource wraps a CompositeHistorical as a DailySource.
func NewCompositeSource(c *historical.CompositeHistorical) DailySource {
	return &compositeSource{composite: c}
}

func (c *compositeSource) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]historical.Bar, string, error) {
	return c.composite.GetDailyBars(ctx, symbol, from, to)
}

// providerSource adapts a single historical.Provider to DailySource,
// reporting its own Name() as servedBy on every call.
type providerSource struct {
	provider historical.Provider
}

// NewProviderSource wraps a single Provider as a DailySource, for
// registering a non-composite backfill route by provider name.
func NewProviderSource(p historical.Provider) DailySource {
	return &providerSource{provider: p}
}

func (p *providerSource) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]historical.Bar, string, error) {
	bars, err := p.provider.GetDailyBars(ctx, symbol, from, to)
	return bars, p.provider.Name(), err
}

// Service runs one backfill request against a named set of
// DailySources, publishing bars into a caller-supplied pipeline.
type Service struct {
	providers map[string]DailySource
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewService(providers map[string]DailySource, c clock.Clock, logger zerolog.Logger) *Service {
	if c == nil {
		c = clock.Real()
	}
	return &Service{providers: providers, clock: c, logger: logger}
}

func validate(req Request) error {
	hasSymbol := false
	for _, s := range req.Symbols {
		if strings.TrimSpace(s) != "" {
			hasSymbol = true
			break
		}
	}
	if !hasSymbol {
		return errors.New("backfill request requires at least one non-blank symbol")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return errors.New("backfill request requires a provider name")
	}
	return nil
}

// Run validates the request, then for each
// symbol in order fetches daily bars and publishes each as a
// HistoricalBar event, continuing past per-symbol failures; finally
// flush and summarize.
func (s *Service) Run(ctx context.Context, req Request, pub Publisher) Result {
	result := Result{Provider: req.Provider, Symbols: req.Symbols, From: req.From, To: req.To, StartedAt: s.clock.Now()}

	if err := validate(req); err != nil {
		result.Error = err.Error()
		result.CompletedAt = s.clock.Now()
		return result
	}

	source, ok := s.providers[req.Provider]
	if !ok {
		result.Error = fmt.Sprintf("unknown historical provider %q", req.Provider)
		result.CompletedAt = s.clock.Now()
		return result
	}

	var failedSymbols []string
	barsWritten := 0
	for _, symbol := range req.Symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		select {
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			result.CompletedAt = s.clock.Now()
			return result
		default:
		}

		bars, servedBy, err := source.GetDailyBars(ctx, symbol, req.From, req.To)
		if err != nil {
			failedSymbols = append(failedSymbols, symbol)
			s.logger.Warn().Err(err).Str("symbol", symbol).Str("provider", req.Provider).Msg("backfill symbol failed")
			continue
		}
		if servedBy == "" {
			servedBy = req.Provider
		}

		for _, bar := range bars {
			evt := event.MarketEvent{
				ReceiveTime: s.clock.Now(),
				EventTime:   bar.BarStart,
				Source:      strings.ToUpper(servedBy),
				Type:        event.TypeHistoricalBar,
				Symbol:      symbol,
				Payload: event.HistoricalBarPayload{
					Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close, Volume: bar.Volume,
					BarStart: bar.BarStart,
				},
			}
			if pub.PublishAsync(ctx, evt) {
				barsWritten++
			}
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pub.Flush(flushCtx); err != nil {
		s.logger.Warn().Err(err).Msg("backfill flush failed")
	}

	result.BarsWritten = barsWritten
	result.FailedSymbols = failedSymbols
	result.Success = len(failedSymbols) == 0
	result.CompletedAt = s.clock.Now()
	if !result.Success {
		result.Error = fmt.Sprintf("%d/%d symbols failed: %v", len(failedSymbols), len(req.Symbols), failedSymbols)
	}
	return result
}

// Publisher is the subset of EventPipeline the backfill service drives.
type Publisher interface {
	PublishAsync(ctx context.Context, evt event.MarketEvent) bool
	Flush(ctx context.Context) error
}

var _ Publisher = (*pipeline.EventPipeline)(nil)
