package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/historical"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubDailySource struct {
	name string
	bars map[string][]historical.Bar
	err  map[string]error
}

func (s *stubDailySource) GetDailyBars(_ context.Context, symbol string, _, _ time.Time) ([]historical.Bar, string, error) {
	if err, ok := s.err[symbol]; ok {
		return nil, s.name, err
	}
	return s.bars[symbol], s.name, nil
}

// stubProvider is a minimal historical.Provider for exercising
// compositeSource/providerSource through a real CompositeHistorical.
type stubProvider struct {
	name     string
	priority int
	bars     []historical.Bar
	empty    bool
}

func (s *stubProvider) Name() string                        { return s.name }
func (s *stubProvider) DisplayName() string                 { return s.name }
func (s *stubProvider) Description() string                 { return "" }
func (s *stubProvider) Priority() int                        { return s.priority }
func (s *stubProvider) Capabilities() historical.Capabilities { return historical.Capabilities{} }
func (s *stubProvider) IsAvailable(ctx context.Context) bool { return true }
func (s *stubProvider) GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]historical.Bar, error) {
	return nil, historical.ErrUnsupported("GetAdjustedDailyBars")
}
func (s *stubProvider) GetIntradayBars(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]historical.Bar, error) {
	return nil, historical.ErrUnsupported("GetIntradayBars")
}
func (s *stubProvider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]historical.Bar, error) {
	if s.empty {
		return nil, nil
	}
	return s.bars, nil
}

// TestCompositeSourceStampsServingProviderName covers the concrete
// scenario where Stooq returns empty and Yahoo serves the bars: the
// published MarketEvent must carry Source="YAHOO", the provider that
// actually served the data, not "COMPOSITE", the request's routing name.
func TestCompositeSourceStampsServingProviderName(t *testing.T) {
	stooq := &stubProvider{name: "stooq", priority: 10, empty: true}
	yahoo := &stubProvider{name: "yahoo", priority: 20, bars: []historical.Bar{{Close: 1, BarStart: time.Unix(0, 0)}}}
	composite := historical.NewCompositeHistorical([]historical.Provider{yahoo, stooq}, nil, zerolog.Nop())

	svc := NewService(map[string]DailySource{"composite": NewCompositeSource(composite)}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	p, sink := newTestPipeline(t)
	defer p.Dispose(context.Background())

	result := svc.Run(context.Background(), Request{Provider: "composite", Symbols: []string{"XYZ"}}, p)
	require.True(t, result.Success)
	require.Equal(t, 1, result.BarsWritten)

	require.Eventually(t, func() bool { return len(sink.Snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "YAHOO", sink.Snapshot()[0].Source)
}

func newTestPipeline(t *testing.T) (*pipeline.EventPipeline, *pipeline.MemorySink) {
	t.Helper()
	sink := pipeline.NewMemorySink()
	policy := event.PipelinePolicy{Capacity: 1000, FullMode: event.DropOldest, EnableMetrics: false}
	opts := pipeline.DefaultOptions()
	return pipeline.New(policy, sink, nil, nil, opts, zerolog.Nop()), sink
}

func TestBackfillServicePublishesBarsAndFlushes(t *testing.T) {
	source := &stubDailySource{bars: map[string][]historical.Bar{
		"AAPL": {{Close: 1, BarStart: time.Unix(0, 0)}, {Close: 2, BarStart: time.Unix(86400, 0)}},
		"MSFT": {{Close: 3, BarStart: time.Unix(0, 0)}},
	}}
	svc := NewService(map[string]DailySource{"yahoo": source}, clock.NewFake(time.Unix(1000, 0)), zerolog.Nop())
	p, sink := newTestPipeline(t)
	defer p.Dispose(context.Background())

	result := svc.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"AAPL", "MSFT"}}, p)

	require.True(t, result.Success)
	require.Equal(t, 3, result.BarsWritten)
	require.Empty(t, result.FailedSymbols)

	require.Eventually(t, func() bool {
		return len(sink.Snapshot()) == 3
	}, time.Second, time.Millisecond)
}

func TestBackfillServiceContinuesPastPerSymbolFailure(t *testing.T) {
	source := &stubDailySource{
		bars: map[string][]historical.Bar{"MSFT": {{Close: 3}}},
		err:  map[string]error{"AAPL": context.DeadlineExceeded},
	}
	svc := NewService(map[string]DailySource{"yahoo": source}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	p, _ := newTestPipeline(t)
	defer p.Dispose(context.Background())

	result := svc.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"AAPL", "MSFT"}}, p)

	require.False(t, result.Success)
	require.Equal(t, []string{"AAPL"}, result.FailedSymbols)
	require.Equal(t, 1, result.BarsWritten)
	require.NotEmpty(t, result.Error)
}

func TestBackfillServiceRejectsBlankSymbolsAndUnknownProvider(t *testing.T) {
	svc := NewService(map[string]DailySource{}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	p, _ := newTestPipeline(t)
	defer p.Dispose(context.Background())

	result := svc.Run(context.Background(), Request{Provider: "", Symbols: []string{"  "}}, p)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "non-blank symbol")

	result = svc.Run(context.Background(), Request{Provider: "ghost", Symbols: []string{"AAPL"}}, p)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "unknown historical provider")
}
