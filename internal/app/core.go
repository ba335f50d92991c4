// Package app assembles the shared marketfeed core — pipeline,
// canonicalizer, resubscribe policy, and backfill plumbing — the way
// the teacher's internal/single/core assembles its Server: one
// constructor returning one object cmd/marketfeed can Start and
// Shutdown, instead of main() holding locally-scoped pieces some
// deployments never use and others discard.
package app

import (
	"context"
	"time"

	"github.com/marketfeed/core/internal/backfill"
	"github.com/marketfeed/core/internal/canon"
	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/config"
	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/historical"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/marketfeed/core/internal/resubscribe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Core holds every component cmd/marketfeed assembles at startup.
// Fields are exported so a deployment layer registering concrete
// ProviderHooks implementations can reach Publisher, BackfillService,
// and BackfillCoordinator directly — this package only wires the
// provider-independent core, it does not invent a provider to drive it.
type Core struct {
	Registry *prometheus.Registry

	Pipeline      *pipeline.EventPipeline
	Canonicalizer *canon.Canonicalizer
	Publisher     *canon.CanonicalizingPublisher

	ResubscribePolicy *resubscribe.AutoResubscribePolicy

	HistoricalProviders map[string]backfill.DailySource
	BackfillService     *backfill.Service
	BackfillCoordinator *backfill.Coordinator

	Clock  clock.Clock
	Logger zerolog.Logger
}

// New wires Core's components from cfg, connecting the NATS sink and
// starting the resubscribe policy's background sweep. Callers must call
// Dispose on shutdown.
func New(cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	registry := prometheus.NewRegistry()
	pipelineMetrics := pipeline.NewMetrics(registry, "streaming")
	canonMetrics := canon.NewPrometheusMetrics(registry, "primary")

	sink, err := pipeline.NewNatsStorageSink(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		return nil, err
	}
	audit := pipeline.NewMemoryAuditTrail()

	policy := event.PipelinePolicy{Capacity: cfg.PipelineCapacity, FullMode: event.DropOldest, EnableMetrics: true}
	opts := pipeline.Options{
		BatchSize:              cfg.PipelineBatchSize,
		FlushInterval:          cfg.PipelineFlushInterval,
		DisposeTimeout:         cfg.PipelineDisposeTimeout,
		FinalFlushTimeout:      cfg.PipelineFinalFlush,
		FlusherShutdownTimeout: cfg.PipelineFlusherShutdown,
		HighWaterHigh:          cfg.PipelineHighWaterHigh,
		HighWaterLow:           cfg.PipelineHighWaterLow,
	}
	mainPipeline := pipeline.New(policy, sink, audit, pipelineMetrics, opts, logger)

	canonicalizer := canon.New(canon.Paths{
		SymbolTablePath:    cfg.DataRoot + "/tables/symbols.json",
		VenueTablePath:     cfg.DataRoot + "/tables/venues.json",
		ConditionTablePath: cfg.DataRoot + "/tables/conditions.json",
	}, 1, logger)

	publisher := canon.NewCanonicalizingPublisher(mainPipeline, canonicalizer, canon.PublisherConfig{}, canonMetrics)

	realClock := clock.Real()

	resubCfg := resubscribe.Config{
		MinSeverity:                   event.ParseSeverity(cfg.MinSeverity),
		SymbolCooldown:                cfg.SymbolCooldown,
		MinResubscribeInterval:        cfg.MinResubscribeInterval,
		SymbolCircuitBreakerThreshold: cfg.SymbolCircuitBreakerThreshold,
		SymbolCircuitBreakerDuration:  cfg.SymbolCircuitBreakerDuration,
		GlobalCircuitBreakerThreshold: cfg.GlobalCircuitBreakerThreshold,
		GlobalCircuitBreakerDuration:  cfg.GlobalCircuitBreakerDuration,
		HalfOpenTestInterval:          cfg.HalfOpenTestInterval,
		StateSweepInterval:            cfg.StateSweepInterval,
		StateExpiry:                   cfg.StateExpiry,
	}
	// This apply is a no-op that always reports success; the policy
	// offers no way to replace it after construction. The policy and its
	// circuit breakers still run on every integrity event.
	resubPolicy := resubscribe.New(resubCfg, func(ctx context.Context, symbol string) error {
		return nil
	}, realClock, logger)
	resubPolicy.StartSweep()

	historicalProviders := map[string]backfill.DailySource{}
	composite := historical.NewCompositeHistorical(nil, nil, logger)
	historicalProviders["composite"] = backfill.NewCompositeSource(composite)

	backfillService := backfill.NewService(historicalProviders, realClock, logger)
	backfillCoordinator := backfill.NewCoordinator(backfillService, cfg.DataRoot, func() pipeline.StorageSink {
		scratchSink, err := pipeline.NewNatsStorageSink(cfg.NATSURL, cfg.NATSSubject+".backfill")
		if err != nil {
			logger.Warn().Err(err).Msg("backfill scratch sink falling back to in-memory")
			return pipeline.NewMemorySink()
		}
		return scratchSink
	}, logger)

	return &Core{
		Registry:            registry,
		Pipeline:            mainPipeline,
		Canonicalizer:       canonicalizer,
		Publisher:           publisher,
		ResubscribePolicy:   resubPolicy,
		HistoricalProviders: historicalProviders,
		BackfillService:     backfillService,
		BackfillCoordinator: backfillCoordinator,
		Clock:               realClock,
		Logger:              logger,
	}, nil
}

// Dispose stops the resubscribe sweep and drains the pipeline, bounded
// by cfg.PipelineDisposeTimeout.
func (c *Core) Dispose(disposeTimeout time.Duration) error {
	c.ResubscribePolicy.StopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	return c.Pipeline.Dispose(ctx)
}
