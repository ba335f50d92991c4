// Command marketfeed wires the event pipeline, canonicalizer, backfill
// coordinator, and resubscribe policy into a running process via
// internal/app.Core. Concrete provider streamers (ProviderHooks
// implementations for specific feeds) are registered by the deployment,
// not by this binary; main only assembles and runs the shared core, the
// way the teacher's cmd/single/main.go drives internal/single/core.Server.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/marketfeed/core/internal/app"
	"github.com/marketfeed/core/internal/config"
	"github.com/marketfeed/core/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrapLogger := logging.New(logging.Config{Level: "info", Format: "json"}, "marketfeed")
	bootstrapLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, "marketfeed")
	cfg.LogConfig(logger)

	core, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble core")
	}

	go serveMetrics(core.Registry, logger, cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := core.Dispose(cfg.PipelineDisposeTimeout); err != nil {
		logger.Warn().Err(err).Msg("pipeline dispose reported an error")
	}
}

func serveMetrics(registry *prometheus.Registry, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
