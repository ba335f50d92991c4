// Package config loads process configuration from environment variables
// (with an optional .env file for local development), following the
// teacher's config.go: caarlos0/env for struct parsing, joho/godotenv
// for the optional file, explicit Validate(), and a LogConfig() that
// emits one structured line instead of scattered Printf calls.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the core's components need:
// pipeline policy defaults, streaming timeouts, backfill/circuit-breaker
// windows, and the ambient logging/service knobs.
type Config struct {
	// Service
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	DataRoot    string `env:"DATA_ROOT" envDefault:"./data"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// NATS sink
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"NATS_SUBJECT_PREFIX" envDefault:"market"`

	// EventPipeline
	PipelineCapacity        int           `env:"PIPELINE_CAPACITY" envDefault:"100000"`
	PipelineBatchSize       int           `env:"PIPELINE_BATCH_SIZE" envDefault:"100"`
	PipelineFlushInterval   time.Duration `env:"PIPELINE_FLUSH_INTERVAL" envDefault:"5s"`
	PipelineDisposeTimeout  time.Duration `env:"PIPELINE_DISPOSE_TIMEOUT" envDefault:"35s"`
	PipelineFinalFlush      time.Duration `env:"PIPELINE_FINAL_FLUSH_TIMEOUT" envDefault:"30s"`
	PipelineFlusherShutdown time.Duration `env:"PIPELINE_FLUSHER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	PipelineHighWaterHigh   float64       `env:"PIPELINE_HIGH_WATER_HIGH" envDefault:"0.8"`
	PipelineHighWaterLow    float64       `env:"PIPELINE_HIGH_WATER_LOW" envDefault:"0.5"`

	// StreamingProviderBase
	StreamConnectBackoffBase time.Duration `env:"STREAM_CONNECT_BACKOFF_BASE" envDefault:"2s"`
	StreamConnectMultiplier  float64       `env:"STREAM_CONNECT_BACKOFF_MULTIPLIER" envDefault:"2"`
	StreamConnectMaxAttempts int           `env:"STREAM_CONNECT_MAX_ATTEMPTS" envDefault:"5"`
	StreamCircuitThreshold   int           `env:"STREAM_CIRCUIT_THRESHOLD" envDefault:"5"`
	StreamCircuitDuration    time.Duration `env:"STREAM_CIRCUIT_DURATION" envDefault:"30s"`
	StreamOpTimeout          time.Duration `env:"STREAM_OP_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout         time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	HeartbeatMaxFailures     int           `env:"HEARTBEAT_MAX_FAILURES" envDefault:"3"`

	// AutoResubscribePolicy
	MinSeverity                   string        `env:"RESUB_MIN_SEVERITY" envDefault:"error"`
	SymbolCooldown                time.Duration `env:"RESUB_SYMBOL_COOLDOWN" envDefault:"30s"`
	MinResubscribeInterval        time.Duration `env:"RESUB_MIN_INTERVAL" envDefault:"5s"`
	SymbolCircuitBreakerThreshold int           `env:"RESUB_SYMBOL_CIRCUIT_THRESHOLD" envDefault:"3"`
	SymbolCircuitBreakerDuration  time.Duration `env:"RESUB_SYMBOL_CIRCUIT_DURATION" envDefault:"120s"`
	GlobalCircuitBreakerThreshold int           `env:"RESUB_GLOBAL_CIRCUIT_THRESHOLD" envDefault:"5"`
	GlobalCircuitBreakerDuration  time.Duration `env:"RESUB_GLOBAL_CIRCUIT_DURATION" envDefault:"30s"`
	HalfOpenTestInterval          time.Duration `env:"RESUB_HALF_OPEN_TEST_INTERVAL" envDefault:"5s"`
	StateSweepInterval            time.Duration `env:"RESUB_STATE_SWEEP_INTERVAL" envDefault:"5m"`
	StateExpiry                   time.Duration `env:"RESUB_STATE_EXPIRY" envDefault:"1h"`

	// Backfill
	BackfillScratchCapacity int           `env:"BACKFILL_SCRATCH_CAPACITY" envDefault:"20000"`
	GapFillMinimumGap       time.Duration `env:"GAPFILL_MINIMUM_GAP" envDefault:"10s"`
	BackfillHTTPTimeout     time.Duration `env:"BACKFILL_HTTP_TIMEOUT" envDefault:"30s"`
	JobRetention            time.Duration `env:"BACKFILL_JOB_RETENTION" envDefault:"1h"`
}

// Load reads .env (optional) then environment variables into a Config,
// validating the result. logger may be the zero value before a real
// logger exists at startup.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate applies basic range/enum checks before the config is used.
func (c *Config) Validate() error {
	if c.PipelineCapacity < 1 {
		return fmt.Errorf("PIPELINE_CAPACITY must be > 0, got %d", c.PipelineCapacity)
	}
	if c.PipelineBatchSize < 1 {
		return fmt.Errorf("PIPELINE_BATCH_SIZE must be > 0, got %d", c.PipelineBatchSize)
	}
	if c.PipelineHighWaterLow >= c.PipelineHighWaterHigh {
		return fmt.Errorf("PIPELINE_HIGH_WATER_LOW (%.2f) must be < PIPELINE_HIGH_WATER_HIGH (%.2f)",
			c.PipelineHighWaterLow, c.PipelineHighWaterHigh)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,text,pretty (got %q)", c.LogFormat)
	}
	validSeverity := map[string]bool{"info": true, "warn": true, "error": true, "critical": true}
	if !validSeverity[c.MinSeverity] {
		return fmt.Errorf("RESUB_MIN_SEVERITY must be one of info,warn,error,critical (got %q)", c.MinSeverity)
	}
	return nil
}

// LogConfig emits one structured summary line instead of scattered
// Printf calls.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("data_root", c.DataRoot).
		Int("pipeline_capacity", c.PipelineCapacity).
		Int("pipeline_batch_size", c.PipelineBatchSize).
		Dur("pipeline_flush_interval", c.PipelineFlushInterval).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("resub_symbol_cooldown", c.SymbolCooldown).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
