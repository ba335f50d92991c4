package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Coordinator.Run when a backfill job is
// already in flight; the caller holds no retry obligation.
var ErrAlreadyRunning = errors.New("backfill: a job is already running")

// statusFile is the persisted-result JSON shape at
// <dataRoot>/.mdc/backfill_status.json.
type statusFile struct {
	Success       bool      `json:"success"`
	Provider      string    `json:"provider"`
	Symbols       []string  `json:"symbols"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	BarsWritten   int       `json:"barsWritten"`
	FailedSymbols []string  `json:"failedSymbols,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	Error         string    `json:"error,omitempty"`
}

func toStatusFile(r Result) statusFile {
	return statusFile{
		Success: r.Success, Provider: r.Provider, Symbols: r.Symbols,
		From: r.From, To: r.To, BarsWritten: r.BarsWritten,
		FailedSymbols: r.FailedSymbols, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, Error: r.Error,
	}
}

// Coordinator owns the one-at-a-time backfill gate, a scratch pipeline
// sized for bulk historical loads, and last-run status persistence.
//
// The gate is a size-1 channel, not a sync.Mutex: a non-blocking
// try-acquire via select+default is the natural idiom for "fail fast
// if busy".
type Coordinator struct {
	service  *Service
	dataRoot string
	logger   zerolog.Logger

	gate chan struct{}

	mu      sync.Mutex
	lastRun *Result

	newSink func() pipeline.StorageSink
}

// NewCoordinator builds a Coordinator. newSink constructs a fresh scratch
// StorageSink per job (e.g. a new NatsStorageSink subject, or a
// MemorySink in tests); the coordinator wraps it in an EventPipeline
// sized 20000 with no periodic flush.
func NewCoordinator(service *Service, dataRoot string, newSink func() pipeline.StorageSink, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		service:  service,
		dataRoot: dataRoot,
		logger:   logger,
		gate:     make(chan struct{}, 1),
		newSink:  newSink,
	}
}

// Run tries to acquire the one-slot gate; if another job is already
// running, it returns ErrAlreadyRunning immediately rather than queuing.
func (c *Coordinator) Run(ctx context.Context, req Request) (Result, error) {
	select {
	case c.gate <- struct{}{}:
	default:
		return Result{}, ErrAlreadyRunning
	}
	defer func() { <-c.gate }()

	sink := c.newSink()
	opts := pipeline.DefaultOptions()
	opts.FlushInterval = 0 // no periodic flush; BackfillService flushes once at the end
	policy := event.PipelinePolicy{Capacity: 20000, FullMode: event.DropOldest, EnableMetrics: false}
	scratch := pipeline.New(policy, sink, nil, nil, opts, c.logger)
	defer scratch.Dispose(context.Background())

	result := c.service.Run(ctx, req, scratch)

	if err := c.persist(result); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist backfill status")
	}

	c.mu.Lock()
	r := result
	c.lastRun = &r
	c.mu.Unlock()

	return result, nil
}

// LastRun returns the most recently completed job's result, if any.
func (c *Coordinator) LastRun() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return Result{}, false
	}
	return *c.lastRun, true
}

// statusPath is <dataRoot>/.mdc/backfill_status.json.
func (c *Coordinator) statusPath() string {
	return filepath.Join(c.dataRoot, ".mdc", "backfill_status.json")
}

// persist writes the result atomically: a temp file in the same
// directory, then os.Rename, so readers never observe a partial write.
func (c *Coordinator) persist(r Result) error {
	path := c.statusPath()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backfill: mkdir status dir: %w", err)
	}

	data, err := json.MarshalIndent(toStatusFile(r), "", "  ")
	if err != nil {
		return fmt.Errorf("backfill: marshal status: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "backfill_status-*.tmp")
	if err != nil {
		return fmt.Errorf("backfill: create temp status file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("backfill: write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backfill: close temp status file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backfill: rename status file: %w", err)
	}
	return nil
}

// LoadStatus reads the last persisted status file, if present.
func LoadStatus(dataRoot string) (Result, bool, error) {
	path := filepath.Join(dataRoot, ".mdc", "backfill_status.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var sf statusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return Result{}, false, err
	}
	return Result{
		Success: sf.Success, Provider: sf.Provider, Symbols: sf.Symbols,
		From: sf.From, To: sf.To, BarsWritten: sf.BarsWritten,
		FailedSymbols: sf.FailedSymbols, StartedAt: sf.StartedAt,
		CompletedAt: sf.CompletedAt, Error: sf.Error,
	}, true, nil
}
