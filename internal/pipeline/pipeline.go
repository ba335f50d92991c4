package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketfeed/core/internal/event"
	"github.com/marketfeed/core/internal/logging"
	"github.com/rs/zerolog"
)

// Options tunes the timing knobs EventPipeline exposes.
type Options struct {
	BatchSize               int
	FlushInterval            time.Duration // 0 disables the periodic-flush task
	DisposeTimeout           time.Duration
	FinalFlushTimeout        time.Duration
	FlusherShutdownTimeout   time.Duration
	HighWaterHigh            float64
	HighWaterLow             float64
}

// DefaultOptions returns the pipeline's recommended defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:             100,
		FlushInterval:         5 * time.Second,
		DisposeTimeout:        35 * time.Second,
		FinalFlushTimeout:     30 * time.Second,
		FlusherShutdownTimeout: 5 * time.Second,
		HighWaterHigh:         0.8,
		HighWaterLow:          0.5,
	}
}

type noopAudit struct{}

func (noopAudit) Record(AuditEntry)          {}
func (noopAudit) Dispose(context.Context) error { return nil }

// EventPipeline is a bounded channel feeding exactly one consumer, which
// batches accepted events into the sink.
type EventPipeline struct {
	policy event.PipelinePolicy
	sink   StorageSink
	audit  AuditTrail
	metrics *Metrics
	opts   Options
	logger zerolog.Logger

	ch           chan event.MarketEvent
	stopOnce     sync.Once
	stopCh       chan struct{}
	consumerDone chan struct{}
	flusherDone  chan struct{}
	bgCtx        context.Context
	bgCancel     context.CancelFunc

	published atomic.Uint64
	dropped   atomic.Uint64
	consumed  atomic.Uint64
	totalProcNanos atomic.Int64
	lastFlushNanos atomic.Int64
	highWater atomic.Bool
}

// New constructs and starts an EventPipeline. The consumer goroutine
// (and, if opts.FlushInterval > 0, the periodic-flush goroutine) are
// running by the time New returns.
func New(policy event.PipelinePolicy, sink StorageSink, audit AuditTrail, metrics *Metrics, opts Options, logger zerolog.Logger) *EventPipeline {
	if audit == nil {
		audit = noopAudit{}
	}
	if !policy.EnableMetrics {
		metrics = nil
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.DisposeTimeout <= 0 {
		opts.DisposeTimeout = 35 * time.Second
	}
	if opts.FinalFlushTimeout <= 0 {
		opts.FinalFlushTimeout = 30 * time.Second
	}
	if opts.FlusherShutdownTimeout <= 0 {
		opts.FlusherShutdownTimeout = 5 * time.Second
	}
	if opts.HighWaterHigh <= 0 {
		opts.HighWaterHigh = 0.8
	}
	if opts.HighWaterLow <= 0 {
		opts.HighWaterLow = 0.5
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	p := &EventPipeline{
		policy:       policy,
		sink:         sink,
		audit:        audit,
		metrics:      metrics,
		opts:         opts,
		logger:       logger,
		ch:           make(chan event.MarketEvent, policy.Capacity),
		stopCh:       make(chan struct{}),
		consumerDone: make(chan struct{}),
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}

	go p.runConsumer()
	if opts.FlushInterval > 0 {
		p.flusherDone = make(chan struct{})
		go p.runFlusher()
	}
	return p
}

// TryPublish is the non-blocking fast path. It never blocks the caller
// beyond the cost of a single channel send. Returns false when the
// pipeline has already been Complete()'d, or when the channel is full
// under Wait. Under DropOldest a full channel evicts the oldest entry
// and returns true, unless a racing publisher takes the freed slot
// first, in which case this publish is counted as dropped and returns
// false.
func (p *EventPipeline) TryPublish(evt event.MarketEvent) bool {
	select {
	case <-p.stopCh:
		p.dropped.Add(1)
		return false
	default:
	}

	select {
	case p.ch <- evt:
		p.onAccepted()
		return true
	default:
	}

	if p.policy.FullMode == event.DropOldest {
		select {
		case old := <-p.ch:
			p.dropped.Add(1)
			p.audit.Record(AuditEntry{Event: old, Reason: "backpressure_queue_full"})
			if p.metrics != nil {
				p.metrics.Dropped.Inc()
			}
		default:
		}
		select {
		case p.ch <- evt:
			p.onAccepted()
			return true
		default:
			// Lost the freed slot to a racing publisher; count this
			// publish itself as dropped rather than spin.
			p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.Dropped.Inc()
			}
			return false
		}
	}

	p.dropped.Add(1)
	p.audit.Record(AuditEntry{Event: evt, Reason: "backpressure_queue_full"})
	if p.metrics != nil {
		p.metrics.Dropped.Inc()
	}
	return false
}

// PublishAsync awaits space when the policy is Wait; for DropOldest
// policies it behaves like TryPublish but yields once at a cooperative
// scheduling point before a second attempt if the channel was
// momentarily full.
func (p *EventPipeline) PublishAsync(ctx context.Context, evt event.MarketEvent) bool {
	if p.policy.FullMode == event.Wait {
		select {
		case p.ch <- evt:
			p.onAccepted()
			return true
		default:
		}
		select {
		case p.ch <- evt:
			p.onAccepted()
			return true
		case <-p.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if p.TryPublish(evt) {
		return true
	}
	runtime.Gosched()
	return p.TryPublish(evt)
}

func (p *EventPipeline) onAccepted() {
	p.published.Add(1)
	depth := len(p.ch)
	capacity := cap(p.ch)
	var util float64
	if capacity > 0 {
		util = float64(depth) / float64(capacity)
	}

	if util >= p.opts.HighWaterHigh && p.highWater.CompareAndSwap(false, true) {
		p.logger.Warn().
			Float64("utilization", util).
			Int("size", depth).
			Int("capacity", capacity).
			Msg("pipeline queue high-water mark reached")
		if p.metrics != nil {
			p.metrics.HighWater.Set(1)
		}
	} else if util < p.opts.HighWaterLow && p.highWater.CompareAndSwap(true, false) {
		p.logger.Info().
			Float64("utilization", util).
			Msg("pipeline queue utilization recovered")
		if p.metrics != nil {
			p.metrics.HighWater.Set(0)
		}
	}

	if p.metrics != nil {
		p.metrics.Published.Inc()
		p.metrics.QueueDepth.Set(float64(depth))
	}
}

// Flush forces the sink to persist buffered data now and updates the
// last-flush timestamp.
func (p *EventPipeline) Flush(ctx context.Context) error {
	err := p.sink.Flush(ctx)
	if err == nil {
		p.lastFlushNanos.Store(time.Now().UnixNano())
	}
	return err
}

// LastFlushTimestamp returns the time of the most recent successful
// flush (periodic, explicit, or final).
func (p *EventPipeline) LastFlushTimestamp() time.Time {
	nanos := p.lastFlushNanos.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Complete signals no more producers; the consumer drains whatever is
// queued, performs the final flush, then returns. Idempotent.
func (p *EventPipeline) Complete() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Dispose runs the full shutdown sequence: cancel, mark complete,
// await the consumer (bounded), await the flusher (bounded), then
// dispose the audit trail and sink.
func (p *EventPipeline) Dispose(ctx context.Context) error {
	p.bgCancel()
	p.Complete()

	select {
	case <-p.consumerDone:
	case <-time.After(p.opts.DisposeTimeout):
		p.logger.Warn().Msg("consumer did not finish within dispose timeout")
	}

	if p.flusherDone != nil {
		select {
		case <-p.flusherDone:
		case <-time.After(p.opts.FlusherShutdownTimeout):
			p.logger.Warn().Msg("periodic flush task did not stop within timeout")
		}
	}

	if err := p.audit.Dispose(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("audit trail dispose failed")
	}
	return p.sink.Dispose(ctx)
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Published          uint64
	Dropped            uint64
	Consumed           uint64
	QueueDepth         int
	AvgProcessingNanos float64
	LastFlush          time.Time
}

func (p *EventPipeline) Stats() Stats {
	consumed := p.consumed.Load()
	var avg float64
	if consumed > 0 {
		avg = float64(p.totalProcNanos.Load()) / float64(consumed)
	}
	return Stats{
		Published:          p.published.Load(),
		Dropped:            p.dropped.Load(),
		Consumed:           consumed,
		QueueDepth:         len(p.ch),
		AvgProcessingNanos: avg,
		LastFlush:          p.LastFlushTimestamp(),
	}
}

// runConsumer is the single consumer goroutine: greedy non-blocking
// drain up to BatchSize, one sink.Append per event, repeat. A sink
// failure panics out of the loop (recovered by the deferred
// logging.RecoverPanic) so the pipeline stops consuming and the channel
// backs up, matching the Fatal error kind's propagation policy.
func (p *EventPipeline) runConsumer() {
	defer close(p.consumerDone)
	defer logging.RecoverPanic(p.logger, "pipeline-consumer", nil)

	batch := make([]event.MarketEvent, 0, p.opts.BatchSize)
	for {
		select {
		case evt := <-p.ch:
			batch = append(batch, evt)
			batch = p.drainUpTo(batch)
			p.processBatch(batch)
			batch = batch[:0]
		case <-p.stopCh:
			batch = p.drainAll(batch)
			if len(batch) > 0 {
				p.processBatch(batch)
			}
			p.finalFlush()
			return
		}
	}
}

func (p *EventPipeline) drainUpTo(batch []event.MarketEvent) []event.MarketEvent {
	for len(batch) < p.opts.BatchSize {
		select {
		case more := <-p.ch:
			batch = append(batch, more)
		default:
			return batch
		}
	}
	return batch
}

func (p *EventPipeline) drainAll(batch []event.MarketEvent) []event.MarketEvent {
	for {
		select {
		case more := <-p.ch:
			batch = append(batch, more)
		default:
			return batch
		}
	}
}

func (p *EventPipeline) processBatch(batch []event.MarketEvent) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	for _, evt := range batch {
		if err := p.sink.Append(p.bgCtx, evt); err != nil {
			p.logger.Error().Err(err).Str("source", evt.Source).Msg("sink append failed, consumer stopping")
			panic(err)
		}
	}
	total := p.totalProcNanos.Add(time.Since(start).Nanoseconds())
	consumed := p.consumed.Add(uint64(len(batch)))
	if p.metrics != nil {
		p.metrics.AvgBatchMicros.Set(float64(total) / float64(consumed) / 1000.0)
	}
}

func (p *EventPipeline) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.FinalFlushTimeout)
	defer cancel()
	if err := p.sink.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("final flush failed or timed out; buffered data may be lost")
		return
	}
	p.lastFlushNanos.Store(time.Now().UnixNano())
}

func (p *EventPipeline) runFlusher() {
	defer close(p.flusherDone)
	defer logging.RecoverPanic(p.logger, "pipeline-flusher", nil)

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.bgCtx, p.opts.FlushInterval)
			err := p.sink.Flush(ctx)
			cancel()
			if err != nil {
				p.logger.Error().Err(err).Msg("periodic flush failed")
				continue
			}
			p.lastFlushNanos.Store(time.Now().UnixNano())
		case <-p.stopCh:
			return
		}
	}
}
