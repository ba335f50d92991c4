package canon

import (
	"sync/atomic"
	"time"

	"github.com/marketfeed/core/internal/event"
	"github.com/prometheus/client_golang/prometheus"
)

// Publisher is the minimal surface CanonicalizingPublisher decorates:
// EventPipeline.TryPublish satisfies it directly.
type Publisher interface {
	TryPublish(evt event.MarketEvent) bool
}

// PublisherConfig is CanonicalizingPublisher's recognized configuration.
type PublisherConfig struct {
	// PilotSymbols, when non-nil, restricts canonicalization to this
	// set: events for symbols outside it are forwarded raw and counted
	// as skipped.
	PilotSymbols map[string]struct{}
	// DualWrite, when true, forwards the raw event before forwarding
	// the canonicalized one.
	DualWrite bool
}

// inPilot reports whether symbol is eligible for canonicalization.
// A nil PilotSymbols set means canonicalization applies to everything.
func (c PublisherConfig) inPilot(symbol string) bool {
	if c.PilotSymbols == nil {
		return true
	}
	_, ok := c.PilotSymbols[symbol]
	return ok
}

// PublisherMetrics are lock-free counters updated with atomic
// operations on every Publish call.
type PublisherMetrics struct {
	canonicalized    atomic.Uint64
	skipped          atomic.Uint64
	unresolvedSymbol atomic.Uint64
	unresolvedVenue  atomic.Uint64
	dualWrites       atomic.Uint64
	totalDurationNs  atomic.Int64
	count            atomic.Uint64
}

// Snapshot is a point-in-time copy of PublisherMetrics.
type Snapshot struct {
	Canonicalized       uint64
	Skipped             uint64
	UnresolvedSymbol    uint64
	UnresolvedVenue     uint64
	DualWrites          uint64
	AvgDurationMicros   float64
}

func (m *PublisherMetrics) Snapshot() Snapshot {
	count := m.count.Load()
	var avg float64
	if count > 0 {
		avg = float64(m.totalDurationNs.Load()) / float64(count) / 1000.0
	}
	return Snapshot{
		Canonicalized:     m.canonicalized.Load(),
		Skipped:           m.skipped.Load(),
		UnresolvedSymbol:  m.unresolvedSymbol.Load(),
		UnresolvedVenue:   m.unresolvedVenue.Load(),
		DualWrites:        m.dualWrites.Load(),
		AvgDurationMicros: avg,
	}
}

// PrometheusMetrics mirrors PublisherMetrics as real Prometheus
// instruments, alongside (not instead of) the lock-free counter struct;
// it is optional and nil-safe.
type PrometheusMetrics struct {
	Canonicalized    prometheus.Counter
	Skipped          prometheus.Counter
	UnresolvedSymbol prometheus.Counter
	UnresolvedVenue  prometheus.Counter
	DualWrites       prometheus.Counter
}

// NewPrometheusMetrics registers the publisher's counters with reg under
// name as a const label, the same shape as pipeline.NewMetrics.
func NewPrometheusMetrics(reg prometheus.Registerer, name string) *PrometheusMetrics {
	labels := prometheus.Labels{"publisher": name}
	m := &PrometheusMetrics{
		Canonicalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_canon_publisher_canonicalized_total", Help: "Events canonicalized.", ConstLabels: labels,
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_canon_publisher_skipped_total", Help: "Events skipped (outside pilot set).", ConstLabels: labels,
		}),
		UnresolvedSymbol: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_canon_publisher_unresolved_symbol_total", Help: "Events with unresolved canonical symbol.", ConstLabels: labels,
		}),
		UnresolvedVenue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_canon_publisher_unresolved_venue_total", Help: "Events with unresolved canonical venue.", ConstLabels: labels,
		}),
		DualWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketfeed_canon_publisher_dual_writes_total", Help: "Raw events forwarded alongside their canonical form.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Canonicalized, m.Skipped, m.UnresolvedSymbol, m.UnresolvedVenue, m.DualWrites)
	}
	return m
}

// CanonicalizingPublisher decorates an inner Publisher, enriching
// events with canonical symbol/venue before forwarding. It is a
// composition object (publisher interface + inner + config), not an
// inheritance chain.
type CanonicalizingPublisher struct {
	inner   Publisher
	canon   *Canonicalizer
	config  PublisherConfig
	metrics PublisherMetrics
	prom    *PrometheusMetrics
}

// NewCanonicalizingPublisher wraps inner with canonicalization logic
// driven by canonicalizer and config. prom may be nil.
func NewCanonicalizingPublisher(inner Publisher, canonicalizer *Canonicalizer, config PublisherConfig, prom *PrometheusMetrics) *CanonicalizingPublisher {
	return &CanonicalizingPublisher{inner: inner, canon: canonicalizer, config: config, prom: prom}
}

// Metrics exposes the publisher's lock-free counters.
func (p *CanonicalizingPublisher) Metrics() Snapshot { return p.metrics.Snapshot() }

// TryPublish implements the publisher's skip/dual-write/canonicalize
// decision tree.
func (p *CanonicalizingPublisher) TryPublish(evt event.MarketEvent) bool {
	if !p.config.inPilot(evt.Symbol) {
		p.metrics.skipped.Add(1)
		if p.prom != nil {
			p.prom.Skipped.Inc()
		}
		return p.inner.TryPublish(evt)
	}

	if p.config.DualWrite {
		if !p.inner.TryPublish(evt) {
			// Preserve the back-pressure signal: do not attempt the
			// canonical publish if the raw one was rejected.
			return false
		}
		p.metrics.dualWrites.Add(1)
		if p.prom != nil {
			p.prom.DualWrites.Inc()
		}
	}

	start := time.Now()
	enriched, symbolOK, venueOK := p.canon.Canonicalize(evt)
	p.metrics.totalDurationNs.Add(time.Since(start).Nanoseconds())
	p.metrics.count.Add(1)

	if !symbolOK {
		p.metrics.unresolvedSymbol.Add(1)
		if p.prom != nil {
			p.prom.UnresolvedSymbol.Inc()
		}
	}
	if !venueOK {
		p.metrics.unresolvedVenue.Add(1)
		if p.prom != nil {
			p.prom.UnresolvedVenue.Inc()
		}
	}
	if enriched.Tier == event.TierEnriched && evt.Tier != event.TierEnriched {
		p.metrics.canonicalized.Add(1)
		if p.prom != nil {
			p.prom.Canonicalized.Inc()
		}
	}

	return p.inner.TryPublish(enriched)
}
