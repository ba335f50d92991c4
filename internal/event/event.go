// Package event defines MarketEvent, the common value carried from
// provider ingress through canonicalization to the storage sink.
package event

import "time"

// Type enumerates the event payload shapes the pipeline carries.
type Type int

const (
	TypeUnknown Type = iota
	TypeTrade
	TypeQuote
	TypeL2Snapshot
	TypeLOBSnapshot
	TypeHistoricalBar
	TypeHeartbeat
	TypeIntegrity
	TypeDepthIntegrity
)

func (t Type) String() string {
	switch t {
	case TypeTrade:
		return "Trade"
	case TypeQuote:
		return "Quote"
	case TypeL2Snapshot:
		return "L2Snapshot"
	case TypeLOBSnapshot:
		return "LOBSnapshot"
	case TypeHistoricalBar:
		return "HistoricalBar"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeIntegrity:
		return "Integrity"
	case TypeDepthIntegrity:
		return "DepthIntegrity"
	default:
		return "Unknown"
	}
}

// Tier tracks whether an event has been canonicalized. Monotonic: an
// event may move Raw -> Enriched but never back.
type Tier int

const (
	TierRaw Tier = iota
	TierEnriched
)

func (t Tier) String() string {
	if t == TierEnriched {
		return "Enriched"
	}
	return "Raw"
}

// MaxTier returns the higher of a and b; canonicalization never demotes.
func MaxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// Payload is satisfied by each Type's variant-specific data. The
// variant is the payload's Go type; the canonicalizer reads the venue
// through the Venue method, not a type switch.
type Payload interface {
	Venue() string
}

// TradePayload carries trade-tick data.
type TradePayload struct {
	Price    float64
	Size     float64
	VenueRaw string
	Cond     string
}

func (p TradePayload) Venue() string { return p.VenueRaw }

// QuotePayload carries top-of-book quote data.
type QuotePayload struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
	VenueRaw string
}

func (p QuotePayload) Venue() string { return p.VenueRaw }

// L2SnapshotPayload carries a leveled order-book snapshot.
type L2SnapshotPayload struct {
	Bids     []PriceLevel
	Asks     []PriceLevel
	VenueRaw string
}

func (p L2SnapshotPayload) Venue() string { return p.VenueRaw }

// PriceLevel is one (price, size) rung of an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// LOBSnapshotPayload carries a full limit-order-book snapshot.
type LOBSnapshotPayload struct {
	Bids     []PriceLevel
	Asks     []PriceLevel
	VenueRaw string
}

func (p LOBSnapshotPayload) Venue() string { return p.VenueRaw }

// HistoricalBarPayload carries one backfilled OHLCV bar.
type HistoricalBarPayload struct {
	Open, High, Low, Close, Volume float64
	BarStart                      time.Time
}

func (p HistoricalBarPayload) Venue() string { return "" }

// HeartbeatPayload carries no data; heartbeats are never enriched or
// persisted as bars.
type HeartbeatPayload struct{}

func (p HeartbeatPayload) Venue() string { return "" }

// IntegrityPayload carries an upstream data-quality signal that feeds
// AutoResubscribePolicy.
type IntegrityPayload struct {
	Severity    Severity
	Description string
}

func (p IntegrityPayload) Venue() string { return "" }

// Severity ranks an integrity finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityCritical
)

func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "warn":
		return SeverityWarn
	case "critical":
		return SeverityCritical
	default:
		return SeverityError
	}
}

// MarketEvent is the uniform value exchanged between every component in
// the core. Symbol is immutable after creation; Tier is monotonic;
// CanonicalizationVersion > 0 iff Tier >= Enriched.
type MarketEvent struct {
	ReceiveTime             time.Time
	EventTime               time.Time
	Source                  string // provider id, uppercase
	Type                    Type
	Symbol                  string // raw, as delivered
	Payload                 Payload
	CanonicalSymbol         string // empty if unresolved
	CanonicalVenue          string // MIC, empty if unresolved
	Tier                    Tier
	CanonicalizationVersion int
	SequenceNumber          uint64
}

// IsEnriched reports whether the event has passed canonicalization.
func (e MarketEvent) IsEnriched() bool {
	return e.Tier >= TierEnriched && e.CanonicalizationVersion > 0
}

// WithCanonicalization returns a copy stamped with canonical fields,
// preserving the Tier-monotonicity and version invariants. Never
// mutates e: MarketEvent is always passed and returned by value so
// "Symbol immutable after creation" holds for free.
func (e MarketEvent) WithCanonicalization(symbol, venue string, version int) MarketEvent {
	out := e
	out.CanonicalSymbol = symbol
	out.CanonicalVenue = venue
	out.CanonicalizationVersion = version
	out.Tier = MaxTier(e.Tier, TierEnriched)
	return out
}
