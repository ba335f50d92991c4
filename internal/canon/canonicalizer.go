package canon

import (
	"github.com/marketfeed/core/internal/event"
	"github.com/rs/zerolog"
)

// Canonicalizer bundles the three frozen lookup tables: symbol, venue
// (MIC), and condition code. Each table is loaded independently from
// its own file; there is no reload path.
type Canonicalizer struct {
	symbols    *Table
	venues     *Table
	conditions *Table
	version    int
}

// Paths names the three on-disk JSON files backing a Canonicalizer. An
// empty path yields a permanently-empty table for that concern.
type Paths struct {
	SymbolTablePath    string
	VenueTablePath     string
	ConditionTablePath string
}

// genericProvider is the fallback key tried when a provider-specific
// symbol lookup misses: provider-aware lookup first, then generic.
const genericProvider = "*"

// New loads all three tables and fixes the canonicalizer's stamped
// version at construction time — there is no hot reload path.
func New(paths Paths, version int, logger zerolog.Logger) *Canonicalizer {
	return &Canonicalizer{
		symbols:    NewTable(paths.SymbolTablePath, logger),
		venues:     NewTable(paths.VenueTablePath, logger),
		conditions: NewTable(paths.ConditionTablePath, logger),
		version:    version,
	}
}

// Version is the value stamped onto CanonicalizationVersion for every
// event this Canonicalizer enriches.
func (c *Canonicalizer) Version() int { return c.version }

// ResolveSymbol tries (providerUpper, raw) first, then falls back to
// the generic "*" provider bucket.
func (c *Canonicalizer) ResolveSymbol(provider, raw string) (string, bool) {
	if v, ok := c.symbols.Lookup(provider, raw); ok {
		return v, true
	}
	return c.symbols.Lookup(genericProvider, raw)
}

// ResolveVenue maps a provider-raw venue code to an ISO 10383 MIC.
// Unresolved lookups return ("", false) rather than a sentinel string.
func (c *Canonicalizer) ResolveVenue(provider, raw string) (string, bool) {
	return c.venues.Lookup(provider, raw)
}

// ResolveCondition maps a provider-raw trade condition code to its
// canonical description, defaulting to "Unknown" rather than a bool.
func (c *Canonicalizer) ResolveCondition(provider, raw string) string {
	if v, ok := c.conditions.Lookup(provider, raw); ok {
		return v
	}
	return "Unknown"
}

// Canonicalize stamps evt with CanonicalSymbol, CanonicalVenue,
// CanonicalizationVersion, and a Tier bumped to at least Enriched.
// Heartbeats and already-enriched events pass through unchanged.
// symbolResolved/venueResolved report whether each lookup hit, for the
// caller's metrics.
func (c *Canonicalizer) Canonicalize(evt event.MarketEvent) (out event.MarketEvent, symbolResolved, venueResolved bool) {
	if evt.Type == event.TypeHeartbeat || evt.CanonicalizationVersion > 0 {
		return evt, true, true
	}

	provider := evt.Source
	canonicalSymbol, symbolOK := c.ResolveSymbol(provider, evt.Symbol)

	rawVenue := ""
	if evt.Payload != nil {
		rawVenue = evt.Payload.Venue()
	}
	canonicalVenue, venueOK := c.ResolveVenue(provider, rawVenue)

	out = evt
	out.CanonicalSymbol = canonicalSymbol
	out.CanonicalVenue = canonicalVenue
	out.CanonicalizationVersion = c.version
	out.Tier = event.MaxTier(evt.Tier, event.TierEnriched)
	return out, symbolOK, venueOK
}
