package canon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marketfeed/core/internal/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []event.MarketEvent
	accept bool
}

func (r *recordingPublisher) TryPublish(evt event.MarketEvent) bool {
	if !r.accept {
		return false
	}
	r.events = append(r.events, evt)
	return true
}

func writeTable(t *testing.T, dir, name string, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func newTestCanonicalizer(t *testing.T) *Canonicalizer {
	dir := t.TempDir()
	symbolPath := writeTable(t, dir, "symbols.json", `{
		"version": 3,
		"mappings": {"IEX": {"BRK.A": "BRK-A"}, "*": {"FOO": "FOO-GENERIC"}}
	}`)
	venuePath := writeTable(t, dir, "venues.json", `{
		"version": 3,
		"mappings": {"IEX": {"N": "XNYS"}}
	}`)
	return New(Paths{SymbolTablePath: symbolPath, VenueTablePath: venuePath}, 3, zerolog.Nop())
}

func tradeEventFor(symbol, provider, venue string) event.MarketEvent {
	return event.MarketEvent{
		Source:  provider,
		Type:    event.TypeTrade,
		Symbol:  symbol,
		Payload: event.TradePayload{Price: 1, Size: 1, VenueRaw: venue},
	}
}

func TestCaseInsensitiveFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "t.json", `{"version":1,"mappings":{"IEX":{"BRK.A":"BRK-A"}}}`)
	tbl := NewTable(path, zerolog.Nop())

	v, ok := tbl.Lookup("iex", "brk.a")
	require.True(t, ok)
	require.Equal(t, "BRK-A", v)
}

func TestMissingFileYieldsEmptyTable(t *testing.T) {
	tbl := NewTable(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())
	_, ok := tbl.Lookup("IEX", "AAPL")
	require.False(t, ok)
}

func TestCanonicalizeProviderAwareThenGeneric(t *testing.T) {
	c := newTestCanonicalizer(t)

	out, symbolOK, venueOK := c.Canonicalize(tradeEventFor("BRK.A", "IEX", "N"))
	require.True(t, symbolOK)
	require.True(t, venueOK)
	require.Equal(t, "BRK-A", out.CanonicalSymbol)
	require.Equal(t, "XNYS", out.CanonicalVenue)
	require.Equal(t, 3, out.CanonicalizationVersion)
	require.Equal(t, event.TierEnriched, out.Tier)

	out2, symbolOK2, _ := c.Canonicalize(tradeEventFor("FOO", "UNKNOWN_PROVIDER", "X"))
	require.True(t, symbolOK2)
	require.Equal(t, "FOO-GENERIC", out2.CanonicalSymbol)
}

func TestCanonicalizeUnresolvedReportsFalse(t *testing.T) {
	c := newTestCanonicalizer(t)
	_, symbolOK, venueOK := c.Canonicalize(tradeEventFor("NOPE", "IEX", "Z"))
	require.False(t, symbolOK)
	require.False(t, venueOK)
}

func TestCanonicalizeHeartbeatPassesThrough(t *testing.T) {
	c := newTestCanonicalizer(t)
	hb := event.MarketEvent{Type: event.TypeHeartbeat, Payload: event.HeartbeatPayload{}}
	out, symbolOK, venueOK := c.Canonicalize(hb)
	require.True(t, symbolOK && venueOK)
	require.Equal(t, event.TierRaw, out.Tier)
	require.Equal(t, 0, out.CanonicalizationVersion)
}

func TestCanonicalizeAlreadyEnrichedPassesThrough(t *testing.T) {
	c := newTestCanonicalizer(t)
	evt := tradeEventFor("BRK.A", "IEX", "N")
	evt.CanonicalizationVersion = 1
	evt.Tier = event.TierEnriched
	out, _, _ := c.Canonicalize(evt)
	require.Equal(t, 1, out.CanonicalizationVersion)
	require.Equal(t, "", out.CanonicalSymbol)
}

func TestPublisherPilotSymbolsSkipsNonPilot(t *testing.T) {
	c := newTestCanonicalizer(t)
	inner := &recordingPublisher{accept: true}
	p := NewCanonicalizingPublisher(inner, c, PublisherConfig{
		PilotSymbols: map[string]struct{}{"BRK.A": {}},
	}, nil)

	require.True(t, p.TryPublish(tradeEventFor("FOO", "IEX", "N")))
	require.Len(t, inner.events, 1)
	require.Equal(t, "", inner.events[0].CanonicalSymbol) // forwarded raw
	require.Equal(t, uint64(1), p.Metrics().Skipped)
}

func TestPublisherDualWritePreservesBackpressureSignal(t *testing.T) {
	c := newTestCanonicalizer(t)
	inner := &recordingPublisher{accept: false}
	p := NewCanonicalizingPublisher(inner, c, PublisherConfig{DualWrite: true}, nil)

	ok := p.TryPublish(tradeEventFor("BRK.A", "IEX", "N"))
	require.False(t, ok)
	require.Empty(t, inner.events)
	require.Equal(t, uint64(0), p.Metrics().DualWrites)
}

func TestPublisherDualWriteForwardsBothRawThenCanonical(t *testing.T) {
	c := newTestCanonicalizer(t)
	inner := &recordingPublisher{accept: true}
	p := NewCanonicalizingPublisher(inner, c, PublisherConfig{DualWrite: true}, nil)

	ok := p.TryPublish(tradeEventFor("BRK.A", "IEX", "N"))
	require.True(t, ok)
	require.Len(t, inner.events, 2)
	require.Equal(t, "", inner.events[0].CanonicalSymbol)
	require.Equal(t, "BRK-A", inner.events[1].CanonicalSymbol)
	require.Equal(t, uint64(1), p.Metrics().DualWrites)
	require.Equal(t, uint64(1), p.Metrics().Canonicalized)
}
