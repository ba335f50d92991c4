package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionRegistryAllocatesFromBase(t *testing.T) {
	reg := NewSubscriptionRegistry(100_000)

	s1 := reg.Add("AAPL", KindTrades, 1)
	s2 := reg.Add("MSFT", KindTrades, 2)
	require.Equal(t, int64(100_000), s1.ID)
	require.Equal(t, int64(100_001), s2.ID)
}

func TestSymbolsByKindInvariantAcrossInterleavings(t *testing.T) {
	reg := NewSubscriptionRegistry(1)

	a := reg.Add("AAPL", KindTrades, 0)
	b := reg.Add("AAPL", KindDepth, 0)
	c := reg.Add("AAPL", KindTrades, 0) // second trades sub for same symbol

	require.ElementsMatch(t, []string{"AAPL"}, reg.SymbolsByKind(KindTrades))
	require.ElementsMatch(t, []string{"AAPL"}, reg.SymbolsByKind(KindDepth))

	reg.Remove(a.ID)
	// Second trades subscription (c) still references AAPL.
	require.ElementsMatch(t, []string{"AAPL"}, reg.SymbolsByKind(KindTrades))

	reg.Remove(c.ID)
	require.Empty(t, reg.SymbolsByKind(KindTrades))
	// Depth set is untouched by trades removals.
	require.ElementsMatch(t, []string{"AAPL"}, reg.SymbolsByKind(KindDepth))

	reg.Remove(b.ID)
	require.Empty(t, reg.SymbolsByKind(KindDepth))
	require.Equal(t, 0, reg.Count())
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	reg := NewSubscriptionRegistry(1)
	require.False(t, reg.Remove(9999))
}
