package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrAddComputesOnce(t *testing.T) {
	s := New[int](Options{})
	calls := 0
	compute := func() int { calls++; return 42 }

	require.Equal(t, 42, s.GetOrAdd("aapl", compute))
	require.Equal(t, 42, s.GetOrAdd("AAPL", compute)) // case-insensitive hit
	require.Equal(t, 1, calls)
}

func TestExpirationEvictsOnRead(t *testing.T) {
	now := time.Now()
	clockFn := func() time.Time { return now }
	s := New[string](Options{Expiration: time.Minute, Now: clockFn})

	s.Set("AAPL", "v1")
	_, ok := s.TryGet("AAPL")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = s.TryGet("AAPL")
	require.False(t, ok)
}

func TestReadRefreshesLastAccessed(t *testing.T) {
	now := time.Now()
	clockFn := func() time.Time { return now }
	s := New[string](Options{Expiration: time.Minute, Now: clockFn})

	s.Set("AAPL", "v1")
	for i := 0; i < 3; i++ {
		now = now.Add(45 * time.Second)
		_, ok := s.TryGet("AAPL")
		require.True(t, ok, "read %d should keep entry alive via refresh", i)
	}
}

func TestCaseSensitiveVariant(t *testing.T) {
	s := NewCaseSensitive[int](Options{})
	s.Set("aapl", 1)
	_, ok := s.TryGet("AAPL")
	require.False(t, ok)
	v, ok := s.TryGet("aapl")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRemoveStaleCustomPredicate(t *testing.T) {
	s := New[int](Options{})
	s.Set("A", 1)
	s.Set("B", 2)
	removed := s.RemoveStale(func(time.Time) bool { return true })
	require.Equal(t, 2, removed)
	require.False(t, s.Contains("A"))
}
