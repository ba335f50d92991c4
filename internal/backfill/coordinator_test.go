package backfill

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/marketfeed/core/internal/historical"
	"github.com/marketfeed/core/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, source DailySource) (*Coordinator, string) {
	t.Helper()
	dataRoot := t.TempDir()
	svc := NewService(map[string]DailySource{"yahoo": source}, clock.NewFake(time.Unix(0, 0)), zerolog.Nop())
	coord := NewCoordinator(svc, dataRoot, func() pipeline.StorageSink { return pipeline.NewMemorySink() }, zerolog.Nop())
	return coord, dataRoot
}

func TestCoordinatorPersistsStatusAndLastRun(t *testing.T) {
	source := &stubDailySource{bars: map[string][]historical.Bar{"AAPL": {{Close: 1}}}}
	coord, dataRoot := newTestCoordinator(t, source)

	result, err := coord.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	require.True(t, result.Success)

	lastRun, ok := coord.LastRun()
	require.True(t, ok)
	require.Equal(t, result.BarsWritten, lastRun.BarsWritten)

	require.FileExists(t, filepath.Join(dataRoot, ".mdc", "backfill_status.json"))
	loaded, ok, err := LoadStatus(dataRoot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yahoo", loaded.Provider)
	require.True(t, loaded.Success)
}

// TestCoordinatorOneSlotGate covers "one slot only: try-acquire
// in zero time; otherwise fail with already running".
func TestCoordinatorOneSlotGate(t *testing.T) {
	blockSource := &blockingSource{release: make(chan struct{})}
	coord, _ := newTestCoordinator(t, blockSource)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = coord.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"AAPL"}})
	}()

	require.Eventually(t, func() bool { return blockSource.entered.Load() }, time.Second, time.Millisecond)

	_, err := coord.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"MSFT"}})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(blockSource.release)
	wg.Wait()

	_, err = coord.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"MSFT"}})
	require.NoError(t, err, "slot must be released after the first job completes")
}

type blockingSource struct {
	entered atomic.Bool
	release chan struct{}
}

func (s *blockingSource) GetDailyBars(_ context.Context, _ string, _, _ time.Time) ([]historical.Bar, string, error) {
	s.entered.Store(true)
	<-s.release
	return nil, "", nil
}

func TestLoadStatusMissingFileReturnsFalse(t *testing.T) {
	dataRoot := t.TempDir()
	_, ok, err := LoadStatus(dataRoot)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistAtomicWriteLeavesNoTempFile(t *testing.T) {
	source := &stubDailySource{bars: map[string][]historical.Bar{"AAPL": {{Close: 1}}}}
	coord, dataRoot := newTestCoordinator(t, source)

	_, err := coord.Run(context.Background(), Request{Provider: "yahoo", Symbols: []string{"AAPL"}})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dataRoot, ".mdc"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "backfill_status.json", entries[0].Name())
}
