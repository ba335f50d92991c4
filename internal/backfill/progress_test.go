package backfill

import (
	"regexp"
	"testing"
	"time"

	"github.com/marketfeed/core/internal/clock"
	"github.com/stretchr/testify/require"
)

var jobIDPattern = regexp.MustCompile(`^bf_\d{14}_[0-9a-f]{6}$`)

func TestNewJobIDFormat(t *testing.T) {
	id := NewJobID(time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC))
	require.Regexp(t, jobIDPattern, id)
}

func TestProgressTrackerETACalculation(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	tr := NewProgressTracker(fc)

	id := tr.StartJob("yahoo", []string{"AAPL", "MSFT", "GOOG", "TSLA"}, time.Time{}, time.Time{})

	tr.StartSymbol(id, "AAPL")
	fc.Advance(10 * time.Second)
	tr.RecordBars(id, "AAPL", 5)
	tr.CompleteSymbol(id, "AAPL")

	tr.StartSymbol(id, "MSFT")
	fc.Advance(10 * time.Second)
	tr.RecordBars(id, "MSFT", 3)
	tr.CompleteSymbol(id, "MSFT")

	progress, ok := tr.GetProgress(id)
	require.True(t, ok)
	require.Equal(t, 50.0, progress.PercentComplete)
	require.Equal(t, 8, progress.TotalBarsWritten)
	// avg = 20s/2 = 10s; remaining = 10s * (4-2) = 20s
	require.Equal(t, 20*time.Second, progress.EstimatedRemaining)
}

func TestProgressTrackerCompleteJobFailedWhenNoSuccesses(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	tr := NewProgressTracker(fc)
	id := tr.StartJob("yahoo", []string{"AAPL"}, time.Time{}, time.Time{})
	tr.StartSymbol(id, "AAPL")
	tr.FailSymbol(id, "AAPL")
	tr.CompleteJob(id)

	progress, ok := tr.GetProgress(id)
	require.True(t, ok)
	require.Equal(t, JobFailed, progress.Status)
}

func TestProgressTrackerListJobsEvictsStaleCompletedJobs(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	tr := NewProgressTracker(fc)
	id := tr.StartJob("yahoo", []string{"AAPL"}, time.Time{}, time.Time{})
	tr.StartSymbol(id, "AAPL")
	tr.CompleteSymbol(id, "AAPL")
	tr.CompleteJob(id)

	require.Len(t, tr.ListJobs(), 1)

	fc.Advance(90 * time.Minute)
	require.Len(t, tr.ListJobs(), 0)
}
