package backfill

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketfeed/core/internal/clock"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// JobStatus is a BackfillJobProgress's lifecycle state.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobRunning:
		return "Running"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// symbolProgress tracks one symbol's slice of a job.
type symbolProgress struct {
	started     time.Time
	completed   bool
	failed      bool
	barsWritten int
}

// HostSnapshot is a point-in-time host resource reading attached to a
// JobProgress, giving an operator CPU/memory pressure alongside
// "how much longer".
type HostSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
}

// JobProgress is a point-in-time snapshot of one backfill job.
type JobProgress struct {
	JobID              string
	Provider           string
	Symbols            []string
	From, To           time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
	Status             JobStatus
	CompletedSymbols   []string
	FailedSymbols      []string
	TotalBarsWritten   int
	CurrentSymbol      string
	ElapsedSeconds     float64
	PercentComplete    float64
	EstimatedRemaining time.Duration
	Host               HostSnapshot
}

// hostSnapshot samples host CPU/memory via gopsutil. Errors yield a
// zero-value snapshot; a backfill job's progress report should never
// fail because the host sampler hiccuped.
func hostSnapshot(ctx context.Context) HostSnapshot {
	var snap HostSnapshot
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}
	return snap
}

// job is the tracker's mutable internal record for one job.
type job struct {
	mu               sync.Mutex
	id               string
	provider         string
	symbols          []string
	from, to         time.Time
	startedAt        time.Time
	completedAt      time.Time
	status           JobStatus
	currentSymbol    string
	completedSymbols []string
	failedSymbols    []string
	totalBars        int
	perSymbol        map[string]*symbolProgress
}

// ProgressTracker records per-job, per-symbol backfill progress entirely
// in-process; see DESIGN.md for why persistence is scoped to the
// running process rather than a durable store.
type ProgressTracker struct {
	clock clock.Clock

	mu   sync.Mutex
	jobs map[string]*job
}

func NewProgressTracker(c clock.Clock) *ProgressTracker {
	if c == nil {
		c = clock.Real()
	}
	return &ProgressTracker{clock: c, jobs: make(map[string]*job)}
}

// NewJobID generates a job id of the form bf_<YYYYMMDDHHMMSS>_<6hex>,
// UTC. The 6 lowercase hex digits are taken from a fresh google/uuid.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("bf_%s_%s", now.UTC().Format("20060102150405"), suffix)
}

// StartJob registers a new job in the Pending->Running state and returns
// its generated id.
func (t *ProgressTracker) StartJob(provider string, symbols []string, from, to time.Time) string {
	now := t.clock.Now()
	id := NewJobID(now)
	j := &job{
		id: id, provider: provider, symbols: symbols, from: from, to: to,
		startedAt: now, status: JobRunning,
		perSymbol: make(map[string]*symbolProgress),
	}
	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()
	return id
}

func (t *ProgressTracker) getJob(jobID string) *job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs[jobID]
}

// StartSymbol marks a symbol as the job's current in-flight symbol.
func (t *ProgressTracker) StartSymbol(jobID, symbol string) {
	j := t.getJob(jobID)
	if j == nil {
		return
	}
	now := t.clock.Now()
	j.mu.Lock()
	j.currentSymbol = symbol
	j.perSymbol[symbol] = &symbolProgress{started: now}
	j.mu.Unlock()
}

// RecordBars accumulates bar counts for a symbol still in flight.
func (t *ProgressTracker) RecordBars(jobID, symbol string, n int) {
	j := t.getJob(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if sp, ok := j.perSymbol[symbol]; ok {
		sp.barsWritten += n
	}
	j.totalBars += n
	j.mu.Unlock()
}

// CompleteSymbol marks a symbol done and advances the job's completed set.
func (t *ProgressTracker) CompleteSymbol(jobID, symbol string) {
	j := t.getJob(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if sp, ok := j.perSymbol[symbol]; ok {
		sp.completed = true
	}
	j.completedSymbols = append(j.completedSymbols, symbol)
	if j.currentSymbol == symbol {
		j.currentSymbol = ""
	}
	j.mu.Unlock()
}

// FailSymbol marks a symbol failed.
func (t *ProgressTracker) FailSymbol(jobID, symbol string) {
	j := t.getJob(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if sp, ok := j.perSymbol[symbol]; ok {
		sp.failed = true
	}
	j.failedSymbols = append(j.failedSymbols, symbol)
	if j.currentSymbol == symbol {
		j.currentSymbol = ""
	}
	j.mu.Unlock()
}

// CompleteJob marks the job terminal: Failed if it produced zero
// successful symbols and at least one failure, Completed otherwise.
func (t *ProgressTracker) CompleteJob(jobID string) {
	j := t.getJob(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.completedAt = t.clock.Now()
	if len(j.failedSymbols) > 0 && len(j.completedSymbols) == 0 {
		j.status = JobFailed
	} else {
		j.status = JobCompleted
	}
	j.mu.Unlock()
}

// GetProgress returns a snapshot of one job with elapsed/percent/ETA
// computed as: avgTimePerSymbol = elapsed / completed;
// estimatedRemaining = avg * (total - completed).
func (t *ProgressTracker) GetProgress(jobID string) (JobProgress, bool) {
	j := t.getJob(jobID)
	if j == nil {
		return JobProgress{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	now := t.clock.Now()
	end := j.completedAt
	if end.IsZero() {
		end = now
	}
	elapsed := end.Sub(j.startedAt)
	completed := len(j.completedSymbols)
	total := len(j.symbols)

	var percent float64
	if total > 0 {
		percent = 100 * float64(completed) / float64(total)
	}

	var eta time.Duration
	if completed > 0 && completed < total {
		avg := elapsed / time.Duration(completed)
		eta = avg * time.Duration(total-completed)
	}

	return JobProgress{
		JobID: j.id, Provider: j.provider, Symbols: append([]string(nil), j.symbols...),
		From: j.from, To: j.to, StartedAt: j.startedAt, CompletedAt: j.completedAt,
		Status: j.status, CompletedSymbols: append([]string(nil), j.completedSymbols...),
		FailedSymbols: append([]string(nil), j.failedSymbols...), TotalBarsWritten: j.totalBars,
		CurrentSymbol: j.currentSymbol, ElapsedSeconds: elapsed.Seconds(),
		PercentComplete: percent, EstimatedRemaining: eta,
		Host: hostSnapshot(context.Background()),
	}, true
}

// ListJobs returns every tracked job, evicting completed jobs older
// than an hour first.
func (t *ProgressTracker) ListJobs() []JobProgress {
	now := t.clock.Now()
	t.mu.Lock()
	for id, j := range t.jobs {
		j.mu.Lock()
		stale := !j.completedAt.IsZero() && now.Sub(j.completedAt) > time.Hour
		j.mu.Unlock()
		if stale {
			delete(t.jobs, id)
		}
	}
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	out := make([]JobProgress, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.GetProgress(id); ok {
			out = append(out, p)
		}
	}
	return out
}
