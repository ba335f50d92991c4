// Package pipeline implements EventPipeline, the bounded-channel,
// single-consumer, batched-write core, plus the StorageSink and
// audit-trail collaborator interfaces it depends on.
package pipeline

import (
	"context"
	"sync"

	"github.com/marketfeed/core/internal/event"
)

// StorageSink is the durable append-only log the pipeline writes to.
// It is a pure collaborator: batching, file rotation, compression, and
// partition layout are the sink's own concern. The pipeline treats it
// as opaque.
type StorageSink interface {
	Append(ctx context.Context, evt event.MarketEvent) error
	Flush(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// AuditEntry records one dropped publish for the backpressure audit
// trail.
type AuditEntry struct {
	Event  event.MarketEvent
	Reason string
}

// AuditTrail is fire-and-forget: the pipeline never waits on a Record
// call.
type AuditTrail interface {
	Record(entry AuditEntry)
	Dispose(ctx context.Context) error
}

// MemorySink is a StorageSink used by tests and as a reference
// implementation; it retains every appended event plus a flush count.
type MemorySink struct {
	mu         sync.Mutex
	Events     []event.MarketEvent
	FlushCount int
	Disposed   bool
	AppendErr  error // injected failure, for Fatal-path tests
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, evt event.MarketEvent) error {
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, evt)
	return nil
}

func (s *MemorySink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCount++
	return nil
}

func (s *MemorySink) Dispose(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disposed = true
	return nil
}

// Snapshot returns a copy of the events appended so far.
func (s *MemorySink) Snapshot() []event.MarketEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.MarketEvent, len(s.Events))
	copy(out, s.Events)
	return out
}

// MemoryAuditTrail is an in-memory AuditTrail used by tests.
type MemoryAuditTrail struct {
	mu      sync.Mutex
	Entries []AuditEntry
}

func NewMemoryAuditTrail() *MemoryAuditTrail { return &MemoryAuditTrail{} }

func (a *MemoryAuditTrail) Record(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Entries = append(a.Entries, entry)
}

func (a *MemoryAuditTrail) Dispose(_ context.Context) error { return nil }

func (a *MemoryAuditTrail) Snapshot() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.Entries))
	copy(out, a.Entries)
	return out
}
