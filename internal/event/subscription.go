// Subscription bookkeeping: process-unique allocation and thread-safe
// (symbol, kind) set membership via a per-kind copy-on-write snapshot
// index, since membership here is about de-duplicated provider
// subscriptions, not fan-out targets.
package event

import (
	"sync"
	"sync/atomic"
)

// SubscriptionKind enumerates the feeds a provider can be asked for.
type SubscriptionKind int

const (
	KindTrades SubscriptionKind = iota
	KindDepth
	KindQuotes
)

func (k SubscriptionKind) String() string {
	switch k {
	case KindTrades:
		return "trades"
	case KindDepth:
		return "depth"
	case KindQuotes:
		return "quotes"
	default:
		return "unknown"
	}
}

// Subscription is one (symbol, kind) registration.
type Subscription struct {
	ID        int64
	Symbol    string
	Kind      SubscriptionKind
	CreatedAt int64 // unix nanos, set by the registry at allocation time
}

// SubscriptionRegistry exclusively owns the (symbol, kind) -> id mapping
// for one provider. IDs are allocated monotonically starting from a
// per-provider base (e.g. 100000).
//
// SymbolsByKind is the hot path: StreamingProviderBase calls it on every
// subscription update, including the resend after a reconnect, to
// rebuild the wire subscription message. Its membership is
// published per kind as an immutable []string snapshot behind an
// atomic.Value, the same copy-on-write-on-mutation,
// lock-free-on-read shape as the teacher's SubscriptionIndex.Get
// (internal/shared/connection.go): Add/Remove take the write lock,
// build a new slice, and atomically swap the snapshot; SymbolsByKind
// takes only a read lock to find the per-kind *atomic.Value (never
// created/removed without the write lock, so a short RLock suffices),
// then loads the snapshot lock-free. The write lock still guards byID
// and the id-set bookkeeping needed to know when a symbol's last
// subscription of a kind has gone away.
type SubscriptionRegistry struct {
	mu        sync.RWMutex
	nextID    int64
	byID      map[int64]Subscription
	idsByKind map[SubscriptionKind]map[string]map[int64]struct{} // kind -> symbol -> set of ids
	snapshots map[SubscriptionKind]*atomic.Value                 // kind -> atomic []string snapshot
	nowFunc   func() int64
}

// NewSubscriptionRegistry creates a registry whose IDs start at base.
func NewSubscriptionRegistry(base int64) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		nextID:    base,
		byID:      make(map[int64]Subscription),
		idsByKind: make(map[SubscriptionKind]map[string]map[int64]struct{}),
		snapshots: make(map[SubscriptionKind]*atomic.Value),
	}
}

// snapshotFor returns (creating if necessary) the atomic.Value publishing
// kind's symbol snapshot. Callers must hold r.mu.
func (r *SubscriptionRegistry) snapshotFor(kind SubscriptionKind) *atomic.Value {
	v := r.snapshots[kind]
	if v == nil {
		v = &atomic.Value{}
		v.Store([]string{})
		r.snapshots[kind] = v
	}
	return v
}

// publishSnapshot rebuilds and atomically swaps kind's symbol snapshot
// from the current id-set bookkeeping. Callers must hold r.mu.
func (r *SubscriptionRegistry) publishSnapshot(kind SubscriptionKind) {
	bySymbol := r.idsByKind[kind]
	out := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		out = append(out, symbol)
	}
	r.snapshotFor(kind).Store(out)
}

// Add allocates a new subscription id for (symbol, kind) and returns it.
// A symbol may appear under multiple kinds simultaneously; repeated Add
// calls for the same (symbol, kind) each get a distinct id, matching
// "removing a subscription removes the symbol only when no other
// subscription of that kind references it".
func (r *SubscriptionRegistry) Add(symbol string, kind SubscriptionKind, createdAtNanos int64) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	sub := Subscription{ID: id, Symbol: symbol, Kind: kind, CreatedAt: createdAtNanos}
	r.byID[id] = sub

	bySymbol := r.idsByKind[kind]
	if bySymbol == nil {
		bySymbol = make(map[string]map[int64]struct{})
		r.idsByKind[kind] = bySymbol
	}
	ids := bySymbol[symbol]
	wasNew := ids == nil
	if wasNew {
		ids = make(map[int64]struct{})
		bySymbol[symbol] = ids
	}
	ids[id] = struct{}{}

	if wasNew {
		r.publishSnapshot(kind)
	}

	return sub
}

// Remove drops a subscription by id. Returns false if the id is unknown
// (already removed). Prunes the symbol from its kind's set once no
// other subscription of that kind references it, and prunes the kind
// entry entirely once its symbol set is empty.
func (r *SubscriptionRegistry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	bySymbol := r.idsByKind[sub.Kind]
	if bySymbol == nil {
		return true
	}
	ids := bySymbol[sub.Symbol]
	if ids == nil {
		return true
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(bySymbol, sub.Symbol)
		if len(bySymbol) == 0 {
			delete(r.idsByKind, sub.Kind)
		}
		r.publishSnapshot(sub.Kind)
	}
	return true
}

// Get returns the subscription for id, if it still exists.
func (r *SubscriptionRegistry) Get(id int64) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// SymbolsByKind returns the exact set of symbols with at least one live
// subscription of kind. Fast path: an RLock only to find kind's
// *atomic.Value (the map entry is never mutated after creation), then a
// lock-free atomic load of the immutable snapshot itself — the same
// two-step shape as the teacher's SubscriptionIndex.Get.
func (r *SubscriptionRegistry) SymbolsByKind(kind SubscriptionKind) []string {
	r.mu.RLock()
	v := r.snapshots[kind]
	r.mu.RUnlock()

	if v == nil {
		return []string{}
	}
	return v.Load().([]string)
}

// Count returns the number of live subscriptions across all kinds.
func (r *SubscriptionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
