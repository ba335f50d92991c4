// Package canon implements symbol and venue canonicalization: frozen
// lookup tables loaded from JSON, and the CanonicalizingPublisher
// decorator that stamps raw events with them.
package canon

import (
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// tableFile is the on-disk JSON shape: a version stamp plus a nested
// provider -> raw -> canonical map.
type tableFile struct {
	Version  int                          `json:"version"`
	Mappings map[string]map[string]string `json:"mappings"`
}

// table is the frozen, case-sensitive-first lookup structure published
// atomically once loaded. Keys are upper-cased providers; values are
// raw->canonical maps exactly as loaded (case preserved) with an
// upper-case fallback attempted at lookup time.
type table struct {
	version  int
	byProvider map[string]map[string]string
}

var emptyTable = &table{byProvider: map[string]map[string]string{}}

// Table is a frozen-at-load lookup table, safe for concurrent lookups
// from many goroutines. It is published via atomic.Pointer so a reload
// (if ever triggered) is visible to readers without locking.
type Table struct {
	current atomic.Pointer[table]
}

// NewTable loads path (a JSON file shaped like tableFile). A missing
// file logs a warning and leaves the table empty rather than failing
// construction — canonicalization degrades to pass-through, it does not
// block startup.
func NewTable(path string, logger zerolog.Logger) *Table {
	t := &Table{}
	if path == "" {
		t.current.Store(emptyTable)
		return t
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("canonicalization table missing, starting empty")
		t.current.Store(emptyTable)
		return t
	}

	var parsed tableFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("canonicalization table malformed, starting empty")
		t.current.Store(emptyTable)
		return t
	}

	byProvider := make(map[string]map[string]string, len(parsed.Mappings))
	for provider, mappings := range parsed.Mappings {
		byProvider[strings.ToUpper(provider)] = mappings
	}
	t.current.Store(&table{version: parsed.Version, byProvider: byProvider})
	logger.Info().Str("path", path).Int("version", parsed.Version).Int("providers", len(byProvider)).Msg("canonicalization table loaded")
	return t
}

// Version returns the loaded table's version stamp (0 if never loaded
// or loaded empty).
func (t *Table) Version() int {
	return t.current.Load().version
}

// Lookup resolves raw under provider, retrying the upper-cased form of
// raw if the exact-case lookup misses and raw is not already upper.
// ok is false when no mapping exists at either case.
func (t *Table) Lookup(provider, raw string) (canonical string, ok bool) {
	cur := t.current.Load()
	mappings, found := cur.byProvider[strings.ToUpper(provider)]
	if !found {
		return "", false
	}
	if v, exists := mappings[raw]; exists {
		return v, true
	}
	upper := strings.ToUpper(raw)
	if upper != raw {
		if v, exists := mappings[upper]; exists {
			return v, true
		}
	}
	return "", false
}
