// Package backfill tracks which tickers have had their full historical
// range fetched from the primary source. The ledger is a JSON record
// store on disk, schema-versioned: version 1 was a plain symbol→bool map,
// version 2 records {backfilled, timestamp} per symbol. Version 1 files
// are read-compatible and upgraded in place on the next write.
package backfill

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"quantdata/internal/domain"
)

const schemaVersion = 2

// Status is one ledger record.
type Status struct {
	Backfilled bool      `json:"backfilled"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ledger is the durable backfill record store.
type Ledger struct {
	path string
	log  *slog.Logger

	// Now supplies migration and mark timestamps; overridable in tests.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]Status // nil until first load
	dirty   bool              // loaded file needs a schema upgrade
}

// NewLedger creates a Ledger persisted at path. The file is loaded lazily
// on first access.
func NewLedger(path string) *Ledger {
	return &Ledger{
		path: path,
		log:  slog.Default().With("component", "backfill"),
		Now:  time.Now,
	}
}

// fileSchema is the on-disk JSON shape: a reserved schema_version key
// next to per-symbol records.
type fileSchema map[string]json.RawMessage

// load reads and, if needed, migrates the ledger file into memory.
// Callers hold l.mu.
func (l *Ledger) load() map[string]Status {
	if l.entries != nil {
		return l.entries
	}
	l.entries = make(map[string]Status)

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("unreadable ledger treated as empty", "path", l.path, "err", err)
		}
		return l.entries
	}

	var raw fileSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		l.log.Warn("corrupt ledger treated as empty", "path", l.path, "err", err)
		return l.entries
	}

	version := 1
	if v, ok := raw["schema_version"]; ok {
		json.Unmarshal(v, &version)
	}

	for symbol, msg := range raw {
		if symbol == "schema_version" {
			continue
		}
		var st Status
		if err := json.Unmarshal(msg, &st); err == nil && !st.Timestamp.IsZero() {
			l.entries[symbol] = st
			continue
		}
		// Version 1 record: a bare boolean. The original fetch time is
		// unknown, so the record carries the upgrade time.
		var flag bool
		if err := json.Unmarshal(msg, &flag); err != nil {
			l.log.Warn("skipping unreadable ledger record", "symbol", symbol)
			continue
		}
		l.entries[symbol] = Status{Backfilled: flag, Timestamp: l.Now()}
		l.dirty = true
	}

	if version < schemaVersion {
		l.dirty = true
	}
	return l.entries
}

// save writes the current entries as a version-2 file, atomically.
// Callers hold l.mu.
func (l *Ledger) save() error {
	out := make(map[string]any, len(l.entries)+1)
	out["schema_version"] = schemaVersion
	for symbol, st := range l.entries {
		out[symbol] = st
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing ledger: %w", err)
	}
	l.dirty = false
	return nil
}

// IsBackfilled reports whether the symbol has full primary-source history.
// Absence of a record means false.
func (l *Ledger) IsBackfilled(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()[normalize(symbol)].Backfilled
}

// MarkBackfilled records that the symbol's full history has been obtained
// from the primary source. Idempotent; each call refreshes the timestamp.
func (l *Ledger) MarkBackfilled(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.load()
	entries[normalize(symbol)] = Status{Backfilled: true, Timestamp: l.Now()}
	return l.save()
}

// ListBackfilled returns the sorted set of backfilled symbols.
func (l *Ledger) ListBackfilled() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var symbols []string
	for symbol, st := range l.load() {
		if st.Backfilled {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Clear removes the record for one symbol.
func (l *Ledger) Clear(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.load()
	delete(entries, normalize(symbol))
	return l.save()
}

// ClearAll removes every record.
func (l *Ledger) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.load()
	l.entries = make(map[string]Status)
	return l.save()
}

// Flush persists a pending schema upgrade, if any. Writers call save
// anyway; this exists for read-only sessions that still want the
// in-place upgrade behavior.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.load()
	if !l.dirty {
		return nil
	}
	return l.save()
}

// normalize matches the cache store's uppercase symbol keys.
func normalize(symbol string) string {
	return domain.NormalizeSymbol(symbol)
}
