// Package cache persists daily bar series as one Parquet file per ticker
// and answers the calendar-aware freshness question for each entry. A
// process-lifetime in-memory layer sits in front of the durable files and
// is invalidated on every Save; the files remain the source of truth.
package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantdata/internal/calendar"
	"quantdata/internal/domain"
)

// barRecord is the Parquet on-disk schema: one row per trading date.
type barRecord struct {
	Date   int64   `parquet:"date,timestamp(millisecond)"` // midnight UTC
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// Store is the durable per-ticker bar cache.
type Store struct {
	dir string
	log *slog.Logger

	// Now is the clock used for freshness checks; overridable in tests.
	Now func() time.Time

	mu  sync.RWMutex
	mem map[string]domain.BarSeries

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Store{
		dir:   dir,
		log:   slog.Default().With("component", "cache"),
		Now:   time.Now,
		mem:   make(map[string]domain.BarSeries),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// path returns the Parquet file path for a symbol. The key is the
// uppercase symbol; dashes are kept, slashes are not legal in file names
// and become underscores.
func (s *Store) path(symbol string) string {
	name := strings.ReplaceAll(domain.NormalizeSymbol(symbol), "/", "_")
	return filepath.Join(s.dir, name+".parquet")
}

// TickerLock returns the mutex guarding writes for one symbol. Callers
// performing a fetch-then-save cycle hold it for the whole cycle so at
// most one write per ticker is ever in flight.
func (s *Store) TickerLock(symbol string) *sync.Mutex {
	key := domain.NormalizeSymbol(symbol)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if _, ok := s.locks[key]; !ok {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

// Has reports whether a durable entry exists for the symbol.
func (s *Store) Has(symbol string) bool {
	_, err := os.Stat(s.path(symbol))
	return err == nil
}

// Get returns the cached series for a symbol. Absence is not an error; a
// corrupt entry is logged and treated as a miss.
func (s *Store) Get(symbol string) (domain.BarSeries, bool) {
	key := domain.NormalizeSymbol(symbol)

	s.mu.RLock()
	if bars, ok := s.mem[key]; ok {
		s.mu.RUnlock()
		return bars, true
	}
	s.mu.RUnlock()

	records, err := parquet.ReadFile[barRecord](s.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("unreadable cache entry treated as miss", "symbol", key, "err", err)
		}
		return nil, false
	}

	bars := make(domain.BarSeries, 0, len(records))
	for _, r := range records {
		bars = append(bars, domain.Bar{
			Date:   domain.Day(time.UnixMilli(r.Date).UTC()),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	if err := bars.Validate(); err != nil {
		s.log.Warn("corrupt cache entry treated as miss", "symbol", key, "err", err)
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = bars
	s.mu.Unlock()
	return bars, true
}

// LastDate returns the last cached date for a symbol, or the zero time.
func (s *Store) LastDate(symbol string) time.Time {
	bars, ok := s.Get(symbol)
	if !ok {
		return time.Time{}
	}
	return bars.LastDate()
}

// Save atomically persists the full bar sequence for a symbol: the series
// is validated, written to a temp file, and renamed into place, so a
// partially-written entry is never visible. The in-memory layer is
// refreshed in the same call.
func (s *Store) Save(symbol string, bars domain.BarSeries) error {
	key := domain.NormalizeSymbol(symbol)
	if len(bars) == 0 {
		return fmt.Errorf("saving %s: refusing to persist empty series", key)
	}
	if err := bars.Validate(); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}

	records := make([]barRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, barRecord{
			Date:   domain.Day(b.Date).UnixMilli(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}

	final := s.path(key)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	if err := parquet.WriteFile(tmpName, records); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("saving %s: %w", key, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("saving %s: %w", key, err)
	}

	s.mu.Lock()
	s.mem[key] = bars
	s.mu.Unlock()

	s.log.Debug("cached", "symbol", key, "bars", len(bars),
		"lastDate", bars.LastDate().Format("2006-01-02"))
	return nil
}

// IsCurrent reports whether the cached series for a symbol is fresh. For
// equities the last cached date must reach the last expected trading date;
// for crypto it must reach yesterday, since the current day's bar is
// always partial. An absent entry is never current.
func (s *Store) IsCurrent(symbol string) bool {
	last := s.LastDate(symbol)
	if last.IsZero() {
		return false
	}

	now := s.Now()
	switch domain.ClassifySymbol(symbol) {
	case domain.AssetCrypto:
		yesterday := calendar.Day(now).AddDate(0, 0, -1)
		return !last.Before(yesterday)
	default:
		return !last.Before(calendar.LastExpectedTradingDate(now))
	}
}

// Clear removes the entry for one symbol.
func (s *Store) Clear(symbol string) error {
	key := domain.NormalizeSymbol(symbol)

	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every cached entry.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	s.mem = make(map[string]domain.BarSeries)
	s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.parquet"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
	}
	return nil
}

// Symbols lists every symbol with a durable entry, in directory order.
func (s *Store) Symbols() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.parquet"))
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		symbols = append(symbols, strings.TrimSuffix(filepath.Base(m), ".parquet"))
	}
	return symbols, nil
}
