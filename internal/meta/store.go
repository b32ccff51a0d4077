// Package meta is the persistent ticker-metadata cache: reference data
// (name, sector, quote type, currency) from the primary provider's quote
// surface, stored in SQLite with a time-based expiry. Everything here is
// best-effort; the price-fetch path never depends on it.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quantdata/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// DefaultTTL is how long a metadata record stays fresh.
const DefaultTTL = 7 * 24 * time.Hour

// Record is one ticker's cached reference data.
type Record struct {
	Symbol    string
	Name      string
	Sector    string
	Industry  string
	QuoteType string
	Currency  string
	FetchedAt time.Time
}

// Store is the SQLite-backed metadata cache.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// Now is the clock for expiry checks; overridable in tests.
	Now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS ticker_metadata (
	symbol     TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	sector     TEXT NOT NULL DEFAULT '',
	industry   TEXT NOT NULL DEFAULT '',
	quote_type TEXT NOT NULL DEFAULT '',
	currency   TEXT NOT NULL DEFAULT '',
	fetched_at INTEGER NOT NULL
);`

// NewStore opens (or creates) the metadata database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metadata schema: %w", err)
	}
	return &Store{db: db, ttl: DefaultTTL, Now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the fresh metadata record for a symbol. An absent or
// expired record returns ok=false, not an error.
func (s *Store) Get(ctx context.Context, symbol string) (Record, bool, error) {
	sym := domain.NormalizeSymbol(symbol)

	var r Record
	var fetchedAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, name, sector, industry, quote_type, currency, fetched_at
		FROM ticker_metadata WHERE symbol = ?`, sym)
	err := row.Scan(&r.Symbol, &r.Name, &r.Sector, &r.Industry, &r.QuoteType, &r.Currency, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading metadata for %s: %w", sym, err)
	}

	r.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	if s.Now().Sub(r.FetchedAt) > s.ttl {
		return Record{}, false, nil
	}
	return r, true, nil
}

// Put inserts or replaces the record for a symbol, stamping it with the
// current time.
func (s *Store) Put(ctx context.Context, r Record) error {
	sym := domain.NormalizeSymbol(r.Symbol)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ticker_metadata
			(symbol, name, sector, industry, quote_type, currency, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sym, r.Name, r.Sector, r.Industry, r.QuoteType, r.Currency, s.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing metadata for %s: %w", sym, err)
	}
	return nil
}

// Prune deletes records fetched before the cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ticker_metadata WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning metadata: %w", err)
	}
	return res.RowsAffected()
}
