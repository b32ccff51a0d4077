// Package fetch orchestrates price-history acquisition: it classifies each
// requested ticker against the cache and backfill ledger, executes the
// minimal set of provider calls, and merges results back into durable
// state. The single-ticker path is a small state machine; the batch path
// partitions tickers into groups serviced by batched and bounded-parallel
// calls.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quantdata/internal/backfill"
	"quantdata/internal/cache"
	"quantdata/internal/domain"
	"quantdata/internal/meta"
	"quantdata/internal/source"
)

// SourcePolicy selects the provider for incremental top-ups of an
// already-backfilled ticker.
type SourcePolicy int

const (
	// PolicyAuto uses the secondary provider for incremental gaps,
	// reserving the primary for backfills. This is the normal division of
	// labor: cheap windowed top-ups once full history is owned.
	PolicyAuto SourcePolicy = iota

	// PolicyPrimaryOnly keeps every call on the primary provider.
	PolicyPrimaryOnly
)

// ServiceConfig wires the orchestrator's collaborators.
type ServiceConfig struct {
	Primary   source.Source
	Secondary source.Source
	Store     *cache.Store
	Ledger    *backfill.Ledger

	// Meta receives best-effort ticker metadata after fresh fetches.
	// Optional; nil disables metadata caching.
	Meta *meta.Store

	// HistoryStart is the beginning of the full historical window a
	// backfilled ticker must cover.
	HistoryStart time.Time

	// BatchConcurrency caps parallel secondary calls during batch
	// incremental updates. Defaults to the secondary's calls/minute quota.
	BatchConcurrency int
}

// Service is the fetch orchestrator and the consumer-facing API surface.
type Service struct {
	primary   source.Source
	secondary source.Source
	store     *cache.Store
	ledger    *backfill.Ledger
	meta      *meta.Store
	log       *slog.Logger

	historyStart time.Time
	batchConc    int

	// Now is the clock for gap calculations; overridable in tests.
	Now func() time.Time
}

// metadataFetcher is the optional provider surface for reference data.
type metadataFetcher interface {
	FetchMetadata(ctx context.Context, symbols []string) ([]source.Metadata, error)
}

// NewService creates the orchestrator.
func NewService(cfg ServiceConfig) *Service {
	conc := cfg.BatchConcurrency
	if conc <= 0 {
		if caps := cfg.Secondary.Capabilities(); caps.WindowYears > 0 {
			conc = 5
		} else {
			conc = 8
		}
	}
	return &Service{
		primary:      cfg.Primary,
		secondary:    cfg.Secondary,
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		meta:         cfg.Meta,
		log:          slog.Default().With("component", "fetch"),
		historyStart: cfg.HistoryStart,
		batchConc:    conc,
		Now:          time.Now,
	}
}

// FetchSingle returns the daily series for one ticker, fetching only what
// the cache is missing. Terminal on the first successful step:
//
//  1. cache current: return it, zero network calls
//  2. no cache: full primary fetch, secondary window fallback
//  3. stale, not backfilled: primary backfill merge
//  4. stale, backfilled: incremental gap fetch per the source policy
//
// A failure at any step propagates as a typed error without mutating
// cache state.
func (s *Service) FetchSingle(ctx context.Context, symbol string, policy SourcePolicy) (domain.BarSeries, error) {
	sym := domain.NormalizeSymbol(symbol)

	lock := s.store.TickerLock(sym)
	lock.Lock()
	defer lock.Unlock()

	if s.store.IsCurrent(sym) {
		if bars, ok := s.store.Get(sym); ok {
			s.log.Debug("cache hit", "symbol", sym, "bars", len(bars))
			return bars, nil
		}
	}

	existing, hasCache := s.store.Get(sym)
	if !hasCache {
		return s.freshFetch(ctx, sym)
	}
	if !s.ledger.IsBackfilled(sym) {
		return s.backfillFetch(ctx, sym, existing)
	}
	return s.incrementalFetch(ctx, sym, existing, policy)
}

// freshFetch services a ticker with no cache entry: full history from the
// primary, or the secondary's capped window when the primary is down. Only
// primary full-history data may mark the ticker backfilled.
func (s *Service) freshFetch(ctx context.Context, sym string) (domain.BarSeries, error) {
	bars, err := s.primary.FetchFullHistory(ctx, sym)
	if err == nil {
		if err := s.store.Save(sym, bars); err != nil {
			return nil, err
		}
		if s.primary.Capabilities().FullHistory && s.coversWindow(bars) {
			if err := s.ledger.MarkBackfilled(sym); err != nil {
				return nil, err
			}
		}
		s.cacheMetadata(ctx, []string{sym})
		s.log.Info("fresh fetch", "symbol", sym, "provider", s.primary.Name(), "bars", len(bars))
		return bars, nil
	}
	if errors.Is(err, domain.ErrInvalidSymbol) {
		return nil, err
	}

	s.log.Warn("primary fresh fetch failed, falling back", "symbol", sym, "err", err)
	bars, ferr := s.secondary.FetchFullHistory(ctx, sym)
	if ferr != nil {
		return nil, fmt.Errorf("primary failed (%v); secondary: %w", err, ferr)
	}
	if err := s.store.Save(sym, bars); err != nil {
		return nil, err
	}
	s.log.Info("fresh fetch via fallback", "symbol", sym, "provider", s.secondary.Name(), "bars", len(bars))
	return bars, nil
}

// backfillFetch services a stale ticker whose full history was never
// obtained: one primary full-history call covers both the pre-window
// portion and the staleness gap in a single merge.
func (s *Service) backfillFetch(ctx context.Context, sym string, existing domain.BarSeries) (domain.BarSeries, error) {
	full, err := s.primary.FetchFullHistory(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("backfilling %s: %w", sym, err)
	}

	merged := domain.MergeBars(existing, full)
	if err := s.store.Save(sym, merged); err != nil {
		return nil, err
	}
	if s.primary.Capabilities().FullHistory && s.coversWindow(merged) {
		if err := s.ledger.MarkBackfilled(sym); err != nil {
			return nil, err
		}
	}
	s.log.Info("backfilled", "symbol", sym, "bars", len(merged))
	return merged, nil
}

// incrementalFetch tops up a backfilled ticker with exactly the missing
// date range. PolicyAuto uses the secondary; a WindowExceeded response
// falls back to the primary rather than retrying the secondary.
func (s *Service) incrementalFetch(ctx context.Context, sym string, existing domain.BarSeries, policy SourcePolicy) (domain.BarSeries, error) {
	gapStart := existing.LastDate().AddDate(0, 0, 1)
	gapEnd := domain.Day(s.Now())
	if gapStart.After(gapEnd) {
		return existing, nil
	}

	src := s.secondary
	if policy == PolicyPrimaryOnly {
		src = s.primary
	}

	fresh, err := src.FetchRange(ctx, sym, gapStart, gapEnd)
	if err != nil && errors.Is(err, domain.ErrWindowExceeded) && src != s.primary {
		s.log.Warn("gap precedes secondary window, using primary", "symbol", sym)
		fresh, err = s.primary.FetchRange(ctx, sym, gapStart, gapEnd)
	}
	if err != nil {
		// An empty range is not a failure: the gap may hold only
		// non-trading days.
		if errors.Is(err, domain.ErrEmptyResult) {
			return existing, nil
		}
		return nil, fmt.Errorf("updating %s: %w", sym, err)
	}

	merged := domain.MergeBars(existing, fresh)
	if err := s.store.Save(sym, merged); err != nil {
		return nil, err
	}
	s.log.Info("incremental update", "symbol", sym, "provider", src.Name(),
		"new", len(fresh), "total", len(merged))
	return merged, nil
}

// coversWindow reports whether the series reaches back to the configured
// start of the full historical window. A zero HistoryStart accepts any
// primary full-history result.
func (s *Service) coversWindow(bars domain.BarSeries) bool {
	if s.historyStart.IsZero() {
		return len(bars) > 0
	}
	first := bars.FirstDate()
	return !first.IsZero() && !first.After(domain.Day(s.historyStart))
}

// cacheMetadata stores provider reference data for the symbols.
// Best-effort: failures are logged, never propagated.
func (s *Service) cacheMetadata(ctx context.Context, symbols []string) {
	if s.meta == nil {
		return
	}
	mf, ok := s.primary.(metadataFetcher)
	if !ok {
		return
	}
	metas, err := mf.FetchMetadata(ctx, symbols)
	if err != nil {
		s.log.Warn("metadata fetch failed", "err", err)
		return
	}
	for _, m := range metas {
		if err := s.meta.Put(ctx, meta.Record{
			Symbol:    m.Symbol,
			Name:      m.Name,
			Sector:    m.Sector,
			Industry:  m.Industry,
			QuoteType: m.QuoteType,
			Currency:  m.Currency,
		}); err != nil {
			s.log.Warn("metadata store failed", "symbol", m.Symbol, "err", err)
		}
	}
}

// IsCacheCurrent reports whether the ticker's cache satisfies the
// calendar-aware freshness predicate for its asset class.
func (s *Service) IsCacheCurrent(symbol string) bool {
	return s.store.IsCurrent(symbol)
}

// ClearCache removes the cache entry and backfill record for one symbol.
func (s *Service) ClearCache(symbol string) error {
	if err := s.store.Clear(symbol); err != nil {
		return err
	}
	return s.ledger.Clear(symbol)
}

// ClearAllCache removes every cache entry and backfill record.
func (s *Service) ClearAllCache() error {
	if err := s.store.ClearAll(); err != nil {
		return err
	}
	return s.ledger.ClearAll()
}
