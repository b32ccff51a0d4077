package fetch

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"quantdata/internal/domain"
)

// Phase names reported through the batch progress callback.
const (
	PhaseCache       = "cache"
	PhaseBackfill    = "backfill"
	PhaseIncremental = "incremental"
)

// Progress is one batch progress report: emitted at each phase transition
// (empty Ticker) and after each ticker completes. It carries no
// control-flow effect.
type Progress struct {
	Completed int
	Total     int
	Ticker    string
	Phase     string
}

// ProgressFunc receives batch progress reports. May be nil.
type ProgressFunc func(Progress)

// batchPlan is the zero-network-call partition of a ticker list. Every
// input ticker lands in exactly one group.
type batchPlan struct {
	cached      []string // cache current: read-only
	backfill    []string // never backfilled (or no cache): batched primary
	incremental []string // backfilled but stale: parallel secondary top-ups
}

// classify partitions the normalized, de-duplicated ticker list.
func (s *Service) classify(symbols []string) batchPlan {
	var plan batchPlan
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		sym := domain.NormalizeSymbol(symbol)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true

		switch {
		case s.store.IsCurrent(sym):
			plan.cached = append(plan.cached, sym)
		case !s.ledger.IsBackfilled(sym):
			plan.backfill = append(plan.backfill, sym)
		default:
			plan.incremental = append(plan.incremental, sym)
		}
	}
	return plan
}

// batchState accumulates results across phases under one mutex.
type batchState struct {
	mu        sync.Mutex
	results   map[string]domain.BarSeries
	failed    []string
	completed int
	total     int
	report    ProgressFunc
}

func (st *batchState) succeed(sym, phase string, bars domain.BarSeries) {
	st.mu.Lock()
	st.results[sym] = bars
	st.completed++
	p := Progress{Completed: st.completed, Total: st.total, Ticker: sym, Phase: phase}
	st.mu.Unlock()
	st.emit(p)
}

func (st *batchState) fail(sym, phase string) {
	st.mu.Lock()
	st.failed = append(st.failed, sym)
	st.completed++
	p := Progress{Completed: st.completed, Total: st.total, Ticker: sym, Phase: phase}
	st.mu.Unlock()
	st.emit(p)
}

func (st *batchState) transition(phase string) {
	st.mu.Lock()
	p := Progress{Completed: st.completed, Total: st.total, Phase: phase}
	st.mu.Unlock()
	st.emit(p)
}

func (st *batchState) emit(p Progress) {
	if st.report != nil {
		st.report(p)
	}
}

// FetchBatch services many tickers with the minimal set of network
// operations: current entries are read straight from the cache, tickers
// needing full history share one batched primary call, and stale
// backfilled tickers are topped up by bounded-parallel secondary calls.
// The returned map holds every ticker that succeeded; the slice lists
// those that failed outright. One ticker's failure never aborts the rest.
func (s *Service) FetchBatch(ctx context.Context, symbols []string, progress ProgressFunc) (map[string]domain.BarSeries, []string, error) {
	plan := s.classify(symbols)
	st := &batchState{
		results: make(map[string]domain.BarSeries, len(symbols)),
		total:   len(plan.cached) + len(plan.backfill) + len(plan.incremental),
		report:  progress,
	}
	s.log.Info("batch classified",
		"cached", len(plan.cached), "backfill", len(plan.backfill), "incremental", len(plan.incremental))

	s.runCachePhase(plan.cached, st)
	if err := s.runBackfillPhase(ctx, plan.backfill, st); err != nil {
		return st.results, sortedFailed(st), err
	}
	if err := s.runIncrementalPhase(ctx, plan.incremental, st); err != nil {
		return st.results, sortedFailed(st), err
	}
	return st.results, sortedFailed(st), nil
}

func (s *Service) runCachePhase(symbols []string, st *batchState) {
	if len(symbols) == 0 {
		return
	}
	st.transition(PhaseCache)
	for _, sym := range symbols {
		if bars, ok := s.store.Get(sym); ok {
			st.succeed(sym, PhaseCache, bars)
		} else {
			st.fail(sym, PhaseCache)
		}
	}
}

// runBackfillPhase services the needs-full-history group: one batched
// primary call, then per-ticker secondary fallback for the primary's
// casualties (window-capped, so never marked backfilled).
func (s *Service) runBackfillPhase(ctx context.Context, symbols []string, st *batchState) error {
	if len(symbols) == 0 {
		return nil
	}
	st.transition(PhaseBackfill)

	primaryResults, primaryFailed, err := s.primary.FetchBatchHistory(ctx, symbols)
	if err != nil {
		// A wholesale batched failure demotes every symbol to fallback.
		s.log.Warn("batched primary fetch failed", "err", err)
		primaryFailed = symbols
	}

	var succeeded []string
	for _, sym := range symbols {
		bars, ok := primaryResults[sym]
		if !ok {
			continue
		}
		if err := s.persistBackfilled(sym, bars, true); err != nil {
			s.log.Warn("persist failed", "symbol", sym, "err", err)
			st.fail(sym, PhaseBackfill)
			continue
		}
		succeeded = append(succeeded, sym)
		st.succeed(sym, PhaseBackfill, bars)
	}
	s.cacheMetadata(ctx, succeeded)

	// Fallback fan-out shares the incremental phase's concurrency cap.
	return s.forEachBounded(ctx, primaryFailed, func(ctx context.Context, sym string) {
		bars, err := s.secondary.FetchFullHistory(ctx, sym)
		if err != nil {
			s.log.Warn("fallback fetch failed", "symbol", sym, "err", err)
			st.fail(sym, PhaseBackfill)
			return
		}
		if err := s.persistBackfilled(sym, bars, false); err != nil {
			s.log.Warn("persist failed", "symbol", sym, "err", err)
			st.fail(sym, PhaseBackfill)
			return
		}
		st.succeed(sym, PhaseBackfill, bars)
	})
}

// persistBackfilled saves a full-history result under the ticker's write
// lock and, for primary-sourced data covering the window, records the
// backfill.
func (s *Service) persistBackfilled(sym string, bars domain.BarSeries, fromPrimary bool) error {
	lock := s.store.TickerLock(sym)
	lock.Lock()
	defer lock.Unlock()

	merged := bars
	if existing, ok := s.store.Get(sym); ok {
		merged = domain.MergeBars(existing, bars)
	}
	if err := s.store.Save(sym, merged); err != nil {
		return err
	}
	if fromPrimary && s.primary.Capabilities().FullHistory && s.coversWindow(merged) {
		return s.ledger.MarkBackfilled(sym)
	}
	return nil
}

// runIncrementalPhase tops up stale backfilled tickers with bounded
// parallelism so the secondary's quota cannot be exceeded even under
// caller misuse.
func (s *Service) runIncrementalPhase(ctx context.Context, symbols []string, st *batchState) error {
	if len(symbols) == 0 {
		return nil
	}
	st.transition(PhaseIncremental)

	return s.forEachBounded(ctx, symbols, func(ctx context.Context, sym string) {
		lock := s.store.TickerLock(sym)
		lock.Lock()
		defer lock.Unlock()

		existing, ok := s.store.Get(sym)
		if !ok {
			st.fail(sym, PhaseIncremental)
			return
		}
		merged, err := s.incrementalFetch(ctx, sym, existing, PolicyAuto)
		if err != nil {
			s.log.Warn("incremental update failed", "symbol", sym, "err", err)
			st.fail(sym, PhaseIncremental)
			return
		}
		st.succeed(sym, PhaseIncremental, merged)
	})
}

// forEachBounded runs fn for every symbol with at most batchConc in
// flight. fn handles its own failures; only context cancellation aborts
// the sweep.
func (s *Service) forEachBounded(ctx context.Context, symbols []string, fn func(ctx context.Context, sym string)) error {
	if len(symbols) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(s.batchConc))
	g, ctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			fn(ctx, sym)
			return nil
		})
	}
	return g.Wait()
}

func sortedFailed(st *batchState) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	failed := append([]string(nil), st.failed...)
	sort.Strings(failed)
	return failed
}
