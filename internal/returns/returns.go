// Package returns derives simple period-over-period return series from
// cached daily bars, optionally extended with one provisional point for
// today's unclosed bar. Derived data only: nothing here writes back to
// the cache.
package returns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantdata/internal/cache"
	"quantdata/internal/calendar"
	"quantdata/internal/domain"
	"quantdata/internal/source"
)

// Point is one daily return. Provisional marks a synthetic value computed
// from a live price against the last persisted close; it is never stored.
type Point struct {
	Date        time.Time
	Value       float64
	Provisional bool
}

// Series is an ordered daily return series.
type Series []Point

// Last returns the final point, or a zero Point for an empty series.
func (s Series) Last() Point {
	if len(s) == 0 {
		return Point{}
	}
	return s[len(s)-1]
}

// Config wires the derivation service.
type Config struct {
	Store *cache.Store

	// Live supplies on-demand prices for the provisional point. Must
	// support batched live prices (the primary provider).
	Live source.Source

	// OpenFn gates the equity provisional point. Defaults to the
	// extended-hours predicate.
	OpenFn func(time.Time) bool
}

// Service computes return series from the cache store.
type Service struct {
	store  *cache.Store
	live   source.Source
	openFn func(time.Time) bool
	log    *slog.Logger

	// Now is the clock for today-eligibility; overridable in tests.
	Now func() time.Time
}

// NewService creates the derivation service.
func NewService(cfg Config) *Service {
	if cfg.OpenFn == nil {
		cfg.OpenFn = calendar.IsMarketOpenExtended
	}
	return &Service{
		store:  cfg.Store,
		live:   cfg.Live,
		openFn: cfg.OpenFn,
		log:    slog.Default().With("component", "returns"),
		Now:    time.Now,
	}
}

// Compute reads the cached bars for a symbol and returns simple returns
// over [start, end]. A zero start or end leaves that side unbounded. The
// bar immediately preceding the range seeds the first return when one
// exists.
func (s *Service) Compute(symbol string, start, end time.Time) (Series, error) {
	sym := domain.NormalizeSymbol(symbol)
	bars, ok := s.store.Get(sym)
	if !ok {
		return nil, fmt.Errorf("no cached history for %s", sym)
	}

	window := bars
	if !start.IsZero() {
		// Include one bar before the range so the first in-range date
		// gets a return.
		prev := domain.Day(start)
		for i := len(bars) - 1; i >= 0; i-- {
			if bars[i].Date.Before(domain.Day(start)) {
				prev = bars[i].Date
				break
			}
		}
		window = bars.Slice(prev, time.Time{})
	}
	if !end.IsZero() {
		window = window.Slice(time.Time{}, domain.Day(end))
	}
	if len(window) < 2 {
		return nil, fmt.Errorf("not enough bars for %s in range", sym)
	}

	out := make(Series, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prevClose := window[i-1].Close
		if prevClose == 0 {
			continue
		}
		out = append(out, Point{
			Date:  window[i].Date,
			Value: window[i].Close/prevClose - 1,
		})
	}
	return out, nil
}

// AppendLive returns the series extended with one provisional point for
// today, computed from an on-demand live price against the last persisted
// close. The point is added only when the ticker is eligible (crypto
// always, equities during extended hours) and the series does not already
// end on today. The input series and the cache are never mutated.
func (s *Service) AppendLive(ctx context.Context, series Series, symbol string) (Series, error) {
	sym := domain.NormalizeSymbol(symbol)
	now := s.Now()

	crypto := domain.ClassifySymbol(sym) == domain.AssetCrypto
	if !crypto && !s.openFn(now) {
		return series, nil
	}

	today := calendar.Day(now)
	if crypto {
		today = domain.Day(now.UTC())
	}
	if len(series) > 0 && series.Last().Date.Equal(today) {
		return series, nil
	}

	bars, ok := s.store.Get(sym)
	if !ok || len(bars) == 0 {
		return series, fmt.Errorf("no cached history for %s", sym)
	}
	lastBar := bars[len(bars)-1]
	if lastBar.Date.Equal(today) || lastBar.Close == 0 {
		return series, nil
	}

	prices, err := s.live.FetchBatchPrices(ctx, []string{sym})
	if err != nil {
		return series, fmt.Errorf("live price for %s: %w", sym, err)
	}
	price, ok := prices[sym]
	if !ok {
		return series, nil
	}

	out := append(append(Series(nil), series...), Point{
		Date:        today,
		Value:       price/lastBar.Close - 1,
		Provisional: true,
	})
	s.log.Debug("appended provisional return", "symbol", sym, "price", price)
	return out, nil
}
