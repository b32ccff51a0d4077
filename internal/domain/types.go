// Package domain defines the core market-data types shared across the
// acquisition, caching, and derivation layers: tickers, daily OHLCV bars,
// and the error taxonomy for provider failures.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// AssetClass distinguishes continuously-traded crypto pairs from
// exchange-session equities.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
)

// NormalizeSymbol trims and upper-cases a ticker symbol. Dashes and slashes
// are preserved as part of the symbol key.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ClassifySymbol derives the asset class from the symbol's suffix.
// Crypto pairs follow the Yahoo convention of a -USD or -USDT suffix
// (e.g. BTC-USD, ETH-USDT); everything else is treated as an equity.
func ClassifySymbol(symbol string) AssetClass {
	s := NormalizeSymbol(symbol)
	if strings.HasSuffix(s, "-USD") || strings.HasSuffix(s, "-USDT") {
		return AssetCrypto
	}
	return AssetEquity
}

// Bar is one daily OHLCV bar. Date carries only the calendar date
// (midnight UTC, timezone-naive on disk).
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Valid reports whether the bar's prices are non-negative finite numbers
// and its volume is non-negative.
func (b Bar) Valid() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Volume >= 0
}

// Day truncates t to its calendar date at midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BarSeries is an ordered sequence of daily bars for one ticker, with
// strictly increasing, unique dates.
type BarSeries []Bar

// LastDate returns the date of the final bar, or the zero time for an
// empty series.
func (s BarSeries) LastDate() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[len(s)-1].Date
}

// FirstDate returns the date of the first bar, or the zero time for an
// empty series.
func (s BarSeries) FirstDate() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[0].Date
}

// Validate checks the series invariants: every bar valid, dates strictly
// increasing and unique.
func (s BarSeries) Validate() error {
	for i, b := range s {
		if !b.Valid() {
			return fmt.Errorf("bar %d (%s): %w", i, b.Date.Format("2006-01-02"), ErrCacheCorrupt)
		}
		if i > 0 && !s[i-1].Date.Before(b.Date) {
			return fmt.Errorf("bar %d (%s): dates not strictly increasing: %w",
				i, b.Date.Format("2006-01-02"), ErrCacheCorrupt)
		}
	}
	return nil
}

// Slice returns the bars whose dates fall in [start, end]. A zero start or
// end leaves that side unbounded.
func (s BarSeries) Slice(start, end time.Time) BarSeries {
	var out BarSeries
	for _, b := range s {
		if !start.IsZero() && b.Date.Before(start) {
			continue
		}
		if !end.IsZero() && b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// MergeBars combines two series into one, de-duplicating by date. Incoming
// bars win over existing ones on the same date. The result is sorted by
// date ascending.
func MergeBars(existing, incoming BarSeries) BarSeries {
	seen := make(map[time.Time]Bar, len(existing)+len(incoming))
	for _, b := range existing {
		seen[Day(b.Date)] = b
	}
	for _, b := range incoming {
		seen[Day(b.Date)] = b
	}

	merged := make(BarSeries, 0, len(seen))
	for d, b := range seen {
		b.Date = d
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date.Before(merged[j].Date)
	})
	return merged
}
