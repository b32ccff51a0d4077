// Package source provides the provider adapters behind the fetch
// orchestrator. Two implementations share one capability-flagged
// interface: the primary Yahoo-style adapter with unlimited lookback and
// batched calls, and the secondary Polygon-style adapter with an explicit
// quota and a rolling lookback window.
package source

import (
	"context"
	"errors"
	"time"

	"quantdata/internal/domain"
)

// ErrUnsupported reports that an adapter does not implement the invoked
// capability. Callers consult Capabilities before dispatching; this error
// guards against misuse, it is not part of the retryable taxonomy.
var ErrUnsupported = errors.New("capability not supported by this source")

// Capabilities describes what a Source implementation can do. The
// orchestrator dispatches on these flags instead of type-switching on the
// concrete adapter.
type Capabilities struct {
	// FullHistory means FetchFullHistory reaches back to the symbol's
	// inception. When false, the adapter caps lookback at WindowYears and
	// its data must never be used to claim full-history coverage.
	FullHistory bool

	// BatchedHistory means FetchBatchHistory services many symbols in one
	// adapter invocation. When false the caller fans out per symbol.
	BatchedHistory bool

	// BatchedLive means FetchBatchPrices is available.
	BatchedLive bool

	// LiveBar means FetchLiveBar returns today's partial bar for equities.
	LiveBar bool

	// CryptoLiveBar means FetchLiveBar also works for crypto symbols.
	CryptoLiveBar bool

	// WindowYears is the maximum lookback in years, 0 for unlimited.
	WindowYears int
}

// Metadata is the per-ticker reference data exposed by the primary
// provider's quote surface.
type Metadata struct {
	Symbol    string
	Name      string
	Sector    string
	Industry  string
	QuoteType string
	Currency  string
}

// Source is the common adapter surface for both providers. Every method
// honors context cancellation and returns typed failures from the domain
// error taxonomy; an unsupported capability returns ErrUnsupported.
type Source interface {
	Name() string
	Capabilities() Capabilities

	// FetchRange returns daily bars for [start, end], inclusive.
	FetchRange(ctx context.Context, symbol string, start, end time.Time) (domain.BarSeries, error)

	// FetchFullHistory returns the longest daily series the provider can
	// supply. Only adapters with Capabilities().FullHistory reach the
	// symbol's inception.
	FetchFullHistory(ctx context.Context, symbol string) (domain.BarSeries, error)

	// FetchLiveBar returns today's partial bar.
	FetchLiveBar(ctx context.Context, symbol string) (domain.Bar, error)

	// FetchBatchHistory returns full history for many symbols at once,
	// as a per-symbol result map plus the symbols that failed. Partial
	// success is the expected outcome, not an error.
	FetchBatchHistory(ctx context.Context, symbols []string) (map[string]domain.BarSeries, []string, error)

	// FetchBatchPrices returns the latest price per symbol. Symbols the
	// provider has no quote for are absent from the map.
	FetchBatchPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}
