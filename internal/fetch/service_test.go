package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdata/internal/backfill"
	"quantdata/internal/cache"
	"quantdata/internal/domain"
	"quantdata/internal/source"
)

// fakeSource is a scriptable in-memory provider.
type fakeSource struct {
	name string
	caps source.Capabilities

	mu       sync.Mutex
	full     map[string]domain.BarSeries
	fullErr  map[string]error
	rangeErr error

	fullCalls  int
	rangeCalls int
	batchCalls int
	lastStart  time.Time
	lastEnd    time.Time
}

func newFakeSource(name string, caps source.Capabilities) *fakeSource {
	return &fakeSource{
		name:    name,
		caps:    caps,
		full:    make(map[string]domain.BarSeries),
		fullErr: make(map[string]error),
	}
}

func (f *fakeSource) Name() string                     { return f.name }
func (f *fakeSource) Capabilities() source.Capabilities { return f.caps }

func (f *fakeSource) FetchFullHistory(ctx context.Context, symbol string) (domain.BarSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullCalls++
	sym := domain.NormalizeSymbol(symbol)
	if err := f.fullErr[sym]; err != nil {
		return nil, err
	}
	bars, ok := f.full[sym]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sym, domain.ErrInvalidSymbol)
	}
	return bars, nil
}

func (f *fakeSource) FetchRange(ctx context.Context, symbol string, start, end time.Time) (domain.BarSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	f.lastStart, f.lastEnd = start, end
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	sym := domain.NormalizeSymbol(symbol)
	bars := f.full[sym].Slice(domain.Day(start), domain.Day(end))
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", sym, domain.ErrEmptyResult)
	}
	return bars, nil
}

func (f *fakeSource) FetchLiveBar(ctx context.Context, symbol string) (domain.Bar, error) {
	bars, err := f.FetchFullHistory(ctx, symbol)
	if err != nil {
		return domain.Bar{}, err
	}
	return bars[len(bars)-1], nil
}

func (f *fakeSource) FetchBatchHistory(ctx context.Context, symbols []string) (map[string]domain.BarSeries, []string, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if !f.caps.BatchedHistory {
		return nil, nil, source.ErrUnsupported
	}
	results := make(map[string]domain.BarSeries)
	var failed []string
	for _, symbol := range symbols {
		sym := domain.NormalizeSymbol(symbol)
		f.mu.Lock()
		bars, ok := f.full[sym]
		f.mu.Unlock()
		if !ok {
			failed = append(failed, sym)
			continue
		}
		results[sym] = bars
	}
	return results, failed, nil
}

func (f *fakeSource) FetchBatchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if !f.caps.BatchedLive {
		return nil, source.ErrUnsupported
	}
	prices := make(map[string]float64)
	for _, symbol := range symbols {
		sym := domain.NormalizeSymbol(symbol)
		f.mu.Lock()
		bars := f.full[sym]
		f.mu.Unlock()
		if len(bars) > 0 {
			prices[sym] = bars[len(bars)-1].Close
		}
	}
	return prices, nil
}

func (f *fakeSource) counts() (full, ranged, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullCalls, f.rangeCalls, f.batchCalls
}

// Friday 2024-06-14 21:00 UTC = 17:00 ET, past market close, so the last
// expected trading date is 2024-06-14 itself.
var testNow = time.Date(2024, 6, 14, 21, 0, 0, 0, time.UTC)

var historyStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// seq builds n consecutive daily bars ending at end.
func seq(end time.Time, n int) domain.BarSeries {
	var bars domain.BarSeries
	for i := n - 1; i >= 0; i-- {
		d := end.AddDate(0, 0, -i)
		bars = append(bars, domain.Bar{
			Date: d, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
		})
	}
	return bars
}

// fullHistory is a series reaching from before historyStart to testNow's
// trading date.
func fullHistory() domain.BarSeries {
	end := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(time.Date(2019, 12, 30, 0, 0, 0, 0, time.UTC)).Hours() / 24)
	return seq(end, days+1)
}

type harness struct {
	svc       *Service
	store     *cache.Store
	ledger    *backfill.Ledger
	primary   *fakeSource
	secondary *fakeSource
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.NewStore(dir + "/cache")
	require.NoError(t, err)
	store.Now = func() time.Time { return testNow }

	ledger := backfill.NewLedger(dir + "/ledger.json")

	primary := newFakeSource("primary", source.Capabilities{
		FullHistory: true, BatchedHistory: true, BatchedLive: true, LiveBar: true, CryptoLiveBar: true,
	})
	secondary := newFakeSource("secondary", source.Capabilities{
		LiveBar: true, WindowYears: 5,
	})

	svc := NewService(ServiceConfig{
		Primary:      primary,
		Secondary:    secondary,
		Store:        store,
		Ledger:       ledger,
		HistoryStart: historyStart,
	})
	svc.Now = func() time.Time { return testNow }

	return &harness{svc: svc, store: store, ledger: ledger, primary: primary, secondary: secondary}
}

func TestFetchSingleFreshThenCached(t *testing.T) {
	h := newHarness(t)
	h.primary.full["AAPL"] = fullHistory()

	bars, err := h.svc.FetchSingle(context.Background(), "aapl", PolicyAuto)
	require.NoError(t, err)
	assert.NotEmpty(t, bars)
	assert.True(t, h.ledger.IsBackfilled("AAPL"), "primary full history must mark backfilled")
	assert.True(t, h.svc.IsCacheCurrent("AAPL"))

	// Second call is a pure cache hit: no further network calls.
	full, ranged, _ := h.primary.counts()
	again, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)
	assert.Equal(t, len(bars), len(again))

	full2, ranged2, _ := h.primary.counts()
	assert.Equal(t, full, full2, "cache hit must not refetch")
	assert.Equal(t, ranged, ranged2)
}

func TestFetchSingleSecondaryFallbackNeverMarksBackfilled(t *testing.T) {
	h := newHarness(t)
	h.primary.fullErr["AAPL"] = fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	h.secondary.full["AAPL"] = seq(time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), 30)

	bars, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)
	assert.Len(t, bars, 30)
	assert.False(t, h.ledger.IsBackfilled("AAPL"),
		"window-capped secondary data must never claim full history")
}

func TestFetchSingleInvalidSymbolNoFallback(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.FetchSingle(context.Background(), "NOSUCH", PolicyAuto)
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)

	full, _, _ := h.secondary.counts()
	assert.Zero(t, full, "an invalid symbol must not hit the fallback provider")
}

func TestFetchSingleIncrementalKeepsBackfillFlag(t *testing.T) {
	h := newHarness(t)

	// Cache through Wednesday 2024-06-12, already backfilled.
	stale := seq(time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, h.store.Save("AAPL", stale))
	require.NoError(t, h.ledger.MarkBackfilled("AAPL"))

	h.secondary.full["AAPL"] = seq(time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), 5)

	merged, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)

	assert.True(t, h.ledger.IsBackfilled("AAPL"), "incremental update must not clear the flag")
	require.NoError(t, merged.Validate(), "merged series must have no duplicate dates")
	assert.Equal(t, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), merged.LastDate())
	assert.Equal(t, len(stale)+2, len(merged), "exactly the 2-day gap is appended")

	// The gap request started the day after the last cached bar.
	h.secondary.mu.Lock()
	assert.Equal(t, time.Date(2024, 6, 13, 0, 0, 0, 0, time.UTC), h.secondary.lastStart)
	h.secondary.mu.Unlock()

	full, _, _ := h.primary.counts()
	assert.Zero(t, full, "PolicyAuto incremental must use the secondary")
}

func TestFetchSinglePrimaryOnlyPolicy(t *testing.T) {
	h := newHarness(t)

	stale := seq(time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, h.store.Save("AAPL", stale))
	require.NoError(t, h.ledger.MarkBackfilled("AAPL"))
	h.primary.full["AAPL"] = fullHistory()

	_, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyPrimaryOnly)
	require.NoError(t, err)

	_, ranged, _ := h.secondary.counts()
	assert.Zero(t, ranged, "PolicyPrimaryOnly must not touch the secondary")
}

func TestFetchSingleWindowExceededFallsBackToPrimary(t *testing.T) {
	h := newHarness(t)

	stale := seq(time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, h.store.Save("AAPL", stale))
	require.NoError(t, h.ledger.MarkBackfilled("AAPL"))

	h.secondary.rangeErr = fmt.Errorf("too far back: %w", domain.ErrWindowExceeded)
	h.primary.full["AAPL"] = fullHistory()

	merged, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC), merged.LastDate())

	_, ranged, _ := h.primary.counts()
	assert.Equal(t, 1, ranged, "WindowExceeded must divert the gap fetch to the primary")
}

func TestFetchSingleEmptyGapIsNotFailure(t *testing.T) {
	h := newHarness(t)

	stale := seq(time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, h.store.Save("AAPL", stale))
	require.NoError(t, h.ledger.MarkBackfilled("AAPL"))
	// Secondary has nothing for the gap: holiday stretch.

	bars, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)
	assert.Len(t, bars, len(stale))
}

func TestFetchSingleBackfillsStaleUnbackfilled(t *testing.T) {
	h := newHarness(t)

	// A windowed cache exists but full history was never obtained.
	partial := seq(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), 30)
	require.NoError(t, h.store.Save("AAPL", partial))
	h.primary.full["AAPL"] = fullHistory()

	merged, err := h.svc.FetchSingle(context.Background(), "AAPL", PolicyAuto)
	require.NoError(t, err)

	assert.True(t, h.ledger.IsBackfilled("AAPL"))
	assert.True(t, merged.FirstDate().Before(historyStart) || merged.FirstDate().Equal(historyStart),
		"backfill must reach the start of the historical window")
	require.NoError(t, merged.Validate())
}
