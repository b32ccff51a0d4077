package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"quantdata/internal/domain"
	"quantdata/internal/util"
)

const (
	defaultYahooBaseURL = "https://query1.finance.yahoo.com"
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxRetries   = 3
	defaultRetryDelay   = 500 * time.Millisecond

	// Browser-style UA; the unauthenticated endpoints reject the Go default.
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
)

// YahooConfig configures the primary adapter. Zero values select defaults.
type YahooConfig struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	BatchConcurrency int
}

// YahooSource is the primary provider adapter: unlimited lookback, batched
// history and batched live prices, no authentication, no documented rate
// limit. Rate limiting surfaces as HTTP 429/999 and must be told apart
// from an unknown symbol, which must not be retried.
type YahooSource struct {
	base       string
	client     *http.Client
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
	batchConc  int
}

// NewYahooSource creates the primary adapter.
func NewYahooSource(cfg YahooConfig) *YahooSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultYahooBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	return &YahooSource{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.Timeout},
		log:        slog.Default().With("component", "source", "provider", "yahoo"),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		batchConc:  cfg.BatchConcurrency,
	}
}

func (y *YahooSource) Name() string { return "yahoo" }

func (y *YahooSource) Capabilities() Capabilities {
	return Capabilities{
		FullHistory:    true,
		BatchedHistory: true,
		BatchedLive:    true,
		LiveBar:        true,
		CryptoLiveBar:  true,
		WindowYears:    0,
	}
}

// chartResponse is the v8 chart endpoint payload. OHLCV arrays are
// position-aligned with the timestamp array and individually nullable.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// fetchChart calls the chart endpoint with the given query and decodes the
// bar series. rangeParam and period1/period2 are mutually exclusive.
func (y *YahooSource) fetchChart(ctx context.Context, symbol string, query url.Values) (domain.BarSeries, error) {
	symbol = domain.NormalizeSymbol(symbol)
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s", y.base, url.PathEscape(symbol))

	var bars domain.BarSeries
	err := util.RetryIf(ctx, y.maxRetries, y.retryDelay, isRetryable, func() error {
		body, err := y.get(ctx, endpoint, query)
		if err != nil {
			return err
		}

		var resp chartResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding chart response for %s: %w", symbol, err)
		}
		if e := resp.Chart.Error; e != nil {
			if strings.EqualFold(e.Code, "Not Found") {
				return fmt.Errorf("%s: %w", symbol, domain.ErrInvalidSymbol)
			}
			return fmt.Errorf("chart error for %s (%s): %w", symbol, e.Code, domain.ErrTransientNetwork)
		}
		if len(resp.Chart.Result) == 0 {
			return fmt.Errorf("%s: %w", symbol, domain.ErrEmptyResult)
		}

		result := resp.Chart.Result[0]
		if len(result.Indicators.Quote) == 0 {
			return fmt.Errorf("%s: %w", symbol, domain.ErrEmptyResult)
		}
		q := result.Indicators.Quote[0]

		bars = bars[:0]
		for i, ts := range result.Timestamp {
			if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) {
				break
			}
			// Nulls mark non-trading rows; drop them like the batch path does.
			if q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil || q.Close[i] == nil {
				continue
			}
			var vol int64
			if i < len(q.Volume) && q.Volume[i] != nil {
				vol = *q.Volume[i]
			}
			bars = append(bars, domain.Bar{
				// Daily timestamps land inside the bar's UTC calendar date
				// for both the 09:30 ET equity open and 00:00 UTC crypto.
				Date:   domain.Day(time.Unix(ts, 0).UTC()),
				Open:   *q.Open[i],
				High:   *q.High[i],
				Low:    *q.Low[i],
				Close:  *q.Close[i],
				Volume: vol,
			})
		}
		if len(bars) == 0 {
			return fmt.Errorf("%s: %w", symbol, domain.ErrEmptyResult)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupeByDate(bars), nil
}

// FetchRange returns daily bars for [start, end] inclusive.
func (y *YahooSource) FetchRange(ctx context.Context, symbol string, start, end time.Time) (domain.BarSeries, error) {
	query := url.Values{
		"interval": {"1d"},
		"period1":  {fmt.Sprint(start.Unix())},
		// period2 is exclusive upstream; push it past the end date.
		"period2": {fmt.Sprint(end.AddDate(0, 0, 1).Unix())},
	}
	bars, err := y.fetchChart(ctx, symbol, query)
	if err != nil {
		return nil, err
	}
	ranged := bars.Slice(domain.Day(start), domain.Day(end))
	if len(ranged) == 0 {
		return nil, fmt.Errorf("%s: no bars in %s..%s: %w",
			domain.NormalizeSymbol(symbol), start.Format("2006-01-02"), end.Format("2006-01-02"), domain.ErrEmptyResult)
	}
	return ranged, nil
}

// FetchFullHistory returns the series from the symbol's inception.
func (y *YahooSource) FetchFullHistory(ctx context.Context, symbol string) (domain.BarSeries, error) {
	return y.fetchChart(ctx, symbol, url.Values{"interval": {"1d"}, "range": {"max"}})
}

// FetchLiveBar returns the most recent (possibly partial) daily bar. A few
// days are requested because the provider occasionally lags.
func (y *YahooSource) FetchLiveBar(ctx context.Context, symbol string) (domain.Bar, error) {
	bars, err := y.fetchChart(ctx, symbol, url.Values{"interval": {"1d"}, "range": {"5d"}})
	if err != nil {
		return domain.Bar{}, err
	}
	return bars[len(bars)-1], nil
}

// FetchBatchHistory fetches full history for every symbol in one adapter
// invocation, fanning out over a shared connection pool. One symbol's
// failure never aborts the rest; the failed list is part of the result.
func (y *YahooSource) FetchBatchHistory(ctx context.Context, symbols []string) (map[string]domain.BarSeries, []string, error) {
	results := make(map[string]domain.BarSeries, len(symbols))
	var failed []string
	if len(symbols) == 0 {
		return results, failed, nil
	}

	type outcome struct {
		symbol string
		bars   domain.BarSeries
		err    error
	}

	sem := make(chan struct{}, y.batchConc)
	out := make(chan outcome, len(symbols))
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			bars, err := y.FetchFullHistory(ctx, symbol)
			out <- outcome{symbol: domain.NormalizeSymbol(symbol), bars: bars, err: err}
		}(symbol)
	}
	wg.Wait()
	close(out)

	for o := range out {
		if o.err != nil {
			y.log.Warn("batch history fetch failed", "symbol", o.symbol, "err", o.err)
			failed = append(failed, o.symbol)
			continue
		}
		results[o.symbol] = o.bars
	}
	sort.Strings(failed)
	return results, failed, nil
}

// quoteEnvelope is the v7 quote endpoint payload.
type quoteEnvelope struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string   `json:"symbol"`
			RegularMarketPrice *float64 `json:"regularMarketPrice"`
			LongName           string   `json:"longName"`
			ShortName          string   `json:"shortName"`
			QuoteType          string   `json:"quoteType"`
			Currency           string   `json:"currency"`
			Sector             string   `json:"sector"`
			Industry           string   `json:"industry"`
		} `json:"result"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

func (y *YahooSource) fetchQuotes(ctx context.Context, symbols []string) (*quoteEnvelope, error) {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(s))
	}
	endpoint := y.base + "/v7/finance/quote"
	query := url.Values{"symbols": {strings.Join(normalized, ",")}}

	var env quoteEnvelope
	err := util.RetryIf(ctx, y.maxRetries, y.retryDelay, isRetryable, func() error {
		body, err := y.get(ctx, endpoint, query)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decoding quote response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// FetchBatchPrices returns the latest price per symbol from one quote
// call. Symbols with no quote are silently absent.
func (y *YahooSource) FetchBatchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return prices, nil
	}

	env, err := y.fetchQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	for _, r := range env.QuoteResponse.Result {
		if r.RegularMarketPrice != nil {
			prices[domain.NormalizeSymbol(r.Symbol)] = *r.RegularMarketPrice
		}
	}
	return prices, nil
}

// FetchMetadata returns reference data for the given symbols from the
// quote surface. Best-effort: symbols missing from the response are
// simply absent.
func (y *YahooSource) FetchMetadata(ctx context.Context, symbols []string) ([]Metadata, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	env, err := y.fetchQuotes(ctx, symbols)
	if err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(env.QuoteResponse.Result))
	for _, r := range env.QuoteResponse.Result {
		name := r.LongName
		if name == "" {
			name = r.ShortName
		}
		metas = append(metas, Metadata{
			Symbol:    domain.NormalizeSymbol(r.Symbol),
			Name:      name,
			Sector:    r.Sector,
			Industry:  r.Industry,
			QuoteType: r.QuoteType,
			Currency:  r.Currency,
		})
	}
	return metas, nil
}

// get performs one HTTP GET and maps transport and status failures onto
// the typed taxonomy.
func (y *YahooSource) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %v: %w", endpoint, err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 999:
		return nil, fmt.Errorf("status %d from %s: %w", resp.StatusCode, endpoint, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("status 404 from %s: %w", endpoint, domain.ErrInvalidSymbol)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("status %d from %s: %w", resp.StatusCode, endpoint, domain.ErrTransientNetwork)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %v: %w", endpoint, err, domain.ErrTransientNetwork)
	}
	return body, nil
}

// isRetryable drives RetryIf: transient and rate-limit failures are worth
// another attempt, a bad symbol or empty result is not.
func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrTransientNetwork) || errors.Is(err, domain.ErrRateLimited)
}

// dedupeByDate keeps the last bar per date and returns a sorted series.
// Providers occasionally repeat the live bar at the tail of a range.
func dedupeByDate(bars domain.BarSeries) domain.BarSeries {
	if len(bars) < 2 {
		return bars
	}
	return domain.MergeBars(nil, bars)
}
