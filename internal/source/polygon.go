package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"quantdata/internal/domain"
	"quantdata/internal/util"
)

const (
	defaultPolygonBaseURL = "https://api.polygon.io"
	defaultWindowYears    = 5
	// Free-tier quota; the batch orchestrator's concurrency cap matches it.
	defaultCallsPerMinute = 5
)

// PolygonConfig configures the secondary adapter. Zero values select
// defaults; an APIKey is required for real use.
type PolygonConfig struct {
	APIKey         string
	BaseURL        string
	WindowYears    int
	CallsPerMinute int
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// PolygonSource is the secondary provider adapter: authenticated REST with
// an explicit calls/minute quota and a rolling N-year lookback window. It
// has no batched endpoints and no crypto live bar; the orchestrator fans
// out per symbol and keeps crypto live fetches on the primary.
type PolygonSource struct {
	apiKey      string
	base        string
	windowYears int
	client      *http.Client
	limiter     *util.RateLimiter
	log         *slog.Logger
	maxRetries  int
	retryDelay  time.Duration

	// Now bounds the lookback window; overridable in tests.
	Now func() time.Time
}

// NewPolygonSource creates the secondary adapter.
func NewPolygonSource(cfg PolygonConfig) *PolygonSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPolygonBaseURL
	}
	if cfg.WindowYears <= 0 {
		cfg.WindowYears = defaultWindowYears
	}
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = defaultCallsPerMinute
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
	return &PolygonSource{
		apiKey:      cfg.APIKey,
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		windowYears: cfg.WindowYears,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     util.NewRateLimiter(cfg.CallsPerMinute),
		log:         slog.Default().With("component", "source", "provider", "polygon"),
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		Now:         time.Now,
	}
}

func (p *PolygonSource) Name() string { return "polygon" }

func (p *PolygonSource) Capabilities() Capabilities {
	return Capabilities{
		FullHistory:    false,
		BatchedHistory: false,
		BatchedLive:    false,
		LiveBar:        true,
		CryptoLiveBar:  false,
		WindowYears:    p.windowYears,
	}
}

// convertTicker maps the canonical symbol format onto the provider's:
// BTC-USD -> X:BTCUSD, ^SPX -> I:SPX, BRK-B -> BRK.B, AAPL unchanged.
func convertTicker(symbol string) string {
	s := domain.NormalizeSymbol(symbol)
	switch {
	case strings.HasSuffix(s, "-USD"):
		return "X:" + strings.TrimSuffix(s, "-USD") + "USD"
	case strings.HasSuffix(s, "-USDT"):
		return "X:" + strings.TrimSuffix(s, "-USDT") + "USDT"
	case strings.HasPrefix(s, "^"):
		return "I:" + s[1:]
	case strings.Contains(s, "-"):
		// Share classes use a hyphen in the canonical format, a dot here.
		return strings.ReplaceAll(s, "-", ".")
	}
	return s
}

// windowStart is the earliest date the rolling lookback window reaches.
func (p *PolygonSource) windowStart() time.Time {
	return domain.Day(p.Now()).AddDate(-p.windowYears, 0, 0)
}

// FetchRange returns daily bars for [start, end]. A start before the
// rolling window is refused with WindowExceeded so the caller falls back
// to the primary instead of silently truncating.
func (p *PolygonSource) FetchRange(ctx context.Context, symbol string, start, end time.Time) (domain.BarSeries, error) {
	if domain.Day(start).Before(p.windowStart()) {
		return nil, fmt.Errorf("%s: range start %s precedes the %d-year window: %w",
			domain.NormalizeSymbol(symbol), start.Format("2006-01-02"), p.windowYears, domain.ErrWindowExceeded)
	}
	return p.fetchAggs(ctx, symbol, domain.Day(start), domain.Day(end))
}

// FetchFullHistory returns as much history as the window allows. The
// result never reaches inception; callers must not treat it as full
// coverage (Capabilities().FullHistory is false).
func (p *PolygonSource) FetchFullHistory(ctx context.Context, symbol string) (domain.BarSeries, error) {
	return p.fetchAggs(ctx, symbol, p.windowStart(), domain.Day(p.Now()))
}

// FetchLiveBar returns today's partial bar from the snapshot endpoint.
// Equities only; the provider's live surface does not cover crypto.
func (p *PolygonSource) FetchLiveBar(ctx context.Context, symbol string) (domain.Bar, error) {
	sym := domain.NormalizeSymbol(symbol)
	if domain.ClassifySymbol(sym) == domain.AssetCrypto {
		return domain.Bar{}, fmt.Errorf("live bar for crypto symbol %s: %w", sym, ErrUnsupported)
	}

	endpoint := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers/%s",
		p.base, url.PathEscape(convertTicker(sym)))

	var bar domain.Bar
	err := util.RetryIf(ctx, p.maxRetries, p.retryDelay, isRetryable, func() error {
		body, err := p.get(ctx, endpoint, url.Values{})
		if err != nil {
			return err
		}

		root := gjson.ParseBytes(body)
		if status := root.Get("status").String(); status == "NOT_FOUND" {
			return fmt.Errorf("%s: %w", sym, domain.ErrInvalidSymbol)
		}
		day := root.Get("ticker.day")
		if !day.Exists() || day.Get("c").Float() == 0 {
			return fmt.Errorf("no snapshot bar for %s: %w", sym, domain.ErrEmptyResult)
		}
		bar = domain.Bar{
			Date:   domain.Day(p.Now()),
			Open:   day.Get("o").Float(),
			High:   day.Get("h").Float(),
			Low:    day.Get("l").Float(),
			Close:  day.Get("c").Float(),
			Volume: day.Get("v").Int(),
		}
		return nil
	})
	return bar, err
}

// FetchBatchHistory is not available on this provider; the caller fans
// out per symbol via FetchRange.
func (p *PolygonSource) FetchBatchHistory(ctx context.Context, symbols []string) (map[string]domain.BarSeries, []string, error) {
	return nil, nil, fmt.Errorf("batched history: %w", ErrUnsupported)
}

// FetchBatchPrices is not available on this provider.
func (p *PolygonSource) FetchBatchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return nil, fmt.Errorf("batched prices: %w", ErrUnsupported)
}

// fetchAggs calls the daily aggregates endpoint for [from, to] and decodes
// the bar series.
func (p *PolygonSource) fetchAggs(ctx context.Context, symbol string, from, to time.Time) (domain.BarSeries, error) {
	sym := domain.NormalizeSymbol(symbol)
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s",
		p.base, url.PathEscape(convertTicker(sym)),
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	query := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {"50000"},
	}

	var bars domain.BarSeries
	err := util.RetryIf(ctx, p.maxRetries, p.retryDelay, isRetryable, func() error {
		body, err := p.get(ctx, endpoint, query)
		if err != nil {
			return err
		}

		root := gjson.ParseBytes(body)
		if root.Get("status").String() == "ERROR" {
			msg := root.Get("error").String()
			if strings.Contains(strings.ToLower(msg), "ticker") {
				return fmt.Errorf("%s: %s: %w", sym, msg, domain.ErrInvalidSymbol)
			}
			return fmt.Errorf("%s: %s: %w", sym, msg, domain.ErrTransientNetwork)
		}

		results := root.Get("results").Array()
		if len(results) == 0 {
			return fmt.Errorf("%s: no aggregates for %s..%s: %w",
				sym, from.Format("2006-01-02"), to.Format("2006-01-02"), domain.ErrEmptyResult)
		}

		bars = bars[:0]
		for _, r := range results {
			bars = append(bars, domain.Bar{
				Date:   domain.Day(time.UnixMilli(r.Get("t").Int()).UTC()),
				Open:   r.Get("o").Float(),
				High:   r.Get("h").Float(),
				Low:    r.Get("l").Float(),
				Close:  r.Get("c").Float(),
				Volume: r.Get("v").Int(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupeByDate(bars), nil
}

// get performs one rate-limited HTTP GET and maps transport and status
// failures onto the typed taxonomy.
func (p *PolygonSource) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if p.apiKey != "" {
		query.Set("apiKey", p.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %v: %w", endpoint, err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status 429 from %s: %w", endpoint, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("status 404 from %s: %w", endpoint, domain.ErrInvalidSymbol)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("status %d from %s: check API key: %w", resp.StatusCode, endpoint, domain.ErrTransientNetwork)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("status %d from %s: %w", resp.StatusCode, endpoint, domain.ErrTransientNetwork)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %v: %w", endpoint, err, domain.ErrTransientNetwork)
	}
	return body, nil
}
