package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quantdata/internal/domain"
)

func newTestPolygon(t *testing.T, handler http.HandlerFunc) *PolygonSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewPolygonSource(PolygonConfig{
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		CallsPerMinute: 60000, // keep the limiter out of the tests' way
		MaxRetries:     1,
	})
	p.Now = func() time.Time {
		return time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	}
	return p
}

func TestConvertTicker(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AAPL", "AAPL"},
		{"btc-usd", "X:BTCUSD"},
		{"ETH-USDT", "X:ETHUSDT"},
		{"^SPX", "I:SPX"},
		{"^IRX", "I:IRX"},
		{"BRK-B", "BRK.B"},
	}
	for _, tt := range tests {
		if got := convertTicker(tt.in); got != tt.want {
			t.Errorf("convertTicker(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// 1717992000000 ms = 2024-06-10 04:00 UTC (midnight ET).
const aggsJSON = `{
  "status": "OK",
  "resultsCount": 2,
  "results": [
    {"t": 1717992000000, "o": 100, "h": 101, "l": 99, "c": 100.5, "v": 1000},
    {"t": 1718078400000, "o": 101, "h": 102, "l": 100, "c": 101.5, "v": 2000}
  ]
}`

func TestPolygonFetchRange(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/aggs/ticker/AAPL/range/1/day/2024-06-10/2024-06-11" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("apiKey") != "test-key" {
			t.Error("apiKey missing from request")
		}
		fmt.Fprint(w, aggsJSON)
	})

	start := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	bars, err := p.FetchRange(context.Background(), "aapl", start, end)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if !bars[0].Date.Equal(start) {
		t.Errorf("first date = %s, want %s", bars[0].Date, start)
	}
	if bars[1].Close != 101.5 {
		t.Errorf("second close = %v, want 101.5", bars[1].Close)
	}
}

func TestPolygonCryptoTickerPath(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/aggs/ticker/X:BTCUSD/range/1/day/2024-06-10/2024-06-11" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, aggsJSON)
	})

	start := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	if _, err := p.FetchRange(context.Background(), "BTC-USD", start, end); err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
}

func TestPolygonWindowExceeded(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("a window violation must be rejected before any network call")
	})

	// Now is 2024-06-14 with a 5-year window; 2015 is out of reach.
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := p.FetchRange(context.Background(), "AAPL", start, end)
	if !errors.Is(err, domain.ErrWindowExceeded) {
		t.Fatalf("err = %v, want ErrWindowExceeded", err)
	}
}

func TestPolygonFullHistoryClampedToWindow(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/aggs/ticker/AAPL/range/1/day/2019-06-14/2024-06-14" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, aggsJSON)
	})

	if _, err := p.FetchFullHistory(context.Background(), "AAPL"); err != nil {
		t.Fatalf("FetchFullHistory: %v", err)
	}
	if p.Capabilities().FullHistory {
		t.Error("window-capped adapter must not advertise full history")
	}
}

func TestPolygonRateLimited(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	start := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, err := p.FetchRange(context.Background(), "AAPL", start, start)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestPolygonAPIError(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "ERROR", "error": "Unknown ticker ZZZZ"}`)
	})

	start := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, err := p.FetchRange(context.Background(), "ZZZZ", start, start)
	if !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Fatalf("err = %v, want ErrInvalidSymbol", err)
	}
}

func TestPolygonEmptyResult(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "OK", "resultsCount": 0, "results": []}`)
	})

	start := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, err := p.FetchRange(context.Background(), "AAPL", start, start)
	if !errors.Is(err, domain.ErrEmptyResult) {
		t.Fatalf("err = %v, want ErrEmptyResult", err)
	}
}

func TestPolygonLiveBar(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/snapshot/locale/us/markets/stocks/tickers/AAPL" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
		  "status": "OK",
		  "ticker": {"day": {"o": 190, "h": 192, "l": 189, "c": 191.5, "v": 50000}}
		}`)
	})

	bar, err := p.FetchLiveBar(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("FetchLiveBar: %v", err)
	}
	if bar.Close != 191.5 {
		t.Errorf("close = %v, want 191.5", bar.Close)
	}
	want := time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	if !bar.Date.Equal(want) {
		t.Errorf("date = %s, want %s", bar.Date, want)
	}
}

func TestPolygonLiveBarCryptoUnsupported(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("crypto live bar must not reach the network")
	})

	_, err := p.FetchLiveBar(context.Background(), "BTC-USD")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestPolygonBatchesUnsupported(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unsupported capabilities must not reach the network")
	})

	if _, _, err := p.FetchBatchHistory(context.Background(), []string{"AAPL"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FetchBatchHistory err = %v, want ErrUnsupported", err)
	}
	if _, err := p.FetchBatchPrices(context.Background(), []string{"AAPL"}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FetchBatchPrices err = %v, want ErrUnsupported", err)
	}
}
