package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"quantdata/internal/backfill"
	"quantdata/internal/cache"
	"quantdata/internal/config"
	"quantdata/internal/fetch"
	"quantdata/internal/meta"
	"quantdata/internal/poll"
	"quantdata/internal/source"
)

const defaultRefreshCron = "0 30 16 * * MON-FRI"

func main() {
	cfgPath := "config/quantdata.yaml"
	if p := os.Getenv("QUANTDATA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/quantdatad-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.Create(logFileName)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	w := io.MultiWriter(os.Stdout, logFile)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	store, err := cache.NewStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("failed to open cache store: %v", err)
	}
	ledger := backfill.NewLedger(cfg.Storage.LedgerPath)

	var metaStore *meta.Store
	if cfg.Storage.MetadataDB != "" {
		metaStore, err = meta.NewStore(cfg.Storage.MetadataDB)
		if err != nil {
			log.Fatalf("failed to open metadata store: %v", err)
		}
		defer metaStore.Close()
	}

	primary := source.NewYahooSource(source.YahooConfig{
		BaseURL:    cfg.Yahoo.BaseURL,
		Timeout:    time.Duration(cfg.Yahoo.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Yahoo.MaxRetries,
	})
	secondary := source.NewPolygonSource(source.PolygonConfig{
		APIKey:         cfg.Polygon.APIKey,
		BaseURL:        cfg.Polygon.BaseURL,
		WindowYears:    cfg.Polygon.WindowYears,
		CallsPerMinute: cfg.Polygon.CallsPerMinute,
		Timeout:        time.Duration(cfg.Polygon.TimeoutSeconds) * time.Second,
		MaxRetries:     cfg.Polygon.MaxRetries,
	})

	historyStart, err := cfg.HistoryStart()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	svc := fetch.NewService(fetch.ServiceConfig{
		Primary:          primary,
		Secondary:        secondary,
		Store:            store,
		Ledger:           ledger,
		Meta:             metaStore,
		HistoryStart:     historyStart,
		BatchConcurrency: cfg.Fetch.BatchConcurrency,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watchlist := cfg.Refresh.Watchlist
	slog.Info("starting quantdatad", "logFile", logFileName, "watchlist", watchlist)

	// Bring the cache current before anything else.
	refresh(ctx, svc, watchlist)

	// Nightly refresh after market close.
	cronSpec := cfg.Refresh.Cron
	if cronSpec == "" {
		cronSpec = defaultRefreshCron
	}
	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(cronSpec, func() { refresh(ctx, svc, watchlist) }); err != nil {
		log.Fatalf("invalid refresh cron %q: %v", cronSpec, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Live prices for the watchlist.
	poller := poll.NewScheduler(poll.Config{
		Source:   primary,
		Interval: time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
	})
	if len(watchlist) > 0 {
		handle := poller.Subscribe(watchlist, func(prices map[string]float64) {
			for sym, price := range prices {
				slog.Info("live price", "symbol", sym, "price", price)
			}
		})
		defer handle.Close()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	poller.Close()
	if err := ledger.Flush(); err != nil {
		slog.Warn("ledger flush failed", "err", err)
	}
}

// refresh runs one batch fetch over the watchlist, logging per-phase
// progress.
func refresh(ctx context.Context, svc *fetch.Service, watchlist []string) {
	if len(watchlist) == 0 {
		return
	}
	started := time.Now()
	results, failed, err := svc.FetchBatch(ctx, watchlist, func(p fetch.Progress) {
		if p.Ticker != "" {
			slog.Info("refresh progress",
				"phase", p.Phase, "ticker", p.Ticker, "completed", p.Completed, "total", p.Total)
		}
	})
	if err != nil {
		slog.Error("batch refresh failed", "err", err)
		return
	}
	slog.Info("batch refresh complete",
		"succeeded", len(results), "failed", len(failed), "elapsed", time.Since(started).Round(time.Millisecond))
	for _, sym := range failed {
		slog.Warn("refresh failed for ticker", "symbol", sym)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
