package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantdata/internal/backfill"
	"quantdata/internal/cache"
	"quantdata/internal/config"
	"quantdata/internal/domain"
	"quantdata/internal/fetch"
	"quantdata/internal/poll"
	"quantdata/internal/returns"
	"quantdata/internal/source"
)

const version = "0.1.0"

type app struct {
	cfg     *config.Config
	store   *cache.Store
	ledger  *backfill.Ledger
	primary source.Source
	svc     *fetch.Service
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quantdata-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  fetch <ticker>       Fetch (or refresh) one ticker's daily history\n")
		fmt.Fprintf(os.Stderr, "  batch <tickers...>   Fetch many tickers with minimal network calls\n")
		fmt.Fprintf(os.Stderr, "  returns <ticker>     Print the daily return series\n")
		fmt.Fprintf(os.Stderr, "  status <ticker>      Show cache freshness and backfill state\n")
		fmt.Fprintf(os.Stderr, "  watch <tickers...>   Poll live prices until interrupted\n")
		fmt.Fprintf(os.Stderr, "  clear [ticker]       Remove one or all cache entries\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	if os.Args[1] == "version" {
		fmt.Printf("quantdata-cli %s\n", version)
		return
	}

	// Quiet structured logging on stderr; stdout is for command output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	a, err := buildApp()
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "fetch":
		err = a.cmdFetch(ctx, args)
	case "batch":
		err = a.cmdBatch(ctx, args)
	case "returns":
		err = a.cmdReturns(ctx, args)
	case "status":
		err = a.cmdStatus(args)
	case "watch":
		err = a.cmdWatch(args)
	case "clear":
		err = a.cmdClear(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func buildApp() (*app, error) {
	cfgPath := "config/quantdata.yaml"
	if p := os.Getenv("QUANTDATA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := cache.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	ledger := backfill.NewLedger(cfg.Storage.LedgerPath)

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
		return nil, err
	}
	svc := fetch.NewService(fetch.ServiceConfig{
		Primary:          primary,
		Secondary:        secondary,
		Store:            store,
		Ledger:           ledger,
		HistoryStart:     historyStart,
		BatchConcurrency: cfg.Fetch.BatchConcurrency,
	})

	return &app{cfg: cfg, store: store, ledger: ledger, primary: primary, svc: svc}, nil
}

func (a *app) cmdFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	primaryOnly := fs.Bool("primary-only", false, "keep incremental updates on the primary provider")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fetch [-primary-only] <ticker>")
	}

	policy := fetch.PolicyAuto
	if *primaryOnly {
		policy = fetch.PolicyPrimaryOnly
	}
	bars, err := a.svc.FetchSingle(ctx, fs.Arg(0), policy)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d bars, %s .. %s\n",
		domain.NormalizeSymbol(fs.Arg(0)), len(bars),
		bars.FirstDate().Format("2006-01-02"), bars.LastDate().Format("2006-01-02"))
	return nil
}

func (a *app) cmdBatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: batch <tickers...>")
	}

	results, failed, err := a.svc.FetchBatch(ctx, args, func(p fetch.Progress) {
		if p.Ticker != "" {
			fmt.Printf("  [%d/%d] %-10s %s\n", p.Completed, p.Total, p.Ticker, p.Phase)
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d succeeded, %d failed\n", len(results), len(failed))
	for _, sym := range failed {
		fmt.Printf("  FAILED %s\n", sym)
	}
	return nil
}

func (a *app) cmdReturns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("returns", flag.ExitOnError)
	live := fs.Bool("live", false, "append a provisional return for today")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: returns [-live] <ticker>")
	}
	sym := fs.Arg(0)

	rsvc := returns.NewService(returns.Config{Store: a.store, Live: a.primary})
	series, err := rsvc.Compute(sym, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	if *live {
		series, err = rsvc.AppendLive(ctx, series, sym)
		if err != nil {
			slog.Warn("live return unavailable", "err", err)
		}
	}

	for _, p := range series {
		marker := ""
		if p.Provisional {
			marker = "  (live)"
		}
		fmt.Printf("%s  %+.4f%%%s\n", p.Date.Format("2006-01-02"), p.Value*100, marker)
	}
	return nil
}

func (a *app) cmdStatus(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: status <ticker>")
	}
	sym := domain.NormalizeSymbol(args[0])

	fmt.Printf("symbol:      %s (%s)\n", sym, domain.ClassifySymbol(sym))
	fmt.Printf("cached:      %v\n", a.store.Has(sym))
	if last := a.store.LastDate(sym); !last.IsZero() {
		fmt.Printf("last bar:    %s\n", last.Format("2006-01-02"))
	}
	fmt.Printf("current:     %v\n", a.svc.IsCacheCurrent(sym))
	fmt.Printf("backfilled:  %v\n", a.ledger.IsBackfilled(sym))
	return nil
}

func (a *app) cmdWatch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: watch <tickers...>")
	}

	poller := poll.NewScheduler(poll.Config{
		Source:   a.primary,
		Interval: time.Duration(a.cfg.Poll.IntervalSeconds) * time.Second,
	})
	handle := poller.Subscribe(args, func(prices map[string]float64) {
		for sym, price := range prices {
			fmt.Printf("%s  %-10s %.4f\n", time.Now().Format("15:04:05"), sym, price)
		}
	})
	defer handle.Close()

	fmt.Println("polling; Ctrl-C to stop")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	return nil
}

func (a *app) cmdClear(args []string) error {
	switch len(args) {
	case 0:
		if err := a.svc.ClearAllCache(); err != nil {
			return err
		}
		fmt.Println("cleared all cache entries")
	case 1:
		if err := a.svc.ClearCache(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleared %s\n", domain.NormalizeSymbol(args[0]))
	default:
		return fmt.Errorf("usage: clear [ticker]")
	}
	return nil
}
