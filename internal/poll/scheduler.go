// Package poll drives live price updates: per-subscriber timers fire
// batched price fetches against the primary provider and deliver
// ticker→price maps to callbacks. Prices delivered here are ephemeral and
// never written to the daily cache.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quantdata/internal/calendar"
	"quantdata/internal/domain"
	"quantdata/internal/source"
)

// DefaultInterval is the poll period when the config does not set one.
const DefaultInterval = 60 * time.Second

const fetchTimeout = 30 * time.Second

// UpdateFunc receives one poll result: the latest price per ticker.
type UpdateFunc func(prices map[string]float64)

// Config configures the scheduler.
type Config struct {
	// Source must support batched live prices (the primary provider).
	Source source.Source

	// Interval between poll ticks. Defaults to DefaultInterval.
	Interval time.Duration

	// OpenFn gates equity polling. Defaults to the extended-hours
	// predicate; overridable in tests.
	OpenFn func(time.Time) bool
}

// Scheduler owns the per-subscriber poll timers.
type Scheduler struct {
	src      source.Source
	interval time.Duration
	openFn   func(time.Time) bool
	log      *slog.Logger

	// Now is the clock for session gating; overridable in tests.
	Now func() time.Time

	mu     sync.Mutex
	nextID int
	subs   map[int]*Handle
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OpenFn == nil {
		cfg.OpenFn = calendar.IsMarketOpenExtended
	}
	return &Scheduler{
		src:      cfg.Source,
		interval: cfg.Interval,
		openFn:   cfg.OpenFn,
		log:      slog.Default().With("component", "poll"),
		Now:      time.Now,
		subs:     make(map[int]*Handle),
	}
}

// Handle is one live-price subscription. Pause suspends polling without
// losing the subscription; Resume restarts it with an immediate one-shot
// fetch; Close tears the subscription down entirely.
type Handle struct {
	id      int
	sched   *Scheduler
	symbols []string
	cb      UpdateFunc

	mu     sync.Mutex
	paused bool

	resume chan struct{}
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// Subscribe registers a ticker set for periodic live prices. The first
// fetch fires immediately; subsequent ones follow the interval. Crypto
// tickers poll unconditionally, equities only while the market (including
// extended hours) is open — a closed-market tick makes no network call.
func (s *Scheduler) Subscribe(symbols []string, cb UpdateFunc) *Handle {
	normalized := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(sym))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		sched:   s,
		symbols: normalized,
		cb:      cb,
		resume:  make(chan struct{}, 1),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.nextID++
	h.id = s.nextID
	s.subs[h.id] = h
	s.mu.Unlock()

	h.done.Add(1)
	go h.run(ctx)

	s.log.Debug("subscribed", "id", h.id, "symbols", normalized)
	return h
}

// Close stops every subscription and waits for their timers to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.subs))
	for _, h := range s.subs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// run is the subscription's timer loop. Fetches execute synchronously in
// this goroutine: a tick that fires while the previous fetch is still
// running is dropped by the ticker, never queued.
func (h *Handle) run(ctx context.Context) {
	defer h.done.Done()

	h.tick(ctx)
	ticker := time.NewTicker(h.sched.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		case <-h.resume:
			h.tick(ctx)
		}
	}
}

// tick performs one gated batched price fetch and delivers the result.
func (h *Handle) tick(ctx context.Context) {
	h.mu.Lock()
	paused := h.paused
	h.mu.Unlock()
	if paused {
		return
	}

	now := h.sched.Now()
	marketOpen := h.sched.openFn(now)
	eligible := make([]string, 0, len(h.symbols))
	for _, sym := range h.symbols {
		if domain.ClassifySymbol(sym) == domain.AssetCrypto || marketOpen {
			eligible = append(eligible, sym)
		}
	}
	if len(eligible) == 0 {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	prices, err := h.sched.src.FetchBatchPrices(fetchCtx, eligible)
	if err != nil {
		h.sched.log.Warn("live price fetch failed", "id", h.id, "err", err)
		return
	}
	if len(prices) == 0 {
		return
	}

	select {
	case <-ctx.Done():
		// Torn down while fetching: the callback must not fire.
	default:
		h.cb(prices)
	}
}

// Pause suspends polling. The subscription and its symbols survive.
func (h *Handle) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// Resume restarts a paused subscription with an immediate one-shot fetch.
func (h *Handle) Resume() {
	h.mu.Lock()
	wasPaused := h.paused
	h.paused = false
	h.mu.Unlock()

	if wasPaused {
		select {
		case h.resume <- struct{}{}:
		default:
		}
	}
}

// Close cancels the subscription and blocks until its timer goroutine has
// exited, so no callback fires after Close returns.
func (h *Handle) Close() {
	h.cancel()
	h.done.Wait()

	h.sched.mu.Lock()
	delete(h.sched.subs, h.id)
	h.sched.mu.Unlock()
}
