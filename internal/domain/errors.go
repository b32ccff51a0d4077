package domain

import "errors"

// Provider and cache failure taxonomy. Adapters and the fetch service wrap
// these sentinels with fmt.Errorf("...: %w", ...) so callers can branch
// with errors.Is.
var (
	// ErrInvalidSymbol marks a symbol the provider has no data for.
	// Terminal: never retried.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrRateLimited marks a provider quota rejection. Retryable after
	// backoff; must not advance backfill state.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientNetwork marks a network failure or timeout. Retryable
	// with a bounded attempt count.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrEmptyResult marks a successful call that returned no bars.
	ErrEmptyResult = errors.New("empty result")

	// ErrWindowExceeded marks a range request outside the secondary
	// provider's supported lookback. The caller falls back to the
	// primary; the request is never retried against the secondary.
	ErrWindowExceeded = errors.New("requested range exceeds provider window")

	// ErrCacheCorrupt marks a durable cache entry that failed validation.
	// Treated as a cache miss, never surfaced to consumers as a failure.
	ErrCacheCorrupt = errors.New("cache entry corrupt")
)
