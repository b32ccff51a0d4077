package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		Symbol:    "aapl",
		Name:      "Apple Inc.",
		Sector:    "Technology",
		Industry:  "Consumer Electronics",
		QuoteType: "EQUITY",
		Currency:  "USD",
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("record should be present and fresh")
	}
	if got.Symbol != "AAPL" || got.Name != "Apple Inc." || got.Currency != "USD" {
		t.Errorf("Get returned %+v", got)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt must be stamped on Put")
	}
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("absent record must return ok=false")
	}
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return base }
	if err := s.Put(ctx, Record{Symbol: "AAPL", Name: "Apple Inc."}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Six days later: still fresh.
	s.Now = func() time.Time { return base.Add(6 * 24 * time.Hour) }
	if _, ok, _ := s.Get(ctx, "AAPL"); !ok {
		t.Error("record should be fresh within the TTL")
	}

	// Eight days later: expired.
	s.Now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	if _, ok, _ := s.Get(ctx, "AAPL"); ok {
		t.Error("record past the TTL must be treated as absent")
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return base }
	if err := s.Put(ctx, Record{Symbol: "OLD"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s.Now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	if err := s.Put(ctx, Record{Symbol: "NEW"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, err := s.Prune(ctx, DefaultTTL)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d records, want 1", n)
	}

	if _, ok, _ := s.Get(ctx, "NEW"); !ok {
		t.Error("fresh record must survive Prune")
	}
}
