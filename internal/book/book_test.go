package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/errs"
)

func newTestBook() *Book {
	return New(Config{
		MaxLevels:        100,
		MaxPriceDistance: decimal.NewFromInt(500),
		TickSize:         decimal.NewFromFloat(0.01),
		StaleThreshold:   time.Second,
	})
}

func TestApplySnapshotSeeds(t *testing.T) {
	b := newTestBook()
	err := b.ApplySnapshot(100, [][2]string{{"88.99", "1000"}}, [][2]string{{"89.01", "1000"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bid, ok := b.GetBestBid()
	if !ok || !bid.Equal(decimal.NewFromFloat(88.99)) {
		t.Fatalf("bestBid = %v, ok=%v", bid, ok)
	}
	ask, ok := b.GetBestAsk()
	if !ok || !ask.Equal(decimal.NewFromFloat(89.01)) {
		t.Fatalf("bestAsk = %v, ok=%v", ask, ok)
	}
	if !bid.LessThan(ask) {
		t.Fatal("invariant violated: bestBid must be < bestAsk")
	}
}

func TestApplyDiffSequenceGapOpensCircuit(t *testing.T) {
	b := newTestBook()
	_ = b.ApplySnapshot(100, nil, nil)
	err := b.ApplyDiff(105, 110, nil, nil)
	if !errors.Is(err, errs.ErrSequenceGap) {
		t.Fatalf("expected SequenceGap, got %v", err)
	}
	if !b.NeedsSnapshot() {
		t.Fatal("expected circuit open / needs snapshot after gap")
	}
}

func TestApplyDiffDuplicateRejected(t *testing.T) {
	b := newTestBook()
	_ = b.ApplySnapshot(100, nil, nil)
	if err := b.ApplyDiff(101, 105, [][2]string{{"89.00", "5"}}, nil); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	// Replaying the exact same diff must be a no-op, not an error and
	// not a double-apply.
	if err := b.ApplyDiff(101, 105, [][2]string{{"89.00", "5"}}, nil); err != nil {
		t.Fatalf("duplicate apply should be silently ignored, got %v", err)
	}
	lv := b.GetDepthAtPrice(decimal.NewFromFloat(89.00))
	if !lv.BidQty.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("qty should still be 5 after duplicate diff, got %v", lv.BidQty)
	}
}

func TestApplyDiffRemovesZeroQty(t *testing.T) {
	b := newTestBook()
	_ = b.ApplySnapshot(100, [][2]string{{"89.00", "5"}}, nil)
	if err := b.ApplyDiff(101, 102, [][2]string{{"89.00", "0"}}, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, ok := b.GetBestBid(); ok {
		t.Fatal("expected no bids after zero-quantity removal")
	}
}

func TestSumBand(t *testing.T) {
	b := newTestBook()
	_ = b.ApplySnapshot(100,
		[][2]string{{"89.00", "10"}, {"88.99", "5"}},
		[][2]string{{"89.01", "20"}, {"89.05", "999"}},
	)
	bidVol, askVol := b.SumBand(decimal.NewFromFloat(89.00), 2)
	if !bidVol.Equal(decimal.NewFromInt(15)) {
		t.Errorf("bidVol = %v, want 15", bidVol)
	}
	if !askVol.Equal(decimal.NewFromInt(20)) {
		t.Errorf("askVol = %v, want 20 (89.05 is outside the band)", askVol)
	}
}

func TestHealthReflectsCircuitState(t *testing.T) {
	b := newTestBook()
	_ = b.ApplySnapshot(100, nil, nil)
	h := b.GetHealth()
	if !h.Initialized || h.CircuitOpen {
		t.Fatalf("unexpected initial health: %+v", h)
	}
	_ = b.ApplyDiff(200, 210, nil, nil)
	h = b.GetHealth()
	if !h.CircuitOpen {
		t.Fatal("expected circuit open after sequence gap")
	}
}
