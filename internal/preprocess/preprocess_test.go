package preprocess

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/zone"
)

func newPreprocessor() (*Preprocessor, *metrics.Collector) {
	b := book.New(book.Config{
		MaxLevels:        100,
		TickSize:         decimal.NewFromFloat(0.01),
		MaxPriceDistance: decimal.NewFromInt(1000),
	})
	_ = b.ApplySnapshot(1, [][2]string{{"89.00", "100"}}, [][2]string{{"89.01", "100"}})
	z := zone.New(zone.Config{
		TickSize:             decimal.NewFromFloat(0.01),
		ZoneTicks:            10,
		TickMultipliers:      []int{1},
		ZoneCalculationRange: 50,
		MaxZones:             20,
		WarmupTrades:         1,
	})
	mx := metrics.New()
	return New(b, z, mx, zerolog.Nop()), mx
}

func TestHandleAggTradeEmitsInOrder(t *testing.T) {
	p, _ := newPreprocessor()
	var emitted []model.EnrichedTrade
	p.Emit = func(e model.EnrichedTrade) { emitted = append(emitted, e) }

	p.HandleAggTrade(model.AggressiveTrade{ID: 1, Price: decimal.RequireFromString("89.01"), Quantity: decimal.RequireFromString("1")})
	p.HandleAggTrade(model.AggressiveTrade{ID: 2, Price: decimal.RequireFromString("89.00"), Quantity: decimal.RequireFromString("2")})

	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted trades, got %d", len(emitted))
	}
	if emitted[0].ID != 1 || emitted[1].ID != 2 {
		t.Fatalf("emission order mismatch: %+v", emitted)
	}
}

func TestInvalidTradeDroppedSilently(t *testing.T) {
	p, mx := newPreprocessor()
	called := false
	p.Emit = func(model.EnrichedTrade) { called = true }

	p.HandleAggTrade(model.AggressiveTrade{ID: 1, Price: decimal.Zero, Quantity: decimal.RequireFromString("1")})

	if called {
		t.Fatal("invalid trade must not be emitted")
	}
	if mx.InvalidTrades.Value() != 1 {
		t.Fatalf("invalid_trade counter = %d, want 1", mx.InvalidTrades.Value())
	}
}

func TestHandleDepthSequenceGapDoesNotPanic(t *testing.T) {
	p, mx := newPreprocessor()
	p.HandleDepth(model.DiffDepth{FirstID: 500, FinalID: 510})
	if mx.SequenceGaps.Value() != 1 {
		t.Fatalf("sequence gap counter = %d, want 1", mx.SequenceGaps.Value())
	}
}
