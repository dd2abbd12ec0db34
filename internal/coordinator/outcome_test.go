package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/storage"
)

func TestOutcomeTrackerFinalizesSuccessForBuy(t *testing.T) {
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	sig := model.ConfirmedSignal{
		ID: "sig1",
		Processed: model.ProcessedSignal{
			ID: "sig1", Type: "absorption", Side: "buy",
			Price: decimal.NewFromFloat(89.01), CreatedAt: now,
		},
		FinalPrice:  decimal.NewFromFloat(89.01),
		ConfirmedAt: now,
	}
	if err := store.RecordConfirmedSignal(ctx, sig); err != nil {
		t.Fatalf("record confirmed signal: %v", err)
	}

	tracker := NewOutcomeTracker(store, zerolog.Nop())
	tracker.PriceAt = func(t time.Time) (decimal.Decimal, bool) {
		return decimal.NewFromFloat(90.50), true
	}

	tracker.Tick(ctx, now.Add(61*time.Minute))

	outcomes, err := store.ActiveOutcomes(ctx)
	if err != nil {
		t.Fatalf("active outcomes: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected outcome finalized and no longer active, got %d still active", len(outcomes))
	}
}

func TestOutcomeTrackerFinalizesFailureForSell(t *testing.T) {
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	sig := model.ConfirmedSignal{
		ID: "sig2",
		Processed: model.ProcessedSignal{
			ID: "sig2", Type: "exhaustion", Side: "sell",
			Price: decimal.NewFromFloat(86.26), CreatedAt: now,
		},
		FinalPrice:  decimal.NewFromFloat(86.26),
		ConfirmedAt: now,
	}
	if err := store.RecordConfirmedSignal(ctx, sig); err != nil {
		t.Fatalf("record confirmed signal: %v", err)
	}

	tracker := NewOutcomeTracker(store, zerolog.Nop())
	// price rose after a sell signal: adverse move, expect "failure"
	tracker.PriceAt = func(t time.Time) (decimal.Decimal, bool) {
		return decimal.NewFromFloat(87.00), true
	}
	tracker.Tick(ctx, now.Add(61*time.Minute))

	var outcome string
	var maxAdv float64
	store.SqlDB().QueryRow(`SELECT outcome, max_adverse FROM signal_outcomes WHERE signal_id = 'sig2'`).Scan(&outcome, &maxAdv)
	if outcome != "failure" {
		t.Fatalf("outcome = %s, want failure", outcome)
	}
	if maxAdv <= 0 {
		t.Fatalf("max_adverse = %f, want > 0", maxAdv)
	}
}

func TestOutcomeTrackerSkipsWhenPriceUnavailable(t *testing.T) {
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	sig := model.ConfirmedSignal{
		ID:          "sig3",
		Processed:   model.ProcessedSignal{ID: "sig3", Side: "buy"},
		FinalPrice:  decimal.NewFromFloat(100),
		ConfirmedAt: now,
	}
	if err := store.RecordConfirmedSignal(ctx, sig); err != nil {
		t.Fatalf("record confirmed signal: %v", err)
	}

	tracker := NewOutcomeTracker(store, zerolog.Nop())
	tracker.PriceAt = func(t time.Time) (decimal.Decimal, bool) { return decimal.Decimal{}, false }
	tracker.Tick(ctx, now.Add(61*time.Minute))

	outcomes, err := store.ActiveOutcomes(ctx)
	if err != nil {
		t.Fatalf("active outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected outcome to remain active when no price available, got %d", len(outcomes))
	}
}
