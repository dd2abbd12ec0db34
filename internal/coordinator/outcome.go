package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/storage"
)

// sampleOffsets are the {1,5,15,60}m marks spec.md §6's signal_outcomes
// table tracks (SPEC_FULL §3 supplement).
var sampleOffsets = []int{1, 5, 15, 60}

// OutcomeTracker polls active signal outcomes and finalizes them once
// enough price history has accumulated past a signal's confirmation.
type OutcomeTracker struct {
	store *storage.Storage
	log   zerolog.Logger

	// PriceAt returns the best available trade price at time t, or false
	// if no price is known that far back/forward yet.
	PriceAt func(t time.Time) (decimal.Decimal, bool)
}

func NewOutcomeTracker(store *storage.Storage, log zerolog.Logger) *OutcomeTracker {
	return &OutcomeTracker{store: store, log: log.With().Str("component", "outcome_tracker").Logger()}
}

// Tick samples and finalizes outcomes due for evaluation at now.
func (o *OutcomeTracker) Tick(ctx context.Context, now time.Time) {
	outcomes, err := o.store.ActiveOutcomes(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list active outcomes failed")
		return
	}

	for _, oc := range outcomes {
		for _, minute := range sampleOffsets {
			due := oc.EntryTs.Add(time.Duration(minute) * time.Minute)
			if now.Before(due) {
				continue
			}
			price, ok := o.PriceAt(due)
			if !ok {
				continue
			}
			p, _ := price.Float64()
			if err := o.store.UpdateOutcomeSample(ctx, oc.SignalID, minute, p); err != nil {
				o.log.Error().Err(err).Str("signal_id", oc.SignalID).Msg("update outcome sample failed")
			}
		}

		finalDue := oc.EntryTs.Add(time.Duration(sampleOffsets[len(sampleOffsets)-1]) * time.Minute)
		if now.Before(finalDue) {
			continue
		}
		finalPrice, ok := o.PriceAt(finalDue)
		if !ok {
			continue
		}
		o.finalize(ctx, oc, finalPrice)
	}
}

func (o *OutcomeTracker) finalize(ctx context.Context, oc model.SignalOutcome, finalPrice decimal.Decimal) {
	favorable := finalPrice.Sub(oc.EntryPrice)
	if oc.Side == "sell" {
		favorable = favorable.Neg()
	}
	maxFav, _ := favorable.Float64()
	maxAdv := 0.0
	if maxFav < 0 {
		maxAdv = -maxFav
		maxFav = 0
	}

	var outcome string
	switch {
	case favorable.GreaterThan(decimal.Zero):
		outcome = "success"
	case favorable.LessThan(decimal.Zero):
		outcome = "failure"
	default:
		outcome = "timeout"
	}

	if err := o.store.FinalizeOutcome(ctx, oc.SignalID, outcome, maxFav, maxAdv); err != nil {
		o.log.Error().Err(err).Str("signal_id", oc.SignalID).Msg("finalize outcome failed")
	}
}
