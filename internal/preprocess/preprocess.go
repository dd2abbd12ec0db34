// Package preprocess is the single-threaded, in-order pipeline that
// turns raw exchange events into EnrichedTrade values: depth updates
// mutate the book first, then each trade is validated, enriched with
// book and zone state, and emitted. Order of emission always matches
// order of input — this package must only ever be driven from the
// ingest goroutine.
package preprocess

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/zone"
)

// Preprocessor wires the OrderBook and ZoneAggregator into one ingest
// pipeline and hands emitted EnrichedTrade values to Emit.
type Preprocessor struct {
	book *book.Book
	zone *zone.Aggregator
	mx   *metrics.Collector
	log  zerolog.Logger

	// Emit receives every successfully enriched trade, in input order.
	// Must not block; detectors downstream must never suspend.
	Emit func(model.EnrichedTrade)
}

func New(b *book.Book, z *zone.Aggregator, mx *metrics.Collector, log zerolog.Logger) *Preprocessor {
	return &Preprocessor{book: b, zone: z, mx: mx, log: log.With().Str("component", "preprocessor").Logger()}
}

// HandleDepth applies a depth diff to the book. Sequence gaps are logged
// and counted but never propagated to the caller — the collaborator
// driving ingest observes the gap via book.NeedsSnapshot().
func (p *Preprocessor) HandleDepth(diff model.DiffDepth) {
	if err := p.book.ApplyDiff(diff.FirstID, diff.FinalID, diff.Bids, diff.Asks); err != nil {
		p.mx.SequenceGaps.Inc()
		p.log.Warn().Err(err).Int64("firstId", diff.FirstID).Int64("finalId", diff.FinalID).Msg("depth diff rejected")
	}
}

// HandleAggTrade validates, enriches and emits one aggressive trade.
// A trade that fails validation is dropped with invalid_trade incremented
// but never raises to the caller.
func (p *Preprocessor) HandleAggTrade(trade model.AggressiveTrade) {
	if !p.validate(trade) {
		p.mx.InvalidTrades.Inc()
		return
	}

	enriched := p.enrich(trade)
	p.zone.Update(trade, p.book)
	enriched.ZoneData = p.zone.SnapshotNear(trade.Price)

	p.mx.EnrichedTrades.Inc()
	if p.Emit != nil {
		p.Emit(enriched)
	}
}

func (p *Preprocessor) validate(trade model.AggressiveTrade) bool {
	if trade.Price.IsNegative() || trade.Price.IsZero() {
		return false
	}
	if trade.Quantity.IsNegative() || trade.Quantity.IsZero() {
		return false
	}
	return true
}

func (p *Preprocessor) enrich(trade model.AggressiveTrade) model.EnrichedTrade {
	health := p.book.GetHealth()
	bestBid, okBid := p.book.GetBestBid()
	bestAsk, okAsk := p.book.GetBestAsk()
	if !okBid {
		bestBid = decimal.Zero
	}
	if !okAsk {
		bestAsk = decimal.Zero
	}

	lvl := p.book.GetDepthAtPrice(trade.Price)

	return model.EnrichedTrade{
		AggressiveTrade: trade,
		BestBid:         bestBid,
		BestAsk:         bestAsk,
		PassiveBidAt:    lvl.BidQty,
		PassiveAskAt:    lvl.AskQty,
		BookHealthy:     health.Initialized && !health.CircuitOpen,
	}
}
