// Package exhaustion implements the Exhaustion detector (spec §4.6):
// sustained aggression into one side while that side's opposing passive
// liquidity is being depleted signals the aggressor is running out of
// counterparties. Unlike absorption, the signal direction here tracks the
// depleted side directly, not counter-trend.
package exhaustion

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/money"
)

// Config holds thresholds and the six confidence weights, all sourced
// from cfg.Config — per spec §4.6 "all weights configured, never inline".
type Config struct {
	MinAggVolume           decimal.Decimal
	ExhaustionThreshold    decimal.Decimal // aggressiveRatio floor
	DepletionRatioThresh   decimal.Decimal
	MinPeakVolume          decimal.Decimal
	EventCooldown          time.Duration
	TickSize               decimal.Decimal
	CooldownBucketTicks    int
	ContinuityNormalizer   decimal.Decimal // tradeCount that maps to a continuity term of 1.0
	SpreadNormalizerTicks  decimal.Decimal

	WeightDepletion  float64 // 0.40
	WeightPassive    float64 // 0.25
	WeightContinuity float64 // 0.15
	WeightImbalance  float64 // 0.10
	WeightSpread     float64 // 0.08
	WeightVelocity   float64 // 0.02
}

// Detector is the Exhaustion detector. Single writer (ingest goroutine).
type Detector struct {
	cfg    Config
	mx     *metrics.Collector
	log    zerolog.Logger
	cooled map[string]int64
	prevDepletion map[string]decimal.Decimal // zone center -> last depletionRatio, for the velocity term
	unhealthy bool
}

// Healthy reports whether the detector is still emitting. An invariant
// violation (corrupt upstream data) latches it unhealthy until Reset.
func (d *Detector) Healthy() bool { return !d.unhealthy }

// Reset clears an invariant-violation latch, resuming emission.
func (d *Detector) Reset() { d.unhealthy = false }

func New(cfg Config, mx *metrics.Collector, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:           cfg,
		mx:            mx,
		log:           log.With().Str("component", "exhaustion").Logger(),
		cooled:        make(map[string]int64),
		prevDepletion: make(map[string]decimal.Decimal),
	}
}

func (d *Detector) OnTrade(trade model.EnrichedTrade) (model.SignalCandidate, bool) {
	if d.unhealthy {
		return model.SignalCandidate{}, false
	}
	if trade.Price.Sign() <= 0 {
		d.unhealthy = true
		d.mx.InternalErrors.Inc()
		d.log.Error().Str("correlation_id", uuid.NewString()).Str("price", trade.Price.String()).
			Msg("invariant violation: non-positive trade price, suppressing until reset")
		return model.SignalCandidate{}, false
	}
	if len(trade.ZoneData.Zones) == 0 {
		d.mx.InternalErrors.Inc()
		return model.SignalCandidate{}, false
	}

	side := trade.TakerSide()
	nearest := trade.ZoneData.Zones[0]

	aggVol := decimal.Zero
	relevantPassive := decimal.Zero
	for _, z := range trade.ZoneData.Zones {
		aggVol = money.AddQuantities(aggVol, z.AggVol)
		if side == "buy" {
			relevantPassive = money.AddQuantities(relevantPassive, z.PassiveAskVol)
		} else {
			relevantPassive = money.AddQuantities(relevantPassive, z.PassiveBidVol)
		}
	}
	if aggVol.LessThan(d.cfg.MinAggVolume) {
		return model.SignalCandidate{}, false
	}

	aggressiveRatio := money.Ratio(aggVol, relevantPassive)
	if aggressiveRatio.LessThan(d.cfg.ExhaustionThreshold) {
		return model.SignalCandidate{}, false
	}

	var peak, current decimal.Decimal
	if side == "buy" {
		peak, current = nearest.PeakPassiveAsk, nearest.PassiveAskVol
	} else {
		peak, current = nearest.PeakPassiveBid, nearest.PassiveBidVol
	}
	if peak.LessThan(d.cfg.MinPeakVolume) {
		return model.SignalCandidate{}, false
	}
	depletionRatio := money.DivQuantities(money.SubQuantities(peak, current), peak)
	if depletionRatio.LessThan(d.cfg.DepletionRatioThresh) {
		return model.SignalCandidate{}, false
	}

	// ask depleted (buy trades) => "buy"; bid depleted (sell trades) => "sell"
	signalSide := side

	bucket := money.NormalizePriceToTick(trade.Price, d.cfg.TickSize.Mul(decimal.NewFromInt(int64(d.cfg.CooldownBucketTicks))))
	key := signalSide + ":" + bucket.String()
	if last, ok := d.cooled[key]; ok && trade.TradeTime-last < d.cfg.EventCooldown.Milliseconds() {
		return model.SignalCandidate{}, false
	}

	confidence := d.confidence(trade, nearest, aggVol, depletionRatio, key)
	d.cooled[key] = trade.TradeTime
	d.prevDepletion[key] = depletionRatio

	return model.SignalCandidate{
		ID:         uuid.NewString(),
		DetectorID: "exhaustion",
		Type:       "exhaustion",
		Side:       signalSide,
		Confidence: confidence,
		Price:      trade.Price,
		Timestamp:  time.UnixMilli(trade.TradeTime),
		Data: map[string]any{
			"aggVol":          aggVol,
			"aggressiveRatio": aggressiveRatio,
			"depletionRatio":  depletionRatio,
			"peak":            peak,
		},
	}, true
}

func (d *Detector) confidence(trade model.EnrichedTrade, z model.ZoneSnapshot, aggVol, depletionRatio decimal.Decimal, key string) float64 {
	depletion, _ := depletionRatio.Float64()

	aggressiveRatio := money.Ratio(aggVol, z.PassiveAskVol.Add(z.PassiveBidVol))
	passiveTerm, _ := aggressiveRatio.Float64()

	continuity := 0.0
	if d.cfg.ContinuityNormalizer.IsPositive() {
		c := money.DivQuantities(decimal.NewFromInt(z.TradeCount), d.cfg.ContinuityNormalizer)
		continuity, _ = money.Clamp(c, decimal.Zero, decimal.NewFromInt(1)).Float64()
	}

	imbalance := 0.0
	if !z.AggVol.IsZero() {
		imb := z.AggBuyVol.Sub(z.AggSellVol).Abs().Div(z.AggVol)
		imbalance, _ = imb.Float64()
	}

	spread := 0.0
	if d.cfg.SpreadNormalizerTicks.IsPositive() && !d.cfg.TickSize.IsZero() {
		sp := trade.BestAsk.Sub(trade.BestBid)
		if sp.IsNegative() {
			sp = decimal.Zero
		}
		spreadTicks := sp.Div(d.cfg.TickSize)
		term := decimal.NewFromInt(1).Sub(money.Clamp(money.DivQuantities(spreadTicks, d.cfg.SpreadNormalizerTicks), decimal.Zero, decimal.NewFromInt(1)))
		spread, _ = term.Float64()
	}

	velocity := 0.0
	if prev, ok := d.prevDepletion[key]; ok {
		delta := depletionRatio.Sub(prev)
		if delta.IsPositive() {
			velocity, _ = money.Clamp(delta, decimal.Zero, decimal.NewFromInt(1)).Float64()
		}
	}

	confidence := depletion*d.cfg.WeightDepletion +
		passiveTerm*d.cfg.WeightPassive +
		continuity*d.cfg.WeightContinuity +
		imbalance*d.cfg.WeightImbalance +
		spread*d.cfg.WeightSpread +
		velocity*d.cfg.WeightVelocity

	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
