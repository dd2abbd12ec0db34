// Package absorption implements the Absorption detector (spec §4.5): a
// price level absorbs when aggressive volume into one side is met by
// disproportionately large opposing passive volume and price fails to
// move away. Absorption signals are counter-trend: a buy-side absorption
// anticipates a reversal down, so its signal side is "sell", and
// vice versa.
package absorption

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/detect/spoof"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/money"
)

// Config holds the detector's thresholds and confidence weights, all
// sourced from cfg.Config — no inline magic numbers.
type Config struct {
	MinAggVolume             decimal.Decimal
	PassiveAbsorptionThresh  decimal.Decimal
	PriceEfficiencyThreshold decimal.Decimal
	FinalConfidenceRequired  float64
	WeightPassive            float64
	WeightEfficiency         float64
	InstitutionalBoost       float64
	EventCooldown            time.Duration
	TickSize                 decimal.Decimal
	CooldownBucketTicks      int // price bucket granularity for cooldown dedup
}

// Detector is the Absorption detector. Single writer (ingest goroutine).
type Detector struct {
	cfg       Config
	spoof     *spoof.Detector
	mx        *metrics.Collector
	log       zerolog.Logger
	cooled    map[string]int64 // (side,priceBucket) -> last emission unix-ms
	unhealthy bool
}

// Healthy reports whether the detector is still emitting. An invariant
// violation (corrupt upstream data) latches it unhealthy until Reset.
func (d *Detector) Healthy() bool { return !d.unhealthy }

// Reset clears an invariant-violation latch, resuming emission.
func (d *Detector) Reset() { d.unhealthy = false }

func New(cfg Config, sp *spoof.Detector, mx *metrics.Collector, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		spoof:  sp,
		mx:     mx,
		log:    log.With().Str("component", "absorption").Logger(),
		cooled: make(map[string]int64),
	}
}

// OnTrade evaluates one enriched trade and returns a SignalCandidate if
// all emission conditions hold; ok is false otherwise. Malformed zone
// data (no zones attached) increments metrics InternalErrors but never
// panics or returns an error to the caller.
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

	aggVol := decimal.Zero
	directionalPassive := decimal.Zero
	for _, z := range trade.ZoneData.Zones {
		aggVol = money.AddQuantities(aggVol, z.AggVol)
		if side == "buy" {
			directionalPassive = money.AddQuantities(directionalPassive, z.PassiveAskVol)
		} else {
			directionalPassive = money.AddQuantities(directionalPassive, z.PassiveBidVol)
		}
	}
	if aggVol.LessThan(d.cfg.MinAggVolume) {
		return model.SignalCandidate{}, false
	}

	passiveRatio := money.Ratio(directionalPassive, aggVol)
	if passiveRatio.LessThan(d.cfg.PassiveAbsorptionThresh) {
		return model.SignalCandidate{}, false
	}

	nearest := trade.ZoneData.Zones[0]
	priceMoveTicks := trade.Price.Sub(nearest.VWAP).Abs().Div(d.cfg.TickSize)
	priceEfficiency := money.DivQuantities(priceMoveTicks, aggVol)
	if priceEfficiency.GreaterThan(d.cfg.PriceEfficiencyThreshold) {
		return model.SignalCandidate{}, false
	}

	targetSide := "ask"
	if side == "sell" {
		targetSide = "bid"
	}
	now := time.UnixMilli(trade.TradeTime)
	if d.spoof != nil && d.spoof.WasSpoofed(nearest.CenterPrice, targetSide, now, nil) {
		return model.SignalCandidate{}, false
	}

	bucket := money.NormalizePriceToTick(trade.Price, d.cfg.TickSize.Mul(decimal.NewFromInt(int64(d.cfg.CooldownBucketTicks))))
	signalSide := "sell"
	if side == "sell" {
		signalSide = "buy"
	}
	key := signalSide + ":" + bucket.String()
	if last, ok := d.cooled[key]; ok {
		if trade.TradeTime-last < d.cfg.EventCooldown.Milliseconds() {
			return model.SignalCandidate{}, false
		}
	}

	effRatio, _ := d.cfg.PriceEfficiencyThreshold.Float64()
	eff, _ := priceEfficiency.Float64()
	pr, _ := passiveRatio.Float64()
	effScore := 1 - eff/effRatio
	if effScore < 0 {
		effScore = 0
	}
	confidence := pr*d.cfg.WeightPassive + effScore*d.cfg.WeightEfficiency + d.cfg.InstitutionalBoost
	if confidence > 1 {
		confidence = 1
	}
	if confidence < d.cfg.FinalConfidenceRequired {
		return model.SignalCandidate{}, false
	}

	d.cooled[key] = trade.TradeTime

	return model.SignalCandidate{
		ID:         uuid.NewString(),
		DetectorID: "absorption",
		Type:       "absorption",
		Side:       signalSide,
		Confidence: confidence,
		Price:      trade.Price,
		Timestamp:  now,
		Data: map[string]any{
			"aggVol":           aggVol,
			"passiveRatio":     passiveRatio,
			"priceEfficiency":  priceEfficiency,
			"zoneCenterPrice":  nearest.CenterPrice,
		},
	}, true
}
