// Package accumdist implements the Accumulation/Distribution detector
// (spec §4.8): unlike absorption/exhaustion it looks only at zone
// volumes, not the individual trade's passive context. Accumulation
// always signals "buy"; distribution always signals "sell".
package accumdist

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/money"
)

// Config holds thresholds and confidence weights, sourced from cfg.Config.
type Config struct {
	ConfluenceMaxDistance       decimal.Decimal // ticks
	TickSize                    decimal.Decimal
	AccumulationVolumeThreshold decimal.Decimal
	AccumulationRatioThreshold  decimal.Decimal
	DistributionRatioThreshold  decimal.Decimal
	ExpectedZoneCount           int // for the zone-density confluence factor
	EventCooldown               time.Duration
	CooldownBucketTicks         int

	WeightRatio        float64
	WeightConfluence   float64
	WeightInstitutional float64
	WeightAlignment    float64
}

// Detector is the Accumulation/Distribution detector. Single writer
// (ingest goroutine).
type Detector struct {
	cfg    Config
	mx     *metrics.Collector
	log    zerolog.Logger
	cooled map[string]int64
	unhealthy bool
}

// Healthy reports whether the detector is still emitting. An invariant
// violation (corrupt upstream data) latches it unhealthy until Reset.
func (d *Detector) Healthy() bool { return !d.unhealthy }

// Reset clears an invariant-violation latch, resuming emission.
func (d *Detector) Reset() { d.unhealthy = false }

func New(cfg Config, mx *metrics.Collector, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		mx:     mx,
		log:    log.With().Str("component", "accumdist").Logger(),
		cooled: make(map[string]int64),
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
	relevant := d.relevantZones(trade)
	if len(relevant) == 0 {
		d.mx.InternalErrors.Inc()
		return model.SignalCandidate{}, false
	}

	totalVol := decimal.Zero
	aggBuyVol := decimal.Zero
	aggSellVol := decimal.Zero
	for _, z := range relevant {
		zoneTotal := z.AggVol.Add(z.PassiveBidVol).Add(z.PassiveAskVol)
		totalVol = money.AddQuantities(totalVol, zoneTotal)
		aggBuyVol = money.AddQuantities(aggBuyVol, z.AggBuyVol)
		aggSellVol = money.AddQuantities(aggSellVol, z.AggSellVol)
	}
	if totalVol.LessThan(d.cfg.AccumulationVolumeThreshold) {
		return model.SignalCandidate{}, false
	}

	buyRatio := money.Ratio(aggBuyVol, totalVol.Sub(aggBuyVol))
	sellRatio := money.Ratio(aggSellVol, totalVol.Sub(aggSellVol))

	if buyRatio.GreaterThanOrEqual(d.cfg.AccumulationRatioThreshold) {
		if cand, ok := d.emit(trade, "accumulation", "buy", buyRatio, relevant, totalVol); ok {
			return cand, true
		}
	}
	if sellRatio.GreaterThanOrEqual(d.cfg.DistributionRatioThreshold) {
		if cand, ok := d.emit(trade, "distribution", "sell", sellRatio, relevant, totalVol); ok {
			return cand, true
		}
	}
	return model.SignalCandidate{}, false
}

func (d *Detector) relevantZones(trade model.EnrichedTrade) []model.ZoneSnapshot {
	maxDist := d.cfg.TickSize.Mul(d.cfg.ConfluenceMaxDistance)
	var out []model.ZoneSnapshot
	for _, z := range trade.ZoneData.Zones {
		if z.CenterPrice.Sub(trade.Price).Abs().LessThanOrEqual(maxDist) {
			out = append(out, z)
		}
	}
	return out
}

func (d *Detector) emit(trade model.EnrichedTrade, typ, side string, ratio decimal.Decimal, relevant []model.ZoneSnapshot, totalVol decimal.Decimal) (model.SignalCandidate, bool) {
	bucket := money.NormalizePriceToTick(trade.Price, d.cfg.TickSize.Mul(decimal.NewFromInt(int64(d.cfg.CooldownBucketTicks))))
	key := side + ":" + bucket.String()
	if last, ok := d.cooled[key]; ok && trade.TradeTime-last < d.cfg.EventCooldown.Milliseconds() {
		return model.SignalCandidate{}, false
	}

	confidence := d.confidence(ratio, relevant, totalVol)
	d.cooled[key] = trade.TradeTime

	return model.SignalCandidate{
		ID:         uuid.NewString(),
		DetectorID: "accumdist",
		Type:       typ,
		Side:       side,
		Confidence: confidence,
		Price:      trade.Price,
		Timestamp:  time.UnixMilli(trade.TradeTime),
		Data: map[string]any{
			"ratio":    ratio,
			"totalVol": totalVol,
			"zones":    len(relevant),
		},
	}, true
}

func (d *Detector) confidence(ratio decimal.Decimal, relevant []model.ZoneSnapshot, totalVol decimal.Decimal) float64 {
	ratioTerm, _ := ratio.Float64()
	if ratioTerm > 1 {
		ratioTerm = 1
	}

	aggRatio := decimal.Zero
	aggSum := decimal.Zero
	buySum := decimal.Zero
	sellSum := decimal.Zero
	for _, z := range relevant {
		aggSum = money.AddQuantities(aggSum, z.AggVol)
		buySum = money.AddQuantities(buySum, z.AggBuyVol)
		sellSum = money.AddQuantities(sellSum, z.AggSellVol)
	}
	if !totalVol.IsZero() {
		aggRatio = money.DivQuantities(aggSum, totalVol)
	}
	zoneDensity := 1.0
	if d.cfg.ExpectedZoneCount > 0 {
		zoneDensity = float64(len(relevant)) / float64(d.cfg.ExpectedZoneCount)
		if zoneDensity > 1 {
			zoneDensity = 1
		}
	}
	aggRatioF, _ := aggRatio.Float64()
	confluenceTerm := aggRatioF * zoneDensity

	meanVol := money.DivQuantities(totalVol, decimal.NewFromInt(int64(len(relevant))))
	aboveMean := 0
	for _, z := range relevant {
		zoneTotal := z.AggVol.Add(z.PassiveBidVol).Add(z.PassiveAskVol)
		if zoneTotal.GreaterThan(meanVol) {
			aboveMean++
		}
	}
	institutionalTerm := float64(aboveMean) / float64(len(relevant))

	alignmentTerm := tickMultiplierAlignment(relevant, money.Ratio(buySum, sellSum))

	confidence := ratioTerm*d.cfg.WeightRatio +
		confluenceTerm*d.cfg.WeightConfluence +
		institutionalTerm*d.cfg.WeightInstitutional +
		alignmentTerm*d.cfg.WeightAlignment

	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// tickMultiplierAlignment reports the fraction of distinct tick
// multipliers present in relevant whose own aggBuy-vs-aggSell lean
// agrees with the overall ratio's lean (buy-dominant or sell-dominant).
func tickMultiplierAlignment(relevant []model.ZoneSnapshot, overallRatio decimal.Decimal) float64 {
	byMultiplier := make(map[int][2]decimal.Decimal) // multiplier -> (buy, sell)
	for _, z := range relevant {
		v := byMultiplier[z.TickMultiplier]
		v[0] = v[0].Add(z.AggBuyVol)
		v[1] = v[1].Add(z.AggSellVol)
		byMultiplier[z.TickMultiplier] = v
	}
	if len(byMultiplier) == 0 {
		return 0
	}
	overallBuyLean := overallRatio.GreaterThanOrEqual(decimal.NewFromFloat(0.5))
	aligned := 0
	for _, v := range byMultiplier {
		layerBuyLean := v[0].GreaterThanOrEqual(v[1])
		if layerBuyLean == overallBuyLean {
			aligned++
		}
	}
	return float64(aligned) / float64(len(byMultiplier))
}
