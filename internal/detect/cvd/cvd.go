// Package cvd implements the Delta-CVD detector (spec §4.7): for each
// configured rolling window, tracks cumulative signed volume (CVD) and
// compares its slope against the price slope. A divergence — price and
// CVD moving opposite ways — anticipates a reversal in the direction CVD
// is leaning.
package cvd

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
)

// Config holds the detector's tunables.
type Config struct {
	Windows             []time.Duration // e.g. {60s, 180s, 300s}
	UsePassiveVolume    bool
	RegressionSamples   int // N most recent samples used for the slope regression
	CVDImbalanceThresh  float64
	MinVolPerSec        decimal.Decimal
	MinTradesPerSec     decimal.Decimal
	CVDSlopeScale       float64 // normalizes cvd slope into roughly [-1,1]
	PriceSlopeScale     float64 // normalizes price slope into roughly [-1,1]
	EventCooldown       time.Duration
}

type sample struct {
	ts        int64
	cumCVD    float64
	price     float64
	signedQty float64
}

// result is the recycled CVDCalculationResult: one persistent instance
// per window, mutated in place on every trigger instead of allocated
// fresh, which is what spec §4.7's "recycled via a free list, pool size
// bounded by window count" amounts to without a generic object pool.
type result struct {
	cvdSlope      float64
	priceSlope    float64
	divergence    float64
	aggVolPerSec  float64
	sampleCount   int
}

type window struct {
	duration time.Duration
	samples  []sample // ring buffer, oldest first
	cumSum   float64
	res      result
	lastEmit int64
}

// Detector is the Delta-CVD detector. Single writer (ingest goroutine).
type Detector struct {
	cfg       Config
	windows   []*window
	mx        *metrics.Collector
	log       zerolog.Logger
	unhealthy bool
}

func New(cfg Config, mx *metrics.Collector, log zerolog.Logger) *Detector {
	d := &Detector{cfg: cfg, mx: mx, log: log.With().Str("component", "cvd").Logger()}
	for _, w := range cfg.Windows {
		d.windows = append(d.windows, &window{duration: w})
	}
	return d
}

// Healthy reports whether the detector is still emitting. An invariant
// violation (corrupt upstream data) latches it unhealthy until Reset.
func (d *Detector) Healthy() bool { return !d.unhealthy }

// Reset clears an invariant-violation latch, resuming emission.
func (d *Detector) Reset() { d.unhealthy = false }

// OnTrade feeds one enriched trade into every configured window and
// returns a SignalCandidate for the first window whose emission
// conditions hold, if any.
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
	q, _ := trade.Quantity.Float64()
	price, _ := trade.Price.Float64()
	sign := 1.0
	passive := trade.PassiveAskAt
	if trade.TakerSide() == "sell" {
		sign = -1.0
		passive = trade.PassiveBidAt
	}

	effQty := q
	if d.cfg.UsePassiveVolume && q > 0 {
		passiveF, _ := passive.Float64()
		boost := passiveF / q
		if boost > 5 {
			boost = 5
		}
		effQty = q * (1 + boost*0.1)
	}
	signedQty := sign * effQty

	for _, w := range d.windows {
		d.updateWindow(w, trade.TradeTime, price, signedQty)
	}

	for _, w := range d.windows {
		if cand, ok := d.evaluate(w, trade); ok {
			return cand, true
		}
	}
	return model.SignalCandidate{}, false
}

func (d *Detector) updateWindow(w *window, ts int64, price, signedQty float64) {
	w.cumSum += signedQty
	w.samples = append(w.samples, sample{ts: ts, cumCVD: w.cumSum, price: price, signedQty: signedQty})

	cutoff := ts - w.duration.Milliseconds()
	i := 0
	for i < len(w.samples) && w.samples[i].ts < cutoff {
		i++
	}
	if i > 0 {
		w.samples = append([]sample(nil), w.samples[i:]...)
	}
}

func (d *Detector) evaluate(w *window, trade model.EnrichedTrade) (model.SignalCandidate, bool) {
	n := d.cfg.RegressionSamples
	if n <= 0 || n > len(w.samples) {
		n = len(w.samples)
	}
	if n < 2 {
		return model.SignalCandidate{}, false
	}
	recent := w.samples[len(w.samples)-n:]

	w.res.cvdSlope = slope(recent, func(s sample) float64 { return s.cumCVD })
	w.res.priceSlope = slope(recent, func(s sample) float64 { return s.price })
	w.res.sampleCount = len(w.samples)

	var aggVol float64
	for _, s := range recent {
		if s.signedQty > 0 {
			aggVol += s.signedQty
		} else {
			aggVol -= s.signedQty
		}
	}
	seconds := w.duration.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	w.res.aggVolPerSec = aggVol / seconds

	normCVD := clampF(w.res.cvdSlope/d.cfg.CVDSlopeScale, -1, 1)
	normPrice := clampF(w.res.priceSlope/d.cfg.PriceSlopeScale, -1, 1)

	bullish := normPrice < 0 && normCVD > 0
	bearish := normPrice > 0 && normCVD < 0
	if !bullish && !bearish {
		w.res.divergence = 0
		return model.SignalCandidate{}, false
	}
	w.res.divergence = (absF(normCVD) + absF(normPrice)) / 2

	if w.res.divergence < d.cfg.CVDImbalanceThresh {
		return model.SignalCandidate{}, false
	}
	// MinVolPerSec/MinTradesPerSec are the config-facing thresholds on the
	// exchange's actual traded size and trade count, so the comparison
	// happens in decimal even though aggVolPerSec/sampleCount are derived
	// from the window's float regression state above.
	if decimal.NewFromFloat(w.res.aggVolPerSec).LessThan(d.cfg.MinVolPerSec) {
		return model.SignalCandidate{}, false
	}
	minTradeCount := d.cfg.MinTradesPerSec.Mul(decimal.NewFromFloat(seconds))
	if decimal.NewFromInt(int64(w.res.sampleCount)).LessThan(minTradeCount) {
		return model.SignalCandidate{}, false
	}
	if trade.TradeTime-w.lastEmit < d.cfg.EventCooldown.Milliseconds() {
		return model.SignalCandidate{}, false
	}

	side := "sell"
	if bullish {
		side = "buy"
	}
	w.lastEmit = trade.TradeTime

	return model.SignalCandidate{
		ID:         uuid.NewString(),
		DetectorID: "cvd",
		Type:       "cvd_divergence",
		Side:       side,
		Confidence: clampF(w.res.divergence, 0, 1),
		Price:      trade.Price,
		Timestamp:  time.UnixMilli(trade.TradeTime),
		Data: map[string]any{
			"window":     w.duration.String(),
			"cvdSlope":   w.res.cvdSlope,
			"priceSlope": w.res.priceSlope,
			"divergence": w.res.divergence,
		},
	}, true
}

// slope fits a simple linear regression over the given samples' index
// (x) vs extract(sample) (y) and returns the fitted slope.
func slope(samples []sample, extract func(sample) float64) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		y := extract(s)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
