// Package spoof implements the SpoofingDetector side-car (spec §4.9): a
// tracker of passive size changes at individual price levels, used by the
// absorption detector to veto signals at a level whose apparent liquidity
// was just pulled rather than consumed. The exhaustion detector does not
// consult it.
package spoof

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/money"
)

// Config holds the detector's tunables.
type Config struct {
	MinWallSize   decimal.Decimal // passive size must be at least this to count as a "wall"
	PullFraction  decimal.Decimal // fraction of the wall that must vanish to count as a pull
	PullWindow    time.Duration   // window within which the drop must occur
}

type observation struct {
	size decimal.Decimal
	ts   int64
}

type levelKey struct {
	price string // decimal string, normalized by caller to tickSize
	side  string // "bid" | "ask"
}

// Detector tracks, per (price, side), the most recent passive size seen
// and whether a qualifying wall pull has just been recorded. Single
// writer (ingest goroutine) — same ownership rule as OrderBook/Aggregator.
type Detector struct {
	cfg    Config
	last   map[levelKey]observation
	pulled map[levelKey]int64 // price/side -> timestamp of last detected pull
}

func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		last:   make(map[levelKey]observation),
		pulled: make(map[levelKey]int64),
	}
}

// Observe records the current passive size at price/side. Call this once
// per book update for levels of interest (cmd/orderflow calls it from the
// ingest depth hook; the detectors only read WasSpoofed). A wall pull is
// recorded when size
// was >= MinWallSize and has since dropped by more than PullFraction
// within PullWindow, without a matching aggressive trade (callers that
// know a trade just consumed the level should call Consume instead of
// Observe for that level/tick).
func (d *Detector) Observe(price decimal.Decimal, side string, size decimal.Decimal, now time.Time) {
	key := levelKey{price: price.String(), side: side}
	nowMs := now.UnixMilli()

	prev, ok := d.last[key]
	d.last[key] = observation{size: size, ts: nowMs}
	if !ok {
		return
	}
	if prev.size.LessThan(d.cfg.MinWallSize) {
		return
	}
	if nowMs-prev.ts > d.cfg.PullWindow.Milliseconds() {
		return
	}
	drop := money.SubQuantities(prev.size, size)
	if drop.IsNegative() {
		return
	}
	threshold := prev.size.Mul(d.cfg.PullFraction)
	if drop.GreaterThan(threshold) {
		d.pulled[key] = nowMs
	}
}

// Consume marks price/side as having just been hit by a matching
// aggressive trade, clearing any pull flag — a drop explained by a trade
// is not spoofing.
func (d *Detector) Consume(price decimal.Decimal, side string) {
	key := levelKey{price: price.String(), side: side}
	delete(d.pulled, key)
}

// WasSpoofed reports whether price/side was pulled within PullWindow of
// now. bookAtFn is accepted for interface symmetry with callers that
// sample the live book before asking (kept here so the signature matches
// spec §4.9's "wasSpoofed(price, side, now, bookAtFn)"); this
// implementation only needs its own pull history to answer.
func (d *Detector) WasSpoofed(price decimal.Decimal, side string, now time.Time, bookAtFn func(decimal.Decimal) decimal.Decimal) bool {
	_ = bookAtFn
	key := levelKey{price: price.String(), side: side}
	ts, ok := d.pulled[key]
	if !ok {
		return false
	}
	return now.UnixMilli()-ts <= d.cfg.PullWindow.Milliseconds()
}
