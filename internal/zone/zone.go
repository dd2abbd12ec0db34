// Package zone maintains, per configured tick multiplier, a moving window
// of price zones around the most recent trade: volume, VWAP and passive
// liquidity aggregated over a price band rather than a single tick. It is
// the ingest-thread-owned counterpart to internal/book — mutated only from
// the ingest goroutine, consumed elsewhere exclusively through the
// immutable model.ZoneSnapshot values attached to each enriched trade.
package zone

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/money"
)

// Config holds the aggregator's tunables, sourced from cfg.Config.
type Config struct {
	TickSize             decimal.Decimal
	ZoneTicks            int // base zone width, in ticks, before multiplier
	TickMultipliers      []int
	ZoneCalculationRange int // ticks; snapshotNear search radius
	TimeWindow           time.Duration
	MaxZones             int // per-layer cap, LRU by lastTs
	WarmupTrades         int // trades processed before ZoneData.Warm is true
}

type zoneState struct {
	index          int64 // price bucket index within its layer
	tickMultiplier int
	min, max       decimal.Decimal
	aggVol         decimal.Decimal
	aggBuyVol      decimal.Decimal
	aggSellVol     decimal.Decimal
	passiveBidVol  decimal.Decimal
	passiveAskVol  decimal.Decimal
	peakPassiveBid decimal.Decimal
	peakPassiveAsk decimal.Decimal
	tradeCount     int64
	vwapNum        decimal.Decimal // running Σ price*qty
	firstTs        int64
	lastTs         int64
}

func (z *zoneState) center() decimal.Decimal {
	return money.AddAmounts(z.min, z.max, 8).Div(decimal.NewFromInt(2))
}

func (z *zoneState) vwap() decimal.Decimal {
	if z.aggVol.IsZero() {
		return z.center()
	}
	return z.vwapNum.Div(z.aggVol)
}

func (z *zoneState) snapshot(id string) model.ZoneSnapshot {
	return model.ZoneSnapshot{
		ID:             id,
		TickMultiplier: z.tickMultiplier,
		CenterPrice:    z.center(),
		Min:            z.min,
		Max:            z.max,
		AggVol:         z.aggVol,
		AggBuyVol:      z.aggBuyVol,
		AggSellVol:     z.aggSellVol,
		PassiveBidVol:  z.passiveBidVol,
		PassiveAskVol:  z.passiveAskVol,
		PeakPassiveBid: z.peakPassiveBid,
		PeakPassiveAsk: z.peakPassiveAsk,
		TradeCount:     z.tradeCount,
		VWAP:           z.vwap(),
		FirstTs:        z.firstTs,
		LastTs:         z.lastTs,
	}
}

type layer struct {
	tickMultiplier int
	width          decimal.Decimal // m * zoneTicks * tickSize
	zones          map[int64]*zoneState
}

func (l *layer) bucketIndex(price decimal.Decimal) int64 {
	return price.Div(l.width).Floor().IntPart()
}

func (l *layer) zoneFor(price decimal.Decimal) *zoneState {
	idx := l.bucketIndex(price)
	z, ok := l.zones[idx]
	if !ok {
		min := l.width.Mul(decimal.NewFromInt(idx))
		z = &zoneState{
			index:          idx,
			tickMultiplier: l.tickMultiplier,
			min:            min,
			max:            min.Add(l.width),
			aggVol:         decimal.Zero,
			aggBuyVol:      decimal.Zero,
			aggSellVol:     decimal.Zero,
			passiveBidVol:  decimal.Zero,
			passiveAskVol:  decimal.Zero,
			peakPassiveBid: decimal.Zero,
			peakPassiveAsk: decimal.Zero,
			vwapNum:        decimal.Zero,
		}
		l.zones[idx] = z
	}
	return z
}

// Aggregator is the ZoneAggregator of the data model: one layer per
// configured tick multiplier, each an independent map of zones keyed by
// price bucket.
type Aggregator struct {
	cfg       Config
	layers    map[int]*layer
	numUpdate int
}

func New(cfg Config) *Aggregator {
	a := &Aggregator{cfg: cfg, layers: make(map[int]*layer, len(cfg.TickMultipliers))}
	for _, m := range cfg.TickMultipliers {
		width := cfg.TickSize.Mul(decimal.NewFromInt(int64(m * cfg.ZoneTicks)))
		a.layers[m] = &layer{
			tickMultiplier: m,
			width:          width,
			zones:          make(map[int64]*zoneState),
		}
	}
	return a
}

// Update finds or creates the zone containing trade.Price in every
// configured layer, folds in the trade's volume/VWAP, and refreshes
// passive volume by sampling ob at the zone's center.
func (a *Aggregator) Update(trade model.AggressiveTrade, ob *book.Book) {
	a.numUpdate++
	nowMs := trade.TradeTime
	for _, m := range a.cfg.TickMultipliers {
		l := a.layers[m]
		z := l.zoneFor(trade.Price)

		z.aggVol = money.AddQuantities(z.aggVol, trade.Quantity)
		if trade.TakerSide() == "buy" {
			z.aggBuyVol = money.AddQuantities(z.aggBuyVol, trade.Quantity)
		} else {
			z.aggSellVol = money.AddQuantities(z.aggSellVol, trade.Quantity)
		}
		z.vwapNum = z.vwapNum.Add(trade.Price.Mul(trade.Quantity))
		z.tradeCount++
		if z.firstTs == 0 {
			z.firstTs = nowMs
		}
		z.lastTs = nowMs

		halfWidthTicks := (m * a.cfg.ZoneTicks) / 2
		if halfWidthTicks < 1 {
			halfWidthTicks = 1
		}
		bidVol, askVol := ob.SumBand(z.center(), halfWidthTicks)
		z.passiveBidVol = bidVol
		z.passiveAskVol = askVol
		z.peakPassiveBid = money.Max(z.peakPassiveBid, bidVol)
		z.peakPassiveAsk = money.Max(z.peakPassiveAsk, askVol)
	}
}

// SnapshotNear returns the zones, across every layer, whose center lies
// within ZoneCalculationRange ticks of price — sorted by distance from
// price ascending. ZoneData.Warm is false until WarmupTrades updates
// have been observed.
func (a *Aggregator) SnapshotNear(price decimal.Decimal) model.ZoneData {
	type candidate struct {
		snap model.ZoneSnapshot
		dist decimal.Decimal
	}

	rangeWidth := a.cfg.TickSize.Mul(decimal.NewFromInt(int64(a.cfg.ZoneCalculationRange)))
	var candidates []candidate
	for _, m := range a.cfg.TickMultipliers {
		l := a.layers[m]
		for idx, z := range l.zones {
			center := z.center()
			dist := center.Sub(price).Abs()
			if dist.GreaterThan(rangeWidth) {
				continue
			}
			candidates = append(candidates, candidate{
				snap: z.snapshot(zoneID(m, idx)),
				dist: dist,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dist.LessThan(candidates[j].dist)
	})

	zones := make([]model.ZoneSnapshot, len(candidates))
	for i, c := range candidates {
		zones[i] = c.snap
	}
	return model.ZoneData{
		Warm:  a.numUpdate >= a.cfg.WarmupTrades,
		Zones: zones,
	}
}

// Tick expires zones whose lastTs is older than cfg.TimeWindow relative
// to now, and caps each layer's stored zone count at cfg.MaxZones,
// evicting the least-recently-touched zones first.
func (a *Aggregator) Tick(now time.Time) {
	cutoff := now.Add(-a.cfg.TimeWindow).UnixMilli()
	for _, l := range a.layers {
		for idx, z := range l.zones {
			if z.lastTs < cutoff {
				delete(l.zones, idx)
			}
		}
		if a.cfg.MaxZones > 0 && len(l.zones) > a.cfg.MaxZones {
			evictOldest(l, len(l.zones)-a.cfg.MaxZones)
		}
	}
}

func evictOldest(l *layer, count int) {
	type entry struct {
		idx    int64
		lastTs int64
	}
	entries := make([]entry, 0, len(l.zones))
	for idx, z := range l.zones {
		entries = append(entries, entry{idx: idx, lastTs: z.lastTs})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastTs < entries[j].lastTs })
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.zones, entries[i].idx)
	}
}

func zoneID(multiplier int, bucketIndex int64) string {
	return strconv.Itoa(multiplier) + ":" + strconv.FormatInt(bucketIndex, 10)
}
