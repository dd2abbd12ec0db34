// Package book maintains the live L2 order book for one symbol: a bid/ask
// price ladder built from a snapshot plus an ordered stream of diff
// updates. It is owned by a single writer, the ingest goroutine; other
// goroutines only ever observe it through the atomically published
// Health snapshot, the same lock-free handoff the teacher's orderbook
// package uses for its Pressure struct.
package book

import (
	"sort"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/errs"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/money"
)

// Config holds the orderbook's tunables, sourced from cfg.Config at
// construction. No magic numbers live in this package outside Config.
type Config struct {
	MaxLevels        int
	MaxPriceDistance decimal.Decimal // ticks from mid; entries beyond are pruned
	PruneInterval    time.Duration
	MaxErrorRate     float64
	StaleThreshold   time.Duration
	TickSize         decimal.Decimal
}

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
	ts    int64
}

// Book is the mutable L2 ladder. Every exported mutator (ApplySnapshot,
// ApplyDiff, Prune) must only ever be called from the ingest goroutine.
type Book struct {
	cfg Config

	bids []level // sorted descending by price
	asks []level // sorted ascending by price

	lastUpdateID int64
	initialized  bool
	circuitOpen  bool
	lastUpdateAt time.Time

	errWindow []int64 // unix-ms timestamps of recent rejected updates
	totalRecv int64

	health unsafe.Pointer // *model.OrderbookHealth
}

func New(cfg Config) *Book {
	b := &Book{cfg: cfg}
	atomic.StorePointer(&b.health, unsafe.Pointer(&model.OrderbookHealth{}))
	return b
}

// ApplySnapshot seeds the book from a full L2 snapshot and resets all
// sequencing state, closing the circuit breaker.
func (b *Book) ApplySnapshot(updateID int64, bids, asks [][2]string) error {
	newBids, err := parseLevels(bids)
	if err != nil {
		return errs.Wrap(errs.ErrValidation, "snapshot bids")
	}
	newAsks, err := parseLevels(asks)
	if err != nil {
		return errs.Wrap(errs.ErrValidation, "snapshot asks")
	}

	sort.Slice(newBids, func(i, j int) bool { return newBids[i].price.GreaterThan(newBids[j].price) })
	sort.Slice(newAsks, func(i, j int) bool { return newAsks[i].price.LessThan(newAsks[j].price) })

	b.bids = trimLevels(newBids, b.cfg.MaxLevels)
	b.asks = trimLevels(newAsks, b.cfg.MaxLevels)
	b.lastUpdateID = updateID
	b.initialized = true
	b.circuitOpen = false
	b.lastUpdateAt = time.Now()
	b.publish()
	return nil
}

// NeedsSnapshot reports whether the collaborator should fetch and apply a
// fresh snapshot: either the book never initialized, or its circuit is
// open from a sequence gap.
func (b *Book) NeedsSnapshot() bool {
	return !b.initialized || b.circuitOpen
}

// ApplyDiff applies an update whose sequence range is (U..u]. Updates
// fully at or before the book's current position are stale and ignored
// (this is what rejects a duplicate diff on replay). A gap — U greater
// than lastUpdateID+1 — opens the circuit breaker and returns
// errs.ErrSequenceGap; the collaborator must then request a fresh
// snapshot before further diffs are accepted.
func (b *Book) ApplyDiff(firstID, finalID int64, bids, asks [][2]string) error {
	b.totalRecv++
	if !b.initialized {
		return errs.Wrap(errs.ErrSequenceGap, "book not initialized")
	}
	if finalID <= b.lastUpdateID {
		return nil // stale, already applied
	}
	if firstID > b.lastUpdateID+1 {
		b.circuitOpen = true
		b.recordError()
		b.publish()
		return errs.Wrap(errs.ErrSequenceGap, "expected %d, got U=%d", b.lastUpdateID+1, firstID)
	}

	parsedBids, err := parseLevels(bids)
	if err != nil {
		return errs.Wrap(errs.ErrValidation, "diff bids")
	}
	parsedAsks, err := parseLevels(asks)
	if err != nil {
		return errs.Wrap(errs.ErrValidation, "diff asks")
	}

	now := time.Now().UnixMilli()
	for _, lv := range parsedBids {
		lv.ts = now
		b.bids = upsertLevel(b.bids, lv, true)
	}
	for _, lv := range parsedAsks {
		lv.ts = now
		b.asks = upsertLevel(b.asks, lv, false)
	}

	b.lastUpdateID = finalID
	b.lastUpdateAt = time.Now()
	b.publish()
	return nil
}

// GetBestBid returns the highest bid and whether the book has one.
func (b *Book) GetBestBid() (decimal.Decimal, bool) {
	if len(b.bids) == 0 {
		return decimal.Zero, false
	}
	return b.bids[0].price, true
}

// GetBestAsk returns the lowest ask and whether the book has one.
func (b *Book) GetBestAsk() (decimal.Decimal, bool) {
	if len(b.asks) == 0 {
		return decimal.Zero, false
	}
	return b.asks[0].price, true
}

// GetSpread returns bestAsk - bestBid, or (zero, false) if either side
// is empty.
func (b *Book) GetSpread() (decimal.Decimal, bool) {
	bid, ok1 := b.GetBestBid()
	ask, ok2 := b.GetBestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// GetMidPrice returns (bestBid+bestAsk)/2, or (zero, false) if either
// side is empty.
func (b *Book) GetMidPrice() (decimal.Decimal, bool) {
	bid, ok1 := b.GetBestBid()
	ask, ok2 := b.GetBestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return money.AddAmounts(bid, ask, 8).Div(decimal.NewFromInt(2)), true
}

// GetDepthAtPrice returns the bid and ask size resting exactly at p.
func (b *Book) GetDepthAtPrice(p decimal.Decimal) model.DepthLevel {
	out := model.DepthLevel{Price: p}
	if i, ok := findLevel(b.bids, p); ok {
		out.BidQty = b.bids[i].qty
		out.LastUpdate = b.bids[i].ts
	}
	if i, ok := findLevel(b.asks, p); ok {
		out.AskQty = b.asks[i].qty
		if b.asks[i].ts > out.LastUpdate {
			out.LastUpdate = b.asks[i].ts
		}
	}
	return out
}

// SumBand aggregates bid and ask volume within center +/- ticks*tickSize.
func (b *Book) SumBand(center decimal.Decimal, ticks int) (bidVol, askVol decimal.Decimal) {
	width := b.cfg.TickSize.Mul(decimal.NewFromInt(int64(ticks)))
	lo := center.Sub(width)
	hi := center.Add(width)

	bidVol = decimal.Zero
	for _, lv := range b.bids {
		if lv.price.GreaterThanOrEqual(lo) && lv.price.LessThanOrEqual(hi) {
			bidVol = money.AddQuantities(bidVol, lv.qty)
		}
	}
	askVol = decimal.Zero
	for _, lv := range b.asks {
		if lv.price.GreaterThanOrEqual(lo) && lv.price.LessThanOrEqual(hi) {
			askVol = money.AddQuantities(askVol, lv.qty)
		}
	}
	return bidVol, askVol
}

// Prune removes levels farther than cfg.MaxPriceDistance ticks from mid.
// Intended to be called on a timer from the ingest goroutine.
func (b *Book) Prune(now time.Time) {
	mid, ok := b.GetMidPrice()
	if !ok || b.cfg.MaxPriceDistance.IsZero() {
		return
	}
	maxDist := b.cfg.TickSize.Mul(b.cfg.MaxPriceDistance)
	lo := mid.Sub(maxDist)
	hi := mid.Add(maxDist)

	filtered := b.bids[:0]
	for _, lv := range b.bids {
		if lv.price.GreaterThanOrEqual(lo) {
			filtered = append(filtered, lv)
		}
	}
	b.bids = append([]level(nil), filtered...)

	filtered = b.asks[:0]
	for _, lv := range b.asks {
		if lv.price.LessThanOrEqual(hi) {
			filtered = append(filtered, lv)
		}
	}
	b.asks = append([]level(nil), filtered...)
	b.publish()
}

// ResetCircuit closes the circuit breaker, used by the collaborator after
// a snapshot-driven recovery already happened via ApplySnapshot (kept for
// callers that only want to clear the flag without reseeding the book).
func (b *Book) ResetCircuit() {
	b.circuitOpen = false
	b.publish()
}

// GetHealth returns the last published health snapshot. Safe to call
// from any goroutine.
func (b *Book) GetHealth() model.OrderbookHealth {
	p := (*model.OrderbookHealth)(atomic.LoadPointer(&b.health))
	return *p
}

func (b *Book) recordError() {
	now := time.Now().UnixMilli()
	b.errWindow = append(b.errWindow, now)
	cutoff := now - int64(time.Minute/time.Millisecond)
	i := 0
	for i < len(b.errWindow) && b.errWindow[i] < cutoff {
		i++
	}
	b.errWindow = b.errWindow[i:]
}

func (b *Book) errorRate() float64 {
	if b.totalRecv == 0 {
		return 0
	}
	return float64(len(b.errWindow)) / float64(b.totalRecv)
}

func (b *Book) publish() {
	h := &model.OrderbookHealth{
		Initialized:     b.initialized,
		LastUpdateAge:   time.Since(b.lastUpdateAt),
		RecentErrorRate: b.errorRate(),
		CircuitOpen:     b.circuitOpen,
	}
	atomic.StorePointer(&b.health, unsafe.Pointer(h))
}

func parseLevels(raw [][2]string) ([]level, error) {
	out := make([]level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, errs.ErrValidation
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, errs.ErrValidation
		}
		if price.IsNegative() || qty.IsNegative() {
			return nil, errs.ErrValidation
		}
		out = append(out, level{price: price, qty: qty})
	}
	return out, nil
}

func trimLevels(levels []level, max int) []level {
	if max <= 0 || len(levels) <= max {
		return levels
	}
	return levels[:max]
}

func findLevel(levels []level, price decimal.Decimal) (int, bool) {
	for i, lv := range levels {
		if lv.price.Equal(price) {
			return i, true
		}
	}
	return -1, false
}

// upsertLevel inserts, updates, or removes a level in a slice kept sorted
// (descending for bids, ascending for asks). A zero quantity removes the
// level, matching the "entries with both sides 0 are removed" policy —
// here applied per-side since bid and ask ladders are stored separately.
func upsertLevel(levels []level, lv level, descending bool) []level {
	less := func(i int) bool {
		if descending {
			return levels[i].price.LessThanOrEqual(lv.price)
		}
		return levels[i].price.GreaterThanOrEqual(lv.price)
	}
	idx := sort.Search(len(levels), less)

	if idx < len(levels) && levels[idx].price.Equal(lv.price) {
		if lv.qty.IsZero() {
			return append(levels[:idx], levels[idx+1:]...)
		}
		levels[idx].qty = lv.qty
		levels[idx].ts = lv.ts
		return levels
	}
	if lv.qty.IsZero() {
		return levels
	}
	levels = append(levels, level{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lv
	return levels
}
