// Package state keeps the short rolling trade-price history the outcome
// tracker needs to answer "what was the price near time t" when
// finalizing a signal's 1/5/15/60 minute samples. Same fixed-capacity
// ring buffer shape as the teacher's snapshot RingBuffer (single writer,
// many readers, wraps rather than grows) repurposed from whole
// snapshots to bare (timestamp, price) samples.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type priceSample struct {
	ts    time.Time
	price decimal.Decimal
}

// PriceHistory is a fixed-capacity ring of recent trade prices, queried
// by nearest timestamp. Thread-safe for one writer (ingest thread) and
// any number of readers (the outcome tracker's ticker goroutine).
type PriceHistory struct {
	mu       sync.RWMutex
	data     []priceSample
	capacity int
	head     int
	size     int
	full     bool
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &PriceHistory{data: make([]priceSample, capacity), capacity: capacity}
}

// Add records a price observation. O(1).
func (h *PriceHistory) Add(ts time.Time, price decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data[h.head] = priceSample{ts: ts, price: price}
	h.head = (h.head + 1) % h.capacity
	if !h.full {
		h.size++
		if h.size == h.capacity {
			h.full = true
		}
	}
}

// At returns the price of the sample whose timestamp is closest to t,
// and whether the buffer held any sample at all. Used by the outcome
// tracker in place of a point-in-time price oracle it doesn't have.
func (h *PriceHistory) At(t time.Time) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return decimal.Zero, false
	}

	best := h.data[0]
	bestDiff := absDuration(best.ts.Sub(t))
	for i := 1; i < h.size; i++ {
		s := h.data[i]
		if d := absDuration(s.ts.Sub(t)); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best.price, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
