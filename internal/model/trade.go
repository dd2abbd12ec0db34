// Package model holds the domain value types shared across the ingest,
// book, zone, preprocess, detect, coordinator and manager packages. Every
// type here is a value type — copies cross goroutine boundaries instead of
// shared mutable state, per the concurrency model in SPEC_FULL.md.
package model

import (
	"github.com/shopspring/decimal"
)

// AggressiveTrade is a single taker trade event as received from the
// exchange aggTrade stream.
type AggressiveTrade struct {
	ID           int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	EventTime    int64 // unix ms, exchange event time
	TradeTime    int64 // unix ms, exchange trade time
	BuyerIsMaker bool  // true => the trade was seller-initiated (aggressive sell)
}

// TakerSide returns "sell" when the buyer was the maker (i.e. an aggressive
// sell consumed the bid side), and "buy" otherwise.
func (t AggressiveTrade) TakerSide() string {
	if t.BuyerIsMaker {
		return "sell"
	}
	return "buy"
}

// ZoneSnapshot is an immutable, point-in-time copy of one aggregator zone,
// attached to an EnrichedTrade. Consumers must never observe later
// aggregator state through it.
type ZoneSnapshot struct {
	ID             string
	TickMultiplier int
	CenterPrice    decimal.Decimal
	Min            decimal.Decimal
	Max            decimal.Decimal
	AggVol         decimal.Decimal
	AggBuyVol      decimal.Decimal
	AggSellVol     decimal.Decimal
	PassiveBidVol  decimal.Decimal
	PassiveAskVol  decimal.Decimal
	PeakPassiveBid decimal.Decimal
	PeakPassiveAsk decimal.Decimal
	TradeCount     int64
	VWAP           decimal.Decimal
	FirstTs        int64
	LastTs         int64
}

// ZoneData is the full set of zone snapshots attached to one enriched
// trade, one slice per configured tick multiplier.
type ZoneData struct {
	Warm  bool // false until the aggregator has seen enough history
	Zones []ZoneSnapshot
}

// EnrichedTrade is an AggressiveTrade annotated with book state and zone
// data at the moment of the trade. Emitted once per trade, immutable.
type EnrichedTrade struct {
	AggressiveTrade
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	PassiveBidAt decimal.Decimal // passive bid volume at the trade price
	PassiveAskAt decimal.Decimal // passive ask volume at the trade price
	ZoneData     ZoneData
	BookHealthy  bool // false if the book was unhealthy when this trade enriched
}

// DepthLevel is the book's state for one price level.
type DepthLevel struct {
	Price      decimal.Decimal
	BidQty     decimal.Decimal
	AskQty     decimal.Decimal
	LastUpdate int64
}

// DiffDepth is a partial depth update with an inclusive sequence range
// (U, u]; bids/asks are [price, qty] string pairs as supplied by the
// exchange.
type DiffDepth struct {
	Symbol    string
	FirstID   int64 // U
	FinalID   int64 // u
	Bids      [][2]string
	Asks      [][2]string
	EventTime int64
}

// DepthSnapshot is a full L2 snapshot served on demand after a sequence gap.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         [][2]string
	Asks         [][2]string
}
