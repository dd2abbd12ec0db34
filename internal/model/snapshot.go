package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalCandidate is what a detector emits for one independent observation.
type SignalCandidate struct {
	ID         string
	DetectorID string
	Type       string // "absorption" | "exhaustion" | "cvd_divergence" | "accumulation" | "distribution"
	Side       string // "buy" | "sell"
	Confidence float64
	Price      decimal.Decimal
	Timestamp  time.Time
	Data       map[string]any
}

// ProcessedSignal is a candidate set the coordinator has confirmed via
// N-of-M agreement, with correlation metadata attached.
type ProcessedSignal struct {
	ID             string
	Candidates     []SignalCandidate
	Type           string
	Side           string
	Price          decimal.Decimal
	Confidence     float64
	CorrelationID  string
	ConfirmedCount int
	CreatedAt      time.Time
}

// ConfirmedSignal is a processed signal the manager has cleared through
// conflict resolution, backpressure and prioritization.
type ConfirmedSignal struct {
	ID          string
	Processed   ProcessedSignal
	FinalPrice  decimal.Decimal
	ConfirmedAt time.Time
	Priority    int
}

// SignalOutcome tracks a confirmed signal's realized price action.
type SignalOutcome struct {
	SignalID      string
	Side          string // "buy" | "sell", carried from the confirmed signal for favorable/adverse sign
	EntryPrice    decimal.Decimal
	EntryTs       time.Time
	PriceAfter1m  decimal.Decimal
	PriceAfter5m  decimal.Decimal
	PriceAfter15m decimal.Decimal
	PriceAfter60m decimal.Decimal
	MaxFavorable  decimal.Decimal
	MaxAdverse    decimal.Decimal
	Outcome       string // "pending" | "success" | "failure" | "mixed" | "timeout"
	IsActive      bool
}

// Job is a unit of coordinator work durably queued before confirmation.
type Job struct {
	ID         string
	DetectorID string
	Candidate  SignalCandidate
	Priority   int
	RetryCount int
	EnqueuedAt time.Time
	StartedAt  time.Time
}

// OrderbookHealth summarizes the book's runtime condition for /health.
type OrderbookHealth struct {
	Initialized     bool
	LastUpdateAge   time.Duration
	RecentErrorRate float64
	CircuitOpen     bool
}
