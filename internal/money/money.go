// Package money holds the engine's fixed-decimal helpers. Prices and
// quantities are decimal.Decimal in the book, zones and most detectors;
// they are not float64-free everywhere: the CVD detector converts them to
// float64 for its regression, and storage and outcome excursions use
// float64 values.
package money

import (
	"github.com/shopspring/decimal"
)

// Price is a tick-aligned monetary scalar.
type Price struct {
	decimal.Decimal
}

// Quantity is a non-negative size scalar.
type Quantity struct {
	decimal.Decimal
}

func NewPrice(d decimal.Decimal) Price       { return Price{d} }
func NewQuantity(d decimal.Decimal) Quantity { return Quantity{d} }

// ParsePrice parses an exchange-supplied price string (e.g. Binance "16850.00").
// Malformed input yields the zero price and ok=false; callers must treat that
// as a ValidationError and drop the message, never propagate a panic.
func ParsePrice(s string) (Price, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, false
	}
	if !IsValidPrice(d) {
		return Price{}, false
	}
	return Price{d}, true
}

// ParseQuantity parses an exchange-supplied quantity string.
func ParseQuantity(s string) (Quantity, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, false
	}
	if !IsValidQuantity(d) {
		return Quantity{}, false
	}
	return Quantity{d}, true
}

// IsValidPrice reports whether d is finite and non-negative.
// decimal.Decimal has no NaN/Inf representation, so "finite" reduces to
// "was parsed at all"; this exists chiefly to reject negative prices.
func IsValidPrice(d decimal.Decimal) bool {
	return !d.IsNegative()
}

// IsValidQuantity reports whether d is non-negative.
func IsValidQuantity(d decimal.Decimal) bool {
	return !d.IsNegative()
}

// NormalizePriceToTick rounds p to the nearest multiple of tick, ties away
// from zero (i.e. round-half-up for positive prices).
func NormalizePriceToTick(p, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return p
	}
	ratio := p.Div(tick)
	rounded := ratio.Round(0)
	// decimal.Round uses round-half-away-from-zero already for .Round(0)
	// on values like X.5, matching the "ties away from zero" requirement.
	return rounded.Mul(tick)
}

// AddAmounts/SubAmounts/MulAmounts operate at a fixed number of decimals,
// rounding the result half away from zero to that scale (decimal.Round;
// banker's rounding is never used here;
// the engine only ever widens precision on output, never silently drops it
// mid-computation beyond the configured scale).
func AddAmounts(x, y decimal.Decimal, decimals int32) decimal.Decimal {
	return x.Add(y).Round(decimals)
}

func SubAmounts(x, y decimal.Decimal, decimals int32) decimal.Decimal {
	return x.Sub(y).Round(decimals)
}

func MulAmounts(x, y decimal.Decimal, decimals int32) decimal.Decimal {
	return x.Mul(y).Round(decimals)
}

// AddQuantities/SubQuantities/MulQuantities/DivQuantities operate at 8
// decimals (satoshi-scale), matching the data model's Quantity precision.
const QuantityScale = 8

func AddQuantities(x, y decimal.Decimal) decimal.Decimal {
	return x.Add(y).Round(QuantityScale)
}

func SubQuantities(x, y decimal.Decimal) decimal.Decimal {
	return x.Sub(y).Round(QuantityScale)
}

func MulQuantities(x, y decimal.Decimal) decimal.Decimal {
	return x.Mul(y).Round(QuantityScale)
}

// DivQuantities returns x/y, or zero if y is zero. Division by zero is a
// normal occurrence in ratio computations (e.g. an empty passive side) and
// must never panic or produce NaN/Inf — so it returns the identity zero.
func DivQuantities(x, y decimal.Decimal) decimal.Decimal {
	if y.IsZero() {
		return decimal.Zero
	}
	return x.Div(y).Round(QuantityScale + 8)
}

// CalculateMean returns the arithmetic mean of xs, or (zero, false) if xs is
// empty.
func CalculateMean(xs []decimal.Decimal) (decimal.Decimal, bool) {
	if len(xs) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs)))), true
}

// CalculateStdDev returns the population standard deviation of xs, or
// (zero, false) if xs is empty.
func CalculateStdDev(xs []decimal.Decimal) (decimal.Decimal, bool) {
	mean, ok := CalculateMean(xs)
	if !ok {
		return decimal.Zero, false
	}
	sumSq := decimal.Zero
	for _, x := range xs {
		d := x.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(xs))))
	f, _ := variance.Float64()
	if f < 0 {
		f = 0
	}
	return decimal.NewFromFloat(sqrt(f)), true
}

// sqrt is a tiny Newton's-method square root kept local to avoid pulling
// math.Sqrt's float64 semantics into the decimal API surface; callers only
// ever see the decimal.Decimal result of CalculateStdDev.
func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// Ratio computes x/(x+y), clamped to [0,1], returning 0 if both are zero.
// This is the shape used throughout the detectors for passiveRatio,
// aggressiveRatio, buyRatio, etc.
func Ratio(x, y decimal.Decimal) decimal.Decimal {
	total := x.Add(y)
	if total.IsZero() {
		return decimal.Zero
	}
	r := x.Div(total)
	if r.IsNegative() {
		return decimal.Zero
	}
	if r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return r
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// Min returns the smaller of a, b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a, b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Abs returns the absolute value of d.
func Abs(d decimal.Decimal) decimal.Decimal {
	return d.Abs()
}
