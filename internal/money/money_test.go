package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestNormalizePriceToTick(t *testing.T) {
	cases := []struct {
		price, tick, want string
	}{
		{"100.004", "0.01", "100.00"},
		{"100.005", "0.01", "100.01"}, // ties away from zero
		{"100.006", "0.01", "100.01"},
		{"89.015", "0.01", "89.02"},
		{"0", "0.01", "0.00"},
	}
	for _, c := range cases {
		got := NormalizePriceToTick(d(c.price), d(c.tick))
		if !got.Equal(d(c.want)) {
			t.Errorf("NormalizePriceToTick(%s, %s) = %s, want %s", c.price, c.tick, got, c.want)
		}
	}
}

func TestDivQuantitiesByZero(t *testing.T) {
	got := DivQuantities(d("10"), decimal.Zero)
	if !got.IsZero() {
		t.Errorf("DivQuantities by zero = %s, want 0", got)
	}
}

func TestRatioBothZero(t *testing.T) {
	got := Ratio(decimal.Zero, decimal.Zero)
	if !got.IsZero() {
		t.Errorf("Ratio(0,0) = %s, want 0", got)
	}
}

func TestRatioClampedToUnit(t *testing.T) {
	got := Ratio(d("300"), d("-100"))
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Ratio clamp failed: %s", got)
	}
}

func TestCalculateMeanEmpty(t *testing.T) {
	_, ok := CalculateMean(nil)
	if ok {
		t.Error("expected ok=false for empty input")
	}
}

func TestCalculateStdDevKnownValues(t *testing.T) {
	xs := []decimal.Decimal{d("2"), d("4"), d("4"), d("4"), d("5"), d("5"), d("7"), d("9")}
	sd, ok := CalculateStdDev(xs)
	if !ok {
		t.Fatal("expected ok")
	}
	// population std dev of this set is 2.0
	f, _ := sd.Float64()
	if f < 1.9 || f > 2.1 {
		t.Errorf("stddev = %v, want ~2.0", f)
	}
}

func TestIsValidPrice(t *testing.T) {
	if IsValidPrice(d("-1")) {
		t.Error("negative price should be invalid")
	}
	if !IsValidPrice(d("0")) {
		t.Error("zero price should be valid")
	}
}

func TestParsePriceMalformed(t *testing.T) {
	if _, ok := ParsePrice("not-a-number"); ok {
		t.Error("expected parse failure")
	}
	if _, ok := ParsePrice("-5.00"); ok {
		t.Error("expected negative price to be rejected")
	}
}
