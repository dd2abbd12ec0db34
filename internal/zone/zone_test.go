package zone

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/model"
)

func testConfig() Config {
	return Config{
		TickSize:             decimal.NewFromFloat(0.01),
		ZoneTicks:            10,
		TickMultipliers:      []int{1, 2, 4},
		ZoneCalculationRange: 100,
		TimeWindow:           time.Minute,
		MaxZones:             50,
		WarmupTrades:         3,
	}
}

func testBook() *book.Book {
	b := book.New(book.Config{
		MaxLevels:        100,
		TickSize:         decimal.NewFromFloat(0.01),
		MaxPriceDistance: decimal.NewFromInt(1000),
	})
	_ = b.ApplySnapshot(1,
		[][2]string{{"89.00", "500"}},
		[][2]string{{"89.02", "500"}},
	)
	return b
}

func trade(price, qty string, buy bool, ts int64) model.AggressiveTrade {
	return model.AggressiveTrade{
		Price:        decimal.RequireFromString(price),
		Quantity:     decimal.RequireFromString(qty),
		TradeTime:    ts,
		EventTime:    ts,
		BuyerIsMaker: !buy,
	}
}

func TestZoneBoundaryInvariant(t *testing.T) {
	a := New(testConfig())
	ob := testBook()
	a.Update(trade("89.01", "1", true, 1000), ob)

	data := a.SnapshotNear(decimal.RequireFromString("89.01"))
	if len(data.Zones) == 0 {
		t.Fatal("expected at least one zone")
	}
	for _, z := range data.Zones {
		if z.Min.GreaterThan(z.Max) {
			t.Errorf("zone min %v > max %v", z.Min, z.Max)
		}
		wantWidth := decimal.NewFromFloat(0.01).Mul(decimal.NewFromInt(int64(z.TickMultiplier * 10)))
		gotWidth := z.Max.Sub(z.Min)
		if !gotWidth.Equal(wantWidth) {
			t.Errorf("zone width = %v, want %v (multiplier %d)", gotWidth, wantWidth, z.TickMultiplier)
		}
	}
}

func TestAggVolEqualsBuyPlusSell(t *testing.T) {
	a := New(testConfig())
	ob := testBook()
	a.Update(trade("89.01", "3", true, 1000), ob)
	a.Update(trade("89.01", "2", false, 1001), ob)

	data := a.SnapshotNear(decimal.RequireFromString("89.01"))
	for _, z := range data.Zones {
		sum := z.AggBuyVol.Add(z.AggSellVol)
		if !sum.Equal(z.AggVol) {
			t.Errorf("aggVol %v != aggBuyVol+aggSellVol %v", z.AggVol, sum)
		}
	}
}

func TestVWAPOfEmptyZoneIsCenter(t *testing.T) {
	a := New(testConfig())
	l := a.layers[1]
	z := l.zoneFor(decimal.RequireFromString("89.01"))
	if !z.vwap().Equal(z.center()) {
		t.Errorf("VWAP of empty zone = %v, want center %v", z.vwap(), z.center())
	}
}

func TestPeaksNeverDecrease(t *testing.T) {
	a := New(testConfig())
	ob := testBook()
	a.Update(trade("89.01", "1", true, 1000), ob)

	l := a.layers[1]
	z := l.zoneFor(decimal.RequireFromString("89.01"))
	z.peakPassiveBid = decimal.NewFromInt(1000)

	// simulate passive volume dropping on the next update: SumBand will
	// report whatever the book currently holds, but the peak must hold.
	_ = b2Drop(ob)
	a.Update(trade("89.01", "1", true, 1001), ob)
	if z.peakPassiveBid.LessThan(decimal.NewFromInt(1000)) {
		t.Errorf("peak decreased: %v", z.peakPassiveBid)
	}
}

func b2Drop(ob *book.Book) error {
	return ob.ApplyDiff(2, 3, [][2]string{{"89.00", "10"}}, nil)
}

func TestWarmBecomesTrueAfterWarmupTrades(t *testing.T) {
	a := New(testConfig())
	ob := testBook()
	for i := 0; i < 2; i++ {
		a.Update(trade("89.01", "1", true, int64(1000+i)), ob)
	}
	if a.SnapshotNear(decimal.RequireFromString("89.01")).Warm {
		t.Fatal("expected Warm=false before warmup threshold")
	}
	a.Update(trade("89.01", "1", true, 1003), ob)
	if !a.SnapshotNear(decimal.RequireFromString("89.01")).Warm {
		t.Fatal("expected Warm=true after warmup threshold")
	}
}

func TestTickExpiresOldZones(t *testing.T) {
	a := New(testConfig())
	ob := testBook()
	a.Update(trade("89.01", "1", true, 1000), ob)

	a.Tick(time.UnixMilli(1000).Add(2 * time.Minute))
	data := a.SnapshotNear(decimal.RequireFromString("89.01"))
	if len(data.Zones) != 0 {
		t.Fatalf("expected zones expired, got %d", len(data.Zones))
	}
}
