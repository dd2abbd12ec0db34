package spoof

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testConfig() Config {
	return Config{
		MinWallSize:  decimal.NewFromInt(500),
		PullFraction: decimal.NewFromFloat(0.5),
		PullWindow:   500 * time.Millisecond,
	}
}

func TestWallPullDetected(t *testing.T) {
	d := New(testConfig())
	price := decimal.NewFromFloat(89.00)
	base := time.Unix(0, 0)

	d.Observe(price, "bid", decimal.NewFromInt(1000), base)
	d.Observe(price, "bid", decimal.NewFromInt(400), base.Add(100*time.Millisecond))

	if !d.WasSpoofed(price, "bid", base.Add(200*time.Millisecond), nil) {
		t.Fatal("expected wall pull to be detected")
	}
}

func TestNoPullBelowThreshold(t *testing.T) {
	d := New(testConfig())
	price := decimal.NewFromFloat(89.00)
	base := time.Unix(0, 0)

	d.Observe(price, "bid", decimal.NewFromInt(1000), base)
	d.Observe(price, "bid", decimal.NewFromInt(900), base.Add(100*time.Millisecond))

	if d.WasSpoofed(price, "bid", base.Add(200*time.Millisecond), nil) {
		t.Fatal("a 10% drop should not count as a wall pull")
	}
}

func TestConsumeClearsPull(t *testing.T) {
	d := New(testConfig())
	price := decimal.NewFromFloat(89.00)
	base := time.Unix(0, 0)

	d.Observe(price, "bid", decimal.NewFromInt(1000), base)
	d.Observe(price, "bid", decimal.NewFromInt(400), base.Add(100*time.Millisecond))
	d.Consume(price, "bid")

	if d.WasSpoofed(price, "bid", base.Add(200*time.Millisecond), nil) {
		t.Fatal("a trade-explained drop must not be flagged as spoofing")
	}
}

func TestPullExpiresAfterWindow(t *testing.T) {
	d := New(testConfig())
	price := decimal.NewFromFloat(89.00)
	base := time.Unix(0, 0)

	d.Observe(price, "bid", decimal.NewFromInt(1000), base)
	d.Observe(price, "bid", decimal.NewFromInt(400), base.Add(100*time.Millisecond))

	if d.WasSpoofed(price, "bid", base.Add(2*time.Second), nil) {
		t.Fatal("pull flag should have expired")
	}
}

func TestBelowMinWallSizeIgnored(t *testing.T) {
	d := New(testConfig())
	price := decimal.NewFromFloat(89.00)
	base := time.Unix(0, 0)

	d.Observe(price, "bid", decimal.NewFromInt(100), base)
	d.Observe(price, "bid", decimal.NewFromInt(10), base.Add(100*time.Millisecond))

	if d.WasSpoofed(price, "bid", base.Add(200*time.Millisecond), nil) {
		t.Fatal("a drop below MinWallSize should never register as a wall pull")
	}
}
