package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/cfg"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/preprocess"
	"github.com/orderflow/engine/internal/zone"
)

var testUpgrader = websocket.Upgrader{}

func wsServer(t *testing.T, msg string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
		time.Sleep(50 * time.Millisecond) // give the client time to read before we hang up
	}))
}

func TestConsumeTradeMessageParsesAndEnqueues(t *testing.T) {
	srv := wsServer(t, `{"a":1,"p":"100.50","q":"2.0","E":1000,"T":1000,"m":true}`)
	defer srv.Close()

	b := book.New(book.Config{MaxLevels: 10})
	z := zone.New(zone.Config{TickSize: decimal.NewFromFloat(0.01), ZoneTicks: 5, TickMultipliers: []int{1}, MaxZones: 10})
	pre := preprocess.New(b, z, metrics.New(), zerolog.Nop())

	var got model.EnrichedTrade
	done := make(chan struct{})
	pre.Emit = func(e model.EnrichedTrade) {
		got = e
		close(done)
	}

	c := New(cfg.ExchangeConfig{}, pre, b, 0, metrics.New(), zerolog.Nop())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := c.consumeTradeMessage(conn); err != nil {
		t.Fatalf("consumeTradeMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.process(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("preprocessor never emitted")
	}

	if !got.Price.Equal(decimal.RequireFromString("100.50")) {
		t.Fatalf("price = %s, want 100.50", got.Price)
	}
	if got.TakerSide() != "sell" {
		t.Fatalf("taker side = %s, want sell (buyer is maker)", got.TakerSide())
	}
}

func TestConsumeDepthMessageAppliesDiff(t *testing.T) {
	srv := wsServer(t, `{"U":2,"u":2,"b":[["99.00","1.0"]],"a":[["101.00","1.0"]],"E":1000}`)
	defer srv.Close()

	b := book.New(book.Config{MaxLevels: 10})
	if err := b.ApplySnapshot(1, [][2]string{{"98.00", "1.0"}}, [][2]string{{"102.00", "1.0"}}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	z := zone.New(zone.Config{TickSize: decimal.NewFromFloat(0.01), ZoneTicks: 5, TickMultipliers: []int{1}, MaxZones: 10})
	pre := preprocess.New(b, z, metrics.New(), zerolog.Nop())
	c := New(cfg.ExchangeConfig{}, pre, b, 0, metrics.New(), zerolog.Nop())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := c.consumeDepthMessage(conn); err != nil {
		t.Fatalf("consumeDepthMessage: %v", err)
	}

	select {
	case ev := <-c.events:
		if ev.depth == nil {
			t.Fatal("expected a depth event")
		}
		if ev.depth.FirstID != 2 || ev.depth.FinalID != 2 {
			t.Fatalf("unexpected sequence range: %+v", ev.depth)
		}
	case <-time.After(time.Second):
		t.Fatal("no event enqueued")
	}
}
