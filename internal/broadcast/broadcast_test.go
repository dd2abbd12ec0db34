package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/cfg"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
)

func testBroadcaster(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	b := New(cfg.BroadcastConfig{ClientSendBuffer: 8}, metrics.New(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.hub.run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { b.serveWs(w, r) })
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { b.serveHealth(w, r) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func dialWs(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishTradeReachesConnectedClient(t *testing.T) {
	b, srv := testBroadcaster(t)
	conn := dialWs(t, srv)
	time.Sleep(20 * time.Millisecond) // allow registration to land

	b.PublishTrade(model.EnrichedTrade{AggressiveTrade: model.AggressiveTrade{Price: decimal.NewFromInt(100)}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != "trade" {
		t.Fatalf("type = %v, want trade", env["type"])
	}
}

func TestHealthEndpointReturnsReport(t *testing.T) {
	b, srv := testBroadcaster(t)
	b.HealthFn = func() HealthReport {
		return HealthReport{
			Breakers:  map[string]string{"storage": "closed"},
			Detectors: map[string]bool{"absorption": false},
		}
	}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Breakers["storage"] != "closed" {
		t.Fatalf("breakers = %v, want storage=closed", report.Breakers)
	}
	if report.Detectors["absorption"] {
		t.Fatalf("detectors = %v, want absorption=false", report.Detectors)
	}
}

func TestSlowClientDropsRatherThanBlocks(t *testing.T) {
	hub := newHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)

	client := &wsClient{send: make(chan []byte, 1)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.broadcast(envelope{Type: "trade", Now: 1})
	hub.broadcast(envelope{Type: "trade", Now: 2}) // client buffer full, should drop not block

	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Fatal("expected first message buffered")
	}
}
