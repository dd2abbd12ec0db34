// Package broadcast is the dashboard/alert fan-out (§6 outputs): a
// websocket hub that streams JSON envelopes to connected clients, a
// /health handler exposing orderbook and circuit-breaker state, and an
// alert webhook POST for confirmed signals. Structurally the same hub
// (register/unregister channels, per-client buffered send, slow-client
// drop) as the teacher's MsgPack broadcaster, generalized to JSON
// envelopes per spec §6 instead of the teacher's FixArray wire format.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orderflow/engine/internal/cfg"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the one JSON shape every dashboard message shares.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Now  int64  `json:"now"`
}

// orderbookView is the "orderbook" envelope's data payload.
type orderbookView struct {
	BestBid string          `json:"bestBid"`
	BestAsk string          `json:"bestAsk"`
	Levels  []model.DepthLevel `json:"levels"`
}

// statsView is the "stats" envelope's data payload.
type statsView struct {
	Metrics     metrics.Snapshot   `json:"metrics"`
	Health      HealthReport       `json:"health"`
	DataStream  string             `json:"dataStream"`
}

// HealthReport is the /health surface and the "stats" envelope's health
// field: orderbook condition, circuit states, per-detector suppression.
type HealthReport struct {
	Orderbook model.OrderbookHealth `json:"orderbook"`
	Breakers  map[string]string     `json:"breakers"`  // component -> gobreaker state name
	Detectors map[string]bool       `json:"detectors"` // detector name -> healthy (false = suppressing emission)
	Metrics   metrics.Snapshot      `json:"metrics"`
}

// Broadcaster owns the websocket hub, the /health and /ws HTTP surface,
// and the alert webhook client.
type Broadcaster struct {
	cfg   cfg.BroadcastConfig
	mx    *metrics.Collector
	log   zerolog.Logger
	hub   *hub
	alert *resty.Client

	// HealthFn supplies the current HealthReport for /health and the
	// periodic stats envelope; wired by the caller at construction time
	// in main so this package never imports book/breaker directly.
	HealthFn func() HealthReport
}

func New(c cfg.BroadcastConfig, mx *metrics.Collector, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		cfg: c,
		mx:  mx,
		log: log.With().Str("component", "broadcast").Logger(),
		hub: newHub(c.ClientSendBuffer),
	}
	if c.AlertWebhookURL != "" {
		b.alert = resty.New().SetTimeout(5 * time.Second).SetRetryCount(2)
	}
	return b
}

// Start launches the hub and HTTP server. Blocks until ctx is canceled.
func (b *Broadcaster) Start(ctx context.Context) error {
	go b.hub.run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { b.serveWs(w, r) })
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { b.serveHealth(w, r) })

	srv := &http.Server{Addr: b.cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	b.log.Info().Str("addr", b.cfg.ListenAddr).Msg("broadcast listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// PublishTrade emits a "trade" envelope for every enriched trade.
func (b *Broadcaster) PublishTrade(t model.EnrichedTrade) {
	b.hub.broadcast(envelope{Type: "trade", Data: t, Now: time.Now().UnixMilli()})
}

// PublishOrderbook emits an "orderbook" envelope. The caller is
// responsible for throttling calls to cfg.DashboardUpdateInterval.
func (b *Broadcaster) PublishOrderbook(bestBid, bestAsk string, levels []model.DepthLevel) {
	b.hub.broadcast(envelope{
		Type: "orderbook",
		Data: orderbookView{BestBid: bestBid, BestAsk: bestAsk, Levels: levels},
		Now:  time.Now().UnixMilli(),
	})
}

// PublishSignal emits a "signal" envelope and, if configured, POSTs the
// same payload to the alert webhook.
func (b *Broadcaster) PublishSignal(sig model.ConfirmedSignal) {
	b.hub.broadcast(envelope{Type: "signal", Data: sig, Now: time.Now().UnixMilli()})
	if b.alert == nil {
		return
	}
	go func() {
		_, err := b.alert.R().SetBody(sig).Post(b.cfg.AlertWebhookURL)
		if err != nil {
			b.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("alert webhook failed")
		}
	}()
}

// PublishStats emits a "stats" envelope; the caller drives this on a
// cfg.StatsInterval ticker.
func (b *Broadcaster) PublishStats() {
	health := HealthReport{}
	if b.HealthFn != nil {
		health = b.HealthFn()
	}
	b.hub.broadcast(envelope{
		Type: "stats",
		Data: statsView{Metrics: b.mx.Snapshot(), Health: health, DataStream: "live"},
		Now:  time.Now().UnixMilli(),
	})
	b.mx.BroadcastClients.Set(int64(b.hub.clientCount()))
}

func (b *Broadcaster) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthReport{Metrics: b.mx.Snapshot()}
	if b.HealthFn != nil {
		health = b.HealthFn()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (b *Broadcaster) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, b.cfg.ClientSendBuffer)}
	b.hub.register <- client
	go client.writePump()
	go client.readPump(b.hub)
}
