// Package ingest is the set of external collaborators feeding the
// preprocessor: two reconnecting exchange websocket streams (aggTrade and
// partial depth) plus a REST snapshot fetch used to reseed the book after
// a sequence gap. Both websocket loops are owned goroutines that only
// ever hand parsed events to a single consumer goroutine, which is the
// one goroutine allowed to call into internal/preprocess — the same
// "mutate only from the ingest thread" boundary the book and zone
// packages assume.
package ingest

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/cfg"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/preprocess"
)

const (
	reconnectDelay    = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
	eventBuffer       = 4096
)

// aggTradeEvent matches Binance's aggTrade stream payload.
type aggTradeEvent struct {
	A int64  `json:"a"` // aggregate trade id
	P string `json:"p"` // price
	Q string `json:"q"` // quantity
	E int64  `json:"E"` // event time
	T int64  `json:"T"` // trade time
	M bool   `json:"m"` // buyer is maker
}

// depthEvent matches Binance's diff depth stream payload.
type depthEvent struct {
	U int64       `json:"U"`
	FU int64      `json:"u"`
	Bids [][2]string `json:"b"`
	Asks [][2]string `json:"a"`
	E    int64       `json:"E"`
}

// snapshotResponse matches Binance's REST depth snapshot payload.
type snapshotResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// rawEvent is a tagged union handed from either websocket loop to the
// single ordering consumer; exactly one of Trade/Depth is set.
type rawEvent struct {
	trade *model.AggressiveTrade
	depth *model.DiffDepth
}

// Collaborator owns both exchange websocket connections and the REST
// snapshot client, and drives the preprocessor in the order events
// arrive.
type Collaborator struct {
	cfg  cfg.ExchangeConfig
	pre  *preprocess.Preprocessor
	book *book.Book
	http *resty.Client
	mx   *metrics.Collector
	log  zerolog.Logger

	events chan rawEvent
	tickInterval time.Duration

	// OnDepth, if set, is called after every applied depth diff so a
	// spoof.Detector side-car can Observe the changed levels without this
	// package importing internal/detect/spoof directly.
	OnDepth func(model.DiffDepth)

	// OnTick, if set, is called on the same periodic cadence as the book's
	// own Prune — zone.Aggregator is the other piece of single-writer state
	// this goroutine owns, so its Tick (TimeWindow expiry, the MaxZones LRU
	// cap) rides the same timer rather than a ticker goroutine of its own.
	OnTick func(time.Time)
}

func New(exCfg cfg.ExchangeConfig, pre *preprocess.Preprocessor, b *book.Book, tickInterval time.Duration, mx *metrics.Collector, log zerolog.Logger) *Collaborator {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Collaborator{
		cfg:  exCfg,
		pre:  pre,
		book: b,
		http: resty.New().SetTimeout(10 * time.Second).SetRetryCount(3).SetRetryWaitTime(500 * time.Millisecond),
		mx:   mx,
		log:  log.With().Str("component", "ingest").Logger(),
		events: make(chan rawEvent, eventBuffer),
		tickInterval: tickInterval,
	}
}

// Start launches the trade stream, the depth stream and the ordering
// consumer as independent goroutines, all exiting when ctx is done.
func (c *Collaborator) Start(ctx context.Context) {
	go c.streamLoop(ctx, "aggTrade", c.cfg.AggTradeURL, c.consumeTradeMessage)
	go c.streamLoop(ctx, "depth", c.cfg.DepthURL, c.consumeDepthMessage)
	go c.process(ctx)
}

// process is the single consumer: it applies every event to the
// preprocessor in arrival order, drives the snapshot resync cycle
// whenever the book reports it needs one, and owns the periodic
// book/zone maintenance tick — book.Prune and zone.Aggregator.Tick both
// mutate state that only this goroutine is allowed to touch, so they run
// off this loop's own ticker rather than an independent ticker goroutine.
func (c *Collaborator) process(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.book.Prune(now)
			if c.OnTick != nil {
				c.OnTick(now)
			}
		case ev := <-c.events:
			if ev.depth != nil {
				c.pre.HandleDepth(*ev.depth)
				if c.OnDepth != nil {
					c.OnDepth(*ev.depth)
				}
				if c.book.NeedsSnapshot() {
					if err := c.resync(ctx); err != nil {
						c.log.Error().Err(err).Msg("snapshot resync failed")
					}
				}
				continue
			}
			c.pre.HandleAggTrade(*ev.trade)
		}
	}
}

// resync fetches a fresh L2 snapshot over REST and seeds the book with
// it, the collaborator-side half of the SequenceGap recovery policy.
func (c *Collaborator) resync(ctx context.Context) error {
	var snap snapshotResponse
	_, err := c.http.R().
		SetContext(ctx).
		SetResult(&snap).
		Get(c.cfg.SnapshotURL)
	if err != nil {
		return err
	}
	return c.book.ApplySnapshot(snap.LastUpdateID, snap.Bids, snap.Asks)
}

// streamLoop dials url, reads JSON messages through decode until the
// connection errors, and reconnects with exponential backoff capped at
// maxReconnectDelay. Mirrors the aggTrade client's original reconnect
// shape, generalized to take any decode callback so the same loop
// serves both the trade and depth streams.
func (c *Collaborator) streamLoop(ctx context.Context, name, url string, decode func(*websocket.Conn) error) {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectAndConsume(ctx, url, decode)
		if err != nil {
			c.log.Warn().Err(err).Str("stream", name).Dur("retry_in", delay).Msg("stream disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		} else {
			delay = reconnectDelay
		}
	}
}

func (c *Collaborator) connectAndConsume(ctx context.Context, url string, decode func(*websocket.Conn) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := decode(conn); err != nil {
			return err
		}
	}
}

func (c *Collaborator) consumeTradeMessage(conn *websocket.Conn) error {
	var ev aggTradeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		return err
	}
	price, err := decimal.NewFromString(ev.P)
	if err != nil {
		return nil // malformed payload, drop and keep reading
	}
	qty, err := decimal.NewFromString(ev.Q)
	if err != nil {
		return nil
	}
	trade := model.AggressiveTrade{
		ID:           ev.A,
		Price:        price,
		Quantity:     qty,
		EventTime:    ev.E,
		TradeTime:    ev.T,
		BuyerIsMaker: ev.M,
	}
	select {
	case c.events <- rawEvent{trade: &trade}:
	default:
		c.mx.InvalidTrades.Inc() // consumer saturated, drop rather than block the socket read
	}
	return nil
}

func (c *Collaborator) consumeDepthMessage(conn *websocket.Conn) error {
	var ev depthEvent
	if err := conn.ReadJSON(&ev); err != nil {
		return err
	}
	diff := model.DiffDepth{
		FirstID:   ev.U,
		FinalID:   ev.FU,
		Bids:      ev.Bids,
		Asks:      ev.Asks,
		EventTime: ev.E,
	}
	select {
	case c.events <- rawEvent{depth: &diff}:
	default:
		c.mx.SequenceGaps.Inc() // consumer saturated; dropping a diff forces a resync, which is the safe failure mode
	}
	return nil
}
