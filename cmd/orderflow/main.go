package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/book"
	"github.com/orderflow/engine/internal/breaker"
	"github.com/orderflow/engine/internal/broadcast"
	"github.com/orderflow/engine/internal/bus"
	"github.com/orderflow/engine/internal/cfg"
	"github.com/orderflow/engine/internal/coordinator"
	"github.com/orderflow/engine/internal/detect/absorption"
	"github.com/orderflow/engine/internal/detect/accumdist"
	"github.com/orderflow/engine/internal/detect/cvd"
	"github.com/orderflow/engine/internal/detect/exhaustion"
	"github.com/orderflow/engine/internal/detect/spoof"
	"github.com/orderflow/engine/internal/ingest"
	"github.com/orderflow/engine/internal/manager"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/preprocess"
	"github.com/orderflow/engine/internal/state"
	"github.com/orderflow/engine/internal/storage"
	"github.com/orderflow/engine/internal/zone"
)

const defaultConfigPath = "config.yaml"

func main() {
	cfgPath := defaultConfigPath
	if p := os.Getenv("FLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	conf, err := cfg.Load(cfgPath)
	if err != nil {
		bootstrap.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if err := conf.Validate(); err != nil {
		bootstrap.Fatal().Err(err).Msg("invalid config")
	}

	log := newLogger(conf.Logging)
	log.Info().Str("symbol", conf.Symbol).Msg("starting orderflow engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mx := metrics.New()

	// 1. Durable storage: job queue, signal history, outcomes.
	store, err := storage.Open(conf.Storage.DSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	storageBreaker := breaker.New[int](breaker.Config{
		Name:             "storage",
		FailureThreshold: 5,
		HalfOpenAfter:    conf.Manager.CircuitBreakerReset,
		CallTimeout:      conf.Storage.CallTimeout,
	})

	// 2. Order book + zone aggregator, both owned exclusively by the
	// ingest goroutine started in step 7.
	bk := book.New(book.Config{
		MaxLevels:        conf.Orderbook.MaxLevels,
		MaxPriceDistance: decimal.NewFromFloat(conf.Orderbook.MaxPriceDistance),
		PruneInterval:    conf.Orderbook.PruneInterval,
		MaxErrorRate:     conf.Orderbook.MaxErrorRate,
		StaleThreshold:   conf.Orderbook.StaleThreshold,
		TickSize:         decimal.NewFromFloat(conf.Orderbook.TickSize),
	})

	zoneWindow := time.Minute
	if len(conf.Preproc.TimeWindows) > 0 {
		zoneWindow = conf.Preproc.TimeWindows[0]
	}
	zn := zone.New(zone.Config{
		TickSize:             decimal.NewFromFloat(conf.Preproc.TickSize),
		ZoneTicks:            conf.Preproc.ZoneTicks,
		TickMultipliers:      conf.Preproc.TickMultipliers,
		ZoneCalculationRange: conf.Preproc.ZoneCalculationRange,
		TimeWindow:           zoneWindow,
		MaxZones:             conf.Preproc.MaxZones,
		WarmupTrades:         conf.Preproc.WarmupTrades,
	})

	pre := preprocess.New(bk, zn, mx, log)

	// 3. Spoofing side-car and the four signal detectors, all fed from
	// preprocess.Emit below.
	spoofDet := spoof.New(spoof.Config{
		MinWallSize:  decimal.NewFromFloat(conf.Detectors.Spoofing.MinWallSize),
		PullFraction: decimal.NewFromFloat(conf.Detectors.Spoofing.PullFraction),
		PullWindow:   conf.Detectors.Spoofing.PullWindow,
	})

	absorptionDet := absorption.New(absorption.Config{
		MinAggVolume:             decimal.NewFromFloat(conf.Detectors.Absorption.MinAggVolume),
		PassiveAbsorptionThresh:  decimal.NewFromFloat(conf.Detectors.Absorption.PassiveAbsorptionThresh),
		PriceEfficiencyThreshold: decimal.NewFromFloat(conf.Detectors.Absorption.PriceEfficiencyThreshold),
		FinalConfidenceRequired:  conf.Detectors.Absorption.FinalConfidenceRequired,
		WeightPassive:            conf.Detectors.Absorption.WeightPassive,
		WeightEfficiency:         conf.Detectors.Absorption.WeightEfficiency,
		InstitutionalBoost:       conf.Detectors.Absorption.InstitutionalBoost,
		EventCooldown:            conf.Detectors.Absorption.EventCooldown,
		TickSize:                 decimal.NewFromFloat(conf.Orderbook.TickSize),
		CooldownBucketTicks:      conf.Detectors.Absorption.CooldownBucketTicks,
	}, spoofDet, mx, log)

	exhaustionDet := exhaustion.New(exhaustion.Config{
		MinAggVolume:          decimal.NewFromFloat(conf.Detectors.Exhaustion.MinAggVolume),
		ExhaustionThreshold:   decimal.NewFromFloat(conf.Detectors.Exhaustion.ExhaustionThreshold),
		DepletionRatioThresh:  decimal.NewFromFloat(conf.Detectors.Exhaustion.DepletionRatioThresh),
		MinPeakVolume:         decimal.NewFromFloat(conf.Detectors.Exhaustion.MinPeakVolume),
		EventCooldown:         conf.Detectors.Exhaustion.EventCooldown,
		TickSize:              decimal.NewFromFloat(conf.Orderbook.TickSize),
		CooldownBucketTicks:   conf.Detectors.Exhaustion.CooldownBucketTicks,
		ContinuityNormalizer:  decimal.NewFromFloat(conf.Detectors.Exhaustion.ContinuityNormalizer),
		SpreadNormalizerTicks: decimal.NewFromFloat(conf.Detectors.Exhaustion.SpreadNormalizerTicks),
		WeightDepletion:       conf.Detectors.Exhaustion.WeightDepletion,
		WeightPassive:         conf.Detectors.Exhaustion.WeightPassive,
		WeightContinuity:      conf.Detectors.Exhaustion.WeightContinuity,
		WeightImbalance:       conf.Detectors.Exhaustion.WeightImbalance,
		WeightSpread:          conf.Detectors.Exhaustion.WeightSpread,
		WeightVelocity:        conf.Detectors.Exhaustion.WeightVelocity,
	}, mx, log)

	cvdWindows := make([]time.Duration, len(conf.Detectors.CVD.WindowsSeconds))
	for i, s := range conf.Detectors.CVD.WindowsSeconds {
		cvdWindows[i] = time.Duration(s) * time.Second
	}
	cvdDet := cvd.New(cvd.Config{
		Windows:            cvdWindows,
		UsePassiveVolume:   conf.Detectors.CVD.UsePassiveVolume,
		RegressionSamples:  conf.Detectors.CVD.RegressionSamples,
		CVDImbalanceThresh: conf.Detectors.CVD.CVDImbalanceThresh,
		MinVolPerSec:       decimal.NewFromFloat(conf.Detectors.CVD.MinVolPerSec),
		MinTradesPerSec:    decimal.NewFromFloat(conf.Detectors.CVD.MinTradesPerSec),
		CVDSlopeScale:      conf.Detectors.CVD.CVDSlopeScale,
		PriceSlopeScale:    conf.Detectors.CVD.PriceSlopeScale,
		EventCooldown:      time.Duration(conf.Detectors.CVD.EventCooldownMs) * time.Millisecond,
	}, mx, log)

	accumDet := accumdist.New(accumdist.Config{
		ConfluenceMaxDistance:       decimal.NewFromFloat(conf.Detectors.Accumulation.ConfluenceMaxDistance),
		TickSize:                    decimal.NewFromFloat(conf.Orderbook.TickSize),
		AccumulationVolumeThreshold: decimal.NewFromFloat(conf.Detectors.Accumulation.AccumulationVolumeThreshold),
		AccumulationRatioThreshold:  decimal.NewFromFloat(conf.Detectors.Accumulation.AccumulationRatioThreshold),
		DistributionRatioThreshold:  decimal.NewFromFloat(conf.Detectors.Accumulation.DistributionRatioThreshold),
		ExpectedZoneCount:           conf.Detectors.Accumulation.ExpectedZoneCount,
		EventCooldown:               conf.Detectors.Accumulation.EventCooldown,
		CooldownBucketTicks:         conf.Detectors.Accumulation.CooldownBucketTicks,
		WeightRatio:                 conf.Detectors.Accumulation.WeightRatio,
		WeightConfluence:            conf.Detectors.Accumulation.WeightConfluence,
		WeightInstitutional:         conf.Detectors.Accumulation.WeightInstitutional,
		WeightAlignment:             conf.Detectors.Accumulation.WeightAlignment,
	}, mx, log)

	// 4. Coordinator (N-of-M confirmation) and manager (conflict
	// resolution, backpressure, final circuit-broken confirmation).
	coord := coordinator.New(coordinator.Config{
		RequiredConfirmations: conf.Coordinator.RequiredConfirmations,
		ConfirmationWindow:    conf.Coordinator.ConfirmationWindow,
		DeduplicationWindow:   conf.Coordinator.DeduplicationWindow,
		SignalExpiry:          conf.Coordinator.SignalExpiry,
		DrainBatchSize:        conf.Coordinator.DrainBatchSize,
		PriceTolerance:        decimal.NewFromFloat(conf.Coordinator.PriceTolerance),
		MaxRetries:            conf.Coordinator.MaxRetries,
		DrainInterval:         conf.Coordinator.DrainInterval,
	}, store, log)

	if _, err := coord.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("coordinator restore failed")
	}

	mgr := manager.New(manager.Config{
		ConfidenceThreshold:   conf.Manager.ConfidenceThreshold,
		SignalTimeout:         conf.Manager.SignalTimeout,
		BackpressureThreshold: conf.Manager.BackpressureThreshold,
		CircuitBreakerThresh:  conf.Manager.CircuitBreakerThresh,
		CircuitBreakerReset:   conf.Manager.CircuitBreakerReset,
		MinAdaptiveBatchSize:  conf.Manager.MinAdaptiveBatchSize,
		MaxAdaptiveBatchSize:  conf.Manager.MaxAdaptiveBatchSize,
		SignalTypePriorities:  conf.Manager.SignalTypePriorities,
		PositionSizing:        conf.Manager.PositionSizing,
		ConflictResolution: manager.ConflictResolutionConfig{
			Enabled:           conf.Manager.ConflictResolution.Strategy != "",
			MinimumSeparation: conf.Manager.ConflictResolution.MinimumSeparation,
		},
		MaxRetries: conf.Manager.MaxRetries,
	}, store, mx, log)

	priceHistorySize := conf.Coordinator.PriceHistorySize
	if priceHistorySize <= 0 {
		priceHistorySize = 3600
	}
	prices := state.NewPriceHistory(priceHistorySize)
	outcomes := coordinator.NewOutcomeTracker(store, log)
	outcomes.PriceAt = prices.At

	// 5. Broadcast: dashboard websocket hub, /health surface, alert
	// webhook. HealthFn closes over book/breaker state so broadcast
	// never imports those packages directly.
	caster := broadcast.New(conf.Broadcast, mx, log)
	caster.HealthFn = func() broadcast.HealthReport {
		return broadcast.HealthReport{
			Orderbook: bk.GetHealth(),
			Breakers:  map[string]string{"storage": storageBreaker.State()},
			Detectors: map[string]bool{
				"absorption": absorptionDet.Healthy(),
				"exhaustion": exhaustionDet.Healthy(),
				"cvd":        cvdDet.Healthy(),
				"accumdist":  accumDet.Healthy(),
			},
			Metrics: mx.Snapshot(),
		}
	}

	// 6. Confirmed-signal fan-out bus, used if multiple consumers ever
	// need ConfirmedSignal besides the broadcaster (mirrors the
	// teacher's trade bus, generalized to the signal domain).
	signalBus := bus.New[model.ConfirmedSignal]()
	signalSub := signalBus.Subscribe(256)
	go func() {
		for sig := range signalSub {
			caster.PublishSignal(sig)
		}
	}()
	mgr.Emit = func(sig model.ConfirmedSignal) {
		signalBus.Publish(sig)
	}

	// coord.Emit confirms a candidate bucket; the confirmed signal is
	// re-submitted as a single durable Job tagged detector_id="coordinator"
	// (wrapping a representative candidate tagged with correlation
	// metadata) so manager.ProcessBatch can drain and complete it through
	// the plain storage queue instead of the coordinator's in-memory
	// pendingSets, which have already resolved this bucket and must not
	// re-index it. ProcessBatch only ever drains detector_id="coordinator"
	// jobs (see the DrainByDetector wiring below), so the manager confirms
	// exactly one ConfirmedSignal per resolved bucket — never the raw
	// per-detector candidates that fed the N-of-M gate.
	coord.Emit = func(sig model.ProcessedSignal) {
		representative := sig.Candidates[0]
		representative.Data = map[string]any{
			"correlationId":  sig.CorrelationID,
			"confirmedCount": sig.ConfirmedCount,
		}
		representative.Confidence = sig.Confidence
		job := model.Job{
			ID:         sig.ID,
			DetectorID: "coordinator",
			Candidate:  representative,
			Priority:   sig.ConfirmedCount,
			EnqueuedAt: sig.CreatedAt,
		}
		if err := store.Submit(ctx, job); err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("submit confirmed job failed")
		}

		spread, _ := bk.GetSpread()
		bidVol, askVol := bk.SumBand(sig.Price, conf.Preproc.BandTicks)
		marketContext := map[string]any{
			"spread":        spread.String(),
			"bidVolNearby":  bidVol.String(),
			"askVolNearby":  askVol.String(),
			"bookHealthy":   bk.GetHealth().Initialized && !bk.GetHealth().CircuitOpen,
		}
		if err := store.RecordMarketContext(ctx, sig.ID, marketContext); err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("record market context failed")
		}
	}

	// 7. Ingest: both exchange websocket streams plus the REST snapshot
	// client, feeding the preprocessor and, through its Emit hook, every
	// detector and the dashboard trade/orderbook stream.
	collab := ingest.New(conf.Exchange, pre, bk, conf.Orderbook.PruneInterval, mx, log)
	collab.OnTick = func(now time.Time) {
		zn.Tick(now)
	}
	collab.OnDepth = func(diff model.DiffDepth) {
		now := time.Now()
		for _, lv := range diff.Bids {
			if price, qty, ok := parseLevel(lv); ok {
				spoofDet.Observe(price, "bid", qty, now)
			}
		}
		for _, lv := range diff.Asks {
			if price, qty, ok := parseLevel(lv); ok {
				spoofDet.Observe(price, "ask", qty, now)
			}
		}
	}

	pre.Emit = func(trade model.EnrichedTrade) {
		prices.Add(time.Now(), trade.Price)
		caster.PublishTrade(trade)

		submit := func(candidate model.SignalCandidate, ok bool) {
			if !ok {
				return
			}
			if err := coord.Submit(ctx, candidate); err != nil {
				log.Error().Err(err).Str("detector", candidate.DetectorID).Msg("submit candidate failed")
			}
		}
		submit(absorptionDet.OnTrade(trade))
		submit(exhaustionDet.OnTrade(trade))
		submit(cvdDet.OnTrade(trade))
		submit(accumDet.OnTrade(trade))
		spoofDet.Consume(trade.Price, sideFromTaker(trade.TakerSide()))
	}

	collab.Start(ctx)

	// 8. Periodic work: coordinator evaluation, manager batch draining,
	// outcome finalization, dashboard stats/orderbook ticks. Each runs on
	// its own ticker goroutine, all stopped via ctx. Orderbook pruning and
	// zone maintenance are NOT here — they mutate single-writer state owned
	// by the ingest goroutine, so collab's own internal ticker drives them
	// (see collab.OnTick above).
	go runTicker(ctx, tickerInterval(conf.Coordinator.EvaluateInterval, time.Second), func(now time.Time) {
		coord.Evaluate(ctx, now)
	})
	drainConfirmed := func(ctx context.Context, limit int) ([]model.Job, error) {
		return store.DrainByDetector(ctx, "coordinator", limit)
	}
	go runTicker(ctx, tickerInterval(conf.Coordinator.DrainInterval, time.Second), func(time.Time) {
		if _, err := mgr.ProcessBatch(ctx, drainConfirmed, store.Complete); err != nil {
			log.Error().Err(err).Msg("process batch failed")
		}
	})
	go runTicker(ctx, tickerInterval(conf.Coordinator.OutcomeTickInterval, time.Minute), func(now time.Time) {
		outcomes.Tick(ctx, now)
	})
	go runTicker(ctx, tickerInterval(conf.Broadcast.DashboardUpdateInterval, time.Second), func(time.Time) {
		bid, _ := bk.GetBestBid()
		ask, _ := bk.GetBestAsk()
		caster.PublishOrderbook(bid.String(), ask.String(), nil)
	})
	go runTicker(ctx, tickerInterval(conf.Broadcast.StatsInterval, 5*time.Second), func(time.Time) {
		caster.PublishStats()
	})

	go func() {
		if err := caster.Start(ctx); err != nil {
			log.Error().Err(err).Msg("broadcast server stopped")
		}
	}()

	// 9. Shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight tickers/handlers observe ctx.Done
}

func newLogger(c cfg.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runTicker(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			fn(now)
		}
	}
}

func tickerInterval(configured, fallback time.Duration) time.Duration {
	if configured <= 0 {
		return fallback
	}
	return configured
}

func parseLevel(pair [2]string) (price, qty decimal.Decimal, ok bool) {
	p, err := decimal.NewFromString(pair[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	q, err := decimal.NewFromString(pair[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return p, q, true
}

func sideFromTaker(takerSide string) string {
	if takerSide == "buy" {
		return "ask" // a buy aggressor consumes resting asks
	}
	return "bid"
}
