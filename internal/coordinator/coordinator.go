// Package coordinator implements SignalCoordinator (§4.10): a
// per-detector priority queue of candidates backed by durable storage,
// with N-of-M confirmation logic and deduplication. The package starts
// no goroutine and does no retrying: its caller invokes Evaluate
// periodically (cmd/orderflow does so from a ticker).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/storage"
)

// Config mirrors spec §6's coordinator section.
type Config struct {
	RequiredConfirmations int
	ConfirmationWindow    time.Duration
	DeduplicationWindow   time.Duration
	SignalExpiry          time.Duration
	DrainBatchSize        int
	PriceTolerance        decimal.Decimal
	MaxRetries            int
	DrainInterval         time.Duration
}

// pending is one in-flight candidate set awaiting N-of-M confirmation,
// keyed by (type, side, priceBucket).
type pending struct {
	key        string
	typ        string
	side       string
	price      decimal.Decimal
	candidates []model.SignalCandidate
	jobIDs     []string
	detectors  map[string]bool
	firstSeen  time.Time
}

// Coordinator correlates SignalCandidates across detectors and emits
// ProcessedSignals once confirmation thresholds are met.
type Coordinator struct {
	cfg   Config
	store *storage.Storage
	log   zerolog.Logger

	mu          sync.Mutex
	pendingSets map[string]*pending
	recentEmit  map[string]time.Time // dedup window per (type,side,priceBucket)

	Emit func(model.ProcessedSignal)
}

func New(cfg Config, store *storage.Storage, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		log:         log.With().Str("component", "coordinator").Logger(),
		pendingSets: make(map[string]*pending),
		recentEmit:  make(map[string]time.Time),
	}
}

// Submit persists a candidate as a durable Job and folds it into the
// in-memory confirmation index (§4.10 submit).
func (c *Coordinator) Submit(ctx context.Context, candidate model.SignalCandidate) error {
	job := model.Job{
		ID:         uuid.NewString(),
		DetectorID: candidate.DetectorID,
		Candidate:  candidate,
		Priority:   priorityFor(candidate),
		EnqueuedAt: candidate.Timestamp,
	}
	if err := c.store.Submit(ctx, job); err != nil {
		return err
	}
	c.index(candidate, job.ID)
	return nil
}

func priorityFor(c model.SignalCandidate) int {
	return int(c.Confidence * 100)
}

// bucketKey groups candidates that should be correlated together: same
// type family, same side, price rounded to the configured tolerance.
func (c *Coordinator) bucketKey(typ, side string, price decimal.Decimal) string {
	tol := c.cfg.PriceTolerance
	if tol.IsZero() {
		tol = decimal.NewFromFloat(0.01)
	}
	bucket := price.Div(tol).Round(0)
	return fmt.Sprintf("%s|%s|%s", typ, side, bucket.String())
}

func (c *Coordinator) index(candidate model.SignalCandidate, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.bucketKey(candidate.Type, candidate.Side, candidate.Price)

	if last, ok := c.recentEmit[key]; ok && candidate.Timestamp.Sub(last) < c.cfg.DeduplicationWindow {
		c.log.Debug().Str("key", key).Msg("candidate deduplicated")
		return
	}

	p, ok := c.pendingSets[key]
	if !ok {
		p = &pending{
			key:       key,
			typ:       candidate.Type,
			side:      candidate.Side,
			price:     candidate.Price,
			detectors: make(map[string]bool),
			firstSeen: candidate.Timestamp,
		}
		c.pendingSets[key] = p
	}
	p.candidates = append(p.candidates, candidate)
	p.jobIDs = append(p.jobIDs, jobID)
	p.detectors[candidate.DetectorID] = true
}

// Drain moves up to limit queued jobs of every detector_id
// (priority-ordered) into the active set and returns them; Coordinator
// itself does not act on jobs beyond indexing at Submit time. Startup
// replay goes through Restore, and cmd/orderflow's manager drains
// coordinator-confirmed jobs with storage.DrainByDetector, not this method.
func (c *Coordinator) Drain(ctx context.Context, limit int) ([]model.Job, error) {
	return c.store.Drain(ctx, limit)
}

// Complete acknowledges a job as fully processed (§4.10 complete).
func (c *Coordinator) Complete(ctx context.Context, jobID string) error {
	return c.store.Complete(ctx, jobID)
}

// Restore replays queued and active jobs at startup (§4.10 restore, §8
// property 6).
func (c *Coordinator) Restore(ctx context.Context) ([]model.Job, error) {
	jobs, err := c.store.Restore(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		c.index(j.Candidate, j.ID)
	}
	return jobs, nil
}

// Evaluate walks the in-memory pending sets, emitting a ProcessedSignal
// for any bucket that has reached requiredConfirmations from distinct
// detectors within confirmationWindowMs, and expiring (with forensic
// analysis) any bucket older than signalExpiryMs that never confirmed.
// Call this periodically from the ingest/coordination loop; it performs
// no I/O itself beyond what RecordFailedSignalAnalysis/RecordSignalHistory
// and DeleteQueued require.
func (c *Coordinator) Evaluate(ctx context.Context, now time.Time) {
	c.mu.Lock()
	var toEmit []model.ProcessedSignal
	var resolvedJobIDs []string
	var toExpire []*pending
	for key, p := range c.pendingSets {
		distinct := len(p.detectors)
		withinWindow := now.Sub(p.firstSeen) <= c.cfg.ConfirmationWindow
		if distinct >= c.cfg.RequiredConfirmations && withinWindow {
			sig := model.ProcessedSignal{
				ID:             uuid.NewString(),
				Candidates:     append([]model.SignalCandidate(nil), p.candidates...),
				Type:           p.typ,
				Side:           p.side,
				Price:          p.price,
				Confidence:     avgConfidence(p.candidates),
				CorrelationID:  uuid.NewString(),
				ConfirmedCount: distinct,
				CreatedAt:      now,
			}
			toEmit = append(toEmit, sig)
			resolvedJobIDs = append(resolvedJobIDs, p.jobIDs...)
			c.recentEmit[key] = now
			delete(c.pendingSets, key)
			continue
		}
		if now.Sub(p.firstSeen) > c.cfg.SignalExpiry {
			toExpire = append(toExpire, p)
			delete(c.pendingSets, key)
		}
	}
	c.mu.Unlock()

	for _, sig := range toEmit {
		if err := c.store.RecordSignalHistory(ctx, sig, ""); err != nil {
			c.log.Error().Err(err).Str("signal_id", sig.ID).Msg("record signal history failed")
		}
		if c.Emit != nil {
			c.Emit(sig)
		}
	}
	for _, p := range toExpire {
		analysis := map[string]any{
			"type":             p.typ,
			"side":             p.side,
			"detectors_agreed": len(p.detectors),
			"required":         c.cfg.RequiredConfirmations,
			"candidate_count":  len(p.candidates),
		}
		if err := c.store.RecordFailedSignalAnalysis(ctx, p.key, analysis); err != nil {
			c.log.Error().Err(err).Str("key", p.key).Msg("record failed signal analysis failed")
		}
		resolvedJobIDs = append(resolvedJobIDs, p.jobIDs...)
	}

	// Every contributing job is durably retired once its bucket resolves
	// (confirmed or expired) — otherwise coordinator_queue would grow
	// unboundedly since Submit persists one job per raw candidate. These
	// jobs live in coordinator_queue, never coordinator_active (only
	// DrainByDetector("coordinator", ...) moves jobs into coordinator_active,
	// and raw candidates are detector_id=<detector name>, not "coordinator"),
	// so they're deleted directly rather than via Complete.
	for _, jobID := range resolvedJobIDs {
		if err := c.store.DeleteQueued(ctx, jobID); err != nil {
			c.log.Error().Err(err).Str("job_id", jobID).Msg("delete resolved candidate job failed")
		}
	}
}

func avgConfidence(candidates []model.SignalCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candidates {
		sum += c.Confidence
	}
	return sum / float64(len(candidates))
}
