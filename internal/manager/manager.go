// Package manager implements SignalManager (§4.11): conflict resolution,
// detector-specific position sizing, backpressure, adaptive batch sizing
// and a circuit breaker around the final confirmation step, emitting
// ConfirmedSignals for the broadcaster. The breaker is internal/breaker's
// generic Breaker[T], wrapping the confirmed-signal storage write; the
// alert webhook does not go through it. Conflict resolution and position
// sizing are config-driven weighted decisions in the style of the
// teacher's pressure.Scorer (data-driven weights, no hardcoded domain
// constants inline).
package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orderflow/engine/internal/breaker"
	"github.com/orderflow/engine/internal/errs"
	"github.com/orderflow/engine/internal/metrics"
	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/storage"
)

// ConflictResolutionConfig controls opposite-side suppression (§4.11).
type ConflictResolutionConfig struct {
	Enabled           bool
	MinimumSeparation time.Duration
}

// Config mirrors spec §6's manager section.
type Config struct {
	ConfidenceThreshold   float64
	SignalTimeout         time.Duration
	BackpressureThreshold int
	CircuitBreakerThresh  uint32
	CircuitBreakerReset   time.Duration
	MinAdaptiveBatchSize  int
	MaxAdaptiveBatchSize  int
	SignalTypePriorities  map[string]int
	PositionSizing        map[string]float64
	ConflictResolution    ConflictResolutionConfig
	MaxRetries            int
}

// Manager applies conflict resolution, backpressure, adaptive batch
// sizing and a circuit breaker before confirming signals.
type Manager struct {
	cfg   Config
	store *storage.Storage
	mx    *metrics.Collector
	log   zerolog.Logger
	cb    *breaker.Breaker[model.ConfirmedSignal]

	lastOppositeSide map[string]lastSignal // key: (type family) -> last opposing-side emission
	currentBatchSize int

	Emit func(model.ConfirmedSignal)
}

type lastSignal struct {
	side string
	at   time.Time
}

func New(cfg Config, store *storage.Storage, mx *metrics.Collector, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:              cfg,
		store:            store,
		mx:               mx,
		log:              log.With().Str("component", "manager").Logger(),
		lastOppositeSide: make(map[string]lastSignal),
		currentBatchSize: cfg.MinAdaptiveBatchSize,
	}
	m.cb = breaker.New[model.ConfirmedSignal](breaker.Config{
		Name:             "manager_confirm",
		FailureThreshold: cfg.CircuitBreakerThresh,
		HalfOpenAfter:    cfg.CircuitBreakerReset,
		CallTimeout:      cfg.SignalTimeout,
	})
	return m
}

// ProcessBatch drains up to the manager's current adaptive batch size
// from the coordinator's queue, applies backpressure/conflict-resolution/
// position sizing, and confirms the survivors.
func (m *Manager) ProcessBatch(ctx context.Context, drain func(ctx context.Context, limit int) ([]model.Job, error), complete func(ctx context.Context, jobID string) error) (int, error) {
	queueDepth, err := m.queueDepth(ctx)
	if err != nil {
		return 0, err
	}
	if queueDepth > m.cfg.BackpressureThreshold {
		m.mx.ActiveCoordQueue.Set(int64(queueDepth))
		m.log.Warn().Int("queue_depth", queueDepth).Msg("backpressure: yielding this cycle")
		return 0, nil
	}

	m.adjustBatchSize(queueDepth)

	jobs, err := drain(ctx, m.currentBatchSize)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for i, job := range jobs {
		candidate := job.Candidate
		if candidate.Confidence < m.cfg.ConfidenceThreshold {
			if err := complete(ctx, job.ID); err != nil {
				m.log.Error().Err(err).Str("job_id", job.ID).Msg("complete below-threshold job failed")
			}
			continue
		}

		processed := model.ProcessedSignal{
			ID:         candidate.ID,
			Candidates: []model.SignalCandidate{candidate},
			Type:       candidate.Type,
			Side:       candidate.Side,
			Price:      candidate.Price,
			Confidence: candidate.Confidence,
			CreatedAt:  candidate.Timestamp,
		}

		if m.conflicts(processed) {
			m.mx.DroppedSignals.Inc()
			if err := complete(ctx, job.ID); err != nil {
				m.log.Error().Err(err).Str("job_id", job.ID).Msg("complete conflicted job failed")
			}
			continue
		}

		sig := model.ConfirmedSignal{
			ID:          processed.ID,
			Processed:   processed,
			FinalPrice:  processed.Price,
			ConfirmedAt: job.EnqueuedAt,
			Priority:    m.priorityFor(processed),
		}

		_, err := m.cb.CallWithTimeout(m.cfg.SignalTimeout, func() (model.ConfirmedSignal, error) {
			if err := m.store.RecordConfirmedSignal(ctx, sig); err != nil {
				return model.ConfirmedSignal{}, err
			}
			return sig, nil
		})
		if err != nil {
			if errs.Is(err, errs.ErrCircuitOpen) {
				m.log.Warn().Msg("circuit open: skipping confirmation this cycle")
				for _, rest := range jobs[i:] {
					if rqErr := m.store.Requeue(ctx, rest); rqErr != nil {
						m.log.Error().Err(rqErr).Str("job_id", rest.ID).Msg("requeue failed")
					}
				}
				return confirmed, nil
			}
			m.log.Error().Err(err).Str("signal_id", sig.ID).Msg("confirm signal failed")
			if job.RetryCount >= m.cfg.MaxRetries {
				if dlErr := m.store.DeadLetter(ctx, job, err.Error()); dlErr != nil {
					m.log.Error().Err(dlErr).Str("job_id", job.ID).Msg("dead letter failed")
				}
				m.mx.DeadLetteredJobs.Inc()
			} else if rqErr := m.store.Requeue(ctx, job); rqErr != nil {
				m.log.Error().Err(rqErr).Str("job_id", job.ID).Msg("requeue failed")
			}
			continue
		}

		m.recordOpposingSide(processed)
		if err := complete(ctx, job.ID); err != nil {
			m.log.Error().Err(err).Str("job_id", job.ID).Msg("complete confirmed job failed")
		}
		m.mx.EmittedSignals.Inc()
		confirmed++
		if m.Emit != nil {
			m.Emit(sig)
		}
	}
	return confirmed, nil
}

// queueDepth counts only the coordinator-confirmed jobs this manager
// actually drains (detector_id="coordinator"), not the raw per-detector
// candidate jobs the coordinator indexes for its own N-of-M gate —
// counting those too would make backpressure track detector chatter
// instead of the manager's own backlog.
func (m *Manager) queueDepth(ctx context.Context) (int, error) {
	var count int
	row := m.store.SqlDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM coordinator_queue WHERE detector_id = 'coordinator'`)
	if err := row.Scan(&count); err != nil {
		return 0, errs.Wrap(errs.ErrStorage, "queue depth: %s", err)
	}
	return count, nil
}

// adjustBatchSize grows the batch when the queue is draining comfortably
// and shrinks it under load, bounded by [MinAdaptiveBatchSize,
// MaxAdaptiveBatchSize].
func (m *Manager) adjustBatchSize(queueDepth int) {
	switch {
	case queueDepth == 0 && m.currentBatchSize > m.cfg.MinAdaptiveBatchSize:
		m.currentBatchSize--
	case queueDepth > m.cfg.BackpressureThreshold/2 && m.currentBatchSize < m.cfg.MaxAdaptiveBatchSize:
		m.currentBatchSize++
	}
	if m.currentBatchSize < m.cfg.MinAdaptiveBatchSize {
		m.currentBatchSize = m.cfg.MinAdaptiveBatchSize
	}
	if m.currentBatchSize > m.cfg.MaxAdaptiveBatchSize {
		m.currentBatchSize = m.cfg.MaxAdaptiveBatchSize
	}
}

// conflicts reports whether an opposite-side signal of the same type
// family fired within MinimumSeparation, per §4.11's conflict resolution.
func (m *Manager) conflicts(sig model.ProcessedSignal) bool {
	if !m.cfg.ConflictResolution.Enabled {
		return false
	}
	last, ok := m.lastOppositeSide[sig.Type]
	if !ok {
		return false
	}
	if last.side == sig.Side {
		return false
	}
	return sig.CreatedAt.Sub(last.at) < m.cfg.ConflictResolution.MinimumSeparation
}

func (m *Manager) recordOpposingSide(sig model.ProcessedSignal) {
	m.lastOppositeSide[sig.Type] = lastSignal{side: sig.Side, at: sig.CreatedAt}
}

// priorityFor combines the configured signal-type priority with a
// position-sizing multiplier, the way the manager ranks ConfirmedSignals
// for the broadcaster.
func (m *Manager) priorityFor(sig model.ProcessedSignal) int {
	base := m.cfg.SignalTypePriorities[sig.Type]
	sizing := m.cfg.PositionSizing[sig.Type]
	if sizing == 0 {
		sizing = 1.0
	}
	return base + int(sig.Confidence*sizing*10)
}
