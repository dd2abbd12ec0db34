// Package storage is the engine's durable state:
// the coordinator's job queue/active set, signal history, confirmed
// signals, outcome tracking and forensic bookkeeping, plus a dead-letter
// table for jobs that exhaust retries. Grounded on stadam23-Eve-flipper's
// internal/db: a versioned, schema_version-gated migration ladder over
// modernc.org/sqlite, one *sql.DB, everything behind a single struct.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/errs"
	"github.com/orderflow/engine/internal/model"
)

// Storage wraps one SQLite *sql.DB. There is no storage worker goroutine
// and no request queue: cmd/orderflow's ingest, coordinator, manager and
// outcome goroutines call its methods directly.
type Storage struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the SQLite database at dsn and runs migrations.
func Open(dsn string, log zerolog.Logger) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "open db: %s", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.ErrStorage, "ping db: %s", err)
	}
	s := &Storage{db: db, log: log.With().Str("component", "storage").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.ErrStorage, "migrate db: %s", err)
	}
	s.log.Info().Str("dsn", dsn).Msg("storage opened")
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS coordinator_queue (
				job_id         TEXT PRIMARY KEY,
				detector_id    TEXT NOT NULL,
				candidate_json TEXT NOT NULL,
				priority       INTEGER NOT NULL,
				retry_count    INTEGER NOT NULL DEFAULT 0,
				enqueued_at    INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_coordinator_queue_order ON coordinator_queue(priority DESC, enqueued_at ASC);

			CREATE TABLE IF NOT EXISTS coordinator_active (
				job_id         TEXT PRIMARY KEY,
				detector_id    TEXT NOT NULL,
				candidate_json TEXT NOT NULL,
				priority       INTEGER NOT NULL,
				retry_count    INTEGER NOT NULL DEFAULT 0,
				enqueued_at    INTEGER NOT NULL,
				started_at     INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS signal_active_anomalies (
				anomaly_type TEXT PRIMARY KEY,
				anomaly_json TEXT NOT NULL,
				detected_at  INTEGER NOT NULL,
				severity     TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS signal_history (
				signal_id TEXT PRIMARY KEY,
				signal_json TEXT NOT NULL,
				symbol      TEXT NOT NULL,
				price       REAL NOT NULL,
				timestamp   INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_signal_history_ts ON signal_history(timestamp);

			CREATE TABLE IF NOT EXISTS confirmed_signals (
				signal_id   TEXT PRIMARY KEY,
				signal_json TEXT NOT NULL,
				price       REAL NOT NULL,
				timestamp   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS signal_outcomes (
				signal_id       TEXT PRIMARY KEY,
				side            TEXT NOT NULL DEFAULT 'buy',
				entry_price     REAL NOT NULL,
				entry_ts        INTEGER NOT NULL,
				price_after_1m  REAL,
				price_after_5m  REAL,
				price_after_15m REAL,
				price_after_60m REAL,
				max_favorable   REAL NOT NULL DEFAULT 0,
				max_adverse     REAL NOT NULL DEFAULT 0,
				outcome         TEXT NOT NULL DEFAULT 'pending',
				is_active       INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS signal_market_context (
				signal_id       TEXT PRIMARY KEY,
				context_json    TEXT NOT NULL,
				recorded_at     INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS failed_signal_analysis (
				signal_id       TEXT PRIMARY KEY,
				analysis_json   TEXT NOT NULL,
				expired_at      INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS dead_letter_jobs (
				job_id         TEXT PRIMARY KEY,
				detector_id    TEXT NOT NULL,
				candidate_json TEXT NOT NULL,
				retry_count    INTEGER NOT NULL,
				failed_at      INTEGER NOT NULL,
				reason         TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.log.Info().Msg("applied migration v1")
	}

	return nil
}

// timeNow is a seam so tests can stub "now" without sleeping.
var timeNow = time.Now

// Submit persists a Job into coordinator_queue (§4.10 submit).
func (s *Storage) Submit(ctx context.Context, job model.Job) error {
	candJSON, err := json.Marshal(job.Candidate)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal candidate: %s", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO coordinator_queue (job_id, detector_id, candidate_json, priority, retry_count, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.DetectorID, candJSON, job.Priority, job.RetryCount, job.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "submit job %s: %s", job.ID, err)
	}
	return nil
}

// Drain reads up to limit jobs ordered by (priority DESC, enqueuedAt ASC),
// moves them from coordinator_queue to coordinator_active in one
// transaction, and returns them (§4.10 drain).
func (s *Storage) Drain(ctx context.Context, limit int) ([]model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain begin tx: %s", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, detector_id, candidate_json, priority, retry_count, enqueued_at
		 FROM coordinator_queue ORDER BY priority DESC, enqueued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain query: %s", err)
	}

	type row struct {
		id, detID      string
		candJSON       []byte
		priority, retry int
		enqueuedAt     int64
	}
	var drained []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.detID, &r.candJSON, &r.priority, &r.retry, &r.enqueuedAt); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.ErrStorage, "drain scan: %s", err)
		}
		drained = append(drained, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain rows: %s", err)
	}

	now := timeNow().UnixMilli()
	jobs := make([]model.Job, 0, len(drained))
	for _, r := range drained {
		if _, err := tx.ExecContext(ctx, `DELETE FROM coordinator_queue WHERE job_id = ?`, r.id); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "drain delete %s: %s", r.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO coordinator_active (job_id, detector_id, candidate_json, priority, retry_count, enqueued_at, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.id, r.detID, r.candJSON, r.priority, r.retry, r.enqueuedAt, now,
		); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "drain insert active %s: %s", r.id, err)
		}
		var cand model.SignalCandidate
		if err := json.Unmarshal(r.candJSON, &cand); err != nil {
			return nil, errs.Wrap(errs.ErrInternal, "unmarshal candidate %s: %s", r.id, err)
		}
		jobs = append(jobs, model.Job{
			ID:         r.id,
			DetectorID: r.detID,
			Candidate:  cand,
			Priority:   r.priority,
			RetryCount: r.retry,
			EnqueuedAt: time.UnixMilli(r.enqueuedAt),
			StartedAt:  time.UnixMilli(now),
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain commit: %s", err)
	}
	return jobs, nil
}

// DrainByDetector is Drain restricted to jobs from one detector_id. The
// manager uses this with detectorID "coordinator" so it only ever
// confirms ProcessedSignals the coordinator has already resolved through
// its N-of-M gate, never the raw per-detector candidate jobs that Submit
// persists for the coordinator's own indexing and crash recovery (§4.10,
// §4.11 data flow: candidates → Coordinator → Manager).
func (s *Storage) DrainByDetector(ctx context.Context, detectorID string, limit int) ([]model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain begin tx: %s", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, detector_id, candidate_json, priority, retry_count, enqueued_at
		 FROM coordinator_queue WHERE detector_id = ? ORDER BY priority DESC, enqueued_at ASC LIMIT ?`,
		detectorID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain query: %s", err)
	}

	type row struct {
		id, detID       string
		candJSON        []byte
		priority, retry int
		enqueuedAt      int64
	}
	var drained []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.detID, &r.candJSON, &r.priority, &r.retry, &r.enqueuedAt); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.ErrStorage, "drain scan: %s", err)
		}
		drained = append(drained, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain rows: %s", err)
	}

	now := timeNow().UnixMilli()
	jobs := make([]model.Job, 0, len(drained))
	for _, r := range drained {
		if _, err := tx.ExecContext(ctx, `DELETE FROM coordinator_queue WHERE job_id = ?`, r.id); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "drain delete %s: %s", r.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO coordinator_active (job_id, detector_id, candidate_json, priority, retry_count, enqueued_at, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.id, r.detID, r.candJSON, r.priority, r.retry, r.enqueuedAt, now,
		); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "drain insert active %s: %s", r.id, err)
		}
		var cand model.SignalCandidate
		if err := json.Unmarshal(r.candJSON, &cand); err != nil {
			return nil, errs.Wrap(errs.ErrInternal, "unmarshal candidate %s: %s", r.id, err)
		}
		jobs = append(jobs, model.Job{
			ID:         r.id,
			DetectorID: r.detID,
			Candidate:  cand,
			Priority:   r.priority,
			RetryCount: r.retry,
			EnqueuedAt: time.UnixMilli(r.enqueuedAt),
			StartedAt:  time.UnixMilli(now),
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "drain commit: %s", err)
	}
	return jobs, nil
}

// Complete removes a job from coordinator_active (§4.10 complete).
func (s *Storage) Complete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordinator_active WHERE job_id = ?`, jobID)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "complete job %s: %s", jobID, err)
	}
	return nil
}

// DeleteQueued removes a job from coordinator_queue directly, without
// ever moving it through coordinator_active. The coordinator uses this
// to retire a raw candidate job once its bucket resolves (confirmed or
// expired) — those jobs are never drained by the manager (see
// DrainByDetector) and so never reach coordinator_active, unlike jobs
// Complete is meant for.
func (s *Storage) DeleteQueued(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordinator_queue WHERE job_id = ?`, jobID)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "delete queued job %s: %s", jobID, err)
	}
	return nil
}

// Requeue moves a job back from coordinator_active to coordinator_queue
// with its retry count incremented by one, for a confirmation attempt
// that failed transiently (storage error, breaker timeout) rather than
// exhausting its retries outright (see DeadLetter below).
func (s *Storage) Requeue(ctx context.Context, job model.Job) error {
	candJSON, err := json.Marshal(job.Candidate)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal requeue candidate: %s", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "requeue begin tx: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM coordinator_active WHERE job_id = ?`, job.ID); err != nil {
		return errs.Wrap(errs.ErrStorage, "requeue remove active %s: %s", job.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO coordinator_queue (job_id, detector_id, candidate_json, priority, retry_count, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.DetectorID, candJSON, job.Priority, job.RetryCount+1, job.EnqueuedAt.UnixMilli(),
	); err != nil {
		return errs.Wrap(errs.ErrStorage, "requeue insert queue %s: %s", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrStorage, "requeue commit: %s", err)
	}
	return nil
}

// Restore reads both coordinator_queue and coordinator_active at startup
// and returns all jobs in priority order, satisfying §8's property 6: the
// union of jobIds equals what was queued/active just before a crash.
func (s *Storage) Restore(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	for _, table := range []string{"coordinator_queue", "coordinator_active"} {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT job_id, detector_id, candidate_json, priority, retry_count, enqueued_at FROM %s ORDER BY priority DESC, enqueued_at ASC`, table))
		if err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "restore query %s: %s", table, err)
		}
		for rows.Next() {
			var id, detID string
			var candJSON []byte
			var priority, retry int
			var enqueuedAt int64
			if err := rows.Scan(&id, &detID, &candJSON, &priority, &retry, &enqueuedAt); err != nil {
				rows.Close()
				return nil, errs.Wrap(errs.ErrStorage, "restore scan %s: %s", table, err)
			}
			var cand model.SignalCandidate
			if err := json.Unmarshal(candJSON, &cand); err != nil {
				rows.Close()
				return nil, errs.Wrap(errs.ErrInternal, "restore unmarshal %s: %s", table, err)
			}
			jobs = append(jobs, model.Job{
				ID: id, DetectorID: detID, Candidate: cand,
				Priority: priority, RetryCount: retry,
				EnqueuedAt: time.UnixMilli(enqueuedAt),
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "restore rows %s: %s", table, err)
		}
	}
	return jobs, nil
}

// DeadLetter moves a job that exhausted maxRetries out of the active
// table and into dead_letter_jobs, per §7's StorageError policy.
func (s *Storage) DeadLetter(ctx context.Context, job model.Job, reason string) error {
	candJSON, err := json.Marshal(job.Candidate)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal dead letter candidate: %s", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "dead letter begin tx: %s", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM coordinator_active WHERE job_id = ?`, job.ID); err != nil {
		return errs.Wrap(errs.ErrStorage, "dead letter remove active %s: %s", job.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letter_jobs (job_id, detector_id, candidate_json, retry_count, failed_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.DetectorID, candJSON, job.RetryCount, timeNow().UnixMilli(), reason,
	); err != nil {
		return errs.Wrap(errs.ErrStorage, "dead letter insert %s: %s", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ErrStorage, "dead letter commit: %s", err)
	}
	return nil
}

// RecordSignalHistory persists every ProcessedSignal (confirmed or not)
// to signal_history for forensic replay.
func (s *Storage) RecordSignalHistory(ctx context.Context, sig model.ProcessedSignal, symbol string) error {
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal signal history: %s", err)
	}
	price, _ := sig.Price.Float64()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signal_history (signal_id, signal_json, symbol, price, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		sig.ID, sigJSON, symbol, price, sig.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "record signal history %s: %s", sig.ID, err)
	}
	return nil
}

// RecordConfirmedSignal persists a ConfirmedSignal once the manager has
// cleared it through conflict resolution and backpressure.
func (s *Storage) RecordConfirmedSignal(ctx context.Context, sig model.ConfirmedSignal) error {
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal confirmed signal: %s", err)
	}
	price, _ := sig.FinalPrice.Float64()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO confirmed_signals (signal_id, signal_json, price, timestamp)
		 VALUES (?, ?, ?, ?)`,
		sig.ID, sigJSON, price, sig.ConfirmedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "record confirmed signal %s: %s", sig.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signal_outcomes (signal_id, side, entry_price, entry_ts, outcome, is_active)
		 VALUES (?, ?, ?, ?, 'pending', 1)`,
		sig.ID, sig.Processed.Side, price, sig.ConfirmedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "seed outcome %s: %s", sig.ID, err)
	}
	return nil
}

// UpdateOutcomeSample records a price observation at one of the
// {1,5,15,60}m marks after confirmation.
func (s *Storage) UpdateOutcomeSample(ctx context.Context, signalID string, minute int, price float64) error {
	var col string
	switch minute {
	case 1:
		col = "price_after_1m"
	case 5:
		col = "price_after_5m"
	case 15:
		col = "price_after_15m"
	case 60:
		col = "price_after_60m"
	default:
		return errs.Wrap(errs.ErrInternal, "invalid outcome sample minute %d", minute)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE signal_outcomes SET %s = ? WHERE signal_id = ?`, col), price, signalID)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "update outcome sample %s: %s", signalID, err)
	}
	return nil
}

// FinalizeOutcome sets the terminal outcome classification and clears
// is_active, per the OutcomeTracker supplement in SPEC_FULL §3.
func (s *Storage) FinalizeOutcome(ctx context.Context, signalID, outcome string, maxFavorable, maxAdverse float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signal_outcomes SET outcome = ?, max_favorable = ?, max_adverse = ?, is_active = 0 WHERE signal_id = ?`,
		outcome, maxFavorable, maxAdverse, signalID,
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "finalize outcome %s: %s", signalID, err)
	}
	return nil
}

// ActiveOutcomes returns signal ids still awaiting finalization, for the
// OutcomeTracker's polling loop.
func (s *Storage) ActiveOutcomes(ctx context.Context) ([]model.SignalOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_id, side, entry_price, entry_ts,
		        COALESCE(price_after_1m, 0), COALESCE(price_after_5m, 0),
		        COALESCE(price_after_15m, 0), COALESCE(price_after_60m, 0),
		        max_favorable, max_adverse, outcome, is_active
		 FROM signal_outcomes WHERE is_active = 1`)
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "active outcomes query: %s", err)
	}
	defer rows.Close()

	var out []model.SignalOutcome
	for rows.Next() {
		var o model.SignalOutcome
		var entryTs int64
		var entryPrice, after1, after5, after15, after60, maxFav, maxAdv float64
		var active int
		if err := rows.Scan(&o.SignalID, &o.Side, &entryPrice, &entryTs, &after1, &after5, &after15, &after60, &maxFav, &maxAdv, &o.Outcome, &active); err != nil {
			return nil, errs.Wrap(errs.ErrStorage, "active outcomes scan: %s", err)
		}
		o.EntryTs = time.UnixMilli(entryTs)
		o.EntryPrice = decimal.NewFromFloat(entryPrice)
		o.MaxFavorable = decimal.NewFromFloat(maxFav)
		o.MaxAdverse = decimal.NewFromFloat(maxAdv)
		o.IsActive = active != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordMarketContext persists forensic book context captured
// at confirmation time.
func (s *Storage) RecordMarketContext(ctx context.Context, signalID string, context map[string]any) error {
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal market context: %s", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signal_market_context (signal_id, context_json, recorded_at) VALUES (?, ?, ?)`,
		signalID, ctxJSON, timeNow().UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "record market context %s: %s", signalID, err)
	}
	return nil
}

// RecordFailedSignalAnalysis persists why a candidate set expired without
// reaching confirmation.
func (s *Storage) RecordFailedSignalAnalysis(ctx context.Context, signalID string, analysis map[string]any) error {
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal failed signal analysis: %s", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO failed_signal_analysis (signal_id, analysis_json, expired_at) VALUES (?, ?, ?)`,
		signalID, analysisJSON, timeNow().UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "record failed signal analysis %s: %s", signalID, err)
	}
	return nil
}

// UpsertAnomaly records or refreshes an active anomaly row (e.g. a
// sustained circuit-open condition), keyed by anomaly type.
func (s *Storage) UpsertAnomaly(ctx context.Context, anomalyType string, data map[string]any, severity string) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "marshal anomaly: %s", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signal_active_anomalies (anomaly_type, anomaly_json, detected_at, severity) VALUES (?, ?, ?, ?)`,
		anomalyType, dataJSON, timeNow().UnixMilli(), severity,
	)
	if err != nil {
		return errs.Wrap(errs.ErrStorage, "upsert anomaly %s: %s", anomalyType, err)
	}
	return nil
}

// SqlDB exposes the underlying *sql.DB for components (e.g. /health) that
// need a raw ping or a custom read query.
func (s *Storage) SqlDB() *sql.DB {
	return s.db
}
