package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orderflow/engine/internal/model"
	"github.com/orderflow/engine/internal/storage"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, zerolog.Nop()), store
}

func candidate(detector, typ, side string, price float64, ts time.Time) model.SignalCandidate {
	return model.SignalCandidate{
		ID:         detector + "-" + ts.String(),
		DetectorID: detector,
		Type:       typ,
		Side:       side,
		Confidence: 0.8,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  ts,
	}
}

func TestConfirmationEmitsAfterRequiredDetectorsAgree(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 2,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   100 * time.Millisecond,
		SignalExpiry:          5 * time.Second,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, _ := newTestCoordinator(t, cfg)

	var emitted []model.ProcessedSignal
	c.Emit = func(s model.ProcessedSignal) { emitted = append(emitted, s) }

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Submit(ctx, candidate("exhaustion", "reversal", "buy", 89.01, now.Add(10*time.Millisecond))); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.Evaluate(ctx, now.Add(20*time.Millisecond))

	if len(emitted) != 1 {
		t.Fatalf("emitted len = %d, want 1", len(emitted))
	}
	if emitted[0].ConfirmedCount != 2 {
		t.Fatalf("confirmed count = %d, want 2", emitted[0].ConfirmedCount)
	}
}

func TestSingleDetectorNeverConfirmsAlone(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 2,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   100 * time.Millisecond,
		SignalExpiry:          50 * time.Millisecond,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, _ := newTestCoordinator(t, cfg)

	var emitted []model.ProcessedSignal
	c.Emit = func(s model.ProcessedSignal) { emitted = append(emitted, s) }

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.Evaluate(ctx, now.Add(10*time.Millisecond))
	if len(emitted) != 0 {
		t.Fatalf("expected no emission from a single detector, got %d", len(emitted))
	}

	c.Evaluate(ctx, now.Add(100*time.Millisecond))
	if len(emitted) != 0 {
		t.Fatalf("expected expiry not emission, got %d emitted", len(emitted))
	}
	if len(c.pendingSets) != 0 {
		t.Fatalf("expected pending set to be cleared after expiry, got %d", len(c.pendingSets))
	}
}

func TestDeduplicationCollapsesRepeatCandidates(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 1,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   time.Second,
		SignalExpiry:          5 * time.Second,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, _ := newTestCoordinator(t, cfg)

	var emitted []model.ProcessedSignal
	c.Emit = func(s model.ProcessedSignal) { emitted = append(emitted, s) }

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Evaluate(ctx, now.Add(time.Millisecond))
	if len(emitted) != 1 {
		t.Fatalf("expected first emission, got %d", len(emitted))
	}

	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now.Add(10*time.Millisecond))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Evaluate(ctx, now.Add(20*time.Millisecond))
	if len(emitted) != 1 {
		t.Fatalf("expected duplicate within window to be dropped, got %d total", len(emitted))
	}
}

func TestRestoreReindexesForConfirmation(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 2,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   100 * time.Millisecond,
		SignalExpiry:          5 * time.Second,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, _ := newTestCoordinator(t, cfg)

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c2 := New(cfg, c.store, zerolog.Nop())
	restored, err := c2.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored len = %d, want 1", len(restored))
	}

	var emitted []model.ProcessedSignal
	c2.Emit = func(s model.ProcessedSignal) { emitted = append(emitted, s) }
	if err := c2.Submit(ctx, candidate("exhaustion", "reversal", "buy", 89.01, now.Add(10*time.Millisecond))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c2.Evaluate(ctx, now.Add(20*time.Millisecond))
	if len(emitted) != 1 {
		t.Fatalf("expected restored candidate plus new one to confirm, got %d", len(emitted))
	}
}

func TestConfirmationRetiresRawCandidateJobsFromQueue(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 2,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   100 * time.Millisecond,
		SignalExpiry:          5 * time.Second,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, store := newTestCoordinator(t, cfg)

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Submit(ctx, candidate("exhaustion", "reversal", "buy", 89.01, now.Add(10*time.Millisecond))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Evaluate(ctx, now.Add(20*time.Millisecond))

	var count int
	row := store.SqlDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM coordinator_queue`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count coordinator_queue: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected confirmed candidate jobs removed from coordinator_queue, found %d", count)
	}
}

func TestExpiryRetiresRawCandidateJobsFromQueue(t *testing.T) {
	cfg := Config{
		RequiredConfirmations: 2,
		ConfirmationWindow:    time.Second,
		DeduplicationWindow:   100 * time.Millisecond,
		SignalExpiry:          50 * time.Millisecond,
		PriceTolerance:        decimal.NewFromFloat(0.01),
	}
	c, store := newTestCoordinator(t, cfg)

	now := time.Now()
	ctx := context.Background()
	if err := c.Submit(ctx, candidate("absorption", "reversal", "buy", 89.01, now)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Evaluate(ctx, now.Add(100*time.Millisecond))

	var count int
	row := store.SqlDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM coordinator_queue`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count coordinator_queue: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired candidate job removed from coordinator_queue, found %d", count)
	}
}
