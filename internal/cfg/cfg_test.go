package cfg

import (
	"os"
	"testing"
)

const minimalYAML = `
symbol: BTCUSDT
orderbook:
  tick_size: 0.1
  max_levels: 5000
preprocessor:
  tick_multipliers: [1, 2, 4]
  zone_ticks: 10
coordinator:
  required_confirmations: 2
  drain_batch_size: 50
manager:
  min_adaptive_batch_size: 10
  max_adaptive_batch_size: 100
storage:
  dsn: "file:test.db"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadMinimalYAMLPasses(t *testing.T) {
	path := writeTemp(t, minimalYAML)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Orderbook.MaxLevels != 5000 {
		t.Fatalf("max_levels = %d, want 5000", c.Orderbook.MaxLevels)
	}
	if len(c.Preproc.TickMultipliers) != 3 {
		t.Fatalf("tick_multipliers = %v, want 3 entries", c.Preproc.TickMultipliers)
	}
}

func TestValidateRejectsMissingSymbol(t *testing.T) {
	path := writeTemp(t, `
orderbook:
  tick_size: 0.1
  max_levels: 1
preprocessor:
  tick_multipliers: [1]
  zone_ticks: 1
coordinator:
  required_confirmations: 1
  drain_batch_size: 1
manager:
  min_adaptive_batch_size: 1
  max_adaptive_batch_size: 1
storage:
  dsn: "file:test.db"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for missing symbol")
	}
}

func TestValidateRejectsInvalidBatchRange(t *testing.T) {
	path := writeTemp(t, `
symbol: BTCUSDT
orderbook:
  tick_size: 0.1
  max_levels: 1
preprocessor:
  tick_multipliers: [1]
  zone_ticks: 1
coordinator:
  required_confirmations: 1
  drain_batch_size: 1
manager:
  min_adaptive_batch_size: 100
  max_adaptive_batch_size: 10
storage:
  dsn: "file:test.db"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for min > max adaptive batch size")
	}
}

func TestEnvOverridesStorageDSN(t *testing.T) {
	path := writeTemp(t, minimalYAML)
	t.Setenv("FLOW_STORAGE_DSN", "file:from-env.db")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Storage.DSN != "file:from-env.db" {
		t.Fatalf("storage.dsn = %q, want override from env", c.Storage.DSN)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
