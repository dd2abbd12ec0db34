// Package cfg defines the engine's single immutable configuration
// document, loaded once at startup. Maps directly to the YAML file
// structure, per component section, with sensitive fields overridable
// via FLOW_* environment variables — the same viper + mapstructure +
// env-override shape as 0xtitan6-polymarket-mm's internal/config.
package cfg

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/orderflow/engine/internal/errs"
)

// Config is the top-level configuration document (spec §6).
type Config struct {
	Symbol    string          `mapstructure:"symbol"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Orderbook OrderbookConfig `mapstructure:"orderbook"`
	Preproc   PreprocConfig   `mapstructure:"preprocessor"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig holds exchange-client connection details.
type ExchangeConfig struct {
	AggTradeURL string `mapstructure:"agg_trade_url"`
	DepthURL    string `mapstructure:"depth_url"`
	SnapshotURL string `mapstructure:"snapshot_url"`
}

// OrderbookConfig matches spec §6's orderbook section exactly.
type OrderbookConfig struct {
	MaxLevels        int           `mapstructure:"max_levels"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval_ms"`
	MaxPriceDistance float64       `mapstructure:"max_price_distance"`
	PruneInterval    time.Duration `mapstructure:"prune_interval_ms"`
	MaxErrorRate     float64       `mapstructure:"max_error_rate"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold_ms"`
	TickSize         float64       `mapstructure:"tick_size"`
}

// PreprocConfig matches spec §6's preprocessor section.
type PreprocConfig struct {
	TickSize             float64         `mapstructure:"tick_size"`
	PricePrecision       int32           `mapstructure:"price_precision"`
	QuantityPrecision    int32           `mapstructure:"quantity_precision"`
	BandTicks            int             `mapstructure:"band_ticks"`
	ZoneTicks            int             `mapstructure:"zone_ticks"`
	TickMultipliers      []int           `mapstructure:"tick_multipliers"`
	TimeWindows          []time.Duration `mapstructure:"time_windows"`
	ZoneCalculationRange int             `mapstructure:"zone_calculation_range"`
	MaxZones             int             `mapstructure:"max_zones"`
	ZoneCacheSize        int             `mapstructure:"zone_cache_size"`
	WarmupTrades         int             `mapstructure:"warmup_trades"`
}

// DetectorsConfig groups the four detector sections (accumulation and
// distribution share one) plus spoofing.
type DetectorsConfig struct {
	Absorption   AbsorptionConfig   `mapstructure:"absorption"`
	Exhaustion   ExhaustionConfig   `mapstructure:"exhaustion"`
	CVD          CVDConfig          `mapstructure:"cvd"`
	Accumulation AccumDistConfig    `mapstructure:"accumulation"`
	Spoofing     SpoofingConfig     `mapstructure:"spoofing"`
}

type AbsorptionConfig struct {
	MinAggVolume             float64       `mapstructure:"min_agg_volume"`
	PassiveAbsorptionThresh  float64       `mapstructure:"passive_absorption_threshold"`
	PriceEfficiencyThreshold float64       `mapstructure:"price_efficiency_threshold"`
	FinalConfidenceRequired  float64       `mapstructure:"final_confidence_required"`
	WeightPassive            float64       `mapstructure:"weight_passive"`
	WeightEfficiency         float64       `mapstructure:"weight_efficiency"`
	InstitutionalBoost       float64       `mapstructure:"institutional_boost"`
	EventCooldown            time.Duration `mapstructure:"event_cooldown_ms"`
	CooldownBucketTicks      int           `mapstructure:"cooldown_bucket_ticks"`
}

type ExhaustionConfig struct {
	MinAggVolume          float64       `mapstructure:"min_agg_volume"`
	ExhaustionThreshold   float64       `mapstructure:"exhaustion_threshold"`
	DepletionRatioThresh  float64       `mapstructure:"depletion_ratio_threshold"`
	MinPeakVolume         float64       `mapstructure:"min_peak_volume"`
	EventCooldown         time.Duration `mapstructure:"event_cooldown_ms"`
	CooldownBucketTicks   int           `mapstructure:"cooldown_bucket_ticks"`
	ContinuityNormalizer  float64       `mapstructure:"continuity_normalizer"`
	SpreadNormalizerTicks float64       `mapstructure:"spread_normalizer_ticks"`
	WeightDepletion       float64       `mapstructure:"weight_depletion"`
	WeightPassive         float64       `mapstructure:"weight_passive"`
	WeightContinuity      float64       `mapstructure:"weight_continuity"`
	WeightImbalance       float64       `mapstructure:"weight_imbalance"`
	WeightSpread          float64       `mapstructure:"weight_spread"`
	WeightVelocity        float64       `mapstructure:"weight_velocity"`
}

type CVDConfig struct {
	WindowsSeconds     []int   `mapstructure:"windows_seconds"`
	UsePassiveVolume   bool    `mapstructure:"use_passive_volume"`
	RegressionSamples  int     `mapstructure:"regression_samples"`
	CVDImbalanceThresh float64 `mapstructure:"cvd_imbalance_threshold"`
	MinVolPerSec       float64 `mapstructure:"min_vol_per_sec"`
	MinTradesPerSec    float64 `mapstructure:"min_trades_per_sec"`
	CVDSlopeScale      float64 `mapstructure:"cvd_slope_scale"`
	PriceSlopeScale    float64 `mapstructure:"price_slope_scale"`
	EventCooldownMs    int     `mapstructure:"event_cooldown_ms"`
}

type AccumDistConfig struct {
	ConfluenceMaxDistance       float64       `mapstructure:"confluence_max_distance"`
	AccumulationVolumeThreshold float64       `mapstructure:"accumulation_volume_threshold"`
	AccumulationRatioThreshold  float64       `mapstructure:"accumulation_ratio_threshold"`
	DistributionRatioThreshold  float64       `mapstructure:"distribution_ratio_threshold"`
	ExpectedZoneCount           int           `mapstructure:"expected_zone_count"`
	EventCooldown               time.Duration `mapstructure:"event_cooldown_ms"`
	CooldownBucketTicks         int           `mapstructure:"cooldown_bucket_ticks"`
	WeightRatio                 float64       `mapstructure:"weight_ratio"`
	WeightConfluence            float64       `mapstructure:"weight_confluence"`
	WeightInstitutional         float64       `mapstructure:"weight_institutional"`
	WeightAlignment             float64       `mapstructure:"weight_alignment"`
}

type SpoofingConfig struct {
	MinWallSize  float64       `mapstructure:"min_wall_size"`
	PullFraction float64       `mapstructure:"pull_fraction"`
	PullWindow   time.Duration `mapstructure:"pull_window_ms"`
}

// CoordinatorConfig matches spec §6's coordinator section.
type CoordinatorConfig struct {
	RequiredConfirmations int           `mapstructure:"required_confirmations"`
	ConfirmationWindow    time.Duration `mapstructure:"confirmation_window_ms"`
	DeduplicationWindow   time.Duration `mapstructure:"deduplication_window_ms"`
	SignalExpiry          time.Duration `mapstructure:"signal_expiry_ms"`
	DrainBatchSize        int           `mapstructure:"drain_batch_size"`
	PriceTolerance        float64       `mapstructure:"price_tolerance"`
	MaxRetries            int           `mapstructure:"max_retries"`
	DrainInterval         time.Duration `mapstructure:"drain_interval_ms"`
	EvaluateInterval      time.Duration `mapstructure:"evaluate_interval_ms"`
	PriceHistorySize      int           `mapstructure:"price_history_size"`
	OutcomeTickInterval   time.Duration `mapstructure:"outcome_tick_interval_ms"`
}

// ManagerConfig matches spec §6's manager section.
type ManagerConfig struct {
	ConfidenceThreshold   float64           `mapstructure:"confidence_threshold"`
	SignalTimeout         time.Duration     `mapstructure:"signal_timeout_ms"`
	BackpressureThreshold int               `mapstructure:"backpressure_threshold"`
	CircuitBreakerThresh  uint32            `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerReset   time.Duration     `mapstructure:"circuit_breaker_reset_ms"`
	MinAdaptiveBatchSize  int               `mapstructure:"min_adaptive_batch_size"`
	MaxAdaptiveBatchSize  int               `mapstructure:"max_adaptive_batch_size"`
	SignalTypePriorities  map[string]int    `mapstructure:"signal_type_priorities"`
	PositionSizing        map[string]float64 `mapstructure:"position_sizing"`
	ConflictResolution    ConflictResolutionConfig `mapstructure:"conflict_resolution"`
	MaxRetries            int               `mapstructure:"max_retries"`
}

type ConflictResolutionConfig struct {
	Strategy           string        `mapstructure:"strategy"`
	MinimumSeparation  time.Duration `mapstructure:"minimum_separation_ms"`
}

// StorageConfig controls the PipelineStorage SQLite lifecycle.
type StorageConfig struct {
	DSN               string        `mapstructure:"dsn"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	BackpressureLimit int           `mapstructure:"backpressure_threshold"`
	MaxRetries        int           `mapstructure:"max_retries"`
	CallTimeout       time.Duration `mapstructure:"call_timeout_ms"`
}

// BroadcastConfig controls the dashboard/alert surfaces.
type BroadcastConfig struct {
	ListenAddr             string        `mapstructure:"listen_addr"`
	DashboardUpdateInterval time.Duration `mapstructure:"dashboard_update_interval_ms"`
	StatsInterval          time.Duration `mapstructure:"stats_interval_ms"`
	AlertWebhookURL        string        `mapstructure:"alert_webhook_url"`
	ClientSendBuffer       int           `mapstructure:"client_send_buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config from a YAML file at path, applying FLOW_* env
// var overrides for anything secret (currently the alert webhook URL and
// storage DSN, the two fields most likely to carry credentials).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "read config: %s", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errs.Wrap(errs.ErrConfig, "unmarshal config: %s", err)
	}

	if dsn := os.Getenv("FLOW_STORAGE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}
	if url := os.Getenv("FLOW_ALERT_WEBHOOK_URL"); url != "" {
		c.Broadcast.AlertWebhookURL = url
	}

	return &c, nil
}

// Validate checks required fields and value ranges, returning the first
// violated constraint. A ConfigError is fatal: main must exit non-zero
// before any goroutine starts.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return errs.Wrap(errs.ErrConfig, "symbol is required")
	}
	if c.Orderbook.TickSize <= 0 {
		return errs.Wrap(errs.ErrConfig, "orderbook.tick_size must be > 0")
	}
	if c.Orderbook.MaxLevels <= 0 {
		return errs.Wrap(errs.ErrConfig, "orderbook.max_levels must be > 0")
	}
	if len(c.Preproc.TickMultipliers) == 0 {
		return errs.Wrap(errs.ErrConfig, "preprocessor.tick_multipliers must be non-empty")
	}
	if c.Preproc.ZoneTicks <= 0 {
		return errs.Wrap(errs.ErrConfig, "preprocessor.zone_ticks must be > 0")
	}
	if c.Coordinator.RequiredConfirmations <= 0 {
		return errs.Wrap(errs.ErrConfig, "coordinator.required_confirmations must be > 0")
	}
	if c.Coordinator.DrainBatchSize <= 0 {
		return errs.Wrap(errs.ErrConfig, "coordinator.drain_batch_size must be > 0")
	}
	if c.Manager.MinAdaptiveBatchSize <= 0 || c.Manager.MaxAdaptiveBatchSize < c.Manager.MinAdaptiveBatchSize {
		return errs.Wrap(errs.ErrConfig, "manager.min_adaptive_batch_size/max_adaptive_batch_size must satisfy 0 < min <= max")
	}
	if c.Storage.DSN == "" {
		return errs.Wrap(errs.ErrConfig, "storage.dsn is required")
	}
	return nil
}
