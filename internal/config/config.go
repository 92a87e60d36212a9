package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/evidence-engine/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Cycle      CycleConfig      `yaml:"cycle" mapstructure:"cycle"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Grading    GradingConfig    `yaml:"grading" mapstructure:"grading"`
	Rating     RatingConfig     `yaml:"rating" mapstructure:"rating"`
	Cascade    CascadeConfig    `yaml:"cascade" mapstructure:"cascade"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Staleness  StalenessConfig  `yaml:"staleness" mapstructure:"staleness"`
	Pattern    PatternConfig    `yaml:"pattern" mapstructure:"pattern"`
	Directive  DirectiveConfig  `yaml:"directive" mapstructure:"directive"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackCycles           int     `yaml:"lookback_cycles" mapstructure:"lookback_cycles"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QuarantineDepthThreshold int     `yaml:"quarantine_depth_threshold" mapstructure:"quarantine_depth_threshold"`
	CycleErrorThreshold      int     `yaml:"cycle_error_threshold" mapstructure:"cycle_error_threshold"`
}

// CycleConfig configures the cycle engine.
type CycleConfig struct {
	MaxConcurrency        int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RatingHistoryLimit    int `yaml:"rating_history_limit" mapstructure:"rating_history_limit"`
	RetryMaxAttempts      int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// LedgerConfig configures evidence ingestion and compaction.
type LedgerConfig struct {
	DedupWindowHours    int     `yaml:"dedup_window_hours" mapstructure:"dedup_window_hours"`
	DuplicateSimilarity float64 `yaml:"duplicate_similarity" mapstructure:"duplicate_similarity"`
	ClusterSimilarity   float64 `yaml:"cluster_similarity" mapstructure:"cluster_similarity"`
	CompactAfterCycles  int     `yaml:"compact_after_cycles" mapstructure:"compact_after_cycles"`
	SummaryMaxChars     int     `yaml:"summary_max_chars" mapstructure:"summary_max_chars"`
	MetricHistory       int     `yaml:"metric_history" mapstructure:"metric_history"`
}

// GradingConfig configures the evidence rubric and forwarding thresholds.
type GradingConfig struct {
	ForwardThreshold float64            `yaml:"forward_threshold" mapstructure:"forward_threshold"`
	ParkBand         float64            `yaml:"park_band" mapstructure:"park_band"`
	Weights          map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// RatingConfig configures rating axes and the category table.
type RatingConfig struct {
	Axes         []model.AxisSpec     `yaml:"axes" mapstructure:"axes"`
	Categories   []model.CategoryRule `yaml:"categories" mapstructure:"categories"`
	NeutralValue float64              `yaml:"neutral_value" mapstructure:"neutral_value"`
}

// CascadeConfig holds the trigger table.
type CascadeConfig struct {
	Triggers []model.CascadeTrigger `yaml:"triggers" mapstructure:"triggers"`
}

// ConfidenceConfig configures the confidence update rule.
type ConfidenceConfig struct {
	Increment            float64 `yaml:"increment" mapstructure:"increment"`
	ContradictionPenalty float64 `yaml:"contradiction_penalty" mapstructure:"contradiction_penalty"`
	Ceiling              float64 `yaml:"ceiling" mapstructure:"ceiling"`
	CollapseDrop         float64 `yaml:"collapse_drop" mapstructure:"collapse_drop"`
	CollapseMinSubjects  int     `yaml:"collapse_min_subjects" mapstructure:"collapse_min_subjects"`
	HistoryLimit         int     `yaml:"history_limit" mapstructure:"history_limit"`
}

// SourceSpec configures freshness and scan priority for one source.
type SourceSpec struct {
	Name         string  `yaml:"name" mapstructure:"name"`
	TTLHours     int     `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	DataLagHours int     `yaml:"data_lag_hours" mapstructure:"data_lag_hours"`
	BasePriority float64 `yaml:"base_priority" mapstructure:"base_priority"`
}

// DimensionSpec configures freshness for one knowledge dimension.
type DimensionSpec struct {
	Name         string `yaml:"name" mapstructure:"name"`
	TTLHours     int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	DataLagHours int    `yaml:"data_lag_hours" mapstructure:"data_lag_hours"`
}

// StalenessConfig configures the staleness tracker.
type StalenessConfig struct {
	DefaultTTLHours     int             `yaml:"default_ttl_hours" mapstructure:"default_ttl_hours"`
	DefaultBasePriority float64         `yaml:"default_base_priority" mapstructure:"default_base_priority"`
	Sources             []SourceSpec    `yaml:"sources" mapstructure:"sources"`
	Dimensions          []DimensionSpec `yaml:"dimensions" mapstructure:"dimensions"`
}

// PatternConfig configures pattern detection.
type PatternConfig struct {
	MinClusterRecords int `yaml:"min_cluster_records" mapstructure:"min_cluster_records"`
	MinClusterSources int `yaml:"min_cluster_sources" mapstructure:"min_cluster_sources"`
	StaleAfterCycles  int `yaml:"stale_after_cycles" mapstructure:"stale_after_cycles"`
	HistoryLimit      int `yaml:"history_limit" mapstructure:"history_limit"`
}

// DirectiveConfig configures next-cycle planning.
type DirectiveConfig struct {
	PrimaryTargets       int                `yaml:"primary_targets" mapstructure:"primary_targets"`
	YieldWindowCycles    int                `yaml:"yield_window_cycles" mapstructure:"yield_window_cycles"`
	StalenessMultipliers map[string]float64 `yaml:"staleness_multipliers" mapstructure:"staleness_multipliers"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "evidence.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_cycles", 20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.quarantine_depth_threshold", 50)
	v.SetDefault("monitoring.cycle_error_threshold", 25)
	v.SetDefault("cycle.max_concurrency", 8)
	v.SetDefault("cycle.rating_history_limit", 12)
	v.SetDefault("cycle.retry_max_attempts", 3)
	v.SetDefault("cycle.retry_initial_backoff_ms", 200)
	v.SetDefault("cycle.retry_max_backoff_ms", 5000)
	v.SetDefault("ledger.dedup_window_hours", 72)
	v.SetDefault("ledger.duplicate_similarity", 0.8)
	v.SetDefault("ledger.cluster_similarity", 0.5)
	v.SetDefault("ledger.compact_after_cycles", 3)
	v.SetDefault("ledger.summary_max_chars", 120)
	v.SetDefault("ledger.metric_history", 8)
	v.SetDefault("grading.forward_threshold", 6.0)
	v.SetDefault("grading.park_band", 2.0)
	v.SetDefault("grading.weights", map[string]float64{
		"specificity":     1.0,
		"source_quality":  1.0,
		"topical_breadth": 1.0,
		"corroboration":   1.0,
	})
	v.SetDefault("rating.neutral_value", 5.0)
	v.SetDefault("confidence.increment", 0.10)
	v.SetDefault("confidence.contradiction_penalty", 0.15)
	v.SetDefault("confidence.ceiling", 0.999)
	v.SetDefault("confidence.collapse_drop", 0.15)
	v.SetDefault("confidence.collapse_min_subjects", 3)
	v.SetDefault("confidence.history_limit", 12)
	v.SetDefault("staleness.default_ttl_hours", 168)
	v.SetDefault("staleness.default_base_priority", 1.0)
	v.SetDefault("pattern.min_cluster_records", 3)
	v.SetDefault("pattern.min_cluster_sources", 2)
	v.SetDefault("pattern.stale_after_cycles", 2)
	v.SetDefault("pattern.history_limit", 12)
	v.SetDefault("directive.primary_targets", 5)
	v.SetDefault("directive.yield_window_cycles", 3)
	v.SetDefault("directive.staleness_multipliers", map[string]float64{
		"fresh":          1.0,
		"aging":          1.5,
		"stale":          2.0,
		"critical":       3.0,
		"never_measured": 3.0,
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: cycle,
// serve, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "cycle":
		errs = append(errs, c.validateEngine()...)
	case "serve":
		errs = append(errs, c.validateEngine()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateEngine() []string {
	var errs []string
	if c.Cycle.MaxConcurrency < 1 || c.Cycle.MaxConcurrency > 64 {
		errs = append(errs, "cycle.max_concurrency must be between 1 and 64")
	}
	if c.Grading.ForwardThreshold <= 0 || c.Grading.ForwardThreshold > 10 {
		errs = append(errs, "grading.forward_threshold must be in (0, 10]")
	}
	if c.Grading.ParkBand < 0 || c.Grading.ParkBand > c.Grading.ForwardThreshold {
		errs = append(errs, "grading.park_band must be between 0 and grading.forward_threshold")
	}
	for k, w := range c.Grading.Weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("grading.weights.%s must be >= 0", k))
		}
	}
	if c.Ledger.DuplicateSimilarity <= 0 || c.Ledger.DuplicateSimilarity > 1 {
		errs = append(errs, "ledger.duplicate_similarity must be in (0, 1]")
	}
	if c.Ledger.ClusterSimilarity <= 0 || c.Ledger.ClusterSimilarity > c.Ledger.DuplicateSimilarity {
		errs = append(errs, "ledger.cluster_similarity must be in (0, ledger.duplicate_similarity]")
	}
	if c.Confidence.Ceiling <= 0 || c.Confidence.Ceiling >= 1 {
		errs = append(errs, "confidence.ceiling must be in (0, 1)")
	}
	if c.Confidence.Increment < 0 || c.Confidence.ContradictionPenalty < 0 {
		errs = append(errs, "confidence.increment and confidence.contradiction_penalty must be >= 0")
	}
	if c.Staleness.DefaultTTLHours <= 0 {
		errs = append(errs, "staleness.default_ttl_hours must be > 0")
	}
	for _, s := range c.Staleness.Sources {
		if s.Name == "" {
			errs = append(errs, "staleness.sources entries require a name")
		}
		if s.TTLHours < 0 || s.DataLagHours < 0 || s.BasePriority < 0 {
			errs = append(errs, fmt.Sprintf("staleness.sources.%s values must be >= 0", s.Name))
		}
	}
	if c.Directive.PrimaryTargets < 1 {
		errs = append(errs, "directive.primary_targets must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
