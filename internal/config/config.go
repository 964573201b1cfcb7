package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is loaded once at
// startup and treated as immutable for the life of the process; changing
// grouping rules requires a new process generation.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Grouping   GroupingConfig   `yaml:"grouping" mapstructure:"grouping"`
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the adjudicator and
// labeler backends.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// GroupingConfig holds the similarity weights, dynamic threshold rules, and
// the ambiguity margin around the threshold that triggers adjudication.
type GroupingConfig struct {
	EntityWeight  float64 `yaml:"entity_weight" mapstructure:"entity_weight"`
	CompanyWeight float64 `yaml:"company_weight" mapstructure:"company_weight"`
	CVEWeight     float64 `yaml:"cve_weight" mapstructure:"cve_weight"`
	EventWeight   float64 `yaml:"event_weight" mapstructure:"event_weight"`

	BaseThreshold  float64            `yaml:"base_threshold" mapstructure:"base_threshold"`
	CategoryAdjust map[string]float64 `yaml:"category_adjust" mapstructure:"category_adjust"`
	// SizeBreakpoints and SizeAdjustments form a step function of group
	// size: len(adjustments) == len(breakpoints)+1.
	SizeBreakpoints []int     `yaml:"size_breakpoints" mapstructure:"size_breakpoints"`
	SizeAdjustments []float64 `yaml:"size_adjustments" mapstructure:"size_adjustments"`

	AmbiguityMargin float64 `yaml:"ambiguity_margin" mapstructure:"ambiguity_margin"`

	// TemporalAdjust, SourceBonus, and CoreEntityBonus enable the
	// recency/source/top-entity score adjustments. Off by default: the
	// renormalized composite is the documented contract, the adjustments
	// are tuning aids.
	TemporalAdjust  bool `yaml:"temporal_adjust" mapstructure:"temporal_adjust"`
	SourceBonus     bool `yaml:"source_bonus" mapstructure:"source_bonus"`
	CoreEntityBonus bool `yaml:"core_entity_bonus" mapstructure:"core_entity_bonus"`

	// RulesFile optionally points at a standalone yaml file whose threshold
	// rules override the values above.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// LabelRefreshSizes lists the member counts at which a group's label
	// and description are regenerated (early labels based on one article
	// are often too narrow).
	LabelRefreshSizes []int `yaml:"label_refresh_sizes" mapstructure:"label_refresh_sizes"`
}

// RunConfig configures batch processing.
type RunConfig struct {
	IntervalMinutes       int `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	BatchLimit            int `yaml:"batch_limit" mapstructure:"batch_limit"`
	MaxParallelCategories int `yaml:"max_parallel_categories" mapstructure:"max_parallel_categories"`
	StoreRetryAttempts    int `yaml:"store_retry_attempts" mapstructure:"store_retry_attempts"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures metrics collection and operator alerting.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours         int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FallbackRateThreshold float64 `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
	DLQDepthThreshold     int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	UnplacedThreshold     int     `yaml:"unplaced_threshold" mapstructure:"unplaced_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GROUPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "grouper.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	// Keys without a meaningful default still need one registered or
	// AutomaticEnv will not surface them to Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("grouping.rules_file", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("anthropic.rps", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("grouping.entity_weight", 0.40)
	v.SetDefault("grouping.company_weight", 0.25)
	v.SetDefault("grouping.cve_weight", 0.15)
	v.SetDefault("grouping.event_weight", 0.10)
	v.SetDefault("grouping.base_threshold", 0.40)
	v.SetDefault("grouping.category_adjust", map[string]float64{
		"Cybersecurity & Data Privacy":               0.05,
		"Artificial Intelligence & Machine Learning": 0.03,
		"Other": -0.03,
	})
	v.SetDefault("grouping.size_breakpoints", []int{1, 5, 10})
	v.SetDefault("grouping.size_adjustments", []float64{-0.05, 0.0, 0.03, 0.05})
	v.SetDefault("grouping.ambiguity_margin", 0.05)
	v.SetDefault("grouping.temporal_adjust", false)
	v.SetDefault("grouping.source_bonus", false)
	v.SetDefault("grouping.core_entity_bonus", false)
	v.SetDefault("grouping.label_refresh_sizes", []int{2, 5})
	v.SetDefault("run.interval_minutes", 15)
	v.SetDefault("run.batch_limit", 200)
	v.SetDefault("run.max_parallel_categories", 4)
	v.SetDefault("run.store_retry_attempts", 3)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.fallback_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
	v.SetDefault("monitoring.unplaced_threshold", 100)

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

	if cfg.Grouping.RulesFile != "" {
		if err := cfg.Grouping.applyRulesFile(cfg.Grouping.RulesFile); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Validate checks that the configuration required by a command is present.
func (c *Config) Validate(command string) error {
	switch command {
	case "run", "retry":
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required (set GROUPER_ANTHROPIC_KEY)")
		}
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for postgres")
	}
	if len(c.Grouping.SizeAdjustments) != len(c.Grouping.SizeBreakpoints)+1 {
		return eris.Errorf("config: grouping.size_adjustments must have %d entries, got %d",
			len(c.Grouping.SizeBreakpoints)+1, len(c.Grouping.SizeAdjustments))
	}
	return nil
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
