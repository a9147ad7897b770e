package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/sells-group/finmetrics/internal/fetcher"
	"github.com/sells-group/finmetrics/internal/matcher"
	"github.com/sells-group/finmetrics/internal/resilience"
	"github.com/sells-group/finmetrics/internal/validate"
	"github.com/sells-group/finmetrics/pkg/embedding"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ontology   OntologyConfig   `yaml:"ontology" mapstructure:"ontology"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Calc       CalcConfig       `yaml:"calc" mapstructure:"calc"`
	Validate   ValidateConfig   `yaml:"validate" mapstructure:"validate"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	SEC        SECConfig        `yaml:"sec" mapstructure:"sec"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OntologyConfig locates the ontology definition. An empty path uses the
// built-in ontology.
type OntologyConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

// MatcherConfig tunes label matching.
type MatcherConfig struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	SemanticThreshold float64 `yaml:"semantic_threshold" mapstructure:"semantic_threshold"`
	MinConfidence     float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	PatternWeight     float64 `yaml:"pattern_weight" mapstructure:"pattern_weight"`
	MaxAlternatives   int     `yaml:"max_alternatives" mapstructure:"max_alternatives"`
	TieBreak          string  `yaml:"tie_break" mapstructure:"tie_break"`
	CacheSize         int     `yaml:"cache_size" mapstructure:"cache_size"`
}

// CalcConfig configures the calculation engine.
type CalcConfig struct {
	FormulaDiscount float64 `yaml:"formula_discount" mapstructure:"formula_discount"`
}

// ValidateConfig configures validation.
type ValidateConfig struct {
	Profile string  `yaml:"profile" mapstructure:"profile"`
	Epsilon float64 `yaml:"epsilon" mapstructure:"epsilon"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	MaxConcurrentMatches int `yaml:"max_concurrent_matches" mapstructure:"max_concurrent_matches"`
}

// StoreConfig configures the result store. Driver is sqlite, postgres or
// none.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EmbeddingConfig configures the embedding API used by the semantic match
// stage. Matching runs without the semantic stage when Model is empty.
type EmbeddingConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Model      string  `yaml:"model" mapstructure:"model"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BatchSize  int     `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSec int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Enabled reports whether an embedding model is configured.
func (e EmbeddingConfig) Enabled() bool { return e.Model != "" && e.BaseURL != "" }

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// SECConfig configures downloads from the SEC XBRL APIs. SEC rejects
// requests without a contact User-Agent.
type SECConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent  string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSec int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures batch quality alerts.
type MonitoringConfig struct {
	Enabled                        bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL                     string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs              int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours            int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MinBatches                     int     `yaml:"min_batches" mapstructure:"min_batches"`
	UnmappedRateThreshold          float64 `yaml:"unmapped_rate_threshold" mapstructure:"unmapped_rate_threshold"`
	ValidationFailureRateThreshold float64 `yaml:"validation_failure_rate_threshold" mapstructure:"validation_failure_rate_threshold"`
}

// MatcherOptions converts the matcher section.
func (c *Config) MatcherOptions() matcher.Config {
	return matcher.Config{
		FuzzyThreshold:    c.Matcher.FuzzyThreshold,
		SemanticThreshold: c.Matcher.SemanticThreshold,
		MinConfidence:     c.Matcher.MinConfidence,
		PatternWeight:     c.Matcher.PatternWeight,
		MaxAlternatives:   c.Matcher.MaxAlternatives,
		TieBreak:          matcher.TieBreak(c.Matcher.TieBreak),
		CacheSize:         c.Matcher.CacheSize,
		MaxConcurrency:    c.Batch.MaxConcurrentMatches,
	}
}

// EmbeddingOptions converts the embedding section.
func (c *Config) EmbeddingOptions() embedding.Config {
	return embedding.Config{
		BaseURL:   c.Embedding.BaseURL,
		Model:     c.Embedding.Model,
		APIKey:    c.Embedding.Key,
		Timeout:   time.Duration(c.Embedding.TimeoutSec) * time.Second,
		RateLimit: c.Embedding.RatePerSec,
		BatchSize: c.Embedding.BatchSize,
		Retry:     resilience.DefaultRetryConfig(),
	}
}

// FetcherOptions converts the sec section.
func (c *Config) FetcherOptions() fetcher.HTTPOptions {
	opts := fetcher.HTTPOptions{
		UserAgent: c.SEC.UserAgent,
		Timeout:   time.Duration(c.SEC.TimeoutSec) * time.Second,
		Retry:     resilience.DefaultRetryConfig(),
	}
	if c.SEC.RatePerSec > 0 {
		if u, err := url.Parse(c.SEC.BaseURL); err == nil && u.Host != "" {
			opts.HostLimits = map[string]rate.Limit{u.Hostname(): rate.Limit(c.SEC.RatePerSec)}
		}
	}
	return opts
}

// Validate checks values that would otherwise fail deep inside a batch.
func (c *Config) Validate() error {
	if _, err := validate.ParseProfile(c.Validate.Profile); err != nil {
		return eris.Wrap(err, "config: validate.profile")
	}
	if tb := matcher.TieBreak(c.Matcher.TieBreak); tb != "" && !tb.Valid() {
		return eris.Errorf("config: matcher.tie_break %q must be match_type or metric_id", c.Matcher.TieBreak)
	}
	if d := c.Calc.FormulaDiscount; d <= 0 || d > 1 {
		return eris.Errorf("config: calc.formula_discount %v must be in (0, 1]", d)
	}
	for name, r := range map[string]float64{
		"monitoring.unmapped_rate_threshold":           c.Monitoring.UnmappedRateThreshold,
		"monitoring.validation_failure_rate_threshold": c.Monitoring.ValidationFailureRateThreshold,
	} {
		if r < 0 || r > 1 {
			return eris.Errorf("config: %s %v must be in [0, 1]", name, r)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FINMETRICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := matcher.DefaultConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ontology.path", "")
	v.SetDefault("ontology.watch", false)
	v.SetDefault("matcher.fuzzy_threshold", def.FuzzyThreshold)
	v.SetDefault("matcher.semantic_threshold", def.SemanticThreshold)
	v.SetDefault("matcher.min_confidence", def.MinConfidence)
	v.SetDefault("matcher.pattern_weight", def.PatternWeight)
	v.SetDefault("matcher.max_alternatives", def.MaxAlternatives)
	v.SetDefault("matcher.tie_break", string(def.TieBreak))
	v.SetDefault("matcher.cache_size", def.CacheSize)
	v.SetDefault("calc.formula_discount", 0.95)
	v.SetDefault("validate.profile", string(validate.ProfileModerate))
	v.SetDefault("validate.epsilon", 1e-9)
	v.SetDefault("batch.max_concurrent_batches", 4)
	v.SetDefault("batch.max_concurrent_matches", def.MaxConcurrency)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "finmetrics.db")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.key", "")
	v.SetDefault("embedding.rate_per_sec", 5)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("sec.base_url", fetcher.DefaultSECBaseURL)
	v.SetDefault("sec.user_agent", "finmetrics/1.0")
	v.SetDefault("sec.rate_per_sec", 10)
	v.SetDefault("sec.timeout_secs", 30)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.min_batches", 5)
	v.SetDefault("monitoring.unmapped_rate_threshold", 0.25)
	v.SetDefault("monitoring.validation_failure_rate_threshold", 0.10)

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
