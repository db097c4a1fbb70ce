package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Limiter      LimiterConfig      `yaml:"limiter" mapstructure:"limiter"`
	Resolver     ResolverConfig     `yaml:"resolver" mapstructure:"resolver"`
	Jina         JinaConfig         `yaml:"jina" mapstructure:"jina"`
	Google       GoogleConfig       `yaml:"google" mapstructure:"google"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Scoring      ScoringConfig      `yaml:"scoring" mapstructure:"scoring"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Jobs         JobsConfig         `yaml:"jobs" mapstructure:"jobs"`
	Website      WebsiteConfig      `yaml:"website" mapstructure:"website"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	EmbeddedWorker bool     `yaml:"embedded_worker" mapstructure:"embedded_worker"`
}

// LimiterConfig configures the shared upstream rate limiter.
type LimiterConfig struct {
	MaxConcurrency  int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	MinDelayMs      int `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	BaseBackoffMs   int `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxBackoffMs    int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	ResetWindowSecs int `yaml:"reset_window_secs" mapstructure:"reset_window_secs"`
	MaxLevel        int `yaml:"max_level" mapstructure:"max_level"`
}

// ResolverConfig configures listing resolution.
type ResolverConfig struct {
	SearchURL         string `yaml:"search_url" mapstructure:"search_url"`
	RedirectURL       string `yaml:"redirect_url" mapstructure:"redirect_url"`
	CanonicalPattern  string `yaml:"canonical_pattern" mapstructure:"canonical_pattern"`
	CacheTTLMins      int    `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	MinTokenMatches   int    `yaml:"min_token_matches" mapstructure:"min_token_matches"`
	FetchTimeoutSecs  int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	MaxAttempts       int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RenderEnabled     bool   `yaml:"render_enabled" mapstructure:"render_enabled"`
	RenderTimeoutSecs int    `yaml:"render_timeout_secs" mapstructure:"render_timeout_secs"`
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Model        string `yaml:"model" mapstructure:"model"`
	CleanerModel string `yaml:"cleaner_model" mapstructure:"cleaner_model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ScoringConfig configures the scoring collaborator batching and weights.
type ScoringConfig struct {
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	FlushDelayMs     int    `yaml:"flush_delay_ms" mapstructure:"flush_delay_ms"`
	WeightsFile      string `yaml:"weights_file" mapstructure:"weights_file"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// OrchestratorConfig configures per-batch lead concurrency.
type OrchestratorConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// JobsConfig configures the durable job worker.
type JobsConfig struct {
	StaleAfterSecs   int    `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	HeartbeatSecs    int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	WorkerID         string `yaml:"worker_id" mapstructure:"worker_id"`
	MaxParallelJobs  int    `yaml:"max_parallel_jobs" mapstructure:"max_parallel_jobs"`
}

// WebsiteConfig configures the website classifier.
type WebsiteConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures job health alerting.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ThrottleLevelThreshold int     `yaml:"throttle_level_threshold" mapstructure:"throttle_level_threshold"`
}

// Duration helpers keep callers free of unit conversions.

func (c LimiterConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

func (c LimiterConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMs) * time.Millisecond
}

func (c LimiterConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

func (c LimiterConfig) ResetWindow() time.Duration {
	return time.Duration(c.ResetWindowSecs) * time.Second
}

func (c ResolverConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMins) * time.Minute
}

func (c ScoringConfig) FlushDelay() time.Duration {
	return time.Duration(c.FlushDelayMs) * time.Millisecond
}

func (c JobsConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSecs) * time.Second
}

func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c JobsConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

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

// SetDefaults registers every default knob on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.embedded_worker", true)
	v.SetDefault("limiter.max_concurrency", 4)
	v.SetDefault("limiter.min_delay_ms", 250)
	v.SetDefault("limiter.base_backoff_ms", 2000)
	v.SetDefault("limiter.max_backoff_ms", 60000)
	v.SetDefault("limiter.reset_window_secs", 120)
	v.SetDefault("limiter.max_level", 8)
	v.SetDefault("resolver.search_url", "https://www.google.com/maps/search/%s")
	v.SetDefault("resolver.redirect_url", "https://maps.google.com/?q=%s")
	v.SetDefault("resolver.canonical_pattern", "/maps/place/")
	v.SetDefault("resolver.cache_ttl_mins", 360)
	v.SetDefault("resolver.min_token_matches", 2)
	v.SetDefault("resolver.fetch_timeout_secs", 15)
	v.SetDefault("resolver.max_attempts", 3)
	v.SetDefault("resolver.render_enabled", false)
	v.SetDefault("resolver.render_timeout_secs", 30)
	v.SetDefault("resolver.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.cleaner_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("scoring.batch_size", 5)
	v.SetDefault("scoring.flush_delay_ms", 150)
	v.SetDefault("scoring.failure_threshold", 5)
	v.SetDefault("scoring.reset_timeout_secs", 30)
	v.SetDefault("orchestrator.max_concurrency", 5)
	v.SetDefault("jobs.stale_after_secs", 300)
	v.SetDefault("jobs.poll_interval_secs", 5)
	v.SetDefault("jobs.heartbeat_secs", 30)
	v.SetDefault("jobs.max_parallel_jobs", 1)
	v.SetDefault("website.timeout_secs", 10)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.throttle_level_threshold", 4)
}

// Validate checks that the configuration is usable for the given mode:
// "serve", "worker", "score" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	needsStore := mode == "serve" || mode == "worker" || mode == "migrate"
	needsScoring := mode == "worker" || mode == "score" || (mode == "serve" && c.Server.EmbeddedWorker)

	switch mode {
	case "serve", "worker", "score", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needsStore && c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if needsScoring && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Limiter.MaxConcurrency < 1 || c.Limiter.MaxConcurrency > 50 {
		errs = append(errs, "limiter.max_concurrency must be between 1 and 50")
	}
	if c.Orchestrator.MaxConcurrency < 1 || c.Orchestrator.MaxConcurrency > 50 {
		errs = append(errs, "orchestrator.max_concurrency must be between 1 and 50")
	}
	if c.Resolver.MinTokenMatches < 0 {
		errs = append(errs, "resolver.min_token_matches must be >= 0")
	}
	if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Jobs.HeartbeatSecs > 0 && c.Jobs.HeartbeatSecs >= c.Jobs.StaleAfterSecs {
		errs = append(errs, "jobs.heartbeat_secs must be < jobs.stale_after_secs")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
