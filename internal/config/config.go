package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Recovery   RecoveryConfig   `yaml:"recovery" mapstructure:"recovery"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Learner    LearnerConfig    `yaml:"learner" mapstructure:"learner"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared rate-limit backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// QueueConfig configures the scoring queue and its worker pool.
type QueueConfig struct {
	Workers        int `yaml:"workers" mapstructure:"workers"`
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ClaimBatchSize int `yaml:"claim_batch_size" mapstructure:"claim_batch_size"`
	MaxAttempts    int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// RecoveryConfig configures the stale-item sweep.
type RecoveryConfig struct {
	StaleThresholdSecs int `yaml:"stale_threshold_secs" mapstructure:"stale_threshold_secs"`
	IntervalSecs       int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// ScorerConfig configures the scoring engine.
type ScorerConfig struct {
	SizeTolerance           float64            `yaml:"size_tolerance" mapstructure:"size_tolerance"`
	DisqualificationPenalty float64            `yaml:"disqualification_penalty" mapstructure:"disqualification_penalty"`
	ThesisBonus             map[string]float64 `yaml:"thesis_bonus" mapstructure:"thesis_bonus"`
	MaxThesisBonus          float64            `yaml:"max_thesis_bonus" mapstructure:"max_thesis_bonus"`
	ProfilePath             string             `yaml:"profile_path" mapstructure:"profile_path"`
}

// LearnerConfig configures weight relearning.
type LearnerConfig struct {
	MinMultiplier float64 `yaml:"min_multiplier" mapstructure:"min_multiplier"`
	MaxMultiplier float64 `yaml:"max_multiplier" mapstructure:"max_multiplier"`
	UpRate        float64 `yaml:"up_rate" mapstructure:"up_rate"`
	DownRate      float64 `yaml:"down_rate" mapstructure:"down_rate"`
	MinSamples    int     `yaml:"min_samples" mapstructure:"min_samples"`
}

// ProviderLimit configures one external provider's rate limit.
type ProviderLimit struct {
	MaxConcurrent     int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BackoffSecs       int     `yaml:"backoff_secs" mapstructure:"backoff_secs"`
}

// RateLimitConfig configures the provider rate limiter.
type RateLimitConfig struct {
	Backend   string                   `yaml:"backend" mapstructure:"backend"`
	Providers map[string]ProviderLimit `yaml:"providers" mapstructure:"providers"`
}

// JobsConfig configures batch job execution.
type JobsConfig struct {
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	RetryMaxAttempts        int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// EnrichmentConfig holds the enrichment provider settings.
type EnrichmentConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL               string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	TerminalFailureThreshold int    `yaml:"terminal_failure_threshold" mapstructure:"terminal_failure_threshold"`
	BacklogThreshold         int    `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BUYERFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.claim_batch_size", 1)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("recovery.stale_threshold_secs", 120)
	v.SetDefault("recovery.interval_secs", 60)
	v.SetDefault("scorer.size_tolerance", 0.25)
	v.SetDefault("scorer.disqualification_penalty", 0)
	v.SetDefault("scorer.thesis_bonus", map[string]float64{"high": 10, "medium": 5, "low": 0})
	v.SetDefault("scorer.max_thesis_bonus", 50)
	v.SetDefault("learner.min_multiplier", 0.2)
	v.SetDefault("learner.max_multiplier", 3.0)
	v.SetDefault("learner.up_rate", 2.0)
	v.SetDefault("learner.down_rate", 0.5)
	v.SetDefault("learner.min_samples", 5)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.providers", map[string]any{
		"enrichment": map[string]any{
			"max_concurrent":      5,
			"requests_per_second": 2.0,
			"burst":               2,
			"timeout_secs":        30,
			"backoff_secs":        60,
		},
	})
	v.SetDefault("jobs.circuit_failure_threshold", 5)
	v.SetDefault("jobs.circuit_reset_secs", 30)
	v.SetDefault("jobs.retry_max_attempts", 3)
	v.SetDefault("jobs.retry_initial_backoff_ms", 500)
	v.SetDefault("jobs.retry_max_backoff_ms", 10000)
	v.SetDefault("enrichment.provider", "enrichment")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.terminal_failure_threshold", 1)
	v.SetDefault("monitoring.backlog_threshold", 1000)
}

// Validate checks the settings a command mode depends on. Every violation is
// collected and returned as one error.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "work", "recover", "enqueue", "recalc", "migrate", "import", "job":
	case "enrich":
		if c.Enrichment.BaseURL == "" {
			errs = append(errs, "enrichment.base_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
		errs = append(errs, "queue.workers must be between 1 and 64")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be >= 1")
	}
	if c.Recovery.StaleThresholdSecs <= 0 {
		errs = append(errs, "recovery.stale_threshold_secs must be > 0")
	}
	if c.Scorer.SizeTolerance <= 0 {
		errs = append(errs, "scorer.size_tolerance must be > 0")
	}
	if c.Scorer.MaxThesisBonus < 0 || c.Scorer.MaxThesisBonus > 50 {
		errs = append(errs, "scorer.max_thesis_bonus must be between 0 and 50")
	}
	if c.Learner.MinMultiplier <= 0 || c.Learner.MaxMultiplier < c.Learner.MinMultiplier {
		errs = append(errs, "learner multipliers must satisfy 0 < min_multiplier <= max_multiplier")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis rate-limit backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	for name, p := range c.RateLimit.Providers {
		if p.MaxConcurrent < 1 {
			errs = append(errs, fmt.Sprintf("ratelimit.providers.%s.max_concurrent must be >= 1", name))
		}
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
