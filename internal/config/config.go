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
	Stages      StagesConfig      `yaml:"stages" mapstructure:"stages"`
	Transport   TransportConfig   `yaml:"transport" mapstructure:"transport"`
	Scorer      ScorerConfig      `yaml:"scorer" mapstructure:"scorer"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Classifier  ClassifierConfig  `yaml:"classifier" mapstructure:"classifier"`
	Remediation RemediationConfig `yaml:"remediation" mapstructure:"remediation"`
	Aggregator  AggregatorConfig  `yaml:"aggregator" mapstructure:"aggregator"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StagesConfig holds the base URL of every stage. Each stage reaches its
// peers through these, never through discovery.
type StagesConfig struct {
	Classifier  string `yaml:"classifier" mapstructure:"classifier"`
	Diagnosis   string `yaml:"diagnosis" mapstructure:"diagnosis"`
	Remediation string `yaml:"remediation" mapstructure:"remediation"`
}

// URL returns the configured base URL for stage, or "" if unknown.
func (s StagesConfig) URL(stage string) string {
	switch stage {
	case "classifier":
		return s.Classifier
	case "diagnosis":
		return s.Diagnosis
	case "remediation":
		return s.Remediation
	}
	return ""
}

// RetryConfig is the serialized form of a retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// TransportConfig configures inter-stage calls.
type TransportConfig struct {
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
	TimeoutSecs       int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CircuitThreshold  int         `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs  int         `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	RateLimitRPS      float64     `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst    int         `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	MaxResponseBytes  int64       `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
	HealthTimeoutSecs int         `yaml:"health_timeout_secs" mapstructure:"health_timeout_secs"`
}

// ScorerConfig selects and tunes the decision logic behind every stage.
type ScorerConfig struct {
	Provider    string      `yaml:"provider" mapstructure:"provider"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
	TimeoutSecs int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// StoreConfig configures the trace store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ClassifierConfig tunes the ingest worker pool.
type ClassifierConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// RemediationConfig tunes the undelivered-report replay sweep.
type RemediationConfig struct {
	ReplayIntervalSecs int `yaml:"replay_interval_secs" mapstructure:"replay_interval_secs"`
	MaxReplays         int `yaml:"max_replays" mapstructure:"max_replays"`
}

// AggregatorConfig configures batch runs.
type AggregatorConfig struct {
	DeadlineSecs   int  `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	PollIntervalMs int  `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	RequireHealthy bool `yaml:"require_healthy" mapstructure:"require_healthy"`
	Archive        bool `yaml:"archive" mapstructure:"archive"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// ServerConfig configures the stage HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("stages.classifier", "http://127.0.0.1:8000")
	v.SetDefault("stages.diagnosis", "http://127.0.0.1:8001")
	v.SetDefault("stages.remediation", "http://127.0.0.1:8003")
	v.SetDefault("transport.retry.max_attempts", 3)
	v.SetDefault("transport.retry.initial_backoff_ms", 500)
	v.SetDefault("transport.retry.max_backoff_ms", 5000)
	v.SetDefault("transport.retry.multiplier", 2.0)
	v.SetDefault("transport.retry.jitter_fraction", 0.25)
	v.SetDefault("transport.timeout_secs", 15)
	v.SetDefault("transport.circuit_threshold", 5)
	v.SetDefault("transport.circuit_reset_secs", 30)
	v.SetDefault("transport.rate_limit_rps", 0)
	v.SetDefault("transport.rate_limit_burst", 10)
	v.SetDefault("transport.max_response_bytes", 1<<20)
	v.SetDefault("transport.health_timeout_secs", 5)
	v.SetDefault("scorer.provider", "rules")
	v.SetDefault("scorer.retry.max_attempts", 3)
	v.SetDefault("scorer.retry.initial_backoff_ms", 250)
	v.SetDefault("scorer.retry.max_backoff_ms", 4000)
	v.SetDefault("scorer.retry.multiplier", 2.0)
	v.SetDefault("scorer.retry.jitter_fraction", 0.25)
	v.SetDefault("scorer.timeout_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("classifier.workers", 4)
	v.SetDefault("remediation.replay_interval_secs", 30)
	v.SetDefault("remediation.max_replays", 10)
	v.SetDefault("aggregator.deadline_secs", 120)
	v.SetDefault("aggregator.poll_interval_ms", 500)
	v.SetDefault("aggregator.require_healthy", true)
	v.SetDefault("aggregator.archive", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_threshold", 10)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Modes are the stage
// names ("classifier", "diagnosis", "remediation") plus "batch" and "replay".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Transport.Retry.MaxAttempts < 1 || c.Transport.Retry.MaxAttempts > 10 {
		add("transport.retry.max_attempts must be between 1 and 10")
	}
	if c.Transport.TimeoutSecs <= 0 {
		add("transport.timeout_secs must be > 0")
	}
	if c.Transport.Retry.JitterFraction < 0 || c.Transport.Retry.JitterFraction > 1 {
		add("transport.retry.jitter_fraction must be between 0 and 1")
	}

	switch mode {
	case "classifier", "diagnosis", "remediation":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		c.validatePeers(mode, add)
		c.validateStore(add)
		switch c.Scorer.Provider {
		case "rules":
		case "anthropic":
			if mode != "remediation" && c.Anthropic.Key == "" {
				add("anthropic.key is required")
			}
		default:
			add("scorer.provider must be rules or anthropic")
		}
		if mode == "classifier" && (c.Classifier.Workers < 1 || c.Classifier.Workers > 64) {
			add("classifier.workers must be between 1 and 64")
		}
	case "batch":
		for _, name := range []string{"classifier", "diagnosis", "remediation"} {
			if c.Stages.URL(name) == "" {
				add("stages.%s is required", name)
			}
		}
		if c.Aggregator.DeadlineSecs <= 0 {
			add("aggregator.deadline_secs must be > 0")
		}
		if c.Aggregator.PollIntervalMs <= 0 {
			add("aggregator.poll_interval_ms must be > 0")
		}
	case "replay":
		c.validateStore(add)
		if c.Stages.Classifier == "" {
			add("stages.classifier is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validatePeers(mode string, add func(string, ...any)) {
	var peers []string
	switch mode {
	case "classifier":
		peers = []string{"diagnosis"}
	case "diagnosis":
		peers = []string{"remediation", "classifier"}
	case "remediation":
		peers = []string{"classifier"}
	}
	for _, p := range peers {
		if c.Stages.URL(p) == "" {
			add("stages.%s is required", p)
		}
	}
}

func (c *Config) validateStore(add func(string, ...any)) {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for %s", c.Store.Driver)
		}
	default:
		add("store.driver must be memory, sqlite or postgres")
	}
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
