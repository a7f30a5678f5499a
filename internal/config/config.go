package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Agent        AgentConfig        `yaml:"agent" mapstructure:"agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Trust        TrustConfig        `yaml:"trust" mapstructure:"trust"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AgentConfig configures the validation agent gateway.
type AgentConfig struct {
	BaseURL               string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs           int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec        float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	RetryMaxAttempts      int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// OrchestratorConfig configures job processing.
type OrchestratorConfig struct {
	ProviderConcurrency int `yaml:"provider_concurrency" mapstructure:"provider_concurrency"`
}

// TrustConfig configures the trust score engine.
type TrustConfig struct {
	// SeedCatalogPath optionally points at a YAML seed catalogue; when
	// empty the built-in defaults are used.
	SeedCatalogPath string `yaml:"seed_catalog_path" mapstructure:"seed_catalog_path"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StaleAfterSecs       int     `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	TrustScoreFloor      float64 `yaml:"trust_score_floor" mapstructure:"trust_score_floor"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("PV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("agent.base_url", "http://localhost:8000")
	v.SetDefault("agent.timeout_secs", 60)
	v.SetDefault("agent.requests_per_sec", 10)
	v.SetDefault("agent.retry_max_attempts", 3)
	v.SetDefault("agent.retry_initial_backoff_ms", 500)
	v.SetDefault("agent.retry_max_backoff_ms", 30000)
	v.SetDefault("orchestrator.provider_concurrency", 4)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.stale_after_secs", 600)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.trust_score_floor", 0.30)

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

// Validate checks that the configuration is usable for the given mode.
// All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve", "validate":
		if c.Server.Port <= 0 && mode == "serve" {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if c.Orchestrator.ProviderConcurrency < 1 || c.Orchestrator.ProviderConcurrency > 50 {
		problems = append(problems, "orchestrator.provider_concurrency must be between 1 and 50")
	}
	if c.Agent.TimeoutSecs <= 0 {
		problems = append(problems, "agent.timeout_secs must be > 0")
	}
	if c.Agent.RetryMaxAttempts < 1 {
		problems = append(problems, "agent.retry_max_attempts must be >= 1")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be within [0, 1]")
	}
	if c.Monitoring.TrustScoreFloor < 0 || c.Monitoring.TrustScoreFloor > 1 {
		problems = append(problems, "monitoring.trust_score_floor must be within [0, 1]")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
