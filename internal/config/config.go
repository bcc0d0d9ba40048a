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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Influx     InfluxConfig     `yaml:"influx" mapstructure:"influx"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the job-report HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GenerationConfig configures candidate generation.
type GenerationConfig struct {
	BatchSize    int     `yaml:"batch_size" mapstructure:"batch_size"`
	PageSize     int     `yaml:"page_size" mapstructure:"page_size"`
	MaxSkipRatio float64 `yaml:"max_skip_ratio" mapstructure:"max_skip_ratio"`
}

// JobsConfig configures the external training/evaluation job runner.
type JobsConfig struct {
	Dispatcher          string         `yaml:"dispatcher" mapstructure:"dispatcher"`
	RedispatchAfterSecs int            `yaml:"redispatch_after_secs" mapstructure:"redispatch_after_secs"`
	SweepIntervalSecs   int            `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	HTTP                JobsHTTPConfig `yaml:"http" mapstructure:"http"`
	Kafka               KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Temporal            TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
	Circuit             CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
}

// CircuitConfig configures the circuit breaker in front of the dispatcher.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RedispatchAfter returns the age after which an undispatched job is resent.
func (c JobsConfig) RedispatchAfter() time.Duration {
	return time.Duration(c.RedispatchAfterSecs) * time.Second
}

// JobsHTTPConfig configures the HTTP job runner client and status poller.
type JobsHTTPConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Token            string  `yaml:"token" mapstructure:"token"`
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// KafkaConfig configures the Kafka job request and status topics.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" mapstructure:"brokers"`
	RequestTopic string   `yaml:"request_topic" mapstructure:"request_topic"`
	StatusTopic  string   `yaml:"status_topic" mapstructure:"status_topic"`
	GroupID      string   `yaml:"group_id" mapstructure:"group_id"`
}

// TemporalConfig configures the Temporal client used to start workflows.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// InfluxConfig configures the InfluxDB telemetry source used by `dataset etl`.
type InfluxConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Token       string `yaml:"token" mapstructure:"token"`
	Org         string `yaml:"org" mapstructure:"org"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
	Measurement string `yaml:"measurement" mapstructure:"measurement"`
}

// MonitoringConfig configures the background alert checker of `serve`.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("METERLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("generation.batch_size", 500)
	v.SetDefault("generation.page_size", 1000)
	v.SetDefault("generation.max_skip_ratio", 0.1)
	v.SetDefault("jobs.dispatcher", "log")
	v.SetDefault("jobs.redispatch_after_secs", 300)
	v.SetDefault("jobs.sweep_interval_secs", 60)
	v.SetDefault("jobs.http.base_url", "")
	v.SetDefault("jobs.http.token", "")
	v.SetDefault("jobs.http.poll_interval_secs", 30)
	v.SetDefault("jobs.http.rate_per_sec", 5.0)
	v.SetDefault("jobs.http.timeout_secs", 30)
	v.SetDefault("jobs.kafka.brokers", []string{})
	v.SetDefault("jobs.kafka.request_topic", "meterlab.jobs.requests")
	v.SetDefault("jobs.kafka.status_topic", "meterlab.jobs.status")
	v.SetDefault("jobs.kafka.group_id", "meterlab")
	v.SetDefault("jobs.temporal.host_port", "localhost:7233")
	v.SetDefault("jobs.temporal.namespace", "default")
	v.SetDefault("jobs.temporal.task_queue", "meterlab-training")
	v.SetDefault("jobs.circuit.failure_threshold", 5)
	v.SetDefault("jobs.circuit.reset_timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "submeter")
	v.SetDefault("influx.measurement", "power")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)

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

// Validate checks the settings a command mode depends on. Modes: "store",
// "serve", "etl". Unknown modes only get the common checks.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}

	if c.Generation.MaxSkipRatio < 0 || c.Generation.MaxSkipRatio > 1 {
		problems = append(problems, "generation.max_skip_ratio must be within [0,1]")
	}
	if c.Generation.BatchSize <= 0 {
		problems = append(problems, "generation.batch_size must be positive")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		switch c.Jobs.Dispatcher {
		case "log":
		case "http":
			if c.Jobs.HTTP.BaseURL == "" {
				problems = append(problems, "jobs.http.base_url is required for the http dispatcher")
			}
		case "kafka":
			if len(c.Jobs.Kafka.Brokers) == 0 {
				problems = append(problems, "jobs.kafka.brokers is required for the kafka dispatcher")
			}
		case "temporal":
			if c.Jobs.Temporal.HostPort == "" {
				problems = append(problems, "jobs.temporal.host_port is required for the temporal dispatcher")
			}
		default:
			problems = append(problems, "jobs.dispatcher must be log, http, kafka or temporal")
		}
	case "etl":
		if c.Influx.URL == "" {
			problems = append(problems, "influx.url is required")
		}
		if c.Influx.Bucket == "" {
			problems = append(problems, "influx.bucket is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
