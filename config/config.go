package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	MailSentry MailSentryConfig `yaml:"mailsentry"`
}

// MailSentryConfig is the project configuration.
type MailSentryConfig struct {
	Input       InputConfig       `yaml:"input"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Rules       RulesConfig       `yaml:"rules"`
	Indicators  IndicatorsConfig  `yaml:"indicators"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Storage     StorageConfig     `yaml:"storage"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InputConfig controls the collector ingress reader.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls the Redis ingress queue.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// PipelineConfig controls worker pool behavior.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RulesConfig controls detection rule loading.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// IndicatorsConfig controls the indicator store.
type IndicatorsConfig struct {
	SeedPath string `yaml:"seed_path"`
}

// CorrelationConfig controls alert creation and incident grouping.
type CorrelationConfig struct {
	Window         time.Duration `yaml:"window"`
	MinScore       int           `yaml:"min_score"`
	SeverityPolicy string        `yaml:"severity_policy"` // stricter|hint|score
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig controls notification thresholds and retry policy.
type DispatchConfig struct {
	MinSeverity     string          `yaml:"min_severity"`
	EntityRateLimit float64         `yaml:"entity_rate_limit"` // notifications per minute per entity key
	EntityRateBurst int             `yaml:"entity_rate_burst"`
	MaxRetries      int             `yaml:"max_retries"`
	RetryBackoff    time.Duration   `yaml:"retry_backoff"`
	Channels        []ChannelConfig `yaml:"channels"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Type        string            `yaml:"type"` // file|webhook|smtp
	MinSeverity string            `yaml:"min_severity"`
	Path        string            `yaml:"path"`
	URL         string            `yaml:"url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	SMTPHost    string            `yaml:"smtp_host"`
	SMTPPort    int               `yaml:"smtp_port"`
	From        string            `yaml:"from"`
	To          []string          `yaml:"to"`
}

// StorageConfig controls the embedded store.
type StorageConfig struct {
	Path         string        `yaml:"path"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// EnrichmentConfig controls local reputation lookups.
type EnrichmentConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset options with working defaults.
func (c *Config) ApplyDefaults() {
	ms := &c.MailSentry

	if ms.Input.Redis.Addr == "" {
		ms.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if ms.Input.Redis.Key == "" {
		ms.Input.Redis.Key = "mailsentry_events"
	}
	if ms.Input.Redis.BlockTimeout == 0 {
		ms.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if ms.Pipeline.Workers <= 0 {
		ms.Pipeline.Workers = 8
	}
	if ms.Pipeline.QueueSize <= 0 {
		ms.Pipeline.QueueSize = 1024
	}
	if ms.Pipeline.ShutdownGrace <= 0 {
		ms.Pipeline.ShutdownGrace = 10 * time.Second
	}

	if ms.Rules.Path == "" {
		ms.Rules.Path = "rules/detection.yml"
	}

	if ms.Correlation.Window <= 0 {
		ms.Correlation.Window = 30 * time.Minute
	}
	if ms.Correlation.MinScore <= 0 {
		ms.Correlation.MinScore = 20
	}
	if ms.Correlation.SeverityPolicy == "" {
		ms.Correlation.SeverityPolicy = "stricter"
	}
	if ms.Correlation.SweepInterval <= 0 {
		ms.Correlation.SweepInterval = time.Minute
	}

	if ms.Dispatch.MinSeverity == "" {
		ms.Dispatch.MinSeverity = "low"
	}
	if ms.Dispatch.EntityRateLimit <= 0 {
		ms.Dispatch.EntityRateLimit = 10
	}
	if ms.Dispatch.EntityRateBurst <= 0 {
		ms.Dispatch.EntityRateBurst = 5
	}
	if ms.Dispatch.MaxRetries <= 0 {
		ms.Dispatch.MaxRetries = 3
	}
	if ms.Dispatch.RetryBackoff <= 0 {
		ms.Dispatch.RetryBackoff = time.Second
	}
	if len(ms.Dispatch.Channels) == 0 {
		ms.Dispatch.Channels = []ChannelConfig{{Type: "file", Path: "output/notifications.jsonl"}}
	}
	for i := range ms.Dispatch.Channels {
		if ms.Dispatch.Channels[i].Timeout <= 0 {
			ms.Dispatch.Channels[i].Timeout = 5 * time.Second
		}
	}

	if ms.Storage.Path == "" {
		ms.Storage.Path = "data/mailsentry.db"
	}
	if ms.Storage.Timeout <= 0 {
		ms.Storage.Timeout = 5 * time.Second
	}
	if ms.Storage.MaxRetries <= 0 {
		ms.Storage.MaxRetries = 3
	}
	if ms.Storage.RetryBackoff <= 0 {
		ms.Storage.RetryBackoff = 200 * time.Millisecond
	}

	if ms.Metrics.Listen == "" {
		ms.Metrics.Listen = "127.0.0.1:9109"
	}

	if ms.Logging.Level == "" {
		ms.Logging.Level = "info"
	}
}
