package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// Environment variables that override file settings.
const (
	EnvBrokerURLS     = "RELAY_BROKER_URLS"
	EnvLogLevel       = "RELAY_LOG_LEVEL"
	EnvLogFormat      = "RELAY_LOG_FORMAT"
	EnvMetricsAddr    = "RELAY_METRICS_ADDR"
	EnvConsumerQueues = "RELAY_CONSUMER_QUEUES"
	EnvQueueType      = "RELAY_QUEUE_TYPE"
)

// Config holds all configuration for the relay.
type Config struct {
	Brokers    []string         `yaml:"brokers"`
	Connection ConnectionConfig `yaml:"connection"`
	Topology   TopologyConfig   `yaml:"topology"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ConnectionConfig controls failover between broker nodes.
type ConnectionConfig struct {
	// Connect attempts per failover cycle
	MaxRetries int `yaml:"max_retries"`
	// Delay between connect attempts; grows by RetryFactor when above 1
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryFactor   float64       `yaml:"retry_factor"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// Channel recreation attempts before giving up on the connection
	ChannelRetries int           `yaml:"channel_retries"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	// Failover cycles per second; 0 disables throttling
	FailoverRate  float64 `yaml:"failover_rate"`
	FailoverBurst int     `yaml:"failover_burst"`
}

// TopologyConfig holds the queue declaration defaults.
type TopologyConfig struct {
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	QueueType          string `yaml:"queue_type"` // "classic" or "quorum"
	QuorumGroupSize    int    `yaml:"quorum_group_size"`
}

// PublisherConfig controls confirmed publishing.
type PublisherConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	// Consecutive failures that open the breaker; 0 disables it
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// ConsumerConfig controls subscriptions and message retries.
type ConsumerConfig struct {
	Prefetch       int           `yaml:"prefetch"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
	Queues         []string      `yaml:"queues"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s %s", e.Field, e.Reason)
}

// Category implements reliability.Categorized
func (e *ConfigError) Category() reliability.Category {
	return reliability.CategoryConfiguration
}

// Default returns the tuning defaults. It carries no broker list: brokers
// must come from the file, RELAY_BROKER_URLS or an override, so Default
// alone does not validate.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			MaxRetries:     5,
			RetryDelay:     5 * time.Second,
			RetryFactor:    1,
			MaxRetryDelay:  time.Minute,
			ChannelRetries: 3,
			DialTimeout:    30 * time.Second,
			FailoverRate:   0.5,
			FailoverBurst:  3,
		},
		Topology: TopologyConfig{
			DeadLetterExchange: "dlx",
			QueueType:          "quorum",
			QuorumGroupSize:    3,
		},
		Publisher: PublisherConfig{
			MaxRetries:      3,
			RetryDelay:      time.Second,
			ConfirmTimeout:  5 * time.Second,
			BreakerFailures: 0,
			BreakerTimeout:  30 * time.Second,
		},
		Consumer: ConsumerConfig{
			Prefetch:       1,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
			MaxRetryDelay:  5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML file over the defaults, expands ${VAR} references in it,
// applies environment overrides and then overrides, and validates the
// result. An empty filename skips the file; a named file must exist.
func Load(filename string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the RELAY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBrokerURLS); ok {
		c.Brokers = splitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup(EnvMetricsAddr); ok && v != "" {
		c.Metrics.Addr = v
	}
	if v, ok := lookup(EnvConsumerQueues); ok {
		c.Consumer.Queues = splitList(v)
	}
	if v, ok := lookup(EnvQueueType); ok && v != "" {
		c.Topology.QueueType = strings.ToLower(v)
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return &ConfigError{Field: "brokers", Reason: "must list at least one broker URL"}
	}
	for i, u := range c.Brokers {
		if !strings.HasPrefix(u, "amqp://") && !strings.HasPrefix(u, "amqps://") {
			return &ConfigError{Field: fmt.Sprintf("brokers[%d]", i), Reason: "must use the amqp or amqps scheme"}
		}
	}

	if c.Connection.MaxRetries < 1 {
		return &ConfigError{Field: "connection.max_retries", Reason: "must be at least 1"}
	}
	if c.Connection.RetryDelay < 0 {
		return &ConfigError{Field: "connection.retry_delay", Reason: "cannot be negative"}
	}
	if c.Connection.ChannelRetries < 1 {
		return &ConfigError{Field: "connection.channel_retries", Reason: "must be at least 1"}
	}
	if c.Connection.DialTimeout <= 0 {
		return &ConfigError{Field: "connection.dial_timeout", Reason: "must be positive"}
	}
	if c.Connection.FailoverRate < 0 {
		return &ConfigError{Field: "connection.failover_rate", Reason: "cannot be negative"}
	}
	if c.Connection.FailoverRate > 0 && c.Connection.FailoverBurst < 1 {
		return &ConfigError{Field: "connection.failover_burst", Reason: "must be at least 1 when failover_rate is set"}
	}

	switch c.Topology.QueueType {
	case "classic":
	case "quorum":
		if c.Topology.QuorumGroupSize < 1 {
			return &ConfigError{Field: "topology.quorum_group_size", Reason: "must be at least 1 for quorum queues"}
		}
	default:
		return &ConfigError{Field: "topology.queue_type", Reason: "must be one of: classic, quorum"}
	}
	if c.Topology.DeadLetterExchange == "" {
		return &ConfigError{Field: "topology.dead_letter_exchange", Reason: "cannot be empty"}
	}

	if c.Publisher.MaxRetries < 1 {
		return &ConfigError{Field: "publisher.max_retries", Reason: "must be at least 1"}
	}
	if c.Publisher.ConfirmTimeout <= 0 {
		return &ConfigError{Field: "publisher.confirm_timeout", Reason: "must be positive"}
	}
	if c.Publisher.BreakerFailures > 0 && c.Publisher.BreakerTimeout <= 0 {
		return &ConfigError{Field: "publisher.breaker_timeout", Reason: "must be positive when the breaker is enabled"}
	}

	if c.Consumer.Prefetch < 1 {
		return &ConfigError{Field: "consumer.prefetch", Reason: "must be at least 1"}
	}
	if c.Consumer.MaxRetries < 0 {
		return &ConfigError{Field: "consumer.max_retries", Reason: "cannot be negative"}
	}
	if c.Consumer.RetryBaseDelay <= 0 {
		return &ConfigError{Field: "consumer.retry_base_delay", Reason: "must be positive"}
	}
	for i, q := range c.Consumer.Queues {
		if q == "" {
			return &ConfigError{Field: fmt.Sprintf("consumer.queues[%d]", i), Reason: "cannot be empty"}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return &ConfigError{Field: "log.level", Reason: "must be one of: debug, info, warn, error"}
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return &ConfigError{Field: "log.format", Reason: "must be one of: text, json"}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return &ConfigError{Field: "metrics.addr", Reason: "required when metrics are enabled"}
	}

	return nil
}

// ConnectBackoff returns the delay policy between connect attempts.
func (c ConnectionConfig) ConnectBackoff() reliability.Backoff {
	if c.RetryFactor <= 1 {
		return reliability.ConstantBackoff{Interval: c.RetryDelay}
	}
	return reliability.NewExponentialBackoff(c.RetryDelay, c.MaxRetryDelay, c.RetryFactor)
}

// RetryBackoff returns the TTL policy of the per-queue retry queues.
func (c ConsumerConfig) RetryBackoff() reliability.Backoff {
	return reliability.NewExponentialBackoff(c.RetryBaseDelay, c.MaxRetryDelay, 2)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
