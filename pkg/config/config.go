// Package config provides the configuration system for Quasar.
// A single Config structure carries every setting the exporter needs,
// organised into sections:
//   - App: process identification
//   - Log: zap logger settings
//   - MongoDB: metadata store holding export jobs and connection profiles
//   - Kafka: log broker backing the pipeline dispatcher
//   - Export: job defaults and dispatcher timing
//   - Metrics, Tracing: observability
//
// Example usage:
//
//	cfg, err := config.Load("quasar.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Export.Attempts = 5
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	App     AppConfig     `yaml:"app" mapstructure:"app"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	MongoDB MongoDBConfig `yaml:"mongodb" mapstructure:"mongodb"`
	Kafka   KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
	Export  ExportConfig  `yaml:"export" mapstructure:"export"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// AppConfig identifies the running process
type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Version     string `yaml:"version" mapstructure:"version"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// LogConfig configures the global zap logger
type LogConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"`
	Development bool   `yaml:"development" mapstructure:"development"`
}

// MongoDBConfig points at the metadata store
type MongoDBConfig struct {
	// URI is the connection string of the metadata cluster
	URI string `yaml:"uri" mapstructure:"uri"`
	// Database holds the exports, sources and targets collections
	Database       string        `yaml:"database" mapstructure:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// KafkaConfig configures the log broker
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
	// ConsumerName identifies this process inside every pipeline consumer group
	ConsumerName      string        `yaml:"consumer_name" mapstructure:"consumer_name"`
	SessionTimeout    time.Duration `yaml:"session_timeout" mapstructure:"session_timeout"`
	ReplicationFactor int16         `yaml:"replication_factor" mapstructure:"replication_factor"`
	Version           string        `yaml:"version" mapstructure:"version"`
}

// StampsConfig holds the default stamp field names applied at registration
type StampsConfig struct {
	ID     string `yaml:"id" mapstructure:"id"`
	Insert string `yaml:"insert" mapstructure:"insert"`
	Update string `yaml:"update" mapstructure:"update"`
	Limit  int    `yaml:"limit" mapstructure:"limit"`
}

// RetryConfig selects the delay inserted between attempts of one job
type RetryConfig struct {
	// Strategy is one of none, constant, linear, exponential
	Strategy     string        `yaml:"strategy" mapstructure:"strategy"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter       bool          `yaml:"jitter" mapstructure:"jitter"`
}

// ExportConfig carries job defaults and dispatcher timing
type ExportConfig struct {
	Attempts      int          `yaml:"attempts" mapstructure:"attempts"`
	Stamps        StampsConfig `yaml:"stamps" mapstructure:"stamps"`
	DatasetPrefix string       `yaml:"dataset_prefix" mapstructure:"dataset_prefix"`
	// AttemptTimeout bounds a single attempt; zero leaves attempts unbounded
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	CleanupTimeout    time.Duration `yaml:"cleanup_timeout" mapstructure:"cleanup_timeout"`
	Retry             RetryConfig   `yaml:"retry" mapstructure:"retry"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" mapstructure:"discovery_interval"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "quasar",
			Version:     "dev",
			Environment: "development",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		MongoDB: MongoDBConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "quasar",
			ConnectTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			ClientID:          "quasar",
			ConsumerName:      "exporter",
			SessionTimeout:    30 * time.Second,
			ReplicationFactor: 1,
			Version:           "2.8.0",
		},
		Export: ExportConfig{
			Attempts: 3,
			Stamps: StampsConfig{
				ID:     "_id",
				Insert: "createdAt",
				Update: "updatedAt",
				Limit:  500,
			},
			DatasetPrefix:  "raw_mongodb_",
			AttemptTimeout: 0,
			CleanupTimeout: time.Minute,
			Retry: RetryConfig{
				Strategy:     "none",
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Multiplier:   2.0,
				Jitter:       true,
			},
			DiscoveryInterval: 10 * time.Second,
			PollInterval:      time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 0.1,
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.MongoDB.URI) == "" {
		return fmt.Errorf("mongodb.uri is required")
	}
	if strings.TrimSpace(c.MongoDB.Database) == "" {
		return fmt.Errorf("mongodb.database is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.ReplicationFactor < 1 {
		return fmt.Errorf("kafka.replication_factor must be positive")
	}
	if c.Export.Attempts < 0 {
		return fmt.Errorf("export.attempts cannot be negative")
	}
	if c.Export.Stamps.Limit <= 0 {
		return fmt.Errorf("export.stamps.limit must be positive")
	}
	stamps := []struct{ field, value string }{
		{"export.stamps.id", c.Export.Stamps.ID},
		{"export.stamps.insert", c.Export.Stamps.Insert},
		{"export.stamps.update", c.Export.Stamps.Update},
	}
	for _, stamp := range stamps {
		if strings.TrimSpace(stamp.value) == "" {
			return fmt.Errorf("%s is required", stamp.field)
		}
	}
	if c.Export.AttemptTimeout < 0 {
		return fmt.Errorf("export.attempt_timeout cannot be negative")
	}
	if c.Export.PollInterval <= 0 {
		return fmt.Errorf("export.poll_interval must be positive")
	}
	if c.Export.DiscoveryInterval <= 0 {
		return fmt.Errorf("export.discovery_interval must be positive")
	}
	switch c.Export.Retry.Strategy {
	case "", "none", "constant", "linear", "exponential":
	default:
		return fmt.Errorf("export.retry.strategy %q is not supported", c.Export.Retry.Strategy)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}
