package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUASAR_KAFKA_BROKERS.
const EnvPrefix = "QUASAR"

// Load builds the configuration from defaults, an optional YAML file and
// QUASAR_* environment variables, in increasing order of precedence.
// An empty filePath skips the file.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Substitute environment variables
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Write renders cfg as YAML to w
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

// setDefaults registers every key of defaults with viper so that
// AutomaticEnv can override keys that never appear in the file.
func setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("app.name", defaults.App.Name)
	v.SetDefault("app.version", defaults.App.Version)
	v.SetDefault("app.environment", defaults.App.Environment)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.encoding", defaults.Log.Encoding)
	v.SetDefault("log.development", defaults.Log.Development)

	v.SetDefault("mongodb.uri", defaults.MongoDB.URI)
	v.SetDefault("mongodb.database", defaults.MongoDB.Database)
	v.SetDefault("mongodb.connect_timeout", defaults.MongoDB.ConnectTimeout)

	v.SetDefault("kafka.brokers", defaults.Kafka.Brokers)
	v.SetDefault("kafka.client_id", defaults.Kafka.ClientID)
	v.SetDefault("kafka.consumer_name", defaults.Kafka.ConsumerName)
	v.SetDefault("kafka.session_timeout", defaults.Kafka.SessionTimeout)
	v.SetDefault("kafka.replication_factor", defaults.Kafka.ReplicationFactor)
	v.SetDefault("kafka.version", defaults.Kafka.Version)

	v.SetDefault("export.attempts", defaults.Export.Attempts)
	v.SetDefault("export.stamps.id", defaults.Export.Stamps.ID)
	v.SetDefault("export.stamps.insert", defaults.Export.Stamps.Insert)
	v.SetDefault("export.stamps.update", defaults.Export.Stamps.Update)
	v.SetDefault("export.stamps.limit", defaults.Export.Stamps.Limit)
	v.SetDefault("export.dataset_prefix", defaults.Export.DatasetPrefix)
	v.SetDefault("export.attempt_timeout", defaults.Export.AttemptTimeout)
	v.SetDefault("export.cleanup_timeout", defaults.Export.CleanupTimeout)
	v.SetDefault("export.retry.strategy", defaults.Export.Retry.Strategy)
	v.SetDefault("export.retry.initial_delay", defaults.Export.Retry.InitialDelay)
	v.SetDefault("export.retry.max_delay", defaults.Export.Retry.MaxDelay)
	v.SetDefault("export.retry.multiplier", defaults.Export.Retry.Multiplier)
	v.SetDefault("export.retry.jitter", defaults.Export.Retry.Jitter)
	v.SetDefault("export.discovery_interval", defaults.Export.DiscoveryInterval)
	v.SetDefault("export.poll_interval", defaults.Export.PollInterval)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.address", defaults.Metrics.Address)

	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
