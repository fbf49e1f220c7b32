package permission

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	"gopkg.in/yaml.v3"
)

// Config is the process wide configuration. It is built once at startup and
// passed explicitly to the components that need it.
type Config struct {
	Store     StoreConfig     `koanf:"store" mapstructure:"store" yaml:"store"`
	ReadModel ReadModelConfig `koanf:"read_model" mapstructure:"read_model" yaml:"read_model"`
	Bus       BusConfig       `koanf:"bus" mapstructure:"bus" yaml:"bus"`
	Retry     RetryConfig     `koanf:"retry" mapstructure:"retry" yaml:"retry"`
	Replay    ReplayConfig    `koanf:"replay" mapstructure:"replay" yaml:"replay"`
	Notify    NotifyConfig    `koanf:"notify" mapstructure:"notify" yaml:"notify"`
	Metrics   MetricsConfig   `koanf:"metrics" mapstructure:"metrics" yaml:"metrics"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn" yaml:"dsn"`
	Table  string `koanf:"table" mapstructure:"table" yaml:"table"`
}

type ReadModelConfig struct {
	// Driver is "memory", "sqlite" or "redis".
	Driver    string `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	DSN       string `koanf:"dsn" mapstructure:"dsn" yaml:"dsn"`
	RedisURL  string `koanf:"redis_url" mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `koanf:"key_prefix" mapstructure:"key_prefix" yaml:"key_prefix"`
}

type BusConfig struct {
	// QueueWarnThreshold logs a warning when a subscriber backlog grows past it.
	QueueWarnThreshold int `koanf:"queue_warn_threshold" mapstructure:"queue_warn_threshold" yaml:"queue_warn_threshold"`
}

type RetryConfig struct {
	Enabled    bool          `koanf:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Interval   time.Duration `koanf:"interval" mapstructure:"interval" yaml:"interval"`
	Expression string        `koanf:"expression" mapstructure:"expression" yaml:"expression"`
	// MaxAttempts stops re-triggering once a request failed this many sends. Zero means unlimited.
	MaxAttempts int `koanf:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
}

type ReplayConfig struct {
	Interval  time.Duration `koanf:"interval" mapstructure:"interval" yaml:"interval"`
	BatchSize int           `koanf:"batch_size" mapstructure:"batch_size" yaml:"batch_size"`
}

type NotifyConfig struct {
	// Driver is "none", "memory" or "kafka".
	Driver  string   `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	Brokers []string `koanf:"brokers" mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `koanf:"topic" mapstructure:"topic" yaml:"topic"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Namespace string `koanf:"namespace" mapstructure:"namespace" yaml:"namespace"`
	Address   string `koanf:"address" mapstructure:"address" yaml:"address"`
}

// DefaultConfig returns an in-memory setup with a one minute retry sweep.
func DefaultConfig() Config {
	return Config{
		Store:     StoreConfig{Driver: "memory", Table: "permission_events"},
		ReadModel: ReadModelConfig{Driver: "memory", KeyPrefix: "permission"},
		Bus:       BusConfig{QueueWarnThreshold: 1024},
		Retry:     RetryConfig{Enabled: true, Interval: time.Minute},
		Replay:    ReplayConfig{Interval: 30 * time.Second, BatchSize: 100},
		Notify:    NotifyConfig{Driver: "none", Topic: "permission-status"},
		Metrics:   MetricsConfig{Namespace: "permission", Address: ":9090"},
	}
}

func (c Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			problems = append(problems, "store.dsn is required for sqlite")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.ReadModel.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.ReadModel.DSN) == "" {
			problems = append(problems, "read_model.dsn is required for sqlite")
		}
	case "redis":
		if strings.TrimSpace(c.ReadModel.RedisURL) == "" {
			problems = append(problems, "read_model.redis_url is required for redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("read_model.driver %q is not supported", c.ReadModel.Driver))
	}
	if c.Retry.Enabled && c.Retry.Interval <= 0 && strings.TrimSpace(c.Retry.Expression) == "" {
		problems = append(problems, "retry needs an interval or a cron expression")
	}
	if c.Retry.MaxAttempts < 0 {
		problems = append(problems, "retry.max_attempts must be >= 0")
	}
	if c.Replay.BatchSize <= 0 {
		problems = append(problems, "replay.batch_size must be > 0")
	}
	switch c.Notify.Driver {
	case "", "none", "memory":
	case "kafka":
		if len(c.Notify.Brokers) == 0 || strings.TrimSpace(c.Notify.Topic) == "" {
			problems = append(problems, "notify.kafka needs brokers and a topic")
		}
	default:
		problems = append(problems, fmt.Sprintf("notify.driver %q is not supported", c.Notify.Driver))
	}
	if len(problems) == 0 {
		return nil
	}
	return CloneError(ErrInvalidConfig, strings.Join(problems, "; "), nil, map[string]any{
		"problems": problems,
	})
}

// RawConfigLoader returns an untyped config tree.
type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// YAMLLoader reads a YAML file into a raw config tree. A missing path yields an empty tree.
type YAMLLoader struct {
	Path string
}

func (l YAMLLoader) LoadRaw(context.Context) (map[string]any, error) {
	if strings.TrimSpace(l.Path) == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.Path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a YAML document into a raw config tree.
func ParseYAML(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, CloneError(ErrInvalidConfig, "parse yaml config", err, nil)
	}
	return raw, nil
}

// LoadConfig merges the loader output over DefaultConfig and validates the result.
func LoadConfig(ctx context.Context, loader RawConfigLoader) (Config, error) {
	raw := map[string]any{}
	if loader != nil {
		loaded, err := loader.LoadRaw(ctx)
		if err != nil {
			return Config{}, err
		}
		raw = loaded
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(DefaultConfig()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
