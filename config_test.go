package permission

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type staticLoader map[string]any

func (l staticLoader) LoadRaw(context.Context) (map[string]any, error) { return l, nil }

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigValidateCollectsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "sqlite"
	cfg.ReadModel.Driver = "cassandra"
	cfg.Retry.Interval = 0
	cfg.Retry.Expression = ""
	cfg.Notify.Driver = "kafka"

	err := cfg.Validate()
	if ErrorCode(err) != ErrCodeInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
	for _, want := range []string{"store.dsn", "read_model.driver", "retry needs", "notify.kafka"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestLoadConfigFromEmptyLoaderUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), staticLoader{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Replay.BatchSize != 100 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permission.yaml")
	doc := []byte(`
store:
  driver: sqlite
  dsn: "file:events.db"
read_model:
  driver: redis
  redis_url: "redis://localhost:6379/0"
notify:
  driver: kafka
  brokers: ["localhost:9092"]
  topic: permission-status
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(context.Background(), YAMLLoader{Path: path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "file:events.db" {
		t.Fatalf("store not loaded: %+v", cfg.Store)
	}
	if cfg.ReadModel.Driver != "redis" || cfg.ReadModel.RedisURL == "" {
		t.Fatalf("read model not loaded: %+v", cfg.ReadModel)
	}
	if len(cfg.Notify.Brokers) != 1 || cfg.Notify.Brokers[0] != "localhost:9092" {
		t.Fatalf("brokers not loaded: %+v", cfg.Notify)
	}
}

func TestLoadConfigRejectsInvalidTree(t *testing.T) {
	_, err := LoadConfig(context.Background(), staticLoader{
		"store": map[string]any{"driver": "postgres"},
	})
	if err == nil {
		t.Fatalf("expected unsupported driver to fail validation")
	}
}

func TestParseYAMLRejectsGarbage(t *testing.T) {
	if _, err := ParseYAML([]byte("store: [unterminated")); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
