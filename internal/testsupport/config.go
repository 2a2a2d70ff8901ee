package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test
// and short retry timings, then applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Workers.Count = 1
	cfg.Workers.DequeueWaitSeconds = 1
	cfg.Stages.BackoffBaseMS = 1
	cfg.Stages.BackoffCapMS = 5
	cfg.Webhook.BackoffBaseMS = 1
	cfg.Webhook.BackoffCapMS = 5

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithStageEndpoint points one stage at the given URL.
func WithStageEndpoint(stage, url string) ConfigOption {
	return func(cfg *config.Config) {
		if cfg.Stages.Endpoints == nil {
			cfg.Stages.Endpoints = make(map[string]config.StageEndpoint)
		}
		endpoint := cfg.Stages.Endpoints[stage]
		endpoint.URL = url
		cfg.Stages.Endpoints[stage] = endpoint
	}
}

// WithAMQP switches the queue backend to the broker at url.
func WithAMQP(url, queueName string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Queue.Backend = "amqp"
		cfg.Queue.AMQPURL = url
		cfg.Queue.QueueName = queueName
	}
}
