package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
}

// Queue selects and configures the queue backend shared by submitters and workers.
type Queue struct {
	// Backend is "channel" (in-process) or "amqp" (shared broker).
	Backend   string `toml:"backend"`
	AMQPURL   string `toml:"amqp_url"`
	QueueName string `toml:"queue_name"`
	// Buffer bounds the in-process channel backend.
	Buffer int `toml:"buffer"`
}

// Workers configures the worker pool.
type Workers struct {
	Count int `toml:"count"`
	// DequeueWaitSeconds bounds how long an idle slot blocks before rechecking shutdown.
	DequeueWaitSeconds int `toml:"dequeue_wait_seconds"`
}

// StageEndpoint describes the remote collaborator behind one pipeline stage.
type StageEndpoint struct {
	URL string `toml:"url"`
	// Mode is "sync" (single request with deadline) or "poll" (submit-and-poll).
	Mode                string `toml:"mode"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `toml:"poll_timeout_seconds"`
	// MaxAttempts overrides stages.retry_max_attempts for this stage when > 0.
	MaxAttempts int `toml:"max_attempts"`
}

// Stages configures retry behavior and the per-stage endpoints.
type Stages struct {
	RetryMaxAttempts int `toml:"retry_max_attempts"`
	BackoffBaseMS    int `toml:"backoff_base_ms"`
	BackoffCapMS     int `toml:"backoff_cap_ms"`

	Endpoints map[string]StageEndpoint `toml:"endpoints"`
}

// Artifacts configures final output persistence.
type Artifacts struct {
	// S3Bucket enables remote upload when set; the local copy is always written first.
	S3Bucket string `toml:"s3_bucket"`
	S3Region string `toml:"s3_region"`
	S3Prefix string `toml:"s3_prefix"`
}

// Webhook configures completion/failure notification delivery.
type Webhook struct {
	MaxAttempts    int `toml:"max_attempts"`
	TimeoutSeconds int `toml:"timeout_seconds"`
	BackoffBaseMS  int `toml:"backoff_base_ms"`
	BackoffCapMS   int `toml:"backoff_cap_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Telemetry configures metrics exposition.
type Telemetry struct {
	// Listen is the bind address for the prometheus scrape endpoint.
	// Empty disables the listener.
	Listen string `toml:"listen"`
}

// Retention controls pruning of terminal job records.
type Retention struct {
	Days int `toml:"days"`
	// SweepIntervalMinutes is how often the daemon prunes. Zero disables the sweep.
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and artifact directories
//   - Queue: queue backend selection and connection settings
//   - Workers: worker pool sizing
//   - Stages: retry policy and remote stage endpoints
//   - Artifacts: local root plus optional S3 upload
//   - Webhook: notification delivery retry settings
//   - Logging: log format and level
//   - Telemetry: metrics exposition
//   - Retention: terminal job pruning
type Config struct {
	Paths     Paths     `toml:"paths"`
	Queue     Queue     `toml:"queue"`
	Workers   Workers   `toml:"workers"`
	Stages    Stages    `toml:"stages"`
	Artifacts Artifacts `toml:"artifacts"`
	Webhook   Webhook   `toml:"webhook"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
	Retention Retention `toml:"retention"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized. The boolean reports whether a
// config file was actually found; defaults are used otherwise.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ArtifactDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return err
	}
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	for name, endpoint := range c.Stages.Endpoints {
		endpoint.Mode = strings.ToLower(strings.TrimSpace(endpoint.Mode))
		c.Stages.Endpoints[name] = endpoint
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", pathValue, err)
	}
	return abs, nil
}
