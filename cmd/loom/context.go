package main

import (
	"fmt"
	"log/slog"

	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/jobs"
	"loom/internal/logging"
)

// commandContext lazily loads configuration and shared handles for the CLI
// commands.
type commandContext struct {
	configFlag *string

	cfg        *config.Config
	configPath string
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.configPath = resolvedPath
	return cfg, nil
}

func (c *commandContext) ensureLogger() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console"})
	if err != nil {
		logger = logging.NewNop()
	}
	c.logger = logger
	return logger
}

// openStore opens the shared job database. The caller owns the handle.
func (c *commandContext) openStore() (*jobs.SQLiteStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := jobs.OpenSQLite(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

// openDispatcher builds a dispatcher over the configured backend. With the
// amqp backend the publish reaches the daemon's broker directly; with the
// in-process backend the record transition alone is what matters, since the
// daemon's reconcile loop republishes queued records it has no message for.
func (c *commandContext) openDispatcher(store jobs.Store) (*dispatch.Dispatcher, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}

	var backend dispatch.Backend
	if cfg.Queue.Backend == "amqp" {
		amqpBackend, err := dispatch.NewAMQPBackend(cfg.Queue.AMQPURL, cfg.Queue.QueueName, c.ensureLogger())
		if err != nil {
			return nil, nil, fmt.Errorf("connect queue broker: %w", err)
		}
		backend = amqpBackend
	} else {
		backend = dispatch.NewChannelBackend(cfg.Queue.Buffer)
	}

	dispatcher := dispatch.NewDispatcher(store, backend, c.ensureLogger())
	cleanup := func() { _ = backend.Close() }
	return dispatcher, cleanup, nil
}
