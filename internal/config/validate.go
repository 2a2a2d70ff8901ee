package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateWebhook(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Retention.Days < 0 {
		return errors.New("retention.days must not be negative")
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.ArtifactDir == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "channel":
		if c.Queue.Buffer <= 0 {
			return errors.New("queue.buffer must be positive for the channel backend")
		}
	case "amqp":
		if c.Queue.AMQPURL == "" {
			return errors.New("queue.amqp_url is required for the amqp backend")
		}
		if c.Queue.QueueName == "" {
			return errors.New("queue.queue_name is required for the amqp backend")
		}
	default:
		return fmt.Errorf("queue.backend must be \"channel\" or \"amqp\", got %q", c.Queue.Backend)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Count <= 0 {
		return errors.New("workers.count must be positive")
	}
	if c.Workers.DequeueWaitSeconds <= 0 {
		return errors.New("workers.dequeue_wait_seconds must be positive")
	}
	return nil
}

func (c *Config) validateStages() error {
	if c.Stages.RetryMaxAttempts <= 0 {
		return errors.New("stages.retry_max_attempts must be positive")
	}
	if c.Stages.BackoffBaseMS <= 0 {
		return errors.New("stages.backoff_base_ms must be positive")
	}
	if c.Stages.BackoffCapMS < c.Stages.BackoffBaseMS {
		return errors.New("stages.backoff_cap_ms must not be below stages.backoff_base_ms")
	}
	for name, endpoint := range c.Stages.Endpoints {
		if endpoint.URL == "" {
			return fmt.Errorf("stages.endpoints.%s.url must be set", name)
		}
		switch endpoint.Mode {
		case "", "sync", "poll":
		default:
			return fmt.Errorf("stages.endpoints.%s.mode must be \"sync\" or \"poll\", got %q", name, endpoint.Mode)
		}
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if c.Webhook.MaxAttempts <= 0 {
		return errors.New("webhook.max_attempts must be positive")
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		return errors.New("webhook.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}
