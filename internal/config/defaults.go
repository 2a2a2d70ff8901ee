package config

const (
	defaultDataDir              = "~/.local/share/loom"
	defaultLogDir               = "~/.local/share/loom/logs"
	defaultArtifactDir          = "~/.local/share/loom/artifacts"
	defaultQueueBackend         = "channel"
	defaultQueueName            = "loom.jobs"
	defaultQueueBuffer          = 256
	defaultWorkerCount          = 4
	defaultDequeueWaitSeconds   = 5
	defaultRetryMaxAttempts     = 3
	defaultBackoffBaseMS        = 500
	defaultBackoffCapMS         = 30_000
	defaultStageTimeoutSeconds  = 300
	defaultPollIntervalSeconds  = 5
	defaultPollTimeoutSeconds   = 1800
	defaultWebhookMaxAttempts   = 5
	defaultWebhookTimeoutSecs   = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultRetentionDays        = 7
	defaultSweepIntervalMinutes = 60
)

// StageNames is the ordered render pipeline the daemon wires by default.
// Stage functions are external collaborators; the orchestrator only knows
// their names, order, and progress weights.
var StageNames = []string{"synthesize", "lipsync", "compose", "postprocess"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
		},
		Queue: Queue{
			Backend:   defaultQueueBackend,
			QueueName: defaultQueueName,
			Buffer:    defaultQueueBuffer,
		},
		Workers: Workers{
			Count:              defaultWorkerCount,
			DequeueWaitSeconds: defaultDequeueWaitSeconds,
		},
		Stages: Stages{
			RetryMaxAttempts: defaultRetryMaxAttempts,
			BackoffBaseMS:    defaultBackoffBaseMS,
			BackoffCapMS:     defaultBackoffCapMS,
			Endpoints:        map[string]StageEndpoint{},
		},
		Webhook: Webhook{
			MaxAttempts:    defaultWebhookMaxAttempts,
			TimeoutSeconds: defaultWebhookTimeoutSecs,
			BackoffBaseMS:  defaultBackoffBaseMS,
			BackoffCapMS:   defaultBackoffCapMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Retention: Retention{
			Days:                 defaultRetentionDays,
			SweepIntervalMinutes: defaultSweepIntervalMinutes,
		},
	}
}

// EndpointDefaults fills zero-valued endpoint fields from global defaults.
func (s Stages) EndpointDefaults(endpoint StageEndpoint) StageEndpoint {
	if endpoint.Mode == "" {
		endpoint.Mode = "sync"
	}
	if endpoint.TimeoutSeconds <= 0 {
		endpoint.TimeoutSeconds = defaultStageTimeoutSeconds
	}
	if endpoint.PollIntervalSeconds <= 0 {
		endpoint.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if endpoint.PollTimeoutSeconds <= 0 {
		endpoint.PollTimeoutSeconds = defaultPollTimeoutSeconds
	}
	if endpoint.MaxAttempts <= 0 {
		endpoint.MaxAttempts = s.RetryMaxAttempts
	}
	return endpoint
}
