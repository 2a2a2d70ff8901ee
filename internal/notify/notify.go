package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loom/internal/config"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/services"
)

const userAgent = "Loom-Go/0.1.0"

// Event is the JSON body posted to a job's webhook when it settles.
type Event struct {
	JobID     string        `json:"job_id"`
	Status    jobs.Status   `json:"status"`
	ResultURL string        `json:"result_url,omitempty"`
	Error     *jobs.Failure `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventForJob builds the settlement event for a terminal job.
func EventForJob(job *jobs.Job) Event {
	return Event{
		JobID:     job.ID,
		Status:    job.Status,
		ResultURL: job.Result,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier delivers settlement events. Delivery is best effort: failures are
// logged, never propagated into job state.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, event Event) error
}

// NewNotifier builds the webhook notifier from configuration.
func NewNotifier(cfg config.Webhook, logger *slog.Logger) Notifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookNotifier{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: cfg.MaxAttempts,
		base:        time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		cap:         time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		logger:      logging.NewComponentLogger(logger, "notify"),
	}
}

type webhookNotifier struct {
	client      *http.Client
	maxAttempts int
	base        time.Duration
	cap         time.Duration
	logger      *slog.Logger
}

// Notify posts the event, retrying on any failure up to the configured
// ceiling. A job without a webhook endpoint is not an error.
func (n *webhookNotifier) Notify(ctx context.Context, endpoint string, event Event) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	schedule := n.schedule()
	attempts := n.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = n.post(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed",
			slog.String(logging.FieldJobID, event.JobID),
			slog.Int("attempt", attempt),
			logging.Error(lastErr))
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(schedule.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("webhook delivery exhausted after %d attempts: %w", attempts, lastErr)
}

func (n *webhookNotifier) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if n.base > 0 {
		b.InitialInterval = n.base
	}
	if n.cap > 0 {
		b.MaxInterval = n.cap
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (n *webhookNotifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewNop returns a notifier that discards every event.
func NewNop() Notifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, Event) error { return nil }
