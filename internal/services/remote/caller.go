package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
)

const userAgent = "Loom-Go/0.1.0"

// Mode selects how a stage endpoint is driven.
type Mode string

const (
	// ModeSync issues one request and waits for the result inline.
	ModeSync Mode = "sync"
	// ModePoll submits work, then polls a handle until it settles.
	ModePoll Mode = "poll"
)

// Request is the body posted to a stage endpoint. Outputs carries the
// artifact references produced by earlier stages so a service can pick up
// intermediate files without a shared filesystem contract.
type Request struct {
	JobID   string            `json:"job_id"`
	Stage   string            `json:"stage"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// response is the wire shape stage services reply with, for both the
// synchronous path and poll status reads.
type response struct {
	ID     string          `json:"id,omitempty"`
	Status string          `json:"status,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const (
	remoteStatusSucceeded = "succeeded"
	remoteStatusFailed    = "failed"
)

// Caller drives one remote stage endpoint. Errors it returns are always
// tagged transient or permanent so the stage runner can decide whether to
// retry without inspecting HTTP details.
type Caller struct {
	Stage        string
	URL          string
	Mode         Mode
	Client       *http.Client
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// NewCaller builds a caller for one stage from its endpoint configuration.
func NewCaller(stage string, endpoint config.StageEndpoint, logger *slog.Logger) *Caller {
	mode := Mode(strings.TrimSpace(endpoint.Mode))
	if mode != ModePoll {
		mode = ModeSync
	}
	return &Caller{
		Stage:        stage,
		URL:          strings.TrimRight(strings.TrimSpace(endpoint.URL), "/"),
		Mode:         mode,
		Client:       &http.Client{Timeout: time.Duration(endpoint.TimeoutSeconds) * time.Second},
		PollInterval: time.Duration(endpoint.PollIntervalSeconds) * time.Second,
		PollTimeout:  time.Duration(endpoint.PollTimeoutSeconds) * time.Second,
		Logger:       logging.NewComponentLogger(logger, "remote."+stage),
	}
}

// Invoke runs the endpoint in its configured mode and returns the stage
// output reference.
func (c *Caller) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.URL == "" {
		return nil, services.Wrap(services.ErrConfiguration, c.Stage, "invoke", "endpoint url not configured", nil)
	}
	req.Stage = c.Stage
	if c.Mode == ModePoll {
		return c.SubmitAndPoll(ctx, req)
	}
	return c.Do(ctx, req)
}

// Do issues a single synchronous request. The HTTP client timeout is the
// hard deadline; expiry is reported as transient.
func (c *Caller) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := c.post(ctx, c.URL, req, "call")
	if err != nil {
		return nil, err
	}
	if resp.Status == remoteStatusFailed {
		return nil, services.Wrap(services.ErrPermanent, c.Stage, "call", remoteFailureMessage(resp.Error), nil)
	}
	return resp.Output, nil
}

// SubmitAndPoll submits work, then reads the returned handle on a fixed
// interval until the remote side settles or the overall poll window closes.
// Individual poll failures are tolerated and retried on the next tick; only
// window expiry surfaces them, as a transient error.
func (c *Caller) SubmitAndPoll(ctx context.Context, req Request) (json.RawMessage, error) {
	submitted, err := c.post(ctx, c.URL, req, "submit")
	if err != nil {
		return nil, err
	}
	if submitted.ID == "" {
		return nil, services.Wrap(services.ErrPermanent, c.Stage, "submit", "endpoint returned no handle", nil)
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(c.PollTimeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, pollErr := c.get(ctx, c.URL+"/"+submitted.ID)
		switch {
		case pollErr != nil:
			if services.IsPermanent(pollErr) && !errors.Is(pollErr, context.Canceled) {
				return nil, pollErr
			}
			lastErr = pollErr
			logging.WithContext(ctx, c.Logger).Warn("poll attempt failed", logging.Error(pollErr))
		case status.Status == remoteStatusFailed:
			return nil, services.Wrap(services.ErrPermanent, c.Stage, "poll", remoteFailureMessage(status.Error), nil)
		case status.Status == remoteStatusSucceeded:
			return status.Output, nil
		}

		if time.Now().After(deadline) {
			return nil, services.Wrap(services.ErrTransient, c.Stage, "poll", "poll window expired", lastErr)
		}
	}
}

func (c *Caller) post(ctx context.Context, url string, req Request, operation string) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, c.Stage, operation, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, c.Stage, operation, "build request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")
	return c.execute(httpReq, operation)
}

func (c *Caller) get(ctx context.Context, url string) (*response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, c.Stage, "poll", "build request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	return c.execute(httpReq, "poll")
}

func (c *Caller) execute(req *http.Request, operation string) (*response, error) {
	httpResp, err := c.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%s %s: %w", c.Stage, operation, context.Canceled)
		}
		return nil, services.Wrap(services.ErrTransient, c.Stage, operation, "request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return nil, classifyStatus(c.Stage, operation, httpResp.StatusCode, string(snippet))
	}

	var resp response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return nil, services.Wrap(services.ErrTransient, c.Stage, operation, "decode response", err)
	}
	return &resp, nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy: server-side
// and throttling codes are worth another attempt, everything else means the
// request itself is wrong.
func classifyStatus(stage, operation string, code int, body string) error {
	message := fmt.Sprintf("endpoint returned %d", code)
	if body = strings.TrimSpace(body); body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return services.Wrap(services.ErrTransient, stage, operation, message, nil)
	}
	return services.Wrap(services.ErrPermanent, stage, operation, message, nil)
}

func remoteFailureMessage(detail string) string {
	if detail = strings.TrimSpace(detail); detail != "" {
		return "remote reported failure: " + detail
	}
	return "remote reported failure"
}
