package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notify"
)

func testWebhookConfig() config.Webhook {
	return config.Webhook{
		MaxAttempts:    3,
		TimeoutSeconds: 2,
		BackoffBaseMS:  1,
		BackoffCapMS:   5,
	}
}

func TestNotifyPostsEvent(t *testing.T) {
	var received notify.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode event: %v", err)
		}
	}))
	defer server.Close()

	notifier := notify.NewNotifier(testWebhookConfig(), logging.NewNop())
	event := notify.Event{
		JobID:     "job-1",
		Status:    jobs.StatusCompleted,
		ResultURL: "s3://renders/job-1/final.mp4",
		Timestamp: time.Now().UTC(),
	}
	if err := notifier.Notify(context.Background(), server.URL, event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received.JobID != "job-1" || received.Status != jobs.StatusCompleted {
		t.Fatalf("unexpected event: %+v", received)
	}
	if received.ResultURL != "s3://renders/job-1/final.mp4" {
		t.Fatalf("result url missing: %+v", received)
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
	}))
	defer server.Close()

	notifier := notify.NewNotifier(testWebhookConfig(), logging.NewNop())
	if err := notifier.Notify(context.Background(), server.URL, notify.Event{JobID: "job-2"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNotifyExhaustionReturnsError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := notify.NewNotifier(testWebhookConfig(), logging.NewNop())
	err := notifier.Notify(context.Background(), server.URL, notify.Event{JobID: "job-3"})
	if err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNotifySkipsEmptyEndpoint(t *testing.T) {
	notifier := notify.NewNotifier(testWebhookConfig(), logging.NewNop())
	if err := notifier.Notify(context.Background(), "  ", notify.Event{JobID: "job-4"}); err != nil {
		t.Fatalf("empty endpoint must be a no-op, got %v", err)
	}
}

func TestEventForJobCarriesFailure(t *testing.T) {
	job := jobs.New(nil, nil)
	job.Status = jobs.StatusFailed
	job.Error = &jobs.Failure{Stage: "lipsync", Message: "frame mismatch", Attempts: 3}

	event := notify.EventForJob(job)
	if event.Status != jobs.StatusFailed || event.Error == nil || event.Error.Stage != "lipsync" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.ResultURL != "" {
		t.Fatalf("failed job must not carry a result url: %+v", event)
	}
}
