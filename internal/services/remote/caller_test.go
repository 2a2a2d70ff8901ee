package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/remote"
)

func newTestCaller(t *testing.T, url string, mode remote.Mode) *remote.Caller {
	t.Helper()
	return &remote.Caller{
		Stage:        "synthesize",
		URL:          strings.TrimRight(url, "/"),
		Mode:         mode,
		Client:       &http.Client{Timeout: 2 * time.Second},
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  500 * time.Millisecond,
		Logger:       logging.NewNop(),
	}
}

func TestDoReturnsOutputOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remote.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stage != "synthesize" || req.JobID != "job-1" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "succeeded",
			"output": map[string]string{"audio": "ref-1"},
		})
	}))
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModeSync)
	output, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(output), "ref-1") {
		t.Fatalf("unexpected output: %s", output)
	}
}

func TestDoClassifiesServerErrorsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModeSync)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-1"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestDoClassifiesClientErrorsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad script", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModeSync)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-1"})
	if !services.IsPermanent(err) || services.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDoTreatsRemoteFailureAsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "voice model missing"})
	}))
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModeSync)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-1"})
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "voice model missing") {
		t.Fatalf("expected remote detail in error, got %v", err)
	}
}

func TestDoTreatsConnectionFailureAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // nothing listening anymore

	caller := newTestCaller(t, server.URL, remote.ModeSync)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-1"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSubmitAndPollWaitsForCompletion(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "handle-7"})
	})
	mux.HandleFunc("GET /handle-7", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]string{"status": "running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "succeeded",
			"output": map[string]string{"video": "ref-2"},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModePoll)
	output, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-2"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(output), "ref-2") {
		t.Fatalf("unexpected output: %s", output)
	}
	if polls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls.Load())
	}
}

func TestSubmitAndPollReportsRemoteFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "handle-8"})
	})
	mux.HandleFunc("GET /handle-8", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "frame mismatch"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModePoll)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-3"})
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "frame mismatch") {
		t.Fatalf("expected remote detail, got %v", err)
	}
}

func TestSubmitAndPollWindowExpiryIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "handle-9"})
	})
	mux.HandleFunc("GET /handle-9", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	caller := newTestCaller(t, server.URL, remote.ModePoll)
	caller.PollTimeout = 50 * time.Millisecond
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-4"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient window expiry, got %v", err)
	}
}

func TestSubmitAndPollToleratesZeroInterval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "handle-10"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	// A hand-built caller may carry a zero interval; the poll loop must fall
	// back to a floor instead of panicking on ticker construction.
	caller := newTestCaller(t, server.URL, remote.ModePoll)
	caller.PollInterval = 0
	caller.PollTimeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := caller.Invoke(ctx, remote.Request{JobID: "job-6"})
	if err == nil {
		t.Fatal("expected the cancelled poll to error")
	}
}

func TestInvokeRequiresConfiguredURL(t *testing.T) {
	caller := newTestCaller(t, "", remote.ModeSync)
	_, err := caller.Invoke(context.Background(), remote.Request{JobID: "job-5"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
