package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"loom/internal/telemetry"
)

func TestCountersAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	metrics.RecordSettled("completed")
	metrics.RecordSettled("completed")
	metrics.RecordSettled("failed")
	metrics.RecordRetry("synthesize")
	metrics.ObserveStage("synthesize", "ok", 250*time.Millisecond)

	if got := testutil.ToFloat64(metrics.JobsSettled.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobsSettled.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.StageRetries.WithLabelValues("synthesize")); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
}

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	metrics.RecordSettled("completed")
	metrics.QueueDepth.Set(3)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "loom_jobs_settled_total") {
		t.Fatalf("settled counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "loom_queue_depth 3") {
		t.Fatalf("queue depth gauge missing from exposition:\n%s", body)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *telemetry.Metrics
	metrics.RecordSettled("completed")
	metrics.RecordRetry("compose")
	metrics.ObserveStage("compose", "ok", time.Second)
}
