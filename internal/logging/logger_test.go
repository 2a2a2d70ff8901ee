package logging_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"loom/internal/logging"
	"loom/internal/services"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs = append(h.attrs, attrs...)
	return h
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func TestWithContextAddsCorrelationFields(t *testing.T) {
	handler := &captureHandler{}
	logger := slog.New(handler)

	ctx := services.WithJobID(context.Background(), "job-123")
	ctx = services.WithStage(ctx, "synthesize")

	logging.WithContext(ctx, logger).Info("hello")

	found := map[string]string{}
	for _, attr := range handler.attrs {
		found[attr.Key] = attr.Value.String()
	}
	if found[logging.FieldJobID] != "job-123" {
		t.Fatalf("expected job_id field, got %v", found)
	}
	if found[logging.FieldStage] != "synthesize" {
		t.Fatalf("expected stage field, got %v", found)
	}
}

func TestWithContextNilLogger(t *testing.T) {
	logger := logging.WithContext(context.Background(), nil)
	// Must not panic; output goes nowhere.
	logger.Info("discarded")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
