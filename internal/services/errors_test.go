package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"loom/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("connection refused")
	err := services.Wrap(services.ErrTransient, "synthesize", "submit", "endpoint unreachable", base)

	if !errors.Is(err, services.ErrTransient) {
		t.Fatal("expected transient marker to survive wrapping")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected original error to survive wrapping")
	}
	if !strings.Contains(err.Error(), "synthesize: submit") {
		t.Fatalf("expected stage context in message, got %q", err.Error())
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "compose", "", "", nil)
	if !services.IsTransient(err) {
		t.Fatal("nil marker should default to transient")
	}
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"transient", services.Wrap(services.ErrTransient, "s", "", "", nil), true},
		{"permanent", services.Wrap(services.ErrPermanent, "s", "", "", nil), false},
		{"validation", services.Wrap(services.ErrValidation, "s", "", "", nil), false},
		{"untagged", errors.New("mystery"), false},
		{"wrapped transient", fmt.Errorf("outer: %w", services.Wrap(services.ErrTransient, "s", "", "", nil)), true},
	}
	for _, tc := range cases {
		if got := services.IsTransient(tc.err); got != tc.transient {
			t.Errorf("%s: IsTransient=%v, want %v", tc.name, got, tc.transient)
		}
		if got := services.IsPermanent(tc.err); got == tc.transient {
			t.Errorf("%s: IsPermanent=%v contradicts IsTransient", tc.name, got)
		}
	}
}

func TestAsPermanentPromotesTransient(t *testing.T) {
	base := services.Wrap(services.ErrTransient, "lipsync", "poll", "timeout", nil)
	promoted := services.AsPermanent(base, 3)

	if services.IsTransient(promoted) {
		t.Fatal("promoted error must no longer classify as transient")
	}
	if !errors.Is(promoted, services.ErrPermanent) {
		t.Fatal("promoted error must carry the permanent marker")
	}
	if !errors.Is(promoted, services.ErrTransient) {
		t.Fatal("promoted error should keep its original chain for inspection")
	}
	if !strings.Contains(promoted.Error(), "3 attempts") {
		t.Fatalf("expected attempt count in message, got %q", promoted.Error())
	}
}
