package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: remote timeouts, 5xx
	// responses, connection resets. The stage runner retries these up to the
	// configured ceiling.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks failures that terminate the job: the remote side
	// explicitly reported failure, or a retry ceiling was exhausted.
	ErrPermanent = errors.New("permanent failure")

	// ErrValidation marks bad input rejected before any work happens.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration marks unusable settings discovered at runtime.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks lookups for entities that do not exist.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether an error should be retried. An error that is
// tagged both transient and permanent (a transient failure promoted after
// ceiling exhaustion) counts as permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrPermanent)
}

// IsPermanent reports whether an error terminates the job. Untagged errors
// are treated as permanent: a stage that cannot classify its failure must not
// be retried blindly.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err)
}

// AsPermanent promotes a transient error after its retry ceiling is
// exhausted, preserving the original chain.
func AsPermanent(err error, attempts int) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: retry ceiling reached after %d attempts: %w", ErrPermanent, attempts, err)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
