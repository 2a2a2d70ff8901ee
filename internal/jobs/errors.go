package jobs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when a mutator attempts an illegal state change:
// a backward status transition, a decreasing progress value, or a
// result/error field inconsistent with the status. A conflict indicates a
// caller bug and is never silently ignored.
var ErrConflict = errors.New("illegal job transition")

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// validateMutation enforces the record invariants between the state a mutator
// observed and the state it produced.
func validateMutation(before, after *Job) error {
	if after.ID != before.ID {
		return conflictf("job id is immutable (%s -> %s)", before.ID, after.ID)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		return conflictf("created_at is immutable")
	}
	if !CanTransition(before.Status, after.Status) {
		return conflictf("status %s -> %s", before.Status, after.Status)
	}
	if !before.Status.IsTerminal() && !after.Status.IsTerminal() && after.Progress < before.Progress {
		return conflictf("progress must not decrease (%d -> %d)", before.Progress, after.Progress)
	}
	if after.Progress < 0 || after.Progress > 100 {
		return conflictf("progress %d out of range", after.Progress)
	}
	if (after.Result != "") != (after.Status == StatusCompleted) {
		return conflictf("result requires completed status, have %s", after.Status)
	}
	if (after.Error != nil) != (after.Status == StatusFailed) {
		return conflictf("error requires failed status, have %s", after.Status)
	}
	return nil
}
