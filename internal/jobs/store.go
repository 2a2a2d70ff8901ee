package jobs

import (
	"context"
	"time"
)

// Filter narrows List results.
type Filter struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// Store is the durable source of truth for job records. Implementations must
// support concurrent access from the worker pool and the submission path.
//
// Update runs the mutator under a per-id lock so concurrent updates on the
// same job cannot interleave, validates the resulting record against the
// lifecycle invariants, and persists it before returning. A mutator error
// aborts the update and is returned unchanged, which is how callers implement
// compare-and-set: return a sentinel from the mutator when the precondition
// fails and test for it with errors.Is.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)
	Stats(ctx context.Context) (map[Status]int, error)

	// ReclaimRunning moves running jobs back to queued. Crash recovery only:
	// the caller must hold the single-instance lock (or otherwise know no
	// worker holds a lease) because this bypasses the forward-only rule.
	ReclaimRunning(ctx context.Context) (int64, error)

	// PruneTerminal deletes terminal jobs not updated since the cutoff.
	PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// RequestCancel flags a job for cooperative cancellation. Jobs that have not
// started running are cancelled immediately; a running job keeps executing
// its current stage and the executor observes the flag at the next stage
// boundary. Cancelling a terminal job returns ErrConflict.
func RequestCancel(ctx context.Context, store Store, id string) (*Job, error) {
	return store.Update(ctx, id, func(job *Job) error {
		if job.Status.IsTerminal() {
			return conflictf("cannot cancel %s job", job.Status)
		}
		job.CancelRequested = true
		if job.Status == StatusCreated || job.Status == StatusQueued {
			job.SetCancelled()
		}
		return nil
	})
}
