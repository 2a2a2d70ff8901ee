package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"loom/internal/config"
	"loom/internal/jobs"
)

// MustOpenStore opens the SQLite job store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobs.SQLiteStore {
	t.Helper()

	store, err := jobs.OpenSQLite(cfg.Paths.DataDir)
	if err != nil {
		t.Fatalf("jobs.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a job record for tests using the provided store.
func NewJob(t testing.TB, store jobs.Store, payload string, meta map[string]string) *jobs.Job {
	t.Helper()

	job := jobs.New(json.RawMessage(payload), meta)
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}

// AdvanceJob walks a job through the given statuses in order.
func AdvanceJob(t testing.TB, store jobs.Store, id string, statuses ...jobs.Status) *jobs.Job {
	t.Helper()

	var latest *jobs.Job
	for _, status := range statuses {
		target := status
		updated, err := store.Update(context.Background(), id, func(j *jobs.Job) error {
			j.Status = target
			return nil
		})
		if err != nil {
			t.Fatalf("advance job to %s: %v", target, err)
		}
		latest = updated
	}
	return latest
}
