package jobs

import (
	"context"
	"testing"
	"time"
)

func TestPruneTerminalReleasesLockEntries(t *testing.T) {
	store, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	done := New(nil, nil)
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, status := range []Status{StatusQueued, StatusRunning} {
		target := status
		if _, err := store.Update(ctx, done.ID, func(j *Job) error {
			j.Status = target
			return nil
		}); err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
	}
	if _, err := store.Update(ctx, done.ID, func(j *Job) error {
		j.SetCompleted("file:///tmp/out.mp4")
		return nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	live := New(nil, nil)
	if err := store.Create(ctx, live); err != nil {
		t.Fatalf("Create live: %v", err)
	}
	store.lockFor(live.ID)

	pruned, err := store.PruneTerminal(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}

	store.mu.Lock()
	_, doneHeld := store.locks[done.ID]
	_, liveHeld := store.locks[live.ID]
	store.mu.Unlock()
	if doneHeld {
		t.Fatal("pruned job must not keep a lock entry")
	}
	if !liveHeld {
		t.Fatal("live job lock entry must survive the prune")
	}
}
