package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/dispatch"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/worker"
)

type countingRunner struct {
	store jobs.Store
	runs  atomic.Int64
	panic bool
	fail  error
}

func (r *countingRunner) Run(ctx context.Context, jobID string) error {
	r.runs.Add(1)
	if r.panic {
		panic("stage exploded")
	}
	if r.fail != nil {
		return r.fail
	}
	_, err := r.store.Update(ctx, jobID, func(j *jobs.Job) error {
		j.SetCompleted("file:///tmp/out.mp4")
		return nil
	})
	return err
}

type fixture struct {
	store      jobs.Store
	backend    *dispatch.ChannelBackend
	dispatcher *dispatch.Dispatcher
	runner     *countingRunner
	pool       *worker.Pool
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()
	store := jobs.NewMemoryStore()
	backend := dispatch.NewChannelBackend(16)
	t.Cleanup(func() { backend.Close() })
	dispatcher := dispatch.NewDispatcher(store, backend, logging.NewNop())
	runner := &countingRunner{store: store}
	pool, err := worker.NewPool(worker.PoolConfig{
		Store:       store,
		Dispatcher:  dispatcher,
		Runner:      runner,
		Logger:      logging.NewNop(),
		Count:       slots,
		DequeueWait: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return &fixture{store: store, backend: backend, dispatcher: dispatcher, runner: runner, pool: pool}
}

func (f *fixture) submit(t *testing.T) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	job := jobs.New(nil, nil)
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.dispatcher.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func waitForStatus(t *testing.T, store jobs.Store, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s, stuck at %s", id, want, job.Status)
	return nil
}

func TestPoolProcessesQueuedJob(t *testing.T) {
	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	job := f.submit(t)
	waitForStatus(t, f.store, job.ID, jobs.StatusCompleted)

	cancel()
	f.pool.Wait()
	if f.runner.runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", f.runner.runs.Load())
	}
}

func TestDuplicateMessagesRunJobOnce(t *testing.T) {
	f := newFixture(t, 4)
	job := f.submit(t)

	// Simulate republished duplicates of the same job message.
	for i := 0; i < 3; i++ {
		msg := dispatch.Message{JobID: job.ID, EnqueuedAt: time.Now().UTC(), Attempt: 1}
		if err := f.backend.Publish(context.Background(), msg); err != nil {
			t.Fatalf("Publish duplicate: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	waitForStatus(t, f.store, job.ID, jobs.StatusCompleted)

	// Give the remaining duplicates time to be drained and dropped.
	time.Sleep(100 * time.Millisecond)
	cancel()
	f.pool.Wait()

	if f.runner.runs.Load() != 1 {
		t.Fatalf("duplicates must lose the lease race, got %d runs", f.runner.runs.Load())
	}
}

func TestPanicSettlesJobAndKeepsSlotAlive(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.panic = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	first := f.submit(t)
	settled := waitForStatus(t, f.store, first.ID, jobs.StatusFailed)
	if settled.Error == nil || settled.Error.Message == "" {
		t.Fatalf("panic failure not recorded: %+v", settled.Error)
	}

	// The slot must survive and pick up the next job.
	f.runner.panic = false
	second := f.submit(t)
	waitForStatus(t, f.store, second.ID, jobs.StatusCompleted)

	cancel()
	f.pool.Wait()
}

func TestRunnerErrorSettlesJobAndKeepsSlotAlive(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.fail = errors.New("load job before stage synthesize: disk unavailable")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	// The runner returns without settling; the record must not stay running
	// with its message acked.
	first := f.submit(t)
	settled := waitForStatus(t, f.store, first.ID, jobs.StatusFailed)
	if settled.Error == nil || settled.Error.Message != f.runner.fail.Error() {
		t.Fatalf("run error not recorded on the job: %+v", settled.Error)
	}

	f.runner.fail = nil
	second := f.submit(t)
	waitForStatus(t, f.store, second.ID, jobs.StatusCompleted)

	cancel()
	f.pool.Wait()
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		f.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestConcurrentSubmissionsAllComplete(t *testing.T) {
	f := newFixture(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, f.submit(t).ID)
	}

	for _, id := range ids {
		waitForStatus(t, f.store, id, jobs.StatusCompleted)
	}
	cancel()
	f.pool.Wait()
	if f.runner.runs.Load() != 8 {
		t.Fatalf("expected 8 runs, got %d", f.runner.runs.Load())
	}
}
