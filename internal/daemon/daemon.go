package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/telemetry"
	"loom/internal/worker"
)

// Daemon owns the processing lifecycle: the single-instance lock, the
// startup queue sweep, the worker pool, and the retention loop.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      jobs.Store
	dispatcher *dispatch.Dispatcher
	executor   *pipeline.Executor
	pool       *worker.Pool
	metrics    *telemetry.Metrics

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store jobs.Store, dispatcher *dispatch.Dispatcher, executor *pipeline.Executor, pool *worker.Pool, metrics *telemetry.Metrics, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || dispatcher == nil || executor == nil || pool == nil {
		return nil, errors.New("daemon requires config, store, dispatcher, executor, and pool")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "loomd.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		dispatcher: dispatcher,
		executor:   executor,
		pool:       pool,
		metrics:    metrics,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, repairs queue state left by a previous
// process, and launches the worker pool and retention sweep.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.recoverQueue(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		d.cancel = nil
		return fmt.Errorf("recover queue: %w", err)
	}

	d.pool.Start(runCtx)
	d.bg.Add(2)
	go func() {
		defer d.bg.Done()
		d.sweepLoop(runCtx)
	}()
	go func() {
		defer d.bg.Done()
		d.reconcileLoop(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("daemon started",
		slog.String(logging.FieldEventType, "daemon_started"),
		slog.String("lock", d.lockPath),
		slog.Int("workers", d.cfg.Workers.Count))
	return nil
}

// Stop winds the pool down, flushes pending webhooks, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pool.Wait()
	d.bg.Wait()
	d.executor.Flush()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped", slog.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops processing and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	if err := d.dispatcher.Close(); err != nil {
		return err
	}
	return d.store.Close()
}

// recoverQueue repairs state a dead process left behind. Records stuck in
// running go back to queued, and every queued record gets its message
// republished; the in-process backend loses messages on restart and the
// broker backend tolerates the duplicates.
func (d *Daemon) recoverQueue(ctx context.Context) error {
	reclaimed, err := d.store.ReclaimRunning(ctx)
	if err != nil {
		return fmt.Errorf("reclaim running jobs: %w", err)
	}
	if reclaimed > 0 {
		d.logger.Info("reclaimed jobs from dead process",
			slog.String(logging.FieldEventType, "jobs_reclaimed"),
			slog.Int64("count", reclaimed))
	}

	queued, err := d.store.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusQueued}})
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		if _, err := d.dispatcher.Enqueue(ctx, job.ID); err != nil {
			d.logger.Error("failed to republish queued job",
				slog.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}
	if len(queued) > 0 {
		d.logger.Info("republished queued jobs",
			slog.String(logging.FieldEventType, "queue_rebuilt"),
			slog.Int("count", len(queued)))
	}
	return nil
}

const (
	reconcileInterval = 5 * time.Second
	reconcileAge      = 15 * time.Second
)

// reconcileLoop republishes queued records that have sat unconsumed longer
// than reconcileAge. This is how jobs enqueued by another process reach the
// in-process backend, and it heals lost broker messages too; duplicates
// lose the worker lease race and are dropped.
func (d *Daemon) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileQueue(ctx)
		}
	}
}

func (d *Daemon) reconcileQueue(ctx context.Context) {
	queued, err := d.store.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusQueued}})
	if err != nil {
		d.logger.Error("reconcile list failed", logging.Error(err))
		return
	}
	for _, job := range queued {
		if time.Since(job.UpdatedAt) < reconcileAge {
			continue
		}
		if _, err := d.dispatcher.Enqueue(ctx, job.ID); err != nil {
			d.logger.Debug("reconcile republish failed",
				slog.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}
}

// sweepLoop prunes old terminal records and refreshes the queue depth gauge
// on the configured interval.
func (d *Daemon) sweepLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Retention.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Daemon) sweep(ctx context.Context) {
	if days := d.cfg.Retention.Days; days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		pruned, err := d.store.PruneTerminal(ctx, cutoff)
		if err != nil {
			d.logger.Error("retention sweep failed", logging.Error(err))
		} else if pruned > 0 {
			d.logger.Info("pruned terminal jobs",
				slog.String(logging.FieldEventType, "jobs_pruned"),
				slog.Int64("count", pruned))
		}
	}

	if d.metrics != nil {
		stats, err := d.store.Stats(ctx)
		if err == nil {
			d.metrics.QueueDepth.Set(float64(stats[jobs.StatusQueued]))
		}
	}
}
