package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"loom/internal/dispatch"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/telemetry"
)

// Runner executes one leased job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// PoolConfig wires the pool's collaborators.
type PoolConfig struct {
	Store      jobs.Store
	Dispatcher *dispatch.Dispatcher
	Runner     Runner
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger

	// Count is the number of worker slots; DequeueWait bounds how long a
	// slot blocks waiting for a message before rechecking shutdown.
	Count       int
	DequeueWait time.Duration
}

// Pool runs a fixed number of worker slots against the dispatcher.
type Pool struct {
	store      jobs.Store
	dispatcher *dispatch.Dispatcher
	runner     Runner
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	count int
	wait  time.Duration
	wg    sync.WaitGroup
}

// NewPool builds a pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Store == nil || cfg.Dispatcher == nil || cfg.Runner == nil {
		return nil, errors.New("pool requires store, dispatcher, and runner")
	}
	count := cfg.Count
	if count <= 0 {
		count = 1
	}
	wait := cfg.DequeueWait
	if wait <= 0 {
		wait = time.Second
	}
	return &Pool{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		runner:     cfg.Runner,
		metrics:    cfg.Metrics,
		logger:     logging.NewComponentLogger(cfg.Logger, "worker"),
		count:      count,
		wait:       wait,
	}, nil
}

// Start launches the worker slots. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for slot := 0; slot < p.count; slot++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.runSlot(ctx, slot)
		}(slot)
	}
}

// Wait blocks until every slot has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	logger := p.logger.With(slog.Int("slot", slot))
	logger.Debug("worker slot started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker slot stopping")
			return
		}

		delivery, ok, err := p.dispatcher.Dequeue(ctx, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.wait):
			}
			continue
		}
		if !ok {
			continue
		}

		p.handle(ctx, logger, delivery)
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, delivery *dispatch.Delivery) {
	jobID := delivery.Message.JobID
	jobLogger := logger.With(slog.String(logging.FieldJobID, jobID))

	leased, err := p.lease(ctx, jobID)
	if err != nil {
		jobLogger.Error("lease attempt failed, returning message", logging.Error(err))
		if err := delivery.Requeue(); err != nil {
			jobLogger.Error("requeue failed", logging.Error(err))
		}
		return
	}
	if !leased {
		// Another worker got there first, or the job settled meanwhile.
		jobLogger.Debug("dropping message for non-queued job")
		if err := delivery.Ack(); err != nil {
			jobLogger.Error("ack failed", logging.Error(err))
		}
		return
	}

	runErr := p.runGuarded(ctx, jobLogger, jobID)
	if runErr != nil && ctx.Err() != nil {
		// Shutdown mid-job: the record stays running for the startup sweep
		// and the message goes back to the queue.
		if err := delivery.Requeue(); err != nil {
			jobLogger.Error("requeue on shutdown failed", logging.Error(err))
		}
		return
	}
	if runErr != nil {
		jobLogger.Error("job run failed", logging.Error(runErr))
		if err := p.settleStranded(ctx, jobID, runErr.Error()); err != nil {
			jobLogger.Error("failed to settle job after run error", logging.Error(err))
		}
	}
	if err := delivery.Ack(); err != nil {
		jobLogger.Error("ack failed", logging.Error(err))
	}
}

var errLeaseLost = errors.New("lease lost")

// lease moves the job from queued to running. A false result means the job
// was not queued anymore, which is the normal fate of duplicate messages.
func (p *Pool) lease(ctx context.Context, jobID string) (bool, error) {
	_, err := p.store.Update(ctx, jobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusQueued {
			return errLeaseLost
		}
		j.Status = jobs.StatusRunning
		return nil
	})
	if errors.Is(err, errLeaseLost) || errors.Is(err, jobs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// runGuarded runs the job and converts a panic into a failed settlement so
// one bad job cannot take the slot down.
func (p *Pool) runGuarded(ctx context.Context, logger *slog.Logger, jobID string) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("panic while running job",
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
		err = p.settlePanicked(ctx, jobID, r)
	}()
	return p.runner.Run(ctx, jobID)
}

func (p *Pool) settlePanicked(ctx context.Context, jobID string, cause any) error {
	return p.settleStranded(ctx, jobID, fmt.Sprintf("panic: %v", cause))
}

// settleStranded marks a job still in running as failed with the given
// message. The executor settles jobs it can reach; when it errors out of the
// run instead, the record would otherwise sit in running until the next
// daemon start.
func (p *Pool) settleStranded(ctx context.Context, jobID, message string) error {
	settled := false
	_, err := p.store.Update(ctx, jobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusRunning {
			return nil
		}
		j.SetFailed(j.Stage, message, j.Attempts[j.Stage])
		settled = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle stranded job: %w", err)
	}
	if settled {
		p.metrics.RecordSettled(string(jobs.StatusFailed))
	}
	return nil
}
