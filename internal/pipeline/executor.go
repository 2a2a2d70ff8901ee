package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/artifacts"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/services"
	"loom/internal/services/remote"
	"loom/internal/telemetry"
)

// ExecutorConfig wires the executor's collaborators. Store and Stages are
// required; the rest degrade to no-ops when absent.
type ExecutorConfig struct {
	Store     jobs.Store
	Stages    []Stage
	Artifacts *artifacts.Store
	Notifier  notify.Notifier
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Executor runs a leased job through the ordered stage list and settles it.
type Executor struct {
	store     jobs.Store
	stages    []Stage
	artifacts *artifacts.Store
	notifier  notify.Notifier
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	notifyWG sync.WaitGroup
}

// NewExecutor validates the stage list and builds an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("executor requires a job store")
	}
	if len(cfg.Stages) == 0 {
		return nil, errors.New("executor requires at least one stage")
	}
	seen := make(map[string]struct{}, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		if stage.Name == "" || stage.Run == nil {
			return nil, fmt.Errorf("stage %q is incomplete", stage.Name)
		}
		if _, dup := seen[stage.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", stage.Name)
		}
		seen[stage.Name] = struct{}{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Executor{
		store:     cfg.Store,
		stages:    cfg.Stages,
		artifacts: cfg.Artifacts,
		notifier:  notifier,
		metrics:   cfg.Metrics,
		logger:    logging.NewComponentLogger(cfg.Logger, "pipeline"),
	}, nil
}

// Run drives one leased job to a terminal status. It returns an error only
// when the run could not settle the job: context cancellation leaves the
// record running for the startup sweep to reclaim, and store failures
// surface to the worker. A job failing on its own terms settles to failed
// and returns nil.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	ctx = services.WithJobID(ctx, jobID)
	logger := e.logger.With(slog.String(logging.FieldJobID, jobID))

	for index, stage := range e.stages {
		job, err := e.store.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load job before stage %s: %w", stage.Name, err)
		}
		if job.Status != jobs.StatusRunning {
			logger.Warn("job no longer running, abandoning pipeline", slog.String("status", string(job.Status)))
			return nil
		}

		// Cancellation is honored only between stages.
		if job.CancelRequested {
			return e.settleCancelled(ctx, logger, jobID)
		}

		if _, done := job.Outputs[stage.Name]; done {
			logger.Debug("skipping stage with recorded output", slog.String(logging.FieldStage, stage.Name))
			continue
		}

		if err := e.runStage(ctx, logger, job, index, stage); err != nil {
			return err
		}
	}

	return e.settleCompleted(ctx, logger, jobID)
}

// Flush blocks until all in-flight webhook deliveries have finished.
func (e *Executor) Flush() {
	e.notifyWG.Wait()
}

func (e *Executor) runStage(ctx context.Context, logger *slog.Logger, job *jobs.Job, index int, stage Stage) error {
	ctx = services.WithStage(ctx, stage.Name)
	stageLogger := logger.With(slog.String(logging.FieldStage, stage.Name))
	startProgress := e.progressAt(index)
	if job.Progress > startProgress {
		startProgress = job.Progress
	}

	current, err := e.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		j.SetRunning(stage.Name, startProgress)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark stage %s running: %w", stage.Name, err)
	}

	stageLogger.Info("stage started",
		slog.String(logging.FieldEventType, "stage_start"),
		slog.Int("progress", current.Progress))
	started := time.Now()

	var ref string
	attempts, runErr := remote.Retry(ctx, stage.Policy, func(ctx context.Context, attempt int) error {
		updated, err := e.store.Update(ctx, job.ID, func(j *jobs.Job) error {
			j.RecordAttempt(stage.Name)
			return nil
		})
		if err != nil {
			return err
		}
		if attempt > 1 {
			e.metrics.RecordRetry(stage.Name)
			stageLogger.Info("retrying stage", slog.Int("attempt", attempt))
		}

		ref, err = stage.Run(ctx, Request{
			JobID:   job.ID,
			Payload: updated.Payload,
			Outputs: updated.Outputs,
		})
		return err
	})

	elapsed := time.Since(started)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Shutdown mid-stage: leave the record running so the next
			// daemon start reclaims and requeues it.
			stageLogger.Debug("stage interrupted by shutdown")
			return ctxErr
		}
		e.metrics.ObserveStage(stage.Name, "failed", elapsed)
		return e.settleFailed(ctx, stageLogger, job.ID, stage.Name, runErr)
	}

	e.metrics.ObserveStage(stage.Name, "ok", elapsed)
	if _, err := e.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		j.RecordOutput(stage.Name, ref)
		return nil
	}); err != nil {
		return fmt.Errorf("record output for stage %s: %w", stage.Name, err)
	}

	stageLogger.Info("stage finished",
		slog.String(logging.FieldEventType, "stage_done"),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed))
	return nil
}

func (e *Executor) settleCompleted(ctx context.Context, logger *slog.Logger, jobID string) error {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	final := job.Outputs[e.stages[len(e.stages)-1].Name]
	locator := final
	if e.artifacts != nil {
		saved, err := e.artifacts.Save(ctx, jobID, strings.TrimPrefix(final, "file://"))
		if err != nil {
			return e.settleFailed(ctx, logger, jobID, e.stages[len(e.stages)-1].Name,
				fmt.Errorf("store final artifact: %w", err))
		}
		locator = saved
	}

	settled, err := e.store.Update(ctx, jobID, func(j *jobs.Job) error {
		j.SetCompleted(locator)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	e.metrics.RecordSettled(string(jobs.StatusCompleted))
	logger.Info("job completed",
		slog.String(logging.FieldEventType, "job_completed"),
		slog.String("result", locator))
	e.dispatchNotification(settled)
	return nil
}

func (e *Executor) settleFailed(ctx context.Context, logger *slog.Logger, jobID, stage string, cause error) error {
	settled, err := e.store.Update(ctx, jobID, func(j *jobs.Job) error {
		j.SetFailed(stage, cause.Error(), j.Attempts[stage])
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	e.metrics.RecordSettled(string(jobs.StatusFailed))
	logger.Error("job failed",
		slog.String(logging.FieldEventType, "job_failed"),
		slog.String(logging.FieldStage, stage),
		logging.Error(cause))
	e.dispatchNotification(settled)
	return nil
}

func (e *Executor) settleCancelled(ctx context.Context, logger *slog.Logger, jobID string) error {
	settled, err := e.store.Update(ctx, jobID, func(j *jobs.Job) error {
		j.SetCancelled()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}

	e.metrics.RecordSettled(string(jobs.StatusCancelled))
	logger.Info("job cancelled between stages", slog.String(logging.FieldEventType, "job_cancelled"))
	e.dispatchNotification(settled)
	return nil
}

// dispatchNotification fires the settlement webhook without blocking the
// worker slot. Delivery trouble is handled inside the notifier.
func (e *Executor) dispatchNotification(job *jobs.Job) {
	endpoint := job.WebhookURL()
	if endpoint == "" {
		return
	}
	event := notify.EventForJob(job)

	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		ctx = services.WithRequestID(ctx, uuid.NewString())
		if err := e.notifier.Notify(ctx, endpoint, event); err != nil {
			e.logger.Warn("settlement webhook undelivered",
				slog.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}()
}

// progressAt returns the percentage reached when the stage at index begins,
// derived from the static weight table.
func (e *Executor) progressAt(index int) int {
	total := 0
	for _, stage := range e.stages {
		total += stageWeight(stage)
	}
	done := 0
	for i := 0; i < index; i++ {
		done += stageWeight(e.stages[i])
	}
	return done * 100 / total
}

func stageWeight(stage Stage) int {
	if stage.Weight <= 0 {
		return 1
	}
	return stage.Weight
}
