package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/jobs"
	"loom/internal/logging"
)

// Message is what travels through the queue. It only references the job
// record; the store stays authoritative for all state.
type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// Delivery is a received message plus its acknowledgement hooks. Ack removes
// the message from the queue; Requeue returns it for another consumer.
type Delivery struct {
	Message Message

	ack     func() error
	requeue func() error
}

// Ack confirms the message was fully handled.
func (d *Delivery) Ack() error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack()
}

// Requeue returns the message to the queue for redelivery.
func (d *Delivery) Requeue() error {
	if d == nil || d.requeue == nil {
		return nil
	}
	return d.requeue()
}

// Result reports what Enqueue did.
type Result int

const (
	// Enqueued means the job moved to queued and a message was published.
	Enqueued Result = iota
	// AlreadyQueued means the job was already queued or running; the call
	// changed nothing the caller needs to act on.
	AlreadyQueued
)

func (r Result) String() string {
	if r == AlreadyQueued {
		return "already queued"
	}
	return "enqueued"
}

// Backend moves messages. Implementations must tolerate duplicate messages
// for the same job; the worker lease makes duplicates harmless.
type Backend interface {
	Publish(ctx context.Context, msg Message) error
	Receive(ctx context.Context, wait time.Duration) (*Delivery, bool, error)
	Close() error
}

// Dispatcher guards the queue backend with the job record store: a message
// is only published once the record has moved to queued, so submit followed
// by enqueue is idempotent.
type Dispatcher struct {
	store   jobs.Store
	backend Backend
	logger  *slog.Logger
}

// NewDispatcher wires a backend to the store guard.
func NewDispatcher(store jobs.Store, backend Backend, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		backend: backend,
		logger:  logging.NewComponentLogger(logger, "dispatch"),
	}
}

var errAlreadySettled = errors.New("already settled in queue")

// Enqueue moves a created or failed job to queued and publishes its message.
// Calling it on a job that is already queued republishes the message (lost
// messages are recoverable that way) and reports AlreadyQueued; on a running
// job it does nothing. Terminal jobs return ErrConflict.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) (Result, error) {
	result := Enqueued
	publish := true

	_, err := d.store.Update(ctx, jobID, func(j *jobs.Job) error {
		switch j.Status {
		case jobs.StatusCreated:
			j.Status = jobs.StatusQueued
		case jobs.StatusFailed:
			// Explicit retry: back into the queue with the failure cleared.
			// Recorded outputs stay, so completed stages are not redone.
			j.Status = jobs.StatusQueued
			j.Stage = ""
			j.Error = nil
		case jobs.StatusQueued:
			result = AlreadyQueued
			return errAlreadySettled
		case jobs.StatusRunning:
			result = AlreadyQueued
			publish = false
			return errAlreadySettled
		default:
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, jobs.ErrConflict)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadySettled) {
		return Enqueued, err
	}

	if publish {
		msg := Message{JobID: jobID, EnqueuedAt: time.Now().UTC(), Attempt: 1}
		if err := d.backend.Publish(ctx, msg); err != nil {
			// The record is already queued; the startup sweep republishes
			// stranded queued jobs, so report the failure without unwinding.
			return result, fmt.Errorf("publish job %s: %w", jobID, err)
		}
		d.logger.Debug("published job message", slog.String(logging.FieldJobID, jobID), slog.String("result", result.String()))
	}
	return result, nil
}

// Dequeue blocks up to wait for the next message. The boolean is false when
// the wait elapsed with nothing to hand out.
func (d *Dispatcher) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, bool, error) {
	return d.backend.Receive(ctx, wait)
}

// Close shuts the backend down.
func (d *Dispatcher) Close() error {
	return d.backend.Close()
}
