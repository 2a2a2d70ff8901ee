// Package worker hosts the fixed pool of slots that consume queue messages.
// Each slot dequeues, takes the lease by moving the record from queued to
// running, runs the pipeline, and acknowledges the message afterwards.
// Duplicate messages lose the lease race and are dropped; panics settle the
// job as failed without killing the slot.
package worker
