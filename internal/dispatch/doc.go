// Package dispatch queues jobs for the worker pool. The Dispatcher guards
// every publish with a record-store transition (created or failed to queued),
// which makes enqueueing idempotent and keeps the store authoritative; queue
// messages carry only the job id. Two backends exist: a bounded in-process
// channel for single-node deployments and an AMQP queue with manual
// acknowledgement for setups where the broker must survive the daemon.
package dispatch
