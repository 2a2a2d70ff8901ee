// Package jobs persists render job records and enforces their lifecycle.
//
// The Store is the single source of truth for job state; queue messages only
// reference it. All mutation goes through Update, which runs the caller's
// mutator under a per-id lock and validates the result against the record
// invariants: status moves forward only (created -> queued -> running ->
// completed/failed, cancelled from any non-terminal state, failed -> queued
// on explicit retry), progress never decreases while non-terminal, result is
// set exactly when completed and error exactly when failed. Violations
// surface as ErrConflict.
//
// Two backends exist: SQLite for durable multi-worker operation and an
// in-memory map for tests. Stage outputs are persisted onto the record as
// stages finish so a re-enqueued job resumes where it left off.
package jobs
