// Package pipeline turns a leased job into a terminal one. The executor
// walks the fixed stage order, persisting each stage's artifact reference as
// it lands so an interrupted job resumes instead of restarting, retries
// transient stage failures under the per-stage policy, honors cancellation
// requests at stage boundaries, and settles the record (artifact save,
// webhook, metrics) exactly once.
package pipeline
