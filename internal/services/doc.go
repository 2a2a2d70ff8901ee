// Package services holds cross-cutting helpers shared by everything that
// calls out of process: the error taxonomy used to classify stage failures
// and context annotation helpers for correlation fields.
//
// Errors are tagged with sentinel markers via Wrap so callers can decide
// retry behavior with errors.Is instead of string matching. Transient errors
// stay inside the retry loop; everything else terminates the job.
package services
