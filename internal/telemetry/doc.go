// Package telemetry exposes the daemon's prometheus collectors: settled-job
// and retry counters plus a stage duration histogram. All methods are
// nil-receiver safe so components can treat metrics as optional.
package telemetry
