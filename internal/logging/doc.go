// Package logging builds slog loggers for loom and standardizes the
// structured field names used across components. Console and JSON handlers
// are supported; output can fan out to stdout and a log file simultaneously.
// WithContext folds job, stage, and correlation identifiers carried on a
// context into logger fields so call sites never repeat them.
package logging
