// Package main hosts the loom daemon entrypoint.
//
// The binary resolves configuration, then hands off to internal/daemon,
// which owns the job store, queue backend, worker pool, and background
// maintenance loops. Keep this package to flag parsing and process exit
// codes; behavior belongs in the internal packages.
package main
