// Package main hosts the loom CLI entrypoint and command graph.
//
// The Cobra-based command tree covers job submission, queue control,
// inspection, and configuration scaffolding. Commands talk to the shared
// job database directly and to the queue backend for handoff to a running
// daemon. It centralizes configuration resolution and logging setup so
// subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
