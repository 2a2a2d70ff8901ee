// Package daemon assembles the processing stack and runs it as a single
// long-lived process. Start takes a file lock so only one instance touches
// the data directory, reclaims jobs a dead process left running, republishes
// queued records whose messages were lost, and then runs the worker pool
// alongside a periodic retention sweep until shutdown.
package daemon
