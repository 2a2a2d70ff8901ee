// Package config loads, validates, and normalizes loom configuration.
//
// Configuration lives in a TOML file (default ~/.config/loom/config.toml, or
// loom.toml in the working directory). Load layers the file over Default(),
// expands ~ in paths, and rejects unusable values up front so the daemon
// never starts half-configured. A sample config is embedded and written by
// WriteSample.
package config
