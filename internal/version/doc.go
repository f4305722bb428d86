// Package version exposes build metadata injected via ldflags and a cobra
// subcommand to print it.
package version
