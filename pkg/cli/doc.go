// Package cli provides shared helpers for the gatekeeper command-line
// interface: typed command errors, shutdown signal handling, and output
// formatting for read-only inspection commands.
package cli
