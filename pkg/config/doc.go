// Package config defines, loads, and validates the gatekeeper
// configuration.
//
// Configuration comes from a YAML file with defaults applied before
// validation. Validation is startup-fatal: a malformed tier rule table
// must never reach the request path. Per-tier rule overrides support
// hot reload through the fsnotify-based watcher; structural settings
// (store backend, listen address) require a restart.
package config
