// Package logging configures the process-wide structured logger.
//
// All components log through log/slog with a "component" attribute;
// Setup installs the handler selected by configuration as the slog
// default.
package logging
