package audit

import (
	"context"
)

// Sink receives security events emitted by the quota engine.
//
// Implementations must be safe for concurrent use. RecordSecurityEvent
// is called off the request path; implementations may still be slow
// without affecting admission latency.
type Sink interface {
	// RecordSecurityEvent appends one event. eventType is a stable
	// machine-readable identifier (e.g. "quota_violation"), keyID the
	// affected API key, and details arbitrary structured context.
	RecordSecurityEvent(ctx context.Context, eventType, keyID string, details map[string]any) error

	// Close flushes and releases sink resources.
	Close() error
}

// NopSink discards all events. Used when no audit backend is configured.
type NopSink struct{}

// RecordSecurityEvent implements Sink.
func (NopSink) RecordSecurityEvent(context.Context, string, string, map[string]any) error {
	return nil
}

// Close implements Sink.
func (NopSink) Close() error { return nil }
