// Package audit provides the security-event sink consumed by the quota
// engine's violation logger.
//
// Sinks are strictly fire-and-forget from the engine's perspective: a
// sink failure is logged and dropped, never surfaced into an admission
// decision. The bundled SQLiteSink persists events to an append-only
// table with scheduled retention pruning.
package audit
