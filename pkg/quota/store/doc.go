// Package store defines the counter store adapter used by the quota
// engine, together with its Redis and in-memory implementations.
//
// All coordination state (sliding windows, in-flight counters, usage
// rollups, violation lists) lives in the counter store. The engine never
// touches storage except through the CounterStore interface, and
// correctness of the compound operations depends on the store executing
// them atomically with respect to concurrent checkers on the same key.
package store
