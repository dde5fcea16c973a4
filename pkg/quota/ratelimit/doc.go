// Package ratelimit implements the admission checkers of the quota
// engine: a sliding-window limiter for time-windowed rules and a
// concurrency guard for in-flight request accounting.
//
// Both checkers are stateless in-process; all coordination state lives
// in the counter store, which executes the compound check sequences
// atomically. Checkers return their raw results and storage errors
// unfiltered; the fail-open policy is applied one level up by the
// admission coordinator.
package ratelimit
