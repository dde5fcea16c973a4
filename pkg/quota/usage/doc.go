// Package usage aggregates per-key usage counters and serves the
// analytics read API (summaries, endpoint breakdowns, time series).
//
// The write path batches six to eight counter increments into a single
// store round trip and is dispatched off the request path through a
// bounded async recorder: a slow analytics write never delays admission,
// and when the queue is full the oldest pending write is dropped rather
// than blocking.
//
// Counters are monotonically increasing within their period and expire
// on their own retention class (hourly 48 h, daily 7 d, monthly 366 d).
// The aggregator is the only writer; analytics readers only read.
package usage
