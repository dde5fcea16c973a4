// Package quota implements the admission control engine that protects
// the public booking API from abuse.
//
// The Coordinator is the single entry point, called once per inbound
// request before business-logic dispatch. It resolves the key's tier,
// evaluates the tier's rules in order against the sliding-window limiter,
// concurrency guard, and bandwidth window, and returns a structured
// AdmissionDecision. The first failing rule short-circuits evaluation.
//
// The engine fails open: a counter-store outage degrades quota
// enforcement, never availability of the protected API. No error escapes
// to the caller; every code path terminates in a valid decision.
package quota
