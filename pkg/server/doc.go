// Package server exposes gatekeeper's HTTP surface: the admission check
// endpoint for out-of-process callers, the analytics read API consumed
// by account dashboards, and the operational endpoints (/healthz,
// /metrics).
//
// The booking API's routing layer normally calls the Coordinator
// in-process; the admission endpoint here serves sidecar deployments
// where the routing layer lives in another process.
package server
