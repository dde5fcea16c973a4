// Package tier defines subscription tiers, their quota rules, and tier
// resolution for API keys.
//
// A Tier maps to an ordered list of limit rules (requests per window,
// concurrent requests, bandwidth). The Registry holds the validated,
// immutable rule tables constructed at startup. The Resolver maps an API
// key identifier to its tier through a short-lived cache backed by the
// authoritative account store.
package tier
