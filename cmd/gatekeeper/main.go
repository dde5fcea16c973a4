// Gatekeeper is the quota enforcement and usage analytics engine for the
// Bookwell booking API.
//
// It sits between the API's routing layer and business logic, providing:
//   - Multi-window sliding-window rate limiting per API key
//   - Concurrent request and bandwidth accounting
//   - Tier-based policy resolution (free, basic, premium, enterprise)
//   - Usage analytics for account dashboards
//   - Violation logging with an SQLite audit trail
//
// Usage:
//
//	# Start the engine with default configuration
//	gatekeeper run
//
//	# Start with a custom configuration file
//	gatekeeper run --config /path/to/config.yaml
//
//	# Validate a configuration file without starting
//	gatekeeper validate --config /path/to/config.yaml
//
//	# Inspect the effective tier rule tables
//	gatekeeper tiers --format json
//
//	# Show version information
//	gatekeeper version
package main

func main() {
	Execute()
}
