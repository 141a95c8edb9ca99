// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// The Prometheus implementation exposes them for scraping; tests use InMemoryRecorder.
type Recorder interface {
	// HTTP surface
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)

	// ARM traffic, by operation name and outcome ("ok" or the HTTP status / "error").
	ObserveARMRequest(operation, outcome string, duration time.Duration)

	// Billing outcomes
	IncPurchase(outcome string)    // "success", "product_not_found", "failed", "compensated"
	IncStateChange(state string)   // target state
	IncKeyRotation(keyType string) // "primary" or "secondary"
	IncUserLookup(outcome string)  // "found", "absent", "failed"
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
