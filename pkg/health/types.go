// Package health provides a composable health checking framework: a
// Probe interface, concrete probes for the durable and ephemeral
// stores, and an Aggregator that combines probe results into an
// overall status for the /health endpoint.
package health

import "time"

// Status represents the overall health status.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// ProbeResult contains the result of a single health probe check.
type ProbeResult struct {
	Name    string        // Probe name
	Healthy bool          // Whether the probe succeeded
	Latency time.Duration // Time taken to perform the check
	Error   error         // Error if probe failed
}

// HealthStatus contains the aggregated health status from all probes.
type HealthStatus struct {
	Status    Status        // Overall status
	Probes    []ProbeResult // Individual probe results
	CheckedAt time.Time     // When the check was performed
}
