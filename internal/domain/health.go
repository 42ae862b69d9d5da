package domain

// HealthStatus is the agent's reconciled view of the local xray process.
type HealthStatus string

const (
	// HealthUnknown is the state before the first probe completes.
	HealthUnknown HealthStatus = "unknown"

	// HealthUp means the process is running and its management API responds.
	HealthUp HealthStatus = "up"

	// HealthDown means the process is not running.
	HealthDown HealthStatus = "down"

	// HealthDegraded means the process is running but partially broken,
	// e.g. the management API stopped responding.
	HealthDegraded HealthStatus = "degraded"
)
