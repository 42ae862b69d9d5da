package domain

// RegisterRequest is sent to the core API when the agent announces itself
// for its server record.
type RegisterRequest struct {
	AgentURL string `json:"agent_url"`
	Version  string `json:"version"`
}

// Event is the webhook envelope for everything the agent reports upstream:
// telemetry, health transitions, and command results.
type Event struct {
	Event    string `json:"event"`
	ServerID int    `json:"server_id"`
	Data     any    `json:"data,omitempty"`
}

// Event names understood by the core API webhook.
const (
	EventMetrics          = "metrics"
	EventXrayStopped      = "xray_stopped"
	EventXrayDegraded     = "xray_degraded"
	EventXrayRecovered    = "xray_recovered"
	EventCommandCompleted = "command_completed"
	EventCommandFailed    = "command_failed"
)

// AgentStatus is the authenticated status view of a running agent.
type AgentStatus struct {
	ServerID      int          `json:"server_id"`
	Version       string       `json:"version"`
	Health        HealthStatus `json:"health"`
	XrayRunning   bool         `json:"xray_running"`
	UsersCount    int          `json:"users_count"`
	QueueDepth    int          `json:"queue_depth"`
	Registered    bool         `json:"registered"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	LastMetricsAt string       `json:"last_metrics_at,omitempty"`
}
