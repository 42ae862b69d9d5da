package domain

import "time"

// UserUsage is a per-user traffic counter pair read from the xray stats API.
type UserUsage struct {
	Email    string `json:"email"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
}

// SystemSnapshot is a point-in-time sample of host-level metrics.
type SystemSnapshot struct {
	Load1   float64 `json:"load"`
	CPUUtil float64 `json:"cpu_util"`
	RAMUtil float64 `json:"ram_util"`
}

// MetricsSample is one telemetry report pushed to the core API.
type MetricsSample struct {
	Timestamp     time.Time   `json:"-"`
	Load          float64     `json:"load"`
	CPUUtil       float64     `json:"cpu_util"`
	RAMUtil       float64     `json:"ram_util"`
	UsersCount    int         `json:"users_count"`
	XrayStatus    bool        `json:"xray_status"`
	UptimeSeconds int64       `json:"uptime"`
	Users         []UserUsage `json:"users,omitempty"`
}
