package model

// HealthState is the overall state reported by the health endpoint
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus represents the health check status
type HealthStatus struct {
	Status     HealthState       `json:"status"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}
