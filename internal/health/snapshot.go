package health

import "time"

// Status is the overall verdict of a snapshot.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ServiceStatus is the outcome of a single probe.
type ServiceStatus string

const (
	ServiceUp       ServiceStatus = "up"
	ServiceDegraded ServiceStatus = "degraded"
	ServiceDown     ServiceStatus = "down"
)

type ServiceHealth struct {
	Name                string        `json:"name"`
	Status              ServiceStatus `json:"status"`
	ResponseTimeMs      int64         `json:"responseTime"`
	Error               string        `json:"error,omitempty"`
	LastCheck           time.Time     `json:"lastCheck"`
	ConsecutiveFailures int           `json:"consecutiveFailures,omitempty"`
}

// Snapshot is one point-in-time health verdict.
type Snapshot struct {
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []ServiceHealth `json:"services"`
	Uptime    int64           `json:"uptime"`
	Version   string          `json:"version"`
}

// DeriveStatus is the fixed rule: two or more services down is unhealthy,
// any down or degraded service is degraded, otherwise healthy.
func DeriveStatus(services []ServiceHealth) Status {
	down, degraded := 0, 0
	for _, s := range services {
		switch s.Status {
		case ServiceDown:
			down++
		case ServiceDegraded:
			degraded++
		}
	}
	switch {
	case down >= 2:
		return StatusUnhealthy
	case down > 0 || degraded > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func (s ServiceStatus) gauge() float64 {
	switch s {
	case ServiceUp:
		return 2
	case ServiceDegraded:
		return 1
	}
	return 0
}
