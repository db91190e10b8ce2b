package backend

import "time"

// Group holds the settings shared by every peer of one backend group.
type Group struct {
	Name                   string
	HealthEndpoint         string
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	RequestTimeout         time.Duration
	IdleTimeout            time.Duration
	FailedRequestThreshold int
	RateLimit              float64 // new connections per second, 0 = unlimited
}

// Defaults applied to a Group by WithDefaults.
const (
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 2 * time.Second
	DefaultRequestTimeout      = 5 * time.Second
)

// WithDefaults fills unset durations with their defaults.
func (g Group) WithDefaults() Group {
	if g.HealthCheckInterval <= 0 {
		g.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if g.HealthCheckTimeout <= 0 {
		g.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if g.RequestTimeout <= 0 {
		g.RequestTimeout = DefaultRequestTimeout
	}
	return g
}
