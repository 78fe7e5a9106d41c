package pool

import (
	"time"
)

// Status classifies an endpoint's recent behavior.
type Status int

const (
	// StatusHealthy means the last interaction succeeded.
	StatusHealthy Status = iota
	// StatusDegraded means recent failures, fewer than the Down threshold.
	StatusDegraded
	// StatusDown means three or more consecutive failures. Down endpoints
	// are still retried once their cooldown expires.
	StatusDown
)

// downThreshold is the consecutive-failure count at which an endpoint is
// considered Down rather than Degraded.
const downThreshold = 3

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText makes Status render as its name in JSON health reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndpointHealth is the pool's bookkeeping for one endpoint URL.
// Status() hands out copies; the pool's own map entries are mutated only
// under the pool mutex.
type EndpointHealth struct {
	URL               string    `json:"url"`
	Status            Status    `json:"status"`
	FailCount         int       `json:"failCount"`
	LastError         string    `json:"lastError,omitempty"`
	LastErrorTime     time.Time `json:"lastErrorTime,omitempty"`
	LastSuccessTime   time.Time `json:"lastSuccessTime,omitempty"`
	NextAvailableTime time.Time `json:"nextAvailableTime,omitempty"`
}

// available reports whether the endpoint may be tried at the given instant:
// its cooldown has expired. Status is a reporting classification only; a
// Down endpoint is dialed again once its cooldown passes, so connect-path
// recovery never has to wait for the background prober.
func (h *EndpointHealth) available(now time.Time) bool {
	return !h.NextAvailableTime.After(now)
}

// cooldownFor computes the exponential backoff after the given consecutive
// failure count: min(2^failCount * base, max).
func cooldownFor(failCount int, base, max time.Duration) time.Duration {
	if failCount > 20 {
		failCount = 20 // past this the shift overflows and max wins anyway
	}
	cd := base * time.Duration(1<<uint(failCount))
	if cd > max || cd <= 0 {
		cd = max
	}
	return cd
}
