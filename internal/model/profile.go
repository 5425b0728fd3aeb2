package model

import "time"

type ProfileStatus string

const (
	ProfileNormal     ProfileStatus = "normal"
	ProfileSuspicious ProfileStatus = "suspicious"
	ProfileBlocked    ProfileStatus = "blocked"
)

// ClientProfile is a read-only snapshot of a client's behavior profile.
type ClientProfile struct {
	Key            string         `json:"key"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	RequestCount   int            `json:"request_count"`
	ErrorCount     int            `json:"error_count"`
	AvgInterval    time.Duration  `json:"avg_interval"`
	LastInterval   time.Duration  `json:"last_interval"`
	Geolocations   []string       `json:"geolocations,omitempty"`
	UserAgents     []string       `json:"user_agents,omitempty"`
	EndpointCounts map[string]int `json:"endpoint_counts,omitempty"`
	RiskScore      int            `json:"risk_score"`
	Status         ProfileStatus  `json:"status"`
}

func (p ClientProfile) SuccessRate() float64 {
	if p.RequestCount == 0 {
		return 1
	}
	return float64(p.RequestCount-p.ErrorCount) / float64(p.RequestCount)
}

func (p ClientProfile) HasGeolocation(geo string) bool {
	for _, g := range p.Geolocations {
		if g == geo {
			return true
		}
	}
	return false
}

func (p ClientProfile) HasUserAgent(ua string) bool {
	for _, u := range p.UserAgents {
		if u == ua {
			return true
		}
	}
	return false
}
