package model

import "time"

type IncidentState string

const (
	IncidentCreated    IncidentState = "created"
	IncidentResponding IncidentState = "responding"
	IncidentEscalated  IncidentState = "escalated"
	IncidentResolved   IncidentState = "resolved"
	IncidentFailed     IncidentState = "failed"
)

func (s IncidentState) Terminal() bool {
	return s == IncidentEscalated || s == IncidentResolved || s == IncidentFailed
}

type Evidence struct {
	Type        string         `json:"type"`
	CollectedAt time.Time      `json:"collected_at"`
	Data        map[string]any `json:"data"`
}

// SecurityIncident records one detection-and-response cycle. The recovery
// orchestrator owns it while the cycle runs; stores keep copies.
type SecurityIncident struct {
	ID              string                 `json:"id"`
	State           IncidentState          `json:"state"`
	Kind            EventKind              `json:"kind"`
	Level           ThreatLevel            `json:"level"`
	Severity        Severity               `json:"severity"`
	Timestamp       time.Time              `json:"timestamp"`
	SourceIP        string                 `json:"source_ip"`
	AffectedUser    string                 `json:"affected_user,omitempty"`
	Endpoint        string                 `json:"endpoint,omitempty"`
	RequestSnapshot map[string]any         `json:"request_snapshot,omitempty"`
	Actions         []RecoveryActionResult `json:"actions"`
	FollowUps       []SecurityAction       `json:"follow_ups,omitempty"`
	Resolution      string                 `json:"resolution"`
	Tags            []string               `json:"tags,omitempty"`
	Techniques      []string               `json:"techniques,omitempty"`
	Evidence        []Evidence             `json:"evidence,omitempty"`
	Workflow        string                 `json:"workflow,omitempty"`
	CompletedAt     time.Time              `json:"completed_at,omitempty"`
}

func (i *SecurityIncident) Clone() SecurityIncident {
	out := *i
	out.Actions = append([]RecoveryActionResult(nil), i.Actions...)
	out.FollowUps = append([]SecurityAction(nil), i.FollowUps...)
	out.Tags = append([]string(nil), i.Tags...)
	out.Techniques = append([]string(nil), i.Techniques...)
	out.Evidence = append([]Evidence(nil), i.Evidence...)
	if i.RequestSnapshot != nil {
		out.RequestSnapshot = make(map[string]any, len(i.RequestSnapshot))
		for k, v := range i.RequestSnapshot {
			out.RequestSnapshot[k] = v
		}
	}
	return out
}

func (i *SecurityIncident) AddTag(tag string) {
	for _, t := range i.Tags {
		if t == tag {
			return
		}
	}
	i.Tags = append(i.Tags, tag)
}

func (i *SecurityIncident) FailedActions() int {
	n := 0
	for _, a := range i.Actions {
		if !a.Success {
			n++
		}
	}
	return n
}
