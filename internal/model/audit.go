package model

import "time"

type AuditEventType string

const (
	AuditIncident       AuditEventType = "incident"
	AuditRecoveryAction AuditEventType = "recovery_action"
	AuditSystemEvent    AuditEventType = "system_event"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// AuditEntry is immutable once appended; Hash covers every other field.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"`
	Action    string         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}
