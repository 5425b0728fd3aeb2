package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ThreatLevel is ordinal: suspicious < moderate < high < severe < critical.
type ThreatLevel int

const (
	LevelSuspicious ThreatLevel = iota
	LevelModerate
	LevelHigh
	LevelSevere
	LevelCritical
)

var levelNames = [...]string{"suspicious", "moderate", "high", "severe", "critical"}

func (l ThreatLevel) String() string {
	if l < LevelSuspicious || l > LevelCritical {
		return "unknown"
	}
	return levelNames[l]
}

func (l ThreatLevel) AtLeast(other ThreatLevel) bool {
	return l >= other
}

func ParseThreatLevel(s string) (ThreatLevel, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == n {
			return ThreatLevel(i), nil
		}
	}
	return LevelSuspicious, fmt.Errorf("unknown threat level %q", s)
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseThreatLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Severity maps a threat level onto the audit severity scale.
func (l ThreatLevel) Severity() Severity {
	switch l {
	case LevelCritical, LevelSevere:
		return SeverityCritical
	case LevelHigh:
		return SeverityHigh
	case LevelModerate:
		return SeverityMedium
	}
	return SeverityLow
}

type SecurityAction string

const (
	ActionMonitor            SecurityAction = "monitor"
	ActionLog                SecurityAction = "log"
	ActionRateLimit          SecurityAction = "rate_limit"
	ActionTemporaryBlock     SecurityAction = "temporary_block"
	ActionPermanentBlock     SecurityAction = "permanent_block"
	ActionAccountLockout     SecurityAction = "account_lockout"
	ActionTerminateSession   SecurityAction = "terminate_session"
	ActionQuarantineFile     SecurityAction = "quarantine_file"
	ActionEscalateSecurity   SecurityAction = "escalate_security"
	ActionRequireMFA         SecurityAction = "require_mfa"
	ActionEnhancedMonitoring SecurityAction = "enhanced_monitoring"
)

var allActions = []SecurityAction{
	ActionMonitor,
	ActionLog,
	ActionRateLimit,
	ActionTemporaryBlock,
	ActionPermanentBlock,
	ActionAccountLockout,
	ActionTerminateSession,
	ActionQuarantineFile,
	ActionEscalateSecurity,
	ActionRequireMFA,
	ActionEnhancedMonitoring,
}

func AllActions() []SecurityAction {
	out := make([]SecurityAction, len(allActions))
	copy(out, allActions)
	return out
}

// ParseAction reports whether s names a known action.
func ParseAction(s string) (SecurityAction, bool) {
	n := SecurityAction(strings.ToLower(strings.TrimSpace(s)))
	for _, a := range allActions {
		if a == n {
			return a, true
		}
	}
	return "", false
}

// Critical actions abort a workflow when they fail.
func (a SecurityAction) Critical() bool {
	return a == ActionPermanentBlock || a == ActionEscalateSecurity
}

// Anomaly flags raised by the assessment engine.
const (
	AnomalyNewClient        = "new_client"
	AnomalyUnusualFrequency = "unusual_frequency"
	AnomalyGeographical     = "geographical_anomaly"
	AnomalyUserAgentChange  = "user_agent_change"
	AnomalyHighErrorRate    = "high_error_rate"
)

type ThreatAssessment struct {
	Level                ThreatLevel    `json:"level"`
	Action               SecurityAction `json:"action"`
	Reason               string         `json:"reason"`
	Confidence           float64        `json:"confidence"`
	AutoBlock            bool           `json:"auto_block"`
	BlockDuration        time.Duration  `json:"block_duration,omitempty"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	RecommendedActions   []string       `json:"recommended_actions,omitempty"`
	RiskScore            int            `json:"risk_score"`
	MatchedPatterns      []string       `json:"matched_patterns,omitempty"`
	Anomalies            []string       `json:"anomalies,omitempty"`
	Fallback             bool           `json:"fallback,omitempty"`
}

// PermanentBlock reports whether an auto block should never expire.
func (a ThreatAssessment) PermanentBlock() bool {
	return a.AutoBlock && a.BlockDuration == 0
}

// Clone returns a copy that shares no slices with a.
func (a ThreatAssessment) Clone() ThreatAssessment {
	a.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	a.MatchedPatterns = append([]string(nil), a.MatchedPatterns...)
	a.Anomalies = append([]string(nil), a.Anomalies...)
	return a
}

func FallbackAssessment(reason string) ThreatAssessment {
	return ThreatAssessment{
		Level:                LevelModerate,
		Action:               ActionMonitor,
		Reason:               reason,
		Confidence:           0.1,
		AutoBlock:            false,
		RequiresManualReview: true,
		RiskScore:            50,
		Fallback:             true,
	}
}

type RecoveryActionResult struct {
	Action     SecurityAction   `json:"action"`
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	Target     string           `json:"target,omitempty"`
	ExecutedAt time.Time        `json:"executed_at"`
	Duration   time.Duration    `json:"duration,omitempty"`
	FollowUp   []SecurityAction `json:"follow_up,omitempty"`
}

type LimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Count     int       `json:"count"`
}
