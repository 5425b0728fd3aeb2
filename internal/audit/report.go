package audit

import (
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"threatguard/internal/model"
)

// Detail keys written by the recovery orchestrator on incident entries.
const (
	DetailIncidentID = "incident_id"
	DetailResolution = "resolution"
	DetailResponseMs = "response_ms"
	DetailState      = "state"
	DetailKind       = "kind"
)

type ResponseStats struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	MaxMs  float64 `json:"max_ms"`
}

type ComplianceReport struct {
	Start               time.Time       `json:"start"`
	End                 time.Time       `json:"end"`
	GeneratedAt         time.Time       `json:"generated_at"`
	TotalEntries        int             `json:"total_entries"`
	TotalIncidents      int             `json:"total_incidents"`
	IncidentsBySeverity map[string]int  `json:"incidents_by_severity"`
	IncidentsByState    map[string]int  `json:"incidents_by_state"`
	IncidentsByKind     map[string]int  `json:"incidents_by_kind"`
	RecoveryActions     int             `json:"recovery_actions"`
	FailedActions       int             `json:"failed_actions"`
	ActionsByName       map[string]int  `json:"actions_by_name"`
	SystemFailures      int             `json:"system_failures"`
	ResponseTime        ResponseStats   `json:"response_time"`
	RecoverySuccessRate float64         `json:"recovery_success_rate"`
	Integrity           IntegrityReport `json:"integrity"`
}

// ComplianceReport aggregates entries in [start, end]. The recovery success
// rate is the share of incidents whose resolution does not mention
// "failed"; it is 1 when there were no incidents.
func (l *Log) ComplianceReport(start, end time.Time) ComplianceReport {
	entries := l.Query(start, end)
	rep := ComplianceReport{
		Start:               start,
		End:                 end,
		GeneratedAt:         l.now(),
		TotalEntries:        len(entries),
		IncidentsBySeverity: make(map[string]int),
		IncidentsByState:    make(map[string]int),
		IncidentsByKind:     make(map[string]int),
		ActionsByName:       make(map[string]int),
		RecoverySuccessRate: 1,
		Integrity:           l.VerifyIntegrity(),
	}
	var responses []float64
	succeeded := 0
	for _, e := range entries {
		switch e.EventType {
		case model.AuditIncident:
			rep.TotalIncidents++
			rep.IncidentsBySeverity[string(e.Severity)]++
			if s, ok := e.Details[DetailState].(string); ok {
				rep.IncidentsByState[s]++
			}
			if k, ok := e.Details[DetailKind].(string); ok {
				rep.IncidentsByKind[k]++
			}
			res, _ := e.Details[DetailResolution].(string)
			if !strings.Contains(strings.ToLower(res), "failed") {
				succeeded++
			}
			if ms, ok := toFloat(e.Details[DetailResponseMs]); ok {
				responses = append(responses, ms)
			}
		case model.AuditRecoveryAction:
			rep.RecoveryActions++
			rep.ActionsByName[e.Action]++
			if e.Outcome == model.OutcomeFailure {
				rep.FailedActions++
			}
		case model.AuditSystemEvent:
			if e.Outcome == model.OutcomeFailure {
				rep.SystemFailures++
			}
		}
	}
	if rep.TotalIncidents > 0 {
		rep.RecoverySuccessRate = float64(succeeded) / float64(rep.TotalIncidents)
	}
	rep.ResponseTime = responseStats(responses)
	return rep
}

func responseStats(values []float64) ResponseStats {
	if len(values) == 0 {
		return ResponseStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return ResponseStats{
		Count:  len(sorted),
		MeanMs: stat.Mean(sorted, nil),
		P50Ms:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95Ms:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
		MaxMs:  sorted[len(sorted)-1],
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
