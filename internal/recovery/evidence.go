package recovery

import (
	"threatguard/internal/model"
)

const topSources = 5

// requestSnapshot captures the request context the event carried. Header
// values are kept as reported; payloads are truncated.
func requestSnapshot(ev model.SecurityEvent) map[string]any {
	snap := map[string]any{
		"kind":      string(ev.Kind),
		"client_ip": ev.ClientIP,
		"timestamp": ev.Timestamp,
	}
	if ev.UserID != "" {
		snap["user_id"] = ev.UserID
	}
	if ev.SessionID != "" {
		snap["session_id"] = ev.SessionID
	}
	if ev.Geolocation != "" {
		snap["geolocation"] = ev.Geolocation
	}
	if v := ev.Endpoint(); v != "" {
		snap["endpoint"] = v
	}
	if v := ev.Method(); v != "" {
		snap["method"] = v
	}
	if v := ev.UserAgent(); v != "" {
		snap["user_agent"] = v
	}
	if h := ev.Headers(); len(h) > 0 {
		snap["headers"] = h
	}
	if code, ok := ev.StatusCode(); ok {
		snap["status_code"] = code
	}
	if p, ok := ev.Metadata[model.MetaPayload].(string); ok && p != "" {
		if len(p) > 512 {
			p = p[:512]
		}
		snap["payload"] = p
	}
	if v := ev.FileRef(); v != "" {
		snap["file_ref"] = v
	}
	return snap
}

func (o *Orchestrator) collectEvidence(ev model.SecurityEvent, a model.ThreatAssessment) []model.Evidence {
	now := o.now()
	out := []model.Evidence{
		{Type: "request_snapshot", CollectedAt: now, Data: requestSnapshot(ev)},
		{Type: "assessment", CollectedAt: now, Data: map[string]any{
			"risk_score": a.RiskScore,
			"confidence": a.Confidence,
			"reason":     a.Reason,
			"patterns":   append([]string(nil), a.MatchedPatterns...),
			"anomalies":  append([]string(nil), a.Anomalies...),
			"fallback":   a.Fallback,
		}},
	}
	if o.profiles != nil && o.profileKey != nil {
		if p, ok := o.profiles.Get(o.profileKey(ev)); ok {
			out = append(out, model.Evidence{Type: "profile_snapshot", CollectedAt: now, Data: map[string]any{
				"key":           p.Key,
				"first_seen":    p.FirstSeen,
				"request_count": p.RequestCount,
				"error_count":   p.ErrorCount,
				"success_rate":  p.SuccessRate(),
				"avg_interval":  p.AvgInterval.String(),
				"geolocations":  p.Geolocations,
				"user_agents":   p.UserAgents,
				"risk_score":    p.RiskScore,
				"status":        string(p.Status),
			}})
		}
	}
	if o.stats != nil {
		s := o.stats.Snapshot(topSources)
		out = append(out, model.Evidence{Type: "threat_statistics", CollectedAt: now, Data: map[string]any{
			"events":      s.Events,
			"by_kind":     s.ByKind,
			"by_level":    s.ByLevel,
			"auto_blocks": s.AutoBlocks,
			"fallbacks":   s.Fallbacks,
			"top_sources": s.TopSourceIPs,
		}})
	}
	return out
}
