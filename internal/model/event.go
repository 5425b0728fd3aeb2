package model

import (
	"strconv"
	"strings"
	"time"
)

type EventKind string

const (
	KindAuthenticationFailed   EventKind = "authentication_failed"
	KindBruteForceAttack       EventKind = "brute_force_attack"
	KindCredentialStuffing     EventKind = "credential_stuffing"
	KindAccountTakeover        EventKind = "account_takeover"
	KindSessionHijacking       EventKind = "session_hijacking"
	KindInvalidToken           EventKind = "invalid_token"
	KindTokenReplay            EventKind = "token_replay"
	KindPrivilegeEscalation    EventKind = "privilege_escalation"
	KindUnauthorizedAccess     EventKind = "unauthorized_access"
	KindSQLInjectionAttempt    EventKind = "sql_injection_attempt"
	KindXSSAttempt             EventKind = "xss_attempt"
	KindCommandInjection       EventKind = "command_injection"
	KindPathTraversal          EventKind = "path_traversal"
	KindCSRFAttempt            EventKind = "csrf_attempt"
	KindXXEAttempt             EventKind = "xxe_attempt"
	KindSSRFAttempt            EventKind = "ssrf_attempt"
	KindLDAPInjection          EventKind = "ldap_injection"
	KindNoSQLInjection         EventKind = "nosql_injection"
	KindTemplateInjection      EventKind = "template_injection"
	KindMaliciousFileUpload    EventKind = "malicious_file_upload"
	KindFileTypeMismatch       EventKind = "file_type_mismatch"
	KindOversizedUpload        EventKind = "oversized_upload"
	KindMalwareDetected        EventKind = "malware_detected"
	KindRateLimitExceeded      EventKind = "rate_limit_exceeded"
	KindDDoSAttempt            EventKind = "ddos_attempt"
	KindSuspiciousTraffic      EventKind = "suspicious_traffic"
	KindBotActivity            EventKind = "bot_activity"
	KindScrapingDetected       EventKind = "scraping_detected"
	KindAPIAbuse               EventKind = "api_abuse"
	KindDataExfiltration       EventKind = "data_exfiltration"
	KindMassDataAccess         EventKind = "mass_data_access"
	KindSuspiciousDownload     EventKind = "suspicious_download"
	KindSuspiciousIP           EventKind = "suspicious_ip"
	KindTorExitNode            EventKind = "tor_exit_node"
	KindGeoAnomaly             EventKind = "geo_anomaly"
	KindMalformedRequest       EventKind = "malformed_request"
	KindProtocolViolation      EventKind = "protocol_violation"
	KindConfigurationTampering EventKind = "configuration_tampering"
	KindAuditLogTampering      EventKind = "audit_log_tampering"
	KindInsiderThreat          EventKind = "insider_threat"
)

// DefaultBaseScore applies to kinds without a descriptor.
const DefaultBaseScore = 50

type KindInfo struct {
	BaseScore  int
	Failure    bool
	Severity   Severity
	Techniques []string
}

var kindTable = map[EventKind]KindInfo{
	KindAuthenticationFailed:   {BaseScore: 40, Failure: true, Severity: SeverityMedium, Techniques: []string{"T1110"}},
	KindBruteForceAttack:       {BaseScore: 80, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1110", "T1110.001"}},
	KindCredentialStuffing:     {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1110.004"}},
	KindAccountTakeover:        {BaseScore: 95, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1078"}},
	KindSessionHijacking:       {BaseScore: 90, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1539", "T1550.004"}},
	KindInvalidToken:           {BaseScore: 35, Failure: true, Severity: SeverityLow, Techniques: []string{"T1528"}},
	KindTokenReplay:            {BaseScore: 75, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1550"}},
	KindPrivilegeEscalation:    {BaseScore: 95, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1068", "T1548"}},
	KindUnauthorizedAccess:     {BaseScore: 70, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1078"}},
	KindSQLInjectionAttempt:    {BaseScore: 90, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1190"}},
	KindXSSAttempt:             {BaseScore: 70, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1189", "T1059.007"}},
	KindCommandInjection:       {BaseScore: 95, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1059", "T1190"}},
	KindPathTraversal:          {BaseScore: 75, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1083", "T1190"}},
	KindCSRFAttempt:            {BaseScore: 60, Failure: true, Severity: SeverityMedium, Techniques: []string{"T1185"}},
	KindXXEAttempt:             {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1190"}},
	KindSSRFAttempt:            {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1190", "T1552.005"}},
	KindLDAPInjection:          {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1190"}},
	KindNoSQLInjection:         {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1190"}},
	KindTemplateInjection:      {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1190", "T1059"}},
	KindMaliciousFileUpload:    {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1105", "T1505.003"}},
	KindFileTypeMismatch:       {BaseScore: 55, Failure: true, Severity: SeverityMedium, Techniques: []string{"T1036.008"}},
	KindOversizedUpload:        {BaseScore: 30, Failure: true, Severity: SeverityLow, Techniques: []string{"T1499"}},
	KindMalwareDetected:        {BaseScore: 95, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1204", "T1105"}},
	KindRateLimitExceeded:      {BaseScore: 30, Failure: true, Severity: SeverityLow, Techniques: []string{"T1499"}},
	KindDDoSAttempt:            {BaseScore: 85, Failure: true, Severity: SeverityHigh, Techniques: []string{"T1498", "T1499"}},
	KindSuspiciousTraffic:      {BaseScore: 45, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1595"}},
	KindBotActivity:            {BaseScore: 40, Failure: false, Severity: SeverityLow, Techniques: []string{"T1595"}},
	KindScrapingDetected:       {BaseScore: 45, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1593", "T1119"}},
	KindAPIAbuse:               {BaseScore: 60, Failure: true, Severity: SeverityMedium, Techniques: []string{"T1499.003"}},
	KindDataExfiltration:       {BaseScore: 100, Failure: false, Severity: SeverityCritical, Techniques: []string{"T1041", "T1567"}},
	KindMassDataAccess:         {BaseScore: 75, Failure: false, Severity: SeverityHigh, Techniques: []string{"T1530", "T1213"}},
	KindSuspiciousDownload:     {BaseScore: 60, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1530"}},
	KindSuspiciousIP:           {BaseScore: 50, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1090"}},
	KindTorExitNode:            {BaseScore: 55, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1090.003"}},
	KindGeoAnomaly:             {BaseScore: 45, Failure: false, Severity: SeverityMedium, Techniques: []string{"T1078"}},
	KindMalformedRequest:       {BaseScore: 35, Failure: true, Severity: SeverityLow, Techniques: []string{"T1190"}},
	KindProtocolViolation:      {BaseScore: 40, Failure: true, Severity: SeverityLow, Techniques: []string{"T1205"}},
	KindConfigurationTampering: {BaseScore: 90, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1562"}},
	KindAuditLogTampering:      {BaseScore: 95, Failure: true, Severity: SeverityCritical, Techniques: []string{"T1070"}},
	KindInsiderThreat:          {BaseScore: 80, Failure: false, Severity: SeverityHigh, Techniques: []string{"T1078", "T1213"}},
}

func LookupKind(kind EventKind) (KindInfo, bool) {
	info, ok := kindTable[kind]
	return info, ok
}

func (k EventKind) Known() bool {
	_, ok := kindTable[k]
	return ok
}

func (k EventKind) BaseScore() int {
	if info, ok := kindTable[k]; ok {
		return info.BaseScore
	}
	return DefaultBaseScore
}

func (k EventKind) Techniques() []string {
	info, ok := kindTable[k]
	if !ok {
		return nil
	}
	out := make([]string, len(info.Techniques))
	copy(out, info.Techniques)
	return out
}

// ParseKind normalizes case and separators; unknown kinds are returned verbatim.
func ParseKind(s string) EventKind {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(n)
	return EventKind(n)
}

func AllKinds() []EventKind {
	out := make([]EventKind, 0, len(kindTable))
	for k := range kindTable {
		out = append(out, k)
	}
	return out
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "informational":
		return SeverityLow, true
	case "medium", "moderate", "warn", "warning":
		return SeverityMedium, true
	case "high", "error":
		return SeverityHigh, true
	case "critical", "fatal", "severe":
		return SeverityCritical, true
	}
	return "", false
}

// Metadata keys understood by the scorer and profiler.
const (
	MetaEndpoint   = "endpoint"
	MetaMethod     = "method"
	MetaPayload    = "payload"
	MetaHeaders    = "headers"
	MetaStatusCode = "status_code"
	MetaFileRef    = "file_ref"
)

// SecurityEvent is produced by upstream scanners and never mutated here.
type SecurityEvent struct {
	Kind        EventKind      `json:"kind"`
	Severity    Severity       `json:"severity"`
	ClientIP    string         `json:"client_ip"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Geolocation string         `json:"geolocation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source,omitempty"`
}

func (e SecurityEvent) Endpoint() string {
	return metaString(e.Metadata, MetaEndpoint)
}

// FileRef names the uploaded file an event refers to, if any.
func (e SecurityEvent) FileRef() string {
	return metaString(e.Metadata, MetaFileRef)
}

func (e SecurityEvent) Method() string {
	return strings.ToUpper(metaString(e.Metadata, MetaMethod))
}

// Headers returns lower-cased header names. Values of unexpected types are skipped.
func (e SecurityEvent) Headers() map[string]string {
	raw, ok := e.Metadata[MetaHeaders]
	if !ok || raw == nil {
		return nil
	}
	out := make(map[string]string)
	switch h := raw.(type) {
	case map[string]string:
		for k, v := range h {
			out[strings.ToLower(k)] = v
		}
	case map[string]any:
		for k, v := range h {
			switch vv := v.(type) {
			case string:
				out[strings.ToLower(k)] = vv
			case []string:
				out[strings.ToLower(k)] = strings.Join(vv, ",")
			case []any:
				parts := make([]string, 0, len(vv))
				for _, p := range vv {
					if s, ok := p.(string); ok {
						parts = append(parts, s)
					}
				}
				out[strings.ToLower(k)] = strings.Join(parts, ",")
			}
		}
	case map[string][]string:
		for k, v := range h {
			out[strings.ToLower(k)] = strings.Join(v, ",")
		}
	}
	return out
}

func (e SecurityEvent) UserAgent() string {
	return e.Headers()["user-agent"]
}

func (e SecurityEvent) StatusCode() (int, bool) {
	raw, ok := e.Metadata[MetaStatusCode]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// IsError reports whether the event counts against the client's success rate.
// An explicit status code wins; otherwise the kind's failure class decides.
func (e SecurityEvent) IsError() bool {
	if code, ok := e.StatusCode(); ok {
		return code >= 400
	}
	if info, ok := kindTable[e.Kind]; ok {
		return info.Failure
	}
	return true
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
