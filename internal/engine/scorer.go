package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/avct/uasurfer"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

var ErrMalformedMetadata = errors.New("malformed event metadata")

const (
	headerRisk    = 5
	keywordRisk   = 10
	botAgentRisk  = 10
	highGeoRisk   = 20
	mediumGeoRisk = 10
	nightRisk     = 10
)

// Command-line clients and scanners that uasurfer does not classify as bots.
var automationAgents = []string{
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client", "libwww-perl",
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster", "gobuster",
}

// Scorer computes the 0-100 risk score of one event. It holds no mutable
// state; a new Scorer is built when the configuration changes.
type Scorer struct {
	baseScores    map[model.EventKind]int
	freqStep      float64
	maxFreqFactor float64
	metaCap       int
	headers       []string
	keywords      []string
	highRisk      map[string]struct{}
	mediumRisk    map[string]struct{}
	nightStart    int
	nightEnd      int
}

func NewScorer(cfg config.ScoringConfig) *Scorer {
	s := &Scorer{
		baseScores:    make(map[model.EventKind]int, len(cfg.BaseScores)),
		freqStep:      cfg.FrequencyStep,
		maxFreqFactor: cfg.MaxFrequencyFactor,
		metaCap:       cfg.MetadataRiskCap,
		highRisk:      upperSet(cfg.HighRiskCountries),
		mediumRisk:    upperSet(cfg.MediumRiskCountries),
		nightStart:    cfg.NightStartHour,
		nightEnd:      cfg.NightEndHour,
	}
	for k, v := range cfg.BaseScores {
		s.baseScores[model.ParseKind(k)] = v
	}
	for _, h := range cfg.SuspiciousHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.headers = append(s.headers, h)
		}
	}
	for _, k := range cfg.SuspiciousKeywords {
		if k = strings.ToLower(k); k != "" {
			s.keywords = append(s.keywords, k)
		}
	}
	return s
}

func upperSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func (s *Scorer) BaseScore(kind model.EventKind) int {
	if v, ok := s.baseScores[kind]; ok {
		return v
	}
	return kind.BaseScore()
}

func (s *Scorer) FrequencyFactor(recent int) float64 {
	if recent < 0 {
		recent = 0
	}
	return math.Min(1+s.freqStep*float64(recent), s.maxFreqFactor)
}

// Score is base * frequency * behavior + metadata + geo + time-of-day,
// clamped to [0,100] and rounded. recent is the number of earlier events of
// the same kind inside the frequency window.
func (s *Scorer) Score(ev model.SecurityEvent, p model.ClientProfile, hasProfile bool, recent int) (int, error) {
	behavior := 1.0
	if hasProfile {
		behavior = 1 + float64(p.RiskScore)/100
	}
	meta, err := s.MetadataRisk(ev)
	if err != nil {
		return 0, err
	}
	total := float64(s.BaseScore(ev.Kind))*s.FrequencyFactor(recent)*behavior +
		float64(meta) + float64(s.GeoRisk(ev.Geolocation)) + float64(s.TimeRisk(ev))
	if math.IsNaN(total) {
		return 0, fmt.Errorf("%w: score is NaN", ErrMalformedMetadata)
	}
	return int(math.Round(math.Max(0, math.Min(100, total)))), nil
}

// MetadataRisk scans headers and payload. Missing metadata contributes zero;
// a payload that cannot be serialized is reported as an error.
func (s *Scorer) MetadataRisk(ev model.SecurityEvent) (int, error) {
	risk := 0
	headers := ev.Headers()
	for _, h := range s.headers {
		if _, ok := headers[h]; ok {
			risk += headerRisk
		}
	}
	payload, err := payloadText(ev.Metadata[model.MetaPayload])
	if err != nil {
		return 0, err
	}
	if payload != "" {
		lower := strings.ToLower(payload)
		for _, kw := range s.keywords {
			if strings.Contains(lower, kw) {
				risk += keywordRisk
			}
		}
	}
	if isAutomatedAgent(headers["user-agent"]) {
		risk += botAgentRisk
	}
	if risk > s.metaCap {
		risk = s.metaCap
	}
	return risk, nil
}

func payloadText(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrMalformedMetadata, err)
	}
	return string(data), nil
}

func isAutomatedAgent(agent string) bool {
	if agent == "" {
		return false
	}
	if uasurfer.Parse(agent).IsBot() {
		return true
	}
	lower := strings.ToLower(agent)
	for _, a := range automationAgents {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func (s *Scorer) GeoRisk(country string) int {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return 0
	}
	if _, ok := s.highRisk[country]; ok {
		return highGeoRisk
	}
	if _, ok := s.mediumRisk[country]; ok {
		return mediumGeoRisk
	}
	return 0
}

// TimeRisk adds risk for events in the night window [start, end) UTC.
func (s *Scorer) TimeRisk(ev model.SecurityEvent) int {
	if ev.Timestamp.IsZero() {
		return 0
	}
	h := ev.Timestamp.UTC().Hour()
	var night bool
	if s.nightStart > s.nightEnd {
		night = h >= s.nightStart || h < s.nightEnd
	} else {
		night = h >= s.nightStart && h < s.nightEnd
	}
	if night {
		return nightRisk
	}
	return 0
}
