package engine

import (
	"sort"
	"time"

	"threatguard/internal/model"
)

// Correlator matches a client's recent history against the pattern catalogue.
type Correlator struct {
	patterns []model.ThreatPattern
}

func NewCorrelator(patterns []model.ThreatPattern) *Correlator {
	cp := make([]model.ThreatPattern, len(patterns))
	copy(cp, patterns)
	return &Correlator{patterns: cp}
}

func (c *Correlator) Patterns() []model.ThreatPattern {
	out := make([]model.ThreatPattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// Match counts, per pattern, the indicator events in [ev.Timestamp-window,
// ev.Timestamp] across prior and ev itself. Matches are ordered by weight,
// heaviest first.
func (c *Correlator) Match(ev model.SecurityEvent, prior []model.SecurityEvent) []model.ThreatPattern {
	var out []model.ThreatPattern
	for _, p := range c.patterns {
		if c.count(p, ev, prior) >= p.Threshold {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

func (c *Correlator) count(p model.ThreatPattern, ev model.SecurityEvent, prior []model.SecurityEvent) int {
	from := ev.Timestamp.Add(-p.Window)
	n := 0
	if p.Indicates(ev.Kind) {
		n++
	}
	for _, h := range prior {
		if h.Timestamp.Before(from) || h.Timestamp.After(ev.Timestamp) {
			continue
		}
		if p.Indicates(h.Kind) {
			n++
		}
	}
	return n
}

// CountRecent returns how many prior events share ev's kind inside
// [ev.Timestamp-window, ev.Timestamp].
func CountRecent(ev model.SecurityEvent, prior []model.SecurityEvent, window time.Duration) int {
	from := ev.Timestamp.Add(-window)
	n := 0
	for _, h := range prior {
		if h.Kind != ev.Kind || h.Timestamp.Before(from) || h.Timestamp.After(ev.Timestamp) {
			continue
		}
		n++
	}
	return n
}
