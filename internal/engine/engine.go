package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/geo"
	"threatguard/internal/logging"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
	"threatguard/internal/profile"
)

const (
	unusualIntervalBelow = time.Second
	unusualAverageAbove  = 5 * time.Second
	highErrorRatio       = 0.5
)

// Auditor receives system events when an assessment degrades to the fallback.
type Auditor interface {
	Append(entry model.AuditEntry) (model.AuditEntry, error)
}

type state struct {
	cfg          *config.Config
	scorer       *Scorer
	correlator   *Correlator
	patternsFile string
}

// Engine turns security events into threat assessments. Assess updates the
// client profile and history; Evaluate is the side-effect free core.
type Engine struct {
	logger     *slog.Logger
	st         atomic.Pointer[state]
	profiles   *profile.Store
	history    *profile.History
	registry   *blocklist.Registry
	geo        geo.Resolver
	collectors *metrics.Collectors
	stats      *metrics.Store
	auditor    Auditor
	dedupe     *DedupeCache
	now        func() time.Time
}

type Option func(*Engine)

func WithGeo(r geo.Resolver) Option {
	return func(e *Engine) { e.geo = r }
}

func WithMetrics(c *metrics.Collectors, s *metrics.Store) Option {
	return func(e *Engine) {
		e.collectors = c
		e.stats = s
	}
}

func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

func WithRegistry(r *blocklist.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(cfg *config.Config, logger *slog.Logger, profiles *profile.Store, history *profile.History, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:   logging.For(logger, "engine"),
		profiles: profiles,
		history:  history,
		dedupe:   NewDedupeCache(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig swaps scoring parameters and reloads the pattern catalogue
// when its file changed.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	next := &state{cfg: cfg, scorer: NewScorer(cfg.Scoring), patternsFile: cfg.Correlation.PatternsFile}
	if cur := e.st.Load(); cur != nil && cur.patternsFile == next.patternsFile {
		next.correlator = cur.correlator
	} else {
		patterns, err := LoadPatterns(next.patternsFile)
		if err != nil {
			return err
		}
		next.correlator = NewCorrelator(patterns)
	}
	e.st.Store(next)
	return nil
}

func (e *Engine) Patterns() []model.ThreatPattern {
	return e.st.Load().correlator.Patterns()
}

func (e *Engine) Scorer() *Scorer {
	return e.st.Load().scorer
}

// ProfileKey returns the key under which ev's client is profiled.
func (e *Engine) ProfileKey(ev model.SecurityEvent) string {
	return profile.Key(ev, e.st.Load().cfg.Profiles.KeyIncludeUser)
}

// Assess never fails: internal errors and panics produce the fallback
// assessment and a system audit entry.
func (e *Engine) Assess(ev model.SecurityEvent) model.ThreatAssessment {
	a, _ := e.AssessEvent(ev)
	return a
}

// AssessEvent is Assess that also reports whether ev was a redelivery
// answered from the dedupe window.
func (e *Engine) AssessEvent(ev model.SecurityEvent) (out model.ThreatAssessment, duplicate bool) {
	defer func() {
		if r := recover(); r != nil {
			out, duplicate = e.fallback(ev, fmt.Errorf("panic: %v", r)), false
		}
	}()
	st := e.st.Load()
	now := e.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	e.enrich(&ev)
	e.collectors.ObserveEvent(string(ev.Kind))

	dedupeKey := ""
	if ttl := st.cfg.Ingest.DedupeWindow; ttl > 0 {
		dedupeKey = hashEvent(ev)
		if a, ok := e.dedupe.Get(dedupeKey, now, ttl); ok {
			return a, true
		}
	}

	key := profile.Key(ev, st.cfg.Profiles.KeyIncludeUser)
	prior := e.history.AppendAndSnapshot(key, ev)
	obs := e.profiles.Observe(key, ev)

	a, err := e.evaluate(st, ev, obs, prior)
	if err != nil {
		return e.fallback(ev, err), false
	}
	if dedupeKey != "" {
		e.dedupe.Put(dedupeKey, a, now, st.cfg.Ingest.DedupeWindow)
	}
	e.collectors.ObserveAssessment(a.Level.String(), a.RiskScore, a.MatchedPatterns)
	if e.stats != nil {
		e.stats.Record(ev, a)
	}
	if a.Level.AtLeast(model.LevelHigh) {
		e.logger.Warn("threat assessed",
			"kind", ev.Kind,
			"client_ip", ev.ClientIP,
			"level", a.Level.String(),
			"risk", a.RiskScore,
			"confidence", a.Confidence,
			"auto_block", a.AutoBlock,
			"patterns", a.MatchedPatterns,
		)
	}
	return a, false
}

// Evaluate computes the assessment for ev given the profile observation and
// the client's history before ev. It mutates nothing, so identical inputs
// give identical results.
func (e *Engine) Evaluate(ev model.SecurityEvent, obs profile.Observation, prior []model.SecurityEvent) (model.ThreatAssessment, error) {
	return e.evaluate(e.st.Load(), ev, obs, prior)
}

func (e *Engine) evaluate(st *state, ev model.SecurityEvent, obs profile.Observation, prior []model.SecurityEvent) (model.ThreatAssessment, error) {
	cfg := st.cfg
	recent := CountRecent(ev, prior, cfg.Scoring.FrequencyWindow)
	risk, err := st.scorer.Score(ev, obs.Current, true, recent)
	if err != nil {
		return model.ThreatAssessment{}, err
	}
	matched := st.correlator.Match(ev, prior)
	anomalies := DetectAnomalies(ev, obs)
	level := LevelFor(risk, cfg.Assessment.Thresholds)

	a := model.ThreatAssessment{
		Level:     level,
		Action:    actionFor(level, len(matched) > 0),
		RiskScore: risk,
		Anomalies: anomalies,
	}
	for _, p := range matched {
		a.MatchedPatterns = append(a.MatchedPatterns, p.Name)
	}
	a.Confidence = clamp(0.5+0.3*float64(risk)/100+0.1*float64(len(matched))+0.05*float64(len(anomalies)), 0, 1)
	a.AutoBlock = (level == model.LevelCritical && a.Confidence > 0.8) ||
		(level == model.LevelSevere && a.Confidence > 0.9) ||
		(level == model.LevelHigh && risk > 85 && a.Confidence > 0.85)
	trusted := e.registry != nil && e.registry.Policy().IsTrusted(ev.ClientIP)
	if trusted {
		a.AutoBlock = false
	}
	a.BlockDuration = blockDuration(level, cfg.Assessment.BlockDurations)
	a.RequiresManualReview = level.AtLeast(model.LevelSevere)
	a.RecommendedActions = recommend(a, matched)
	a.Reason = reason(ev, a, trusted)
	return a, nil
}

func (e *Engine) enrich(ev *model.SecurityEvent) {
	if ev.Geolocation != "" || e.geo == nil || ev.ClientIP == "" {
		return
	}
	if code, ok := e.geo.Country(ev.ClientIP); ok {
		ev.Geolocation = code
	}
}

func (e *Engine) fallback(ev model.SecurityEvent, err error) model.ThreatAssessment {
	e.logger.Error("threat assessment failed",
		"kind", ev.Kind,
		"client_ip", ev.ClientIP,
		"err", err,
	)
	e.collectors.ObserveFallback("engine")
	a := model.FallbackAssessment("assessment failed: " + err.Error())
	if e.stats != nil {
		e.stats.Record(ev, a)
	}
	if e.auditor != nil {
		_, aerr := e.auditor.Append(model.AuditEntry{
			Timestamp: e.now(),
			EventType: model.AuditSystemEvent,
			Severity:  model.SeverityHigh,
			Source:    "assessment_engine",
			Target:    ev.ClientIP,
			Action:    "assess",
			Outcome:   model.OutcomeFailure,
			Details: map[string]any{
				"kind":  string(ev.Kind),
				"error": err.Error(),
			},
		})
		if aerr != nil {
			e.logger.Error("audit append failed", "err", aerr)
		}
	}
	return a
}

// DetectAnomalies compares ev against the client's profile before ev was
// applied. The error-rate check uses the updated profile.
func DetectAnomalies(ev model.SecurityEvent, obs profile.Observation) []string {
	var out []string
	if !obs.Existed {
		out = append(out, model.AnomalyNewClient)
	} else {
		prev := obs.Previous
		if obs.Current.LastInterval < unusualIntervalBelow && prev.RequestCount > 1 && prev.AvgInterval > unusualAverageAbove {
			out = append(out, model.AnomalyUnusualFrequency)
		}
		if ev.Geolocation != "" && len(prev.Geolocations) > 0 && !prev.HasGeolocation(ev.Geolocation) {
			out = append(out, model.AnomalyGeographical)
		}
		if ua := ev.UserAgent(); ua != "" && len(prev.UserAgents) > 0 && !prev.HasUserAgent(ua) {
			out = append(out, model.AnomalyUserAgentChange)
		}
	}
	if float64(obs.Current.ErrorCount) > highErrorRatio*float64(obs.Current.RequestCount) {
		out = append(out, model.AnomalyHighErrorRate)
	}
	return out
}

func LevelFor(risk int, t config.LevelThresholds) model.ThreatLevel {
	switch {
	case risk >= t.Critical:
		return model.LevelCritical
	case risk >= t.Severe:
		return model.LevelSevere
	case risk >= t.High:
		return model.LevelHigh
	case risk >= t.Moderate:
		return model.LevelModerate
	}
	return model.LevelSuspicious
}

func actionFor(level model.ThreatLevel, patterns bool) model.SecurityAction {
	switch level {
	case model.LevelCritical:
		return model.ActionPermanentBlock
	case model.LevelSevere:
		if patterns {
			return model.ActionAccountLockout
		}
		return model.ActionTemporaryBlock
	case model.LevelHigh:
		return model.ActionTemporaryBlock
	case model.LevelModerate:
		return model.ActionRateLimit
	}
	return model.ActionMonitor
}

// blockDuration is zero for critical (permanent) and suspicious (no block).
func blockDuration(level model.ThreatLevel, d config.BlockDurations) time.Duration {
	switch level {
	case model.LevelSevere:
		return d.Severe
	case model.LevelHigh:
		return d.High
	case model.LevelModerate:
		return d.Moderate
	}
	return 0
}

func recommend(a model.ThreatAssessment, matched []model.ThreatPattern) []string {
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			dup := false
			for _, cur := range out {
				if cur == n {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, n)
			}
		}
	}
	add(string(a.Action))
	switch a.Level {
	case model.LevelCritical:
		add(string(model.ActionEscalateSecurity), string(model.ActionTerminateSession))
	case model.LevelSevere:
		add(string(model.ActionTemporaryBlock), string(model.ActionRequireMFA))
	case model.LevelHigh:
		add(string(model.ActionEnhancedMonitoring))
	}
	for _, p := range matched {
		if p.Name == "brute_force_login" || p.Name == "credential_stuffing" {
			add(string(model.ActionRequireMFA))
		}
	}
	if a.Level.AtLeast(model.LevelHigh) {
		add("review_security_logs")
	}
	return out
}

func reason(ev model.SecurityEvent, a model.ThreatAssessment, trusted bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s scored %d (%s)", ev.Kind, a.RiskScore, a.Level)
	if len(a.MatchedPatterns) > 0 {
		b.WriteString("; patterns: ")
		b.WriteString(strings.Join(a.MatchedPatterns, ","))
	}
	if len(a.Anomalies) > 0 {
		b.WriteString("; anomalies: ")
		b.WriteString(strings.Join(a.Anomalies, ","))
	}
	if trusted {
		b.WriteString("; trusted source, auto block suppressed")
	}
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
