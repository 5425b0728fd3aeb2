package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/geo"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
	"threatguard/internal/profile"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *recordingAuditor) Append(e model.AuditEntry) (model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return e, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest.DedupeWindow = time.Second
	return cfg
}

func newEngineForTest(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	profiles, err := profile.NewStore(1000)
	require.NoError(t, err)
	history, err := profile.NewHistory(1000, profile.DefaultHistoryLimit)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return noon })}, opts...)
	eng, err := New(cfg, nil, profiles, history, opts...)
	require.NoError(t, err)
	return eng
}

func authFailure(at time.Duration) model.SecurityEvent {
	return model.SecurityEvent{
		Kind:      model.KindAuthenticationFailed,
		Severity:  model.SeverityMedium,
		ClientIP:  "10.0.0.1",
		UserID:    "alice",
		Timestamp: noon.Add(at),
		Metadata:  map[string]any{"endpoint": "/login", "method": "POST"},
	}
}

func TestBruteForceLoginScenario(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	var a model.ThreatAssessment
	levels := make([]model.ThreatLevel, 0, 5)
	for i := 0; i < 5; i++ {
		a = eng.Assess(authFailure(time.Duration(i) * 2 * time.Minute))
		levels = append(levels, a.Level)
	}
	assert.Equal(t, []model.ThreatLevel{
		model.LevelModerate, model.LevelHigh, model.LevelHigh, model.LevelSevere, model.LevelSevere,
	}, levels)

	assert.Equal(t, 94, a.RiskScore)
	assert.Equal(t, model.LevelSevere, a.Level)
	assert.Equal(t, []string{"brute_force_login"}, a.MatchedPatterns)
	assert.Equal(t, []string{model.AnomalyHighErrorRate}, a.Anomalies)
	assert.InDelta(t, 0.932, a.Confidence, 1e-9)
	assert.True(t, a.AutoBlock)
	assert.Equal(t, model.ActionAccountLockout, a.Action)
	assert.Equal(t, 24*time.Hour, a.BlockDuration)
	assert.True(t, a.RequiresManualReview)
	assert.Equal(t, []string{"account_lockout", "temporary_block", "require_mfa", "review_security_logs"}, a.RecommendedActions)
	assert.False(t, a.Fallback)
}

func TestSingleSQLInjection(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	a := eng.Assess(model.SecurityEvent{
		Kind:      model.KindSQLInjectionAttempt,
		ClientIP:  "10.0.0.2",
		Timestamp: noon,
		Metadata:  map[string]any{"endpoint": "/search"},
	})
	assert.Equal(t, 90, a.RiskScore)
	assert.Equal(t, model.LevelSevere, a.Level)
	assert.True(t, a.Level.AtLeast(model.LevelHigh))
	assert.Equal(t, []string{model.AnomalyNewClient, model.AnomalyHighErrorRate}, a.Anomalies)
	assert.InDelta(t, 0.87, a.Confidence, 1e-9)
	assert.False(t, a.AutoBlock, "severe needs confidence above 0.9")
	assert.Equal(t, model.ActionTemporaryBlock, a.Action)
}

func TestScorerFailureYieldsFallback(t *testing.T) {
	auditor := &recordingAuditor{}
	stats := metrics.NewStore(10)
	eng := newEngineForTest(t, testConfig(), WithAuditor(auditor), WithMetrics(metrics.NewCollectors(), stats))

	var a model.ThreatAssessment
	require.NotPanics(t, func() {
		a = eng.Assess(model.SecurityEvent{
			Kind:      model.KindXSSAttempt,
			ClientIP:  "10.0.0.3",
			Timestamp: noon,
			Metadata:  map[string]any{"payload": map[string]any{"cb": func() {}}},
		})
	})
	assert.Equal(t, model.LevelModerate, a.Level)
	assert.Equal(t, model.ActionMonitor, a.Action)
	assert.InDelta(t, 0.1, a.Confidence, 1e-9)
	assert.False(t, a.AutoBlock)
	assert.True(t, a.RequiresManualReview)
	assert.True(t, a.Fallback)

	require.Len(t, auditor.entries, 1)
	entry := auditor.entries[0]
	assert.Equal(t, model.AuditSystemEvent, entry.EventType)
	assert.Equal(t, model.OutcomeFailure, entry.Outcome)
	assert.Equal(t, 1, stats.Snapshot(0).Fallbacks)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	profiles, err := profile.NewStore(100)
	require.NoError(t, err)

	var prior []model.SecurityEvent
	var obs profile.Observation
	for i := 0; i < 3; i++ {
		ev := authFailure(time.Duration(i) * time.Minute)
		obs = profiles.Observe("10.0.0.1", ev)
		prior = append(prior, ev)
	}
	ev := authFailure(3 * time.Minute)
	obs = profiles.Observe("10.0.0.1", ev)

	first, err := eng.Evaluate(ev, obs, prior)
	require.NoError(t, err)
	second, err := eng.Evaluate(ev, obs, prior)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssessRedeliveryReturnsCachedAssessment(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	ev := authFailure(0)
	first := eng.Assess(ev)
	second := eng.Assess(ev)
	assert.Equal(t, first, second)

	p, ok := eng.profiles.Get("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 1, p.RequestCount, "duplicate must not touch the profile")
}

func TestRiskMonotonicInRecentCount(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	kinds := []model.EventKind{model.KindDataExfiltration, model.KindAuthenticationFailed, model.KindBotActivity}
	for _, kind := range kinds {
		ev := model.SecurityEvent{Kind: kind, ClientIP: "10.0.0.4", Timestamp: noon}
		obs := profile.Observation{
			Existed:  true,
			Previous: model.ClientProfile{RequestCount: 10, RiskScore: 25},
			Current:  model.ClientProfile{RequestCount: 11, RiskScore: 25, LastInterval: time.Minute},
		}
		last := -1
		var prior []model.SecurityEvent
		for n := 0; n <= 20; n++ {
			a, err := eng.Evaluate(ev, obs, prior)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, a.RiskScore, last, "kind %s n=%d", kind, n)
			last = a.RiskScore
			prior = append(prior, model.SecurityEvent{Kind: kind, ClientIP: "10.0.0.4", Timestamp: noon.Add(-time.Duration(n+1) * time.Second)})
		}
	}
}

func TestFrequencyWindowExcludesOldEvents(t *testing.T) {
	ev := authFailure(20 * time.Minute)
	prior := []model.SecurityEvent{authFailure(0), authFailure(4 * time.Minute), authFailure(6 * time.Minute), authFailure(19 * time.Minute)}
	assert.Equal(t, 2, CountRecent(ev, prior, 15*time.Minute))
}

func TestScorerContextTerms(t *testing.T) {
	s := NewScorer(config.DefaultConfig().Scoring)

	ev := model.SecurityEvent{
		Kind: model.KindSuspiciousTraffic,
		Metadata: map[string]any{
			"payload": "id=1' OR 1=1; DROP TABLE users",
			"headers": map[string]any{"X-Forwarded-Host": "evil.example", "User-Agent": "sqlmap/1.7.2#stable"},
		},
	}
	risk, err := s.MetadataRisk(ev)
	require.NoError(t, err)
	assert.Equal(t, 35, risk)

	assert.Equal(t, 20, s.GeoRisk("kp"))
	assert.Equal(t, 10, s.GeoRisk("RU"))
	assert.Equal(t, 0, s.GeoRisk("DE"))
	assert.Equal(t, 0, s.GeoRisk(""))

	assert.Equal(t, 10, s.TimeRisk(model.SecurityEvent{Timestamp: time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)}))
	assert.Equal(t, 10, s.TimeRisk(model.SecurityEvent{Timestamp: time.Date(2024, 3, 1, 5, 59, 0, 0, time.UTC)}))
	assert.Equal(t, 0, s.TimeRisk(model.SecurityEvent{Timestamp: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)}))

	assert.Equal(t, 50, s.BaseScore(model.EventKind("never_seen_before")))
	assert.InDelta(t, 3.0, s.FrequencyFactor(50), 1e-9)
}

func TestMetadataRiskIsCapped(t *testing.T) {
	s := NewScorer(config.DefaultConfig().Scoring)
	ev := model.SecurityEvent{Metadata: map[string]any{
		"payload": "union select ../ /etc/passwd <script javascript: onerror= ${jndi: eval(",
	}}
	risk, err := s.MetadataRisk(ev)
	require.NoError(t, err)
	assert.Equal(t, 50, risk)
}

func TestGeoEnrichmentAndTrustedSource(t *testing.T) {
	cfg := testConfig()
	cfg.AccessControl = config.AccessControlConfig{Enabled: true, Trusted: []string{"192.0.2.0/24"}}
	reg := blocklist.NewRegistry(blocklist.NewAccessPolicy(cfg.AccessControl))
	eng := newEngineForTest(t, cfg,
		WithGeo(geo.Static{"203.0.113.9": "KP"}),
		WithRegistry(reg),
	)

	a := eng.Assess(model.SecurityEvent{Kind: model.KindBotActivity, ClientIP: "203.0.113.9", Timestamp: noon})
	assert.Equal(t, 60, a.RiskScore)

	a = eng.Assess(model.SecurityEvent{Kind: model.KindDataExfiltration, ClientIP: "192.0.2.5", Timestamp: noon})
	assert.Equal(t, model.LevelCritical, a.Level)
	assert.False(t, a.AutoBlock)
	assert.Contains(t, a.Reason, "trusted")
}

func TestCriticalAutoBlocksPermanently(t *testing.T) {
	eng := newEngineForTest(t, testConfig())
	a := eng.Assess(model.SecurityEvent{Kind: model.KindDataExfiltration, ClientIP: "10.0.0.9", Timestamp: noon})
	assert.Equal(t, model.LevelCritical, a.Level)
	assert.True(t, a.AutoBlock)
	assert.True(t, a.PermanentBlock())
	assert.Equal(t, model.ActionPermanentBlock, a.Action)
	assert.Equal(t, []string{"permanent_block", "escalate_security", "terminate_session", "review_security_logs"}, a.RecommendedActions)
}

func TestUnusualFrequencyAndChangeAnomalies(t *testing.T) {
	obs := profile.Observation{
		Existed: true,
		Previous: model.ClientProfile{
			RequestCount: 4, ErrorCount: 0, AvgInterval: 30 * time.Second,
			Geolocations: []string{"DE"}, UserAgents: []string{"Mozilla/5.0"},
		},
		Current: model.ClientProfile{RequestCount: 5, ErrorCount: 0, LastInterval: 200 * time.Millisecond},
	}
	ev := model.SecurityEvent{
		Geolocation: "BR",
		Metadata:    map[string]any{"headers": map[string]string{"User-Agent": "curl/8.4"}},
	}
	assert.Equal(t, []string{
		model.AnomalyUnusualFrequency, model.AnomalyGeographical, model.AnomalyUserAgentChange,
	}, DetectAnomalies(ev, obs))
}

func TestLevelThresholds(t *testing.T) {
	th := config.DefaultConfig().Assessment.Thresholds
	cases := map[int]model.ThreatLevel{
		100: model.LevelCritical, 95: model.LevelCritical, 94: model.LevelSevere,
		80: model.LevelSevere, 79: model.LevelHigh, 60: model.LevelHigh,
		59: model.LevelModerate, 40: model.LevelModerate, 39: model.LevelSuspicious, 0: model.LevelSuspicious,
	}
	for risk, want := range cases {
		assert.Equal(t, want, LevelFor(risk, th), "risk %d", risk)
	}
}

func TestPatternCatalogue(t *testing.T) {
	patterns, err := LoadPatterns("")
	require.NoError(t, err)
	assert.Len(t, patterns, 8)
	var brute model.ThreatPattern
	for _, p := range patterns {
		if p.Name == "brute_force_login" {
			brute = p
		}
	}
	assert.Equal(t, 15*time.Minute, brute.Window)
	assert.Equal(t, 5, brute.Threshold)
	assert.True(t, brute.Indicates(model.KindAuthenticationFailed))

	_, err = ParsePatterns([]byte("patterns:\n  - name: x\n    indicators: [a]\n    window: 0s\n    threshold: 1\n"))
	assert.Error(t, err)
	_, err = ParsePatterns([]byte("patterns: []"))
	assert.Error(t, err)
}

func TestCorrelatorWindow(t *testing.T) {
	c := NewCorrelator([]model.ThreatPattern{{
		Name: "p", Indicators: []model.EventKind{model.KindXSSAttempt}, Window: time.Minute, Threshold: 2, Weight: 1,
	}})
	ev := model.SecurityEvent{Kind: model.KindXSSAttempt, Timestamp: noon}
	old := model.SecurityEvent{Kind: model.KindXSSAttempt, Timestamp: noon.Add(-2 * time.Minute)}
	recent := model.SecurityEvent{Kind: model.KindXSSAttempt, Timestamp: noon.Add(-30 * time.Second)}
	assert.Empty(t, c.Match(ev, []model.SecurityEvent{old}))
	assert.Len(t, c.Match(ev, []model.SecurityEvent{old, recent}), 1)
}
