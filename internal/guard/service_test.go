package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := New(config.NewStaticManager(cfg), nil, WithClock(func() time.Time { return noon }))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
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

func TestBruteForceEndToEnd(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	var (
		a       model.ThreatAssessment
		results []model.RecoveryActionResult
	)
	for i := 0; i < 5; i++ {
		a, results = svc.Process(ctx, authFailure(time.Duration(i)*2*time.Minute))
	}

	assert.Equal(t, model.LevelSevere, a.Level)
	assert.True(t, a.AutoBlock)
	require.NotEmpty(t, results)
	assert.Equal(t, model.ActionTemporaryBlock, results[0].Action)
	assert.True(t, results[0].Success)

	assert.True(t, svc.IsBlocked("10.0.0.1"))
	assert.True(t, svc.IsBlocked("user:alice"))
	assert.False(t, svc.IsBlocked("10.0.0.2"))

	list := svc.Incidents(0)
	require.Len(t, list, 5)
	var severe int
	for _, inc := range list {
		if inc.Level == model.LevelSevere {
			severe++
			assert.Equal(t, model.IncidentEscalated, inc.State)
		}
	}
	assert.Equal(t, 2, severe)

	got, err := svc.Incident(list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, got.ID)

	report := svc.VerifyAuditLogIntegrity()
	assert.True(t, report.Valid)
	assert.Positive(t, report.Checked)

	compliance := svc.GenerateComplianceReport(time.Time{}, time.Time{})
	assert.Equal(t, 5, compliance.TotalIncidents)
	assert.True(t, compliance.Integrity.Valid)

	stats := svc.Stats(3)
	assert.Equal(t, 5, stats.Events)
}

func TestRedeliveryRunsRecoveryOnce(t *testing.T) {
	svc := newService(t, nil)
	ev := model.SecurityEvent{
		Kind:      model.KindSQLInjectionAttempt,
		ClientIP:  "10.0.0.2",
		Timestamp: noon,
		Metadata:  map[string]any{"endpoint": "/search"},
	}

	first, results := svc.Process(context.Background(), ev)
	require.NotEmpty(t, results)
	second, again := svc.Process(context.Background(), ev)

	assert.Equal(t, first, second)
	assert.Nil(t, again)
	assert.Len(t, svc.Incidents(0), 1)
}

func TestLowLevelSkipsRecovery(t *testing.T) {
	svc := newService(t, nil)
	a, results := svc.Process(context.Background(), model.SecurityEvent{
		Kind:      model.KindRateLimitExceeded,
		Severity:  model.SeverityLow,
		ClientIP:  "10.0.0.3",
		Timestamp: noon,
	})
	require.False(t, a.Level.AtLeast(model.LevelModerate), "level %s", a.Level)
	assert.Nil(t, results)
	assert.Empty(t, svc.Incidents(0))
}

func TestUpdateConfigPropagates(t *testing.T) {
	svc := newService(t, nil)

	cfg, err := svc.UpdateConfig(map[string]any{
		"assessment": map[string]any{
			"thresholds": map[string]any{"critical": 90},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Assessment.Thresholds.Critical)
	assert.Equal(t, 80, cfg.Assessment.Thresholds.Severe)
	assert.Equal(t, 90, svc.Config().Assessment.Thresholds.Critical)

	a := svc.Assess(model.SecurityEvent{
		Kind:      model.KindSQLInjectionAttempt,
		ClientIP:  "10.0.0.4",
		Timestamp: noon,
		Metadata:  map[string]any{"endpoint": "/search"},
	})
	assert.Equal(t, 90, a.RiskScore)
	assert.Equal(t, model.LevelCritical, a.Level)

	_, err = svc.UpdateConfig(map[string]any{
		"assessment": map[string]any{
			"thresholds": map[string]any{"critical": 10},
		},
	})
	assert.Error(t, err)
	assert.Equal(t, 90, svc.Config().Assessment.Thresholds.Critical)

	_, err = svc.UpdateConfig(map[string]any{"no_such_section": true})
	assert.Error(t, err)
}

func TestCheckRateLimit(t *testing.T) {
	svc := newService(t, nil)
	for i := 0; i < 3; i++ {
		res, err := svc.CheckRateLimit("api:10.0.0.5", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := svc.CheckRateLimit("api:10.0.0.5", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	_, err = svc.CheckRateLimit("api:10.0.0.5", 3, 0)
	assert.Error(t, err)
}

func TestClearClientProfile(t *testing.T) {
	svc := newService(t, nil)
	svc.Assess(authFailure(0))

	p, ok := svc.GetClientProfile("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 1, p.RequestCount)

	assert.True(t, svc.ClearClientProfile("10.0.0.1"))
	_, ok = svc.GetClientProfile("10.0.0.1")
	assert.False(t, ok)
	assert.False(t, svc.ClearClientProfile("10.0.0.1"))
}

func TestStartConsumesEvents(t *testing.T) {
	svc := newService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.SecurityEvent, 1)

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx, events) }()

	events <- model.SecurityEvent{Kind: model.KindDataExfiltration, ClientIP: "10.0.0.9", Timestamp: noon}
	require.Eventually(t, func() bool { return svc.IsBlocked("10.0.0.9") }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, svc.Incidents(0), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCatalogues(t *testing.T) {
	svc := newService(t, nil)
	assert.NotEmpty(t, svc.Patterns())
	assert.NotEmpty(t, svc.Workflows())
	assert.NotNil(t, svc.Metrics())
}
