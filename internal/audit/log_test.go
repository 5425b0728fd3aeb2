package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fillLog(t *testing.T, l *Log, n int) []model.AuditEntry {
	t.Helper()
	out := make([]model.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(model.AuditEntry{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			EventType: model.AuditRecoveryAction,
			Severity:  model.SeverityHigh,
			Source:    "recovery",
			Target:    fmt.Sprintf("10.0.0.%d", i),
			Action:    "temporary_block",
			Outcome:   model.OutcomeSuccess,
			Details:   map[string]any{"attempt": i},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendSealsAndChains(t *testing.T) {
	l := New(100, nil)
	entries := fillLog(t, l, 3)
	for i, e := range entries {
		assert.NotEmpty(t, e.ID)
		h, err := ComputeHash(e)
		require.NoError(t, err)
		assert.Equal(t, h, e.Hash)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
	}
	rep := l.VerifyIntegrity()
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Checked)
	assert.Empty(t, rep.TamperedIDs)
}

func TestVerifyFlagsExactlyTamperedEntry(t *testing.T) {
	mutations := map[string]func(e *model.AuditEntry){
		"outcome":   func(e *model.AuditEntry) { e.Outcome = model.OutcomeFailure },
		"target":    func(e *model.AuditEntry) { e.Target = "10.9.9.9" },
		"timestamp": func(e *model.AuditEntry) { e.Timestamp = e.Timestamp.Add(time.Second) },
		"details":   func(e *model.AuditEntry) { e.Details["attempt"] = 99 },
		"severity":  func(e *model.AuditEntry) { e.Severity = model.SeverityLow },
		"action":    func(e *model.AuditEntry) { e.Action = "monitor" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			l := New(100, nil)
			entries := fillLog(t, l, 5)
			l.mu.Lock()
			mutate(&l.entries[2])
			l.mu.Unlock()

			rep := l.VerifyIntegrity()
			assert.False(t, rep.Valid)
			assert.Equal(t, []string{entries[2].ID}, rep.TamperedIDs)
			assert.Empty(t, rep.BrokenLinks)
		})
	}
}

func TestRewrittenHashBreaksChain(t *testing.T) {
	l := New(100, nil)
	entries := fillLog(t, l, 4)
	l.mu.Lock()
	l.entries[1].Target = "forged"
	h, err := ComputeHash(l.entries[1])
	require.NoError(t, err)
	l.entries[1].Hash = h
	l.mu.Unlock()

	rep := l.VerifyIntegrity()
	assert.False(t, rep.Valid)
	assert.Empty(t, rep.TamperedIDs)
	assert.Equal(t, []string{entries[2].ID}, rep.BrokenLinks)
}

func TestReturnedEntriesAreDetached(t *testing.T) {
	l := New(100, nil)
	entries := fillLog(t, l, 1)
	entries[0].Details["attempt"] = 42
	got := l.Query(time.Time{}, time.Time{})
	got[0].Details["attempt"] = 43
	assert.True(t, l.VerifyIntegrity().Valid)
}

func TestNestedDetailsAreDetached(t *testing.T) {
	l := New(100, nil)
	targets := []string{"10.0.0.1", "10.0.0.2"}
	meta := map[string]any{"rule": "sqli"}
	e, err := l.Append(model.AuditEntry{
		Timestamp: t0,
		EventType: model.AuditRecoveryAction,
		Action:    "permanent_block",
		Details:   map[string]any{"targets": targets, "meta": meta, "attempt": 3},
	})
	require.NoError(t, err)

	targets[0] = "forged"
	meta["rule"] = "none"
	e.Details["meta"].(map[string]any)["rule"] = "xss"
	e.Details["targets"].([]any)[1] = "forged"
	got := l.Query(time.Time{}, time.Time{})
	got[0].Details["targets"].([]any)[0] = "forged"

	assert.True(t, l.VerifyIntegrity().Valid)
	stored := l.Query(time.Time{}, time.Time{})[0].Details
	assert.Equal(t, []any{"10.0.0.1", "10.0.0.2"}, stored["targets"])
	assert.Equal(t, map[string]any{"rule": "sqli"}, stored["meta"])
	assert.Equal(t, float64(3), stored["attempt"])
}

func TestQueryRange(t *testing.T) {
	l := New(100, nil)
	fillLog(t, l, 10)
	assert.Len(t, l.Query(time.Time{}, time.Time{}), 10)
	assert.Len(t, l.Query(t0.Add(3*time.Minute), time.Time{}), 7)
	assert.Len(t, l.Query(time.Time{}, t0.Add(3*time.Minute)), 4)
	assert.Len(t, l.Query(t0.Add(2*time.Minute), t0.Add(4*time.Minute)), 3)
}

func TestInvalidEntryRejected(t *testing.T) {
	l := New(10, nil)
	_, err := l.Append(model.AuditEntry{EventType: model.AuditSystemEvent})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	_, err = l.Append(model.AuditEntry{EventType: model.AuditSystemEvent, Action: "x", Details: map[string]any{"f": func() {}}})
	assert.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

type memSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (m *memSink) SaveAuditEntry(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestCapacityArchivesEvicted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "archive.jsonl.zst")
	arch, err := NewFileArchiver(path)
	require.NoError(t, err)
	sink := &memSink{}
	l := New(3, nil, WithArchiver(arch), WithSink(sink))
	entries := fillLog(t, l, 7)

	assert.Equal(t, 3, l.Len())
	assert.True(t, l.VerifyIntegrity().Valid, "chain stays verifiable after eviction")
	assert.Len(t, sink.entries, 7)

	archived, err := ReadArchive(path)
	require.NoError(t, err)
	require.Len(t, archived, 4)
	for i, e := range archived {
		assert.Equal(t, entries[i].ID, e.ID)
		h, err := ComputeHash(e)
		require.NoError(t, err)
		assert.Equal(t, e.Hash, h, "archived entry %d keeps its seal", i)
	}
}

func TestComplianceReport(t *testing.T) {
	l := New(100, nil, WithClock(func() time.Time { return t0.Add(time.Hour) }))
	incident := func(at time.Duration, sev model.Severity, resolution string, ms float64) {
		_, err := l.Append(model.AuditEntry{
			Timestamp: t0.Add(at),
			EventType: model.AuditIncident,
			Severity:  sev,
			Source:    "recovery",
			Action:    "incident_completed",
			Details: map[string]any{
				DetailResolution: resolution,
				DetailResponseMs: ms,
				DetailState:      "resolved",
				DetailKind:       "xss_attempt",
			},
		})
		require.NoError(t, err)
	}
	incident(0, model.SeverityHigh, "2/2 actions successful", 10)
	incident(time.Minute, model.SeverityCritical, "1/3 actions successful, 2 failed", 30)
	incident(2*time.Minute, model.SeverityHigh, "1/1 actions successful", 20)
	incident(2*time.Hour, model.SeverityLow, "1/1 actions successful", 1000)
	_, err := l.Append(model.AuditEntry{Timestamp: t0, EventType: model.AuditRecoveryAction, Action: "permanent_block", Outcome: model.OutcomeFailure})
	require.NoError(t, err)
	_, err = l.Append(model.AuditEntry{Timestamp: t0, EventType: model.AuditSystemEvent, Action: "assess", Outcome: model.OutcomeFailure})
	require.NoError(t, err)

	rep := l.ComplianceReport(t0, t0.Add(time.Hour))
	assert.Equal(t, 3, rep.TotalIncidents)
	assert.Equal(t, 2, rep.IncidentsBySeverity["high"])
	assert.Equal(t, 1, rep.IncidentsBySeverity["critical"])
	assert.Equal(t, 3, rep.IncidentsByKind["xss_attempt"])
	assert.InDelta(t, 2.0/3.0, rep.RecoverySuccessRate, 1e-9)
	assert.Equal(t, 1, rep.RecoveryActions)
	assert.Equal(t, 1, rep.FailedActions)
	assert.Equal(t, 1, rep.SystemFailures)
	assert.Equal(t, 3, rep.ResponseTime.Count)
	assert.InDelta(t, 20, rep.ResponseTime.MeanMs, 1e-9)
	assert.InDelta(t, 20, rep.ResponseTime.P50Ms, 1e-9)
	assert.InDelta(t, 30, rep.ResponseTime.MaxMs, 1e-9)
	assert.True(t, rep.Integrity.Valid)

	empty := l.ComplianceReport(t0.Add(10*time.Hour), t0.Add(11*time.Hour))
	assert.Equal(t, 0, empty.TotalIncidents)
	assert.InDelta(t, 1.0, empty.RecoverySuccessRate, 1e-9)
}
