package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatguard/internal/config"
	"threatguard/internal/guard"
	"threatguard/internal/model"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const injectionEvent = `{"kind":"sql_injection_attempt","ip":"10.0.0.2","timestamp":"2024-03-01T12:00:00Z","endpoint":"/search"}`

func newTestServer(t *testing.T, events chan<- model.SecurityEvent) *Server {
	t.Helper()
	svc, err := guard.New(config.NewStaticManager(nil), nil, guard.WithClock(func() time.Time { return noon }))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return NewServer(svc, events, nil, "test")
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestProcessEventBlocksSource(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/events/process", injectionEvent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.LevelSevere, resp.Assessment.Level)
	require.NotEmpty(t, resp.Actions)
	assert.Equal(t, model.ActionPermanentBlock, resp.Actions[0].Action)

	rec = do(t, srv, http.MethodGet, "/blocked/10.0.0.2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["blocked"])

	rec = do(t, srv, http.MethodGet, "/incidents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, srv, http.MethodGet, "/incidents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/blocks?kind=ip_block", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestAssessRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/assess", `{"ip":"10.0.0.3"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, srv, http.MethodPost, "/assess", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/assess", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, srv, http.MethodPost, "/assess", injectionEvent)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "severe", decode(t, rec)["level"])
}

func TestRateLimitCheck(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"key":"api:10.0.0.5","limit":2,"windowMs":60000}`

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/ratelimit/check", body).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/ratelimit/check", body).Code)
	rec := do(t, srv, http.MethodPost, "/ratelimit/check", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, decode(t, rec)["allowed"])

	rec = do(t, srv, http.MethodPost, "/ratelimit/check", `{"key":"k","limit":2,"windowMs":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/ratelimit/endpoint", `{"endpoint":"nope","ip":"10.0.0.5"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/assess", injectionEvent).Code)

	rec := do(t, srv, http.MethodGet, "/profiles/10.0.0.2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["request_count"])

	rec = do(t, srv, http.MethodDelete, "/profiles/10.0.0.2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cleared"])

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/profiles/10.0.0.2", "").Code)
}

func TestPatchConfig(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPatch, "/config", `{"assessment":{"thresholds":{"critical":90}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 90, srv.guard.Config().Assessment.Thresholds.Critical)

	rec = do(t, srv, http.MethodPatch, "/config", `{"assessment":{"thresholds":{"critical":500}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 90, srv.guard.Config().Assessment.Thresholds.Critical)
}

func TestAuditEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/events/process", injectionEvent).Code)

	rec := do(t, srv, http.MethodGet, "/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = do(t, srv, http.MethodGet, "/audit?start=2024-03-01T00:00:00Z&end=2024-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	count, ok := decode(t, rec)["count"].(float64)
	require.True(t, ok)
	assert.Positive(t, count)

	rec = do(t, srv, http.MethodGet, "/compliance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total_incidents"])

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/compliance?start=yesterday", "").Code)
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/assess", injectionEvent).Code)

	rec := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threatguard_events_total")

	rec = do(t, srv, http.MethodGet, "/catalogue/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 8, decode(t, rec)["count"])
}

func TestIngestMount(t *testing.T) {
	events := make(chan model.SecurityEvent, 4)
	srv := newTestServer(t, events)

	rec := do(t, srv, http.MethodPost, "/ingest/events", `[`+injectionEvent+`,{"ip":"10.0.0.8"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["accepted"])
	assert.EqualValues(t, 1, body["failed"])

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, model.KindSQLInjectionAttempt, ev.Kind)
	assert.Equal(t, "10.0.0.2", ev.ClientIP)
}
