package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus metrics for one service instance. Each
// instance owns its registry so tests can build several side by side.
// All methods are safe on a nil receiver.
type Collectors struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	AssessmentsTotal  *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	RiskScore         prometheus.Histogram
	PatternMatches    *prometheus.CounterVec
	ActionsTotal      *prometheus.CounterVec
	IncidentsTotal    *prometheus.CounterVec
	RateLimitTotal    *prometheus.CounterVec
	ActiveBlocks      prometheus.Gauge
	AuditEntries      prometheus.Gauge
	NotifyTotal       *prometheus.CounterVec
	RecoveryLatencyMs prometheus.Histogram
}

var latencyBuckets = []float64{
	0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000,
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_events_total",
			Help: "Security events received by kind",
		}, []string{"kind"}),
		AssessmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_assessments_total",
			Help: "Threat assessments by level",
		}, []string{"level"}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_fallbacks_total",
			Help: "Fallback results returned after internal failures",
		}, []string{"component"}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatguard_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		PatternMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_pattern_matches_total",
			Help: "Correlated attack pattern matches",
		}, []string{"pattern"}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_recovery_actions_total",
			Help: "Recovery actions executed by action and outcome",
		}, []string{"action", "outcome"}),
		IncidentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_incidents_total",
			Help: "Incidents by final state",
		}, []string{"state"}),
		RateLimitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_rate_limit_checks_total",
			Help: "Rate limit decisions",
		}, []string{"decision"}),
		ActiveBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "threatguard_active_blocks",
			Help: "Active entries in the block registry",
		}),
		AuditEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "threatguard_audit_entries",
			Help: "Entries retained in the in-memory audit log",
		}),
		NotifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatguard_notifications_total",
			Help: "Escalation notifications by outcome",
		}, []string{"outcome"}),
		RecoveryLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatguard_recovery_latency_ms",
			Help:    "Time spent in one recovery cycle in milliseconds",
			Buckets: latencyBuckets,
		}),
	}
}

func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) ObserveEvent(kind string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collectors) ObserveAssessment(level string, risk int, patterns []string) {
	if c == nil {
		return
	}
	c.AssessmentsTotal.WithLabelValues(level).Inc()
	c.RiskScore.Observe(float64(risk))
	for _, p := range patterns {
		c.PatternMatches.WithLabelValues(p).Inc()
	}
}

func (c *Collectors) ObserveFallback(component string) {
	if c == nil {
		return
	}
	c.FallbacksTotal.WithLabelValues(component).Inc()
}

func (c *Collectors) ObserveAction(action string, success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collectors) ObserveIncident(state string, took time.Duration) {
	if c == nil {
		return
	}
	c.IncidentsTotal.WithLabelValues(state).Inc()
	c.RecoveryLatencyMs.Observe(float64(took) / float64(time.Millisecond))
}

func (c *Collectors) ObserveRateLimit(allowed bool) {
	if c == nil {
		return
	}
	if allowed {
		c.RateLimitTotal.WithLabelValues("allowed").Inc()
		return
	}
	c.RateLimitTotal.WithLabelValues("denied").Inc()
}

func (c *Collectors) ObserveNotification(outcome string) {
	if c == nil {
		return
	}
	c.NotifyTotal.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SetActiveBlocks(n int) {
	if c == nil {
		return
	}
	c.ActiveBlocks.Set(float64(n))
}

func (c *Collectors) SetAuditEntries(n int) {
	if c == nil {
		return
	}
	c.AuditEntries.Set(float64(n))
}
