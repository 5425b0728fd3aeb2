package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatguard/internal/audit"
	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/logging"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
	"threatguard/internal/ratelimit"
)

const source = "recovery_orchestrator"

// ManualIntervention is the message of the single result returned when the
// orchestrator itself fails.
const ManualIntervention = "manual intervention required"

type AccountLocker interface {
	LockAccount(ctx context.Context, userID string, d time.Duration, reason string) error
}

type SessionTerminator interface {
	TerminateSession(ctx context.Context, sessionID string) error
}

type FileQuarantiner interface {
	QuarantineFile(ctx context.Context, ref string) error
}

// Notifier must not block; delivery happens elsewhere.
type Notifier interface {
	NotifySecurityTeam(inc model.SecurityIncident) error
}

type Auditor interface {
	Append(e model.AuditEntry) (model.AuditEntry, error)
}

type IncidentStore interface {
	Add(inc model.SecurityIncident) error
	Update(inc model.SecurityIncident) error
}

// IncidentSink persists finished incidents.
type IncidentSink interface {
	SaveIncident(ctx context.Context, inc model.SecurityIncident) error
}

type ProfileSource interface {
	Get(key string) (model.ClientProfile, bool)
}

type Option func(*Orchestrator)

func WithAccountLocker(l AccountLocker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithSessionTerminator(t SessionTerminator) Option {
	return func(o *Orchestrator) { o.sessions = t }
}

func WithFileQuarantiner(q FileQuarantiner) Option {
	return func(o *Orchestrator) { o.files = q }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithProfiles enables the profile snapshot evidence. keyFn maps an event to
// its profile key.
func WithProfiles(src ProfileSource, keyFn func(model.SecurityEvent) string) Option {
	return func(o *Orchestrator) {
		o.profiles = src
		o.profileKey = keyFn
	}
}

func WithMetrics(c *metrics.Collectors, s *metrics.Store) Option {
	return func(o *Orchestrator) {
		o.collectors = c
		o.stats = s
	}
}

func WithSink(s IncidentSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type state struct {
	cfg           *config.Config
	workflows     []model.RecoveryWorkflow
	workflowsFile string
}

// Orchestrator runs one recovery cycle per assessment: it records an
// incident, executes the matching workflow and recommended actions, gathers
// evidence and settles the incident state.
type Orchestrator struct {
	logger     *slog.Logger
	st         atomic.Pointer[state]
	registry   *blocklist.Registry
	limiter    *ratelimit.Limiter
	auditor    Auditor
	incidents  IncidentStore
	locker     AccountLocker
	sessions   SessionTerminator
	files      FileQuarantiner
	notifier   Notifier
	profiles   ProfileSource
	profileKey func(model.SecurityEvent) string
	collectors *metrics.Collectors
	stats      *metrics.Store
	sink       IncidentSink
	now        func() time.Time
}

func New(cfg *config.Config, logger *slog.Logger, registry *blocklist.Registry, limiter *ratelimit.Limiter, auditor Auditor, incidents IncidentStore, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("recovery: block registry is required")
	}
	if incidents == nil {
		return nil, errors.New("recovery: incident store is required")
	}
	o := &Orchestrator{
		logger:    logging.For(logger, "recovery"),
		registry:  registry,
		limiter:   limiter,
		auditor:   auditor,
		incidents: incidents,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateConfig swaps the live configuration. The workflow catalogue is only
// reloaded when its path changes.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	next := &state{cfg: cfg, workflowsFile: cfg.Recovery.WorkflowsFile}
	if cur := o.st.Load(); cur != nil && cur.workflowsFile == next.workflowsFile {
		next.workflows = cur.workflows
	} else {
		wfs, err := LoadWorkflows(next.workflowsFile)
		if err != nil {
			return err
		}
		next.workflows = wfs
	}
	o.st.Store(next)
	return nil
}

func (o *Orchestrator) Workflows() []model.RecoveryWorkflow {
	wfs := o.st.Load().workflows
	out := make([]model.RecoveryWorkflow, len(wfs))
	copy(out, wfs)
	return out
}

// InitiateRecovery never fails. When the cycle cannot complete it returns a
// single monitor result asking for manual intervention and audits the
// failure as a system event.
func (o *Orchestrator) InitiateRecovery(ctx context.Context, a model.ThreatAssessment, ev model.SecurityEvent) (results []model.RecoveryActionResult) {
	defer func() {
		if r := recover(); r != nil {
			results = o.fallback(ev, fmt.Errorf("panic: %v", r))
		}
	}()
	inc, err := o.Respond(ctx, a, ev)
	if err != nil {
		return o.fallback(ev, err)
	}
	return inc.Actions
}

// Respond runs the recovery cycle and returns the settled incident.
func (o *Orchestrator) Respond(ctx context.Context, a model.ThreatAssessment, ev model.SecurityEvent) (model.SecurityIncident, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st := o.st.Load()
	cfg := st.cfg
	start := o.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = start
	}

	inc := model.SecurityIncident{
		ID:              uuid.NewString(),
		State:           model.IncidentCreated,
		Kind:            ev.Kind,
		Level:           a.Level,
		Severity:        a.Level.Severity(),
		Timestamp:       start,
		SourceIP:        ev.ClientIP,
		AffectedUser:    ev.UserID,
		Endpoint:        ev.Endpoint(),
		RequestSnapshot: requestSnapshot(ev),
		Techniques:      ev.Kind.Techniques(),
	}
	inc.AddTag("level:" + a.Level.String())
	inc.AddTag("kind:" + string(ev.Kind))
	for _, p := range a.MatchedPatterns {
		inc.AddTag("pattern:" + p)
	}
	for _, an := range a.Anomalies {
		inc.AddTag("anomaly:" + an)
	}
	if a.Fallback {
		inc.AddTag("fallback_assessment")
	}
	if err := o.incidents.Add(inc); err != nil {
		return inc, fmt.Errorf("record incident: %w", err)
	}
	inc.State = model.IncidentResponding

	c := &cycle{
		o:        o,
		cfg:      cfg,
		inc:      &inc,
		ev:       ev,
		a:        a,
		executed: make(map[model.SecurityAction]bool),
	}
	defaultTimeout := cfg.Recovery.DefaultActionTimeout

	if a.AutoBlock {
		block := model.ActionTemporaryBlock
		if a.PermanentBlock() {
			block = model.ActionPermanentBlock
		}
		c.execute(ctx, block, 0, defaultTimeout)
	}

	aborted := false
	if wf, ok := find(st.workflows, ev.Kind); ok {
		inc.Workflow = wf.Name
		if wf.RequiresApproval && !cfg.Recovery.AutoApprove {
			for _, act := range wf.Actions {
				c.followUp(act)
			}
			inc.AddTag("awaiting_approval")
		} else {
			timeout := wf.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			for _, act := range wf.Actions {
				res := c.execute(ctx, act, wf.MaxRetries, timeout)
				if !res.Success && act.Critical() {
					aborted = true
					inc.AddTag("workflow_aborted")
					o.logger.Warn("workflow aborted",
						"incident_id", inc.ID,
						"workflow", wf.Name,
						"action", act,
						"message", res.Message,
					)
					break
				}
			}
		}
	}

	for _, name := range a.RecommendedActions {
		act, ok := model.ParseAction(name)
		if !ok || c.executed[act] {
			continue
		}
		c.execute(ctx, act, 0, defaultTimeout)
	}

	inc.Evidence = o.collectEvidence(ev, a)
	inc.Resolution = resolution(inc.Actions)
	failed := inc.FailedActions()
	switch {
	case a.Level.AtLeast(model.LevelSevere) || failed >= cfg.Recovery.EscalateOnFailures:
		inc.State = model.IncidentEscalated
	case aborted || (len(inc.Actions) > 0 && failed == len(inc.Actions)):
		inc.State = model.IncidentFailed
	default:
		inc.State = model.IncidentResolved
	}
	inc.CompletedAt = o.now()
	took := inc.CompletedAt.Sub(start)

	if inc.State == model.IncidentEscalated && !c.executed[model.ActionEscalateSecurity] && o.notifier != nil {
		if err := o.notifier.NotifySecurityTeam(inc.Clone()); err != nil {
			o.logger.Warn("escalation notification failed", "incident_id", inc.ID, "err", err)
		}
	}

	if err := o.incidents.Update(inc); err != nil {
		return inc, fmt.Errorf("update incident: %w", err)
	}
	o.auditIncident(inc, took)
	o.collectors.ObserveIncident(string(inc.State), took)
	if o.sink != nil {
		if err := o.sink.SaveIncident(ctx, inc.Clone()); err != nil {
			o.logger.Warn("incident persistence failed", "incident_id", inc.ID, "err", err)
		}
	}
	o.logger.Info("recovery cycle complete",
		"incident_id", inc.ID,
		"kind", inc.Kind,
		"level", inc.Level.String(),
		"state", inc.State,
		"resolution", inc.Resolution,
		"took_ms", took.Milliseconds(),
	)
	return inc, nil
}

func resolution(actions []model.RecoveryActionResult) string {
	ok := 0
	for _, r := range actions {
		if r.Success {
			ok++
		}
	}
	failed := len(actions) - ok
	out := fmt.Sprintf("%d/%d actions successful", ok, len(actions))
	if failed > 0 {
		out += fmt.Sprintf(", %d failed", failed)
	}
	return out
}

func (o *Orchestrator) auditIncident(inc model.SecurityIncident, took time.Duration) {
	if o.auditor == nil {
		return
	}
	severity := inc.Severity
	outcome := model.OutcomeSuccess
	switch inc.State {
	case model.IncidentEscalated:
		severity = model.SeverityCritical
		if inc.FailedActions() > 0 {
			outcome = model.OutcomePartial
		}
	case model.IncidentFailed:
		outcome = model.OutcomeFailure
	}
	_, err := o.auditor.Append(model.AuditEntry{
		Timestamp: inc.CompletedAt,
		EventType: model.AuditIncident,
		Severity:  severity,
		Source:    source,
		Actor:     inc.AffectedUser,
		Target:    inc.SourceIP,
		Action:    "initiate_recovery",
		Outcome:   outcome,
		Details: map[string]any{
			audit.DetailIncidentID: inc.ID,
			audit.DetailResolution: inc.Resolution,
			audit.DetailResponseMs: took.Milliseconds(),
			audit.DetailState:      string(inc.State),
			audit.DetailKind:       string(inc.Kind),
			"level":                inc.Level.String(),
			"workflow":             inc.Workflow,
		},
	})
	if err != nil {
		o.logger.Error("audit append failed", "incident_id", inc.ID, "err", err)
	}
}

func (o *Orchestrator) auditAction(inc *model.SecurityIncident, res model.RecoveryActionResult) {
	if o.auditor == nil {
		return
	}
	severity := inc.Severity
	outcome := model.OutcomeSuccess
	if !res.Success {
		outcome = model.OutcomeFailure
		if severity.Rank() < model.SeverityHigh.Rank() {
			severity = model.SeverityHigh
		}
	}
	_, err := o.auditor.Append(model.AuditEntry{
		Timestamp: res.ExecutedAt,
		EventType: model.AuditRecoveryAction,
		Severity:  severity,
		Source:    source,
		Target:    res.Target,
		Action:    string(res.Action),
		Outcome:   outcome,
		Details: map[string]any{
			audit.DetailIncidentID: inc.ID,
			"message":              res.Message,
			"duration_ms":          res.Duration.Milliseconds(),
		},
	})
	if err != nil {
		o.logger.Error("audit append failed", "incident_id", inc.ID, "action", res.Action, "err", err)
	}
}

func (o *Orchestrator) fallback(ev model.SecurityEvent, err error) []model.RecoveryActionResult {
	o.logger.Error("recovery failed", "kind", ev.Kind, "client_ip", ev.ClientIP, "err", err)
	o.collectors.ObserveFallback("recovery")
	now := o.now()
	if o.auditor != nil {
		_, aerr := o.auditor.Append(model.AuditEntry{
			Timestamp: now,
			EventType: model.AuditSystemEvent,
			Severity:  model.SeverityHigh,
			Source:    source,
			Target:    ev.ClientIP,
			Action:    "initiate_recovery",
			Outcome:   model.OutcomeFailure,
			Details: map[string]any{
				"kind":  string(ev.Kind),
				"error": err.Error(),
			},
		})
		if aerr != nil {
			o.logger.Error("audit append failed", "err", aerr)
		}
	}
	return []model.RecoveryActionResult{{
		Action:     model.ActionMonitor,
		Success:    false,
		Message:    ManualIntervention,
		Target:     ev.ClientIP,
		ExecutedAt: now,
	}}
}
