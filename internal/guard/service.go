package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threatguard/internal/audit"
	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/engine"
	"threatguard/internal/geo"
	"threatguard/internal/incidents"
	"threatguard/internal/logging"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
	"threatguard/internal/notify"
	"threatguard/internal/profile"
	"threatguard/internal/ratelimit"
	"threatguard/internal/recovery"
	"threatguard/internal/storage"
)

const gaugeInterval = 15 * time.Second

type options struct {
	recovery []recovery.Option
	geo      geo.Resolver
	sender   notify.Sender
	clock    func() time.Time
}

type Option func(*options)

func WithAccountLocker(l recovery.AccountLocker) Option {
	return func(o *options) { o.recovery = append(o.recovery, recovery.WithAccountLocker(l)) }
}

func WithSessionTerminator(t recovery.SessionTerminator) Option {
	return func(o *options) { o.recovery = append(o.recovery, recovery.WithSessionTerminator(t)) }
}

func WithFileQuarantiner(q recovery.FileQuarantiner) Option {
	return func(o *options) { o.recovery = append(o.recovery, recovery.WithFileQuarantiner(q)) }
}

// WithGeoResolver overrides the MaxMind resolver built from config.
func WithGeoResolver(r geo.Resolver) Option {
	return func(o *options) { o.geo = r }
}

// WithNotificationSender overrides the NATS sender built from config.
func WithNotificationSender(s notify.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithClock pins the time source of every component; tests only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Service wires the assessment engine, recovery orchestrator, limiter,
// registry and audit log into one instance. Construct exactly one per
// process with New and release it with Close.
type Service struct {
	cfg          *config.Manager
	logger       *slog.Logger
	collectors   *metrics.Collectors
	stats        *metrics.Store
	registry     *blocklist.Registry
	limiter      *ratelimit.Limiter
	profiles     *profile.Store
	history      *profile.History
	engine       *engine.Engine
	orchestrator *recovery.Orchestrator
	audit        *audit.Log
	incidents    *incidents.Store
	dispatcher   *notify.Dispatcher
	nats         *notify.NATSSender
	maxmind      *geo.MaxMind
	writer       *storage.AsyncWriter
	now          func() time.Time
	closeOnce    sync.Once
}

func New(mgr *config.Manager, logger *slog.Logger, opts ...Option) (*Service, error) {
	if mgr == nil {
		mgr = config.NewStaticManager(nil)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := mgr.Get()
	s := &Service{
		cfg:        mgr,
		logger:     logging.For(logger, "guard"),
		collectors: metrics.NewCollectors(),
		stats:      metrics.NewStore(cfg.Profiles.Capacity),
		incidents:  incidents.NewStore(cfg.Incidents.StoreLimit, cfg.Incidents.Retention),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if o.clock != nil {
		s.now = o.clock
	}

	s.registry = blocklist.NewRegistry(blocklist.NewAccessPolicy(cfg.AccessControl))
	s.limiter = ratelimit.New(cfg.RateLimit, s.registry)
	if o.clock != nil {
		s.registry.SetClock(o.clock)
		s.limiter.SetClock(o.clock)
	}

	var err error
	if s.profiles, err = profile.NewStore(cfg.Profiles.Capacity); err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	if s.history, err = profile.NewHistory(cfg.Profiles.Capacity, cfg.Profiles.HistoryLimit); err != nil {
		return nil, fmt.Errorf("event history: %w", err)
	}

	if err := s.openStorage(cfg); err != nil {
		return nil, err
	}

	auditOpts := []audit.Option{}
	if cfg.Audit.ArchivePath != "" {
		arch, err := audit.NewFileArchiver(cfg.Audit.ArchivePath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("audit archive: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithArchiver(arch))
	}
	if s.writer != nil {
		auditOpts = append(auditOpts, audit.WithSink(s.writer))
	}
	if o.clock != nil {
		auditOpts = append(auditOpts, audit.WithClock(o.clock))
	}
	s.audit = audit.New(cfg.Audit.MaxEntries, logger, auditOpts...)

	resolver := o.geo
	if resolver == nil && cfg.Geo.CityDBPath != "" {
		mm, err := geo.OpenMaxMind(cfg.Geo.CityDBPath, cfg.Geo.CacheSize)
		if err != nil {
			s.logger.Warn("geo database unavailable, enrichment disabled", "path", cfg.Geo.CityDBPath, "err", err)
		} else {
			s.maxmind = mm
			resolver = mm
		}
	}

	engineOpts := []engine.Option{
		engine.WithMetrics(s.collectors, s.stats),
		engine.WithAuditor(s.audit),
		engine.WithRegistry(s.registry),
	}
	if resolver != nil {
		engineOpts = append(engineOpts, engine.WithGeo(resolver))
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(o.clock))
	}
	if s.engine, err = engine.New(cfg, logger, s.profiles, s.history, engineOpts...); err != nil {
		s.Close()
		return nil, err
	}

	sender := o.sender
	if sender == nil && cfg.Notify.Enabled && cfg.Notify.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			s.logger.Warn("nats unavailable, escalations will be logged only", "url", cfg.Notify.NATSURL, "err", err)
		} else {
			s.nats = nc
			sender = notify.NewBreakerSender(nc, "nats-notify", cfg.Notify.BreakerFailures, cfg.Notify.BreakerTimeout)
		}
	}
	s.dispatcher = notify.NewDispatcher(sender, notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Cooldown:  cfg.Notify.Cooldown,
	}, logger, s.collectors)

	recOpts := []recovery.Option{
		recovery.WithNotifier(s.dispatcher),
		recovery.WithProfiles(s.profiles, s.engine.ProfileKey),
		recovery.WithMetrics(s.collectors, s.stats),
	}
	if s.writer != nil {
		recOpts = append(recOpts, recovery.WithSink(s.writer))
	}
	if o.clock != nil {
		recOpts = append(recOpts, recovery.WithClock(o.clock))
	}
	recOpts = append(recOpts, o.recovery...)
	if s.orchestrator, err = recovery.New(cfg, logger, s.registry, s.limiter, s.audit, s.incidents, recOpts...); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) openStorage(cfg *config.Config) error {
	st, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if st == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("storage init: %w", err)
	}
	s.writer = storage.NewAsyncWriter(st, cfg.Storage.QueueSize, s.logger)
	s.writer.Start()
	return nil
}

// Assess scores one event. It never fails.
func (s *Service) Assess(ev model.SecurityEvent) model.ThreatAssessment {
	return s.engine.Assess(ev)
}

// InitiateRecovery runs the recovery cycle for an assessment. It never fails.
func (s *Service) InitiateRecovery(ctx context.Context, a model.ThreatAssessment, ev model.SecurityEvent) []model.RecoveryActionResult {
	return s.orchestrator.InitiateRecovery(ctx, a, ev)
}

// Process assesses ev and starts recovery when the level is moderate or
// above. Redeliveries inside the dedupe window return the earlier
// assessment without a second recovery cycle.
func (s *Service) Process(ctx context.Context, ev model.SecurityEvent) (model.ThreatAssessment, []model.RecoveryActionResult) {
	a, duplicate := s.engine.AssessEvent(ev)
	if duplicate || !a.Level.AtLeast(model.LevelModerate) {
		return a, nil
	}
	return a, s.orchestrator.InitiateRecovery(ctx, a, ev)
}

func (s *Service) IsBlocked(key string) bool {
	return s.registry.IsBlocked(key)
}

func (s *Service) Blocks(kind blocklist.Kind) []blocklist.Entry {
	return s.registry.List(kind)
}

func (s *Service) CheckRateLimit(key string, limit int, window time.Duration) (model.LimitResult, error) {
	res, err := s.limiter.Check(key, limit, window)
	if err == nil {
		s.collectors.ObserveRateLimit(res.Allowed)
	}
	return res, err
}

func (s *Service) CheckEndpoint(endpoint, userID, ip string) (ratelimit.EndpointResult, error) {
	res, err := s.limiter.CheckEndpoint(endpoint, userID, ip)
	if err == nil {
		s.collectors.ObserveRateLimit(res.Allowed)
	}
	return res, err
}

func (s *Service) GetClientProfile(key string) (model.ClientProfile, bool) {
	return s.profiles.Get(key)
}

// ClearClientProfile drops the profile and event history for key.
func (s *Service) ClearClientProfile(key string) bool {
	s.history.Clear(key)
	return s.profiles.Clear(key)
}

// UpdateConfig applies a partial document over the live config and pushes
// the result to every component.
func (s *Service) UpdateConfig(partial map[string]any) (*config.Config, error) {
	cfg, err := s.cfg.ApplyPartial(partial)
	if err != nil {
		return nil, err
	}
	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reconfigure pushes cfg to the components without touching the manager.
// Used after a file reload.
func (s *Service) Reconfigure(cfg *config.Config) error {
	var errs []error
	if err := s.engine.UpdateConfig(cfg); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := s.orchestrator.UpdateConfig(cfg); err != nil {
		errs = append(errs, fmt.Errorf("recovery: %w", err))
	}
	s.limiter.SetEndpoints(cfg.RateLimit.Endpoints)
	s.registry.SetPolicy(blocklist.NewAccessPolicy(cfg.AccessControl))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("configuration applied")
	return nil
}

func (s *Service) Config() *config.Config {
	return s.cfg.Get()
}

func (s *Service) GetAuditLog(start, end time.Time) []model.AuditEntry {
	return s.audit.Query(start, end)
}

func (s *Service) VerifyAuditLogIntegrity() audit.IntegrityReport {
	return s.audit.VerifyIntegrity()
}

func (s *Service) GenerateComplianceReport(start, end time.Time) audit.ComplianceReport {
	return s.audit.ComplianceReport(start, end)
}

func (s *Service) Incidents(limit int) []model.SecurityIncident {
	return s.incidents.List(limit)
}

func (s *Service) Incident(id string) (model.SecurityIncident, error) {
	return s.incidents.Get(id)
}

func (s *Service) Stats(top int) metrics.ThreatStats {
	return s.stats.Snapshot(top)
}

func (s *Service) Metrics() *metrics.Collectors {
	return s.collectors
}

func (s *Service) Patterns() []model.ThreatPattern {
	return s.engine.Patterns()
}

func (s *Service) Workflows() []model.RecoveryWorkflow {
	return s.orchestrator.Workflows()
}

// Start runs background work and consumes events until ctx is done or the
// channel is closed. A nil channel only runs the background work.
func (s *Service) Start(ctx context.Context, events <-chan model.SecurityEvent) error {
	cfg := s.cfg.Get()
	s.dispatcher.Start(ctx)
	s.registry.StartSweeper(ctx, cfg.RateLimit.SweepInterval)
	s.limiter.StartSweeper(ctx, cfg.RateLimit.SweepInterval)
	go s.housekeeping(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				<-ctx.Done()
				return nil
			}
			s.Process(ctx, ev)
		}
	}
}

func (s *Service) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.incidents.Sweep(s.now()); n > 0 {
				s.logger.Debug("incidents expired", "count", n)
			}
			s.collectors.SetActiveBlocks(s.registry.Len())
			s.collectors.SetAuditEntries(s.audit.Len())
		}
	}
}

// Close flushes pending notifications and writes and releases resources.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.dispatcher != nil {
			s.dispatcher.Close()
		}
		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				s.logger.Warn("storage close failed", "err", err)
			}
		}
		if s.nats != nil {
			s.nats.Close()
		}
		if s.maxmind != nil {
			_ = s.maxmind.Close()
		}
		s.incidents.Close()
	})
}
