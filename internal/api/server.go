package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"threatguard/internal/audit"
	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/incidents"
	"threatguard/internal/ingest"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
	"threatguard/internal/normalize"
	"threatguard/internal/ratelimit"
)

const maxBody = 1 << 20

// Guard is the surface of the threat service the API exposes.
type Guard interface {
	Assess(ev model.SecurityEvent) model.ThreatAssessment
	Process(ctx context.Context, ev model.SecurityEvent) (model.ThreatAssessment, []model.RecoveryActionResult)
	IsBlocked(key string) bool
	Blocks(kind blocklist.Kind) []blocklist.Entry
	CheckRateLimit(key string, limit int, window time.Duration) (model.LimitResult, error)
	CheckEndpoint(endpoint, userID, ip string) (ratelimit.EndpointResult, error)
	GetClientProfile(key string) (model.ClientProfile, bool)
	ClearClientProfile(key string) bool
	UpdateConfig(partial map[string]any) (*config.Config, error)
	Config() *config.Config
	GetAuditLog(start, end time.Time) []model.AuditEntry
	VerifyAuditLogIntegrity() audit.IntegrityReport
	GenerateComplianceReport(start, end time.Time) audit.ComplianceReport
	Incidents(limit int) []model.SecurityIncident
	Incident(id string) (model.SecurityIncident, error)
	Stats(top int) metrics.ThreatStats
	Metrics() *metrics.Collectors
	Patterns() []model.ThreatPattern
	Workflows() []model.RecoveryWorkflow
}

type Server struct {
	guard   Guard
	logger  *slog.Logger
	version string
	router  *mux.Router
	now     func() time.Time
}

type statusResponse struct {
	Status       string              `json:"status"`
	Time         string              `json:"time"`
	Version      string              `json:"version"`
	Ingest       ingestStatus        `json:"ingest"`
	Storage      bool                `json:"storage"`
	Notify       bool                `json:"notify"`
	Stats        metrics.ThreatStats `json:"stats"`
	ActiveBlocks int                 `json:"active_blocks"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	Syslog    bool `json:"syslog"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type rateLimitRequest struct {
	Key      string `json:"key"`
	Limit    int    `json:"limit"`
	WindowMs int64  `json:"windowMs"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
	UserID   string `json:"user_id"`
	IP       string `json:"ip"`
}

type processResponse struct {
	Assessment model.ThreatAssessment       `json:"assessment"`
	Actions    []model.RecoveryActionResult `json:"actions"`
}

// NewServer builds the router. events, when non-nil, also mounts the ingest
// REST endpoint under /ingest.
func NewServer(guard Guard, events chan<- model.SecurityEvent, logger *slog.Logger, version string) *Server {
	s := &Server{
		guard:   guard,
		logger:  logger,
		version: version,
		router:  mux.NewRouter(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	r := s.router
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/assess", s.handleAssess).Methods(http.MethodPost)
	r.HandleFunc("/events/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/blocked/{key}", s.handleBlocked).Methods(http.MethodGet)
	r.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/ratelimit/check", s.handleRateLimit).Methods(http.MethodPost)
	r.HandleFunc("/ratelimit/endpoint", s.handleEndpointLimit).Methods(http.MethodPost)
	r.HandleFunc("/profiles/{key}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{key}", s.handleClearProfile).Methods(http.MethodDelete)
	r.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handlePatchConfig).Methods(http.MethodPatch)
	r.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/audit/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/compliance", s.handleCompliance).Methods(http.MethodGet)
	r.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}", s.handleIncident).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/catalogue/patterns", s.handlePatterns).Methods(http.MethodGet)
	r.HandleFunc("/catalogue/workflows", s.handleWorkflows).Methods(http.MethodGet)
	r.Handle("/metrics", guard.Metrics().Handler()).Methods(http.MethodGet)
	if events != nil {
		r.PathPrefix("/ingest/").Handler(http.StripPrefix("/ingest", ingest.NewRESTHandler(events, logger)))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg *config.Manager, guard Guard, events chan<- model.SecurityEvent, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(guard, events, logger, version),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.guard.Config()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Time:    s.now().Format(time.RFC3339Nano),
		Version: s.version,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			Syslog:    cfg.Ingest.Syslog.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Storage:      cfg.Storage.Enabled,
		Notify:       cfg.Notify.Enabled,
		Stats:        s.guard.Stats(5),
		ActiveBlocks: len(s.guard.Blocks(blocklist.KindIPBlock)),
	})
}

func (s *Server) readEvent(w http.ResponseWriter, r *http.Request) (model.SecurityEvent, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return model.SecurityEvent{}, false
	}
	fields, err := ingest.ParseJSONBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.SecurityEvent{}, false
	}
	fields.Raw = "api"
	ev, err := normalize.Normalize(*fields, s.now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return model.SecurityEvent{}, false
	}
	ev.Source = "api"
	return ev, true
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.guard.Assess(ev))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.readEvent(w, r)
	if !ok {
		return
	}
	a, actions := s.guard.Process(r.Context(), ev)
	if actions == nil {
		actions = []model.RecoveryActionResult{}
	}
	writeJSON(w, http.StatusOK, processResponse{Assessment: a, Actions: actions})
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"blocked": s.guard.IsBlocked(key),
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	list := s.guard.Blocks(blocklist.Kind(r.URL.Query().Get("kind")))
	writeJSON(w, http.StatusOK, map[string]any{
		"blocks": list,
		"count":  len(list),
	})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	res, err := s.guard.CheckRateLimit(req.Key, req.Limit, time.Duration(req.WindowMs)*time.Millisecond)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (s *Server) handleEndpointLimit(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.guard.CheckEndpoint(req.Endpoint, req.UserID, req.IP)
	switch {
	case errors.Is(err, ratelimit.ErrUnknownEndpoint):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.guard.GetClientProfile(mux.Vars(r)["key"])
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleClearProfile(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"cleared": s.guard.ClearClientProfile(key),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Config())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if !decodeBody(w, r, &partial) {
		return
	}
	cfg, err := s.guard.UpdateConfig(partial)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.logger != nil {
		s.logger.Info("config updated via api", "keys", len(partial))
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	start, end, ok := timeRange(w, r)
	if !ok {
		return
	}
	entries := s.guard.GetAuditLog(start, end)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.VerifyAuditLogIntegrity())
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	start, end, ok := timeRange(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.guard.GenerateComplianceReport(start, end))
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	list := s.guard.Incidents(intParam(r, "limit", 0))
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.guard.Incident(mux.Vars(r)["id"])
	if errors.Is(err, incidents.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Stats(intParam(r, "top", 10)))
}

func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request) {
	list := s.guard.Patterns()
	writeJSON(w, http.StatusOK, map[string]any{"patterns": list, "count": len(list)})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	list := s.guard.Workflows()
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list, "count": len(list)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// timeRange reads optional RFC3339 start and end query parameters.
func timeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	var start, end time.Time
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return start, end, false
		}
		start = ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return start, end, false
		}
		end = ts
	}
	return start, end, true
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
