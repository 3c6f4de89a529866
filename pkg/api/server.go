// Package api is the HTTP surface: analysis triggers, the timeline read,
// the observer websocket, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cybersentinel/pkg/auth"
	"cybersentinel/pkg/broadcast"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/metrics"
	otelobs "cybersentinel/pkg/observability/otel"
	"cybersentinel/pkg/orchestrator"
	"cybersentinel/pkg/ratelimit"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

const (
	maxBodyBytes       = 1 << 20
	maxEventsPerReq    = 500
	defaultSyncTimeout = 10 * time.Minute
	serviceName        = "CyberSentinel"
)

// Version is reported by /health.
var Version = "0.1.0"

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *orchestrator.Dispatcher
	Store        incident.Store
	Registry     *broadcast.Registry
	// Tokens enables bearer auth on /api and /ws when set.
	Tokens *auth.TokenManager
	// Limiter caps analysis runs per tenant when set.
	Limiter     ratelimit.Limiter
	Metrics     *metrics.Pipeline
	Gatherer    prometheus.Gatherer
	Logger      *structlog.Logger
	SyncTimeout time.Duration
	Health      Pinger
}

type Server struct {
	orch        *orchestrator.Orchestrator
	dispatcher  *orchestrator.Dispatcher
	store       incident.Store
	registry    *broadcast.Registry
	tokens      *auth.TokenManager
	limiter     ratelimit.Limiter
	metrics     *metrics.Pipeline
	gatherer    prometheus.Gatherer
	logger      *structlog.Logger
	syncTimeout time.Duration
	health      Pinger
}

func NewServer(o Options) *Server {
	s := &Server{
		orch:        o.Orchestrator,
		dispatcher:  o.Dispatcher,
		store:       o.Store,
		registry:    o.Registry,
		tokens:      o.Tokens,
		limiter:     o.Limiter,
		metrics:     o.Metrics,
		gatherer:    o.Gatherer,
		logger:      o.Logger,
		syncTimeout: o.SyncTimeout,
		health:      o.Health,
	}
	if s.logger == nil {
		s.logger = structlog.Nop()
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = defaultSyncTimeout
	}
	if s.registry == nil {
		s.registry = broadcast.NewRegistry()
	}
	return s
}

// Handler builds the routed, instrumented handler. Order, outermost first:
// tracing, access log, metrics, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		if s.tokens == nil {
			return h
		}
		return s.tokens.Middleware()(h)
	}
	mux.Handle("POST /api/incidents/analyze", protect(s.handleAnalyze))
	mux.Handle("POST /api/incidents/{id}/advance", protect(s.handleAdvance))
	mux.Handle("GET /api/incidents/{id}/timeline", protect(s.handleTimeline))

	wsOpts := []broadcast.WSOption{broadcast.WithWSLogger(s.logger)}
	if s.tokens != nil {
		wsOpts = append(wsOpts, broadcast.WithAuthorizer(func(r *http.Request, tenant string) error {
			_, err := s.tokens.VerifyTenant(r.Context(), auth.BearerToken(r), tenant)
			return err
		}))
	}
	mux.Handle("GET /ws/incidents/{tenant}", broadcast.NewWSHandler(s.registry, wsOpts...))

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.HandlerFor(s.gatherer))
	} else {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	var h http.Handler = mux
	h = s.metrics.Middleware(h)
	h = otelobs.HTTPTraceLogMiddleware(s.logger, h)
	return otelobs.WrapHTTPHandler("sentinel-api", h)
}

type eventInput struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

type analyzeRequest struct {
	TenantID string       `json:"tenant_id"`
	Events   []eventInput `json:"events"`
}

func (req analyzeRequest) validate() error {
	if req.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if len(req.Events) > maxEventsPerReq {
		return fmt.Errorf("at most %d events per request", maxEventsPerReq)
	}
	for i, e := range req.Events {
		if e.Source == "" || e.EventType == "" {
			return fmt.Errorf("events[%d]: source and event_type are required", i)
		}
	}
	return nil
}

func (req analyzeRequest) events() []incident.Event {
	out := make([]incident.Event, 0, len(req.Events))
	now := time.Now().UTC()
	for _, e := range req.Events {
		ts := now
		if e.Timestamp != nil && !e.Timestamp.IsZero() {
			ts = e.Timestamp.UTC()
		}
		out = append(out, incident.Event{
			TenantID:  req.TenantID,
			Source:    e.Source,
			Type:      e.EventType,
			Payload:   e.Payload,
			Timestamp: ts,
		})
	}
	return out
}

type acceptedResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// ResultResponse is the JSON body of a finished analysis.
type ResultResponse struct {
	IncidentID    string                `json:"incident_id"`
	Status        incident.Status       `json:"status"`
	Analysis      schema.EventAnalysis  `json:"analysis"`
	TopHypothesis schema.HypothesisItem `json:"top_hypothesis"`
	Plan          schema.ResponsePlan   `json:"plan"`
	Approved      bool                  `json:"approved"`
	Revised       bool                  `json:"revised"`
	Degraded      bool                  `json:"degraded"`
	AuditGaps     []string              `json:"audit_gaps,omitempty"`
}

func NewResultResponse(res *orchestrator.Result) ResultResponse {
	return ResultResponse{
		IncidentID:    res.Incident.ID,
		Status:        res.Incident.Status,
		Analysis:      res.EventAnalysis(),
		TopHypothesis: res.Top,
		Plan:          res.FinalPlan().Plan,
		Approved:      res.Approved(),
		Revised:       res.Revised,
		Degraded:      res.Degraded(),
		AuditGaps:     res.AuditGaps,
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := auth.CheckTenant(r.Context(), req.TenantID); err != nil {
		writeError(w, auth.StatusFor(err), "forbidden", err.Error())
		return
	}
	if !s.admit(w, r, req.TenantID) {
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		if s.dispatcher == nil {
			writeError(w, http.StatusServiceUnavailable, "busy", "background analysis is disabled")
			return
		}
		inc, err := s.dispatcher.SubmitAnalyze(r.Context(), req.TenantID, req.events())
		if err != nil {
			s.submitFailed(w, r, inc.ID, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			IncidentID: inc.ID,
			Status:     "processing",
			Message:    "Incident analysis started",
		})
		return
	}

	ctx, cancel := s.syncContext(r)
	defer cancel()
	res, err := s.orch.Analyze(ctx, req.TenantID, req.events())
	if err != nil {
		s.logger.WithContext(r.Context()).Error("analyze failed", structlog.Fields{"tenant_id": req.TenantID, "error": err})
		writeError(w, http.StatusInternalServerError, "internal_error", "could not open incident")
		return
	}
	writeJSON(w, http.StatusOK, NewResultResponse(res))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	if inc.Status == incident.StatusClosed {
		writeError(w, http.StatusConflict, "conflict", orchestrator.ErrIncidentClosed.Error())
		return
	}
	if !s.admit(w, r, inc.TenantID) {
		return
	}

	if r.URL.Query().Get("mode") == "async" {
		if s.dispatcher == nil {
			writeError(w, http.StatusServiceUnavailable, "busy", "background analysis is disabled")
			return
		}
		if err := s.dispatcher.SubmitAdvance(r.Context(), inc.ID); err != nil {
			s.submitFailed(w, r, inc.ID, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			IncidentID: inc.ID,
			Status:     "processing",
			Message:    "Incident analysis started",
		})
		return
	}

	ctx, cancel := s.syncContext(r)
	defer cancel()
	res, err := s.orch.Advance(ctx, inc.ID)
	if errors.Is(err, orchestrator.ErrIncidentClosed) {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewResultResponse(res))
}

// admit charges one run to tenant. A failing limiter lets the request through.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.logger.WithContext(r.Context()).Warn("rate limiter failed", structlog.Fields{"tenant_id": tenant, "error": err})
		return true
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now()).Seconds())))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many analyses for tenant "+tenant)
	return false
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}
	entries, err := incident.Timeline(r.Context(), s.store, inc.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []incident.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "project": serviceName, "version": Version}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// syncContext keeps request values but not its cancellation, so a client
// disconnect cannot leave a run half recorded.
func (s *Server) syncContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.syncTimeout)
}

// loadIncident resolves {id} and enforces the caller's tenant.
func (s *Server) loadIncident(w http.ResponseWriter, r *http.Request) (incident.Incident, bool) {
	inc, err := s.store.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return incident.Incident{}, false
	}
	if err := auth.CheckTenant(r.Context(), inc.TenantID); err != nil {
		// do not reveal other tenants' incidents
		writeError(w, http.StatusNotFound, "not_found", incident.ErrNotFound.Error())
		return incident.Incident{}, false
	}
	return inc, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.WithContext(r.Context()).Error("store read failed", structlog.Fields{"error": err})
	writeError(w, http.StatusInternalServerError, "internal_error", "storage unavailable")
}

func (s *Server) submitFailed(w http.ResponseWriter, r *http.Request, incidentID string, err error) {
	if errors.Is(err, orchestrator.ErrQueueFull) {
		s.logger.WithContext(r.Context()).Warn("dispatcher at capacity", structlog.Fields{"incident_id": incidentID})
		w.Header().Set("Retry-After", "5")
		body := errorBody("busy", err.Error())
		if incidentID != "" {
			body["incident_id"] = incidentID
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.logger.WithContext(r.Context()).Error("schedule analysis failed", structlog.Fields{"error": err})
	writeError(w, http.StatusInternalServerError, "internal_error", "could not schedule analysis")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody(kind, message))
}

func errorBody(kind, message string) map[string]any {
	return map[string]any{
		"error":     kind,
		"message":   message,
		"timestamp": time.Now().Unix(),
	}
}
