package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookwell/gatekeeper/pkg/config"
	"bookwell/gatekeeper/pkg/quota"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/usage"
	"bookwell/gatekeeper/pkg/quota/violation"
)

// Server is gatekeeper's HTTP surface.
type Server struct {
	cfg         config.ServerConfig
	coordinator *quota.Coordinator
	aggregator  *usage.Aggregator
	violations  *violation.Logger
	counters    store.CounterStore
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	httpServer  *http.Server
}

// New creates a Server. gatherer may be nil to use the default registry.
func New(cfg config.ServerConfig, coordinator *quota.Coordinator, aggregator *usage.Aggregator, violations *violation.Logger, counters store.CounterStore, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:         cfg,
		coordinator: coordinator,
		aggregator:  aggregator,
		violations:  violations,
		counters:    counters,
		gatherer:    gatherer,
		logger:      slog.Default().With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/admission/check", s.handleCheck)
	mux.HandleFunc("POST /v1/admission/release", s.handleRelease)

	mux.HandleFunc("GET /v1/keys/{key}/usage/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/keys/{key}/usage/endpoints", s.handleEndpoints)
	mux.HandleFunc("GET /v1/keys/{key}/usage/timeseries", s.handleTimeSeries)
	mux.HandleFunc("GET /v1/keys/{key}/limits", s.handleLimits)
	mux.HandleFunc("GET /v1/keys/{key}/violations", s.handleViolations)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// ListenAndServe runs the server until the context is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// checkRequest is the admission check request body.
type checkRequest struct {
	KeyID         string `json:"key_id"`
	Endpoint      string `json:"endpoint"`
	Method        string `json:"method"`
	SourceAddress string `json:"source_address"`
}

// decisionResponse is the wire form of an AdmissionDecision. Durations
// are surfaced in whole seconds, matching the Retry-After convention.
type decisionResponse struct {
	Allowed       bool    `json:"allowed"`
	CurrentUsage  int64   `json:"current_usage"`
	Limit         int64   `json:"limit"`
	WindowSeconds int64   `json:"window_seconds"`
	ResetTime     int64   `json:"reset_time"`
	RetryAfter    *int64  `json:"retry_after,omitempty"`
	Tier          string  `json:"tier"`
	LimitKind     string  `json:"limit_kind,omitempty"`
	FailOpen      bool    `json:"fail_open,omitempty"`
	CostIncurred  float64 `json:"cost_incurred,omitempty"`
}

func toDecisionResponse(d *quota.AdmissionDecision) decisionResponse {
	resp := decisionResponse{
		Allowed:       d.Allowed,
		CurrentUsage:  d.CurrentUsage,
		Limit:         d.Limit,
		WindowSeconds: int64(d.Window / time.Second),
		ResetTime:     d.Reset.Unix(),
		Tier:          string(d.Tier),
		LimitKind:     string(d.LimitKind),
		FailOpen:      d.FailOpen,
		CostIncurred:  d.CostIncurred,
	}
	if !d.Allowed {
		retry := int64(d.RetryAfter / time.Second)
		if retry < 0 {
			retry = 0
		}
		resp.RetryAfter = &retry
	}
	return resp
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.KeyID == "" {
		s.writeError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	decision := s.coordinator.CheckAdmission(r.Context(), req.KeyID, req.Endpoint, req.Method, req.SourceAddress)

	// Quota headers, for callers that translate straight to a 429.
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	remaining := decision.Limit - decision.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(decision.RetryAfter/time.Second), 10))
	}

	s.writeJSON(w, http.StatusOK, toDecisionResponse(decision))
}

// releaseRequest is the admission release request body.
type releaseRequest struct {
	KeyID         string `json:"key_id"`
	ResponseBytes int64  `json:"response_bytes"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.KeyID == "" {
		s.writeError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	s.coordinator.Release(r.Context(), req.KeyID, req.ResponseBytes)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.aggregator.GetSummary(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	breakdown, err := s.aggregator.GetEndpointBreakdown(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": breakdown})
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	start, err := parseDateParam(r, "start", now.AddDate(0, 0, -6))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return
	}
	end, err := parseDateParam(r, "end", now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		s.writeError(w, http.StatusBadRequest, "end must not precede start")
		return
	}

	series, err := s.aggregator.GetTimeSeries(r.Context(), r.PathValue("key"), start, end)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"days": series})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.coordinator.CurrentLimits(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	events, err := s.violations.Recent(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"violations": events})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.counters.Ping(r.Context()); err != nil {
		// Degraded, not down: the engine fails open without its store.
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps analytics read failures. Reads have no fail-open
// path; unavailability surfaces as 503 so dashboards can retry.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	s.logger.Warn("analytics read failed", "error", err)
	s.writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
}

func parseIntParam(r *http.Request, name string, fallback int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseDateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}
