// Package gateway exposes the read-only operator HTTP surface: health,
// run and case inspection, and a live event stream. All endpoints
// except healthz require the bearer token.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/greenwichg/etl-transforations/internal/bus"
	otelPkg "github.com/greenwichg/etl-transforations/internal/otel"
	"github.com/greenwichg/etl-transforations/internal/persistence"
	"github.com/greenwichg/etl-transforations/internal/shared"
	"github.com/greenwichg/etl-transforations/internal/tracker"
)

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Tracker *tracker.Tracker

	Addr      string
	AuthToken string

	// ConfigFingerprint is the hash of the active config, exposed in
	// healthz so operators can confirm which config a daemon runs.
	ConfigFingerprint string

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	http   *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunByID)
	mux.HandleFunc("/api/v1/cases", s.handleCases)
	mux.HandleFunc("/api/v1/cases/", s.handleCaseByID)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)
	return s.logRequests(mux)
}

// Start binds the listener and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", traceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// authorize checks the bearer token with a constant-time compare. An
// empty configured token disables the API entirely rather than opening
// it up.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.RunCounts(r.Context())
	dbOK := err == nil

	var openCases int
	if cases, err := s.cfg.Store.OpenCases(r.Context()); err == nil {
		openCases = len(cases)
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"runs_by_status":     byStatus,
		"open_cases":         openCases,
		"subscribers":        s.cfg.Bus.SubscriberCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleStartRun(w, r)
		return
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pipeline := r.URL.Query().Get("pipeline")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var runs []*persistence.JobRun
	var err error
	if pipeline != "" {
		runs, err = s.cfg.Store.RunsByPipeline(r.Context(), pipeline, limit)
	} else {
		runs, err = s.cfg.Store.ActiveRuns(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	trace.SpanFromContext(r.Context()).SetAttributes(
		otelPkg.AttrRunID.String(strings.SplitN(rest, "/", 2)[0]))
	if runID, ok := strings.CutSuffix(rest, "/heartbeat"); ok {
		s.handleRunHeartbeat(w, r, runID)
		return
	}
	if runID, ok := strings.CutSuffix(rest, "/complete"); ok {
		s.handleRunComplete(w, r, runID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := rest
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, persistence.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	checks, err := s.cfg.Store.ChecksByRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"run": run, "checks": checks})
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	cases, err := s.cfg.Store.OpenCases(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cases": cases})
}

func (s *Server) handleCaseByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	caseID := strings.TrimPrefix(r.URL.Path, "/api/v1/cases/")
	if caseID == "" {
		http.Error(w, "case id required", http.StatusBadRequest)
		return
	}
	c, err := s.cfg.Store.GetCase(r.Context(), caseID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, persistence.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	notifications, err := s.cfg.Store.NotificationsByCase(r.Context(), caseID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"case": c, "notifications": notifications})
}
