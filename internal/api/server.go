// Package api exposes the orchestration engine over HTTP: workflow
// lifecycle endpoints, the approval and escalation surface, agent
// performance history, Prometheus metrics, and an SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/events"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/metrics"
	"github.com/agentcompany/agentcompany/internal/tracker"
)

// Orchestrator is the engine surface the API serves.
type Orchestrator interface {
	StartWorkflow(instruction, projectID string) (*core.Workflow, error)
	GetWorkflowState(wfID core.WorkflowID) (*core.Workflow, error)
	ListWorkflows(statusFilter core.WorkflowStatus) ([]core.RunInfo, error)
	SubmitDecision(wfID core.WorkflowID, d core.Decision) error
	HandleEscalation(wfID core.WorkflowID, d core.EscalationDecision) error
	RollbackToPhase(wfID core.WorkflowID, target core.Phase) error
	TerminateWorkflow(wfID core.WorkflowID, reason string) error
	PendingApprovals() []approval.Pending
}

// Server provides the HTTP REST endpoints for workflow management.
type Server struct {
	router  chi.Router
	engine  Orchestrator
	events  *events.Bus
	tracker *tracker.Tracker
	metrics *metrics.Set
	logger  *logging.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracker enables the agent performance endpoints.
func WithTracker(t *tracker.Tracker) ServerOption {
	return func(s *Server) { s.tracker = t }
}

// WithMetrics mounts the Prometheus registry at /metrics.
func WithMetrics(m *metrics.Set) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new API server around the engine.
func NewServer(engine Orchestrator, eventBus *events.Bus, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		events: eventBus,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleCreateWorkflow)

			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Post("/decisions", s.handleSubmitDecision)
				r.Post("/escalations", s.handleSubmitEscalation)
				r.Post("/rollback", s.handleRollback)
				r.Post("/terminate", s.handleTerminate)
			})
		})

		r.Get("/approvals", s.handleListApprovals)
		r.Get("/agents/{agentID}/performance", s.handleAgentPerformance)

		// SSE endpoint for real-time updates
		r.Get("/events", s.handleSSE)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondData wraps a successful payload in the {data} envelope.
func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, map[string]any{"data": data})
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps a DomainError to its HTTP status before
// falling back to 500.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	if status, ok := httpStatusForDomainError(err); ok {
		respondError(w, status, err.Error())
		return
	}
	s.logger.Error("request failed", "error", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx
// ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	return srv.ListenAndServe()
}
