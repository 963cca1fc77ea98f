// Package api is the orchestrator's public HTTP surface: task intake,
// workflow inspection and control, HITL operations, agent directory, and
// the signed webhook ingress. All bodies are JSON with a uniform error
// envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/approval"
	"github.com/atriumhq/conductor/bus"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/engine"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/intake"
	"github.com/atriumhq/conductor/locks"
	"github.com/atriumhq/conductor/registry"
	"github.com/atriumhq/conductor/telemetry"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Deps is everything the HTTP surface needs. The binary wires one of
// each at startup.
type Deps struct {
	Engine    *engine.Engine
	Intake    *intake.Service
	Approvals *approval.Manager
	Webhook   *approval.WebhookHandler
	Registry  registry.Registry
	Locks     locks.Manager
	Log       *eventlog.Log
	Store     core.DurableStore
	Bus       *bus.Bus
	Config    *core.Config
	Logger    core.Logger
}

// Server serves the public API.
type Server struct {
	d       Deps
	logger  core.Logger
	started time.Time
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{
		d:       d,
		logger:  core.ComponentLogger(logger, "api"),
		started: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orchestrate", s.handleOrchestrate)
	mux.HandleFunc("POST /execute/stream", s.handleExecuteStream)
	mux.HandleFunc("POST /execute/{task_id}", s.handleExecute)
	mux.HandleFunc("GET /task/{task_id}", s.handleTask)
	mux.HandleFunc("POST /resume/{task_id}", s.handleResume)
	mux.HandleFunc("POST /chat", s.handleChat)

	mux.HandleFunc("GET /workflows", s.handleWorkflows)
	mux.HandleFunc("DELETE /workflow/{id}", s.handleCancel)
	mux.HandleFunc("POST /workflow/{id}/retry-from/{step_id}", s.handleRetryFrom)
	mux.HandleFunc("GET /workflow/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /workflow/{id}/events/export", s.handleExport)
	mux.HandleFunc("POST /workflow/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /workflow/{id}/state-at/{timestamp}", s.handleStateAt)
	mux.HandleFunc("GET /workflow/{id}/snapshots", s.handleSnapshots)
	mux.HandleFunc("POST /workflow/{id}/annotate", s.handleAnnotate)

	mux.HandleFunc("GET /hitl/requests", s.handleApprovalList)
	mux.HandleFunc("GET /hitl/requests/{id}", s.handleApprovalGet)
	mux.HandleFunc("POST /hitl/requests/{id}/decision", s.handleApprovalDecide)
	if s.d.Webhook != nil {
		mux.Handle("POST /webhooks/{channel}", s.d.Webhook)
	}

	mux.HandleFunc("POST /agents/register", s.handleAgentRegister)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("GET /agents", s.handleAgentList)

	mux.HandleFunc("GET /locks", s.handleLockList)
	mux.HandleFunc("DELETE /locks/{resource...}", s.handleLockForceRelease)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics/tokens", s.handleTokenMetrics)

	return s.withMiddleware(mux)
}

// withMiddleware tags every request with a correlation ID and logs it.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := core.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		telemetry.Duration("api.request.duration", start, "path", r.URL.Path)
		s.logger.DebugWithContext(ctx, "request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the standard envelope. Details carry only the operation
// and entity ID, never raw internals.
func errorBody(code, message string, details map[string]string) map[string]interface{} {
	e := map[string]interface{}{"code": code, "message": message}
	if len(details) > 0 {
		e["details"] = details
	}
	return map[string]interface{}{"error": e}
}

// writeError maps the error taxonomy onto HTTP statuses and the envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, core.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, core.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, core.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrVersionConflict), errors.Is(err, core.ErrSeqConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrLockConflict):
		status, code = http.StatusConflict, "lock_conflict"
	case errors.Is(err, core.ErrWorkflowTerminal):
		status, code = http.StatusConflict, "workflow_terminal"
	case errors.Is(err, core.ErrNotSuspended):
		status, code = http.StatusConflict, "not_suspended"
	case errors.Is(err, core.ErrRiskRejected):
		status, code = http.StatusConflict, "approval_rejected"
	case errors.Is(err, core.ErrRiskExpired):
		status, code = http.StatusGone, "expired"
	case errors.Is(err, core.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, core.ErrAgentUnavailable):
		status, code = http.StatusServiceUnavailable, "agent_unavailable"
	case errors.Is(err, core.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, core.ErrReplayIntegrity):
		status, code = http.StatusInternalServerError, "replay_integrity_error"
	}

	details := map[string]string{}
	var ce *core.Error
	if errors.As(err, &ce) {
		if ce.Op != "" {
			details["op"] = ce.Op
		}
		if ce.ID != "" {
			details["id"] = ce.ID
		}
	}
	if status >= 500 {
		s.logger.ErrorWithContext(r.Context(), "request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		})
	}
	telemetry.Counter("api.error", "code", code)
	writeJSON(w, status, errorBody(code, err.Error(), details))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, r, &core.Error{
			Op: "api.decode", Kind: "request",
			Message: "malformed JSON body", Err: core.ErrValidation,
		})
		return false
	}
	return true
}
