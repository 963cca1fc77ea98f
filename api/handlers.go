package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/intake"
	"github.com/atriumhq/conductor/telemetry"
)

// orchestrateRequest is the intake payload for a new task.
type orchestrateRequest struct {
	Description    string            `json:"description"`
	Priority       string            `json:"priority"`
	ProjectContext map[string]string `json:"project_context"`
	SessionID      string            `json:"session_id"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.d.Intake.Orchestrate(r.Context(), intake.OrchestrateParams{
		Description:    req.Description,
		Priority:       req.Priority,
		ProjectContext: req.ProjectContext,
		SessionID:      req.SessionID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Status == "approval_pending" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	wf, err := s.d.Intake.Execute(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":     wf.ID,
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Intake.TaskStatus(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	// Task IDs and workflow IDs share a namespace for intake-submitted
	// work; anything unknown to intake is treated as a raw workflow ID.
	if wfID, err := s.d.Intake.WorkflowForTask(id); err == nil {
		id = wfID
	}
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "operator"
	}
	wf, err := s.d.Engine.Resume(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, &core.Error{
			Op: "api.chat", Kind: "request",
			Message: "message is required", Err: core.ErrValidation,
		})
		return
	}
	reply, err := s.d.Intake.HandleMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	status := core.WorkflowStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 100)
	wfs, err := s.d.Store.ListWorkflows(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": wfs, "count": len(wfs)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("cancelled_by")
	if actor == "" {
		actor = "operator"
	}
	if err := s.d.Engine.Cancel(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": r.PathValue("id"),
		"status":      "cancelling",
	})
}

func (s *Server) handleRetryFrom(w http.ResponseWriter, r *http.Request) {
	wf, err := s.d.Engine.RetryFromStep(r.Context(), r.PathValue("id"), r.PathValue("step_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"retry_from":  r.PathValue("step_id"),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := core.EventFilter{
		Action: r.URL.Query().Get("action"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	events, err := s.d.Log.Events(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	data, contentType, err := s.d.Log.Export(r.Context(), r.PathValue("id"), format)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeJSON(w, http.StatusBadRequest,
				errorBody("unsupported_format", err.Error(), nil))
			return
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Log.Replay(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": r.PathValue("id"),
		"status":      "verified",
		"last_seq":    st.LastSeq,
	})
}

func (s *Server) handleStateAt(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("timestamp")
	at, err := parseTimestamp(raw)
	if err != nil {
		s.writeError(w, r, &core.Error{
			Op: "api.state_at", Kind: "request", ID: raw,
			Message: "timestamp must be RFC3339 or unix seconds", Err: core.ErrValidation,
		})
		return
	}
	st, err := s.d.Log.StateAt(r.Context(), r.PathValue("id"), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.d.Store.ListSnapshots(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps, "count": len(snaps)})
}

type annotateRequest struct {
	Text   string `json:"text"`
	Author string `json:"author"`
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req annotateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, r, &core.Error{
			Op: "api.annotate", Kind: "request",
			Message: "text is required", Err: core.ErrValidation,
		})
		return
	}
	if req.Author == "" {
		req.Author = "operator"
	}
	payload, _ := json.Marshal(map[string]string{"text": req.Text, "author": req.Author})
	ev, err := s.d.Log.Append(r.Context(), r.PathValue("id"), core.ActionAnnotation, payload, req.Author, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	filter := core.ApprovalFilter{
		Status: core.ApprovalStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	reqs, err := s.d.Approvals.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs, "count": len(reqs)})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.d.Approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Approve       bool   `json:"approve"`
	ResolverID    string `json:"resolver_id"`
	ResolverRole  string `json:"resolver_role"`
	Justification string `json:"justification"`
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	resolved, err := s.d.Approvals.Decide(r.Context(), r.PathValue("id"),
		req.Approve, req.ResolverID, req.ResolverRole, req.Justification)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var rec core.AgentRecord
	if !s.decode(w, r, &rec) {
		return
	}
	if err := s.d.Registry.Register(r.Context(), &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type heartbeatRequest struct {
	Status core.AgentStatus `json:"status"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	req := heartbeatRequest{Status: core.AgentActive}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.d.Registry.Heartbeat(r.Context(), r.PathValue("id"), req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": r.PathValue("id"), "status": string(req.Status)})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	var (
		agents []*core.AgentRecord
		err    error
	)
	if capability := r.URL.Query().Get("capability"); capability != "" {
		agents, err = s.d.Registry.Discover(r.Context(), capability)
	} else {
		agents, err = s.d.Registry.List(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

func (s *Server) handleLockList(w http.ResponseWriter, r *http.Request) {
	held, err := s.d.Locks.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": held, "count": len(held)})
}

func (s *Server) handleLockForceRelease(w http.ResponseWriter, r *http.Request) {
	// Resource IDs are path-shaped (env/prod/api), hence the wildcard.
	resource := r.PathValue("resource")
	if err := s.d.Locks.ForceRelease(r.Context(), resource); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WarnWithContext(r.Context(), "lock force released", map[string]interface{}{
		"resource": resource,
	})
	telemetry.Counter("locks.force_released")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"engine":    "ok",
		"event_log": "ok",
		"approvals": "ok",
	}
	var agents *engineAgents
	if stats, err := s.d.Registry.Stats(r.Context()); err == nil {
		agents = &engineAgents{
			Total:   stats.Total,
			Active:  stats.Active,
			Busy:    stats.Busy,
			Offline: stats.Offline,
		}
		components["registry"] = "ok"
	} else {
		components["registry"] = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.started).String(),
		"components": components,
		"agents":     agents,
	})
}

type engineAgents struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
}

func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	usage := telemetry.TokenUsageSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{"consumers": usage, "count": len(usage)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// parseTimestamp accepts RFC3339 or unix seconds.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
