package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atriumhq/conductor/bus"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/engine"
)

// streamBuffer sizes the SSE subscriber queue. A slow client drops
// events rather than stalling the engine.
const streamBuffer = 256

type streamRequest struct {
	TaskID string `json:"task_id"`
}

// streamEnders are the actions after which a workflow emits nothing
// until an external resume, so the stream can close.
var streamEnders = map[string]bool{
	core.ActionWorkflowCompleted:  true,
	core.ActionWorkflowFailed:     true,
	core.ActionWorkflowRolledBack: true,
	core.ActionWorkflowCancelled:  true,
	core.ActionWorkflowSuspended:  true,
}

// handleExecuteStream executes an orchestrated task and streams its
// lifecycle events as SSE until the workflow reaches a resting state.
// The subscription opens before execution starts so no event is missed.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		s.writeError(w, r, &core.Error{
			Op: "api.execute_stream", Kind: "request",
			Message: "task_id is required", Err: core.ErrValidation,
		})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.d.Bus == nil {
		s.writeError(w, r, &core.Error{
			Op: "api.execute_stream", Kind: "transport",
			Message: "streaming unsupported", Err: core.ErrValidation,
		})
		return
	}

	sub, err := s.d.Bus.Subscribe(engine.Topic, streamBuffer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	wf, err := s.d.Intake.Execute(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeSSE(w, "workflow_accepted", map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	})
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-sub.C():
			if !open {
				return
			}
			ev := eventFromMessage(msg)
			if ev == nil || ev.WorkflowID != wf.ID {
				continue
			}
			writeSSE(w, ev.Action, ev)
			flusher.Flush()
			if streamEnders[ev.Action] {
				return
			}
		}
	}
}

func eventFromMessage(msg bus.Message) *core.Event {
	ev, ok := msg.Payload.(*core.Event)
	if !ok {
		return nil
	}
	return ev
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}
