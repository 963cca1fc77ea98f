package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/telemetry"
)

// defaultInvokeDeadline bounds one agent call when the node sets none.
const defaultInvokeDeadline = 120 * time.Second

// InvokeRequest is the payload POSTed to an agent's /invoke endpoint.
type InvokeRequest struct {
	WorkflowID string             `json:"workflow_id"`
	StepID     string             `json:"step_id"`
	Task       string             `json:"task"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Insights   []eventlog.Insight `json:"insights,omitempty"`
	Tools      []core.ToolHandle  `json:"tools,omitempty"`
	DeadlineMS int64              `json:"deadline_ms"`
}

// InvokeResponse is what an agent returns.
type InvokeResponse struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Summary string          `json:"summary,omitempty"`
}

// AgentClient dispatches one step to a worker agent.
type AgentClient interface {
	Invoke(ctx context.Context, agent *core.AgentRecord, req *InvokeRequest) (*InvokeResponse, error)
}

// HTTPAgentClient calls agents over HTTP. Timeouts surface as ErrTimeout
// and 5xx responses as ErrExternalFailure so the retry policy can class
// them; 4xx responses are the orchestrator's own fault and never retry.
type HTTPAgentClient struct {
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPAgentClient creates the production agent client.
func NewHTTPAgentClient(logger core.Logger) *HTTPAgentClient {
	return &HTTPAgentClient{
		httpClient: &http.Client{},
		logger:     core.ComponentLogger(logger, "engine/client"),
	}
}

func (c *HTTPAgentClient) Invoke(ctx context.Context, agent *core.AgentRecord, req *InvokeRequest) (*InvokeResponse, error) {
	deadline := defaultInvokeDeadline
	if req.DeadlineMS > 0 {
		deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	} else {
		req.DeadlineMS = deadline.Milliseconds()
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		agent.BaseEndpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			telemetry.Counter("engine.invoke_timeout", "agent_id", agent.ID)
			return nil, &core.Error{
				Op: "engine.Invoke", Kind: "agent", ID: agent.ID,
				Err: core.ErrTimeout,
			}
		}
		return nil, &core.Error{
			Op: "engine.Invoke", Kind: "agent", ID: agent.ID,
			Message: err.Error(), Err: core.ErrExternalFailure,
		}
	}
	defer resp.Body.Close()
	telemetry.Duration("engine.invoke.duration", start, "agent_id", agent.ID)

	switch {
	case resp.StatusCode >= 500:
		return nil, &core.Error{
			Op: "engine.Invoke", Kind: "agent", ID: agent.ID,
			Message: fmt.Sprintf("agent answered %d", resp.StatusCode),
			Err:     core.ErrExternalFailure,
		}
	case resp.StatusCode >= 400:
		return nil, &core.Error{
			Op: "engine.Invoke", Kind: "agent", ID: agent.ID,
			Message: fmt.Sprintf("agent answered %d", resp.StatusCode),
			Err:     core.ErrValidation,
		}
	}

	var out InvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &core.Error{
			Op: "engine.Invoke", Kind: "agent", ID: agent.ID,
			Message: "undecodable agent response", Err: core.ErrExternalFailure,
		}
	}
	return &out, nil
}
