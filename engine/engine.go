package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/approval"
	"github.com/atriumhq/conductor/bus"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/locks"
	"github.com/atriumhq/conductor/registry"
	"github.com/atriumhq/conductor/risk"
	"github.com/atriumhq/conductor/telemetry"
	"github.com/atriumhq/conductor/toolselect"
)

// Topic carries workflow lifecycle events on the bus; the API's SSE
// stream subscribes to it.
const Topic = "workflow.events"

const engineActor = "engine"

// runState is the execution cursor serialized into every checkpoint:
// everything needed to continue a workflow from a node boundary.
type runState struct {
	TemplateID string                     `json:"template_id"`
	ThreadID   string                     `json:"thread_id"`
	Task       string                     `json:"task"`
	Input      json.RawMessage            `json:"input,omitempty"`
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`

	// NodeID is the node to execute next.
	NodeID string `json:"node_id"`
	// LastNode is the most recently completed node; decision routing reads
	// its output, so it must survive checkpoints.
	LastNode string `json:"last_node,omitempty"`
	// CheckpointID is the checkpoint this state was loaded from, the
	// parent of the next one saved.
	CheckpointID string `json:"-"`
}

// StartParams describes a new workflow run. WorkflowID is normally left
// empty and generated; the intake layer sets it so pre-execution audit
// events (the upfront approval gate) and the run share one chain.
type StartParams struct {
	TemplateID string
	WorkflowID string
	ThreadID   string
	Task       string
	Input      json.RawMessage
	Actor      string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) { e.logger = core.ComponentLogger(l, "engine") }
}

// WithClock injects a clock, for tests.
func WithClock(c core.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithAgentClient replaces the HTTP agent client.
func WithAgentClient(c AgentClient) Option {
	return func(e *Engine) { e.client = c }
}

// WithAIClient enables model-backed decision nodes.
func WithAIClient(c core.AIClient) Option {
	return func(e *Engine) { e.ai = c }
}

// WithBus publishes workflow events on the given bus.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// Engine owns workflow execution. One Engine serves all workflows of a
// process; each running workflow occupies one goroutine between
// suspensions and nothing while suspended.
type Engine struct {
	log       *eventlog.Log
	store     core.DurableStore
	registry  registry.Registry
	locks     locks.Manager
	approvals *approval.Manager
	selector  *toolselect.Selector
	assessor  *risk.Assessor
	cfg       *core.Config

	tmplMu    sync.RWMutex
	templates map[string]*Template

	client AgentClient
	ai     core.AIClient
	bus    *bus.Bus
	logger core.Logger
	clock  core.Clock

	// sem bounds concurrently executing workflows when configured.
	sem chan struct{}

	cancelMu  sync.Mutex
	cancelled map[string]bool

	wg sync.WaitGroup
}

// New creates an Engine and registers its decision handler with the
// approval manager.
func New(
	log *eventlog.Log,
	store core.DurableStore,
	reg registry.Registry,
	lockMgr locks.Manager,
	approvals *approval.Manager,
	selector *toolselect.Selector,
	assessor *risk.Assessor,
	templates map[string]*Template,
	cfg *core.Config,
	opts ...Option,
) *Engine {
	if templates == nil {
		templates = make(map[string]*Template)
	}
	e := &Engine{
		log:       log,
		store:     store,
		registry:  reg,
		locks:     lockMgr,
		approvals: approvals,
		selector:  selector,
		assessor:  assessor,
		templates: templates,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		clock:     core.RealClock{},
		cancelled: make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	if e.client == nil {
		e.client = NewHTTPAgentClient(e.logger)
	}
	if cfg.MaxParallelWorkflows > 0 {
		e.sem = make(chan struct{}, cfg.MaxParallelWorkflows)
	}
	if approvals != nil {
		approvals.SetDecisionHandler(e.handleDecision)
	}
	return e
}

// Wait blocks until all running workflow goroutines return. For tests
// and graceful shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

// Templates returns the loaded template IDs, sorted.
func (e *Engine) Templates() []string {
	e.tmplMu.RLock()
	defer e.tmplMu.RUnlock()
	out := make([]string, 0, len(e.templates))
	for id := range e.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) template(id string) (*Template, bool) {
	e.tmplMu.RLock()
	defer e.tmplMu.RUnlock()
	t, ok := e.templates[id]
	return t, ok
}

// RegisterTemplate validates and installs a template at runtime. The
// intake layer registers one per synthesized task plan.
func (e *Engine) RegisterTemplate(t *Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	e.tmplMu.Lock()
	defer e.tmplMu.Unlock()
	e.templates[t.ID] = t
	return nil
}

// Start creates a workflow from a template and begins executing it in
// the background.
func (e *Engine) Start(ctx context.Context, p StartParams) (*core.Workflow, error) {
	tmpl, ok := e.template(p.TemplateID)
	if !ok {
		return nil, &core.Error{
			Op: "engine.Start", Kind: "template", ID: p.TemplateID,
			Err: core.ErrNotFound,
		}
	}
	if p.ThreadID == "" {
		p.ThreadID = "thread-" + uuid.New().String()
	}
	if p.Actor == "" {
		p.Actor = engineActor
	}

	workflowID := p.WorkflowID
	if workflowID == "" {
		workflowID = "wf-" + uuid.New().String()
	}
	payload, _ := json.Marshal(map[string]string{
		"template_id": p.TemplateID,
		"task":        p.Task,
	})
	_, err := e.append(ctx, workflowID, core.ActionWorkflowStarted, payload, p.Actor,
		func(wf *core.Workflow) {
			wf.TemplateID = p.TemplateID
			wf.ThreadID = p.ThreadID
			wf.Status = core.WorkflowRunning
		})
	if err != nil {
		return nil, err
	}
	telemetry.Counter("engine.workflow_started", "template", p.TemplateID)

	st := &runState{
		TemplateID: p.TemplateID,
		ThreadID:   p.ThreadID,
		Task:       p.Task,
		Input:      p.Input,
		Outputs:    make(map[string]json.RawMessage),
		NodeID:     tmpl.Entry,
	}
	e.spawn(workflowID, st)
	return e.store.GetWorkflow(ctx, workflowID)
}

func (e *Engine) spawn(workflowID string, st *runState) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.sem != nil {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
		}
		e.run(context.Background(), workflowID, st)
	}()
}

// run executes nodes until the workflow completes, fails, suspends, or
// is cancelled. Suspension returns without rescheduling anything; the
// decision handler spawns a fresh run when the human answers.
func (e *Engine) run(ctx context.Context, workflowID string, st *runState) {
	tmpl, ok := e.template(st.TemplateID)
	if !ok {
		e.finishFailed(ctx, workflowID, fmt.Errorf("template %s vanished", st.TemplateID))
		return
	}

	for st.NodeID != "" {
		if e.takeCancel(workflowID) {
			e.finishCancelled(ctx, workflowID)
			return
		}
		node := tmpl.Node(st.NodeID)
		if node == nil {
			e.finishFailed(ctx, workflowID, fmt.Errorf("node %s not in template %s", st.NodeID, st.TemplateID))
			return
		}

		next, suspended, err := e.executeNode(ctx, workflowID, tmpl, node, st)
		if err != nil {
			e.rollbackOrFail(ctx, workflowID, tmpl, st, err)
			return
		}
		if suspended {
			return
		}

		st.NodeID = next
		if next != "" {
			if _, cpErr := e.saveCheckpoint(ctx, workflowID, st, nil); cpErr != nil {
				e.logger.Warn("checkpoint save failed", map[string]interface{}{
					"workflow_id": workflowID, "node": next, "error": cpErr,
				})
			}
		}
	}

	_, err := e.append(ctx, workflowID, core.ActionWorkflowCompleted, nil, engineActor,
		func(wf *core.Workflow) {
			wf.Status = core.WorkflowCompleted
			wf.CurrentStep = ""
		})
	if err != nil {
		e.logger.Error("completion event failed", map[string]interface{}{
			"workflow_id": workflowID, "error": err,
		})
		return
	}
	telemetry.Counter("engine.workflow_completed")
}

// executeNode dispatches on node kind. It returns the next node ID, or
// suspended=true when the workflow parked on an approval gate.
func (e *Engine) executeNode(ctx context.Context, workflowID string, tmpl *Template, node *Node, st *runState) (string, bool, error) {
	switch node.Kind {
	case KindAgent:
		if err := e.runAgentNode(ctx, workflowID, node, st); err != nil {
			return "", false, err
		}
		return node.Next, false, nil
	case KindDecision:
		return e.runDecisionNode(ctx, workflowID, node, st)
	case KindApproval:
		return e.runApprovalNode(ctx, workflowID, node, st)
	case KindParallel:
		if err := e.runParallelNode(ctx, workflowID, tmpl, node, st); err != nil {
			return "", false, err
		}
		return node.Next, false, nil
	case KindMapReduce:
		if err := e.runMapReduceNode(ctx, workflowID, node, st); err != nil {
			return "", false, err
		}
		return node.Next, false, nil
	default:
		return "", false, fmt.Errorf("node %s: unknown kind %q", node.ID, node.Kind)
	}
}

// ----------------------------------------------------------------------------
// Agent nodes
// ----------------------------------------------------------------------------

func (e *Engine) runAgentNode(ctx context.Context, workflowID string, node *Node, st *runState) error {
	held, err := e.acquireNodeLocksRetrying(ctx, workflowID, node)
	if err != nil {
		e.recordStepFailed(ctx, workflowID, node.ID, err)
		return err
	}
	defer e.releaseNodeLocks(ctx, workflowID, node, held)

	output, agentID, err := e.invokeWithRetry(ctx, workflowID, node, st, node.Capability, st.Input)
	if err != nil {
		return err
	}
	e.recordStepCompleted(ctx, workflowID, node.ID, agentID, output)
	st.Outputs[node.ID] = output
	st.LastNode = node.ID
	return nil
}

// invokeWithRetry discovers an agent and calls it under the node's retry
// policy. Only error classes the policy names are retried; everything
// else fails the step on first sight.
func (e *Engine) invokeWithRetry(ctx context.Context, workflowID string, node *Node, st *runState, capability string, input json.RawMessage) (json.RawMessage, string, error) {
	policy := e.nodePolicy(node)
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		agent, err := e.pickAgent(ctx, capability)
		if err != nil {
			lastErr = err
		} else {
			e.recordStepStarted(ctx, workflowID, node.ID, agent.ID, attempt)
			resp, invokeErr := e.client.Invoke(ctx, agent, e.buildInvoke(ctx, workflowID, node, st, input))
			if invokeErr == nil {
				return resp.Output, agent.ID, nil
			}
			lastErr = invokeErr
		}

		if attempt == policy.MaxAttempts || !retryAllowed(lastErr, policy.RetryOn) {
			break
		}
		backoff := backoffFor(policy, attempt)
		telemetry.Counter("engine.step_retry", "step", node.ID)
		e.logger.WarnWithContext(ctx, "step failed, retrying", map[string]interface{}{
			"workflow_id": workflowID,
			"step":        node.ID,
			"attempt":     attempt,
			"backoff":     backoff.String(),
			"error":       lastErr,
		})
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	e.recordStepFailed(ctx, workflowID, node.ID, lastErr)
	return nil, "", lastErr
}

func (e *Engine) buildInvoke(ctx context.Context, workflowID string, node *Node, st *runState, input json.RawMessage) *InvokeRequest {
	req := &InvokeRequest{
		WorkflowID: workflowID,
		StepID:     node.ID,
		Task:       nodeTask(node, st),
		Input:      input,
		DeadlineMS: int64(node.DeadlineMS),
	}
	if e.selector != nil {
		tools, err := e.selector.Select(ctx, toolselect.Request{
			TaskText: req.Task,
			Role:     node.Role,
			Budget:   e.cfg.ToolBudget,
		})
		if err == nil {
			req.Tools = tools
		}
	}
	if state, err := e.log.LatestState(ctx, workflowID); err == nil {
		req.Insights = state.LastInsights(e.cfg.InsightWindow)
	}
	return req
}

func nodeTask(node *Node, st *runState) string {
	if node.Task != "" {
		return node.Task
	}
	return st.Task
}

// pickAgent returns the live agent with the lexicographically smallest ID
// for a capability, keeping dispatch deterministic.
func (e *Engine) pickAgent(ctx context.Context, capability string) (*core.AgentRecord, error) {
	agents, err := e.registry.Discover(ctx, capability)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, &core.Error{
			Op: "engine.pickAgent", Kind: "agent", ID: capability,
			Err: core.ErrAgentUnavailable,
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	// Prefer idle agents over busy ones.
	for _, a := range agents {
		if a.Status == core.AgentActive {
			return a, nil
		}
	}
	return agents[0], nil
}

func (e *Engine) nodePolicy(node *Node) RetryPolicy {
	if node.Retry != nil {
		return *node.Retry
	}
	r := e.cfg.Retry
	return RetryPolicy{
		MaxAttempts:   r.MaxAttempts,
		BackoffBaseMS: int(r.BackoffBase.Milliseconds()),
		BackoffCapMS:  int(r.BackoffCap.Milliseconds()),
		JitterMS:      int(r.Jitter.Milliseconds()),
	}
}

// backoffFor computes the capped, jittered exponential delay before the
// next attempt.
func backoffFor(policy RetryPolicy, attempt int) time.Duration {
	backoff := policy.Base() << (attempt - 1)
	if backoff > policy.Cap() {
		backoff = policy.Cap()
	}
	if j := policy.Jitter(); j > 0 {
		backoff += time.Duration(rand.Int63n(int64(j)))
	}
	return backoff
}

func retryAllowed(err error, retryOn []string) bool {
	if err == nil {
		return false
	}
	if len(retryOn) == 0 {
		retryOn = []string{"timeout", "external"}
	}
	for _, class := range retryOn {
		switch class {
		case "timeout":
			if errors.Is(err, core.ErrTimeout) {
				return true
			}
		case "external":
			if errors.Is(err, core.ErrExternalFailure) {
				return true
			}
		case "lock":
			if errors.Is(err, core.ErrLockConflict) {
				return true
			}
		case "conflict":
			if errors.Is(err, core.ErrVersionConflict) || errors.Is(err, core.ErrSeqConflict) {
				return true
			}
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Locks
// ----------------------------------------------------------------------------

// acquireNodeLocksRetrying waits for each contended resource up to the
// configured lock-wait bound, then hands a still-unobtainable lock to the
// node's retry policy (wait timeouts are in the default retry classes).
func (e *Engine) acquireNodeLocksRetrying(ctx context.Context, workflowID string, node *Node) ([]*core.ResourceLock, error) {
	if len(node.Resources) == 0 {
		return nil, nil
	}
	policy := e.nodePolicy(node)
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		held, err := locks.AcquireAllWait(ctx, e.locks, node.Resources, workflowID,
			e.cfg.LockDefaultTTL, "step "+node.ID, e.cfg.LockWaitTimeout)
		if err == nil {
			for _, lock := range held {
				payload, _ := json.Marshal(eventlog.LockEventPayload{ResourceID: lock.ResourceID, Owner: workflowID})
				if _, appendErr := e.append(ctx, workflowID, core.ActionLockAcquired, payload, engineActor, nil); appendErr != nil {
					e.logger.Warn("lock event append failed", map[string]interface{}{
						"workflow_id": workflowID, "resource": lock.ResourceID, "error": appendErr,
					})
				}
			}
			return held, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts || !retryAllowed(err, policy.RetryOn) {
			break
		}
		backoff := backoffFor(policy, attempt)
		telemetry.Counter("engine.lock_retry", "step", node.ID)
		e.logger.WarnWithContext(ctx, "lock acquisition failed, retrying", map[string]interface{}{
			"workflow_id": workflowID,
			"step":        node.ID,
			"attempt":     attempt,
			"backoff":     backoff.String(),
			"error":       err,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (e *Engine) releaseNodeLocks(ctx context.Context, workflowID string, node *Node, held []*core.ResourceLock) {
	for i := len(held) - 1; i >= 0; i-- {
		if err := e.locks.Release(ctx, held[i].ResourceID, workflowID); err != nil {
			e.logger.Warn("lock release failed", map[string]interface{}{
				"workflow_id": workflowID, "resource": held[i].ResourceID, "error": err,
			})
			continue
		}
		payload, _ := json.Marshal(eventlog.LockEventPayload{ResourceID: held[i].ResourceID, Owner: workflowID})
		_, _ = e.append(ctx, workflowID, core.ActionLockReleased, payload, engineActor, nil)
	}
}

// ----------------------------------------------------------------------------
// Decision nodes
// ----------------------------------------------------------------------------

// runDecisionNode routes through the first edge whose keywords match the
// deciding text. When no rule fires and a model is wired, the model picks
// among the edge labels as a closed set; any unusable answer falls back
// to the lexicographically smallest label so routing stays total.
func (e *Engine) runDecisionNode(ctx context.Context, workflowID string, node *Node, st *runState) (string, bool, error) {
	text := decidingText(node, st)

	var chosen *Edge
	for i := range node.Edges {
		edge := &node.Edges[i]
		for _, kw := range edge.When {
			if strings.Contains(strings.ToLower(text), strings.ToLower(kw)) {
				chosen = edge
				break
			}
		}
		if chosen != nil {
			break
		}
	}

	if chosen == nil && e.ai != nil {
		if edge := e.askModel(ctx, node, text); edge != nil {
			chosen = edge
		}
	}
	if chosen == nil {
		labels := make([]string, len(node.Edges))
		for i, edge := range node.Edges {
			labels[i] = edge.Label
		}
		sort.Strings(labels)
		chosen = edgeByLabel(node, labels[0])
	}

	payload, _ := json.Marshal(eventlog.StepEventPayload{
		StepID: node.ID,
		Output: json.RawMessage(fmt.Sprintf(`{"label":%q}`, chosen.Label)),
	})
	_, _ = e.append(ctx, workflowID, core.ActionStepCompleted, payload, engineActor,
		func(wf *core.Workflow) { wf.CurrentStep = node.ID })
	telemetry.Counter("engine.decision", "step", node.ID, "label", chosen.Label)
	return chosen.To, false, nil
}

func (e *Engine) askModel(ctx context.Context, node *Node, text string) *Edge {
	labels := make([]string, len(node.Edges))
	for i, edge := range node.Edges {
		labels[i] = edge.Label
	}
	resp, err := e.ai.GenerateResponse(ctx,
		fmt.Sprintf("Choose the best route for this situation.\n\nSituation:\n%s", text),
		&core.AIOptions{
			SystemPrompt:   "Answer with exactly one of the allowed labels and nothing else.",
			ResponseLabels: labels,
			Temperature:    0,
			MaxTokens:      16,
		})
	if err != nil {
		e.logger.WarnWithContext(ctx, "decision model unavailable", map[string]interface{}{
			"step": node.ID, "error": err,
		})
		return nil
	}
	telemetry.RecordTokens("decision:"+resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	for i := range node.Edges {
		if strings.ToLower(node.Edges[i].Label) == answer {
			return &node.Edges[i]
		}
	}
	return nil
}

func edgeByLabel(node *Node, label string) *Edge {
	for i := range node.Edges {
		if node.Edges[i].Label == label {
			return &node.Edges[i]
		}
	}
	return &node.Edges[0]
}

// decidingText is what decision rules and the model see: the task plus
// the output of the last completed node. Identical histories must produce
// identical text, so the last node is tracked explicitly rather than
// inferred from map order.
func decidingText(node *Node, st *runState) string {
	text := nodeTask(node, st)
	if out, ok := st.Outputs[st.LastNode]; ok {
		text += "\n" + string(out)
	}
	return text
}

// ----------------------------------------------------------------------------
// Approval nodes
// ----------------------------------------------------------------------------

// runApprovalNode assesses the gate's risk. Low risk passes straight
// through; anything higher checkpoints the workflow, files an approval
// request, and suspends: the goroutine returns and nothing is scheduled
// until a decision or expiry arrives.
func (e *Engine) runApprovalNode(ctx context.Context, workflowID string, node *Node, st *runState) (string, bool, error) {
	descriptor := node.Descriptor
	if descriptor == "" {
		descriptor = st.Task
	}
	assessment := e.assessor.Assess(descriptor)

	if !assessment.RequiresApproval() {
		payload, _ := json.Marshal(eventlog.StepEventPayload{
			StepID: node.ID,
			Output: json.RawMessage(`{"auto_approved":true}`),
		})
		_, _ = e.append(ctx, workflowID, core.ActionStepCompleted, payload, engineActor,
			func(wf *core.Workflow) { wf.CurrentStep = node.ID })
		return node.Next, false, nil
	}

	// Checkpoint the continuation first: the request references it and
	// resume loads it back.
	resumeState := *st
	resumeState.NodeID = node.Next
	cpID, err := e.saveCheckpoint(ctx, workflowID, &resumeState, map[string]string{"approval_node": node.ID})
	if err != nil {
		return "", false, err
	}

	req, err := e.approvals.Create(ctx, approval.CreateParams{
		WorkflowID:     workflowID,
		ThreadID:       st.ThreadID,
		CheckpointID:   cpID,
		TaskDescriptor: descriptor,
		RiskLevel:      assessment.Level,
		RiskFactors:    assessment.Factors,
	})
	if err != nil {
		return "", false, err
	}

	payload, _ := json.Marshal(eventlog.ApprovalEventPayload{
		RequestID: req.ID,
		RiskLevel: string(assessment.Level),
	})
	_, err = e.append(ctx, workflowID, core.ActionWorkflowSuspended, payload, engineActor,
		func(wf *core.Workflow) {
			wf.Status = core.WorkflowSuspended
			wf.CurrentStep = node.ID
		})
	if err != nil {
		return "", false, err
	}
	telemetry.Counter("engine.workflow_suspended", "level", string(assessment.Level))
	e.logger.InfoWithContext(ctx, "workflow suspended for approval", map[string]interface{}{
		"workflow_id": workflowID,
		"request_id":  req.ID,
		"risk_level":  assessment.Level,
	})
	return "", true, nil
}

// handleDecision is registered with the approval manager and runs when a
// request leaves pending. Approval resumes from the checkpoint; every
// other terminal outcome fails the workflow. A workflow no longer
// suspended (cancelled while the human deliberated) makes this a no-op.
func (e *Engine) handleDecision(ctx context.Context, req *core.ApprovalRequest) {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		e.logger.Warn("decision for unknown workflow", map[string]interface{}{
			"workflow_id": req.WorkflowID, "request_id": req.ID,
		})
		return
	}
	if wf.Status != core.WorkflowSuspended {
		e.logger.Info("decision ignored, workflow not suspended", map[string]interface{}{
			"workflow_id": req.WorkflowID, "status": wf.Status,
		})
		return
	}

	switch req.Status {
	case core.ApprovalApproved:
		st, err := e.loadCheckpoint(ctx, req.CheckpointID)
		if err != nil {
			e.finishFailed(ctx, req.WorkflowID, err)
			return
		}
		payload, _ := json.Marshal(eventlog.ApprovalEventPayload{RequestID: req.ID})
		_, err = e.append(ctx, req.WorkflowID, core.ActionWorkflowResumed, payload, req.ResolverID,
			func(wf *core.Workflow) { wf.Status = core.WorkflowRunning })
		if err != nil {
			e.logger.Error("resume event failed", map[string]interface{}{
				"workflow_id": req.WorkflowID, "error": err,
			})
			return
		}
		telemetry.Counter("engine.workflow_resumed")
		e.spawn(req.WorkflowID, st)

	case core.ApprovalRejected:
		e.finishFailed(ctx, req.WorkflowID, &core.Error{
			Op: "engine.handleDecision", Kind: "approval", ID: req.ID,
			Err: core.ErrRiskRejected,
		})

	case core.ApprovalExpired:
		e.finishFailed(ctx, req.WorkflowID, &core.Error{
			Op: "engine.handleDecision", Kind: "approval", ID: req.ID,
			Err: core.ErrRiskExpired,
		})
	}
}

// ----------------------------------------------------------------------------
// Parallel and map/reduce nodes
// ----------------------------------------------------------------------------

type branchResult struct {
	id     string
	output json.RawMessage
	err    error
}

// runParallelNode executes all child agent nodes concurrently and joins.
// Every branch runs to its own conclusion before the join decides: a
// failed branch fails the node, but never cancels its siblings mid-step.
func (e *Engine) runParallelNode(ctx context.Context, workflowID string, tmpl *Template, node *Node, st *runState) error {
	results := make(chan branchResult, len(node.Children))
	for _, childID := range node.Children {
		child := tmpl.Node(childID)
		go func(child *Node) {
			output, agentID, err := e.invokeWithRetry(ctx, workflowID, child, st, child.Capability, st.Input)
			if err == nil {
				e.recordStepCompleted(ctx, workflowID, child.ID, agentID, output)
			}
			results <- branchResult{id: child.ID, output: output, err: err}
		}(child)
	}

	var firstErr error
	for range node.Children {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		st.Outputs[res.id] = res.output
	}
	if firstErr != nil {
		return firstErr
	}

	merged := make(map[string]json.RawMessage, len(node.Children))
	for _, childID := range node.Children {
		merged[childID] = st.Outputs[childID]
	}
	out, _ := json.Marshal(merged)
	e.recordStepCompleted(ctx, workflowID, node.ID, "", out)
	st.Outputs[node.ID] = out
	st.LastNode = node.ID
	return nil
}

// runMapReduceNode fans the input list out over one capability and
// reduces by collecting outputs in item order.
func (e *Engine) runMapReduceNode(ctx context.Context, workflowID string, node *Node, st *runState) error {
	var input map[string]json.RawMessage
	if err := json.Unmarshal(st.Input, &input); err != nil {
		return &core.Error{
			Op: "engine.mapReduce", Kind: "workflow", ID: workflowID,
			Message: "input is not an object", Err: core.ErrValidation,
		}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(input[node.ItemsKey], &items); err != nil {
		return &core.Error{
			Op: "engine.mapReduce", Kind: "workflow", ID: workflowID,
			Message: fmt.Sprintf("input field %q is not a list", node.ItemsKey),
			Err:     core.ErrValidation,
		}
	}

	e.recordStepStarted(ctx, workflowID, node.ID, "", 1)

	outputs := make([]json.RawMessage, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent, err := e.pickAgent(ctx, node.Capability)
			if err != nil {
				errs[i] = err
				return
			}
			resp, err := e.client.Invoke(ctx, agent, e.buildInvoke(ctx, workflowID, node, st, items[i]))
			if err != nil {
				errs[i] = err
				return
			}
			outputs[i] = resp.Output
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			e.recordStepFailed(ctx, workflowID, node.ID, err)
			return err
		}
	}
	reduced, _ := json.Marshal(outputs)
	e.recordStepCompleted(ctx, workflowID, node.ID, "", reduced)
	st.Outputs[node.ID] = reduced
	st.LastNode = node.ID
	return nil
}

// ----------------------------------------------------------------------------
// Failure, rollback, cancellation
// ----------------------------------------------------------------------------

// rollbackOrFail compensates completed steps in reverse order when any of
// them declares a compensation capability; otherwise the workflow just
// fails. Compensation is best effort: a failing compensator is logged
// and skipped, never retried into a second incident.
func (e *Engine) rollbackOrFail(ctx context.Context, workflowID string, tmpl *Template, st *runState, cause error) {
	state, err := e.log.LatestState(ctx, workflowID)
	if err != nil {
		e.finishFailed(ctx, workflowID, cause)
		return
	}

	var compensable []*Node
	for i := len(state.CompletedOrder) - 1; i >= 0; i-- {
		node := tmpl.Node(state.CompletedOrder[i])
		if node != nil && node.Compensation != "" {
			compensable = append(compensable, node)
		}
	}
	if len(compensable) == 0 {
		e.finishFailed(ctx, workflowID, cause)
		return
	}

	payload, _ := json.Marshal(map[string]string{"cause": cause.Error()})
	_, _ = e.append(ctx, workflowID, core.ActionRollbackStarted, payload, engineActor, nil)
	telemetry.Counter("engine.rollback_started")

	for _, node := range compensable {
		agent, err := e.pickAgent(ctx, node.Compensation)
		if err != nil {
			e.logger.Error("compensation agent unavailable", map[string]interface{}{
				"workflow_id": workflowID, "step": node.ID, "capability": node.Compensation,
			})
			continue
		}
		req := &InvokeRequest{
			WorkflowID: workflowID,
			StepID:     node.ID + ":compensate",
			Task:       "undo step " + node.ID,
			Input:      st.Outputs[node.ID],
		}
		if _, err := e.client.Invoke(ctx, agent, req); err != nil {
			e.logger.Error("compensation failed", map[string]interface{}{
				"workflow_id": workflowID, "step": node.ID, "error": err,
			})
		}
	}

	_, _ = e.append(ctx, workflowID, core.ActionWorkflowRolledBack, payload, engineActor,
		func(wf *core.Workflow) { wf.Status = core.WorkflowRolledBack })
	telemetry.Counter("engine.workflow_rolled_back")
}

func (e *Engine) finishFailed(ctx context.Context, workflowID string, cause error) {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	_, err := e.append(ctx, workflowID, core.ActionWorkflowFailed, payload, engineActor,
		func(wf *core.Workflow) { wf.Status = core.WorkflowFailed })
	if err != nil {
		e.logger.Error("failure event append failed", map[string]interface{}{
			"workflow_id": workflowID, "error": err,
		})
	}
	telemetry.Counter("engine.workflow_failed")
}

func (e *Engine) finishCancelled(ctx context.Context, workflowID string) {
	_, err := e.append(ctx, workflowID, core.ActionWorkflowCancelled, nil, engineActor,
		func(wf *core.Workflow) { wf.Status = core.WorkflowCancelled })
	if err != nil {
		e.logger.Error("cancellation event append failed", map[string]interface{}{
			"workflow_id": workflowID, "error": err,
		})
	}
	telemetry.Counter("engine.workflow_cancelled")
}

// Cancel requests cancellation. A running workflow stops at its next node
// boundary; a suspended one is cancelled immediately, cascading to its
// pending approval request.
func (e *Engine) Cancel(ctx context.Context, workflowID, actor string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return &core.Error{
			Op: "engine.Cancel", Kind: "workflow", ID: workflowID,
			Err: core.ErrWorkflowTerminal,
		}
	}

	if _, err := e.append(ctx, workflowID, core.ActionCancelRequested, nil, actor, nil); err != nil {
		return err
	}

	if wf.Status == core.WorkflowSuspended {
		if pending, err := e.store.PendingForWorkflow(ctx, workflowID); err == nil && pending != nil {
			if err := e.approvals.Cancel(ctx, pending.ID, actor); err != nil {
				e.logger.Warn("approval cascade cancel failed", map[string]interface{}{
					"workflow_id": workflowID, "request_id": pending.ID, "error": err,
				})
			}
		}
		e.finishCancelled(ctx, workflowID)
		return nil
	}

	e.cancelMu.Lock()
	e.cancelled[workflowID] = true
	e.cancelMu.Unlock()
	return nil
}

func (e *Engine) takeCancel(workflowID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelled[workflowID] {
		delete(e.cancelled, workflowID)
		return true
	}
	return false
}

// ----------------------------------------------------------------------------
// Checkpoints, retry-from-step
// ----------------------------------------------------------------------------

func (e *Engine) saveCheckpoint(ctx context.Context, workflowID string, st *runState, metadata map[string]string) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal run state: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["node_id"] = st.NodeID
	cp := &core.Checkpoint{
		WorkflowID: workflowID,
		ID:         "cp-" + uuid.New().String(),
		ParentID:   st.CheckpointID,
		State:      data,
		Metadata:   metadata,
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return "", err
	}
	st.CheckpointID = cp.ID
	return cp.ID, nil
}

func (e *Engine) loadCheckpoint(ctx context.Context, id string) (*runState, error) {
	cp, err := e.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	var st runState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if st.Outputs == nil {
		st.Outputs = make(map[string]json.RawMessage)
	}
	st.CheckpointID = cp.ID
	return &st, nil
}

// Resume manually continues a suspended workflow whose approval was
// resolved out of band (a webhook that never arrived). A still-pending
// approval refuses the resume; rejection and expiry surface their
// terminal outcome.
func (e *Engine) Resume(ctx context.Context, workflowID, actor string) (*core.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != core.WorkflowSuspended {
		return nil, &core.Error{
			Op: "engine.Resume", Kind: "workflow", ID: workflowID,
			Err: core.ErrNotSuspended,
		}
	}

	pending, err := e.store.PendingForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		// Re-read through the manager so lazy expiry applies.
		req, err := e.approvals.Get(ctx, pending.ID)
		if err != nil {
			return nil, err
		}
		switch req.Status {
		case core.ApprovalPending:
			return nil, &core.Error{
				Op: "engine.Resume", Kind: "approval", ID: req.ID,
				Message: "approval still pending", Err: core.ErrUnauthorized,
			}
		case core.ApprovalExpired:
			e.handleDecision(ctx, req)
			return nil, &core.Error{Op: "engine.Resume", Kind: "approval", ID: req.ID, Err: core.ErrRiskExpired}
		}
	}

	cp, err := e.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	st, err := e.loadCheckpoint(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	_, err = e.append(ctx, workflowID, core.ActionWorkflowResumed, nil, actor,
		func(wf *core.Workflow) { wf.Status = core.WorkflowRunning })
	if err != nil {
		return nil, err
	}
	telemetry.Counter("engine.workflow_resumed")
	e.spawn(workflowID, st)
	return e.store.GetWorkflow(ctx, workflowID)
}

// RetryFromStep re-runs a failed workflow from the checkpoint taken just
// before stepID, branching the checkpoint lineage rather than rewriting
// it. Completed, cancelled, and rolled-back workflows are final and
// cannot branch.
func (e *Engine) RetryFromStep(ctx context.Context, workflowID, stepID string) (*core.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != core.WorkflowFailed {
		return nil, &core.Error{
			Op: "engine.RetryFromStep", Kind: "workflow", ID: workflowID,
			Message: "only failed workflows can retry from a step",
			Err:     core.ErrValidation,
		}
	}

	cps, err := e.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var source *core.Checkpoint
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Metadata["node_id"] == stepID {
			source = &cps[i]
			break
		}
	}
	if source == nil {
		return nil, &core.Error{
			Op: "engine.RetryFromStep", Kind: "checkpoint", ID: stepID,
			Err: core.ErrNotFound,
		}
	}

	st, err := e.loadCheckpoint(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"retry_from": stepID, "checkpoint_id": source.ID})
	_, err = e.append(ctx, workflowID, core.ActionWorkflowResumed, payload, engineActor,
		func(wf *core.Workflow) {
			wf.Status = core.WorkflowRunning
			wf.CompletedAt = nil
		})
	if err != nil {
		return nil, err
	}
	telemetry.Counter("engine.retry_from_step")
	e.spawn(workflowID, st)
	return e.store.GetWorkflow(ctx, workflowID)
}

// Recover reschedules workflows a process restart left in running state.
// Each one resumes from its latest checkpoint; a workflow that died
// before its first checkpoint has no state to resume from and is failed.
// Suspended workflows need no recovery: they restart through the
// decision handler or a manual resume.
func (e *Engine) Recover(ctx context.Context) error {
	wfs, err := e.store.ListWorkflows(ctx, core.WorkflowRunning, 0)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		cp, err := e.store.LatestCheckpoint(ctx, wf.ID)
		if core.IsNotFound(err) {
			e.finishFailed(ctx, wf.ID, fmt.Errorf("process restarted before the first checkpoint"))
			continue
		}
		if err != nil {
			return err
		}
		st, err := e.loadCheckpoint(ctx, cp.ID)
		if err != nil {
			e.finishFailed(ctx, wf.ID, fmt.Errorf("recover from checkpoint %s: %w", cp.ID, err))
			continue
		}
		payload, _ := json.Marshal(map[string]string{"reason": "restart", "checkpoint_id": cp.ID})
		if _, err := e.append(ctx, wf.ID, core.ActionWorkflowResumed, payload, engineActor, nil); err != nil {
			e.logger.Error("recovery resume append failed", map[string]interface{}{
				"workflow_id": wf.ID, "error": err,
			})
			continue
		}
		telemetry.Counter("engine.workflow_recovered")
		e.logger.Info("recovered workflow from checkpoint", map[string]interface{}{
			"workflow_id": wf.ID, "node_id": st.NodeID,
		})
		e.spawn(wf.ID, st)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Event helpers
// ----------------------------------------------------------------------------

func (e *Engine) append(ctx context.Context, workflowID, action string, payload json.RawMessage, actor string, mutate func(*core.Workflow)) (*core.Event, error) {
	ev, err := e.log.Append(ctx, workflowID, action, payload, actor, mutate)
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(ctx, bus.Message{Topic: Topic, Source: "engine", Payload: ev})
	}
	return ev, nil
}

func (e *Engine) recordStepStarted(ctx context.Context, workflowID, stepID, agentID string, attempt int) {
	payload, _ := json.Marshal(eventlog.StepEventPayload{StepID: stepID, AgentID: agentID, Attempt: attempt})
	e.appendStep(ctx, workflowID, core.ActionStepStarted, stepID, payload,
		func(wf *core.Workflow) { wf.CurrentStep = stepID })
}

func (e *Engine) recordStepCompleted(ctx context.Context, workflowID, stepID, agentID string, output json.RawMessage) {
	payload, _ := json.Marshal(eventlog.StepEventPayload{StepID: stepID, AgentID: agentID, Output: output})
	e.appendStep(ctx, workflowID, core.ActionStepCompleted, stepID, payload, nil)
}

func (e *Engine) recordStepFailed(ctx context.Context, workflowID, stepID string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	payload, _ := json.Marshal(eventlog.StepEventPayload{StepID: stepID, Error: msg})
	e.appendStep(ctx, workflowID, core.ActionStepFailed, stepID, payload, nil)
}

// appendStep appends a step event, logging rather than returning failures:
// step bookkeeping must not interrupt execution, but a dropped event under
// contention still leaves a trace.
func (e *Engine) appendStep(ctx context.Context, workflowID, action, stepID string, payload json.RawMessage, mutate func(*core.Workflow)) {
	if _, err := e.append(ctx, workflowID, action, payload, engineActor, mutate); err != nil {
		e.logger.WarnWithContext(ctx, "step event append failed", map[string]interface{}{
			"workflow_id": workflowID,
			"step":        stepID,
			"action":      action,
			"error":       err,
		})
	}
}

// ----------------------------------------------------------------------------
// Read API
// ----------------------------------------------------------------------------

// Status returns the current workflow row and its reduced state.
func (e *Engine) Status(ctx context.Context, workflowID string) (*core.Workflow, *eventlog.State, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	st, err := e.log.LatestState(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, st, nil
}

// ByThread resolves a thread ID to its most recent workflow.
func (e *Engine) ByThread(ctx context.Context, threadID string) (*core.Workflow, error) {
	return e.store.GetWorkflowByThread(ctx, threadID)
}
