package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/approval"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/engine"
	"github.com/atriumhq/conductor/risk"
	"github.com/atriumhq/conductor/telemetry"
)

// routingRules maps task vocabulary to agent capabilities. First match
// wins per fragment; fragments matching nothing route to "general".
var routingRules = []struct {
	capability string
	keywords   []string
}{
	{"deployment", []string{"deploy", "release", "rollout", "roll out", "ship"}},
	{"database", []string{"migration", "migrate", "schema", "database", "sql"}},
	{"testing", []string{"test", "qa", "verify", "validate"}},
	{"code_analysis", []string{"review", "analyze", "audit", "lint", "scan"}},
	{"documentation", []string{"readme", "document", "docs", "changelog"}},
	{"ci_build", []string{"build", "compile", "package"}},
	{"observability", []string{"monitor", "alert", "dashboard", "metric"}},
	{"security", []string{"secret", "credential", "vulnerability", "cve", "rotate"}},
}

// fragmentSeparators split a description into sequential work items.
var fragmentSeparators = []string{" and then ", " then ", "; ", ", then "}

// PlanResult is the /orchestrate response body: either an executable plan
// or an approval_pending holdback.
type PlanResult struct {
	TaskID            string            `json:"task_id"`
	Status            string            `json:"status"`
	Subtasks          []core.Subtask    `json:"subtasks,omitempty"`
	RoutingPlan       map[string]string `json:"routing_plan,omitempty"`
	ApprovalRequestID string            `json:"approval_request_id,omitempty"`
	ExternalRef       string            `json:"external_ref,omitempty"`
	RiskLevel         core.RiskLevel    `json:"risk_level,omitempty"`
	RiskFactors       []string          `json:"risk_factors,omitempty"`
}

// TaskStatusResult is the /task/{id} response body.
type TaskStatusResult struct {
	TaskID            string                     `json:"task_id"`
	WorkflowID        string                     `json:"workflow_id,omitempty"`
	Status            string                     `json:"status"`
	CurrentStep       string                     `json:"current_step,omitempty"`
	CompletedSubtasks int                        `json:"completed_subtasks"`
	TotalSubtasks     int                        `json:"total_subtasks"`
	Outputs           map[string]json.RawMessage `json:"outputs,omitempty"`
}

// OrchestrateParams is a task submission.
type OrchestrateParams struct {
	Description    string
	Priority       string
	ProjectContext map[string]string
	SessionID      string
}

// plannedTask tracks one submitted task between planning and execution.
type plannedTask struct {
	task       *core.Task
	assessment risk.Assessment
	approvalID string
	workflowID string
}

// Reply is the /chat response body.
type Reply struct {
	SessionID string               `json:"session_id"`
	Intent    Intent               `json:"intent"`
	Text      string               `json:"text,omitempty"`
	Plan      *PlanResult          `json:"plan,omitempty"`
	Status    *TaskStatusResult    `json:"task,omitempty"`
	Approval  *core.ApprovalRequest `json:"approval,omitempty"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets a structured logger.
func WithServiceLogger(l core.Logger) ServiceOption {
	return func(s *Service) { s.logger = core.ComponentLogger(l, "intake") }
}

// WithServiceAIClient wires the model used for intent fallback and
// general-query replies. Intent classification and agent reasoning share
// one client by design; split endpoints are a config concern, not a type
// one.
func WithServiceAIClient(c core.AIClient) ServiceOption {
	return func(s *Service) {
		s.ai = c
		s.classifier = NewClassifier(WithAIClient(c))
	}
}

// Service is the intake front of the orchestrator: it plans tasks,
// gates risky ones on upfront approval, launches workflows, and answers
// multi-turn chat.
type Service struct {
	classifier *Classifier
	sessions   *SessionStore
	engine     *engine.Engine
	approvals  *approval.Manager
	assessor   *risk.Assessor
	ai         core.AIClient
	logger     core.Logger

	mu    sync.Mutex
	tasks map[string]*plannedTask
}

// NewService creates the intake service.
func NewService(eng *engine.Engine, approvals *approval.Manager, assessor *risk.Assessor, opts ...ServiceOption) *Service {
	s := &Service{
		classifier: NewClassifier(),
		sessions:   NewSessionStore(nil),
		engine:     eng,
		approvals:  approvals,
		assessor:   assessor,
		logger:     &core.NoOpLogger{},
		tasks:      make(map[string]*plannedTask),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Plan decomposes a description into routed subtasks.
func Plan(description string) []core.Subtask {
	fragments := []string{description}
	for _, sep := range fragmentSeparators {
		var next []string
		for _, f := range fragments {
			next = append(next, strings.Split(f, sep)...)
		}
		fragments = next
	}

	var subtasks []core.Subtask
	for _, f := range fragments {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		subtasks = append(subtasks, core.Subtask{
			ID:         fmt.Sprintf("st-%d", len(subtasks)+1),
			Fragment:   f,
			Capability: routeFragment(f),
		})
	}
	return subtasks
}

func routeFragment(fragment string) string {
	lower := strings.ToLower(fragment)
	for _, rule := range routingRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.capability
			}
		}
	}
	return "general"
}

// Orchestrate plans a task and risk-assesses it once upfront. Plans below
// the approval threshold come back executable; the rest come back
// approval_pending with the external reference to watch.
func (s *Service) Orchestrate(ctx context.Context, p OrchestrateParams) (*PlanResult, error) {
	if strings.TrimSpace(p.Description) == "" {
		return nil, &core.Error{
			Op: "intake.Orchestrate", Kind: "task",
			Message: "description is required", Err: core.ErrValidation,
		}
	}

	subtasks := Plan(p.Description)
	if len(subtasks) == 0 {
		return nil, &core.Error{
			Op: "intake.Orchestrate", Kind: "task",
			Message: "description contains no work items", Err: core.ErrValidation,
		}
	}
	taskID := "task-" + uuid.New().String()
	task := &core.Task{
		ID:          taskID,
		Description: p.Description,
		Priority:    p.Priority,
		Context:     p.ProjectContext,
		SessionID:   p.SessionID,
		Subtasks:    subtasks,
	}

	assessment := s.assessor.Assess(riskDescriptor(p))
	planned := &plannedTask{task: task, assessment: assessment}

	result := &PlanResult{
		TaskID:      taskID,
		Status:      "planned",
		Subtasks:    subtasks,
		RoutingPlan: routingPlan(subtasks),
		RiskLevel:   assessment.Level,
		RiskFactors: assessment.Factors,
	}

	if assessment.RequiresApproval() {
		req, err := s.approvals.Create(ctx, approval.CreateParams{
			WorkflowID:     taskID,
			ThreadID:       p.SessionID,
			TaskDescriptor: p.Description,
			RiskLevel:      assessment.Level,
			RiskFactors:    assessment.Factors,
		})
		if err != nil {
			return nil, err
		}
		planned.approvalID = req.ID
		result.Status = "approval_pending"
		result.ApprovalRequestID = req.ID
		result.ExternalRef = req.ExternalRef
	}

	s.mu.Lock()
	s.tasks[taskID] = planned
	s.mu.Unlock()

	if p.SessionID != "" {
		s.sessions.Update(p.SessionID, func(sess *Session) {
			sess.LastTaskID = taskID
			sess.LastApprovalID = planned.approvalID
		})
	}
	telemetry.Counter("intake.orchestrated", "risk", string(assessment.Level))
	return result, nil
}

// riskDescriptor folds project context into the assessed text so that an
// explicit environment=production outweighs a bland description.
func riskDescriptor(p OrchestrateParams) string {
	var b strings.Builder
	b.WriteString(p.Description)
	keys := make([]string, 0, len(p.ProjectContext))
	for k := range p.ProjectContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " [%s %s]", k, p.ProjectContext[k])
	}
	if env := p.ProjectContext["environment"]; strings.Contains(strings.ToLower(env), "prod") {
		b.WriteString(" production environment")
	}
	return b.String()
}

func routingPlan(subtasks []core.Subtask) map[string]string {
	plan := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		plan[st.ID] = st.Capability
	}
	return plan
}

// Execute launches the workflow for a planned task. Tasks holding a
// pending approval cannot execute; rejected and expired gates surface
// their terminal outcome.
func (s *Service) Execute(ctx context.Context, taskID string) (*core.Workflow, error) {
	s.mu.Lock()
	planned, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, &core.Error{Op: "intake.Execute", Kind: "task", ID: taskID, Err: core.ErrNotFound}
	}
	if planned.workflowID != "" {
		return nil, &core.Error{
			Op: "intake.Execute", Kind: "task", ID: taskID,
			Message: "task already executing", Err: core.ErrVersionConflict,
		}
	}

	if planned.approvalID != "" {
		req, err := s.approvals.Get(ctx, planned.approvalID)
		if err != nil {
			return nil, err
		}
		switch req.Status {
		case core.ApprovalApproved:
		case core.ApprovalPending:
			return nil, &core.Error{
				Op: "intake.Execute", Kind: "approval", ID: req.ID,
				Message: "approval still pending", Err: core.ErrUnauthorized,
			}
		case core.ApprovalRejected:
			return nil, &core.Error{Op: "intake.Execute", Kind: "approval", ID: req.ID, Err: core.ErrRiskRejected}
		case core.ApprovalExpired:
			return nil, &core.Error{Op: "intake.Execute", Kind: "approval", ID: req.ID, Err: core.ErrRiskExpired}
		default:
			return nil, &core.Error{
				Op: "intake.Execute", Kind: "approval", ID: req.ID,
				Message: "approval was cancelled", Err: core.ErrValidation,
			}
		}
	}

	if err := s.engine.RegisterTemplate(taskTemplate(planned.task)); err != nil {
		return nil, err
	}
	wf, err := s.engine.Start(ctx, engine.StartParams{
		TemplateID: taskID,
		WorkflowID: taskID,
		ThreadID:   planned.task.SessionID,
		Task:       planned.task.Description,
		Actor:      "intake",
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	planned.workflowID = wf.ID
	s.mu.Unlock()
	telemetry.Counter("intake.executed")
	return wf, nil
}

// taskTemplate synthesizes a linear template from a task plan: one agent
// node per subtask, in plan order. Risk was gated upfront, so the graph
// itself carries no approval node.
func taskTemplate(task *core.Task) *engine.Template {
	nodes := make([]*engine.Node, len(task.Subtasks))
	for i, st := range task.Subtasks {
		next := ""
		if i+1 < len(task.Subtasks) {
			next = task.Subtasks[i+1].ID
		}
		nodes[i] = &engine.Node{
			ID:         st.ID,
			Kind:       engine.KindAgent,
			Capability: st.Capability,
			Task:       st.Fragment,
			Next:       next,
		}
	}
	return &engine.Template{ID: task.ID, Entry: task.Subtasks[0].ID, Nodes: nodes}
}

// TaskStatus reports execution progress for a task.
func (s *Service) TaskStatus(ctx context.Context, taskID string) (*TaskStatusResult, error) {
	s.mu.Lock()
	planned, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, &core.Error{Op: "intake.TaskStatus", Kind: "task", ID: taskID, Err: core.ErrNotFound}
	}

	result := &TaskStatusResult{
		TaskID:        taskID,
		TotalSubtasks: len(planned.task.Subtasks),
	}
	if planned.workflowID == "" {
		result.Status = "planned"
		if planned.approvalID != "" {
			req, err := s.approvals.Get(ctx, planned.approvalID)
			if err == nil && req.Status == core.ApprovalPending {
				result.Status = "approval_pending"
			}
		}
		return result, nil
	}

	wf, state, err := s.engine.Status(ctx, planned.workflowID)
	if err != nil {
		return nil, err
	}
	result.WorkflowID = wf.ID
	result.Status = string(wf.Status)
	result.CurrentStep = wf.CurrentStep
	result.Outputs = make(map[string]json.RawMessage)
	for _, st := range planned.task.Subtasks {
		step, ok := state.Steps[st.ID]
		if !ok {
			continue
		}
		if step.Status == "completed" {
			result.CompletedSubtasks++
		}
		if len(step.Output) > 0 {
			result.Outputs[st.ID] = step.Output
		}
	}
	return result, nil
}

// Task returns the stored task plan.
func (s *Service) Task(taskID string) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	planned, ok := s.tasks[taskID]
	if !ok {
		return nil, &core.Error{Op: "intake.Task", Kind: "task", ID: taskID, Err: core.ErrNotFound}
	}
	return planned.task, nil
}

// WorkflowForTask resolves a task to its workflow ID, empty if not yet
// executing.
func (s *Service) WorkflowForTask(taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	planned, ok := s.tasks[taskID]
	if !ok {
		return "", &core.Error{Op: "intake.WorkflowForTask", Kind: "task", ID: taskID, Err: core.ErrNotFound}
	}
	return planned.workflowID, nil
}

// HandleMessage is the /chat entry point: classify, act, reply.
func (s *Service) HandleMessage(ctx context.Context, sessionID, text string) (*Reply, error) {
	if sessionID == "" {
		sessionID = "session-" + uuid.New().String()
	}
	intent := s.classifier.Classify(ctx, text)
	s.sessions.Record(sessionID, Turn{Role: "user", Text: text, Intent: intent})

	reply := &Reply{SessionID: sessionID, Intent: intent}
	var err error
	switch intent {
	case IntentTaskSubmission:
		reply.Plan, err = s.Orchestrate(ctx, OrchestrateParams{Description: text, SessionID: sessionID})
		if err != nil {
			return nil, err
		}
		if reply.Plan.Status == "approval_pending" {
			reply.Text = fmt.Sprintf("This needs %s-risk approval before it runs (request %s).",
				reply.Plan.RiskLevel, reply.Plan.ApprovalRequestID)
		} else {
			reply.Text = fmt.Sprintf("Planned %d subtasks. Run it with POST /execute/%s.",
				len(reply.Plan.Subtasks), reply.Plan.TaskID)
		}

	case IntentStatusQuery:
		sess := s.sessions.Get(sessionID)
		if sess.LastTaskID == "" {
			reply.Text = "No task in this conversation yet."
			break
		}
		reply.Status, err = s.TaskStatus(ctx, sess.LastTaskID)
		if err != nil {
			return nil, err
		}
		reply.Text = fmt.Sprintf("Task %s is %s (%d/%d subtasks done).",
			reply.Status.TaskID, reply.Status.Status,
			reply.Status.CompletedSubtasks, reply.Status.TotalSubtasks)

	case IntentApprovalDecision:
		reply.Approval, reply.Text, err = s.decideFromChat(ctx, sessionID, text)
		if err != nil {
			return nil, err
		}

	case IntentClarification:
		reply.Text = "Understood. Restate the task in one message and I will replan it."

	default:
		reply.Text = s.generalAnswer(ctx, text)
	}

	s.sessions.Record(sessionID, Turn{Role: "orchestrator", Text: reply.Text})
	return reply, nil
}

func (s *Service) decideFromChat(ctx context.Context, sessionID, text string) (*core.ApprovalRequest, string, error) {
	sess := s.sessions.Get(sessionID)
	if sess.LastApprovalID == "" {
		return nil, "There is no approval waiting in this conversation.", nil
	}
	approve := !containsAny(strings.ToLower(text), []string{"reject", "deny", "no,", "do not", "don't"})
	req, err := s.approvals.Decide(ctx, sess.LastApprovalID, approve, sessionID, sess.Role, "decided via chat")
	if err != nil {
		return nil, "", err
	}
	return req, fmt.Sprintf("Request %s is now %s.", req.ID, req.Status), nil
}

func (s *Service) generalAnswer(ctx context.Context, text string) string {
	if s.ai == nil {
		return "I orchestrate development tasks. Describe one and I will plan it."
	}
	resp, err := s.ai.GenerateResponse(ctx, text, &core.AIOptions{
		SystemPrompt: "You are the front desk of a task orchestrator. Answer briefly.",
		MaxTokens:    256,
	})
	if err != nil {
		s.logger.WarnWithContext(ctx, "general query model unavailable", map[string]interface{}{
			"error": err,
		})
		return "I orchestrate development tasks. Describe one and I will plan it."
	}
	telemetry.RecordTokens("chat:"+resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Content
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
