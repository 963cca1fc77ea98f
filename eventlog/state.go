package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/atriumhq/conductor/core"
)

// StepState tracks one workflow step through the reducer.
type StepState struct {
	Status   string          `json:"status"`
	AgentID  string          `json:"agent_id,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
}

// Insight is a completed step's distilled output, re-injected into agent
// context when a suspended workflow resumes.
type Insight struct {
	StepID  string          `json:"step_id"`
	AgentID string          `json:"agent_id,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// State is the deterministic reduction of a workflow's event log. It is
// JSON-serializable so snapshots can store it verbatim.
type State struct {
	WorkflowID        string                `json:"workflow_id"`
	Status            core.WorkflowStatus   `json:"status"`
	CurrentStep       string                `json:"current_step,omitempty"`
	Steps             map[string]*StepState `json:"steps,omitempty"`
	CompletedOrder    []string              `json:"completed_order,omitempty"`
	Insights          []Insight             `json:"insights,omitempty"`
	PendingApprovalID string                `json:"pending_approval_id,omitempty"`
	HeldLocks         []string              `json:"held_locks,omitempty"`
	CancelRequested   bool                  `json:"cancel_requested,omitempty"`
	LastError         string                `json:"last_error,omitempty"`
	LastSeq           int64                 `json:"last_seq"`
}

// NewState returns an empty state ready for reduction.
func NewState(workflowID string) *State {
	return &State{
		WorkflowID: workflowID,
		Status:     core.WorkflowPending,
		Steps:      make(map[string]*StepState),
	}
}

// StepEventPayload is the payload shape of step_* events.
type StepEventPayload struct {
	StepID  string          `json:"step_id"`
	AgentID string          `json:"agent_id,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// ApprovalEventPayload is the payload shape of approval_* and
// workflow_suspended events.
type ApprovalEventPayload struct {
	RequestID string `json:"request_id"`
	RiskLevel string `json:"risk_level,omitempty"`
	Resolver  string `json:"resolver_id,omitempty"`
}

// LockEventPayload is the payload shape of lock_* events.
type LockEventPayload struct {
	ResourceID string `json:"resource_id"`
	Owner      string `json:"owner,omitempty"`
}

func (s *State) step(id string) *StepState {
	if s.Steps == nil {
		s.Steps = make(map[string]*StepState)
	}
	st, ok := s.Steps[id]
	if !ok {
		st = &StepState{}
		s.Steps[id] = st
	}
	return st
}

// Apply folds one event into the state. Unknown actions poison the replay:
// a log written by a newer version must not be half-interpreted.
func (s *State) Apply(e *core.Event) error {
	switch e.Action {
	case core.ActionWorkflowStarted:
		s.Status = core.WorkflowRunning

	case core.ActionStepStarted:
		var p StepEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode step_started payload at seq %d: %w", e.Seq, err)
		}
		s.CurrentStep = p.StepID
		st := s.step(p.StepID)
		st.Status = "running"
		st.AgentID = p.AgentID
		st.Attempts++

	case core.ActionStepCompleted:
		var p StepEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode step_completed payload at seq %d: %w", e.Seq, err)
		}
		st := s.step(p.StepID)
		st.Status = "completed"
		st.Output = p.Output
		st.Error = ""
		s.CompletedOrder = append(s.CompletedOrder, p.StepID)
		s.Insights = append(s.Insights, Insight{StepID: p.StepID, AgentID: p.AgentID, Output: p.Output})

	case core.ActionStepFailed:
		var p StepEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode step_failed payload at seq %d: %w", e.Seq, err)
		}
		st := s.step(p.StepID)
		st.Status = "failed"
		st.Error = p.Error
		s.LastError = p.Error

	case core.ActionWorkflowSuspended:
		var p ApprovalEventPayload
		_ = json.Unmarshal(e.Payload, &p)
		s.Status = core.WorkflowSuspended
		s.PendingApprovalID = p.RequestID

	case core.ActionWorkflowResumed:
		s.Status = core.WorkflowRunning
		s.PendingApprovalID = ""

	case core.ActionWorkflowCompleted:
		s.Status = core.WorkflowCompleted
		s.CurrentStep = ""

	case core.ActionWorkflowFailed:
		s.Status = core.WorkflowFailed

	case core.ActionCancelRequested:
		s.CancelRequested = true

	case core.ActionWorkflowCancelled:
		s.Status = core.WorkflowCancelled
		s.PendingApprovalID = ""

	case core.ActionRollbackStarted:
		// Status stays as-is while compensation runs; the terminal event
		// below records the outcome.

	case core.ActionWorkflowRolledBack:
		s.Status = core.WorkflowRolledBack

	case core.ActionApprovalRequested:
		var p ApprovalEventPayload
		_ = json.Unmarshal(e.Payload, &p)
		s.PendingApprovalID = p.RequestID

	case core.ActionApprovalGranted, core.ActionApprovalRejected,
		core.ActionApprovalExpired, core.ActionApprovalCancelled:
		s.PendingApprovalID = ""

	case core.ActionLockAcquired:
		var p LockEventPayload
		_ = json.Unmarshal(e.Payload, &p)
		s.HeldLocks = append(s.HeldLocks, p.ResourceID)

	case core.ActionLockReleased, core.ActionLockForceReleased:
		var p LockEventPayload
		_ = json.Unmarshal(e.Payload, &p)
		for i, id := range s.HeldLocks {
			if id == p.ResourceID {
				s.HeldLocks = append(s.HeldLocks[:i], s.HeldLocks[i+1:]...)
				break
			}
		}

	case core.ActionAnnotation, core.ActionSubscriberOverflow:
		// Observational only.

	default:
		return &core.Error{
			Op: "eventlog.Apply", Kind: "event", ID: e.ID,
			Message: fmt.Sprintf("action %q at seq %d has no reducer case", e.Action, e.Seq),
			Err:     core.ErrUnknownAction,
		}
	}
	s.LastSeq = e.Seq
	return nil
}

// Reduce folds a slice of events into state, starting from base (or an
// empty state when base is nil).
func Reduce(workflowID string, base *State, events []core.Event) (*State, error) {
	st := base
	if st == nil {
		st = NewState(workflowID)
	}
	for i := range events {
		if err := st.Apply(&events[i]); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// LastInsights returns up to n most recent insights, oldest first.
func (s *State) LastInsights(n int) []Insight {
	if n <= 0 || len(s.Insights) <= n {
		return s.Insights
	}
	return s.Insights[len(s.Insights)-n:]
}
