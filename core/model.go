package core

import (
	"encoding/json"
	"time"
)

// WorkflowStatus tracks the lifecycle of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowRunning    WorkflowStatus = "running"
	WorkflowSuspended  WorkflowStatus = "suspended"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowRolledBack WorkflowStatus = "rolled_back"

	// WorkflowPoisoned marks a workflow whose event chain failed hash
	// verification. The log is untrustworthy; no reads or appends are
	// served until an operator intervenes.
	WorkflowPoisoned WorkflowStatus = "poisoned"
)

// Terminal reports whether a workflow status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowRolledBack, WorkflowPoisoned:
		return true
	}
	return false
}

// Workflow is the unit of orchestration. The engine exclusively owns rows of
// this shape; other components read them through the state persister.
type Workflow struct {
	ID           string         `json:"workflow_id"`
	TemplateID   string         `json:"template_id,omitempty"`
	ThreadID     string         `json:"thread_id"`
	Status       WorkflowStatus `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`

	// Version is the optimistic-locking token. Every state write conditions
	// on the version read; a mismatch aborts with retry-at-caller semantics.
	Version int64 `json:"version"`
}

// Event is one immutable, hash-chained record of a state transition.
// Hash = SHA-256(prev_hash || canonical serialization without the hash
// field); the first event's PrevHash is all zeros.
type Event struct {
	ID         string          `json:"event_id"`
	WorkflowID string          `json:"workflow_id"`
	Seq        int64           `json:"seq"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	Actor      string          `json:"actor"`
	Timestamp  time.Time       `json:"timestamp"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Event actions shared across components. The reducer in eventlog is the
// authority on how each action folds into state.
const (
	ActionWorkflowStarted   = "workflow_started"
	ActionStepStarted       = "step_started"
	ActionStepCompleted     = "step_completed"
	ActionStepFailed        = "step_failed"
	ActionWorkflowSuspended = "workflow_suspended"
	ActionWorkflowResumed   = "workflow_resumed"
	ActionWorkflowCompleted = "workflow_completed"
	ActionWorkflowFailed    = "workflow_failed"
	ActionCancelRequested   = "cancel_requested"
	ActionWorkflowCancelled = "workflow_cancelled"
	ActionRollbackStarted   = "rollback_started"
	ActionWorkflowRolledBack = "workflow_rolled_back"
	ActionApprovalRequested = "approval_requested"
	ActionApprovalGranted   = "approval_granted"
	ActionApprovalRejected  = "approval_rejected"
	ActionApprovalExpired   = "approval_expired"
	ActionApprovalCancelled = "approval_cancelled"
	ActionLockAcquired      = "lock_acquired"
	ActionLockReleased      = "lock_released"
	ActionLockForceReleased = "lock_force_released"
	ActionAnnotation        = "annotation"
	ActionSubscriberOverflow = "subscriber_overflow"
)

// Checkpoint is a snapshot of workflow state at a node boundary.
// Checkpoints form a DAG rooted at the first step; branches appear only on
// retry-from-step.
type Checkpoint struct {
	WorkflowID string          `json:"workflow_id"`
	ID         string          `json:"checkpoint_id"`
	ParentID   string          `json:"parent_checkpoint_id,omitempty"`
	State      json.RawMessage `json:"state"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RiskLevel classifies an operation's blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Severity orders risk levels for most-severe-wins tie breaking.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// ApprovalStatus tracks the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the approval status is final.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest is an out-of-band authorization for a risky operation,
// resolved by a human through an external channel. Owned by the HITL
// manager.
type ApprovalRequest struct {
	ID             string         `json:"request_id"`
	WorkflowID     string         `json:"workflow_id"`
	ThreadID       string         `json:"thread_id"`
	CheckpointID   string         `json:"checkpoint_id,omitempty"`
	AgentName      string         `json:"agent_name,omitempty"`
	TaskDescriptor string         `json:"task_descriptor"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	RiskFactors    []string       `json:"risk_factors,omitempty"`
	Status         ApprovalStatus `json:"status"`
	RequiredRole   string         `json:"required_role"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolverID     string         `json:"resolver_id,omitempty"`
	ResolverRole   string         `json:"resolver_role,omitempty"`
	Justification  string         `json:"justification,omitempty"`

	// ExternalRef is the opaque identifier returned by the notification
	// channel, used to correlate webhook callbacks.
	ExternalRef string `json:"external_ref,omitempty"`
}

// AgentStatus tracks worker availability.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentRecord is a capability-indexed directory entry for a worker.
type AgentRecord struct {
	ID            string            `json:"agent_id"`
	BaseEndpoint  string            `json:"base_endpoint"`
	Capabilities  []string          `json:"capabilities"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Status        AgentStatus       `json:"status"`
}

// ResourceLock is a named, TTL'd advisory mutex. Absence of a row means
// unlocked.
type ResourceLock struct {
	ResourceID string    `json:"resource_id"`
	Owner      string    `json:"owner_agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason,omitempty"`
}

// ToolHandle is one entry of the static tool catalog handed to agents.
type ToolHandle struct {
	ID           string          `json:"tool_id"`
	Server       string          `json:"server"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Roles        []string        `json:"roles,omitempty"`
	CostHint     int             `json:"cost_hint"`
}

// Task is a planned unit of user work before it becomes a workflow.
type Task struct {
	ID          string            `json:"task_id"`
	Description string            `json:"description"`
	Priority    string            `json:"priority,omitempty"`
	Context     map[string]string `json:"project_context,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Subtasks    []Subtask         `json:"subtasks,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Subtask is one routed fragment of a task plan.
type Subtask struct {
	ID         string `json:"subtask_id"`
	Fragment   string `json:"fragment"`
	Capability string `json:"capability"`
	AgentName  string `json:"agent_name,omitempty"`
}
