package core

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is a periodic reduction of a workflow's event log, letting the
// reducer resume from the latest snapshot plus subsequent events.
type Snapshot struct {
	WorkflowID string          `json:"workflow_id"`
	Seq        int64           `json:"seq"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventFilter selects events for paginated listing.
type EventFilter struct {
	Action string
	Limit  int
	Offset int
}

// EventStore persists the append-only event rows.
// Small, focused interfaces; the SQLite store implements all of them.
type EventStore interface {
	// AppendEvent inserts the event and writes the workflow row through in
	// one transaction. The workflow write conditions on wf.Version-1 being
	// the stored version; mismatches fail with ErrVersionConflict. A
	// duplicate (workflow_id, seq) fails with ErrSeqConflict unless the
	// stored event has the same event_id, which makes retries idempotent.
	AppendEvent(ctx context.Context, e *Event, wf *Workflow) error

	// LastEvent returns the highest-seq event, or nil when none exist.
	LastEvent(ctx context.Context, workflowID string) (*Event, error)

	// ListEvents returns events with fromSeq <= seq <= toSeq in seq order.
	// toSeq <= 0 means no upper bound.
	ListEvents(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]Event, error)

	// ListEventsPage returns a filtered page of events in seq order.
	ListEventsPage(ctx context.Context, workflowID string, filter EventFilter) ([]Event, error)
}

// SnapshotStore persists periodic state snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*Snapshot, error)
	ListSnapshots(ctx context.Context, workflowID string) ([]Snapshot, error)
}

// WorkflowStore is the fast path to current workflow state.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByThread(ctx context.Context, threadID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error)

	// MarkWorkflowPoisoned sets the workflow status to WorkflowPoisoned,
	// bypassing version checks. The event chain failed verification, so
	// the marker cannot travel through the log itself.
	MarkWorkflowPoisoned(ctx context.Context, id string) error
}

// CheckpointStore persists workflow state at node boundaries for
// interrupt/resume.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error)
}

// ApprovalFilter selects approval requests for listing.
type ApprovalFilter struct {
	Status ApprovalStatus
	Limit  int
	Offset int
}

// ApprovalStore persists HITL approval requests. Only the HITL manager
// writes through this interface.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, r *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	GetApprovalByExternalRef(ctx context.Context, ref string) (*ApprovalRequest, error)

	// ResolveApproval transitions a pending request to a terminal status.
	// Fails with ErrNotFound for unknown IDs and ErrVersionConflict when
	// the request is no longer pending.
	ResolveApproval(ctx context.Context, r *ApprovalRequest) error

	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]ApprovalRequest, error)

	// ListExpiredPending returns pending requests whose expires_at has
	// passed, for the sweeper.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]ApprovalRequest, error)

	// PendingForWorkflow returns the pending request for a workflow, or
	// nil. A suspended workflow has exactly one.
	PendingForWorkflow(ctx context.Context, workflowID string) (*ApprovalRequest, error)
}

// DurableStore composes every persistence concern the orchestrator needs
// from its backing database.
type DurableStore interface {
	EventStore
	SnapshotStore
	WorkflowStore
	CheckpointStore
	ApprovalStore
	Close() error
}
