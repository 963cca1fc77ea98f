// Package memory provides an in-memory core.DurableStore for development
// mode and tests. It mirrors the SQLite store's conflict semantics exactly
// so code exercised against it behaves the same in production.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atriumhq/conductor/core"
)

// Store is an in-memory DurableStore. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	workflows   map[string]core.Workflow
	events      map[string][]core.Event // keyed by workflow ID, seq order
	snapshots   map[string][]core.Snapshot
	checkpoints map[string]core.Checkpoint
	approvals   map[string]core.ApprovalRequest
}

var _ core.DurableStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:   make(map[string]core.Workflow),
		events:      make(map[string][]core.Event),
		snapshots:   make(map[string][]core.Snapshot),
		checkpoints: make(map[string]core.Checkpoint),
		approvals:   make(map[string]core.ApprovalRequest),
	}
}

func (s *Store) Close() error { return nil }

// -----------------------------------------------------------------------------
// EventStore
// -----------------------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, e *core.Event, wf *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[e.WorkflowID]
	for _, existing := range log {
		if existing.Seq == e.Seq {
			if existing.ID == e.ID {
				return nil
			}
			return core.NewError("memory.AppendEvent", "event", core.ErrSeqConflict)
		}
	}

	stored, ok := s.workflows[wf.ID]
	if wf.Version == 1 {
		if ok {
			return core.NewError("memory.AppendEvent", "workflow", core.ErrVersionConflict)
		}
	} else {
		if !ok || stored.Version != wf.Version-1 {
			return core.NewError("memory.AppendEvent", "workflow", core.ErrVersionConflict)
		}
	}

	s.events[e.WorkflowID] = append(log, *e)
	s.workflows[wf.ID] = *wf
	return nil
}

func (s *Store) LastEvent(ctx context.Context, workflowID string) (*core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[workflowID]
	if len(log) == 0 {
		return nil, nil
	}
	e := log[len(log)-1]
	return &e, nil
}

func (s *Store) ListEvents(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Event
	for _, e := range s.events[workflowID] {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListEventsPage(ctx context.Context, workflowID string, filter core.EventFilter) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []core.Event
	for _, e := range s.events[workflowID] {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		matched = append(matched, e)
	}
	if filter.Limit <= 0 {
		return matched, nil
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

// -----------------------------------------------------------------------------
// SnapshotStore
// -----------------------------------------------------------------------------

func (s *Store) InsertSnapshot(ctx context.Context, snap *core.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[snap.WorkflowID]
	for i, existing := range snaps {
		if existing.Seq == snap.Seq {
			snaps[i] = *snap
			return nil
		}
	}
	s.snapshots[snap.WorkflowID] = append(snaps, *snap)
	sort.Slice(s.snapshots[snap.WorkflowID], func(i, j int) bool {
		return s.snapshots[snap.WorkflowID][i].Seq < s.snapshots[snap.WorkflowID][j].Seq
	})
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[workflowID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if maxSeq > 0 && snaps[i].Seq > maxSeq {
			continue
		}
		snap := snaps[i]
		return &snap, nil
	}
	return nil, nil
}

func (s *Store) ListSnapshots(ctx context.Context, workflowID string) ([]core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Snapshot(nil), s.snapshots[workflowID]...), nil
}

// -----------------------------------------------------------------------------
// WorkflowStore
// -----------------------------------------------------------------------------

func (s *Store) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, core.NewError("memory.GetWorkflow", "workflow", core.ErrNotFound)
	}
	return &wf, nil
}

func (s *Store) GetWorkflowByThread(ctx context.Context, threadID string) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *core.Workflow
	for id := range s.workflows {
		wf := s.workflows[id]
		if wf.ThreadID != threadID {
			continue
		}
		if latest == nil || wf.StartedAt.After(latest.StartedAt) {
			latest = &wf
		}
	}
	if latest == nil {
		return nil, core.NewError("memory.GetWorkflowByThread", "workflow", core.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) ListWorkflows(ctx context.Context, status core.WorkflowStatus, limit int) ([]core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Workflow
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkWorkflowPoisoned(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return core.NewError("memory.MarkWorkflowPoisoned", "workflow", core.ErrNotFound)
	}
	wf.Status = core.WorkflowPoisoned
	wf.UpdatedAt = time.Now().UTC()
	wf.Version++
	s.workflows[id] = wf
	return nil
}

// -----------------------------------------------------------------------------
// CheckpointStore
// -----------------------------------------------------------------------------

func (s *Store) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = *cp
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, core.NewError("memory.GetCheckpoint", "checkpoint", core.ErrNotFound)
	}
	return &cp, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*core.Checkpoint, error) {
	cps, err := s.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, core.NewError("memory.LatestCheckpoint", "checkpoint", core.ErrNotFound)
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.WorkflowID == workflowID {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// ApprovalStore
// -----------------------------------------------------------------------------

func (s *Store) InsertApproval(ctx context.Context, r *core.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[r.ID] = *r
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, core.NewError("memory.GetApproval", "approval", core.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) GetApprovalByExternalRef(ctx context.Context, ref string) (*core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *core.ApprovalRequest
	for id := range s.approvals {
		r := s.approvals[id]
		if r.ExternalRef != ref {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = &r
		}
	}
	if latest == nil {
		return nil, core.NewError("memory.GetApprovalByExternalRef", "approval", core.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) ResolveApproval(ctx context.Context, r *core.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.approvals[r.ID]
	if !ok {
		return core.NewError("memory.ResolveApproval", "approval", core.ErrNotFound)
	}
	if stored.Status != core.ApprovalPending {
		return core.NewError("memory.ResolveApproval", "approval", core.ErrVersionConflict)
	}
	stored.Status = r.Status
	stored.ResolverID = r.ResolverID
	stored.ResolverRole = r.ResolverRole
	stored.Justification = r.Justification
	stored.ExternalRef = r.ExternalRef
	s.approvals[r.ID] = stored
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, filter core.ApprovalFilter) ([]core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ApprovalRequest
	for _, r := range s.approvals {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		end := filter.Offset + filter.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[filter.Offset:end]
	}
	return out, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ApprovalRequest
	for _, r := range s.approvals {
		if r.Status == core.ApprovalPending && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PendingForWorkflow(ctx context.Context, workflowID string) (*core.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *core.ApprovalRequest
	for id := range s.approvals {
		r := s.approvals[id]
		if r.WorkflowID != workflowID || r.Status != core.ApprovalPending {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = &r
		}
	}
	return latest, nil
}
