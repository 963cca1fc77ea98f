package eventlog

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

const (
	// appendAttempts bounds optimistic-concurrency retries on Append.
	appendAttempts = 3
	retryBaseDelay = 10 * time.Millisecond
)

// Option configures a Log.
type Option func(*Log)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(lg *Log) { lg.logger = core.ComponentLogger(l, "eventlog") }
}

// WithClock injects a clock, for tests.
func WithClock(c core.Clock) Option {
	return func(lg *Log) { lg.clock = c }
}

// WithSnapshotEvery sets the snapshot cadence in events. Zero disables
// snapshotting.
func WithSnapshotEvery(n int) Option {
	return func(lg *Log) { lg.snapshotEvery = n }
}

// Log is the event-sourced source of truth for workflow state. Every state
// transition goes through Append; reads reduce the chain (or a snapshot
// plus its tail).
type Log struct {
	store         core.DurableStore
	logger        core.Logger
	clock         core.Clock
	snapshotEvery int
}

// New creates a Log over the given durable store.
func New(store core.DurableStore, opts ...Option) *Log {
	lg := &Log{
		store:         store,
		logger:        &core.NoOpLogger{},
		clock:         core.RealClock{},
		snapshotEvery: 10,
	}
	for _, o := range opts {
		o(lg)
	}
	return lg
}

// Append records one state transition: it assigns the next seq, links and
// hashes the event, applies mutate to the current workflow row, and writes
// both in one transaction. Version and seq conflicts (a concurrent writer
// got there first) retry up to appendAttempts times with jittered backoff,
// re-reading the workflow each time. Appends to terminal workflows fail
// with ErrWorkflowTerminal, except annotations, which stay legal forever,
// and workflow_resumed on failed runs, which reopens them for a retry
// branch.
func (l *Log) Append(ctx context.Context, workflowID, action string, payload json.RawMessage, actor string, mutate func(*core.Workflow)) (*core.Event, error) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		e, err := l.tryAppend(ctx, workflowID, action, payload, actor, mutate)
		if err == nil {
			telemetry.Counter("eventlog.append", "action", action)
			telemetry.Duration("eventlog.append.duration", start, "action", action)
			l.maybeSnapshot(ctx, workflowID, e.Seq)
			return e, nil
		}
		if !core.IsRetryable(err) {
			telemetry.RecordSpanError(ctx, err)
			return nil, err
		}
		lastErr = err
		l.logger.DebugWithContext(ctx, "append conflict, retrying", map[string]interface{}{
			"workflow_id": workflowID,
			"action":      action,
			"attempt":     attempt,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBaseDelay + time.Duration(rand.Int63n(int64(retryBaseDelay)))):
		}
	}
	telemetry.Counter("eventlog.append.conflict_exhausted", "action", action)
	l.logger.ErrorWithContext(ctx, "append retries exhausted", map[string]interface{}{
		"workflow_id": workflowID,
		"action":      action,
		"error":       lastErr,
	})
	return nil, lastErr
}

// terminalLegal lists the actions a terminal workflow still accepts:
// annotations always, and workflow_resumed on failed runs only, which
// reopens them for a retry branch. Completed, cancelled, and rolled-back
// runs are final. Poisoned workflows accept nothing.
func terminalLegal(s core.WorkflowStatus, action string) bool {
	if s == core.WorkflowPoisoned {
		return false
	}
	switch action {
	case core.ActionAnnotation:
		return true
	case core.ActionWorkflowResumed:
		return s == core.WorkflowFailed
	}
	return false
}

func (l *Log) tryAppend(ctx context.Context, workflowID, action string, payload json.RawMessage, actor string, mutate func(*core.Workflow)) (*core.Event, error) {
	now := l.clock.Now().UTC()

	wf, err := l.store.GetWorkflow(ctx, workflowID)
	if core.IsNotFound(err) {
		wf = &core.Workflow{ID: workflowID, StartedAt: now, Version: 0}
	} else if err != nil {
		return nil, err
	}
	if wf.Status == core.WorkflowPoisoned {
		return nil, &core.Error{
			Op: "eventlog.Append", Kind: "workflow", ID: workflowID,
			Message: "workflow is poisoned",
			Err:     core.ErrReplayIntegrity,
		}
	}
	if wf.Status.Terminal() && !terminalLegal(wf.Status, action) {
		return nil, &core.Error{
			Op: "eventlog.Append", Kind: "workflow", ID: workflowID,
			Err: core.ErrWorkflowTerminal,
		}
	}

	if mutate != nil {
		mutate(wf)
	}
	wf.Version++
	wf.UpdatedAt = now
	if wf.Status.Terminal() && wf.CompletedAt == nil {
		wf.CompletedAt = &now
	}

	var seq int64 = 1
	prevHash := ZeroHash
	last, err := l.store.LastEvent(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		seq = last.Seq + 1
		prevHash = last.Hash
	}

	e := &core.Event{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Seq:        seq,
		Action:     action,
		Payload:    payload,
		Actor:      actor,
		Timestamp:  now,
		PrevHash:   prevHash,
	}
	e.Hash, err = ComputeHash(e)
	if err != nil {
		return nil, err
	}

	if err := l.store.AppendEvent(ctx, e, wf); err != nil {
		return nil, err
	}
	return e, nil
}

// maybeSnapshot persists a reduction every snapshotEvery events. Snapshot
// failures never fail the append; the log remains the source of truth.
func (l *Log) maybeSnapshot(ctx context.Context, workflowID string, seq int64) {
	if l.snapshotEvery <= 0 || seq%int64(l.snapshotEvery) != 0 {
		return
	}
	st, err := l.Replay(ctx, workflowID, seq)
	if err != nil {
		l.logger.Warn("snapshot reduction failed", map[string]interface{}{
			"workflow_id": workflowID, "seq": seq, "error": err,
		})
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := l.store.InsertSnapshot(ctx, &core.Snapshot{
		WorkflowID: workflowID,
		Seq:        seq,
		State:      data,
		CreatedAt:  l.clock.Now().UTC(),
	}); err != nil {
		l.logger.Warn("snapshot write failed", map[string]interface{}{
			"workflow_id": workflowID, "seq": seq, "error": err,
		})
		return
	}
	telemetry.Counter("eventlog.snapshot")
}

// Load returns the full verified chain for a workflow. A verification
// failure marks the workflow poisoned; every subsequent read or append is
// refused until an operator intervenes.
func (l *Log) Load(ctx context.Context, workflowID string) ([]core.Event, error) {
	if err := l.checkPoisoned(ctx, workflowID); err != nil {
		return nil, err
	}
	events, err := l.store.ListEvents(ctx, workflowID, 1, 0)
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(events); err != nil {
		l.poison(ctx, workflowID, err)
		return nil, err
	}
	return events, nil
}

// checkPoisoned refuses reads of a workflow already marked poisoned.
func (l *Log) checkPoisoned(ctx context.Context, workflowID string) error {
	wf, err := l.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf == nil {
		return nil
	}
	if wf.Status == core.WorkflowPoisoned {
		return &core.Error{
			Op: "eventlog.Load", Kind: "workflow", ID: workflowID,
			Message: "workflow is poisoned",
			Err:     core.ErrReplayIntegrity,
		}
	}
	return nil
}

func (l *Log) poison(ctx context.Context, workflowID string, cause error) {
	telemetry.Counter("eventlog.integrity_violation")
	l.logger.ErrorWithContext(ctx, "event chain verification failed, poisoning workflow", map[string]interface{}{
		"workflow_id": workflowID,
		"error":       cause,
	})
	if err := l.store.MarkWorkflowPoisoned(ctx, workflowID); err != nil {
		l.logger.ErrorWithContext(ctx, "failed to persist poisoned marker", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       err,
		})
	}
}

// Replay reduces the verified chain up to toSeq (inclusive); toSeq <= 0
// replays everything.
func (l *Log) Replay(ctx context.Context, workflowID string, toSeq int64) (*State, error) {
	events, err := l.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if toSeq > 0 && int64(len(events)) > toSeq {
		events = events[:toSeq]
	}
	return Reduce(workflowID, nil, events)
}

// LatestState is the fast read path: latest snapshot plus the tail of
// events after it. The tail is not chain-verified here, but a workflow
// already marked poisoned is refused; use Replay when integrity matters
// more than latency.
func (l *Log) LatestState(ctx context.Context, workflowID string) (*State, error) {
	if err := l.checkPoisoned(ctx, workflowID); err != nil {
		return nil, err
	}
	snap, err := l.store.LatestSnapshot(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}
	var base *State
	var fromSeq int64 = 1
	if snap != nil {
		base = NewState(workflowID)
		if err := json.Unmarshal(snap.State, base); err != nil {
			// Corrupt snapshot: fall back to full replay.
			l.logger.Warn("snapshot decode failed, replaying full chain", map[string]interface{}{
				"workflow_id": workflowID, "seq": snap.Seq, "error": err,
			})
			return l.Replay(ctx, workflowID, 0)
		}
		fromSeq = snap.Seq + 1
	}
	tail, err := l.store.ListEvents(ctx, workflowID, fromSeq, 0)
	if err != nil {
		return nil, err
	}
	return Reduce(workflowID, base, tail)
}

// StateAt reduces the chain up to the last event at or before t:
// time-travel debugging for "what did this workflow believe at 14:02".
func (l *Log) StateAt(ctx context.Context, workflowID string, t time.Time) (*State, error) {
	events, err := l.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cut := 0
	for i := range events {
		if events[i].Timestamp.After(t) {
			break
		}
		cut = i + 1
	}
	return Reduce(workflowID, nil, events[:cut])
}

// Events returns a filtered page of events without verification, for the
// audit listing endpoint.
func (l *Log) Events(ctx context.Context, workflowID string, filter core.EventFilter) ([]core.Event, error) {
	return l.store.ListEventsPage(ctx, workflowID, filter)
}
