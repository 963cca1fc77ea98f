package eventlog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/store/memory"
	"github.com/atriumhq/conductor/store/sqlite"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	return New(memory.New(), opts...)
}

func startWorkflow(t *testing.T, lg *Log, workflowID string) {
	t.Helper()
	_, err := lg.Append(context.Background(), workflowID, core.ActionWorkflowStarted,
		json.RawMessage(`{"template_id":"feature_dev"}`), "engine",
		func(wf *core.Workflow) {
			wf.ThreadID = "thread-" + workflowID
			wf.Status = core.WorkflowRunning
		})
	require.NoError(t, err)
}

func stepPayload(stepID string, extra string) json.RawMessage {
	p := `{"step_id":"` + stepID + `"`
	if extra != "" {
		p += "," + extra
	}
	return json.RawMessage(p + "}")
}

func TestAppendBuildsVerifiableChain(t *testing.T) {
	lg := newTestLog(t)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")

	_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("analyze", ""), "engine",
		func(wf *core.Workflow) { wf.CurrentStep = "analyze" })
	require.NoError(t, err)
	_, err = lg.Append(ctx, "wf-1", core.ActionStepCompleted,
		stepPayload("analyze", `"output":{"verdict":"ok"}`), "engine", nil)
	require.NoError(t, err)

	events, err := lg.Load(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, ZeroHash, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)
	assert.NoError(t, VerifyChain(events))
}

func TestComputeHashIsDeterministic(t *testing.T) {
	e := &core.Event{
		ID: "e1", WorkflowID: "wf-1", Seq: 1,
		Action:    core.ActionWorkflowStarted,
		Payload:   json.RawMessage(`{"a":1}`),
		Actor:     "engine",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		PrevHash:  ZeroHash,
	}
	h1, err := ComputeHash(e)
	require.NoError(t, err)
	h2, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	e.Payload = json.RawMessage(`{"a":2}`)
	h3, err := ComputeHash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestLoadDetectsTamperedPayload(t *testing.T) {
	store := sqlite.New(":memory:")
	require.NoError(t, store.Init(context.Background()))
	defer store.Close()

	lg := New(store)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")
	_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("deploy", ""), "engine", nil)
	require.NoError(t, err)

	// Rewrite history directly under the log.
	_, err = store.DB().Exec(
		`UPDATE events SET payload = ? WHERE workflow_id = ? AND seq = 2`,
		`{"step_id":"exfiltrate"}`, "wf-1")
	require.NoError(t, err)

	_, err = lg.Load(ctx, "wf-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)
	assert.Contains(t, err.Error(), "seq 2")
}

func TestVerifyChainDetectsGapAndBrokenLink(t *testing.T) {
	mk := func(seq int64, prev string) core.Event {
		e := core.Event{
			ID: "e", WorkflowID: "wf-1", Seq: seq, Action: core.ActionAnnotation,
			Timestamp: time.Now().UTC(), PrevHash: prev,
		}
		e.Hash, _ = ComputeHash(&e)
		return e
	}

	e1 := mk(1, ZeroHash)
	e2 := mk(2, e1.Hash)
	e3 := mk(3, e2.Hash)

	require.NoError(t, VerifyChain([]core.Event{e1, e2, e3}))

	err := VerifyChain([]core.Event{e1, e3})
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)
	assert.Contains(t, err.Error(), "gap")

	bad := mk(2, ZeroHash)
	err = VerifyChain([]core.Event{e1, bad})
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)
	assert.Contains(t, err.Error(), "broken link")
}

func TestReducerWorkflowLifecycle(t *testing.T) {
	lg := newTestLog(t)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")

	appends := []struct {
		action  string
		payload json.RawMessage
	}{
		{core.ActionStepStarted, stepPayload("analyze", `"agent_id":"analyzer-1"`)},
		{core.ActionStepCompleted, stepPayload("analyze", `"agent_id":"analyzer-1","output":{"files":3}`)},
		{core.ActionApprovalRequested, json.RawMessage(`{"request_id":"apr-1","risk_level":"high"}`)},
		{core.ActionWorkflowSuspended, json.RawMessage(`{"request_id":"apr-1"}`)},
		{core.ActionApprovalGranted, json.RawMessage(`{"request_id":"apr-1"}`)},
		{core.ActionWorkflowResumed, json.RawMessage(`{"request_id":"apr-1"}`)},
		{core.ActionStepStarted, stepPayload("deploy", "")},
		{core.ActionStepCompleted, stepPayload("deploy", "")},
		{core.ActionWorkflowCompleted, nil},
	}
	for _, a := range appends {
		_, err := lg.Append(ctx, "wf-1", a.action, a.payload, "engine", func(wf *core.Workflow) {
			switch a.action {
			case core.ActionWorkflowSuspended:
				wf.Status = core.WorkflowSuspended
			case core.ActionWorkflowResumed:
				wf.Status = core.WorkflowRunning
			case core.ActionWorkflowCompleted:
				wf.Status = core.WorkflowCompleted
			}
		})
		require.NoError(t, err, a.action)
	}

	st, err := lg.Replay(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowCompleted, st.Status)
	assert.Empty(t, st.PendingApprovalID)
	assert.Equal(t, []string{"analyze", "deploy"}, st.CompletedOrder)
	assert.Equal(t, "completed", st.Steps["analyze"].Status)
	assert.Equal(t, 1, st.Steps["analyze"].Attempts)
	assert.Len(t, st.Insights, 2)
	assert.Equal(t, int64(10), st.LastSeq)

	// Mid-chain state: suspended with a pending approval.
	mid, err := lg.Replay(ctx, "wf-1", 5)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowSuspended, mid.Status)
	assert.Equal(t, "apr-1", mid.PendingApprovalID)
}

func TestReducerUnknownActionPoisonsReplay(t *testing.T) {
	st := NewState("wf-1")
	err := st.Apply(&core.Event{ID: "e1", Seq: 1, Action: "quantum_entangle"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownAction)
}

func TestAppendToTerminalWorkflow(t *testing.T) {
	lg := newTestLog(t)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")
	_, err := lg.Append(ctx, "wf-1", core.ActionWorkflowCompleted, nil, "engine",
		func(wf *core.Workflow) { wf.Status = core.WorkflowCompleted })
	require.NoError(t, err)

	_, err = lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("late", ""), "engine", nil)
	assert.ErrorIs(t, err, core.ErrWorkflowTerminal)

	// Annotations stay legal after the terminal event.
	_, err = lg.Append(ctx, "wf-1", core.ActionAnnotation,
		json.RawMessage(`{"note":"post-mortem attached"}`), "alice", nil)
	assert.NoError(t, err)
}

func TestResumeReopensOnlyFailedWorkflows(t *testing.T) {
	lg := newTestLog(t)
	ctx := context.Background()

	finish := func(id string, status core.WorkflowStatus, action string) {
		startWorkflow(t, lg, id)
		_, err := lg.Append(ctx, id, action, nil, "engine",
			func(wf *core.Workflow) { wf.Status = status })
		require.NoError(t, err)
	}

	finish("wf-failed", core.WorkflowFailed, core.ActionWorkflowFailed)
	_, err := lg.Append(ctx, "wf-failed", core.ActionWorkflowResumed, nil, "engine",
		func(wf *core.Workflow) { wf.Status = core.WorkflowRunning })
	assert.NoError(t, err, "failed workflows reopen for a retry branch")

	// Cancelled and rolled-back runs are final.
	finish("wf-cancelled", core.WorkflowCancelled, core.ActionWorkflowCancelled)
	_, err = lg.Append(ctx, "wf-cancelled", core.ActionWorkflowResumed, nil, "engine", nil)
	assert.ErrorIs(t, err, core.ErrWorkflowTerminal)

	finish("wf-rolledback", core.WorkflowRolledBack, core.ActionWorkflowRolledBack)
	_, err = lg.Append(ctx, "wf-rolledback", core.ActionWorkflowResumed, nil, "engine", nil)
	assert.ErrorIs(t, err, core.ErrWorkflowTerminal)

	finish("wf-completed", core.WorkflowCompleted, core.ActionWorkflowCompleted)
	_, err = lg.Append(ctx, "wf-completed", core.ActionWorkflowResumed, nil, "engine", nil)
	assert.ErrorIs(t, err, core.ErrWorkflowTerminal)
}

func TestFailedVerificationPoisonsWorkflow(t *testing.T) {
	store := sqlite.New(":memory:")
	require.NoError(t, store.Init(context.Background()))
	defer store.Close()

	lg := New(store)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")
	_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("deploy", ""), "engine", nil)
	require.NoError(t, err)

	_, err = store.DB().Exec(
		`UPDATE events SET payload = ? WHERE workflow_id = ? AND seq = 2`,
		`{"step_id":"exfiltrate"}`, "wf-1")
	require.NoError(t, err)

	_, err = lg.Replay(ctx, "wf-1", 0)
	require.ErrorIs(t, err, core.ErrReplayIntegrity)

	// The marker persists: every read path and the append path refuse.
	wf, err := store.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowPoisoned, wf.Status)

	_, err = lg.LatestState(ctx, "wf-1")
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)

	_, err = lg.Load(ctx, "wf-1")
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)

	_, err = lg.Append(ctx, "wf-1", core.ActionAnnotation,
		json.RawMessage(`{"note":"what happened here"}`), "alice", nil)
	assert.ErrorIs(t, err, core.ErrReplayIntegrity)
}

func TestSnapshotCadenceAndLatestState(t *testing.T) {
	store := memory.New()
	lg := New(store, WithSnapshotEvery(3))
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")

	for i := 0; i < 4; i++ {
		step := string(rune('a' + i))
		_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload(step, ""), "engine", nil)
		require.NoError(t, err)
		_, err = lg.Append(ctx, "wf-1", core.ActionStepCompleted, stepPayload(step, ""), "engine", nil)
		require.NoError(t, err)
	}

	snaps, err := store.ListSnapshots(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, snaps, 3) // 9 events, cadence 3
	assert.Equal(t, int64(3), snaps[0].Seq)
	assert.Equal(t, int64(9), snaps[2].Seq)

	fast, err := lg.LatestState(ctx, "wf-1")
	require.NoError(t, err)
	full, err := lg.Replay(ctx, "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, full.LastSeq, fast.LastSeq)
	assert.Equal(t, full.CompletedOrder, fast.CompletedOrder)
	assert.Equal(t, full.Status, fast.Status)
}

func TestStateAtTimeTravel(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)}
	lg := New(memory.New(), WithClock(clock))
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")

	clock.Advance(time.Minute)
	_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("analyze", ""), "engine", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = lg.Append(ctx, "wf-1", core.ActionStepCompleted, stepPayload("analyze", ""), "engine", nil)
	require.NoError(t, err)

	st, err := lg.StateAt(ctx, "wf-1", time.Date(2026, 8, 1, 14, 1, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastSeq)
	assert.Equal(t, "running", st.Steps["analyze"].Status)

	early, err := lg.StateAt(ctx, "wf-1", time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(0), early.LastSeq)
	assert.Equal(t, core.WorkflowPending, early.Status)
}

func TestExportFormats(t *testing.T) {
	lg := newTestLog(t)
	ctx := context.Background()
	startWorkflow(t, lg, "wf-1")
	_, err := lg.Append(ctx, "wf-1", core.ActionStepStarted, stepPayload("analyze", ""), "engine", nil)
	require.NoError(t, err)

	data, contentType, err := lg.Export(ctx, "wf-1", "json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	var decoded []core.Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 2)

	data, contentType, err = lg.Export(ctx, "wf-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3) // header + 2 events
	assert.True(t, strings.HasPrefix(lines[0], "seq,event_id,action"))

	_, _, err = lg.Export(ctx, "wf-1", "pdf")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestLastInsightsWindow(t *testing.T) {
	st := NewState("wf-1")
	for i := 0; i < 15; i++ {
		st.Insights = append(st.Insights, Insight{StepID: string(rune('a' + i))})
	}
	got := st.LastInsights(10)
	require.Len(t, got, 10)
	assert.Equal(t, "f", got[0].StepID)
	assert.Equal(t, "o", got[9].StepID)

	all := st.LastInsights(0)
	assert.Len(t, all, 15)
}
