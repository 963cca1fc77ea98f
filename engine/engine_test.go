package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/conductor/approval"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/locks"
	"github.com/atriumhq/conductor/registry"
	"github.com/atriumhq/conductor/risk"
	"github.com/atriumhq/conductor/store/memory"
)

// fakeClient answers invocations from canned outputs and scripted
// failure queues, keyed by step ID.
type fakeClient struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]json.RawMessage
	failures  map[string][]error
	onInvoke  func(*InvokeRequest)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: map[string]json.RawMessage{},
		failures:  map[string][]error{},
	}
}

func (c *fakeClient) Invoke(ctx context.Context, agent *core.AgentRecord, req *InvokeRequest) (*InvokeResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.StepID)
	var err error
	if q := c.failures[req.StepID]; len(q) > 0 {
		err, c.failures[req.StepID] = q[0], q[1:]
	}
	out := c.responses[req.StepID]
	hook := c.onInvoke
	c.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = json.RawMessage(`{"ok":true}`)
	}
	return &InvokeResponse{Output: out}, nil
}

func (c *fakeClient) callCount(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.calls {
		if id == stepID {
			n++
		}
	}
	return n
}

type engineFixture struct {
	engine    *Engine
	store     *memory.Store
	log       *eventlog.Log
	registry  *registry.MemoryRegistry
	locks     *locks.MemoryManager
	approvals *approval.Manager
	client    *fakeClient
	cfg       *core.Config
}

func newEngineFixture(t *testing.T, tmpl *Template) *engineFixture {
	t.Helper()
	require.NoError(t, tmpl.validate())

	f := &engineFixture{
		store:  memory.New(),
		client: newFakeClient(),
		cfg:    core.DefaultConfig(),
	}
	f.log = eventlog.New(f.store)
	f.registry = registry.NewMemoryRegistry(10*time.Second, core.RealClock{})
	f.locks = locks.NewMemoryManager(core.RealClock{})
	t.Cleanup(func() { _ = f.locks.Close() })
	f.approvals = approval.NewManager(f.store, f.log, f.cfg)

	caps := map[string]bool{}
	for _, n := range tmpl.Nodes {
		if n.Capability != "" {
			caps[n.Capability] = true
		}
		if n.Compensation != "" {
			caps[n.Compensation] = true
		}
	}
	i := 0
	for c := range caps {
		i++
		require.NoError(t, f.registry.Register(context.Background(), &core.AgentRecord{
			ID:           fmt.Sprintf("agent-%d", i),
			BaseEndpoint: "http://agents.local",
			Capabilities: []string{c},
			Status:       core.AgentActive,
		}))
	}

	f.engine = New(f.log, f.store, f.registry, f.locks, f.approvals, nil,
		risk.New(), map[string]*Template{tmpl.ID: tmpl}, f.cfg,
		WithAgentClient(f.client),
	)
	return f
}

func (f *engineFixture) start(t *testing.T, task string, input json.RawMessage) *core.Workflow {
	t.Helper()
	wf, err := f.engine.Start(context.Background(), StartParams{
		TemplateID: "t",
		Task:       task,
		Input:      input,
		Actor:      "tester",
	})
	require.NoError(t, err)
	return wf
}

func (f *engineFixture) waitStatus(t *testing.T, workflowID string, want core.WorkflowStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		wf, err := f.store.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.Status == want
	}, 3*time.Second, 10*time.Millisecond, "workflow never reached %s", want)
}

func (f *engineFixture) actions(t *testing.T, workflowID, action string) []core.Event {
	t.Helper()
	events, err := f.store.ListEventsPage(context.Background(), workflowID,
		core.EventFilter{Action: action})
	require.NoError(t, err)
	return events
}

func agentNode(id, capability, next string) *Node {
	return &Node{ID: id, Kind: KindAgent, Capability: capability, Next: next}
}

func linearTemplate() *Template {
	return &Template{
		ID:    "t",
		Entry: "a",
		Nodes: []*Node{
			agentNode("a", "analyze", "b"),
			agentNode("b", "report", ""),
		},
	}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	f.client.responses["a"] = json.RawMessage(`{"findings":3}`)

	wf := f.start(t, "analyze the incident", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	state, err := f.log.LatestState(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, state.CompletedOrder)
	assert.JSONEq(t, `{"findings":3}`, string(state.Insights[0].Output))

	assert.Len(t, f.actions(t, wf.ID, core.ActionWorkflowCompleted), 1)
	assert.Len(t, f.actions(t, wf.ID, core.ActionStepCompleted), 2)

	cps, err := f.store.ListCheckpoints(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cps)
}

func TestTransientFailuresRetryToSuccess(t *testing.T) {
	tmpl := linearTemplate()
	tmpl.Nodes[0].Retry = &RetryPolicy{
		MaxAttempts: 3, BackoffBaseMS: 1, BackoffCapMS: 2,
		RetryOn: []string{"external"},
	}
	f := newEngineFixture(t, tmpl)
	f.client.failures["a"] = []error{core.ErrExternalFailure, core.ErrExternalFailure}

	wf := f.start(t, "flaky upstream", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 3, f.client.callCount("a"))
}

func TestNonRetryableFailureFailsOnce(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	f.client.failures["a"] = []error{core.ErrValidation}

	wf := f.start(t, "bad request", nil)
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("a"))
	assert.Equal(t, 0, f.client.callCount("b"))
	assert.Len(t, f.actions(t, wf.ID, core.ActionStepFailed), 1)
}

func TestAgentUnavailableFailsWorkflow(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	require.NoError(t, f.registry.Unregister(context.Background(), "agent-1"))
	require.NoError(t, f.registry.Unregister(context.Background(), "agent-2"))

	wf := f.start(t, "nobody home", nil)
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	failed := f.actions(t, wf.ID, core.ActionWorkflowFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Payload), "no agent available")
}

func TestDecisionRoutesByKeyword(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "route",
		Nodes: []*Node{
			{ID: "route", Kind: KindDecision, Edges: []Edge{
				{Label: "urgent", When: []string{"outage"}, To: "page"},
				{Label: "routine", When: []string{"cleanup"}, To: "queue"},
			}},
			agentNode("page", "paging", ""),
			agentNode("queue", "ticketing", ""),
		},
	}
	f := newEngineFixture(t, tmpl)

	wf := f.start(t, "production outage in eu-west", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("page"))
	assert.Equal(t, 0, f.client.callCount("queue"))
}

func TestDecisionFallbackIsDeterministic(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "route",
		Nodes: []*Node{
			{ID: "route", Kind: KindDecision, Edges: []Edge{
				{Label: "beta", When: []string{"never-matches"}, To: "x"},
				{Label: "alpha", When: []string{"also-never"}, To: "y"},
			}},
			agentNode("x", "cap_x", ""),
			agentNode("y", "cap_y", ""),
		},
	}
	f := newEngineFixture(t, tmpl)

	// No rule fires and no model is wired: the smallest label wins.
	wf := f.start(t, "nothing matches this", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("y"))
	assert.Equal(t, 0, f.client.callCount("x"))
}

func approvalTemplate() *Template {
	return &Template{
		ID:    "t",
		Entry: "a",
		Nodes: []*Node{
			agentNode("a", "prepare", "gate"),
			{ID: "gate", Kind: KindApproval, Descriptor: "deploy to production", Next: "b"},
			agentNode("b", "deploy", ""),
		},
	}
}

func TestApprovalGateSuspendsThenResumes(t *testing.T) {
	f := newEngineFixture(t, approvalTemplate())
	ctx := context.Background()

	wf := f.start(t, "ship the release", nil)
	f.waitStatus(t, wf.ID, core.WorkflowSuspended)
	f.engine.Wait()

	pending, err := f.store.PendingForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, core.RiskHigh, pending.RiskLevel)
	assert.NotEmpty(t, pending.CheckpointID)
	assert.Equal(t, 0, f.client.callCount("b"))

	_, err = f.approvals.Decide(ctx, pending.ID, true, "alice", "team_lead", "change window open")
	require.NoError(t, err)

	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("b"))
	assert.Len(t, f.actions(t, wf.ID, core.ActionWorkflowResumed), 1)
}

func TestApprovalRejectionFailsWorkflow(t *testing.T) {
	f := newEngineFixture(t, approvalTemplate())
	ctx := context.Background()

	wf := f.start(t, "ship the release", nil)
	f.waitStatus(t, wf.ID, core.WorkflowSuspended)
	f.engine.Wait()

	pending, err := f.store.PendingForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.approvals.Decide(ctx, pending.ID, false, "alice", "team_lead", "not this week")
	require.NoError(t, err)

	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()
	assert.Equal(t, 0, f.client.callCount("b"))
}

func TestLowRiskGatePassesThrough(t *testing.T) {
	tmpl := approvalTemplate()
	tmpl.Nodes[1].Descriptor = "summarize the meeting notes"
	f := newEngineFixture(t, tmpl)

	wf := f.start(t, "notes", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	pending, err := f.store.PendingForWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCancelSuspendedWorkflowCascades(t *testing.T) {
	f := newEngineFixture(t, approvalTemplate())
	ctx := context.Background()

	wf := f.start(t, "ship the release", nil)
	f.waitStatus(t, wf.ID, core.WorkflowSuspended)
	f.engine.Wait()

	pending, err := f.store.PendingForWorkflow(ctx, wf.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, wf.ID, "tester"))
	f.waitStatus(t, wf.ID, core.WorkflowCancelled)

	got, err := f.store.GetApproval(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalCancelled, got.Status)

	// Terminal workflows reject further cancellation.
	err = f.engine.Cancel(ctx, wf.ID, "tester")
	assert.ErrorIs(t, err, core.ErrWorkflowTerminal)
}

func TestNodeLocksHeldForStepDuration(t *testing.T) {
	tmpl := linearTemplate()
	tmpl.Nodes[0].Resources = []string{"deploy/payments", "db/accounts"}
	f := newEngineFixture(t, tmpl)
	ctx := context.Background()

	var heldDuringStep bool
	f.client.onInvoke = func(req *InvokeRequest) {
		if req.StepID != "a" {
			return
		}
		lock, err := f.locks.Get(ctx, "db/accounts")
		heldDuringStep = err == nil && lock != nil && lock.Owner == req.WorkflowID
	}

	wf := f.start(t, "locked step", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.True(t, heldDuringStep, "lock must be held while the step runs")
	lock, err := f.locks.Get(ctx, "db/accounts")
	require.NoError(t, err)
	assert.Nil(t, lock, "lock must be released after the step")

	assert.Len(t, f.actions(t, wf.ID, core.ActionLockAcquired), 2)
	assert.Len(t, f.actions(t, wf.ID, core.ActionLockReleased), 2)
}

func TestParallelNodeJoinsAllBranches(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "fan",
		Nodes: []*Node{
			{ID: "fan", Kind: KindParallel, Children: []string{"left", "right"}, Next: "done"},
			agentNode("left", "cap_left", ""),
			agentNode("right", "cap_right", ""),
			agentNode("done", "report", ""),
		},
	}
	f := newEngineFixture(t, tmpl)
	f.client.responses["left"] = json.RawMessage(`{"side":"left"}`)
	f.client.responses["right"] = json.RawMessage(`{"side":"right"}`)

	wf := f.start(t, "fan out", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("left"))
	assert.Equal(t, 1, f.client.callCount("right"))
	assert.Equal(t, 1, f.client.callCount("done"))

	state, err := f.log.LatestState(context.Background(), wf.ID)
	require.NoError(t, err)
	merged := state.Steps["fan"].Output
	assert.JSONEq(t, `{"left":{"side":"left"},"right":{"side":"right"}}`, string(merged))
}

func TestParallelBranchFailureFailsNode(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "fan",
		Nodes: []*Node{
			{ID: "fan", Kind: KindParallel, Children: []string{"left", "right"}, Next: "done"},
			agentNode("left", "cap_left", ""),
			agentNode("right", "cap_right", ""),
			agentNode("done", "report", ""),
		},
	}
	f := newEngineFixture(t, tmpl)
	f.client.failures["right"] = []error{core.ErrValidation}

	wf := f.start(t, "fan out", nil)
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	assert.Equal(t, 0, f.client.callCount("done"))
}

func TestMapReduceFansOutOverItems(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "scan",
		Nodes: []*Node{
			{ID: "scan", Kind: KindMapReduce, Capability: "scanner", ItemsKey: "repos"},
		},
	}
	f := newEngineFixture(t, tmpl)
	f.client.responses["scan"] = json.RawMessage(`{"scanned":true}`)

	wf := f.start(t, "scan repos", json.RawMessage(`{"repos":["a","b","c"]}`))
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 3, f.client.callCount("scan"))

	state, err := f.log.LatestState(context.Background(), wf.ID)
	require.NoError(t, err)
	var outputs []json.RawMessage
	require.NoError(t, json.Unmarshal(state.Steps["scan"].Output, &outputs))
	assert.Len(t, outputs, 3)
}

func TestMapReduceRejectsNonListInput(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "scan",
		Nodes: []*Node{
			{ID: "scan", Kind: KindMapReduce, Capability: "scanner", ItemsKey: "repos"},
		},
	}
	f := newEngineFixture(t, tmpl)

	wf := f.start(t, "scan repos", json.RawMessage(`{"repos":"not-a-list"}`))
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()
	assert.Equal(t, 0, f.client.callCount("scan"))
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "a",
		Nodes: []*Node{
			{ID: "a", Kind: KindAgent, Capability: "provision", Compensation: "deprovision", Next: "b"},
			agentNode("b", "configure", ""),
		},
	}
	f := newEngineFixture(t, tmpl)
	f.client.failures["b"] = []error{core.ErrValidation}

	wf := f.start(t, "provision then break", nil)
	f.waitStatus(t, wf.ID, core.WorkflowRolledBack)
	f.engine.Wait()

	assert.Equal(t, 1, f.client.callCount("a:compensate"))
	assert.Len(t, f.actions(t, wf.ID, core.ActionRollbackStarted), 1)
	assert.Len(t, f.actions(t, wf.ID, core.ActionWorkflowRolledBack), 1)
}

func TestRetryFromStepBranchesAndCompletes(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	f.client.failures["b"] = []error{core.ErrValidation}
	ctx := context.Background()

	wf := f.start(t, "fails at b", nil)
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	// The failure queue is drained, so the branch succeeds.
	_, err := f.engine.RetryFromStep(ctx, wf.ID, "b")
	require.NoError(t, err)

	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	// Step a ran once; b ran twice (failure plus the retried branch).
	assert.Equal(t, 1, f.client.callCount("a"))
	assert.Equal(t, 2, f.client.callCount("b"))
}

func TestRetryFromStepRejectsCompletedWorkflow(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())

	wf := f.start(t, "still fine", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()

	_, err := f.engine.RetryFromStep(context.Background(), wf.ID, "b")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDecisionReadsLatestStepOutput(t *testing.T) {
	tmpl := &Template{
		ID:    "t",
		Entry: "a",
		Nodes: []*Node{
			agentNode("a", "analyze", "b"),
			agentNode("b", "triage", "route"),
			{ID: "route", Kind: KindDecision, Edges: []Edge{
				{Label: "urgent", When: []string{"outage"}, To: "page"},
				{Label: "routine", When: []string{"backlog"}, To: "queue"},
			}},
			agentNode("page", "paging", ""),
			agentNode("queue", "ticketing", ""),
		},
	}

	// Both earlier steps leave keyword-bearing outputs; only the most
	// recent one may steer the decision, on every run.
	for i := 0; i < 5; i++ {
		f := newEngineFixture(t, tmpl)
		f.client.responses["a"] = json.RawMessage(`{"note":"total outage in checkout"}`)
		f.client.responses["b"] = json.RawMessage(`{"note":"mitigated, moved to the backlog"}`)

		wf := f.start(t, "handle the incident follow-up", nil)
		f.waitStatus(t, wf.ID, core.WorkflowCompleted)
		f.engine.Wait()

		assert.Equal(t, 1, f.client.callCount("queue"), "run %d", i)
		assert.Equal(t, 0, f.client.callCount("page"), "run %d", i)
	}
}

func TestStepWaitsForContendedLock(t *testing.T) {
	tmpl := linearTemplate()
	tmpl.Nodes[0].Resources = []string{"deploy/payments"}
	f := newEngineFixture(t, tmpl)
	ctx := context.Background()

	_, err := f.locks.Acquire(ctx, "deploy/payments", "rival", time.Minute, "earlier deploy")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = f.locks.Release(ctx, "deploy/payments", "rival")
		close(released)
	}()

	wf := f.start(t, "deploy behind a busy neighbour", nil)
	f.waitStatus(t, wf.ID, core.WorkflowCompleted)
	f.engine.Wait()
	<-released

	assert.Equal(t, 1, f.client.callCount("a"))
	assert.Len(t, f.actions(t, wf.ID, core.ActionLockAcquired), 1)
	assert.Empty(t, f.actions(t, wf.ID, core.ActionStepFailed))
}

func TestLockWaitTimeoutFailsWorkflow(t *testing.T) {
	tmpl := linearTemplate()
	tmpl.Nodes[0].Resources = []string{"db/accounts"}
	tmpl.Nodes[0].Retry = &RetryPolicy{
		MaxAttempts: 2, BackoffBaseMS: 1, BackoffCapMS: 2,
		RetryOn: []string{"timeout"},
	}
	f := newEngineFixture(t, tmpl)
	f.cfg.LockWaitTimeout = 60 * time.Millisecond
	ctx := context.Background()

	// The rival never releases, so every wait window expires.
	_, err := f.locks.Acquire(ctx, "db/accounts", "rival", time.Hour, "wedged migration")
	require.NoError(t, err)

	wf := f.start(t, "deploy against a wedged lock", nil)
	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	assert.Equal(t, 0, f.client.callCount("a"))
	assert.NotEmpty(t, f.actions(t, wf.ID, core.ActionStepFailed))
}

func TestApprovalExpiryFailsWorkflow(t *testing.T) {
	f := newEngineFixture(t, approvalTemplate())
	f.cfg.ApprovalTimeouts.High = 50 * time.Millisecond
	ctx := context.Background()

	wf := f.start(t, "ship the release", nil)
	f.waitStatus(t, wf.ID, core.WorkflowSuspended)
	f.engine.Wait()

	time.Sleep(80 * time.Millisecond)

	// Lazy expiry surfaces on the resume attempt and fails the run.
	_, err := f.engine.Resume(ctx, wf.ID, "operator")
	assert.ErrorIs(t, err, core.ErrRiskExpired)

	f.waitStatus(t, wf.ID, core.WorkflowFailed)
	f.engine.Wait()

	assert.Equal(t, 0, f.client.callCount("b"))
	assert.Len(t, f.actions(t, wf.ID, core.ActionApprovalExpired), 1)
}

func TestRetryFromStepRejectsCancelledWorkflow(t *testing.T) {
	f := newEngineFixture(t, approvalTemplate())
	ctx := context.Background()

	wf := f.start(t, "ship the release", nil)
	f.waitStatus(t, wf.ID, core.WorkflowSuspended)
	f.engine.Wait()

	require.NoError(t, f.engine.Cancel(ctx, wf.ID, "tester"))
	f.waitStatus(t, wf.ID, core.WorkflowCancelled)

	_, err := f.engine.RetryFromStep(ctx, wf.ID, "a")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRecoverReschedulesRunningWorkflow(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	ctx := context.Background()

	// A previous process started the run, checkpointed past node a, and
	// died before executing b.
	_, err := f.log.Append(ctx, "wf-orphan", core.ActionWorkflowStarted,
		json.RawMessage(`{"template_id":"t"}`), "engine",
		func(wf *core.Workflow) {
			wf.TemplateID = "t"
			wf.ThreadID = "thread-orphan"
			wf.Status = core.WorkflowRunning
		})
	require.NoError(t, err)

	st := &runState{
		TemplateID: "t",
		ThreadID:   "thread-orphan",
		Task:       "pick up where we left off",
		NodeID:     "b",
		LastNode:   "a",
		Outputs:    map[string]json.RawMessage{"a": json.RawMessage(`{"ok":true}`)},
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveCheckpoint(ctx, &core.Checkpoint{
		ID: "cp-orphan", WorkflowID: "wf-orphan", State: data,
		Metadata: map[string]string{"node_id": "b"}, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, f.engine.Recover(ctx))
	f.waitStatus(t, "wf-orphan", core.WorkflowCompleted)
	f.engine.Wait()

	assert.Equal(t, 0, f.client.callCount("a"))
	assert.Equal(t, 1, f.client.callCount("b"))
	assert.Len(t, f.actions(t, "wf-orphan", core.ActionWorkflowResumed), 1)
}

func TestRecoverFailsRunningWorkflowWithoutCheckpoint(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	ctx := context.Background()

	_, err := f.log.Append(ctx, "wf-lost", core.ActionWorkflowStarted,
		json.RawMessage(`{"template_id":"t"}`), "engine",
		func(wf *core.Workflow) {
			wf.TemplateID = "t"
			wf.Status = core.WorkflowRunning
		})
	require.NoError(t, err)

	require.NoError(t, f.engine.Recover(ctx))
	f.waitStatus(t, "wf-lost", core.WorkflowFailed)

	failed := f.actions(t, "wf-lost", core.ActionWorkflowFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].Payload), "restarted")
}

// flakyStepStore rejects appends of one action, simulating a store that
// drops step bookkeeping under contention.
type flakyStepStore struct {
	core.DurableStore
	failAction string
}

func (s *flakyStepStore) AppendEvent(ctx context.Context, e *core.Event, wf *core.Workflow) error {
	if e.Action == s.failAction {
		return core.NewError("test.AppendEvent", "event", core.ErrStoreUnavailable)
	}
	return s.DurableStore.AppendEvent(ctx, e, wf)
}

func TestStepEventAppendFailureDoesNotAbortRun(t *testing.T) {
	tmpl := linearTemplate()
	require.NoError(t, tmpl.validate())

	mem := memory.New()
	flaky := &flakyStepStore{DurableStore: mem, failAction: core.ActionStepCompleted}
	lg := eventlog.New(flaky)
	reg := registry.NewMemoryRegistry(10*time.Second, core.RealClock{})
	for i, c := range []string{"analyze", "report"} {
		require.NoError(t, reg.Register(context.Background(), &core.AgentRecord{
			ID: fmt.Sprintf("agent-%d", i+1), BaseEndpoint: "http://agents.local",
			Capabilities: []string{c}, Status: core.AgentActive,
		}))
	}
	lm := locks.NewMemoryManager(core.RealClock{})
	t.Cleanup(func() { _ = lm.Close() })
	cfg := core.DefaultConfig()
	client := newFakeClient()
	eng := New(lg, flaky, reg, lm, approval.NewManager(flaky, lg, cfg), nil,
		risk.New(), map[string]*Template{tmpl.ID: tmpl}, cfg, WithAgentClient(client))

	wf, err := eng.Start(context.Background(), StartParams{
		TemplateID: "t", Task: "best effort bookkeeping", Actor: "tester",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := mem.GetWorkflow(context.Background(), wf.ID)
		return err == nil && got.Status == core.WorkflowCompleted
	}, 3*time.Second, 10*time.Millisecond)
	eng.Wait()

	assert.Equal(t, 1, client.callCount("a"))
	assert.Equal(t, 1, client.callCount("b"))
	events, err := mem.ListEventsPage(context.Background(), wf.ID,
		core.EventFilter{Action: core.ActionStepCompleted})
	require.NoError(t, err)
	assert.Empty(t, events, "the store rejected every step completion append")
}

func TestStartUnknownTemplate(t *testing.T) {
	f := newEngineFixture(t, linearTemplate())
	_, err := f.engine.Start(context.Background(), StartParams{TemplateID: "ghost"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}
