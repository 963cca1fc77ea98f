package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type stubNotifier struct {
	notified []string
	fail     error
}

func (n *stubNotifier) Notify(ctx context.Context, req *core.ApprovalRequest) (string, error) {
	if n.fail != nil {
		return "", n.fail
	}
	n.notified = append(n.notified, req.ID)
	return "ext-" + req.ID, nil
}

type fixture struct {
	manager  *Manager
	store    *memory.Store
	log      *eventlog.Log
	clock    *fakeClock
	notifier *stubNotifier
	cfg      *core.Config

	mu        sync.Mutex
	decisions []core.ApprovalStatus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		clock:    &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &stubNotifier{},
		cfg:      core.DefaultConfig(),
	}
	f.log = eventlog.New(f.store, eventlog.WithClock(f.clock))
	f.manager = NewManager(f.store, f.log, f.cfg,
		WithClock(f.clock),
		WithNotifier(f.notifier),
	)
	f.manager.SetDecisionHandler(func(ctx context.Context, req *core.ApprovalRequest) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.decisions = append(f.decisions, req.Status)
	})
	return f
}

func (f *fixture) create(t *testing.T, level core.RiskLevel) *core.ApprovalRequest {
	t.Helper()
	req, err := f.manager.Create(context.Background(), CreateParams{
		WorkflowID:     "wf-1",
		ThreadID:       "thread-1",
		TaskDescriptor: "deploy payment-service to production",
		RiskLevel:      level,
		RiskFactors:    []string{"production deployment"},
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestCreateLowRiskNeedsNoApproval(t *testing.T) {
	f := newFixture(t)
	req, err := f.manager.Create(context.Background(), CreateParams{
		WorkflowID: "wf-1", ThreadID: "thread-1",
		TaskDescriptor: "summarize notes", RiskLevel: core.RiskLow,
	})
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Empty(t, f.notifier.notified)
}

func TestCreatePersistsNotifiesAndLogs(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, core.RiskHigh)

	assert.Equal(t, core.ApprovalPending, req.Status)
	assert.Equal(t, "team_lead", req.RequiredRole)
	assert.Equal(t, "ext-"+req.ID, req.ExternalRef)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), req.ExpiresAt)

	stored, err := f.store.GetApproval(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-"+req.ID, stored.ExternalRef)

	events, err := f.store.ListEvents(context.Background(), "wf-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.ActionApprovalRequested, events[0].Action)
}

func TestCreateSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = assert.AnError

	req := f.create(t, core.RiskMedium)
	assert.Empty(t, req.ExternalRef)

	// Still resolvable through the API path.
	_, err := f.manager.Decide(context.Background(), req.ID, true, "alice", "team_lead", "")
	assert.NoError(t, err)
}

func TestDecideEnforcesRoleAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.create(t, core.RiskCritical)

	// Critical risk needs an operator; a team lead is not enough.
	_, err := f.manager.Decide(ctx, req.ID, true, "bob", "team_lead", "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	resolved, err := f.manager.Decide(ctx, req.ID, true, "carol", "operator", "change window open")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalApproved, resolved.Status)
	assert.Equal(t, "carol", resolved.ResolverID)

	// Double resolution conflicts.
	_, err = f.manager.Decide(ctx, req.ID, false, "dave", "operator", "")
	assert.ErrorIs(t, err, core.ErrVersionConflict)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []core.ApprovalStatus{core.ApprovalApproved}, f.decisions)
}

func TestDecideReject(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, core.RiskHigh)

	resolved, err := f.manager.Decide(context.Background(), req.ID, false, "alice", "team_lead", "wrong change window")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalRejected, resolved.Status)
	assert.Equal(t, "wrong change window", resolved.Justification)

	events, err := f.store.ListEventsPage(context.Background(), "wf-1",
		core.EventFilter{Action: core.ActionApprovalRejected})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLazyExpiryOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, core.RiskMedium) // 30m window

	f.clock.Advance(31 * time.Minute)

	got, err := f.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalExpired, got.Status)

	// A late decision reports the expiry, not a conflict.
	_, err = f.manager.Decide(ctx, req.ID, true, "alice", "team_lead", "")
	assert.ErrorIs(t, err, core.ErrRiskExpired)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []core.ApprovalStatus{core.ApprovalExpired}, f.decisions)
}

func TestSweeperExpiresUnwatchedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, core.RiskHigh)

	f.clock.Advance(3 * time.Hour)
	f.manager.expirePending(ctx)

	got, err := f.store.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalExpired, got.Status)

	events, err := f.store.ListEventsPage(ctx, "wf-1",
		core.EventFilter{Action: core.ActionApprovalExpired})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCancelPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, core.RiskHigh)

	require.NoError(t, f.manager.Cancel(ctx, req.ID, "engine"))

	got, err := f.store.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalCancelled, got.Status)

	// Cancelling again is a no-op.
	assert.NoError(t, f.manager.Cancel(ctx, req.ID, "engine"))
}

func TestGetByExternalRef(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, core.RiskHigh)

	got, err := f.manager.GetByExternalRef(context.Background(), "ext-"+req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = f.manager.GetByExternalRef(context.Background(), "ext-unknown")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
