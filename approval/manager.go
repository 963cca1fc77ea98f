package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/conductor/bus"
	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/eventlog"
	"github.com/atriumhq/conductor/telemetry"
)

// Topic carries approval lifecycle notifications on the bus.
const Topic = "approval.events"

// sweepInterval is the cadence of the background expiry pass. Expiry is
// also applied lazily on every read, so the sweeper only matters for
// requests nobody is looking at.
const sweepInterval = 60 * time.Second

// DecisionHandler is invoked after a request reaches a terminal status,
// on the goroutine that resolved it. The engine registers one to resume
// or fail the suspended workflow.
type DecisionHandler func(ctx context.Context, req *core.ApprovalRequest)

// CreateParams describes a new approval request.
type CreateParams struct {
	WorkflowID     string
	ThreadID       string
	CheckpointID   string
	AgentName      string
	TaskDescriptor string
	RiskLevel      core.RiskLevel
	RiskFactors    []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) { m.logger = core.ComponentLogger(l, "approval") }
}

// WithClock injects a clock, for tests.
func WithClock(c core.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithNotifier sets the external notification channel.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithBus publishes lifecycle messages on the given bus.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// Manager owns the approval request lifecycle. All transitions out of
// pending go through it, whatever their origin: API decision, webhook
// callback, expiry, or workflow cancellation.
type Manager struct {
	store    core.ApprovalStore
	log      *eventlog.Log
	cfg      *core.Config
	notifier Notifier
	bus      *bus.Bus
	clock    core.Clock
	logger   core.Logger

	onDecision DecisionHandler
	stop       chan struct{}
}

// NewManager creates a Manager. Call Start to run the expiry sweeper.
func NewManager(store core.ApprovalStore, log *eventlog.Log, cfg *core.Config, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		log:    log,
		cfg:    cfg,
		clock:  core.RealClock{},
		logger: &core.NoOpLogger{},
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.notifier == nil {
		m.notifier = &LogNotifier{Logger: m.logger}
	}
	return m
}

// SetDecisionHandler registers the terminal-status callback. Must be set
// before Start.
func (m *Manager) SetDecisionHandler(h DecisionHandler) { m.onDecision = h }

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	go m.sweep()
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.expirePending(ctx)
			cancel()
		}
	}
}

func (m *Manager) expirePending(ctx context.Context) {
	expired, err := m.store.ListExpiredPending(ctx, m.clock.Now(), 100)
	if err != nil {
		m.logger.Warn("expiry sweep failed", map[string]interface{}{"error": err})
		return
	}
	for i := range expired {
		req := expired[i]
		if err := m.expire(ctx, &req); err != nil && !isAlreadyResolved(err) {
			m.logger.Warn("expire request failed", map[string]interface{}{
				"request_id": req.ID, "error": err,
			})
		}
	}
}

// Create registers a new approval request for the assessed risk. Low risk
// needs no human: Create returns (nil, nil) and the caller proceeds.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*core.ApprovalRequest, error) {
	if p.RiskLevel.Severity() < core.RiskMedium.Severity() {
		telemetry.Counter("approval.auto_approved")
		return nil, nil
	}
	roles := m.cfg.RoleAuthorization[string(p.RiskLevel)]
	if len(roles) == 0 {
		return nil, &core.Error{
			Op: "approval.Create", Kind: "approval",
			Message: "no roles authorized for level " + string(p.RiskLevel),
			Err:     core.ErrInvalidConfig,
		}
	}

	now := m.clock.Now().UTC()
	req := &core.ApprovalRequest{
		ID:             "apr-" + uuid.New().String(),
		WorkflowID:     p.WorkflowID,
		ThreadID:       p.ThreadID,
		CheckpointID:   p.CheckpointID,
		AgentName:      p.AgentName,
		TaskDescriptor: p.TaskDescriptor,
		RiskLevel:      p.RiskLevel,
		RiskFactors:    p.RiskFactors,
		Status:         core.ApprovalPending,
		RequiredRole:   roles[0],
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.ApprovalTimeout(string(p.RiskLevel))),
	}

	// Notify before persisting so the channel reference lands in the same
	// insert. A notification failure is not fatal: the request is still
	// resolvable through the API.
	ref, err := m.notifier.Notify(ctx, req)
	if err != nil {
		m.logger.WarnWithContext(ctx, "approval notification failed", map[string]interface{}{
			"request_id": req.ID, "error": err,
		})
	}
	req.ExternalRef = ref

	if err := m.store.InsertApproval(ctx, req); err != nil {
		return nil, err
	}

	m.appendEvent(ctx, req, core.ActionApprovalRequested, "hitl")
	m.publish(ctx, core.ActionApprovalRequested, req)
	telemetry.Counter("approval.created", "level", string(req.RiskLevel))
	m.logger.InfoWithContext(ctx, "approval request created", map[string]interface{}{
		"request_id":  req.ID,
		"workflow_id": req.WorkflowID,
		"risk_level":  req.RiskLevel,
		"expires_at":  req.ExpiresAt,
	})
	return req, nil
}

// Get returns a request with expiry applied lazily: a pending request
// past its deadline is expired on read so no caller ever observes a
// pending-but-dead request.
func (m *Manager) Get(ctx context.Context, id string) (*core.ApprovalRequest, error) {
	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.applyLazyExpiry(ctx, req)
}

// GetByExternalRef resolves a channel reference to its request.
func (m *Manager) GetByExternalRef(ctx context.Context, ref string) (*core.ApprovalRequest, error) {
	req, err := m.store.GetApprovalByExternalRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.applyLazyExpiry(ctx, req)
}

// List returns requests matching the filter.
func (m *Manager) List(ctx context.Context, filter core.ApprovalFilter) ([]core.ApprovalRequest, error) {
	return m.store.ListApprovals(ctx, filter)
}

func (m *Manager) applyLazyExpiry(ctx context.Context, req *core.ApprovalRequest) (*core.ApprovalRequest, error) {
	if req.Status != core.ApprovalPending || !req.ExpiresAt.Before(m.clock.Now()) {
		return req, nil
	}
	if err := m.expire(ctx, req); err != nil && !isAlreadyResolved(err) {
		return nil, err
	}
	return m.store.GetApproval(ctx, req.ID)
}

// Decide resolves a pending request to approved or rejected. The resolver
// role must be authorized for the request's risk level; a decision on an
// already-resolved request fails with ErrVersionConflict; a decision past
// expiry fails with ErrRiskExpired.
func (m *Manager) Decide(ctx context.Context, id string, approve bool, resolverID, resolverRole, justification string) (*core.ApprovalRequest, error) {
	req, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == core.ApprovalExpired {
		return nil, &core.Error{Op: "approval.Decide", Kind: "approval", ID: id, Err: core.ErrRiskExpired}
	}
	if req.Status != core.ApprovalPending {
		return nil, &core.Error{Op: "approval.Decide", Kind: "approval", ID: id, Err: core.ErrVersionConflict}
	}
	if !m.roleAllowed(req.RiskLevel, resolverRole) {
		telemetry.Counter("approval.unauthorized", "level", string(req.RiskLevel))
		return nil, &core.Error{
			Op: "approval.Decide", Kind: "approval", ID: id,
			Message: "role " + resolverRole + " cannot resolve " + string(req.RiskLevel) + " risk",
			Err:     core.ErrUnauthorized,
		}
	}

	if approve {
		req.Status = core.ApprovalApproved
	} else {
		req.Status = core.ApprovalRejected
	}
	req.ResolverID = resolverID
	req.ResolverRole = resolverRole
	req.Justification = justification

	if err := m.store.ResolveApproval(ctx, req); err != nil {
		return nil, err
	}

	action := core.ActionApprovalGranted
	if !approve {
		action = core.ActionApprovalRejected
	}
	m.appendEvent(ctx, req, action, resolverID)
	m.publish(ctx, action, req)
	telemetry.Counter("approval.decided", "status", string(req.Status))
	m.logger.InfoWithContext(ctx, "approval decided", map[string]interface{}{
		"request_id":  req.ID,
		"workflow_id": req.WorkflowID,
		"status":      req.Status,
		"resolver_id": resolverID,
	})

	if m.onDecision != nil {
		m.onDecision(ctx, req)
	}
	return req, nil
}

// Cancel resolves a pending request as cancelled, used when its workflow
// is cancelled out from under it. Cancelling an already-resolved request
// is a no-op.
func (m *Manager) Cancel(ctx context.Context, id, actor string) error {
	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != core.ApprovalPending {
		return nil
	}
	req.Status = core.ApprovalCancelled
	if err := m.store.ResolveApproval(ctx, req); err != nil {
		if isAlreadyResolved(err) {
			return nil
		}
		return err
	}
	m.appendEvent(ctx, req, core.ActionApprovalCancelled, actor)
	m.publish(ctx, core.ActionApprovalCancelled, req)
	return nil
}

func (m *Manager) expire(ctx context.Context, req *core.ApprovalRequest) error {
	resolved := *req
	resolved.Status = core.ApprovalExpired
	if err := m.store.ResolveApproval(ctx, &resolved); err != nil {
		return err
	}
	m.appendEvent(ctx, &resolved, core.ActionApprovalExpired, "sweeper")
	m.publish(ctx, core.ActionApprovalExpired, &resolved)
	telemetry.Counter("approval.expired", "level", string(req.RiskLevel))
	m.logger.InfoWithContext(ctx, "approval expired", map[string]interface{}{
		"request_id":  req.ID,
		"workflow_id": req.WorkflowID,
	})
	if m.onDecision != nil {
		m.onDecision(ctx, &resolved)
	}
	return nil
}

func (m *Manager) roleAllowed(level core.RiskLevel, role string) bool {
	for _, r := range m.cfg.RoleAuthorization[string(level)] {
		if r == role {
			return true
		}
	}
	return false
}

// appendEvent records the lifecycle transition in the workflow's event
// log. The log is the audit trail; losing an entry is worth a warning but
// must not fail the decision that already landed in the approvals table.
func (m *Manager) appendEvent(ctx context.Context, req *core.ApprovalRequest, action, actor string) {
	if m.log == nil {
		return
	}
	payload, _ := json.Marshal(eventlog.ApprovalEventPayload{
		RequestID: req.ID,
		RiskLevel: string(req.RiskLevel),
		Resolver:  req.ResolverID,
	})
	if _, err := m.log.Append(ctx, req.WorkflowID, action, payload, actor, nil); err != nil {
		m.logger.WarnWithContext(ctx, "approval event append failed", map[string]interface{}{
			"request_id": req.ID, "action": action, "error": err,
		})
	}
}

func (m *Manager) publish(ctx context.Context, action string, req *core.ApprovalRequest) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, bus.Message{
		Topic:   Topic,
		Source:  "approval",
		Payload: map[string]interface{}{"action": action, "request": req},
	})
}

// isAlreadyResolved covers the benign races around expiry and
// cancellation: someone else resolved the request first, or it vanished.
func isAlreadyResolved(err error) bool {
	return core.IsNotFound(err) || errors.Is(err, core.ErrVersionConflict)
}
