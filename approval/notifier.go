// Package approval implements the human-in-the-loop subsystem: approval
// requests with per-level expiry, role-gated decisions, an expiry sweeper,
// and an authenticated webhook for decisions arriving from external
// channels like chat.
package approval

import (
	"context"

	"github.com/atriumhq/conductor/core"
)

// Notifier delivers a new approval request to an external channel (chat,
// email, pager) and returns that channel's opaque reference for the
// message, which later correlates webhook callbacks.
type Notifier interface {
	Notify(ctx context.Context, req *core.ApprovalRequest) (externalRef string, err error)
}

// LogNotifier is the default Notifier: it only logs the request. Useful in
// development and as a safe fallback when no channel is configured.
type LogNotifier struct {
	Logger core.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, req *core.ApprovalRequest) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger.InfoWithContext(ctx, "approval requested", map[string]interface{}{
		"request_id":      req.ID,
		"workflow_id":     req.WorkflowID,
		"risk_level":      req.RiskLevel,
		"required_role":   req.RequiredRole,
		"task_descriptor": req.TaskDescriptor,
		"expires_at":      req.ExpiresAt,
	})
	return "", nil
}
