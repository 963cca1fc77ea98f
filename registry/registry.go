// Package registry is the capability-indexed agent directory. Agents
// register with their capabilities and endpoint, then heartbeat; the
// registry marks agents offline when heartbeats stop, and the engine
// discovers live agents per capability at dispatch time.
package registry

import (
	"context"
	"time"

	"github.com/atriumhq/conductor/core"
)

// Liveness window: an agent missing three consecutive heartbeats is
// considered gone.
const staleMultiplier = 3

// HeartbeatStats summarizes registry health for the operations endpoint.
type HeartbeatStats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Busy          int            `json:"busy"`
	Offline       int            `json:"offline"`
	ByCapability  map[string]int `json:"by_capability"`
	OldestContact time.Time      `json:"oldest_contact,omitempty"`
}

// Registry is the agent directory API.
type Registry interface {
	// Register adds or replaces an agent record and indexes its
	// capabilities. Registration counts as a heartbeat.
	Register(ctx context.Context, rec *core.AgentRecord) error

	// Heartbeat refreshes liveness and optionally updates status. Unknown
	// agents fail with ErrNotFound; they must re-register.
	Heartbeat(ctx context.Context, agentID string, status core.AgentStatus) error

	// Discover returns live (non-offline) agents advertising capability.
	Discover(ctx context.Context, capability string) ([]*core.AgentRecord, error)

	// Get returns an agent by ID regardless of status.
	Get(ctx context.Context, agentID string) (*core.AgentRecord, error)

	// List returns every known agent.
	List(ctx context.Context) ([]*core.AgentRecord, error)

	// Unregister removes an agent and its capability index entries.
	Unregister(ctx context.Context, agentID string) error

	// Stats summarizes the directory.
	Stats(ctx context.Context) (*HeartbeatStats, error)
}

// stale reports whether a record's last heartbeat is outside the liveness
// window.
func stale(rec *core.AgentRecord, now time.Time, heartbeatInterval time.Duration) bool {
	return now.Sub(rec.LastHeartbeat) > staleMultiplier*heartbeatInterval
}

func buildStats(records []*core.AgentRecord) *HeartbeatStats {
	stats := &HeartbeatStats{ByCapability: make(map[string]int)}
	for _, rec := range records {
		stats.Total++
		switch rec.Status {
		case core.AgentActive:
			stats.Active++
		case core.AgentBusy:
			stats.Busy++
		case core.AgentOffline:
			stats.Offline++
		}
		for _, cap := range rec.Capabilities {
			stats.ByCapability[cap]++
		}
		if stats.OldestContact.IsZero() || rec.LastHeartbeat.Before(stats.OldestContact) {
			stats.OldestContact = rec.LastHeartbeat
		}
	}
	return stats
}
