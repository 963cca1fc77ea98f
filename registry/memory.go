package registry

import (
	"context"
	"sync"
	"time"

	"github.com/atriumhq/conductor/core"
)

// MemoryRegistry implements Registry in process memory for development
// mode and tests. Staleness is computed lazily on reads instead of with a
// background sweeper.
type MemoryRegistry struct {
	mu                sync.RWMutex
	agents            map[string]core.AgentRecord
	clock             core.Clock
	heartbeatInterval time.Duration
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(heartbeatInterval time.Duration, clock core.Clock) *MemoryRegistry {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &MemoryRegistry{
		agents:            make(map[string]core.AgentRecord),
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, rec *core.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.LastHeartbeat = r.clock.Now().UTC()
	if rec.Status == "" {
		rec.Status = core.AgentActive
	}
	r.agents[rec.ID] = *rec
	return nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, agentID string, status core.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return core.NewError("registry.Heartbeat", "agent", core.ErrNotFound)
	}
	rec.LastHeartbeat = r.clock.Now().UTC()
	if status != "" {
		rec.Status = status
	} else if rec.Status == core.AgentOffline {
		rec.Status = core.AgentActive
	}
	r.agents[agentID] = rec
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, capability string) ([]*core.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	var out []*core.AgentRecord
	for id := range r.agents {
		rec := r.effective(id, now)
		if rec.Status == core.AgentOffline {
			continue
		}
		for _, cap := range rec.Capabilities {
			if cap == capability {
				out = append(out, &rec)
				break
			}
		}
	}
	return out, nil
}

// effective returns the record with staleness applied.
func (r *MemoryRegistry) effective(id string, now time.Time) core.AgentRecord {
	rec := r.agents[id]
	if rec.Status != core.AgentOffline && stale(&rec, now, r.heartbeatInterval) {
		rec.Status = core.AgentOffline
	}
	return rec
}

func (r *MemoryRegistry) Get(ctx context.Context, agentID string) (*core.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[agentID]; !ok {
		return nil, core.NewError("registry.Get", "agent", core.ErrNotFound)
	}
	rec := r.effective(agentID, r.clock.Now())
	return &rec, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*core.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	out := make([]*core.AgentRecord, 0, len(r.agents))
	for id := range r.agents {
		rec := r.effective(id, now)
		out = append(out, &rec)
	}
	return out, nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return core.NewError("registry.Unregister", "agent", core.ErrNotFound)
	}
	delete(r.agents, agentID)
	return nil
}

func (r *MemoryRegistry) Stats(ctx context.Context) (*HeartbeatStats, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return buildStats(records), nil
}
