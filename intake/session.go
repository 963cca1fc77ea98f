package intake

import (
	"sort"
	"sync"
	"time"

	"github.com/atriumhq/conductor/core"
)

// historyLimit bounds per-session turn history.
const historyLimit = 50

// Turn is one message in a session, with the intent it classified to.
type Turn struct {
	Role   string    `json:"role"` // "user" or "orchestrator"
	Text   string    `json:"text"`
	Intent Intent    `json:"intent,omitempty"`
	At     time.Time `json:"at"`
}

// Session is the multi-turn state for one conversation. The last task and
// approval IDs let follow-up messages ("what's the status", "approve it")
// resolve without repeating identifiers.
type Session struct {
	ID             string    `json:"session_id"`
	Role           string    `json:"role,omitempty"`
	History        []Turn    `json:"history,omitempty"`
	LastTaskID     string    `json:"last_task_id,omitempty"`
	LastApprovalID string    `json:"last_approval_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionStore keeps sessions in memory. Sessions are conversation-scoped
// scratch state; losing them on restart costs a user one clarifying
// message, so they do not earn a durable table.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    core.Clock
}

// NewSessionStore creates an empty store.
func NewSessionStore(clock core.Clock) *SessionStore {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		clock:    clock,
	}
}

// Get returns the session, creating it on first use.
func (s *SessionStore) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, Role: "developer", UpdatedAt: s.clock.Now().UTC()}
		s.sessions[id] = sess
	}
	return sess
}

// Record appends a turn to the session history.
func (s *SessionStore) Record(id string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, Role: "developer"}
		s.sessions[id] = sess
	}
	turn.At = s.clock.Now().UTC()
	sess.History = append(sess.History, turn)
	if len(sess.History) > historyLimit {
		sess.History = sess.History[len(sess.History)-historyLimit:]
	}
	sess.UpdatedAt = turn.At
}

// Update applies a mutation to the session under the store lock.
func (s *SessionStore) Update(id string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, Role: "developer"}
		s.sessions[id] = sess
	}
	fn(sess)
	sess.UpdatedAt = s.clock.Now().UTC()
}

// IDs returns all session IDs, sorted.
func (s *SessionStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
