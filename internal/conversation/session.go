package conversation

import (
	"sync"

	"github.com/mkraev/switchboard/internal/channel"
)

// Stage is a conversation step. Collection stages advance in order; the
// scheduling stage is entered independently from the schedule action.
type Stage string

const (
	StageCollectingAddress     Stage = "collecting_address"
	StageCollectingServiceType Stage = "collecting_service_type"
	StageCollectingProblem     Stage = "collecting_problem"
	StageScheduling            Stage = "scheduling"
)

// Session is an operator's in-progress dialogue. Sessions are in-memory and
// ephemeral: a restart loses in-flight dialogues by design.
type Session struct {
	OperatorID string
	Stage      Stage
	RecordID   string

	// Fields gathered so far during info collection, flushed to the store
	// when the last step completes.
	Address       string
	ServiceDetail string
	Problem       string

	// The information card edited in place as the dialogue progresses.
	AnchorRef channel.MessageRef
}

// SessionStore holds active sessions keyed by operator identity. Injected so
// tests can use isolated instances.
type SessionStore interface {
	Get(operatorID string) (*Session, bool)
	Put(s *Session)
	Delete(operatorID string)
}

// MemorySessionStore is the in-memory SessionStore used in production.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// Get returns the session for an operator, if any.
func (m *MemorySessionStore) Get(operatorID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[operatorID]
	return s, ok
}

// Put stores a session, replacing any existing one for the operator.
func (m *MemorySessionStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.OperatorID] = s
}

// Delete removes an operator's session. Removing a missing session is a no-op.
func (m *MemorySessionStore) Delete(operatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, operatorID)
}
