package orchestrator

// Store is the persistence abstraction for produced segments. The Repository
// serializes all access, so implementations need no locking of their own.
type Store interface {
	GetSession(id string) (*SessionSegments, bool)
	SetSession(s *SessionSegments)
	DeleteSession(id string)
	ListSessionIDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[string]*SessionSegments
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*SessionSegments),
	}
}

func (s *InMemoryStore) GetSession(id string) (*SessionSegments, bool) {
	st, ok := s.sessions[id]
	return st, ok
}

func (s *InMemoryStore) SetSession(st *SessionSegments) {
	s.sessions[st.SessionID] = st
}

func (s *InMemoryStore) DeleteSession(id string) {
	delete(s.sessions, id)
}

func (s *InMemoryStore) ListSessionIDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
