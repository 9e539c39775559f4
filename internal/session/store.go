package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Store holds session records. Implementations must be safe for concurrent
// use; the Registry serializes all access for a given Key, and always calls
// Save after mutating a record it obtained from Get or GetByKey.
type Store interface {
	Get(id string) (*Session, bool)
	GetByKey(key Key) (*Session, bool)
	Save(s *Session)
	Delete(id string)
	List() []*Session
}

const storeShards = 32

type storeShard struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	byKey map[Key]string
}

// MemoryStore is a process-local Store sharded by hash so lookups on
// unrelated sessions do not contend.
type MemoryStore struct {
	shards [storeShards]storeShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].byID = make(map[string]*Session)
		s.shards[i].byKey = make(map[Key]string)
	}
	return s
}

func (m *MemoryStore) shardFor(s string) *storeShard {
	return &m.shards[xxhash.Sum64String(s)%storeShards]
}

func (m *MemoryStore) Get(id string) (*Session, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.byID[id]
	return s, ok
}

func (m *MemoryStore) GetByKey(key Key) (*Session, bool) {
	sh := m.shardFor(key.String())
	sh.mu.RLock()
	id, ok := sh.byKey[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Get(id)
}

func (m *MemoryStore) Save(s *Session) {
	idShard := m.shardFor(s.ID)
	idShard.mu.Lock()
	idShard.byID[s.ID] = s
	idShard.mu.Unlock()

	keyShard := m.shardFor(s.Key.String())
	keyShard.mu.Lock()
	keyShard.byKey[s.Key] = s.ID
	keyShard.mu.Unlock()
}

func (m *MemoryStore) Delete(id string) {
	idShard := m.shardFor(id)
	idShard.mu.Lock()
	s, ok := idShard.byID[id]
	delete(idShard.byID, id)
	idShard.mu.Unlock()
	if !ok {
		return
	}

	keyShard := m.shardFor(s.Key.String())
	keyShard.mu.Lock()
	// A replacement may already own the key.
	if keyShard.byKey[s.Key] == id {
		delete(keyShard.byKey, s.Key)
	}
	keyShard.mu.Unlock()
}

func (m *MemoryStore) List() []*Session {
	var out []*Session
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for _, s := range sh.byID {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
