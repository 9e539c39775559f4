package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository is the concurrency-safe record of which segments each session's
// encode has produced.
type Repository interface {
	// RegisterSegment records a produced segment, creating the session's
	// record if needed. Duplicate sequence numbers are ignored. Registering on
	// an ended session fails with ErrSessionEnded.
	RegisterSegment(sessionID string, seg Segment) error

	// Snapshot returns the session's segments sorted by sequence and its
	// ended flag. ok is false if nothing was ever registered.
	Snapshot(sessionID string) (segments []Segment, ended bool, ok bool)

	// Segment returns one produced segment.
	Segment(sessionID string, sequence int64) (Segment, bool)

	// End marks the session's encode finished. Ending an unknown session
	// creates an empty ended record so late callbacks are still rejected.
	End(sessionID string)

	// Drop forgets the session entirely.
	Drop(sessionID string)

	// ActiveCount is the number of sessions still producing.
	ActiveCount() int
}

var ErrSessionEnded = errors.New("session encode has ended")

// InMemoryRepository implements Repository over a Store.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given
// Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

func (r *InMemoryRepository) RegisterSegment(sessionID string, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(sessionID)
	if st.Ended {
		return ErrSessionEnded
	}
	if _, exists := st.Segments[seg.Sequence]; exists {
		return nil
	}
	seg.ReceivedAt = r.now().UTC()
	st.Segments[seg.Sequence] = seg
	return nil
}

func (r *InMemoryRepository) Snapshot(sessionID string) (segments []Segment, ended bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.store.GetSession(sessionID)
	if !exists {
		return nil, false, false
	}
	if len(st.Segments) == 0 {
		return nil, st.Ended, true
	}

	sequences := make([]int64, 0, len(st.Segments))
	for seq := range st.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments = make([]Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, st.Segments[seq])
	}
	return segments, st.Ended, true
}

func (r *InMemoryRepository) Segment(sessionID string, sequence int64) (Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.store.GetSession(sessionID)
	if !ok {
		return Segment{}, false
	}
	seg, ok := st.Segments[sequence]
	return seg, ok
}

func (r *InMemoryRepository) End(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(sessionID).Ended = true
}

func (r *InMemoryRepository) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.DeleteSession(sessionID)
}

func (r *InMemoryRepository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if st, ok := r.store.GetSession(id); ok && !st.Ended {
			n++
		}
	}
	return n
}

// getOrCreateLocked returns the session's record, creating it if needed.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) getOrCreateLocked(sessionID string) *SessionSegments {
	if st, ok := r.store.GetSession(sessionID); ok {
		return st
	}
	st := &SessionSegments{
		SessionID: sessionID,
		Segments:  make(map[int64]Segment),
	}
	r.store.SetSession(st)
	return st
}
