package orchestrator

import (
	"sort"
	"testing"
)

func TestInMemoryStore_GetSetSession(t *testing.T) {
	store := NewInMemoryStore()

	if _, ok := store.GetSession("s1"); ok {
		t.Error("expected not found for empty store")
	}

	st := &SessionSegments{SessionID: "s1", Segments: make(map[int64]Segment)}
	store.SetSession(st)

	got, ok := store.GetSession("s1")
	if !ok || got != st {
		t.Errorf("GetSession: ok=%v, got %p want %p", ok, got, st)
	}
}

func TestInMemoryStore_SetSession_replaces(t *testing.T) {
	store := NewInMemoryStore()
	st1 := &SessionSegments{SessionID: "s1", Segments: make(map[int64]Segment)}
	st2 := &SessionSegments{SessionID: "s1", Segments: make(map[int64]Segment)}
	store.SetSession(st1)
	store.SetSession(st2)

	got, ok := store.GetSession("s1")
	if !ok || got != st2 {
		t.Errorf("SetSession should replace: got %p want %p", got, st2)
	}
}

func TestInMemoryStore_DeleteAndList(t *testing.T) {
	store := NewInMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		store.SetSession(&SessionSegments{SessionID: id, Segments: make(map[int64]Segment)})
	}
	store.DeleteSession("b")
	store.DeleteSession("missing")

	ids := store.ListSessionIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("ListSessionIDs: got %v", ids)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store)

	if err := repo.RegisterSegment("s1", Segment{Sequence: 1, Duration: 4, Path: "1.ts"}); err != nil {
		t.Fatalf("RegisterSegment: %v", err)
	}
	st, ok := store.GetSession("s1")
	if !ok || len(st.Segments) != 1 {
		t.Errorf("repository should write through to its store, got ok=%v %+v", ok, st)
	}
}
