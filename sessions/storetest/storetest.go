// Package storetest provides a conformance suite for sessions.ContextStore
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/google/uuid"
)

// StoreFactory creates a new, empty ContextStore for a single test.
type StoreFactory func(t *testing.T) sessions.ContextStore

// RunContextStoreTests runs the complete ContextStore suite against the
// provided factory.
func RunContextStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_SeedsHistory", func(t *testing.T) { testCreateSeedsHistory(t, factory) })
	t.Run("Create_DuplicateIsNoop", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Append_PreservesOrder", func(t *testing.T) { testAppendOrder(t, factory) })
	t.Run("Append_WithoutContextIsNoop", func(t *testing.T) { testAppendWithoutContext(t, factory) })
	t.Run("Get_Missing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Get_SnapshotIsStable", func(t *testing.T) { testSnapshotStable(t, factory) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, factory) })
	t.Run("Remove_ThenCreateStartsFresh", func(t *testing.T) { testRemoveThenCreate(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) { testConcurrentCreate(t, factory) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, factory) })
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustGet(t *testing.T, s sessions.ContextStore, ctx context.Context, id uuid.UUID) *sessions.Context {
	t.Helper()
	c, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c == nil {
		t.Fatalf("Get(%s): expected context, got nil", id)
	}
	return c
}

func testCreateSeedsHistory(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	created, err := s.Create(ctx, id, "seed")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("expected Create to report true for a new session")
	}

	c := mustGet(t, s, ctx, id)
	if c.SessionID != id {
		t.Fatalf("SessionID = %s, want %s", c.SessionID, id)
	}
	if len(c.History) != 1 {
		t.Fatalf("expected exactly the seed entry, got %d entries", len(c.History))
	}
	if c.History[0] != (sessions.HistoryEntry{Payload: "seed"}) {
		t.Fatalf("seed entry = %+v", c.History[0])
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if _, err := s.Create(ctx, id, "first"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append(ctx, id, "p1", "chat"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	created, err := s.Create(ctx, id, "second")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Fatal("expected duplicate Create to report false")
	}

	c := mustGet(t, s, ctx, id)
	if len(c.History) != 2 || c.History[0].Payload != "first" {
		t.Fatalf("duplicate Create modified the context: %+v", c.History)
	}
}

func testAppendOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if _, err := s.Create(ctx, id, "seed"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := []sessions.HistoryEntry{{Payload: "seed"}}
	for i := 0; i < 10; i++ {
		e := sessions.HistoryEntry{Payload: fmt.Sprintf("p%d", i)}
		if i%2 == 0 {
			e.Channel = "chat"
		}
		if err := s.Append(ctx, id, e.Payload, e.Channel); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		want = append(want, e)
	}

	c := mustGet(t, s, ctx, id)
	if len(c.History) != len(want) {
		t.Fatalf("got %d entries, want %d", len(c.History), len(want))
	}
	for i := range want {
		if c.History[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, c.History[i], want[i])
		}
	}
}

func testAppendWithoutContext(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if err := s.Append(ctx, id, "orphan", ""); err != nil {
		t.Fatalf("Append without context: %v", err)
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c != nil {
		t.Fatalf("Append without context created one: %+v", c)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	c, err := s.Get(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil context, got %+v", c)
	}
}

func testSnapshotStable(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if _, err := s.Create(ctx, id, "seed"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := mustGet(t, s, ctx, id)
	if err := s.Append(ctx, id, "later", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(before.History) != 1 {
		t.Fatalf("snapshot changed after Append: %+v", before.History)
	}
	if after := mustGet(t, s, ctx, id); len(after.History) != 2 {
		t.Fatalf("expected 2 entries after Append, got %d", len(after.History))
	}
}

func testRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	removed, err := s.Remove(ctx, id)
	if err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
	if removed {
		t.Fatal("expected Remove of missing context to report false")
	}

	if _, err := s.Create(ctx, id, "seed"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	removed, err = s.Remove(ctx, id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatal("expected Remove to report true")
	}
	if c, err := s.Get(ctx, id); err != nil || c != nil {
		t.Fatalf("Get after Remove = %+v, %v", c, err)
	}
}

func testRemoveThenCreate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if _, err := s.Create(ctx, id, "one"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Append(ctx, id, "old", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	created, err := s.Create(ctx, id, "two")
	if err != nil || !created {
		t.Fatalf("re-Create = %v, %v", created, err)
	}
	c := mustGet(t, s, ctx, id)
	if len(c.History) != 1 || c.History[0].Payload != "two" {
		t.Fatalf("history leaked across lifetimes: %+v", c.History)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	a, b := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, b} {
		if _, err := s.Create(ctx, id, id.String()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := s.Append(ctx, a, "only-a", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if c := mustGet(t, s, ctx, b); len(c.History) != 1 {
		t.Fatalf("append to %s leaked into %s: %+v", a, b, c.History)
	}
	if _, err := s.Remove(ctx, a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c := mustGet(t, s, ctx, b); c.History[0].Payload != b.String() {
		t.Fatalf("unexpected seed for %s: %+v", b, c.History)
	}
}

func testConcurrentCreate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.Create(ctx, id, fmt.Sprintf("seed-%d", i))
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one successful Create, got %d", winners)
	}
	if c := mustGet(t, s, ctx, id); len(c.History) != 1 {
		t.Fatalf("expected a single seed entry, got %+v", c.History)
	}
}

func testConcurrentAppend(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	id := uuid.New()

	if _, err := s.Create(ctx, id, "seed"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.Append(ctx, id, fmt.Sprintf("w%d-%d", w, i), ""); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	c := mustGet(t, s, ctx, id)
	if got, want := len(c.History), 1+writers*perWriter; got != want {
		t.Fatalf("got %d entries, want %d", got, want)
	}

	// Each writer's own entries must appear in the order it wrote them.
	next := make(map[int]int)
	for _, e := range c.History[1:] {
		var w, i int
		if _, err := fmt.Sscanf(e.Payload, "w%d-%d", &w, &i); err != nil {
			t.Fatalf("unexpected payload %q", e.Payload)
		}
		if i != next[w] {
			t.Fatalf("writer %d: got entry %d, want %d", w, i, next[w])
		}
		next[w]++
	}
}
