package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/ggoodman/mqtt-gateway-go/sessions/storetest"
	"github.com/google/uuid"
)

func TestMemoryContextStore(t *testing.T) {
	storetest.RunContextStoreTests(t, func(t *testing.T) sessions.ContextStore {
		return New()
	})
}

func TestStore_Len(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.New()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	if _, err := s.Create(ctx, id, "seed"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 context, got %d", s.Len())
	}
	if _, err := s.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store after Remove, got %d", s.Len())
	}
}
