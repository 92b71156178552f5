package streaminghttp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/mqtt-gateway-go/gateway"
	"github.com/ggoodman/mqtt-gateway-go/streaminghttp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// staticDirectory reports a fixed relay list for every session.
type staticDirectory map[uuid.UUID][]string

func (d staticDirectory) RelayConnectionsFor(id uuid.UUID) []string { return d[id] }

func TestHub_RegisterRejectsDuplicate(t *testing.T) {
	sid := uuid.New()
	hub := streaminghttp.NewHub(staticDirectory{})

	r, err := hub.Register(sid, "relay-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := hub.Register(sid, "relay-1"); !errors.Is(err, streaminghttp.ErrRelayExists) {
		t.Fatalf("second Register err = %v, want ErrRelayExists", err)
	}
	if _, err := hub.Register(uuid.New(), "relay-1"); err != nil {
		t.Fatalf("same relay id on another session: %v", err)
	}

	hub.Unregister(r)
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
	if _, err := hub.Register(sid, "relay-1"); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
}

func TestHub_DispatchFansOutInOrder(t *testing.T) {
	sid := uuid.New()
	hub := streaminghttp.NewHub(staticDirectory{sid: {"a", "b", "remote"}})

	a, _ := hub.Register(sid, "a")
	b, _ := hub.Register(sid, "b")
	other, _ := hub.Register(uuid.New(), "a")

	ctx := context.Background()
	hub.DispatchEvent(ctx, sid, "one", "")
	hub.DispatchEvent(ctx, sid, "two", "chat")

	for _, r := range []*streaminghttp.Relay{a, b} {
		for _, want := range []streaminghttp.Event{
			{SessionID: sid, Payload: "one"},
			{SessionID: sid, Payload: "two", Channel: "chat"},
		} {
			select {
			case got := <-r.Events():
				if got != want {
					t.Fatalf("relay %s got %+v, want %+v", r.ID, got, want)
				}
			default:
				t.Fatalf("relay %s missing %+v", r.ID, want)
			}
		}
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("unrelated session received %+v", ev)
	default:
	}
}

func TestHub_FullQueueDropsForSlowRelayOnly(t *testing.T) {
	sid := uuid.New()
	m := gateway.NewMetrics(nil)
	hub := streaminghttp.NewHub(staticDirectory{sid: {"fast", "slow"}},
		streaminghttp.WithRelayBuffer(1),
		streaminghttp.WithHubMetrics(m),
	)
	fast, _ := hub.Register(sid, "fast")
	slow, _ := hub.Register(sid, "slow")

	ctx := context.Background()
	hub.DispatchEvent(ctx, sid, "one", "")
	<-fast.Events()
	hub.DispatchEvent(ctx, sid, "two", "")

	if got := (<-fast.Events()).Payload; got != "two" {
		t.Fatalf("fast relay got %q, want two", got)
	}
	if got := (<-slow.Events()).Payload; got != "one" {
		t.Fatalf("slow relay got %q, want one", got)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues(gateway.DropSlowRelay)); got != 1 {
		t.Fatalf("slow_relay drops = %v, want 1", got)
	}
}

func TestHub_Kick(t *testing.T) {
	sid := uuid.New()
	hub := streaminghttp.NewHub(staticDirectory{})
	r, _ := hub.Register(sid, "relay-1")

	if hub.Kick(sid, "other") {
		t.Fatal("Kick of unknown relay reported true")
	}
	if !hub.Kick(sid, "relay-1") {
		t.Fatal("Kick of local relay reported false")
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Kick")
	}
	// Unregister after a kick must not panic on the closed channel.
	hub.Unregister(r)
	if hub.Len() != 0 {
		t.Fatalf("Len = %d, want 0", hub.Len())
	}
}
