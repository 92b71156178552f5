// Package brokertest provides a conformance suite for broker.Client
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/google/uuid"
)

// ClientFactory returns a new, unconnected client. All clients returned
// during one RunBrokerTests call must share a broker; tests isolate
// themselves with unique topic roots.
type ClientFactory func(t *testing.T) broker.Client

// RunBrokerTests runs the complete broker client suite against the provided factory.
func RunBrokerTests(t *testing.T, factory ClientFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("MultiLevelWildcardMatchesParent", func(t *testing.T) { testMultiLevelWildcard(t, factory) })
	t.Run("SingleLevelWildcard", func(t *testing.T) { testSingleLevelWildcard(t, factory) })
	t.Run("OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory) })
	t.Run("OrderedAcrossParentAndChildren", func(t *testing.T) { testOrderedAcrossLevels(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, factory) })
	t.Run("SubscribersReceiveIndependently", func(t *testing.T) { testIndependentSubscribers(t, factory) })
	t.Run("OperationsBeforeConnect", func(t *testing.T) { testBeforeConnect(t, factory) })
	t.Run("OperationsAfterClose", func(t *testing.T) { testAfterClose(t, factory) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, factory) })
}

// recorder collects inbound messages.
type recorder struct {
	mu     sync.Mutex
	msgs   []broker.Message
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) handle(_ context.Context, msg broker.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []broker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broker.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// waitFor blocks until at least n messages arrived or the timeout expires.
func (r *recorder) waitFor(t *testing.T, n int, timeout time.Duration) []broker.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if msgs := r.snapshot(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(r.snapshot()))
		}
	}
}

func connect(t *testing.T, factory ClientFactory, r *recorder) broker.Client {
	t.Helper()
	c := factory(t)
	if r != nil {
		c.OnMessage(r.handle)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func root() string {
	return "brokertest/" + uuid.NewString()
}

func testPublishAndSubscribe(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()

	if err := sub.Subscribe(ctx, r+"/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, r+"/chat", []byte("hi"), broker.ExactlyOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := rec.waitFor(t, 1, 5*time.Second)
	if msgs[0].Topic != r+"/chat" {
		t.Fatalf("topic = %q, want %q", msgs[0].Topic, r+"/chat")
	}
	if string(msgs[0].Payload) != "hi" {
		t.Fatalf("payload = %q, want hi", msgs[0].Payload)
	}
}

func testMultiLevelWildcard(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()

	if err := sub.Subscribe(ctx, r+"/s/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for _, tp := range []string{r + "/other", r + "/s", r + "/s/a/b"} {
		if err := pub.Publish(ctx, tp, []byte(tp), broker.ExactlyOnce); err != nil {
			t.Fatalf("Publish %s: %v", tp, err)
		}
	}

	msgs := rec.waitFor(t, 2, 5*time.Second)
	got := map[string]bool{}
	for _, m := range msgs {
		got[m.Topic] = true
	}
	if !got[r+"/s"] || !got[r+"/s/a/b"] {
		t.Fatalf("expected parent and nested topics, got %v", got)
	}
	if got[r+"/other"] {
		t.Fatalf("received message outside the filter: %v", got)
	}
}

func testSingleLevelWildcard(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()

	if err := sub.Subscribe(ctx, r+"/+/x", broker.AtLeastOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, r+"/a/b/x", []byte("deep"), broker.AtLeastOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, r+"/a/x", []byte("match"), broker.AtLeastOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs := rec.waitFor(t, 1, 5*time.Second)
	for _, m := range msgs {
		if m.Topic != r+"/a/x" {
			t.Fatalf("unexpected topic %q", m.Topic)
		}
	}
}

func testOrderedDelivery(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()

	if err := sub.Subscribe(ctx, r+"/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := pub.Publish(ctx, r+"/seq", []byte(fmt.Sprint(i)), broker.ExactlyOnce); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	msgs := rec.waitFor(t, n, 10*time.Second)
	for i := 0; i < n; i++ {
		if string(msgs[i].Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d = %q, out of order", i, msgs[i].Payload)
		}
	}
}

// testOrderedAcrossLevels interleaves publishes to a filter's parent level
// and to a level below it; a '#' filter must see them in publish order.
func testOrderedAcrossLevels(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()
	parent := r + "/client/session"

	if err := sub.Subscribe(ctx, parent+"/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	const n = 40
	for i := 0; i < n; i++ {
		name := parent
		if i%2 == 1 {
			name = parent + "/chan"
		}
		if err := pub.Publish(ctx, name, []byte(fmt.Sprint(i)), broker.ExactlyOnce); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	msgs := rec.waitFor(t, n, 10*time.Second)
	for i := 0; i < n; i++ {
		want := parent
		if i%2 == 1 {
			want = parent + "/chan"
		}
		if string(msgs[i].Payload) != fmt.Sprint(i) || msgs[i].Topic != want {
			t.Fatalf("message %d = %q on %q, want %d on %q", i, msgs[i].Payload, msgs[i].Topic, i, want)
		}
	}
}

func testUnsubscribe(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	rec := newRecorder()
	sub := connect(t, factory, rec)
	pub := connect(t, factory, nil)
	r := root()

	if err := sub.Subscribe(ctx, r+"/gone/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pub.Publish(ctx, r+"/gone/a", []byte("before"), broker.ExactlyOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec.waitFor(t, 1, 5*time.Second)

	if err := sub.Unsubscribe(ctx, r+"/gone/#"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := pub.Publish(ctx, r+"/gone/a", []byte("after"), broker.ExactlyOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	for _, m := range rec.snapshot() {
		if string(m.Payload) == "after" {
			t.Fatal("received a message after Unsubscribe")
		}
	}
}

func testIndependentSubscribers(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	r := root()
	pub := connect(t, factory, nil)

	recs := []*recorder{newRecorder(), newRecorder()}
	for i, rec := range recs {
		c := connect(t, factory, rec)
		if err := c.Subscribe(ctx, fmt.Sprintf("%s/%d/#", r, i), broker.ExactlyOnce); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}

	for i := range recs {
		if err := pub.Publish(ctx, fmt.Sprintf("%s/%d/x", r, i), []byte(fmt.Sprint(i)), broker.ExactlyOnce); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i, rec := range recs {
		msgs := rec.waitFor(t, 1, 5*time.Second)
		if string(msgs[0].Payload) != fmt.Sprint(i) {
			t.Fatalf("subscriber %d got %q", i, msgs[0].Payload)
		}
	}

	time.Sleep(100 * time.Millisecond)
	for i, rec := range recs {
		if n := len(rec.snapshot()); n != 1 {
			t.Fatalf("subscriber %d received %d messages, want 1", i, n)
		}
	}
}

func testBeforeConnect(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	c := factory(t)
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Subscribe(ctx, root()+"/#", broker.AtMostOnce); !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("Subscribe before Connect = %v, want ErrNotConnected", err)
	}
	if err := c.Publish(ctx, root()+"/x", nil, broker.AtMostOnce); !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("Publish before Connect = %v, want ErrNotConnected", err)
	}
}

func testAfterClose(t *testing.T, factory ClientFactory) {
	ctx := testContext(t)
	c := connect(t, factory, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Publish(ctx, root()+"/x", nil, broker.AtMostOnce); !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("Publish after Close = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func testCancelledContext(t *testing.T, factory ClientFactory) {
	c := connect(t, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Subscribe(ctx, root()+"/#", broker.ExactlyOnce); err == nil {
		t.Fatal("expected Subscribe with a cancelled context to fail")
	}
}
