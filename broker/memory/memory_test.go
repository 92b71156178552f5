package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/broker/brokertest"
)

func TestBroker_Conformance(t *testing.T) {
	b := New()
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Client {
		return b.NewClient()
	})
}

func TestBroker_InjectedPublishReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	b := New()
	c := b.NewClient()

	got := make(chan broker.Message, 1)
	c.OnMessage(func(_ context.Context, msg broker.Message) { got <- msg })
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "personal/c1/#", broker.ExactlyOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, "personal/c1/s1", []byte("hello"), broker.AtLeastOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Topic != "personal/c1/s1" || string(msg.Payload) != "hello" || msg.QoS != broker.AtLeastOnce {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBroker_PayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	b := New()
	c := b.NewClient()

	got := make(chan broker.Message, 1)
	c.OnMessage(func(_ context.Context, msg broker.Message) { got <- msg })
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if err := c.Subscribe(ctx, "a/#", broker.AtMostOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := []byte("abc")
	if err := b.Publish(ctx, "a/b", payload, broker.AtMostOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	payload[0] = 'x'

	msg := <-got
	if string(msg.Payload) != "abc" {
		t.Fatalf("payload aliased caller buffer: %q", msg.Payload)
	}
}

func TestBroker_Subscriptions(t *testing.T) {
	ctx := context.Background()
	b := New()
	c := b.NewClient()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, f := range []string{"a/#", "b/+/c"} {
		if err := c.Subscribe(ctx, f, broker.ExactlyOnce); err != nil {
			t.Fatalf("Subscribe %s: %v", f, err)
		}
	}
	subs := b.Subscriptions()
	sort.Strings(subs)
	if len(subs) != 2 || subs[0] != "a/#" || subs[1] != "b/+/c" {
		t.Fatalf("Subscriptions() = %v", subs)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if subs := b.Subscriptions(); len(subs) != 0 {
		t.Fatalf("Subscriptions() after Close = %v", subs)
	}
}

func TestBroker_InvalidFilters(t *testing.T) {
	ctx := context.Background()
	b := New()
	c := b.NewClient()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	for _, f := range []string{"", "a/#/b", "a/b#", "a/b+/c"} {
		if err := c.Subscribe(ctx, f, broker.AtMostOnce); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Errorf("Subscribe(%q) = %v, want ErrInvalidTopic", f, err)
		}
	}
	for _, tp := range []string{"", "a/+", "a/#"} {
		if err := c.Publish(ctx, tp, nil, broker.AtMostOnce); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Errorf("Publish(%q) = %v, want ErrInvalidTopic", tp, err)
		}
	}
}

func TestBroker_ConnectTwice(t *testing.T) {
	ctx := context.Background()
	c := New().NewClient()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if err := c.Connect(ctx); !errors.Is(err, broker.ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestBroker_FullQueueHonorsContext(t *testing.T) {
	b := New(WithQueueSize(1))
	c := b.NewClient()

	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	c.OnMessage(func(context.Context, broker.Message) {
		once.Do(func() { close(entered) })
		<-release
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	defer close(release)

	if err := c.Subscribe(context.Background(), "q/#", broker.AtMostOnce); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// First message occupies the handler, second fills the queue.
	if err := b.Publish(context.Background(), "q/1", nil, broker.AtMostOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-entered
	if err := b.Publish(context.Background(), "q/2", nil, broker.AtMostOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, "q/3", nil, broker.AtMostOnce); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish into full queue = %v, want DeadlineExceeded", err)
	}
}
