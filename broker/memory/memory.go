// Package memory provides an in-process broker with MQTT topic-filter
// semantics. Every Client created from the same Broker shares one topic
// space. It is suitable for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/topic"
)

const defaultQueueSize = 256

// Broker routes published messages to every connected client holding a
// matching subscription.
type Broker struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	queueSize int
}

// Client implements broker.Client against a Broker.
type Client struct {
	b *Broker

	mu        sync.Mutex
	handler   broker.MessageHandler
	connected bool
	filters   map[string]broker.QoS

	queue  chan broker.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithQueueSize sets how many undelivered messages each client buffers
// before publishers block.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		clients:   make(map[*Client]struct{}),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewClient returns a disconnected client attached to b.
func (b *Broker) NewClient() *Client {
	return &Client{b: b, filters: make(map[string]broker.QoS)}
}

// Publish injects a message as if a third party had published it. Delivery
// blocks while a matching client's queue is full.
func (b *Broker) Publish(ctx context.Context, t string, payload []byte, qos broker.QoS) error {
	if err := validateTopic(t); err != nil {
		return err
	}
	msg := broker.Message{Topic: t, Payload: append([]byte(nil), payload...), QoS: qos}

	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		if c.matches(t) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns the filters currently held by connected clients.
func (b *Broker) Subscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for c := range b.clients {
		c.mu.Lock()
		for f := range c.filters {
			out = append(out, f)
		}
		c.mu.Unlock()
	}
	return out
}

// OnMessage implements broker.Client.OnMessage
func (c *Client) OnMessage(handler broker.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect implements broker.Client.Connect
func (c *Client) Connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return broker.ErrAlreadyConnected
	}
	c.connected = true
	c.queue = make(chan broker.Message, c.b.queueSize)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.b.mu.Lock()
	c.b.clients[c] = struct{}{}
	c.b.mu.Unlock()

	c.wg.Add(1)
	go c.deliver()
	return nil
}

// Subscribe implements broker.Client.Subscribe
func (c *Client) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrInvalidTopic, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return broker.ErrNotConnected
	}
	c.filters[filter] = qos
	return nil
}

// Unsubscribe implements broker.Client.Unsubscribe
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return broker.ErrNotConnected
	}
	delete(c.filters, filter)
	return nil
}

// Publish implements broker.Client.Publish
func (c *Client) Publish(ctx context.Context, t string, payload []byte, qos broker.QoS) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return broker.ErrNotConnected
	}
	return c.b.Publish(ctx, t, payload, qos)
}

// Close implements broker.Client.Close
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.filters = make(map[string]broker.QoS)
	c.cancel()
	c.mu.Unlock()

	c.b.mu.Lock()
	delete(c.b.clients, c)
	c.b.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) matches(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range c.filters {
		if topic.Match(f, t) {
			return true
		}
	}
	return false
}

func (c *Client) enqueue(ctx context.Context, msg broker.Message) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	queue, done := c.queue, c.ctx.Done()
	c.mu.Unlock()

	select {
	case queue <- msg:
		return nil
	case <-done:
		// Client went away; the message is dropped like on a real broker.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) deliver() {
	defer c.wg.Done()

	c.mu.Lock()
	ctx, queue := c.ctx, c.queue
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(ctx, msg)
			}
		}
	}
}

func validateTopic(t string) error {
	if t == "" || strings.ContainsAny(t, "+#") {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, t)
	}
	return nil
}

// Compile-time interface check
var _ broker.Client = (*Client)(nil)
