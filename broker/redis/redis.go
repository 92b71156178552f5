// Package redis implements broker.Client on Redis Pub/Sub.
//
// MQTT filters are translated to PSUBSCRIBE glob patterns: '+' becomes '*'
// and a trailing '#' subscribes both the parent topic and "parent/*". Redis
// globs are looser than MQTT filters ('*' spans '/'), so every inbound message
// is checked against the live filter set with topic.Match before delivery.
//
// Redis Pub/Sub is fire-and-forget; QoS is accepted and ignored. A message
// matching several overlapping filters is delivered once per matching pattern.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/topic"
	"github.com/redis/go-redis/v9"
)

const receiveBackoff = 250 * time.Millisecond

// Client is a broker.Client backed by a single Redis Pub/Sub connection.
type Client struct {
	rdb redis.UniversalClient
	log *slog.Logger

	mu        sync.Mutex
	handler   broker.MessageHandler
	ps        *redis.PubSub
	connected bool
	filters   map[string]struct{}
	patterns  map[string]int
	waiters   map[string][]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for receive loop diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a disconnected Client publishing and subscribing through rdb.
// The caller keeps ownership of rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:      rdb,
		log:      slog.Default(),
		filters:  make(map[string]struct{}),
		patterns: make(map[string]int),
		waiters:  make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage implements broker.Client.OnMessage
func (c *Client) OnMessage(handler broker.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect implements broker.Client.Connect
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return broker.ErrAlreadyConnected
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.ps = c.rdb.PSubscribe(loopCtx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.connected = true

	go c.receive(loopCtx, c.ps, c.done)
	return nil
}

// Subscribe implements broker.Client.Subscribe. It returns once Redis has
// confirmed every pattern the filter needs.
func (c *Client) Subscribe(ctx context.Context, filter string, _ broker.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pats, err := globPatterns(filter)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return broker.ErrNotConnected
	}
	if _, ok := c.filters[filter]; ok {
		c.mu.Unlock()
		return nil
	}
	var fresh []string
	var waits []chan struct{}
	for _, p := range pats {
		c.patterns[p]++
		pending := len(c.waiters[p]) > 0
		if c.patterns[p] == 1 || pending {
			ch := make(chan struct{})
			c.waiters[p] = append(c.waiters[p], ch)
			waits = append(waits, ch)
		}
		if c.patterns[p] == 1 {
			fresh = append(fresh, p)
		}
	}
	c.filters[filter] = struct{}{}
	ps := c.ps
	c.mu.Unlock()

	if len(fresh) > 0 {
		if err := ps.PSubscribe(ctx, fresh...); err != nil {
			c.forget(filter, pats)
			return fmt.Errorf("failed to subscribe %q: %w", filter, err)
		}
	}
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			c.forget(filter, pats)
			return ctx.Err()
		}
	}
	return nil
}

// Unsubscribe implements broker.Client.Unsubscribe
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	pats, err := globPatterns(filter)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return broker.ErrNotConnected
	}
	if _, ok := c.filters[filter]; !ok {
		c.mu.Unlock()
		return nil
	}
	ps := c.ps
	c.mu.Unlock()

	if stale := c.forget(filter, pats); len(stale) > 0 {
		if err := ps.PUnsubscribe(ctx, stale...); err != nil {
			return fmt.Errorf("failed to unsubscribe %q: %w", filter, err)
		}
	}
	return nil
}

// Publish implements broker.Client.Publish
func (c *Client) Publish(ctx context.Context, t string, payload []byte, _ broker.QoS) error {
	if t == "" || strings.ContainsAny(t, "+#") {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, t)
	}

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return broker.ErrNotConnected
	}

	if err := c.rdb.Publish(ctx, t, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", t, err)
	}
	return nil
}

// Close implements broker.Client.Close. The underlying redis client is left
// open.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	ps, cancel, done := c.ps, c.cancel, c.done
	c.filters = make(map[string]struct{})
	c.patterns = make(map[string]int)
	c.waiters = make(map[string][]chan struct{})
	c.mu.Unlock()

	cancel()
	err := ps.Close()
	<-done
	return err
}

// forget drops filter from the live set and returns the patterns that are no
// longer referenced by any filter.
func (c *Client) forget(filter string, pats []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.filters[filter]; !ok {
		return nil
	}
	delete(c.filters, filter)

	var stale []string
	for _, p := range pats {
		c.patterns[p]--
		if c.patterns[p] <= 0 {
			delete(c.patterns, p)
			delete(c.waiters, p)
			stale = append(stale, p)
		}
	}
	return stale
}

func (c *Client) receive(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)

	for {
		raw, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// go-redis reconnects and resubscribes on the next Receive.
			c.log.WarnContext(ctx, "broker.redis.receive.err", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "psubscribe" {
				c.confirm(m.Channel)
			}
		case *redis.Message:
			c.dispatch(ctx, m)
		}
	}
}

func (c *Client) confirm(pattern string) {
	c.mu.Lock()
	ws := c.waiters[pattern]
	delete(c.waiters, pattern)
	c.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
}

func (c *Client) dispatch(ctx context.Context, m *redis.Message) {
	c.mu.Lock()
	h := c.handler
	matched := false
	for f := range c.filters {
		if topic.Match(f, m.Channel) {
			matched = true
			break
		}
	}
	c.mu.Unlock()

	if !matched || h == nil {
		return
	}
	h(ctx, broker.Message{Topic: m.Channel, Payload: []byte(m.Payload)})
}

// globPatterns translates an MQTT filter to the PSUBSCRIBE patterns that
// cover it.
func globPatterns(filter string) ([]string, error) {
	if filter == "" {
		return nil, fmt.Errorf("%w: empty filter", broker.ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	out := make([]string, 0, len(levels))
	for i, l := range levels {
		switch {
		case l == "#":
			if i != len(levels)-1 {
				return nil, fmt.Errorf("%w: %q", broker.ErrInvalidTopic, filter)
			}
			if i == 0 {
				return []string{"*"}, nil
			}
			parent := strings.Join(out, "/")
			return []string{parent, parent + "/*"}, nil
		case l == "+":
			out = append(out, "*")
		case strings.ContainsAny(l, "+#"):
			return nil, fmt.Errorf("%w: %q", broker.ErrInvalidTopic, filter)
		default:
			out = append(out, escapeGlob(l))
		}
	}
	return []string{strings.Join(out, "/")}, nil
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Compile-time interface check
var _ broker.Client = (*Client)(nil)
