// Package nats implements broker.Client on core NATS.
//
// Topics map onto subjects by replacing '/' with '.', '+' with '*' and '#'
// with '>'. Because MQTT's '#' also matches the parent level while NATS's '>'
// needs at least one more token, a trailing '#' is served by two
// subscriptions. Both feed one channel drained by a single goroutine, so
// messages matching a filter are handled in the order the connection read
// them. Core NATS has no acknowledgements, so QoS is accepted and ignored.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/nats-io/nats.go"
)

// flushTimeout bounds the subscription round trip when the caller's context
// has no deadline; FlushWithContext requires one.
const flushTimeout = 5 * time.Second

// filterBuffer is the per-filter queue between the connection reader and the
// handler. A full queue makes NATS drop messages for that filter as a slow
// consumer.
const filterBuffer = 4096

// Client is a broker.Client backed by one NATS connection.
type Client struct {
	url     string
	natsOpt []nats.Option
	log     *slog.Logger

	mu        sync.Mutex
	handler   broker.MessageHandler
	nc        *nats.Conn
	ownConn   bool
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc

	subs    *haxmap.Map[string, *filterSub]
	drainWG sync.WaitGroup
}

// filterSub is the set of subscriptions serving one MQTT filter and the
// goroutine delivering their messages.
type filterSub struct {
	subs []*nats.Subscription
	msgs chan *nats.Msg
	stop chan struct{}
}

func (f *filterSub) close() error {
	err := unsubscribeAll(f.subs)
	close(f.stop)
	return err
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithNATSOptions appends options passed to nats.Connect.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(c *Client) {
		c.natsOpt = append(c.natsOpt, opts...)
	}
}

// New returns a Client that dials url on Connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		log:  slog.Default(),
		subs: haxmap.New[string, *filterSub](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConn returns a Client that uses an existing connection. Close does
// not close nc.
func NewFromConn(nc *nats.Conn, opts ...Option) *Client {
	c := New(nc.ConnectedUrl(), opts...)
	c.nc = nc
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
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return broker.ErrAlreadyConnected
	}

	if c.nc == nil || c.ownConn {
		opts := append([]nats.Option{
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					c.log.Warn("broker.nats.disconnected", slog.String("err", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				c.log.Info("broker.nats.reconnected", slog.String("url", nc.ConnectedUrl()))
			}),
		}, c.natsOpt...)
		nc, err := nats.Connect(c.url, opts...)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		c.nc = nc
		c.ownConn = true
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	return nil
}

// Subscribe implements broker.Client.Subscribe. It flushes so the server has
// registered interest before returning.
func (c *Client) Subscribe(ctx context.Context, filter string, _ broker.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subjects, err := filterSubjects(filter)
	if err != nil {
		return err
	}

	nc, hctx, err := c.conn()
	if err != nil {
		return err
	}
	if _, ok := c.subs.Get(filter); ok {
		return nil
	}

	fs := &filterSub{
		subs: make([]*nats.Subscription, 0, len(subjects)),
		msgs: make(chan *nats.Msg, filterBuffer),
		stop: make(chan struct{}),
	}
	c.drainWG.Add(1)
	go c.drain(hctx, fs)

	for _, subj := range subjects {
		s, err := nc.ChanSubscribe(subj, fs.msgs)
		if err != nil {
			_ = fs.close()
			return fmt.Errorf("failed to subscribe %q: %w", filter, err)
		}
		fs.subs = append(fs.subs, s)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		_ = fs.close()
		return fmt.Errorf("failed to confirm subscription %q: %w", filter, err)
	}

	if _, loaded := c.subs.GetOrSet(filter, fs); loaded {
		// Lost a race with a concurrent Subscribe for the same filter.
		_ = fs.close()
	}
	return nil
}

// drain delivers a filter's messages one at a time until the filter is
// closed.
func (c *Client) drain(ctx context.Context, fs *filterSub) {
	defer c.drainWG.Done()
	for {
		select {
		case <-fs.stop:
			return
		case m := <-fs.msgs:
			select {
			case <-fs.stop:
				return
			default:
			}
			c.dispatch(ctx, m)
		}
	}
}

// Unsubscribe implements broker.Client.Unsubscribe
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if _, _, err := c.conn(); err != nil {
		return err
	}
	fs, ok := c.subs.GetAndDel(filter)
	if !ok {
		return nil
	}
	if err := fs.close(); err != nil {
		return fmt.Errorf("failed to unsubscribe %q: %w", filter, err)
	}
	return nil
}

// Publish implements broker.Client.Publish
func (c *Client) Publish(ctx context.Context, t string, payload []byte, _ broker.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subj, err := topicSubject(t)
	if err != nil {
		return err
	}
	nc, _, err := c.conn()
	if err != nil {
		return err
	}
	if err := nc.Publish(subj, payload); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", t, err)
	}
	return nil
}

// Close implements broker.Client.Close
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	nc, own, cancel := c.nc, c.ownConn, c.cancel
	c.mu.Unlock()

	var filters []string
	c.subs.ForEach(func(filter string, _ *filterSub) bool {
		filters = append(filters, filter)
		return true
	})
	for _, f := range filters {
		if fs, ok := c.subs.GetAndDel(f); ok {
			_ = fs.close()
		}
	}
	cancel()
	if own {
		nc.Close()
	}
	c.drainWG.Wait()
	return nil
}

func (c *Client) conn() (*nats.Conn, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, broker.ErrNotConnected
	}
	return c.nc, c.ctx, nil
}

func (c *Client) dispatch(ctx context.Context, m *nats.Msg) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(ctx, broker.Message{Topic: subjectTopic(m.Subject), Payload: m.Data})
}

func unsubscribeAll(subs []*nats.Subscription) error {
	var first error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// topicSubject maps an MQTT topic name to a NATS subject.
func topicSubject(t string) (string, error) {
	if t == "" {
		return "", fmt.Errorf("%w: empty topic", broker.ErrInvalidTopic)
	}
	levels := strings.Split(t, "/")
	for _, l := range levels {
		if l == "" || strings.ContainsAny(l, "+#.*> \t\r\n") {
			return "", fmt.Errorf("%w: %q cannot be expressed as a subject", broker.ErrInvalidTopic, t)
		}
	}
	return strings.Join(levels, "."), nil
}

// filterSubjects maps an MQTT filter to the subjects that cover it.
func filterSubjects(filter string) ([]string, error) {
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
				return []string{">"}, nil
			}
			parent := strings.Join(out, ".")
			return []string{parent, parent + ".>"}, nil
		case l == "+":
			out = append(out, "*")
		case l == "" || strings.ContainsAny(l, "+#.*> \t\r\n"):
			return nil, fmt.Errorf("%w: %q cannot be expressed as a subject", broker.ErrInvalidTopic, filter)
		default:
			out = append(out, l)
		}
	}
	return []string{strings.Join(out, ".")}, nil
}

func subjectTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Compile-time interface check
var _ broker.Client = (*Client)(nil)
