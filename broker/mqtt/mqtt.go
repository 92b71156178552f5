// Package mqtt implements broker.Client on an MQTT 3.1.1 broker using the
// Eclipse Paho client.
//
// Inbound messages are delivered in broker order on a single goroutine, so
// the registered handler must not block. When the connection uses a clean
// session, subscriptions are re-established after an automatic reconnect.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/topic"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250

	// subackFailure is the SUBACK return code for a refused filter.
	subackFailure = 0x80
)

// Client is a broker.Client backed by one Paho connection.
type Client struct {
	opts broker.ConnectOptions
	log  *slog.Logger

	mu        sync.Mutex
	handler   broker.MessageHandler
	cli       paho.Client
	connected bool
	filters   map[string]broker.QoS
	ctx       context.Context
	cancel    context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a disconnected Client for the broker described by opts.
func New(opts broker.ConnectOptions, options ...Option) *Client {
	c := &Client{
		opts:    opts,
		log:     slog.Default(),
		filters: make(map[string]broker.QoS),
	}
	for _, opt := range options {
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
	if c.connected {
		c.mu.Unlock()
		return broker.ErrAlreadyConnected
	}
	hctx, cancel := context.WithCancel(context.Background())
	cli := paho.NewClient(c.clientOptions(hctx))
	c.mu.Unlock()

	if err := wait(ctx, cli.Connect()); err != nil {
		cancel()
		cli.Disconnect(0)
		return fmt.Errorf("failed to connect to %s: %w", c.opts.Address(), err)
	}

	c.mu.Lock()
	c.cli = cli
	c.ctx, c.cancel = hctx, cancel
	c.connected = true
	c.mu.Unlock()

	c.log.InfoContext(ctx, "broker.mqtt.connected",
		slog.String("addr", c.opts.Address()),
		slog.Bool("tls", c.opts.UseTLS()),
	)
	return nil
}

// Subscribe implements broker.Client.Subscribe
func (c *Client) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrInvalidTopic, err)
	}
	cli, err := c.client()
	if err != nil {
		return err
	}

	tok := cli.Subscribe(filter, byte(qos), nil)
	if err := wait(ctx, tok); err != nil {
		if ctx.Err() != nil {
			// The SUBSCRIBE may still land; retract it without waiting.
			cli.Unsubscribe(filter)
		}
		return fmt.Errorf("failed to subscribe %q: %w", filter, err)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == subackFailure {
			return fmt.Errorf("%w: %q", broker.ErrSubscriptionRejected, filter)
		}
	}

	c.mu.Lock()
	c.filters[filter] = qos
	c.mu.Unlock()
	return nil
}

// Unsubscribe implements broker.Client.Unsubscribe
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.filters, filter)
	c.mu.Unlock()

	if err := wait(ctx, cli.Unsubscribe(filter)); err != nil {
		return fmt.Errorf("failed to unsubscribe %q: %w", filter, err)
	}
	return nil
}

// Publish implements broker.Client.Publish
func (c *Client) Publish(ctx context.Context, t string, payload []byte, qos broker.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == "" || strings.ContainsAny(t, "+#") {
		return fmt.Errorf("%w: %q", broker.ErrInvalidTopic, t)
	}
	cli, err := c.client()
	if err != nil {
		return err
	}

	if err := wait(ctx, cli.Publish(t, byte(qos), false, payload)); err != nil {
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
	cli, cancel := c.cli, c.cancel
	c.filters = make(map[string]broker.QoS)
	c.mu.Unlock()

	cli.Disconnect(disconnectQuiesceMS)
	cancel()
	return nil
}

func (c *Client) client() (paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, broker.ErrNotConnected
	}
	return c.cli, nil
}

func (c *Client) clientOptions(hctx context.Context) *paho.ClientOptions {
	o := c.opts
	scheme := "tcp"
	po := paho.NewClientOptions()
	if o.UseTLS() {
		scheme = "ssl"
		cfg := o.TLS
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		po.SetTLSConfig(cfg)
	}
	po.AddBroker(fmt.Sprintf("%s://%s", scheme, o.Address()))

	clientID := o.ClientID
	if clientID == "" {
		clientID = "mqtt-gateway-" + uuid.NewString()
	}
	po.SetClientID(clientID)
	po.SetCleanSession(o.CleanSession)
	if o.UseCredentials() {
		po.SetUsername(o.Username)
		po.SetPassword(o.Password)
	}

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	po.SetConnectTimeout(timeout)
	po.SetAutoReconnect(true)
	po.SetOrderMatters(true)

	po.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			return
		}
		h(hctx, broker.Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			QoS:      broker.QoS(m.Qos()),
			Retained: m.Retained(),
		})
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("broker.mqtt.connection_lost", slog.String("err", err.Error()))
	})
	po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.log.Info("broker.mqtt.reconnecting", slog.String("addr", o.Address()))
	})
	po.SetOnConnectHandler(func(cli paho.Client) {
		if o.CleanSession {
			c.resubscribe(hctx, cli)
		}
	})
	return po
}

// resubscribe restores the filter set after a clean-session reconnect. On the
// initial connect the set is empty.
func (c *Client) resubscribe(ctx context.Context, cli paho.Client) {
	c.mu.Lock()
	if len(c.filters) == 0 {
		c.mu.Unlock()
		return
	}
	filters := make(map[string]byte, len(c.filters))
	for f, q := range c.filters {
		filters[f] = byte(q)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := wait(ctx, cli.SubscribeMultiple(filters, nil)); err != nil {
		c.log.Error("broker.mqtt.resubscribe.err", slog.Int("filters", len(filters)), slog.String("err", err.Error()))
		return
	}
	c.log.Info("broker.mqtt.resubscribed", slog.Int("filters", len(filters)))
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface check
var _ broker.Client = (*Client)(nil)
