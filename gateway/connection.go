package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/internal/logctx"
	"github.com/ggoodman/mqtt-gateway-go/topic"
	"github.com/google/uuid"
)

// ConnectionHandler owns the process-wide broker connection. It keeps the
// session→client identity mapping for live subscriptions, routes inbound
// messages to the EventDispatcher and publishes outbound messages.
type ConnectionHandler struct {
	client  broker.Client
	scheme  topic.Scheme
	log     *slog.Logger
	metrics *Metrics

	mu         sync.RWMutex
	clients    map[uuid.UUID]string
	dispatcher EventDispatcher

	// dispatchMu is held for reading from the clientID check in
	// handleMessage until the dispatcher returns. Removing a mapping takes
	// it for writing so no dispatch for the old activation is still running
	// once Unsubscribe proceeds.
	dispatchMu sync.RWMutex
}

type handlerConfig struct {
	scheme  topic.Scheme
	log     *slog.Logger
	metrics *Metrics
}

// HandlerOption configures a ConnectionHandler.
type HandlerOption func(*handlerConfig)

// WithScheme sets the topic layout. The default uses topic.DefaultBase.
func WithScheme(s topic.Scheme) HandlerOption {
	return func(c *handlerConfig) { c.scheme = s }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHandlerMetrics sets the metrics sink.
func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(c *handlerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewConnectionHandler registers the inbound callback on client and connects
// it. The returned handler drops inbound messages until SetDispatcher is
// called.
func NewConnectionHandler(ctx context.Context, client broker.Client, opts ...HandlerOption) (*ConnectionHandler, error) {
	cfg := handlerConfig{
		scheme: topic.MustScheme(topic.DefaultBase),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}

	h := &ConnectionHandler{
		client:  client,
		scheme:  cfg.scheme,
		log:     cfg.log,
		metrics: cfg.metrics,
		clients: make(map[uuid.UUID]string),
	}
	client.OnMessage(h.handleMessage)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("gateway: connect broker: %w", err)
	}
	return h, nil
}

// SetDispatcher implements DispatcherSetter.
func (h *ConnectionHandler) SetDispatcher(d EventDispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// Subscribe subscribes to every channel of the session's topic scope under
// clientID. On failure or cancellation the mapping is rolled back.
func (h *ConnectionHandler) Subscribe(ctx context.Context, clientID string, sessionID uuid.UUID) error {
	h.mu.Lock()
	if _, ok := h.clients[sessionID]; ok {
		h.mu.Unlock()
		return ErrAlreadySubscribed
	}
	// Recorded before the wire call so messages delivered between SUBACK and
	// our return are routed instead of dropped as stale.
	h.clients[sessionID] = clientID
	h.mu.Unlock()

	filter := h.scheme.Filter(clientID, sessionID)
	if err := h.client.Subscribe(ctx, filter, broker.ExactlyOnce); err != nil {
		h.mu.Lock()
		if h.clients[sessionID] == clientID {
			delete(h.clients, sessionID)
		}
		h.mu.Unlock()
		h.waitDispatches()

		h.metrics.SubscribeFailures.Inc()
		h.log.WarnContext(ctx, "broker.subscribe.fail",
			slog.String("filter", filter),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	h.log.DebugContext(ctx, "broker.subscribe.ok", slog.String("filter", filter))
	return nil
}

// Unsubscribe forgets the session's mapping and then unsubscribes. The
// mapping is gone even when the broker call fails.
func (h *ConnectionHandler) Unsubscribe(ctx context.Context, sessionID uuid.UUID) error {
	h.mu.Lock()
	clientID, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	h.waitDispatches()

	filter := h.scheme.Filter(clientID, sessionID)
	if err := h.client.Unsubscribe(ctx, filter); err != nil {
		h.metrics.UnsubscribeFailures.Inc()
		h.log.WarnContext(ctx, "broker.unsubscribe.fail",
			slog.String("filter", filter),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	h.log.DebugContext(ctx, "broker.unsubscribe.ok", slog.String("filter", filter))
	return nil
}

// Publish implements MessageDispatcher. Messages are published exactly-once
// on the session's topic, under channel when it is not empty.
func (h *ConnectionHandler) Publish(ctx context.Context, sessionID uuid.UUID, payload, channel string) error {
	if err := topic.ValidateChannel(channel); err != nil {
		return err
	}

	h.mu.RLock()
	clientID, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		h.metrics.Publishes.WithLabelValues(PublishNotFound).Inc()
		return ErrSessionNotFound
	}

	t := h.scheme.Build(clientID, sessionID, channel)
	if err := h.client.Publish(ctx, t, []byte(payload), broker.ExactlyOnce); err != nil {
		h.metrics.Publishes.WithLabelValues(PublishError).Inc()
		h.log.WarnContext(ctx, "broker.publish.fail",
			slog.String("topic", t),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	h.metrics.Publishes.WithLabelValues(PublishOK).Inc()
	return nil
}

// Active reports whether the session has a live subscription mapping.
func (h *ConnectionHandler) Active(sessionID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[sessionID]
	return ok
}

// ClientID returns the client identity of a live subscription.
func (h *ConnectionHandler) ClientID(sessionID uuid.UUID) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.clients[sessionID]
	return id, ok
}

// Close disconnects from the broker.
func (h *ConnectionHandler) Close() error {
	h.mu.Lock()
	h.clients = make(map[uuid.UUID]string)
	h.mu.Unlock()
	return h.client.Close()
}

// waitDispatches returns once every dispatch that passed its clientID check
// before the caller removed a mapping has finished.
func (h *ConnectionHandler) waitDispatches() {
	h.dispatchMu.Lock()
	h.dispatchMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
}

func (h *ConnectionHandler) handleMessage(ctx context.Context, msg broker.Message) {
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Topic: msg.Topic, Bytes: len(msg.Payload)})

	addr, err := h.scheme.Parse(msg.Topic)
	if err != nil {
		h.metrics.Drop(DropUnroutable)
		h.log.DebugContext(ctx, "broker.message.unroutable")
		return
	}

	h.dispatchMu.RLock()
	defer h.dispatchMu.RUnlock()

	h.mu.RLock()
	live, ok := h.clients[addr.SessionID]
	d := h.dispatcher
	h.mu.RUnlock()

	if !ok || live != addr.ClientID {
		h.metrics.Drop(DropStale)
		h.log.DebugContext(ctx, "broker.message.stale", slog.String("session_id", addr.SessionID.String()))
		return
	}
	if d == nil {
		h.metrics.Drop(DropNoDispatcher)
		h.log.DebugContext(ctx, "broker.message.no_dispatcher")
		return
	}

	d.DispatchEvent(ctx, addr.SessionID, string(msg.Payload), addr.Channel)
	h.metrics.Dispatched.Inc()
}

var (
	_ DispatcherSetter  = (*ConnectionHandler)(nil)
	_ MessageDispatcher = (*ConnectionHandler)(nil)
	_ SessionSubscriber = (*ConnectionHandler)(nil)
)
