package streaminghttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/ggoodman/mqtt-gateway-go/gateway"
	"github.com/google/uuid"
)

const defaultRelayBuffer = 64

// ErrRelayExists is returned by Hub.Register when the relay id is already
// connected to the session on this node.
var ErrRelayExists = errors.New("relay connection already registered")

// RelayDirectory resolves the relays attached to a session.
// gateway.SessionManager implements it.
type RelayDirectory interface {
	RelayConnectionsFor(sessionID uuid.UUID) []string
}

// Event is one inbound message as delivered to a relay.
type Event struct {
	SessionID uuid.UUID `json:"sessionId"`
	Channel   string    `json:"channel,omitempty"`
	Payload   string    `json:"payload"`
}

// Relay is a relay connection registered on this node. Events arrive on
// Events in broker order until Done is closed.
type Relay struct {
	ID        string
	SessionID uuid.UUID

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the relay's event queue.
func (r *Relay) Events() <-chan Event { return r.events }

// Done is closed when the relay has been kicked or unregistered.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Hub is the gateway.EventDispatcher for relay connections served by this
// process. Each relay has a bounded queue; when it is full the event is
// dropped for that relay only, so a slow reader never stalls broker
// delivery.
type Hub struct {
	dir     RelayDirectory
	relays  *haxmap.Map[string, *Relay]
	buffer  int
	log     *slog.Logger
	metrics *gateway.Metrics
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRelayBuffer sets the per-relay queue length.
func WithRelayBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(log *slog.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithHubMetrics sets the metrics sink used to count dropped events.
func WithHubMetrics(m *gateway.Metrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHub returns a Hub that fans events out to the relays dir reports.
func NewHub(dir RelayDirectory, opts ...HubOption) *Hub {
	h := &Hub{
		dir:    dir,
		relays: haxmap.New[string, *Relay](),
		buffer: defaultRelayBuffer,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = gateway.NewMetrics(nil)
	}
	return h
}

func relayKey(sessionID uuid.UUID, relayID string) string {
	return sessionID.String() + "/" + relayID
}

// Register adds a local relay connection.
func (h *Hub) Register(sessionID uuid.UUID, relayID string) (*Relay, error) {
	r := &Relay{
		ID:        relayID,
		SessionID: sessionID,
		events:    make(chan Event, h.buffer),
		done:      make(chan struct{}),
	}
	if _, loaded := h.relays.GetOrSet(relayKey(sessionID, relayID), r); loaded {
		return nil, ErrRelayExists
	}
	return r, nil
}

// Unregister removes a relay and closes its Done channel.
func (h *Hub) Unregister(r *Relay) {
	key := relayKey(r.SessionID, r.ID)
	if cur, ok := h.relays.Get(key); ok && cur == r {
		h.relays.Del(key)
	}
	r.close()
}

// Kick closes a local relay's stream. It reports whether the relay was
// connected to this node.
func (h *Hub) Kick(sessionID uuid.UUID, relayID string) bool {
	r, ok := h.relays.Get(relayKey(sessionID, relayID))
	if !ok {
		return false
	}
	r.close()
	return true
}

// Len returns the number of local relays.
func (h *Hub) Len() int {
	return int(h.relays.Len())
}

// DispatchEvent implements gateway.EventDispatcher. Relays attached to the
// session but served by another node are skipped.
func (h *Hub) DispatchEvent(ctx context.Context, sessionID uuid.UUID, payload, channel string) {
	ev := Event{SessionID: sessionID, Channel: channel, Payload: payload}
	for _, id := range h.dir.RelayConnectionsFor(sessionID) {
		r, ok := h.relays.Get(relayKey(sessionID, id))
		if !ok {
			continue
		}
		select {
		case r.events <- ev:
		default:
			h.metrics.Drop(gateway.DropSlowRelay)
			h.log.WarnContext(ctx, "relay.event.drop",
				slog.String("session_id", sessionID.String()),
				slog.String("relay_id", id),
			)
		}
	}
}

var _ gateway.EventDispatcher = (*Hub)(nil)
