package gateway

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/google/uuid"
)

// EventDispatcher receives every routable inbound event for an active
// session. It is called on the broker's delivery goroutine, in broker order,
// and must not block.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, sessionID uuid.UUID, payload, channel string)
}

// EventDispatcherFunc adapts a function to EventDispatcher.
type EventDispatcherFunc func(ctx context.Context, sessionID uuid.UUID, payload, channel string)

func (f EventDispatcherFunc) DispatchEvent(ctx context.Context, sessionID uuid.UUID, payload, channel string) {
	f(ctx, sessionID, payload, channel)
}

// DispatcherSetter is the second phase of wiring: it installs the
// EventDispatcher once the transport that implements it exists.
type DispatcherSetter interface {
	SetDispatcher(d EventDispatcher)
}

// MessageDispatcher publishes a payload into an active session's topic.
type MessageDispatcher interface {
	Publish(ctx context.Context, sessionID uuid.UUID, payload, channel string) error
}

// RecordHistory returns an EventDispatcher that appends each event to the
// session's context before forwarding it to next. Append failures are logged
// and do not stop delivery.
func RecordHistory(store sessions.ContextStore, next EventDispatcher, log *slog.Logger) EventDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return EventDispatcherFunc(func(ctx context.Context, sessionID uuid.UUID, payload, channel string) {
		if err := store.Append(ctx, sessionID, payload, channel); err != nil {
			log.WarnContext(ctx, "session.history.append.fail",
				slog.String("session_id", sessionID.String()),
				slog.String("err", err.Error()),
			)
		}
		if next != nil {
			next.DispatchEvent(ctx, sessionID, payload, channel)
		}
	})
}
