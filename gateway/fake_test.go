package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/google/uuid"
)

// fakeClient is a broker.Client that records calls and delivers inbound
// messages synchronously.
type fakeClient struct {
	mu      sync.Mutex
	handler broker.MessageHandler

	connectErr     error
	subscribeErr   error
	unsubscribeErr error
	publishErr     error
	// subscribeHook, when set, runs inside Subscribe and its error is
	// returned.
	subscribeHook func(ctx context.Context, filter string) error

	subscribed   []string
	subQoS       []broker.QoS
	unsubscribed []string
	published    []broker.Message
	closed       bool
}

func (f *fakeClient) OnMessage(h broker.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeClient) Connect(context.Context) error { return f.connectErr }

func (f *fakeClient) Subscribe(ctx context.Context, filter string, qos broker.QoS) error {
	f.mu.Lock()
	hook, err := f.subscribeHook, f.subscribeErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, filter); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, filter)
	f.subQoS = append(f.subQoS, qos)
	return nil
}

func (f *fakeClient) Unsubscribe(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, filter)
	return f.unsubscribeErr
}

func (f *fakeClient) Publish(_ context.Context, t string, payload []byte, qos broker.QoS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, broker.Message{Topic: t, Payload: payload, QoS: qos})
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) deliver(t, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(context.Background(), broker.Message{Topic: t, Payload: []byte(payload)})
}

func (f *fakeClient) calls() (subs, unsubs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...), append([]string(nil), f.unsubscribed...)
}

type event struct {
	SessionID uuid.UUID
	Payload   string
	Channel   string
}

// recordingDispatcher collects dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingDispatcher) DispatchEvent(_ context.Context, sessionID uuid.UUID, payload, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{sessionID, payload, channel})
}

func (r *recordingDispatcher) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
