package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/internal/logctx"
	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/google/uuid"
)

const defaultTeardownTimeout = 10 * time.Second

// SessionSubscriber manages the broker subscription backing a session.
// ConnectionHandler is the production implementation.
type SessionSubscriber interface {
	Subscribe(ctx context.Context, clientID string, sessionID uuid.UUID) error
	Unsubscribe(ctx context.Context, sessionID uuid.UUID) error
}

// SeedFunc produces the first history entry of a newly activated session.
type SeedFunc func(sessionID uuid.UUID, relayID string) string

// SessionManager decides when sessions are activated and torn down. It is
// the only component that creates or removes subscriptions and contexts.
type SessionManager struct {
	sub     SessionSubscriber
	store   sessions.ContextStore
	log     *slog.Logger
	metrics *Metrics
	seed    SeedFunc
	newID   func() string

	teardownTimeout time.Duration

	// mu guards relays and opLocks. It is never held across a network call.
	mu      sync.Mutex
	relays  map[uuid.UUID]map[string]struct{}
	opLocks map[uuid.UUID]*opLock
}

// opLock serializes Attach and Detach for one session. refs counts the
// goroutines holding or waiting for it so the entry can be dropped when
// idle.
type opLock struct {
	mu   sync.Mutex
	refs int
}

type managerConfig struct {
	log             *slog.Logger
	metrics         *Metrics
	seed            SeedFunc
	newID           func() string
	teardownTimeout time.Duration
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*managerConfig)

// WithManagerLogger sets the logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithManagerMetrics sets the metrics sink.
func WithManagerMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSeed sets the seed entry for new session contexts. The default seed is
// the session id.
func WithSeed(f SeedFunc) ManagerOption {
	return func(c *managerConfig) {
		if f != nil {
			c.seed = f
		}
	}
}

// WithClientIDGenerator overrides how client identities are allocated.
func WithClientIDGenerator(f func() string) ManagerOption {
	return func(c *managerConfig) {
		if f != nil {
			c.newID = f
		}
	}
}

// WithTeardownTimeout bounds the broker and store calls made while tearing
// down a session, which run detached from the caller's cancellation.
func WithTeardownTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if d > 0 {
			c.teardownTimeout = d
		}
	}
}

// NewSessionManager creates a manager driving sub and store.
func NewSessionManager(sub SessionSubscriber, store sessions.ContextStore, opts ...ManagerOption) *SessionManager {
	cfg := managerConfig{
		log: slog.Default(),
		seed: func(sessionID uuid.UUID, _ string) string {
			return sessionID.String()
		},
		newID:           uuid.NewString,
		teardownTimeout: defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}

	return &SessionManager{
		sub:             sub,
		store:           store,
		log:             cfg.log,
		metrics:         cfg.metrics,
		seed:            cfg.seed,
		newID:           cfg.newID,
		teardownTimeout: cfg.teardownTimeout,
		relays:          make(map[uuid.UUID]map[string]struct{}),
		opLocks:         make(map[uuid.UUID]*opLock),
	}
}

// Attach adds relayID to the session, activating the session first when it
// has no relays. It reports whether relayID was newly added. When activation
// fails or ctx is cancelled, nothing is committed.
func (m *SessionManager) Attach(ctx context.Context, sessionID uuid.UUID, relayID string) (bool, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID.String(), RelayID: relayID})

	m.mu.Lock()
	if set, ok := m.relays[sessionID]; ok {
		_, present := set[relayID]
		if !present {
			set[relayID] = struct{}{}
			m.metrics.Attaches.Inc()
		}
		m.mu.Unlock()
		if present {
			m.log.DebugContext(ctx, "session.attach.present")
			return false, nil
		}
		m.log.InfoContext(ctx, "session.attach.ok", slog.Bool("activated", false))
		return true, nil
	}
	m.mu.Unlock()

	if err := m.activate(ctx, sessionID, relayID); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.relays[sessionID] = map[string]struct{}{relayID: {}}
	m.mu.Unlock()
	m.metrics.ActiveSessions.Inc()
	m.metrics.Attaches.Inc()

	m.log.InfoContext(ctx, "session.attach.ok", slog.Bool("activated", true))
	return true, nil
}

// activate subscribes and creates the session context. Partial work is
// undone before returning an error.
func (m *SessionManager) activate(ctx context.Context, sessionID uuid.UUID, relayID string) error {
	clientID := m.newID()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID.String(), RelayID: relayID, ClientID: clientID})

	if err := m.sub.Subscribe(ctx, clientID, sessionID); err != nil {
		m.log.ErrorContext(ctx, "session.activate.fail", slog.String("err", err.Error()))
		return err
	}

	seed := m.seed(sessionID, relayID)
	created, err := m.store.Create(ctx, sessionID, seed)
	if err == nil && !created {
		// Only an unclean shutdown with a shared store leaves a context
		// behind for an inactive session. Its history belongs to a session
		// that no longer exists.
		m.log.WarnContext(ctx, "session.context.orphan.discard")
		if _, err = m.store.Remove(ctx, sessionID); err == nil {
			created, err = m.store.Create(ctx, sessionID, seed)
		}
	}
	switch {
	case err != nil:
		m.rollback(ctx, sessionID)
		m.log.ErrorContext(ctx, "session.activate.fail", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrContextCreateFailed, err)
	case !created:
		m.rollback(ctx, sessionID)
		m.log.ErrorContext(ctx, "session.activate.fail", slog.String("err", "context already exists"))
		return fmt.Errorf("%w: context already exists", ErrContextCreateFailed)
	}

	if err := ctx.Err(); err != nil {
		m.removeContext(ctx, sessionID)
		m.rollback(ctx, sessionID)
		return err
	}
	return nil
}

func (m *SessionManager) rollback(ctx context.Context, sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
	defer cancel()
	if err := m.sub.Unsubscribe(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.log.WarnContext(ctx, "session.rollback.unsubscribe.fail", slog.String("err", err.Error()))
	}
}

func (m *SessionManager) removeContext(ctx context.Context, sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
	defer cancel()
	if _, err := m.store.Remove(ctx, sessionID); err != nil {
		m.log.WarnContext(ctx, "session.context.remove.fail", slog.String("err", err.Error()))
	}
}

// Detach removes relayID from the session. It reports false when the
// session is inactive or relayID is not attached. Removing the last relay
// tears the session down; teardown completes even if ctx is cancelled.
func (m *SessionManager) Detach(ctx context.Context, sessionID uuid.UUID, relayID string) (bool, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID.String(), RelayID: relayID})

	m.mu.Lock()
	set, ok := m.relays[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, present := set[relayID]; !present {
		m.mu.Unlock()
		return false, nil
	}
	delete(set, relayID)
	last := len(set) == 0
	m.mu.Unlock()
	m.metrics.Detaches.Inc()

	if !last {
		m.log.InfoContext(ctx, "session.detach.ok", slog.Bool("deactivated", false))
		return true, nil
	}

	// The empty set stays in relays until teardown finishes so concurrent
	// RelayConnectionsFor calls see an empty, still-known session and a
	// racing Attach waits on the session lock.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
	defer cancel()
	if err := m.sub.Unsubscribe(tctx, sessionID); err != nil {
		m.log.WarnContext(ctx, "session.deactivate.unsubscribe.fail", slog.String("err", err.Error()))
	}
	if _, err := m.store.Remove(tctx, sessionID); err != nil {
		m.log.WarnContext(ctx, "session.deactivate.context.fail", slog.String("err", err.Error()))
	}

	m.mu.Lock()
	delete(m.relays, sessionID)
	m.mu.Unlock()
	m.metrics.ActiveSessions.Dec()

	m.log.InfoContext(ctx, "session.detach.ok", slog.Bool("deactivated", true))
	return true, nil
}

// RelayConnectionsFor returns the relays attached to the session in sorted
// order. It never blocks on an attach or detach in progress.
func (m *SessionManager) RelayConnectionsFor(sessionID uuid.UUID) []string {
	m.mu.Lock()
	set := m.relays[sessionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out
}

// Active reports whether the session has at least one attached relay.
func (m *SessionManager) Active(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays[sessionID]) > 0
}

// Sessions returns the ids of all active sessions.
func (m *SessionManager) Sessions() []uuid.UUID {
	m.mu.Lock()
	out := make([]uuid.UUID, 0, len(m.relays))
	for id, set := range m.relays {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Context returns the session's history, or ErrSessionNotFound when the
// session is inactive.
func (m *SessionManager) Context(ctx context.Context, sessionID uuid.UUID) (*sessions.Context, error) {
	if !m.Active(sessionID) {
		return nil, ErrSessionNotFound
	}
	sc, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, ErrSessionNotFound
	}
	return sc, nil
}

func (m *SessionManager) lockSession(sessionID uuid.UUID) (unlock func()) {
	m.mu.Lock()
	l, ok := m.opLocks[sessionID]
	if !ok {
		l = &opLock{}
		m.opLocks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.opLocks, sessionID)
		}
		m.mu.Unlock()
	}
}
