package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mqtt-gateway-go/gateway"
	"github.com/ggoodman/mqtt-gateway-go/internal/logctx"
	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/ggoodman/mqtt-gateway-go/topic"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	relayConnectionIDHeader = "Relay-Connection-Id"

	defaultDetachTimeout = 10 * time.Second
	defaultKeepAlive     = 25 * time.Second

	maxSendBody = 1 << 20
)

// SessionService is the session lifecycle the handler drives.
// gateway.SessionManager implements it.
type SessionService interface {
	Attach(ctx context.Context, sessionID uuid.UUID, relayID string) (bool, error)
	Detach(ctx context.Context, sessionID uuid.UUID, relayID string) (bool, error)
	RelayConnectionsFor(sessionID uuid.UUID) []string
	Context(ctx context.Context, sessionID uuid.UUID) (*sessions.Context, error)
}

// SendRequest is the JSON body accepted by the send endpoint. The same
// fields may be given as query parameters instead.
type SendRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
	Message   string    `json:"message"`
	Channel   string    `json:"channel,omitempty"`
}

// SessionDocument describes an active session.
type SessionDocument struct {
	SessionID uuid.UUID               `json:"sessionId"`
	Relays    []string                `json:"relays"`
	History   []sessions.HistoryEntry `json:"history"`
}

// AttachedEvent is the first frame written to a relay stream.
type AttachedEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	RelayID   string    `json:"relayId"`
}

// writeJSONError emits the transport-level error body
// {"error":{"code":<httpStatus>,"message":"<reason>"}}. It must be called
// before the status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger        *slog.Logger
	prefix        string
	detachTimeout time.Duration
	keepAlive     time.Duration
}

// WithLogger sets the logger. Records are decorated with request and session
// attributes.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPathPrefix mounts every route under prefix, e.g. "/api".
func WithPathPrefix(prefix string) Option {
	return func(c *newConfig) { c.prefix = strings.TrimRight(prefix, "/") }
}

// WithDetachTimeout bounds the detach that runs after a relay stream ends.
func WithDetachTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.detachTimeout = d
		}
	}
}

// WithKeepAlive sets the interval of SSE comment frames on idle streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// Handler serves relay connections and the gateway command surface.
type Handler struct {
	mgr SessionService
	pub gateway.MessageDispatcher
	hub *Hub
	log *slog.Logger
	mux *http.ServeMux

	detachTimeout time.Duration
	keepAlive     time.Duration

	schemaOnce sync.Once
	schema     []byte
}

// New constructs a Handler. Inbound events reach relay streams through hub,
// which must also be the dispatcher installed on the connection handler.
func New(mgr SessionService, pub gateway.MessageDispatcher, hub *Hub, opts ...Option) *Handler {
	cfg := &newConfig{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		detachTimeout: defaultDetachTimeout,
		keepAlive:     defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.logger
	if _, ok := log.Handler().(logctx.Handler); !ok {
		log = slog.New(logctx.Handler{Handler: log.Handler()})
	}

	h := &Handler{
		mgr:           mgr,
		pub:           pub,
		hub:           hub,
		log:           log,
		mux:           http.NewServeMux(),
		detachTimeout: cfg.detachTimeout,
		keepAlive:     cfg.keepAlive,
	}

	p := cfg.prefix
	h.mux.HandleFunc("GET "+p+"/sessions/{sessionID}/events", h.handleEvents)
	h.mux.HandleFunc("GET "+p+"/sessions/{sessionID}", h.handleGetSession)
	h.mux.HandleFunc("DELETE "+p+"/sessions/{sessionID}/relays/{relayID}", h.handleDetach)
	h.mux.HandleFunc("POST "+p+"/messages/send", h.handleSend)
	h.mux.HandleFunc("GET "+p+"/schema", h.handleSchema)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func sessionIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("sessionID"))
}

// handleEvents opens a relay connection. The session is activated on the
// first relay and torn down when its last relay goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "stream requires text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "http.flusher.missing")
		return
	}

	relayID := r.Header.Get(relayConnectionIDHeader)
	if relayID == "" {
		relayID = uuid.NewString()
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID.String(), RelayID: relayID})

	relay, err := h.hub.Register(sessionID, relayID)
	if err != nil {
		writeJSONError(w, http.StatusConflict, "relay connection already attached")
		h.log.InfoContext(ctx, "relay.register.conflict")
		return
	}

	added, err := h.mgr.Attach(ctx, sessionID, relayID)
	if err != nil {
		h.hub.Unregister(relay)
		if ctx.Err() != nil {
			h.log.InfoContext(ctx, "relay.attach.cancelled")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "failed to activate session")
		h.log.ErrorContext(ctx, "relay.attach.fail", slog.String("err", err.Error()))
		return
	}
	if !added {
		// Another node already holds this relay id for the session.
		h.hub.Unregister(relay)
		writeJSONError(w, http.StatusConflict, "relay connection already attached")
		h.log.InfoContext(ctx, "relay.attach.conflict")
		return
	}

	defer func() {
		h.hub.Unregister(relay)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.detachTimeout)
		defer cancel()
		if _, err := h.mgr.Detach(dctx, sessionID, relayID); err != nil {
			h.log.WarnContext(dctx, "relay.detach.fail", slog.String("err", err.Error()))
		}
		h.log.InfoContext(dctx, "relay.stream.end", slog.Duration("duration", time.Since(start)))
	}()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(relayConnectionIDHeader, relayID)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	hello, _ := json.Marshal(AttachedEvent{SessionID: sessionID, RelayID: relayID})
	if err := writeSSEEvent(wf, "attached", "", hello); err != nil {
		return
	}
	h.log.InfoContext(ctx, "relay.stream.start")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.Done():
			h.log.InfoContext(ctx, "relay.stream.kicked")
			return
		case <-ticker.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		case ev := <-relay.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.ErrorContext(ctx, "relay.event.encode.fail", slog.String("err", err.Error()))
				continue
			}
			seq++
			if err := writeSSEEvent(wf, "message", strconv.FormatUint(seq, 10), payload); err != nil {
				h.log.InfoContext(ctx, "relay.stream.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleSend publishes a message to an active session. Parameters come from
// the query string when sessionId is present there, otherwise from a JSON
// body.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeSendRequest(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUnsupportedContentType) {
			status = http.StatusUnsupportedMediaType
		}
		writeJSONError(w, status, err.Error())
		h.log.InfoContext(ctx, "send.request.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: req.SessionID.String()})

	err = h.pub.Publish(ctx, req.SessionID, req.Message, req.Channel)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "send.ok", slog.Int("bytes", len(req.Message)))
	case errors.Is(err, topic.ErrInvalidChannel):
		writeJSONError(w, http.StatusBadRequest, "invalid channel")
	case errors.Is(err, gateway.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "send.session.miss")
	default:
		writeJSONError(w, http.StatusBadGateway, "failed to publish message")
		h.log.ErrorContext(ctx, "send.fail", slog.String("err", err.Error()))
	}
}

var errUnsupportedContentType = errors.New("content-type must be application/json")

func decodeSendRequest(r *http.Request) (SendRequest, error) {
	var req SendRequest

	q := r.URL.Query()
	if q.Has("sessionId") {
		id, err := uuid.Parse(q.Get("sessionId"))
		if err != nil {
			return req, errors.New("invalid sessionId")
		}
		if !q.Has("message") {
			return req, errors.New("missing message")
		}
		req.SessionID = id
		req.Message = q.Get("message")
		req.Channel = q.Get("channel")
	} else {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			return req, errUnsupportedContentType
		}
		dec := json.NewDecoder(io.LimitReader(r.Body, maxSendBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
		if req.SessionID == uuid.Nil {
			return req, errors.New("missing sessionId")
		}
	}

	if err := topic.ValidateChannel(req.Channel); err != nil {
		return req, errors.New("invalid channel")
	}
	return req, nil
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sc, err := h.mgr.Context(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, SessionDocument{
		SessionID: sessionID,
		Relays:    h.mgr.RelayConnectionsFor(sessionID),
		History:   sc.History,
	})
}

// handleDetach removes a relay on request and closes its stream when the
// stream is served by this node.
func (h *Handler) handleDetach(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	relayID := r.PathValue("relayID")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID.String(), RelayID: relayID})

	removed, err := h.mgr.Detach(ctx, sessionID, relayID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to detach relay")
		h.log.ErrorContext(ctx, "relay.detach.fail", slog.String("err", err.Error()))
		return
	}
	if !removed {
		writeJSONError(w, http.StatusNotFound, "relay connection not attached")
		return
	}
	h.hub.Kick(sessionID, relayID)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "relay.detach.ok")
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	h.schemaOnce.Do(func() {
		rf := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == reflect.TypeOf(uuid.UUID{}) {
					return &jsonschema.Schema{Type: "string", Format: "uuid"}
				}
				return nil
			},
		}
		h.schema, _ = json.Marshal(map[string]*jsonschema.Schema{
			"sendRequest": rf.Reflect(new(SendRequest)),
			"event":       rf.Reflect(new(Event)),
			"attached":    rf.Reflect(new(AttachedEvent)),
			"session":     rf.Reflect(new(SessionDocument)),
		})
	})

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

// lockedWriteFlusher serializes writes and flushes and refuses to write
// after ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, event, id string, payload []byte) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := wf.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
