package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrStoreClosed is returned by stores that have released their resources.
var ErrStoreClosed = errors.New("sessions: store closed")

// HistoryEntry is one payload observed on a session. Entries are never
// modified once appended.
type HistoryEntry struct {
	Payload string `json:"payload"`
	// Channel is empty when the payload was not addressed to a channel.
	Channel string `json:"channel,omitempty"`
}

// Context is a snapshot of a session's history, oldest entry first. The first
// entry is always the seed the context was created with.
type Context struct {
	SessionID uuid.UUID      `json:"sessionId"`
	History   []HistoryEntry `json:"history"`
}

// Len returns the number of entries in the snapshot.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.History)
}

// ContextStore holds one Context per active session.
type ContextStore interface {
	// Create creates a context holding a single seed entry. It returns false
	// without modifying anything if a context already exists for the session.
	Create(ctx context.Context, sessionID uuid.UUID, seed string) (bool, error)

	// Append adds an entry to the end of the session's history. It is a no-op
	// if the session has no context.
	Append(ctx context.Context, sessionID uuid.UUID, payload, channel string) error

	// Get returns a snapshot of the session's history, or nil if the session
	// has no context.
	Get(ctx context.Context, sessionID uuid.UUID) (*Context, error)

	// Remove deletes the session's context. It returns false if there was
	// none.
	Remove(ctx context.Context, sessionID uuid.UUID) (bool, error)
}
