package gateway

import "errors"

var (
	// ErrSessionNotFound is returned for operations on a session that is not
	// active.
	ErrSessionNotFound = errors.New("gateway: session not found")
	// ErrAlreadySubscribed is returned by ConnectionHandler.Subscribe when the
	// session already has a live subscription.
	ErrAlreadySubscribed = errors.New("gateway: session already subscribed")
	// ErrSubscribeFailed wraps broker errors raised while activating a session.
	ErrSubscribeFailed = errors.New("gateway: subscribe failed")
	// ErrUnsubscribeFailed wraps broker errors raised while tearing down a
	// session's subscription. Local state is already cleared when it is
	// returned.
	ErrUnsubscribeFailed = errors.New("gateway: unsubscribe failed")
	// ErrPublishFailed wraps broker errors raised by Publish.
	ErrPublishFailed = errors.New("gateway: publish failed")
	// ErrContextCreateFailed is returned by Attach when the session context
	// could not be created.
	ErrContextCreateFailed = errors.New("gateway: session context create failed")
)
