// Package sessions defines the per-session context kept by the gateway while
// a session is active: an ordered, append-only history of the payloads seen
// on the session's topic.
//
// The gateway's session manager is the only component that creates or
// removes a context. A ContextStore merely executes those commands and is
// expected to be safe for concurrent use.
//
// Implementations
//
//	memory     : in-process reference implementation
//	redisstore : Redis lists, for history that must outlive the process or be
//	             inspected by other nodes
//
// Every implementation is expected to pass the suite in storetest.
package sessions
