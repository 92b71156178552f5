// Package streaminghttp is the HTTP face of the gateway. It serves relay
// connections as Server-Sent Events streams and exposes the command surface
// used to send messages to sessions and inspect them.
//
// # Routes
//
//	GET    {prefix}/sessions/{sessionID}/events             open a relay stream
//	GET    {prefix}/sessions/{sessionID}                    relays and history
//	DELETE {prefix}/sessions/{sessionID}/relays/{relayID}   detach a relay
//	POST   {prefix}/messages/send                           publish to a session
//	GET    {prefix}/schema                                  JSON Schemas
//
// A relay stream starts with an "attached" event carrying the relay id and
// then carries one "message" event per inbound broker message, in broker
// order. The relay id is taken from the Relay-Connection-Id request header or
// generated. When the stream ends, for any reason, the relay is detached and
// the session is torn down if it was the last one.
//
// # Construction
//
//	hub := streaminghttp.NewHub(mgr)
//	conn.SetDispatcher(gateway.RecordHistory(store, hub, log))
//	h := streaminghttp.New(mgr, conn, hub, streaminghttp.WithPathPrefix("/api"))
//
// # Scaling
//
// The Hub only knows relays served by its own process. Events for relays on
// other nodes are skipped here and delivered by the node holding the stream,
// since every node subscribes to the topics of the sessions it activated.
package streaminghttp
