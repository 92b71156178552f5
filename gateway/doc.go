// Package gateway maps logical sessions onto broker subscriptions.
//
// A SessionManager tracks which relay connections are attached to each
// session. The first attach activates the session: a fresh client identity
// is allocated, the ConnectionHandler subscribes to the session's topic
// scope and a context is created in the sessions.ContextStore. The last
// detach reverses all three.
//
// Inbound broker messages are parsed back into (session, channel, payload)
// by the ConnectionHandler and handed to an EventDispatcher, which fans them
// out to the attached relays. Outbound messages enter through the
// MessageDispatcher contract and are published on the session's topic with
// exactly-once delivery.
//
// Wiring is two-phase because the dispatcher usually depends on the
// transport that in turn depends on the SessionManager:
//
//	conn, err := gateway.NewConnectionHandler(ctx, client)
//	mgr := gateway.NewSessionManager(conn, store)
//	hub := streaminghttp.NewHub(mgr)
//	conn.SetDispatcher(gateway.RecordHistory(store, hub, log))
//
// Inbound messages that arrive before SetDispatcher are dropped and counted.
package gateway
