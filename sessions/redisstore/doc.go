// Package redisstore implements sessions.ContextStore on Redis lists.
//
// Each active session owns one list at <prefix>ctx:<sessionID> whose elements
// are JSON-encoded history entries, oldest first. Creation is atomic
// (create-if-absent via a Lua script) and appends use RPUSHX so an append that
// races a teardown never resurrects a removed context.
//
// Configuration can be loaded from the environment with NewFromEnv:
//
//	REDIS_ADDR           (default localhost:6379)
//	SESSIONS_KEY_PREFIX  (default mqttgw:sessions:)
package redisstore
