// Package connector owns the single channel to the native game process.
//
// # Overview
//
// The Connector is the only writer of the transport channel. Everything else in
// the gateway reaches the native process through it:
//
//   - Send writes a correlated request and waits for its response
//   - SendNoWait writes a fire-and-forget frame
//   - Subscribe listens to lifecycle and inbound push topics
//
// # Connection States
//
//	Disconnected --Connect ok--> Connected
//	Connected --channel drop--> Disconnected --> Reconnecting (timer armed)
//	Disconnected --Connect fails--> Reconnecting
//	Reconnecting --timer, retry fails--> Reconnecting (reconnectAttempts++)
//	Reconnecting --timer, retry ok--> Connected (reconnectAttempts = 0)
//	any --Disconnect--> Disconnected (timer cancelled, no further retries)
//
// Retry delays come from an exponential backoff that never decreases until a
// connection succeeds and never exceeds its cap.
//
// # Request Correlation
//
// Every Send inserts a pending entry keyed by the message id. The entry is
// resolved by exactly one of three paths: the matching inbound response, its own
// timeout timer, or a disconnect. Whichever path removes the entry from the
// table first wins; the others find nothing and do nothing. A response that
// arrives after its request timed out is logged and dropped.
//
// Protocol failures are values: Send and SendNoWait always return a
// protocol.Response. Only Connect returns a Go error.
//
// # Topics
//
// Handlers for one topic run in subscription order on the publishing goroutine:
//
//	connected      channel opened
//	disconnected   channel dropped or Disconnect called
//	game_event     native push event
//	external_call  native request to invoke an HTTP-backed function
//	lua_register   native announcement of a callable Lua function
//	ipc_send       mirror of every frame written to the channel
//
// Handlers must not block and must not mutate the message they receive.
package connector
