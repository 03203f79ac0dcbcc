// Package transport provides the connection-oriented channel to the native game
// process.
//
// A Channel offers Open, Write and Close plus three callbacks delivered through
// Handlers: inbound message, close (with its cause) and non-fatal error. The
// Connector is the only owner of a Channel; nothing else writes to it.
//
// # Addresses
//
// A Dialer builds a fresh Channel per connection attempt from an address:
//
//	tcp://127.0.0.1:5555     stream socket
//	unix:///tmp/vox.sock     unix domain socket
//	ws://127.0.0.1:5556/ipc  websocket, one message per frame
//	wss://host/ipc           websocket over TLS
//
// # Codecs
//
// Frames are encoded with a Codec. "json" writes newline-delimited JSON objects
// and is the default. "cbor" writes self-delimiting CBOR items, which keeps
// binary payloads compact for mods that can speak it.
//
// # Callback discipline
//
// Callbacks run on the channel's read goroutine. Close is idempotent, never
// waits for that goroutine and suppresses all callbacks once it returns, so it
// is safe to call from inside a callback. Exactly one of an explicit Close or
// an OnClose callback ends a channel's life.
package transport
