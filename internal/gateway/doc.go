// Package gateway wires the native connector, function dispatcher and event
// hub together and serves them over HTTP (and optionally gRPC health).
//
// # Components
//
//	native process <-> transport.Channel <-> connector.Connector
//	                                            |  game_event    -> sse.Hub, store.Writer, mirror.Mirror
//	                                            |  external_call -> functions.Dispatcher -> HTTP callee
//	                                            |  lua_register  -> Lua function catalogue
//	                                            |  connected     -> re-announce functions, health SERVING
//
// # HTTP API
//
//   - POST   /external/register         register an external function
//   - DELETE /external/register/{name}  unregister it
//   - GET    /external/functions        list registered functions
//   - GET    /external/calls            recent dispatch outcomes (ledger)
//   - POST   /lua/call                  call a Lua function in the game
//   - GET    /lua/functions             Lua functions announced by the game
//   - GET    /events                    SSE stream of game events
//   - GET    /events/history            recent game events (ledger)
//   - GET    /stats                     sse, dll and functions counters
//   - GET    /status                    human readable status page
//   - GET    /health, /health/ready     liveness and readiness
//   - GET    /metrics                   Prometheus exposition
//
// Every failure is answered with HTTP 500 and a structured body:
//
//	{"success":false,"error":{"code":"INVALID_ARGUMENTS","message":"..."}}
//
// Callers must read the code, not the status, to tell failures apart.
//
// # Listeners
//
// By default the HTTP API listens on server.http_addr and the gRPC health
// service on server.grpc_addr (when set). With tailscale.enabled both are
// served on a tsnet node instead: gRPC on :50051 and HTTP on :80, or :443 with
// tailscale.https or tailscale.funnel.
package gateway
