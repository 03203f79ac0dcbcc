// Package functions lets the native game process call HTTP-backed capabilities
// by name.
//
// # Overview
//
// Two pieces cooperate:
//
//   - Registry: the process-scoped, in-memory table of registered functions
//   - Dispatcher: reacts to external_call frames, performs the HTTP call and
//     publishes exactly one external_response per call id
//
// The registry is the source of truth. The native side keeps a mirror that does
// not survive a dropped connection, so the Dispatcher re-announces every
// function (external_register) each time the Connector reports connected.
//
// # Registration
//
// Registration is validated in a fixed order and every violation is an
// INVALID_ARGUMENTS protocol error:
//
//  1. name must be an identifier ([A-Za-z_][A-Za-z0-9_]*)
//  2. url must be an absolute http or https URL
//  3. timeout, when given, must be a positive integer number of milliseconds
//  4. name must not already be registered
//
// # Dispatch
//
// For a known function the Dispatcher POSTs {"args": ...} to its URL under a
// deadline equal to the function's own timeout. Outcomes map onto the shared
// error vocabulary:
//
//	2xx {success:true,result}   result fields merged into the response
//	2xx {success:false,error}   callee error forwarded
//	non-2xx                     NETWORK_ERROR "failed with status N"
//	deadline exceeded           CALL_TIMEOUT "timed out after Nms"
//	transport failure           NETWORK_ERROR with the underlying message
//
// The call's mode (sync or async) is logged and recorded but does not change
// how the Dispatcher waits: both are awaited and both produce one response.
package functions
