// Package protocol defines the message envelope exchanged with the native game
// process and the structured response shape shared by every component.
//
// # Envelope
//
// Every frame on the native channel is a flat JSON (or CBOR) object with a
// "type" discriminator, an optional "id" used for correlation, and any number
// of type-specific fields:
//
//	{"type":"external_call","id":"call-1","functionName":"getPlayerName","args":{}}
//
// # Responses
//
// Protocol-level outcomes are values, never Go errors:
//
//	{"success":true,"result":...}
//	{"success":false,"error":{"code":"CALL_TIMEOUT","message":"..."}}
//
// The error vocabulary is fixed: DLL_DISCONNECTED, CALL_TIMEOUT,
// INVALID_ARGUMENTS, INVALID_FUNCTION and NETWORK_ERROR. Failures that start in
// an HTTP callee are translated into the same vocabulary so the native side sees
// one taxonomy regardless of origin.
package protocol
