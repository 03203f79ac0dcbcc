// Package sse fans native game events out to long-lived HTTP event streams.
//
// The Hub owns the set of open subscribers. Each subscriber gets a uuid on
// connect and a first frame announcing it:
//
//	data: {"type":"connected","clientId":"...","timestamp":1700000000000,"message":"..."}
//
// Broadcast serialises an event once and offers the frame to every open
// subscriber. A subscriber whose write fails, or whose buffer is full, is
// removed; delivery to the rest continues. Removal is idempotent.
//
// Run sends a comment frame (": keep-alive") on an interval so proxies do not
// time out idle streams.
//
// Subscriber lifecycle:
//
//	Connecting --connected frame written--> Open --close/error/write failure--> Closed
//
// Closed is terminal.
package sse
