// Package dedupe remembers recently seen external_call ids so a call the native
// process delivers twice (for example, resent across a reconnect) is dispatched
// once and answered once.
package dedupe
