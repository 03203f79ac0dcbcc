// ABOUTME: Store interface and query parameters for the gateway ledger.
// ABOUTME: Covers game event history and the external call log.

package store

import (
	"context"

	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/protocol"
)

const (
	// DefaultLimit is used when a query asks for zero rows.
	DefaultLimit = 50
	// MaxLimit caps how many rows a query returns.
	MaxLimit = 500
)

// CallFilter narrows ListCalls.
type CallFilter struct {
	FunctionName string // empty means every function
	Limit        int    // 1-500, defaults to 50
}

// Store is the ledger.
type Store interface {
	SaveGameEvent(ctx context.Context, env protocol.Envelope) error
	// ListGameEvents returns the most recent events, oldest first.
	ListGameEvents(ctx context.Context, limit int) ([]protocol.Envelope, error)

	SaveCall(ctx context.Context, rec functions.CallRecord) error
	// ListCalls returns the most recent calls, newest first.
	ListCalls(ctx context.Context, filter CallFilter) ([]functions.CallRecord, error)

	Close() error
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}
