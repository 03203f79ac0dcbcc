// ABOUTME: Tests for the background ledger writer.
// ABOUTME: Verifies records are flushed on Close and dropped when the queue is full.

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/protocol"
)

// gatedStore blocks SaveCall until release is closed.
type gatedStore struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func newGatedStore() *gatedStore {
	return &gatedStore{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedStore) SaveGameEvent(context.Context, protocol.Envelope) error { return nil }
func (g *gatedStore) ListGameEvents(context.Context, int) ([]protocol.Envelope, error) {
	return nil, nil
}
func (g *gatedStore) ListCalls(context.Context, CallFilter) ([]functions.CallRecord, error) {
	return nil, nil
}
func (g *gatedStore) Close() error { return nil }

func (g *gatedStore) SaveCall(_ context.Context, rec functions.CallRecord) error {
	g.started <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.calls = append(g.calls, rec.CallID)
	g.mu.Unlock()
	return nil
}

func TestWriter_FlushesOnClose(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, 16, nil)

	w.RecordEvent(protocol.Envelope{Type: "turn_start", Timestamp: 1})
	w.RecordCall(functions.CallRecord{CallID: "c1", FunctionName: "f", Mode: functions.ModeSync, Success: true, StartedAt: time.Now()})
	w.Close()

	events, err := store.ListGameEvents(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	calls, err := store.ListCalls(t.Context(), CallFilter{})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].CallID)
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	g := newGatedStore()
	w := NewWriter(g, 1, nil)

	w.RecordCall(functions.CallRecord{CallID: "first"})
	select {
	case <-g.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first record")
	}

	w.RecordCall(functions.CallRecord{CallID: "queued"})
	w.RecordCall(functions.CallRecord{CallID: "dropped"})

	close(g.release)
	w.Close()

	assert.Equal(t, []string{"first", "queued"}, g.calls)
}

func TestWriter_IgnoresRecordsAfterClose(t *testing.T) {
	g := newGatedStore()
	close(g.release)
	w := NewWriter(g, 4, nil)
	w.Close()
	w.Close()

	w.RecordCall(functions.CallRecord{CallID: "late"})
	assert.Empty(t, g.calls)
}
