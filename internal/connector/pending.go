// ABOUTME: Pending request table shared by the response handler, timeout timers and disconnect.
// ABOUTME: Removal from the table is the single point that decides which path resolves a request.

package connector

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/vox-gateway/internal/protocol"
)

// ErrDuplicateRequestID is returned when a request id is already pending.
var ErrDuplicateRequestID = errors.New("request ID already pending")

type pendingRequest struct {
	id        string
	createdAt time.Time
	timer     *time.Timer
	done      chan protocol.Response // buffered(1); written only by the remover
}

type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add inserts a request and arms its timeout. onTimeout builds the response
// delivered if the timer wins.
func (t *pendingTable) add(id string, timeout time.Duration, onTimeout func() protocol.Response) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateRequestID
	}

	p := &pendingRequest{
		id:        id,
		createdAt: time.Now(),
		done:      make(chan protocol.Response, 1),
	}
	t.entries[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if t.remove(p) {
			p.done <- onTimeout()
		}
	})
	return p, nil
}

// remove deletes p if it is still the live entry for its id.
func (t *pendingTable) remove(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[p.id] != p {
		return false
	}
	delete(t.entries, p.id)
	return true
}

// resolve delivers resp to the live entry for id. Returns false when no entry
// exists, for example because its timeout already fired.
func (t *pendingTable) resolve(id string, resp protocol.Response) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- resp
	return true
}

// cancel removes p, stops its timer and delivers resp if p was still live.
func (t *pendingTable) cancel(p *pendingRequest, resp protocol.Response) bool {
	if !t.remove(p) {
		return false
	}
	p.timer.Stop()
	p.done <- resp
	return true
}

// drain resolves every live entry with resp and returns how many there were.
func (t *pendingTable) drain(resp func(id string) protocol.Response) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range entries {
		p.timer.Stop()
		p.done <- resp(p.id)
	}
	return len(entries)
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
