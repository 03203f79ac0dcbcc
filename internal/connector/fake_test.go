// ABOUTME: In-memory transport channel and factory used by connector tests.
// ABOUTME: Lets tests script open failures, observe writes and inject inbound frames.

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/vox-gateway/internal/protocol"
	"github.com/2389/vox-gateway/internal/transport"
)

var errOpenRefused = errors.New("connection refused")

type fakeChannel struct {
	h       transport.Handlers
	openErr error
	gate    chan struct{}
	writes  chan protocol.Message

	mu     sync.Mutex
	closed bool
}

func (f *fakeChannel) Open(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.openErr
}

func (f *fakeChannel) Write(msg protocol.Message) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	f.writes <- msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// deliver injects an inbound frame as if the native process sent it.
func (f *fakeChannel) deliver(msg protocol.Message) {
	f.h.OnMessage(msg)
}

// drop simulates the native process hanging up.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.h.OnClose(err)
}

func (f *fakeChannel) nextWrite(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-f.writes:
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for write")
		return nil
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	failures int // number of upcoming opens that fail
	gate     chan struct{}
	channels []*fakeChannel
}

func (f *fakeFactory) Channel(h transport.Handlers) transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := &fakeChannel{h: h, gate: f.gate, writes: make(chan protocol.Message, 64)}
	if f.failures != 0 {
		ch.openErr = errOpenRefused
		if f.failures > 0 {
			f.failures--
		}
	}
	f.channels = append(f.channels, ch)
	return ch
}

func (f *fakeFactory) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func (f *fakeFactory) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

// setupConnectorTest builds a connector over a fake factory with fast retries.
func setupConnectorTest(t *testing.T) (*Connector, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	c := New(Config{
		Factory:          factory,
		RequestTimeout:   time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)
	return c, factory
}

// collect subscribes to topic and returns a channel of published messages.
func collect(c *Connector, topic Topic) <-chan protocol.Message {
	out := make(chan protocol.Message, 64)
	c.Subscribe(topic, func(m protocol.Message) { out <- m })
	return out
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publication")
		return nil
	}
}
