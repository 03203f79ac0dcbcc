// ABOUTME: Typed synchronous publish/subscribe bus for connector lifecycle and inbound traffic.
// ABOUTME: Handlers fire in subscription order; a panicking handler is recovered and logged.

package connector

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/vox-gateway/internal/protocol"
)

// Topic names a publication stream.
type Topic string

const (
	TopicConnected    Topic = "connected"
	TopicDisconnected Topic = "disconnected"
	TopicGameEvent    Topic = "game_event"
	TopicExternalCall Topic = "external_call"
	TopicLuaRegister  Topic = "lua_register"
	TopicIPCSend      Topic = "ipc_send"
)

// Handler receives a published message.
type Handler func(protocol.Message)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans messages out to per-topic handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Topic][]subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe adds h to topic and returns a func that removes it. The returned
// func is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	// Copy on write so Publish can iterate a snapshot without holding the lock.
	next := make([]subscription, len(b.subs[topic]), len(b.subs[topic])+1)
	copy(next, b.subs[topic])
	b.subs[topic] = append(next, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[topic]
	idx := slices.IndexFunc(current, func(s subscription) bool { return s.id == id })
	if idx < 0 {
		return
	}
	b.subs[topic] = slices.Delete(slices.Clone(current), idx, idx+1)
}

// Publish delivers msg to every handler of topic, in subscription order, on the
// calling goroutine.
func (b *Bus) Publish(topic Topic, msg protocol.Message) {
	b.mu.RLock()
	snapshot := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.invoke(topic, s, msg)
	}
}

func (b *Bus) invoke(topic Topic, s subscription, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subscription", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(msg)
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
