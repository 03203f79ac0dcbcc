// ABOUTME: Broadcast hub that fans game events out to SSE subscribers with per-subscriber isolation.
// ABOUTME: Tracks subscriber ids, sends the connected frame, keep-alives and removes failed streams.

package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/protocol"
)

const (
	// DefaultKeepAlive is the idle probe cadence.
	DefaultKeepAlive = 15 * time.Second

	// DefaultBufferSize is the per-subscriber frame queue length.
	DefaultBufferSize = 64

	connectedMessage = "Connected to game event stream"
)

var keepAliveFrame = []byte(": keep-alive\n\n")

// ErrSubscriberClosed is returned when sending to a closed subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Stream is one subscriber's output. Send must not block.
type Stream interface {
	Send(frame []byte) error
	Close()
}

// State is a subscriber's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// Subscriber is one open event stream.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	seq    uint64
	types  map[string]bool // nil means every type
	stream Stream

	mu    sync.Mutex
	state State
}

// State returns the subscriber's lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) wants(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

func (s *Subscriber) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSubscriberClosed
	}
	return s.stream.Send(frame)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.stream.Close()
}

// Stats describes the live subscriber set.
type Stats struct {
	ActiveClients int      `json:"activeClients"`
	ClientIDs     []string `json:"clientIds"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	Logger     *slog.Logger
	KeepAlive  time.Duration
	BufferSize int
}

// Hub owns the subscriber set.
type Hub struct {
	logger     *slog.Logger
	keepAlive  time.Duration
	bufferSize int

	mu   sync.RWMutex
	subs map[string]*Subscriber
	seq  uint64
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:     logger.With("component", "sse_hub"),
		keepAlive:  keepAlive,
		bufferSize: bufferSize,
		subs:       make(map[string]*Subscriber),
	}
}

// Connect registers stream and writes its connected frame. types, when
// non-empty, restricts which envelope types the subscriber receives.
func (h *Hub) Connect(stream Stream, types ...string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		stream:      stream,
		state:       StateConnecting,
	}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	frame, err := dataFrame(map[string]any{
		"type":      "connected",
		"clientId":  sub.ID,
		"timestamp": sub.ConnectedAt.UnixMilli(),
		"message":   connectedMessage,
	})
	if err != nil {
		return nil, err
	}

	// The subscriber joins the set only once its connected frame is out, so
	// neither a broadcast nor the active count can get ahead of it.
	sub.mu.Lock()
	err = stream.Send(frame)
	if err == nil {
		sub.state = StateOpen
	}
	sub.mu.Unlock()

	if err != nil {
		sub.close()
		metrics.SubscriberDropsTotal.WithLabelValues("connect_failed").Inc()
		return nil, fmt.Errorf("writing connected frame: %w", err)
	}

	h.mu.Lock()
	h.seq++
	sub.seq = h.seq
	h.subs[sub.ID] = sub
	active := len(h.subs)
	h.mu.Unlock()

	h.logger.Info("subscriber connected",
		"client_id", sub.ID,
		"active_clients", active,
	)
	return sub, nil
}

// Disconnect removes a subscriber. Unknown or already removed ids are a no-op.
func (h *Hub) Disconnect(id string) {
	h.remove(id, "closed")
}

func (h *Hub) remove(id, reason string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	active := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	sub.close()
	metrics.SubscriberDropsTotal.WithLabelValues(reason).Inc()
	h.logger.Info("subscriber removed",
		"client_id", id,
		"reason", reason,
		"active_clients", active,
	)
	return true
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Subscriber) int { return int(a.seq) - int(b.seq) })
	return out
}

// Broadcast delivers env to every open subscriber and returns how many
// accepted it. Failed subscribers are removed; the rest still receive it.
func (h *Hub) Broadcast(env protocol.Envelope) int {
	frame, err := dataFrame(env)
	if err != nil {
		h.logger.Error("failed to encode event", "type", env.Type, "error", err)
		return 0
	}
	metrics.BroadcastsTotal.Inc()

	delivered := 0
	for _, sub := range h.snapshot() {
		if !sub.wants(env.Type) {
			continue
		}
		if err := sub.send(frame); err != nil {
			h.logger.Warn("dropping subscriber after failed write",
				"client_id", sub.ID,
				"error", err,
			)
			h.remove(sub.ID, "write_failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Run sends keep-alive probes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe()
		}
	}
}

func (h *Hub) probe() {
	for _, sub := range h.snapshot() {
		if err := sub.send(keepAliveFrame); err != nil {
			h.remove(sub.ID, "keepalive_failed")
		}
	}
}

// Stats returns the live subscriber count and ids in connect order.
func (h *Hub) Stats() Stats {
	subs := h.snapshot()
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	return Stats{ActiveClients: len(ids), ClientIDs: ids}
}

// Close removes every subscriber.
func (h *Hub) Close() {
	for _, sub := range h.snapshot() {
		h.remove(sub.ID, "shutdown")
	}
}

func dataFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.Grow(len(data) + 8)
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String()), nil
}
