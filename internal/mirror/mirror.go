// ABOUTME: Mirrors broadcast game events onto a Redis pub/sub channel.
// ABOUTME: Publishes from a single worker fed by a bounded queue so fan-out never waits on Redis.

// Package mirror republishes game events to Redis for consumers outside the
// gateway process.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/protocol"
)

const (
	// DefaultChannel is the pub/sub channel events are published on.
	DefaultChannel = "vox:game_events"

	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// Publisher is the slice of the Redis client the mirror uses. *redis.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Options configures a Mirror.
type Options struct {
	Channel   string
	QueueSize int
	Logger    *slog.Logger
}

// Mirror publishes envelopes to Redis.
type Mirror struct {
	pub     Publisher
	channel string
	queue   chan []byte
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Dial connects to Redis at addr and pings it before returning.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// New starts a mirror over pub.
func New(pub Publisher, opts Options) *Mirror {
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		pub:     pub,
		channel: channel,
		queue:   make(chan []byte, size),
		logger:  logger.With("component", "redis_mirror"),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Channel returns the pub/sub channel name.
func (m *Mirror) Channel() string {
	return m.channel
}

// Publish queues env for publication. It never blocks.
func (m *Mirror) Publish(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("failed to encode event", "type", env.Type, "error", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- data:
	default:
		metrics.QueueDropsTotal.WithLabelValues("redis").Inc()
		m.logger.Warn("redis queue full, dropping event", "type", env.Type)
	}
}

func (m *Mirror) loop() {
	defer m.wg.Done()
	for data := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := m.pub.Publish(ctx, m.channel, data).Err(); err != nil {
			m.logger.Error("redis publish failed", "channel", m.channel, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
}
