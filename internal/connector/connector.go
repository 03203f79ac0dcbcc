// ABOUTME: Connector owning the native game channel: lifecycle, reconnection and request correlation.
// ABOUTME: Routes inbound frames to pending requests or to typed bus topics.

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/vox-gateway/internal/protocol"
	"github.com/2389/vox-gateway/internal/transport"
)

// Default timings.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// ErrDisconnected is returned to Connect callers whose attempt was abandoned by Disconnect.
var ErrDisconnected = errors.New("connector: disconnected")

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ChannelFactory builds a fresh transport channel for each connection attempt.
// *transport.Dialer satisfies it.
type ChannelFactory interface {
	Channel(h transport.Handlers) transport.Channel
}

// Config configures a Connector.
type Config struct {
	Factory          ChannelFactory
	Logger           *slog.Logger
	RequestTimeout   time.Duration
	DialTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Stats is a point-in-time view of the connector.
type Stats struct {
	Connected         bool `json:"connected"`
	PendingRequests   int  `json:"pendingRequests"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
}

// connectAttempt is one physical open in flight. Concurrent Connect calls join it.
type connectAttempt struct {
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Connector is the single owner of the native channel.
type Connector struct {
	factory        ChannelFactory
	logger         *slog.Logger
	requestTimeout time.Duration
	dialTimeout    time.Duration

	bus     *Bus
	pending *pendingTable

	mu                sync.Mutex
	state             State
	channel           transport.Channel
	attempt           *connectAttempt
	reconnectAttempts int
	lastError         error
	backoff           *backoff
	timer             *time.Timer
	epoch             uint64 // bumped by Disconnect; fences stale timers and attempts
	stopped           bool   // set by Disconnect, cleared by Connect

	writeMu sync.Mutex
}

// New creates a disconnected Connector.
func New(cfg Config) *Connector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = DefaultReconnectMax
	}

	return &Connector{
		factory:        cfg.Factory,
		logger:         logger.With("component", "connector"),
		requestTimeout: requestTimeout,
		dialTimeout:    dialTimeout,
		bus:            NewBus(logger),
		pending:        newPendingTable(),
		backoff:        newBackoff(cfg.ReconnectInitial, reconnectMax),
	}
}

// Subscribe registers h on topic. See Bus.Subscribe.
func (c *Connector) Subscribe(topic Topic, h Handler) func() {
	return c.bus.Subscribe(topic, h)
}

// Connect opens the channel. It returns immediately when already connected and
// joins an attempt already in flight rather than dialling twice. On failure the
// error is returned and background reconnection is armed.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.cancelTimerLocked()
	a, dialCtx := c.startAttemptLocked(ctx)
	c.mu.Unlock()

	return c.runAttempt(dialCtx, a, false)
}

func (c *Connector) startAttemptLocked(ctx context.Context) (*connectAttempt, context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	a := &connectAttempt{epoch: c.epoch, cancel: cancel, done: make(chan struct{})}
	c.attempt = a
	return a, dialCtx
}

// link pairs a channel with whether it dropped before the attempt that opened
// it finished. Guarded by Connector.mu.
type link struct {
	ch    transport.Channel
	dead  bool
	cause error

	// Frames read before the link is promoted are held, then delivered in
	// order once connected subscribers have run.
	inMu sync.Mutex
	live bool
	held []protocol.Message
}

func (l *link) receive(msg protocol.Message, deliver func(protocol.Message)) {
	l.inMu.Lock()
	if !l.live {
		l.held = append(l.held, msg)
		l.inMu.Unlock()
		return
	}
	l.inMu.Unlock()
	deliver(msg)
}

// release delivers held frames and lets later ones through directly. The read
// loop blocks on inMu meanwhile, so arrival order is kept.
func (l *link) release(deliver func(protocol.Message)) int {
	l.inMu.Lock()
	defer l.inMu.Unlock()
	held := l.held
	l.held = nil
	for _, msg := range held {
		deliver(msg)
	}
	l.live = true
	return len(held)
}

func (c *Connector) runAttempt(ctx context.Context, a *connectAttempt, retry bool) error {
	defer a.cancel()

	l := &link{}
	l.ch = c.factory.Channel(transport.Handlers{
		OnMessage: func(msg protocol.Message) { l.receive(msg, c.handleMessage) },
		OnClose:   func(err error) { c.handleClose(l, err) },
		OnError: func(err error) {
			c.logger.Warn("native channel error", "error", err)
		},
	})
	openErr := l.ch.Open(ctx)

	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
	}

	if a.epoch != c.epoch {
		// Disconnect ran while we were dialling.
		c.mu.Unlock()
		if openErr == nil {
			_ = l.ch.Close()
		}
		a.finish(ErrDisconnected)
		return ErrDisconnected
	}

	if openErr == nil && l.dead {
		openErr = l.cause
		if openErr == nil {
			openErr = transport.ErrClosed
		}
	}

	if openErr != nil {
		c.lastError = openErr
		if retry {
			c.reconnectAttempts++
		}
		attempts := c.reconnectAttempts
		delay := c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.logger.Warn("native connection failed",
			"error", openErr,
			"reconnect_attempts", attempts,
			"retry_in", delay,
		)
		err := fmt.Errorf("connecting to native process: %w", openErr)
		a.finish(err)
		return err
	}

	c.channel = l.ch
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.lastError = nil
	c.backoff.reset()
	c.mu.Unlock()

	c.logger.Info("=== NATIVE CONNECTED ===", "retry", retry)
	a.finish(nil)
	c.bus.Publish(TopicConnected, protocol.NewMessage(string(TopicConnected), map[string]any{
		"timestamp": time.Now().UnixMilli(),
	}))
	if n := l.release(c.handleMessage); n > 0 {
		c.logger.Debug("delivered frames received during connect", "count", n)
	}
	return nil
}

// scheduleReconnectLocked arms the single reconnect timer. Must hold mu.
func (c *Connector) scheduleReconnectLocked() time.Duration {
	if c.stopped || c.timer != nil {
		return 0
	}
	delay := c.backoff.next()
	epoch := c.epoch
	c.state = StateReconnecting
	c.timer = time.AfterFunc(delay, func() { c.reconnect(epoch) })
	return delay
}

func (c *Connector) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connector) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.state == StateConnected || c.attempt != nil {
		c.mu.Unlock()
		return
	}
	a, dialCtx := c.startAttemptLocked(context.Background())
	c.mu.Unlock()

	c.logger.Debug("retrying native connection")
	_ = c.runAttempt(dialCtx, a, true)
}

// Disconnect closes the channel, cancels reconnection and fails every pending
// request with DLL_DISCONNECTED. Safe to call repeatedly and from callbacks.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.epoch++
	c.cancelTimerLocked()
	if c.attempt != nil {
		c.attempt.cancel()
		c.attempt = nil
	}
	ch := c.channel
	c.channel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	failed := c.failPending("disconnected from native process")

	if ch != nil {
		c.logger.Info("=== NATIVE DISCONNECTED ===", "failed_requests", failed)
		c.bus.Publish(TopicDisconnected, protocol.NewMessage(string(TopicDisconnected), map[string]any{
			"reason": "disconnect requested",
		}))
	}
}

func (c *Connector) failPending(reason string) int {
	return c.pending.drain(func(id string) protocol.Response {
		return protocol.Fail(protocol.CodeDLLDisconnected, "Request %s failed: %s", id, reason)
	})
}

// handleClose runs when the channel drops without an explicit close.
func (c *Connector) handleClose(l *link, cause error) {
	c.mu.Lock()
	if c.channel == nil || c.channel != l.ch {
		// Dropped before its attempt finished, or already replaced.
		l.dead = true
		l.cause = cause
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.state = StateDisconnected
	c.lastError = cause
	c.mu.Unlock()

	failed := c.failPending("connection to native process lost")
	c.logger.Warn("native connection lost", "error", cause, "failed_requests", failed)

	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	c.bus.Publish(TopicDisconnected, protocol.NewMessage(string(TopicDisconnected), map[string]any{
		"reason": reason,
	}))

	// A disconnected handler may have called Connect or Disconnect already.
	c.mu.Lock()
	if c.state == StateDisconnected && c.channel == nil && c.attempt == nil {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
}

func (c *Connector) handleMessage(msg protocol.Message) {
	switch msg.Type() {
	case protocol.TypeGameEvent:
		c.bus.Publish(TopicGameEvent, msg)
		return
	case protocol.TypeExternalCall:
		c.bus.Publish(TopicExternalCall, msg)
		return
	case protocol.TypeLuaRegister:
		c.bus.Publish(TopicLuaRegister, msg)
		return
	}

	id := msg.ID()
	if id != "" && c.pending.resolve(id, protocol.ResponseFromMessage(msg)) {
		return
	}
	c.logger.Debug("dropping unmatched native message",
		"type", msg.Type(),
		"id", id,
	)
}

// Send writes msg as a correlated request and waits for its outcome. A missing
// id is assigned. timeout <= 0 selects the default request timeout. The result
// is always a Response; protocol failures never surface as Go errors.
func (c *Connector) Send(msg protocol.Message, timeout time.Duration) protocol.Response {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	msg = msg.Clone()
	id := msg.ID()
	if id == "" {
		id = uuid.NewString()
		msg.SetID(id)
	}

	c.mu.Lock()
	ch := c.channel
	if c.state != StateConnected || ch == nil {
		c.mu.Unlock()
		return protocol.Fail(protocol.CodeDLLDisconnected, "Not connected to native process")
	}
	// Added under mu so a concurrent Disconnect either sees it or rejects it.
	p, err := c.pending.add(id, timeout, func() protocol.Response {
		c.logger.Warn("native request timed out", "id", id, "timeout_ms", timeout.Milliseconds())
		return protocol.Fail(protocol.CodeCallTimeout, "Request %s timed out after %dms", id, timeout.Milliseconds())
	})
	c.mu.Unlock()
	if err != nil {
		return protocol.Fail(protocol.CodeInvalidArguments, "Request id %s is already pending", id)
	}

	if err := c.write(ch, msg); err != nil {
		c.pending.cancel(p, protocol.Fail(protocol.CodeDLLDisconnected, "Failed to send request %s: %v", id, err))
	}
	return <-p.done
}

// SendNoWait writes msg without correlation or timeout bookkeeping.
func (c *Connector) SendNoWait(msg protocol.Message) protocol.Response {
	c.mu.Lock()
	ch := c.channel
	connected := c.state == StateConnected && ch != nil
	c.mu.Unlock()

	if !connected {
		return protocol.Fail(protocol.CodeDLLDisconnected, "Not connected to native process")
	}
	if err := c.write(ch, msg); err != nil {
		return protocol.Fail(protocol.CodeDLLDisconnected, "Failed to send message: %v", err)
	}
	return protocol.Response{Success: true}
}

// write is the only path onto the channel; it mirrors each frame on ipc_send.
func (c *Connector) write(ch transport.Channel, msg protocol.Message) error {
	c.writeMu.Lock()
	err := ch.Write(msg)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.bus.Publish(TopicIPCSend, msg)
	return nil
}

// IsConnected reports whether the state is Connected.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent connection failure, or nil.
func (c *Connector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Stats returns a snapshot of connection and correlation counters.
func (c *Connector) Stats() Stats {
	c.mu.Lock()
	connected := c.state == StateConnected
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	return Stats{
		Connected:         connected,
		PendingRequests:   c.pending.size(),
		ReconnectAttempts: attempts,
	}
}
