// ABOUTME: Websocket channel carrying one codec-encoded frame per websocket message.
// ABOUTME: Dials with gorilla/websocket and mirrors the socket channel's close semantics.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/vox-gateway/internal/protocol"
)

const wsHandshakeTimeout = 10 * time.Second

type wsChannel struct {
	url          string
	codec        Codec
	h            Handlers
	writeTimeout time.Duration

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex // serialises frame writes
	conn    *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// FromWebsocket wraps an upgraded server-side websocket connection.
func FromWebsocket(conn *websocket.Conn, codec Codec, h Handlers) Channel {
	return &wsChannel{
		url:          conn.RemoteAddr().String(),
		codec:        codec,
		h:            h,
		writeTimeout: DefaultWriteTimeout,
		conn:         conn,
		done:         make(chan struct{}),
	}
}

func (c *wsChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
		dialed, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", c.url, err)
		}
		conn = dialed

		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			_ = conn.Close()
			return ErrClosed
		default:
		}
		c.conn = conn
		c.mu.Unlock()
	}

	go c.readLoop(conn)
	return nil
}

func (c *wsChannel) Write(msg protocol.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := conn.WriteMessage(msgType, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.shutdown(true)
	return nil
}

func (c *wsChannel) shutdown(graceful bool) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil && graceful {
			// WriteControl may run concurrently with WriteMessage.
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
	return first
}

func (c *wsChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.shutdown(false) {
				c.h.closed(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		if c.isClosed() {
			return
		}

		var msg protocol.Message
		if err := c.codec.Decode(data, &msg); err != nil {
			c.h.failed(fmt.Errorf("skipping malformed frame: %w", err))
			continue
		}
		if msg == nil {
			continue
		}
		protocol.Normalize(msg)
		c.h.message(msg)
	}
}
