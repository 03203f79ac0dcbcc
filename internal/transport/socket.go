// ABOUTME: Stream-socket channel (tcp or unix) framed with a Codec.
// ABOUTME: Owns a read goroutine that decodes frames and reports drops once.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/2389/vox-gateway/internal/protocol"
)

type socketChannel struct {
	network      string
	address      string
	codec        Codec
	h            Handlers
	writeTimeout time.Duration

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex // serialises frame writes
	conn    net.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// FromConn wraps an accepted connection. Open starts the read loop without
// dialling. Used by peers that sit on the listening side of the channel.
func FromConn(conn net.Conn, codec Codec, h Handlers) Channel {
	return &socketChannel{
		network:      conn.RemoteAddr().Network(),
		address:      conn.RemoteAddr().String(),
		codec:        codec,
		h:            h,
		writeTimeout: DefaultWriteTimeout,
		conn:         conn,
		done:         make(chan struct{}),
	}
}

func (c *socketChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		var d net.Dialer
		dialed, err := d.DialContext(ctx, c.network, c.address)
		if err != nil {
			return fmt.Errorf("dialing %s %s: %w", c.network, c.address, err)
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

func (c *socketChannel) Write(msg protocol.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
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
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *socketChannel) Close() error {
	c.shutdown()
	return nil
}

// shutdown closes the channel and reports whether this call did it.
func (c *socketChannel) shutdown() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return first
}

func (c *socketChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *socketChannel) readLoop(conn net.Conn) {
	dec := c.codec.NewDecoder(bufio.NewReader(conn))
	for {
		var msg protocol.Message
		err := dec.Decode(&msg)
		if err != nil {
			if c.codec.Recoverable(err) && !c.isClosed() {
				c.h.failed(fmt.Errorf("skipping malformed frame: %w", err))
				continue
			}
			if c.shutdown() {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("native peer closed the connection: %w", err)
				}
				c.h.closed(err)
			}
			return
		}
		if c.isClosed() {
			return
		}
		if msg == nil {
			continue
		}
		protocol.Normalize(msg)
		c.h.message(msg)
	}
}
