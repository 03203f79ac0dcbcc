// ABOUTME: Channel interface for the native game connection and the Dialer that builds channels.
// ABOUTME: Parses tcp/unix/ws/wss addresses and selects the matching channel implementation.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/2389/vox-gateway/internal/protocol"
)

var (
	// ErrClosed is returned when writing to a channel that is not open.
	ErrClosed = errors.New("transport: channel closed")

	// ErrUnsupportedScheme is returned for addresses with an unknown scheme.
	ErrUnsupportedScheme = errors.New("transport: unsupported address scheme")
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Handlers receive channel callbacks. Any of them may be nil.
type Handlers struct {
	// OnMessage receives each decoded inbound frame.
	OnMessage func(protocol.Message)
	// OnClose fires once when the channel drops without an explicit Close.
	OnClose func(error)
	// OnError reports a non-fatal problem such as an undecodable frame.
	OnError func(error)
}

func (h Handlers) message(m protocol.Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h Handlers) closed(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

func (h Handlers) failed(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Channel is one physical connection to the native process.
type Channel interface {
	// Open establishes the connection and starts delivering callbacks.
	Open(ctx context.Context) error
	// Write sends one frame. Safe for concurrent use.
	Write(msg protocol.Message) error
	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer creates channels for a configured native address.
type Dialer struct {
	scheme       string
	target       string
	codec        Codec
	WriteTimeout time.Duration
}

// NewDialer parses address and binds it to codec.
func NewDialer(address string, codec Codec) (*Dialer, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing native address %q: %w", address, err)
	}

	d := &Dialer{scheme: u.Scheme, codec: codec, WriteTimeout: DefaultWriteTimeout}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("native address %q: missing host", address)
		}
		d.target = u.Host
	case "unix":
		d.target = u.Path
		if d.target == "" {
			d.target = u.Opaque
		}
		if d.target == "" {
			return nil, fmt.Errorf("native address %q: missing socket path", address)
		}
	case "ws", "wss":
		if u.Host == "" {
			return nil, fmt.Errorf("native address %q: missing host", address)
		}
		d.target = u.String()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return d, nil
}

// Channel returns a new, unopened channel wired to h.
func (d *Dialer) Channel(h Handlers) Channel {
	switch d.scheme {
	case "ws", "wss":
		return &wsChannel{url: d.target, codec: d.codec, h: h, writeTimeout: d.WriteTimeout, done: make(chan struct{})}
	default:
		return &socketChannel{network: d.scheme, address: d.target, codec: d.codec, h: h, writeTimeout: d.WriteTimeout, done: make(chan struct{})}
	}
}

// String renders the dial target for logs.
func (d *Dialer) String() string {
	if d.scheme == "ws" || d.scheme == "wss" {
		return d.target
	}
	return d.scheme + "://" + d.target
}

// Codec returns the codec channels use.
func (d *Dialer) Codec() Codec {
	return d.codec
}
