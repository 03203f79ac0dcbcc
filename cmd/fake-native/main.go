// ABOUTME: Fake native process for local testing: plays the game side of the gateway channel.
// ABOUTME: Usage: fake-native [--listen tcp://127.0.0.1:7771] [--codec json] [--interval 2s]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/vox-gateway/internal/protocol"
	"github.com/2389/vox-gateway/internal/transport"
)

var luaFunctions = map[string]string{
	"GetTurn":       "Current game turn",
	"GetPlayerGold": "Treasury of a player",
}

func main() {
	listen := pflag.String("listen", "tcp://127.0.0.1:7771", "address to accept the gateway on (tcp://, unix://, ws://)")
	codecName := pflag.String("codec", transport.CodecJSON, "frame codec (json or cbor)")
	interval := pflag.Duration("interval", 2*time.Second, "delay between synthetic game events")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *listen, *codecName, *interval, logger); err != nil {
		logger.Error("fake-native failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, listen, codecName string, interval time.Duration, logger *slog.Logger) error {
	codec, err := transport.CodecByName(codecName)
	if err != nil {
		return err
	}
	u, err := url.Parse(listen)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}

	newGame := func(attach func(transport.Handlers) transport.Channel) {
		g := &game{logger: logger, interval: interval, functions: map[string]bool{}, done: make(chan struct{})}
		g.ch = attach(transport.Handlers{
			OnMessage: g.handle,
			OnClose: func(err error) {
				logger.Info("gateway disconnected", "error", err)
				g.stop()
			},
		})
		go g.play(ctx)
	}

	switch u.Scheme {
	case "tcp", "unix":
		addr := u.Host
		if u.Scheme == "unix" {
			addr = u.Path
			_ = os.Remove(addr)
		}
		ln, err := net.Listen(u.Scheme, addr)
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()
		logger.Info("waiting for gateway", "addr", listen)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting: %w", err)
			}
			logger.Info("gateway connected", "remote", conn.RemoteAddr().String())
			newGame(func(h transport.Handlers) transport.Channel {
				return transport.FromConn(conn, codec, h)
			})
		}

	case "ws":
		upgrader := websocket.Upgrader{}
		mux := http.NewServeMux()
		path := u.Path
		if path == "" {
			path = "/"
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				logger.Warn("websocket upgrade failed", "error", err)
				return
			}
			logger.Info("gateway connected", "remote", r.RemoteAddr)
			newGame(func(h transport.Handlers) transport.Channel {
				return transport.FromWebsocket(conn, codec, h)
			})
		})
		srv := &http.Server{Addr: u.Host, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		logger.Info("waiting for gateway", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unsupported listen scheme %q", u.Scheme)
	}
}

// game is one gateway session.
type game struct {
	logger   *slog.Logger
	interval time.Duration
	ch       transport.Channel

	mu        sync.Mutex
	turn      int
	functions map[string]bool
	done      chan struct{}
	once      sync.Once
}

func (g *game) stop() {
	g.once.Do(func() { close(g.done) })
}

func (g *game) send(m protocol.Message) {
	if err := g.ch.Write(m); err != nil {
		g.logger.Warn("write failed", "type", m.Type(), "error", err)
	}
}

// play announces Lua functions, then emits a turn event every interval and
// calls one registered external function per turn.
func (g *game) play(ctx context.Context) {
	if err := g.ch.Open(ctx); err != nil {
		g.logger.Error("opening channel", "error", err)
		return
	}
	for name, desc := range luaFunctions {
		g.send(protocol.Message{"type": protocol.TypeLuaRegister, "name": name, "description": desc})
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = g.ch.Close()
			return
		case <-g.done:
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		g.turn++
		turn := g.turn
		var target string
		for name := range g.functions {
			target = name
			break
		}
		g.mu.Unlock()

		g.send(protocol.Message{
			"type":      protocol.TypeGameEvent,
			"id":        uuid.New().String(),
			"event":     "turn_started",
			"payload":   map[string]any{"turn": turn, "player": turn % 4},
			"timestamp": time.Now().UnixMilli(),
		})

		if target != "" {
			g.send(protocol.Message{
				"type":         protocol.TypeExternalCall,
				"id":           uuid.New().String(),
				"functionName": target,
				"args":         map[string]any{"turn": turn},
			})
		}
	}
}

func (g *game) handle(m protocol.Message) {
	switch m.Type() {
	case protocol.TypeLuaCall:
		fn := m.String("function")
		if _, ok := luaFunctions[fn]; !ok {
			g.send(protocol.Message{
				"type":    protocol.TypeLuaResponse,
				"id":      m.ID(),
				"success": false,
				"error":   map[string]any{"code": string(protocol.CodeInvalidFunction), "message": "Unknown Lua function " + fn},
			})
			return
		}
		g.mu.Lock()
		turn := g.turn
		g.mu.Unlock()
		result := any(turn)
		if fn == "GetPlayerGold" {
			result = 100 + turn*7
		}
		g.send(protocol.Message{"type": protocol.TypeLuaResponse, "id": m.ID(), "success": true, "result": result})

	case protocol.TypeExternalRegister:
		g.mu.Lock()
		g.functions[m.String("name")] = true
		g.mu.Unlock()
		g.logger.Info("external function registered", "name", m.String("name"), "async", m.Bool("async"))

	case protocol.TypeExternalUnregister:
		g.mu.Lock()
		delete(g.functions, m.String("name"))
		g.mu.Unlock()
		g.logger.Info("external function unregistered", "name", m.String("name"))

	case protocol.TypeExternalResponse:
		g.logger.Info("external response", "id", m.ID(), "success", m.Bool("success"))

	default:
		g.logger.Info("unhandled frame", "type", m.Type())
	}
}
