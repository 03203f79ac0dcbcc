// ABOUTME: End-to-end tests for the gateway against a fake native process over TCP.
// ABOUTME: Covers REST routes, function dispatch, Lua calls, SSE fan-out, ledger, redis, auth and health.

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/vox-gateway/internal/auth"
	"github.com/2389/vox-gateway/internal/config"
	"github.com/2389/vox-gateway/internal/protocol"
	"github.com/2389/vox-gateway/internal/transport"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNative plays the game side of the channel. It answers every lua_call
// with result 42 and records every frame it receives.
type fakeNative struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	ch       transport.Channel
	received []protocol.Message
}

func startFakeNative(t *testing.T) *fakeNative {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n := &fakeNative{t: t, ln: ln}
	go n.accept()
	t.Cleanup(func() {
		_ = ln.Close()
		n.mu.Lock()
		if n.ch != nil {
			_ = n.ch.Close()
		}
		n.mu.Unlock()
	})
	return n
}

func (n *fakeNative) address() string {
	return "tcp://" + n.ln.Addr().String()
}

func (n *fakeNative) accept() {
	codec, _ := transport.CodecByName(transport.CodecJSON)
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		ch := transport.FromConn(conn, codec, transport.Handlers{OnMessage: n.onMessage})
		n.mu.Lock()
		n.ch = ch
		n.mu.Unlock()
		_ = ch.Open(context.Background())
	}
}

func (n *fakeNative) onMessage(m protocol.Message) {
	n.mu.Lock()
	n.received = append(n.received, m)
	ch := n.ch
	n.mu.Unlock()

	if m.Type() == protocol.TypeLuaCall {
		_ = ch.Write(protocol.Message{
			"type":    protocol.TypeLuaResponse,
			"id":      m.ID(),
			"success": true,
			"result":  float64(42),
		})
	}
}

func (n *fakeNative) send(m protocol.Message) {
	n.t.Helper()
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()
	require.NotNil(n.t, ch, "native side not connected")
	require.NoError(n.t, ch.Write(m))
}

// waitFor returns the first received frame of msgType matching pred.
func (n *fakeNative) waitFor(msgType string, pred func(protocol.Message) bool) protocol.Message {
	n.t.Helper()
	var found protocol.Message
	require.Eventually(n.t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, m := range n.received {
			if m.Type() == msgType && (pred == nil || pred(m)) {
				found = m
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no %s frame received", msgType)
	return found
}

func named(name string) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.String("name") == name }
}

type testEnv struct {
	gw     *Gateway
	native *fakeNative
	srv    *httptest.Server
}

func setupGateway(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()
	native := startFakeNative(t)

	cfg := config.Default()
	cfg.Native.Address = native.address()
	cfg.Native.RequestTimeout = 2 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &testEnv{gw: gw, native: native, srv: srv}
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, e.gw.Connector().Connect(t.Context()))
	require.Eventually(t, func() bool {
		e.native.mu.Lock()
		defer e.native.mu.Unlock()
		return e.native.ch != nil
	}, time.Second, 5*time.Millisecond)
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["code"].(string)
	return s
}

func TestRegisterListUnregister(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	status, body := doJSON(t, http.MethodPost, env.srv.URL+"/external/register", map[string]any{
		"name":        "getWeather",
		"url":         "http://localhost:9999/weather",
		"async":       true,
		"timeout":     5000,
		"description": "Current weather",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	announced := env.native.waitFor(protocol.TypeExternalRegister, named("getWeather"))
	assert.Equal(t, true, announced["async"])
	assert.Equal(t, float64(5000), announced["timeout"])

	status, body = doJSON(t, http.MethodGet, env.srv.URL+"/external/functions", nil)
	require.Equal(t, http.StatusOK, status)
	fns := body["functions"].([]any)
	require.Len(t, fns, 1)
	fn := fns[0].(map[string]any)
	assert.Equal(t, "getWeather", fn["name"])
	assert.Equal(t, "async", fn["mode"])

	status, body = doJSON(t, http.MethodDelete, env.srv.URL+"/external/register/getWeather", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	env.native.waitFor(protocol.TypeExternalUnregister, named("getWeather"))

	status, body = doJSON(t, http.MethodDelete, env.srv.URL+"/external/register/getWeather", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "INVALID_FUNCTION", errorCode(body))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	env := setupGateway(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"name":`},
		{"bad name", map[string]any{"name": "1abc", "url": "http://x.test/f"}},
		{"bad url", map[string]any{"name": "f", "url": "not a url"}},
		{"bad timeout", map[string]any{"name": "f", "url": "http://x.test/f", "timeout": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodPost, env.srv.URL+"/external/register", tt.body)
			assert.Equal(t, http.StatusInternalServerError, status)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "INVALID_ARGUMENTS", errorCode(body))
		})
	}
}

func TestFunctionsReannouncedOnConnect(t *testing.T) {
	env := setupGateway(t, nil)

	status, _ := doJSON(t, http.MethodPost, env.srv.URL+"/external/register", map[string]any{
		"name": "getPlayerName",
		"url":  "http://localhost:9999/player",
	})
	require.Equal(t, http.StatusOK, status)

	env.connect(t)
	env.native.waitFor(protocol.TypeExternalRegister, named("getPlayerName"))
}

func TestExternalCallEndToEnd(t *testing.T) {
	callee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Args map[string]any `json:"args"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		name := "Unknown"
		if req.Args["playerId"] == float64(1) {
			name = "Alice"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"result":{"name":"` + name + `"}}`))
	}))
	defer callee.Close()

	env := setupGateway(t, nil)
	env.connect(t)

	status, _ := doJSON(t, http.MethodPost, env.srv.URL+"/external/register", map[string]any{
		"name": "getPlayerName",
		"url":  callee.URL,
	})
	require.Equal(t, http.StatusOK, status)

	env.native.send(protocol.Message{
		"type":         protocol.TypeExternalCall,
		"id":           "call-1",
		"functionName": "getPlayerName",
		"args":         map[string]any{"playerId": 1},
	})

	resp := env.native.waitFor(protocol.TypeExternalResponse, func(m protocol.Message) bool { return m.ID() == "call-1" })
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "Alice", resp["name"])

	require.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, env.srv.URL+"/external/calls?function=getPlayerName", nil)
		calls, _ := body["calls"].([]any)
		return len(calls) == 1 && calls[0].(map[string]any)["callId"] == "call-1"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestExternalCallUnknownFunction(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	env.native.send(protocol.Message{
		"type":         protocol.TypeExternalCall,
		"id":           "call-x",
		"functionName": "nope",
	})

	resp := env.native.waitFor(protocol.TypeExternalResponse, func(m protocol.Message) bool { return m.ID() == "call-x" })
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "INVALID_FUNCTION", resp["error"].(map[string]any)["code"])
}

func TestLuaCall(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	status, body := doJSON(t, http.MethodPost, env.srv.URL+"/lua/call", map[string]any{
		"function": "GetTurn",
		"args":     []any{},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(42), body["result"])

	call := env.native.waitFor(protocol.TypeLuaCall, nil)
	assert.Equal(t, "GetTurn", call["function"])
	assert.NotEmpty(t, call.ID())
}

func TestLuaCallWhileDisconnected(t *testing.T) {
	env := setupGateway(t, nil)

	status, body := doJSON(t, http.MethodPost, env.srv.URL+"/lua/call", map[string]any{"function": "GetTurn"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "DLL_DISCONNECTED", errorCode(body))

	status, body = doJSON(t, http.MethodPost, env.srv.URL+"/lua/call", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INVALID_ARGUMENTS", errorCode(body))
}

func TestLuaRegisterCatalogue(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	env.native.send(protocol.Message{
		"type":        protocol.TypeLuaRegister,
		"name":        "GetPlayerGold",
		"description": "Gold for a player",
	})

	require.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, env.srv.URL+"/lua/functions", nil)
		fns, _ := body["functions"].([]any)
		return len(fns) == 1 && fns[0].(map[string]any)["name"] == "GetPlayerGold"
	}, 2*time.Second, 10*time.Millisecond)

	env.gw.Connector().Disconnect()
	assert.Empty(t, env.gw.LuaFunctions())
}

func TestStats(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	status, body := doJSON(t, http.MethodGet, env.srv.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, status)

	dll := body["dll"].(map[string]any)
	assert.Equal(t, true, dll["connected"])
	assert.Equal(t, float64(0), dll["pendingRequests"])
	assert.Equal(t, float64(0), dll["reconnectAttempts"])

	sseStats := body["sse"].(map[string]any)
	assert.Equal(t, float64(0), sseStats["activeClients"])
	assert.Equal(t, []any{}, sseStats["clientIds"])

	fns := body["functions"].(map[string]any)
	assert.Equal(t, float64(0), fns["registeredFunctions"])
	assert.Equal(t, []any{}, fns["functionNames"])
}

func TestGameEventFanOut(t *testing.T) {
	pub := &fakePublisher{}
	env := setupGateway(t, nil, WithRedisPublisher(pub))
	env.connect(t)

	resp, err := http.Get(env.srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() map[string]any {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		_, err = reader.ReadString('\n')
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &out))
		return out
	}

	assert.Equal(t, "connected", readFrame()["type"])

	env.native.send(protocol.Message{
		"type":      protocol.TypeGameEvent,
		"event":     "city_founded",
		"payload":   map[string]any{"city": "Rome"},
		"timestamp": 1700000000000,
	})

	ev := readFrame()
	assert.Equal(t, "city_founded", ev["type"])
	assert.Equal(t, map[string]any{"city": "Rome"}, ev["payload"])
	assert.Equal(t, float64(1700000000000), ev["timestamp"])

	require.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, env.srv.URL+"/events/history", nil)
		events, _ := body["events"].([]any)
		return len(events) == 1 && events[0].(map[string]any)["type"] == "city_founded"
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return pub.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestHistoryRoutesAbsentWithoutLedger(t *testing.T) {
	env := setupGateway(t, func(c *config.Config) { c.Database.Path = "" })

	resp, err := http.Get(env.srv.URL + "/events/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	env := setupGateway(t, nil)

	status, body := doJSON(t, http.MethodGet, env.srv.URL+"/events/history?limit=abc", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INVALID_ARGUMENTS", errorCode(body))
}

func TestHealthAndReadiness(t *testing.T) {
	env := setupGateway(t, nil)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		res, err := env.gw.health.Check(t.Context(), &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return res.Status
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	env.connect(t)

	resp, err = http.Get(env.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	env.gw.Connector().Disconnect()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupGateway(t, nil)
	env.connect(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "vox_native_connected 1")
	assert.Contains(t, string(data), "vox_native_connects_total")
}

func TestStatusPage(t *testing.T) {
	env := setupGateway(t, nil)

	status, _ := doJSON(t, http.MethodPost, env.srv.URL+"/external/register", map[string]any{
		"name":        "getWeather",
		"url":         "http://localhost:9999/weather",
		"description": "Weather | forecast",
	})
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(env.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page := string(data)
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "getWeather")
	assert.Contains(t, page, "disconnected")
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	secret := "a-very-secret-signing-key-of-32-bytes"
	env := setupGateway(t, func(c *config.Config) { c.Auth.JWTSecret = secret })

	resp, err := http.Get(env.srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	v, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := v.Generate("dashboard", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsBadNativeAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Native.Address = "gopher://nowhere"

	_, err := New(cfg, testLogger())
	assert.ErrorIs(t, err, transport.ErrUnsupportedScheme)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs int
}

func (f *fakePublisher) Publish(context.Context, string, any) *redis.IntCmd {
	f.mu.Lock()
	f.msgs++
	f.mu.Unlock()
	return redis.NewIntResult(1, nil)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs
}
