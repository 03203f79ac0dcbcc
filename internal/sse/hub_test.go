// ABOUTME: Tests for the SSE hub: connected frame, fan-out isolation, keep-alives and the HTTP adapter.
// ABOUTME: Uses an in-memory stream and an httptest server for the end-to-end case.

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/vox-gateway/internal/protocol"
)

type memStream struct {
	mu     sync.Mutex
	frames []string
	fail   error
	closed bool
}

func (m *memStream) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.frames = append(m.frames, string(frame))
	return nil
}

func (m *memStream) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *memStream) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memStream) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...)
}

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
	require.True(t, strings.HasSuffix(frame, "\n\n"), "frame %q", frame)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &out))
	return out
}

func TestConnectWritesConnectedFrame(t *testing.T) {
	hub := NewHub(HubConfig{})
	stream := &memStream{}

	sub, err := hub.Connect(stream)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, sub.State())

	frames := stream.snapshot()
	require.Len(t, frames, 1)
	first := decodeFrame(t, frames[0])
	assert.Equal(t, "connected", first["type"])
	assert.Equal(t, sub.ID, first["clientId"])
	assert.NotEmpty(t, first["message"])
	assert.NotZero(t, first["timestamp"])

	stats := hub.Stats()
	assert.Equal(t, 1, stats.ActiveClients)
	assert.Equal(t, []string{sub.ID}, stats.ClientIDs)
}

// gatedStream blocks the first Send until release is closed.
type gatedStream struct {
	memStream
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStream) Send(frame []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.memStream.Send(frame)
}

func TestSubscriberCountedOnlyAfterConnectedFrame(t *testing.T) {
	hub := NewHub(HubConfig{})
	stream := &gatedStream{entered: make(chan struct{}), release: make(chan struct{})}

	done := make(chan *Subscriber, 1)
	go func() {
		sub, err := hub.Connect(stream)
		assert.NoError(t, err)
		done <- sub
	}()

	<-stream.entered
	assert.Equal(t, 0, hub.Stats().ActiveClients)
	assert.Equal(t, 0, hub.Broadcast(protocol.Envelope{Type: "early", Timestamp: 1}))

	close(stream.release)
	sub := <-done
	require.NotNil(t, sub)

	stats := hub.Stats()
	assert.Equal(t, 1, stats.ActiveClients)
	assert.Equal(t, []string{sub.ID}, stats.ClientIDs)

	frames := stream.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "connected", decodeFrame(t, frames[0])["type"])
}

func TestConnectFailureLeavesNoSubscriber(t *testing.T) {
	hub := NewHub(HubConfig{})
	stream := &memStream{fail: errors.New("broken pipe")}

	_, err := hub.Connect(stream)
	require.Error(t, err)
	assert.Equal(t, 0, hub.Stats().ActiveClients)
	assert.True(t, stream.closed)
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	hub := NewHub(HubConfig{})
	a, b := &memStream{}, &memStream{}
	_, err := hub.Connect(a)
	require.NoError(t, err)
	_, err = hub.Connect(b)
	require.NoError(t, err)

	n := hub.Broadcast(protocol.Envelope{Type: "turn_start", Payload: map[string]any{"turn": 5}, Timestamp: 1})
	assert.Equal(t, 2, n)

	for _, s := range []*memStream{a, b} {
		frames := s.snapshot()
		require.Len(t, frames, 2)
		ev := decodeFrame(t, frames[1])
		assert.Equal(t, "turn_start", ev["type"])
		assert.Equal(t, map[string]any{"turn": float64(5)}, ev["payload"])
	}
}

func TestBroadcastDropsFailedSubscriberOnly(t *testing.T) {
	hub := NewHub(HubConfig{})
	good, bad := &memStream{}, &memStream{}
	goodSub, err := hub.Connect(good)
	require.NoError(t, err)
	badSub, err := hub.Connect(bad)
	require.NoError(t, err)

	bad.setFail(errors.New("reset by peer"))
	n := hub.Broadcast(protocol.Envelope{Type: "city_founded", Timestamp: 2})

	assert.Equal(t, 1, n)
	assert.Len(t, good.snapshot(), 2)
	assert.True(t, bad.closed)
	assert.Equal(t, StateClosed, badSub.State())
	assert.Equal(t, []string{goodSub.ID}, hub.Stats().ClientIDs)
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	hub := NewHub(HubConfig{})
	assert.Equal(t, 0, hub.Broadcast(protocol.Envelope{Type: "x"}))
}

func TestBroadcastRespectsTypeFilter(t *testing.T) {
	hub := NewHub(HubConfig{})
	all, filtered := &memStream{}, &memStream{}
	_, err := hub.Connect(all)
	require.NoError(t, err)
	_, err = hub.Connect(filtered, "war_declared")
	require.NoError(t, err)

	hub.Broadcast(protocol.Envelope{Type: "turn_start"})
	hub.Broadcast(protocol.Envelope{Type: "war_declared"})

	assert.Len(t, all.snapshot(), 3)
	frames := filtered.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, "war_declared", decodeFrame(t, frames[1])["type"])
}

func TestDisconnectIsIdempotent(t *testing.T) {
	hub := NewHub(HubConfig{})
	stream := &memStream{}
	sub, err := hub.Connect(stream)
	require.NoError(t, err)

	hub.Disconnect(sub.ID)
	hub.Disconnect(sub.ID)
	hub.Disconnect("never-existed")

	assert.Equal(t, 0, hub.Stats().ActiveClients)
	assert.True(t, stream.closed)
	assert.Equal(t, 0, hub.Broadcast(protocol.Envelope{Type: "x"}))
}

func TestStatsListsClientsInConnectOrder(t *testing.T) {
	hub := NewHub(HubConfig{})
	var ids []string
	for range 5 {
		sub, err := hub.Connect(&memStream{})
		require.NoError(t, err)
		ids = append(ids, sub.ID)
	}
	stats := hub.Stats()
	assert.Equal(t, 5, stats.ActiveClients)
	assert.Equal(t, ids, stats.ClientIDs)
}

func TestKeepAliveProbesAndPrunes(t *testing.T) {
	hub := NewHub(HubConfig{KeepAlive: 10 * time.Millisecond})
	alive, dead := &memStream{}, &memStream{}
	_, err := hub.Connect(alive)
	require.NoError(t, err)
	_, err = hub.Connect(dead)
	require.NoError(t, err)
	dead.setFail(errors.New("gone"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	require.Eventually(t, func() bool {
		frames := alive.snapshot()
		return len(frames) >= 2 && frames[1] == ": keep-alive\n\n"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Stats().ActiveClients == 1 }, time.Second, 5*time.Millisecond)
}

func TestCloseRemovesEverySubscriber(t *testing.T) {
	hub := NewHub(HubConfig{})
	s1, s2 := &memStream{}, &memStream{}
	_, _ = hub.Connect(s1)
	_, _ = hub.Connect(s2)

	hub.Close()
	assert.Equal(t, 0, hub.Stats().ActiveClients)
	assert.True(t, s1.closed)
	assert.True(t, s2.closed)
}

func TestQueueStreamReportsSlowSubscriber(t *testing.T) {
	q := newQueueStream(1)
	require.NoError(t, q.Send([]byte("a")))
	assert.ErrorIs(t, q.Send([]byte("b")), ErrSlowSubscriber)

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Send([]byte("c")), ErrSubscriberClosed)
}

func TestParseTypes(t *testing.T) {
	assert.Nil(t, parseTypes(""))
	assert.Equal(t, []string{"a", "b"}, parseTypes(" a, ,b "))
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() map[string]any {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		blank, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "\n", blank)
		return decodeFrame(t, line+blank)
	}

	connected := readFrame()
	assert.Equal(t, "connected", connected["type"])

	require.Eventually(t, func() bool { return hub.Stats().ActiveClients == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast(protocol.Envelope{Type: "turn_end", Timestamp: 3})

	ev := readFrame()
	assert.Equal(t, "turn_end", ev["type"])

	resp.Body.Close()
	require.Eventually(t, func() bool { return hub.Stats().ActiveClients == 0 }, 2*time.Second, 10*time.Millisecond)
}
