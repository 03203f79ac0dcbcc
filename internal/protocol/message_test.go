// ABOUTME: Tests for the native message envelope helpers.
// ABOUTME: Covers id rendering, game event lifting and response interpretation.

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageID(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"string id", Message{"id": "call-1"}, "call-1"},
		{"json number id", Message{"id": float64(42)}, "42"},
		{"cbor unsigned id", Message{"id": uint64(7)}, "7"},
		{"missing id", Message{"type": "game_event"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.ID())
		})
	}
}

func TestNewMessageKeepsTypeAuthoritative(t *testing.T) {
	msg := NewMessage(TypeExternalRegister, map[string]any{"type": "bogus", "name": "fn"})

	assert.Equal(t, TypeExternalRegister, msg.Type())
	assert.Equal(t, "fn", msg.String("name"))
}

func TestEnvelopeFromGameEvent(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("explicit payload and timestamp", func(t *testing.T) {
		env := EnvelopeFromGameEvent(Message{
			"type":      "game_event",
			"id":        "evt-1",
			"event":     "PlayerDoTurn",
			"payload":   map[string]any{"player": float64(1)},
			"timestamp": float64(1234),
		}, now)

		assert.Equal(t, "PlayerDoTurn", env.Type)
		assert.Equal(t, "evt-1", env.ID)
		assert.Equal(t, int64(1234), env.Timestamp)
		assert.Equal(t, map[string]any{"player": float64(1)}, env.Payload)
	})

	t.Run("remaining fields become payload", func(t *testing.T) {
		env := EnvelopeFromGameEvent(Message{"type": "game_event", "turn": float64(3)}, now)

		assert.Equal(t, TypeGameEvent, env.Type)
		assert.Equal(t, now.UnixMilli(), env.Timestamp)
		assert.Equal(t, map[string]any{"turn": float64(3)}, env.Payload)
	})
}

func TestResponseFromMessage(t *testing.T) {
	t.Run("result field", func(t *testing.T) {
		resp := ResponseFromMessage(Message{"id": "1", "type": "lua_response", "success": true, "result": "ok"})
		assert.True(t, resp.Success)
		assert.Equal(t, "ok", resp.Result)
	})

	t.Run("failure carries error", func(t *testing.T) {
		resp := ResponseFromMessage(Message{
			"id":      "1",
			"success": false,
			"error":   map[string]any{"code": "INVALID_FUNCTION", "message": "nope"},
		})
		require.False(t, resp.Success)
		assert.Equal(t, CodeInvalidFunction, resp.Code())
		assert.Equal(t, "nope", resp.Error.Message)
	})

	t.Run("bare fields become result", func(t *testing.T) {
		resp := ResponseFromMessage(Message{"id": "1", "type": "lua_response", "name": "Alice"})
		assert.True(t, resp.Success)
		assert.Equal(t, map[string]any{"name": "Alice"}, resp.Result)
	})
}

func TestNormalizeConvertsAnyKeyedMaps(t *testing.T) {
	got := Normalize(map[string]any{
		"nested": map[any]any{"a": uint64(1), 2: "two"},
		"list":   []any{map[any]any{"k": "v"}},
	})

	assert.Equal(t, map[string]any{
		"nested": map[string]any{"a": uint64(1), "2": "two"},
		"list":   []any{map[string]any{"k": "v"}},
	}, got)
}
