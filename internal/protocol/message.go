// ABOUTME: Flat message envelope for frames exchanged with the native game process.
// ABOUTME: Provides typed accessors over the type/id discriminators and payload fields.

package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Message types carried on the native channel.
const (
	TypeLuaCall            = "lua_call"
	TypeLuaResponse        = "lua_response"
	TypeLuaRegister        = "lua_register"
	TypeExternalCall       = "external_call"
	TypeExternalResponse   = "external_response"
	TypeExternalRegister   = "external_register"
	TypeExternalUnregister = "external_unregister"
	TypeGameEvent          = "game_event"
)

// Reserved envelope keys.
const (
	FieldType = "type"
	FieldID   = "id"
)

// Message is one frame on the native channel. It is a flat object so callee
// result fields can be merged alongside type and id.
type Message map[string]any

// NewMessage creates a message of the given type with optional fields copied in.
func NewMessage(msgType string, fields map[string]any) Message {
	m := make(Message, len(fields)+1)
	maps.Copy(m, fields)
	m[FieldType] = msgType
	return m
}

// Type returns the discriminator, or "" when absent or not a string.
func (m Message) Type() string {
	return m.String(FieldType)
}

// ID returns the correlation id, or "" when absent.
// Numeric ids from the native side are rendered in decimal.
func (m Message) ID() string {
	switch v := m[FieldID].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case uint64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

// SetID sets the correlation id.
func (m Message) SetID(id string) {
	m[FieldID] = id
}

// String returns a string field, or "" when absent or of another type.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns a boolean field, or false when absent.
func (m Message) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Clone returns a shallow copy safe to mutate at the top level.
func (m Message) Clone() Message {
	return maps.Clone(m)
}

// Normalize converts decoder-specific map types (CBOR decodes nested objects as
// map[any]any unless configured otherwise) into JSON-compatible values.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = Normalize(inner)
		}
		return t
	case Message:
		for k, inner := range t {
			t[k] = Normalize(inner)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = Normalize(inner)
		}
		return out
	case []any:
		for i, inner := range t {
			t[i] = Normalize(inner)
		}
		return t
	default:
		return v
	}
}

// Envelope is the unit broadcast to event subscribers.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

// EnvelopeFromGameEvent lifts a native game_event message into an Envelope.
// The event name comes from the "event" field; payload from "payload" when
// present, otherwise from the remaining fields. A missing timestamp is stamped
// with now in Unix milliseconds.
func EnvelopeFromGameEvent(m Message, now time.Time) Envelope {
	env := Envelope{
		Type: m.String("event"),
		ID:   m.ID(),
	}
	if env.Type == "" {
		env.Type = TypeGameEvent
	}

	if p, ok := m["payload"]; ok {
		env.Payload = p
	} else {
		rest := m.Clone()
		for _, k := range []string{FieldType, FieldID, "event", "timestamp"} {
			delete(rest, k)
		}
		if len(rest) > 0 {
			env.Payload = map[string]any(rest)
		}
	}

	switch ts := m["timestamp"].(type) {
	case float64:
		env.Timestamp = int64(ts)
	case int64:
		env.Timestamp = ts
	case uint64:
		env.Timestamp = int64(ts)
	default:
		env.Timestamp = now.UnixMilli()
	}
	return env
}

// Marshal renders the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
