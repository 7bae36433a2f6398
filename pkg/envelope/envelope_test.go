package envelope

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  map[string]any
	}{
		{"object", `{"event_type":"qa","image_url":"/i.png"}`, map[string]any{"event_type": "qa", "image_url": "/i.png"}},
		{"plain text", `camera 3 offline`, map[string]any{"type": "raw", "value": "camera 3 offline"}},
		{"truncated json", `{"event_type":`, map[string]any{"type": "raw", "value": `{"event_type":`}},
		{"json array", `[1,2]`, map[string]any{"type": "raw", "value": "[1,2]"}},
		{"json string", `"hello"`, map[string]any{"type": "raw", "value": `"hello"`}},
		{"two objects", `{} {}`, map[string]any{"type": "raw", "value": "{} {}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodePayload([]byte(tt.value)))
		})
	}
}

func TestDecodePayloadBlankIsRaw(t *testing.T) {
	want := map[string]any{"type": "raw", "value": ""}
	assert.Equal(t, want, DecodePayload(nil))
	assert.Equal(t, want, DecodePayload([]byte("   ")))
	assert.Equal(t, want, DecodePayload([]byte("\n\t")))
}

func TestDecodePayloadRepairsInvalidUTF8(t *testing.T) {
	got := DecodePayload([]byte{'o', 'k', 0xff})
	require.Equal(t, TypeRaw, got["type"])
	assert.Equal(t, "ok�", got["value"])
}

func TestNewEventUpdated(t *testing.T) {
	env, err := NewEventUpdated(map[string]any{"id": 4})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "EventUpdated", decoded["type"])
	assert.Equal(t, map[string]any{"id": float64(4)}, decoded["data"])
	assert.NotEmpty(t, decoded["timestamp"])

	back, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeEventUpdated, back.Type)
	assert.JSONEq(t, `{"id":4}`, string(back.Data))
}

func TestNewConnection(t *testing.T) {
	env := NewConnection("Connected to event stream")
	assert.Equal(t, TypeConnection, env.Type)
	assert.Equal(t, "Connected to event stream", env.Message)
	assert.NotEmpty(t, env.Timestamp)
}
