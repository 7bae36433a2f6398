package envelope

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	TypeEventUpdated = "EventUpdated"
	TypeRaw          = "raw"
	TypeConnection   = "connection"
	TypeHeartbeat    = "heartbeat"
)

// Envelope is the message published on the producer topic and used for
// control frames on the push channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func New(msgType string) Envelope {
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func NewEvent(msgType string, data interface{}) (Envelope, error) {
	e := New(msgType)
	raw, err := json.Marshal(data)
	if err != nil {
		return e, err
	}
	e.Data = raw
	return e, nil
}

// NewEventUpdated wraps an updated record for the producer topic.
func NewEventUpdated(data interface{}) (Envelope, error) {
	return NewEvent(TypeEventUpdated, data)
}

// NewConnection is the first frame every push-channel subscriber receives.
func NewConnection(message string) Envelope {
	e := New(TypeConnection)
	e.Message = message
	return e
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// Raw wraps text that is not a JSON object.
func Raw(value string) map[string]any {
	return map[string]any{"type": TypeRaw, "value": value}
}

// DecodePayload turns a queue message value into a JSON object. Invalid UTF-8
// is repaired and anything that is not a JSON object is wrapped with Raw. An
// empty or blank value becomes a raw event with an empty value.
func DecodePayload(value []byte) map[string]any {
	if len(bytes.TrimSpace(value)) == 0 {
		return Raw("")
	}
	text := string(value)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	var parsed any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil || dec.More() {
		return Raw(text)
	}
	if obj, ok := parsed.(map[string]any); ok {
		return obj
	}
	return Raw(strings.TrimSpace(text))
}
