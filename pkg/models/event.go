package models

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type Event struct {
	ID        int64           `json:"id"`
	EventType *string         `json:"event_type,omitempty"`
	AudioURL  *string         `json:"audio_url,omitempty"`
	ImageURL  *string         `json:"image_url,omitempty"`
	Status    *string         `json:"status,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventInput carries the externally supplied fields of an event. A nil field
// means "not provided": inserts store NULL, updates leave the column alone.
type EventInput struct {
	EventType *string
	AudioURL  *string
	ImageURL  *string
	Status    *string
	Timestamp *time.Time
	Payload   json.RawMessage
}

// UpsertKey returns the natural key column and value: image_url when present,
// audio_url otherwise.
func (in EventInput) UpsertKey() (column, value string, ok bool) {
	if in.ImageURL != nil && *in.ImageURL != "" {
		return "image_url", *in.ImageURL, true
	}
	if in.AudioURL != nil && *in.AudioURL != "" {
		return "audio_url", *in.AudioURL, true
	}
	return "", "", false
}

var knownFields = map[string]struct{}{
	"id":         {},
	"event_type": {},
	"audio_url":  {},
	"image_url":  {},
	"status":     {},
	"timestamp":  {},
	"created_at": {},
	"updated_at": {},
}

// NormalizeEvent maps an arbitrary decoded JSON object onto EventInput.
// Known keys become columns; everything else is kept in Payload. "type" is
// used as event_type when event_type is absent, and nested data.audio_url /
// data.image_url are lifted when the top-level fields are missing.
func NormalizeEvent(raw map[string]any) EventInput {
	var in EventInput
	if raw == nil {
		return in
	}

	in.EventType = stringField(raw, "event_type")
	if in.EventType == nil {
		in.EventType = stringField(raw, "type")
	}
	in.AudioURL = stringField(raw, "audio_url")
	in.ImageURL = stringField(raw, "image_url")
	in.Status = stringField(raw, "status")
	in.Timestamp = timeField(raw["timestamp"])

	if data, ok := raw["data"].(map[string]any); ok {
		if in.AudioURL == nil {
			in.AudioURL = stringField(data, "audio_url")
		}
		if in.ImageURL == nil {
			in.ImageURL = stringField(data, "image_url")
		}
	}

	extra := make(map[string]any)
	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			in.Payload = b
		}
	}
	return in
}

func stringField(m map[string]any, key string) *string {
	switch v := m[key].(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return &s
	case json.Number:
		s := v.String()
		return &s
	default:
		return nil
	}
}

func timeField(v any) *time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed
			}
		}
	case float64:
		parsed := time.UnixMilli(int64(t)).UTC()
		return &parsed
	case json.Number:
		if n, err := t.Int64(); err == nil {
			parsed := time.UnixMilli(n).UTC()
			return &parsed
		}
	case time.Time:
		return &t
	}
	return nil
}

// StringPtr is a small helper for building inputs in code and tests.
func StringPtr(s string) *string {
	return &s
}
