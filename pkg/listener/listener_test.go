package listener

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcast/pkg/logging"
)

func TestMain(m *testing.M) {
	logging.Discard()
	m.Run()
}

type collector struct {
	mu     sync.Mutex
	events []map[string]any
}

func (c *collector) add(ev map[string]any) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.events...)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "2024-01-01T00:00:00Z|/a.wav|/b.jpg", EventKey(map[string]any{
		"timestamp": "2024-01-01T00:00:00Z",
		"audio_url": "/a.wav",
		"image_url": "/b.jpg",
	}))
	assert.Equal(t, "t|/nested.wav|", EventKey(map[string]any{
		"timestamp": "t",
		"data":      map[string]any{"audio_url": "/nested.wav"},
	}))
	assert.Equal(t, "||", EventKey(map[string]any{}))
	assert.Equal(t, "42||", EventKey(map[string]any{"timestamp": 42}))
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := NewSeenSet(2)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
}

func TestSeenSetDefaultCapacity(t *testing.T) {
	s := NewSeenSet(0)
	for i := 0; i < DefaultSeenCapacity+5; i++ {
		s.Add(fmt.Sprint(i))
	}
	assert.Equal(t, DefaultSeenCapacity, s.Len())
	assert.False(t, s.Has("0"))
}

func TestReadFramesDedup(t *testing.T) {
	var got collector
	l := New(Config{OnEvent: got.add})

	stream := strings.Join([]string{
		`data: {"type":"connection","message":"Connected to event stream"}`,
		``,
		`:heartbeat`,
		``,
		`data: {"id":1,"timestamp":"t1","audio_url":"/a.wav"}`,
		``,
		`data: {"id":2,"timestamp":"t1","audio_url":"/a.wav"}`,
		``,
		`data: not json`,
		``,
		`data: {"id":3,`,
		`data: "timestamp":"t2"}`,
		``,
	}, "\n")

	require.NoError(t, l.readFrames(strings.NewReader(stream)))

	events := got.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[0]["id"])
	assert.Equal(t, float64(3), events[1]["id"])
}

func sseServer(t *testing.T, frames func(conn int) []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"connection\"}\n\n")
		for _, f := range frames(n) {
			fmt.Fprintf(w, "data: %s\n\n", f)
			fl.Flush()
		}
		if n >= 3 {
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"events":[{"id":9,"timestamp":"t9","image_url":"/9.jpg"},{"id":8,"timestamp":"t8","image_url":"/8.jpg"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestRunReconnectsWithoutReplay(t *testing.T) {
	srv, conns := sseServer(t, func(conn int) []string {
		frames := []string{`{"id":1,"timestamp":"t1","audio_url":"/1.wav"}`}
		if conn >= 2 {
			frames = append(frames, `{"id":2,"timestamp":"t2","audio_url":"/2.wav"}`)
		}
		return frames
	})

	var got collector
	l := New(Config{BaseURL: srv.URL, ReconnectDelay: 10 * time.Millisecond, OnEvent: got.add})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return conns.Load() >= 3 && got.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := got.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[0]["id"])
	assert.Equal(t, float64(2), events[1]["id"])
}

func TestPreloadSuppressesKnownEvents(t *testing.T) {
	srv, _ := sseServer(t, func(conn int) []string {
		return []string{
			`{"id":9,"timestamp":"t9","image_url":"/9.jpg"}`,
			`{"id":10,"timestamp":"t10","image_url":"/10.jpg"}`,
		}
	})

	var got collector
	l := New(Config{BaseURL: srv.URL + "/", PreloadLimit: 2, ReconnectDelay: 10 * time.Millisecond, OnEvent: got.add})

	n, err := l.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool { return got.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(10), got.snapshot()[0]["id"])
}

func TestPreloadBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Preload(context.Background())
	assert.ErrorContains(t, err, "unexpected status 503")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := New(Config{BaseURL: "http://127.0.0.1:1", ReconnectDelay: time.Hour})
	assert.NoError(t, l.Run(ctx))
}
