package hub

import (
	"bufio"
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcast/pkg/logging"
)

type fakeTransport struct {
	mu         sync.Mutex
	events     [][]byte
	heartbeats int
	failEvents bool
	failAfter  int
	closed     bool
}

func (f *fakeTransport) WriteEvent(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvents && len(f.events) >= f.failAfter {
		return errors.New("broken pipe")
	}
	f.events = append(f.events, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteHeartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvents {
		return errors.New("broken pipe")
	}
	f.heartbeats++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() ([][]byte, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.events...), f.heartbeats, f.closed
}

func TestMain(m *testing.M) {
	logging.Discard()
	m.Run()
}

func TestSubscribeSendsConnectionFrame(t *testing.T) {
	h := New(time.Hour)
	tr := &fakeTransport{}
	sub := h.Subscribe(tr)

	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, h.Count())

	events, _, _ := tr.snapshot()
	require.Len(t, events, 1)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(events[0], &frame))
	assert.Equal(t, "connection", frame["type"])
	assert.Equal(t, ConnectedMessage, frame["message"])
	assert.NotEmpty(t, frame["timestamp"])
}

func TestBroadcastRemovesOnlyFailingSubscriber(t *testing.T) {
	h := New(time.Hour)
	good1 := &fakeTransport{}
	bad := &fakeTransport{failEvents: true, failAfter: 1}
	good2 := &fakeTransport{}

	h.Subscribe(good1)
	badSub := h.Subscribe(bad)
	h.Subscribe(good2)
	require.Equal(t, 3, h.Count())

	delivered := h.Broadcast(map[string]any{"id": 1, "image_url": "/a.jpg"})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, h.Count())

	for _, tr := range []*fakeTransport{good1, good2} {
		events, _, closed := tr.snapshot()
		require.Len(t, events, 2)
		assert.JSONEq(t, `{"id":1,"image_url":"/a.jpg"}`, string(events[1]))
		assert.False(t, closed)
	}

	select {
	case <-badSub.Done():
	default:
		t.Fatal("failing subscriber should be done")
	}
	_, _, closed := bad.snapshot()
	assert.True(t, closed)
}

func TestSubscribeWithDeadTransport(t *testing.T) {
	h := New(time.Hour)
	sub := h.Subscribe(&fakeTransport{failEvents: true})

	<-sub.Done()
	assert.Zero(t, h.Count())
}

func TestConnectionFrameFirstDuringBroadcast(t *testing.T) {
	h := New(time.Hour)
	defer h.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(map[string]any{"event_type": "qa"})
			}
		}
	}()

	transports := make([]*fakeTransport, 50)
	for i := range transports {
		transports[i] = &fakeTransport{}
		h.Subscribe(transports[i])
	}
	close(stop)
	wg.Wait()

	for _, tr := range transports {
		events, _, _ := tr.snapshot()
		require.NotEmpty(t, events)

		var frame map[string]any
		require.NoError(t, json.Unmarshal(events[0], &frame))
		assert.Equal(t, "connection", frame["type"])
	}
}

func TestHeartbeat(t *testing.T) {
	h := New(10 * time.Millisecond)
	tr := &fakeTransport{}
	sub := h.Subscribe(tr)
	defer sub.Close()

	assert.Eventually(t, func() bool {
		_, beats, _ := tr.snapshot()
		return beats >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatFailureRemovesSubscriber(t *testing.T) {
	h := New(10 * time.Millisecond)
	tr := &fakeTransport{}
	sub := h.Subscribe(tr)

	tr.mu.Lock()
	tr.failEvents = true
	tr.failAfter = 100
	tr.mu.Unlock()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not removed after heartbeat failure")
	}
	assert.Zero(t, h.Count())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := New(time.Hour)
	sub := h.Subscribe(&fakeTransport{})

	sub.Close()
	sub.Close()
	assert.Zero(t, h.Count())
	assert.ErrorIs(t, sub.Send([]byte(`{}`)), ErrSubscriptionClosed)
	assert.Zero(t, h.Broadcast(map[string]int{"id": 1}))
}

func TestCloseRemovesAll(t *testing.T) {
	h := New(time.Hour)
	a := h.Subscribe(&fakeTransport{})
	b := h.Subscribe(&fakeTransport{})

	h.Close()

	assert.Zero(t, h.Count())
	<-a.Done()
	<-b.Done()
}

func TestSSETransportFrames(t *testing.T) {
	var buf bytes.Buffer
	tr := NewSSETransport(bufio.NewWriter(&buf))

	require.NoError(t, tr.WriteEvent([]byte(`{"id":1}`)))
	require.NoError(t, tr.WriteHeartbeat())
	assert.Equal(t, "data: {\"id\":1}\n\n:heartbeat\n\n", buf.String())

	require.NoError(t, tr.Close())
	assert.Error(t, tr.WriteEvent([]byte(`{}`)))
}
