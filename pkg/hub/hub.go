package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcast/pkg/envelope"
	"eventcast/pkg/logging"
	"eventcast/pkg/metrics"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	ConnectedMessage         = "Connected to event stream"
)

var ErrSubscriptionClosed = errors.New("hub: subscription closed")

// Transport is the write side of one push-channel connection.
type Transport interface {
	WriteEvent(data []byte) error
	WriteHeartbeat() error
	Close() error
}

// Subscription is one registered subscriber. Writes to its transport are
// serialized.
type Subscription struct {
	id          string
	connectedAt time.Time
	transport   Transport
	hub         *Hub

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) ConnectedAt() time.Time {
	return s.connectedAt
}

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close deregisters the subscription; used when the transport reports
// close or error.
func (s *Subscription) Close() {
	s.hub.remove(s, "closed")
}

// Send writes a frame to this subscriber only. A failed write removes it.
func (s *Subscription) Send(data []byte) error {
	err := s.write(func(t Transport) error { return t.WriteEvent(data) })
	if err != nil && !errors.Is(err, ErrSubscriptionClosed) {
		s.hub.fail(s, err)
	}
	return err
}

func (s *Subscription) write(frame func(Transport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	return frame(s.transport)
}

// Hub keeps the set of live push-channel subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	heartbeat time.Duration
	log       zerolog.Logger
}

func New(heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Hub{
		subs:      make(map[string]*Subscription),
		heartbeat: heartbeat,
		log:       logging.WithComponent("hub"),
	}
}

// Subscribe sends the connection frame, registers the transport and starts
// the heartbeat. If the connection frame cannot be written the returned
// subscription is already done.
func (h *Hub) Subscribe(t Transport) *Subscription {
	sub := &Subscription{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		transport:   t,
		hub:         h,
		done:        make(chan struct{}),
	}

	// The connection frame goes out before the subscriber is visible to
	// Broadcast.
	ack, err := envelope.NewConnection(ConnectedMessage).Marshal()
	if err == nil {
		err = sub.write(func(t Transport) error { return t.WriteEvent(ack) })
	}
	if err != nil {
		h.fail(sub, err)
		return sub
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()
	metrics.Subscribers.Set(float64(count))

	h.log.Info().Str("subscriber", sub.id).Int("total", count).Msg("subscriber connected")

	go h.keepAlive(sub)
	return sub
}

func (h *Hub) keepAlive(sub *Subscription) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			err := sub.write(func(t Transport) error { return t.WriteHeartbeat() })
			if err != nil {
				h.fail(sub, err)
				return
			}
		}
	}
}

// Broadcast encodes v once and writes it to every subscriber. Subscribers
// whose write fails are removed; the rest still receive the frame. It
// returns the number of successful deliveries.
func (h *Hub) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}
	metrics.BroadcastsTotal.Inc()

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		err := sub.write(func(t Transport) error { return t.WriteEvent(data) })
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSubscriptionClosed):
		default:
			h.fail(sub, err)
		}
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.remove(sub, "shutdown")
	}
}

func (h *Hub) fail(sub *Subscription, err error) {
	metrics.SubscriberWriteFailures.Inc()
	h.log.Warn().Err(err).Str("subscriber", sub.id).Msg("subscriber write failed")
	h.remove(sub, "write failed")
}

func (h *Hub) remove(sub *Subscription, reason string) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	count := len(h.subs)
	h.mu.Unlock()

	sub.once.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		if err := sub.transport.Close(); err != nil {
			h.log.Debug().Err(err).Str("subscriber", sub.id).Msg("transport close failed")
		}
		sub.mu.Unlock()
		close(sub.done)
	})

	if present {
		metrics.Subscribers.Set(float64(count))
		h.log.Info().Str("subscriber", sub.id).Str("reason", reason).Int("total", count).Msg("subscriber disconnected")
	}
}
