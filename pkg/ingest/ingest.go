package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventcast/pkg/broker"
	"eventcast/pkg/envelope"
	"eventcast/pkg/logging"
	"eventcast/pkg/metrics"
	"eventcast/pkg/models"
)

// ErrQueueDisabled wraps the reason queue ingestion is off.
var ErrQueueDisabled = errors.New("queue ingestion disabled")

const DefaultProbeTimeout = 5 * time.Second

type Store interface {
	Create(ctx context.Context, in models.EventInput) (models.Event, error)
}

type Broadcaster interface {
	Broadcast(v any) int
}

// QueueConsumer is the subset of *broker.Consumer the service drives.
type QueueConsumer interface {
	Connect(ctx context.Context, cfg broker.ConsumerConfig) error
	Consume(ctx context.Context, req broker.ConsumeRequest) error
	Disconnect(ctx context.Context) error
	Status() broker.Status
}

type Config struct {
	Topics        []string
	FromBeginning bool
	ProbeTimeout  time.Duration
	Consumer      broker.ConsumerConfig
}

type Status struct {
	QueueEnabled bool     `json:"queue_enabled"`
	Connected    bool     `json:"connected"`
	Running      bool     `json:"running"`
	Topics       []string `json:"topics"`
	GroupID      string   `json:"group_id"`
	Reason       string   `json:"reason,omitempty"`
}

// Service persists incoming events and broadcasts them. Webhook and queue
// input share the same path.
type Service struct {
	store    Store
	hub      Broadcaster
	consumer QueueConsumer
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	enabled  bool
	queueErr error
}

// NewService wires the pipeline. consumer may be nil, which leaves queue
// ingestion disabled.
func NewService(store Store, hub Broadcaster, consumer QueueConsumer, cfg Config) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Consumer.GroupID == "" {
		cfg.Consumer.GroupID = broker.DefaultGroupID
	}
	return &Service{
		store:    store,
		hub:      hub,
		consumer: consumer,
		cfg:      cfg,
		log:      logging.WithComponent("ingest"),
		queueErr: fmt.Errorf("%w: not started", ErrQueueDisabled),
	}
}

// HandleWebhook stamps a timestamp when the body has none, stores the event
// and broadcasts the stored record. Nothing is broadcast if the store fails.
func (s *Service) HandleWebhook(ctx context.Context, body map[string]any) (models.Event, error) {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	if ts, ok := payload["timestamp"]; !ok || ts == nil || ts == "" {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	ev, err := s.store.Create(ctx, models.NormalizeEvent(payload))
	if err != nil {
		metrics.EventsIngested.WithLabelValues("webhook", "error").Inc()
		return models.Event{}, fmt.Errorf("store webhook event: %w", err)
	}

	metrics.EventsIngested.WithLabelValues("webhook", "stored").Inc()
	s.hub.Broadcast(ev)
	return ev, nil
}

// HandleMessage is the queue handler. Non-JSON values, blank ones included,
// are wrapped as raw events. When the store fails the decoded payload is
// broadcast anyway.
func (s *Service) HandleMessage(ctx context.Context, msg broker.Message, heartbeat broker.Heartbeat) error {
	payload := envelope.DecodePayload(msg.Value)

	ev, err := s.store.Create(ctx, models.NormalizeEvent(payload))
	if err != nil {
		metrics.EventsIngested.WithLabelValues("queue", "degraded").Inc()
		s.log.Warn().Err(err).Str("topic", msg.Topic).Str("id", msg.ID).Msg("failed to store queue event, broadcasting payload")
		s.hub.Broadcast(payload)
		return nil
	}

	metrics.EventsIngested.WithLabelValues("queue", "stored").Inc()
	s.hub.Broadcast(ev)

	if heartbeat != nil {
		if err := heartbeat(ctx); err != nil {
			s.log.Debug().Err(err).Str("id", msg.ID).Msg("heartbeat failed")
		}
	}
	return nil
}

// Start probes the broker within ProbeTimeout and starts consuming. Broker
// problems only disable queue ingestion; Start itself returns nil.
func (s *Service) Start(ctx context.Context) error {
	if s.consumer == nil {
		s.disable(fmt.Errorf("%w: no consumer configured", ErrQueueDisabled))
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := s.consumer.Connect(probeCtx, s.cfg.Consumer)
	cancel()
	if err != nil {
		if errors.Is(err, broker.ErrNoBrokers) {
			s.log.Warn().Msg("no broker addresses configured, queue ingestion disabled")
		} else {
			s.log.Warn().Err(err).Dur("timeout", s.cfg.ProbeTimeout).Msg("broker unreachable, queue ingestion disabled")
		}
		s.consumer.Disconnect(ctx)
		s.disable(fmt.Errorf("%w: %v", ErrQueueDisabled, err))
		return nil
	}

	err = s.consumer.Consume(ctx, broker.ConsumeRequest{
		Topics:        s.cfg.Topics,
		FromBeginning: s.cfg.FromBeginning,
		Config:        s.cfg.Consumer,
		OnMessage:     s.HandleMessage,
	})
	if err != nil {
		s.log.Warn().Err(err).Strs("topics", s.cfg.Topics).Msg("failed to start consumer, queue ingestion disabled")
		s.consumer.Disconnect(ctx)
		s.disable(fmt.Errorf("%w: %v", ErrQueueDisabled, err))
		return nil
	}

	s.mu.Lock()
	s.enabled = true
	s.queueErr = nil
	s.mu.Unlock()
	metrics.QueueEnabled.Set(1)

	s.log.Info().Strs("topics", s.cfg.Topics).Str("group", s.cfg.Consumer.GroupID).Msg("queue ingestion started")
	return nil
}

// Stop disconnects the consumer. Safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	wasEnabled := s.enabled
	s.mu.Unlock()

	if s.consumer != nil && wasEnabled {
		s.consumer.Disconnect(ctx)
	}
	s.disable(fmt.Errorf("%w: stopped", ErrQueueDisabled))
}

// QueueErr is nil while queue ingestion runs; otherwise it wraps
// ErrQueueDisabled with the reason.
func (s *Service) QueueErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueErr
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		QueueEnabled: s.enabled,
		Topics:       append([]string{}, s.cfg.Topics...),
		GroupID:      s.cfg.Consumer.GroupID,
	}
	if s.queueErr != nil {
		st.Reason = s.queueErr.Error()
	}
	s.mu.Unlock()

	if s.consumer != nil {
		cs := s.consumer.Status()
		st.Connected = cs.Connected
		st.Running = cs.Running
	}
	return st
}

func (s *Service) disable(reason error) {
	s.mu.Lock()
	s.enabled = false
	s.queueErr = reason
	s.mu.Unlock()
	metrics.QueueEnabled.Set(0)
}
