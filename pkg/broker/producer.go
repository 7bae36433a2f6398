package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"eventcast/pkg/logging"
	"eventcast/pkg/metrics"
)

var ErrTopicRequired = errors.New("broker: topic is required")

// Acks selects how much of the write the producer waits for.
type Acks int

const (
	// AcksLeader waits for the broker reply and returns write errors.
	AcksLeader Acks = iota
	// AcksNone sends without waiting for the reply.
	AcksNone
)

type ProducerMessage struct {
	Key   string
	Value []byte
}

type ProduceRequest struct {
	Topic    string
	Messages []ProducerMessage
	Acks     Acks
}

type ProducerOptions struct {
	// StreamMaxLen trims each topic to roughly this many entries.
	StreamMaxLen int64
	Retry        RetryPolicy
	// BreakerFailures consecutive failures open the circuit.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (o ProducerOptions) withDefaults() ProducerOptions {
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 10000
	}
	if o.Retry.Retries <= 0 {
		o.Retry.Retries = 3
	}
	if o.Retry.InitialRetryTime <= 0 {
		o.Retry.InitialRetryTime = 100 * time.Millisecond
	}
	if o.Retry.MaxRetryTime <= 0 {
		o.Retry.MaxRetryTime = 2 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Producer appends messages to topics on the shared connection.
type Producer struct {
	mgr     *Manager
	opts    ProducerOptions
	breaker *gobreaker.CircuitBreaker[[]string]
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
}

func NewProducer(mgr *Manager, opts ProducerOptions) *Producer {
	opts = opts.withDefaults()
	log := logging.WithComponent("broker").With().Str("role", "producer").Logger()

	breaker := gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:        "producer",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("producer circuit breaker state changed")
		},
	})

	return &Producer{
		mgr:     mgr,
		opts:    opts,
		breaker: breaker,
		log:     log,
	}
}

// Send appends the messages to the topic in order and returns the entry ids.
// With AcksNone the write happens in the background and no ids are returned.
func (p *Producer) Send(ctx context.Context, req ProduceRequest) ([]string, error) {
	if req.Topic == "" {
		return nil, ErrTopicRequired
	}
	if len(req.Messages) == 0 {
		return nil, nil
	}

	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	if req.Acks == AcksNone {
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := p.write(bg, client, req); err != nil {
				p.log.Debug().Err(err).Str("topic", req.Topic).Msg("unacknowledged send failed")
			}
		}()
		return nil, nil
	}
	return p.write(ctx, client, req)
}

// SendOne is Send for a single message.
func (p *Producer) SendOne(ctx context.Context, topic string, msg ProducerMessage) (string, error) {
	ids, err := p.Send(ctx, ProduceRequest{Topic: topic, Messages: []ProducerMessage{msg}})
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (p *Producer) write(ctx context.Context, client redis.UniversalClient, req ProduceRequest) ([]string, error) {
	ids, err := p.breaker.Execute(func() ([]string, error) {
		pipe := client.Pipeline()
		cmds := make([]*redis.StringCmd, 0, len(req.Messages))
		for _, m := range req.Messages {
			cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: req.Topic,
				MaxLen: p.opts.StreamMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"key":   m.Key,
					"value": m.Value,
				},
			}))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			ids = append(ids, cmd.Val())
		}
		return ids, nil
	})
	if err != nil {
		metrics.MessagesProduced.WithLabelValues(req.Topic, "error").Add(float64(len(req.Messages)))
		return nil, fmt.Errorf("send to %s: %w", req.Topic, err)
	}
	metrics.MessagesProduced.WithLabelValues(req.Topic, "ok").Add(float64(len(req.Messages)))
	return ids, nil
}

// connect pings the broker on first use.
func (p *Producer) connect(ctx context.Context) (redis.UniversalClient, error) {
	client, err := p.mgr.Conn()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if connected {
		return client, nil
	}

	err = retry.Do(ctx, p.opts.Retry.backoff(), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect producer: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return client, nil
}

// Disconnect forgets the connected state; the connection itself belongs to
// the Manager.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}
