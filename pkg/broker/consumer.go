package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"eventcast/pkg/logging"
	"eventcast/pkg/metrics"
)

var (
	ErrNoTopics        = errors.New("broker: at least one topic is required")
	ErrHandlerRequired = errors.New("broker: exactly one of OnMessage or OnBatch is required")
	ErrAlreadyRunning  = errors.New("broker: consumer is already running")
)

const DefaultGroupID = "default-consumer-group"

type RetryPolicy struct {
	Retries          int
	InitialRetryTime time.Duration
	MaxRetryTime     time.Duration
}

// ConsumerConfig holds the group session and run tunables. Zero values take
// the defaults applied by withDefaults.
type ConsumerConfig struct {
	GroupID                  string
	SessionTimeout           time.Duration
	HeartbeatInterval        time.Duration
	RebalanceTimeout         time.Duration
	DisableAutoTopicCreation bool
	MaxInFlightRequests      int
	MaxWaitTime              time.Duration
	Retry                    RetryPolicy

	PartitionsConsumedConcurrently int
	DisableAutoCommit              bool
	AutoCommitInterval             time.Duration
	AutoCommitThreshold            int
	BatchSize                      int64
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.GroupID == "" {
		c.GroupID = DefaultGroupID
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 60 * time.Second
	}
	if c.MaxInFlightRequests <= 0 {
		c.MaxInFlightRequests = 5
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 5 * time.Second
	}
	if c.Retry.Retries <= 0 {
		c.Retry.Retries = 8
	}
	if c.Retry.InitialRetryTime <= 0 {
		c.Retry.InitialRetryTime = 100 * time.Millisecond
	}
	if c.Retry.MaxRetryTime <= 0 {
		c.Retry.MaxRetryTime = 30 * time.Second
	}
	if c.PartitionsConsumedConcurrently <= 0 {
		c.PartitionsConsumedConcurrently = 3
	}
	if c.AutoCommitInterval <= 0 {
		c.AutoCommitInterval = 5 * time.Second
	}
	if c.AutoCommitThreshold <= 0 {
		c.AutoCommitThreshold = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialRetryTime)
	b = retry.WithCappedDuration(p.MaxRetryTime, b)
	return retry.WithMaxRetries(uint64(p.Retries), b)
}

// Message is one stream entry handed to a handler.
type Message struct {
	Topic string
	ID    string
	Key   string
	Value []byte
}

// Heartbeat tells the group the in-flight entries are still being worked on.
type Heartbeat func(ctx context.Context) error

type MessageHandler func(ctx context.Context, msg Message, heartbeat Heartbeat) error

type BatchHandler func(ctx context.Context, batch *Batch) error

// Batch is the set of entries returned by one read of a topic.
type Batch struct {
	Topic    string
	Messages []Message

	resolve   func(id string)
	heartbeat Heartbeat
	running   func() bool
}

// ResolveOffset marks an entry as processed so it gets acknowledged.
func (b *Batch) ResolveOffset(id string) {
	b.resolve(id)
}

func (b *Batch) Heartbeat(ctx context.Context) error {
	return b.heartbeat(ctx)
}

// IsRunning is false once the consumer is stopping; long batch handlers
// should return early.
func (b *Batch) IsRunning() bool {
	return b.running()
}

type ConsumeRequest struct {
	Topics        []string
	FromBeginning bool
	Config        ConsumerConfig
	OnMessage     MessageHandler
	OnBatch       BatchHandler
}

type Status struct {
	Connected bool `json:"connected"`
	Running   bool `json:"running"`
}

// Consumer reads topics as a member of a consumer group. Each topic gets its
// own loop; entries of one topic are handled in order.
type Consumer struct {
	mgr  *Manager
	name string
	log  zerolog.Logger

	mu        sync.Mutex
	client    redis.UniversalClient
	cfg       ConsumerConfig
	connected bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConsumer builds a consumer on the shared connection. An empty name
// gets a random one.
func NewConsumer(mgr *Manager, name string) *Consumer {
	if name == "" {
		name = "consumer-" + uuid.NewString()
	}
	return &Consumer{
		mgr:  mgr,
		name: name,
		log:  logging.WithComponent("broker").With().Str("consumer", name).Logger(),
	}
}

func (c *Consumer) Name() string {
	return c.name
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Connected: c.connected, Running: c.running}
}

// Connect pings the broker with exponential retry. It returns immediately
// when already connected.
func (c *Consumer) Connect(ctx context.Context, cfg ConsumerConfig) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cfg = cfg.withDefaults()
	client, err := c.mgr.Conn()
	if err != nil {
		return err
	}

	err = retry.Do(ctx, cfg.Retry.backoff(), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			c.log.Debug().Err(err).Msg("broker ping failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect consumer group %s: %w", cfg.GroupID, err)
	}

	c.mu.Lock()
	c.client = client
	c.cfg = cfg
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Str("group", cfg.GroupID).Msg("consumer connected")
	return nil
}

// Consume validates the request, joins the group on every topic and starts
// the read loops. It returns once the loops are running.
func (c *Consumer) Consume(ctx context.Context, req ConsumeRequest) error {
	topics := cleanTopics(req.Topics)
	if len(topics) == 0 {
		return ErrNoTopics
	}
	if (req.OnMessage == nil) == (req.OnBatch == nil) {
		return ErrHandlerRequired
	}

	if err := c.Connect(ctx, req.Config); err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	client, cfg := c.client, c.cfg
	c.mu.Unlock()

	for _, topic := range topics {
		if err := ensureGroup(ctx, client, topic, cfg.GroupID, req.FromBeginning, !cfg.DisableAutoTopicCreation); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	partitions := semaphore.NewWeighted(int64(cfg.PartitionsConsumedConcurrently))
	inFlight := semaphore.NewWeighted(int64(cfg.MaxInFlightRequests))

	for _, topic := range topics {
		loop := &streamLoop{
			topic:      topic,
			group:      cfg.GroupID,
			name:       c.name,
			cfg:        cfg,
			client:     client,
			onMessage:  req.OnMessage,
			onBatch:    req.OnBatch,
			partitions: partitions,
			inFlight:   inFlight,
			fromStart:  req.FromBeginning,
			log:        c.log.With().Str("topic", topic).Logger(),
		}
		loop.commits = newCommitter(client, topic, cfg.GroupID, cfg.AutoCommitThreshold, cfg.AutoCommitInterval, loop.log)
		g.Go(func() error { return loop.run(gctx) })
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("consumer crashed")
			c.mu.Lock()
			c.connected = false
			c.running = false
			c.mu.Unlock()
		}
	}()

	c.log.Info().Strs("topics", topics).Str("group", cfg.GroupID).Msg("consumer running")
	return nil
}

// Disconnect stops the loops, flushes pending acknowledgements and resets
// the state. Failures are logged, never returned.
func (c *Consumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn().Err(ctx.Err()).Msg("timed out waiting for consumer loops")
		}
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.client = nil
	c.connected = false
	c.running = false
	c.mu.Unlock()

	if wasConnected {
		c.log.Info().Msg("consumer disconnected")
	}
	return nil
}

func cleanTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func ensureGroup(ctx context.Context, client redis.UniversalClient, topic, group string, fromBeginning, create bool) error {
	start := "$"
	if fromBeginning {
		start = "0"
	}

	var err error
	if create {
		err = client.XGroupCreateMkStream(ctx, topic, group, start).Err()
	} else {
		err = client.XGroupCreate(ctx, topic, group, start).Err()
	}
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("join group %s on %s: %w", group, topic, err)
	}
	return nil
}

// streamLoop reads one topic. Entries of a read are handled sequentially.
type streamLoop struct {
	topic      string
	group      string
	name       string
	cfg        ConsumerConfig
	client     redis.UniversalClient
	onMessage  MessageHandler
	onBatch    BatchHandler
	partitions *semaphore.Weighted
	inFlight   *semaphore.Weighted
	commits    *committer
	fromStart  bool
	log        zerolog.Logger

	stopping func() bool
}

func (l *streamLoop) run(ctx context.Context) error {
	l.stopping = func() bool { return ctx.Err() != nil }
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.commits.flush(flushCtx)
	}()

	var lastClaim time.Time
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= l.cfg.RebalanceTimeout {
			lastClaim = time.Now()
			if err := l.reclaim(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("reclaim of idle entries failed")
			}
		}

		msgs, err := l.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isNoGroup(err) {
				if gerr := ensureGroup(ctx, l.client, l.topic, l.group, l.fromStart, !l.cfg.DisableAutoTopicCreation); gerr == nil {
					continue
				}
			}
			failures++
			if failures > l.cfg.Retry.Retries {
				return fmt.Errorf("read %s: %w", l.topic, err)
			}
			l.log.Warn().Err(err).Int("attempt", failures).Msg("stream read failed")
			if !sleepCtx(ctx, l.retryDelay(failures)) {
				return ctx.Err()
			}
			continue
		}
		failures = 0

		if len(msgs) > 0 {
			if err := l.process(ctx, msgs); err != nil {
				return err
			}
		}
		l.commits.maybeFlush(ctx)
	}
}

func (l *streamLoop) retryDelay(attempt int) time.Duration {
	d := l.cfg.Retry.InitialRetryTime
	for i := 1; i < attempt && d < l.cfg.Retry.MaxRetryTime; i++ {
		d *= 2
	}
	if d > l.cfg.Retry.MaxRetryTime {
		d = l.cfg.Retry.MaxRetryTime
	}
	return d
}

func (l *streamLoop) read(ctx context.Context) ([]Message, error) {
	if err := l.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.inFlight.Release(1)

	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.name,
		Streams:  []string{l.topic, ">"},
		Count:    l.cfg.BatchSize,
		Block:    l.cfg.MaxWaitTime,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(l.topic, m))
		}
	}
	return out, nil
}

// reclaim takes over entries that another member left idle for longer than
// the session timeout.
func (l *streamLoop) reclaim(ctx context.Context) error {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.topic,
		Group:    l.group,
		Consumer: l.name,
		MinIdle:  l.cfg.SessionTimeout,
		Start:    "0-0",
		Count:    l.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	l.log.Info().Int("entries", len(msgs)).Msg("reclaimed idle entries")
	batch := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, toMessage(l.topic, m))
	}
	return l.process(ctx, batch)
}

// process hands a read to the handler. It only fails when ctx is done while
// waiting for a partition slot.
func (l *streamLoop) process(ctx context.Context, msgs []Message) error {
	if err := l.partitions.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.partitions.Release(1)

	metrics.MessagesConsumed.WithLabelValues(l.topic).Add(float64(len(msgs)))

	if l.onBatch != nil {
		l.dispatchBatch(ctx, msgs)
	} else {
		l.dispatchMessages(ctx, msgs)
	}

	if l.cfg.DisableAutoCommit {
		l.commits.flush(ctx)
	}
	return nil
}

func (l *streamLoop) dispatchMessages(ctx context.Context, msgs []Message) {
	lastBeat := time.Now()
	for i, msg := range msgs {
		if l.isStopping() {
			return
		}
		if time.Since(lastBeat) >= l.cfg.HeartbeatInterval {
			if err := l.heartbeat(ctx, idsOf(msgs[i:])); err != nil {
				l.log.Debug().Err(err).Msg("heartbeat failed")
			}
			lastBeat = time.Now()
		}

		id := msg.ID
		hb := func(ctx context.Context) error { return l.heartbeat(ctx, []string{id}) }
		l.safeMessage(ctx, msg, hb)
		l.commits.resolve(ctx, msg.ID)
	}
}

func (l *streamLoop) dispatchBatch(ctx context.Context, msgs []Message) {
	var mu sync.Mutex
	resolved := make(map[string]struct{}, len(msgs))

	batch := &Batch{
		Topic:    l.topic,
		Messages: msgs,
		resolve: func(id string) {
			mu.Lock()
			resolved[id] = struct{}{}
			mu.Unlock()
			l.commits.resolve(ctx, id)
		},
		heartbeat: func(ctx context.Context) error {
			mu.Lock()
			pending := make([]string, 0, len(msgs))
			for _, m := range msgs {
				if _, ok := resolved[m.ID]; !ok {
					pending = append(pending, m.ID)
				}
			}
			mu.Unlock()
			return l.heartbeat(ctx, pending)
		},
		running: func() bool { return !l.isStopping() },
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues(l.topic).Inc()
			l.log.Error().Interface("panic", r).Int("entries", len(msgs)).Msg("batch handler panicked")
		}
	}()
	if err := l.onBatch(ctx, batch); err != nil {
		metrics.HandlerFailures.WithLabelValues(l.topic).Inc()
		l.log.Error().Err(err).Int("entries", len(msgs)).Msg("batch handler failed")
	}
}

// safeMessage runs the handler so that neither an error nor a panic can
// escape into the loop.
func (l *streamLoop) safeMessage(ctx context.Context, msg Message, hb Heartbeat) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues(l.topic).Inc()
			l.log.Error().Interface("panic", r).Str("id", msg.ID).Msg("message handler panicked")
		}
	}()
	if err := l.onMessage(ctx, msg, hb); err != nil {
		metrics.HandlerFailures.WithLabelValues(l.topic).Inc()
		l.log.Error().Err(err).Str("id", msg.ID).Msg("message handler failed")
	}
}

// heartbeat re-claims the ids to this consumer, which resets their idle time.
func (l *streamLoop) heartbeat(ctx context.Context, ids []string) error {
	if len(ids) == 0 || l.client == nil {
		return nil
	}
	return l.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   l.topic,
		Group:    l.group,
		Consumer: l.name,
		MinIdle:  0,
		Messages: ids,
	}).Err()
}

func (l *streamLoop) isStopping() bool {
	return l.stopping != nil && l.stopping()
}

func toMessage(topic string, m redis.XMessage) Message {
	msg := Message{Topic: topic, ID: m.ID}
	if k, ok := m.Values["key"].(string); ok {
		msg.Key = k
	}
	if v, ok := m.Values["value"]; ok {
		msg.Value = []byte(fmt.Sprint(v))
		return msg
	}
	// Entries written by other producers: hand the whole field map over.
	if raw, err := json.Marshal(m.Values); err == nil {
		msg.Value = raw
	}
	return msg
}

func idsOf(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// committer batches acknowledgements.
type committer struct {
	client    redis.UniversalClient
	stream    string
	group     string
	threshold int
	interval  time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	pending []string
	last    time.Time
}

func newCommitter(client redis.UniversalClient, stream, group string, threshold int, interval time.Duration, log zerolog.Logger) *committer {
	return &committer{
		client:    client,
		stream:    stream,
		group:     group,
		threshold: threshold,
		interval:  interval,
		log:       log,
		last:      time.Now(),
	}
}

func (c *committer) resolve(ctx context.Context, id string) {
	c.mu.Lock()
	c.pending = append(c.pending, id)
	full := len(c.pending) >= c.threshold
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

func (c *committer) maybeFlush(ctx context.Context) {
	c.mu.Lock()
	due := len(c.pending) > 0 && time.Since(c.last) >= c.interval
	c.mu.Unlock()

	if due {
		c.flush(ctx)
	}
}

// flush acknowledges everything pending. Ids stay pending when the ack
// fails; the group re-delivers them through reclaim otherwise.
func (c *committer) flush(ctx context.Context) {
	c.mu.Lock()
	ids := c.pending
	c.pending = nil
	c.last = time.Now()
	c.mu.Unlock()

	if len(ids) == 0 || c.client == nil {
		return
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		c.log.Warn().Err(err).Int("entries", len(ids)).Msg("ack failed")
		c.mu.Lock()
		c.pending = append(ids, c.pending...)
		c.mu.Unlock()
	}
}

func (c *committer) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
