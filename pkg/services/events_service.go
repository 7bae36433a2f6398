package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"eventcast/pkg/broker"
	"eventcast/pkg/cache"
	"eventcast/pkg/envelope"
	"eventcast/pkg/logging"
	"eventcast/pkg/models"
	"eventcast/pkg/repository"
)

type EventsService interface {
	Create(ctx context.Context, in models.EventInput) (models.Event, error)
	Upsert(ctx context.Context, in models.EventInput) (models.Event, error)
	GetByID(ctx context.Context, id int64) (models.Event, bool, error)
	List(ctx context.Context, p models.ListParams) ([]models.Event, error)
	Count(ctx context.Context, p models.ListParams) (int64, error)
	Page(ctx context.Context, p models.ListParams) (models.Page, error)
	Update(ctx context.Context, id int64, in models.EventInput) (models.Event, bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Publisher is the producer side used to announce updates.
type Publisher interface {
	Send(ctx context.Context, req broker.ProduceRequest) ([]string, error)
}

type EventsServiceConfig struct {
	CacheTTL time.Duration
	// Publisher and UpdatesTopic are optional; without them updates are not
	// announced.
	Publisher      Publisher
	UpdatesTopic   string
	PublishTimeout time.Duration
}

type eventsService struct {
	repo  repository.EventsRepository
	redis *cache.Redis
	cfg   EventsServiceConfig
	log   zerolog.Logger
}

func NewEventsService(repo repository.EventsRepository, redis *cache.Redis, cfg EventsServiceConfig) EventsService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &eventsService{
		repo:  repo,
		redis: redis,
		cfg:   cfg,
		log:   logging.WithComponent("store"),
	}
}

func (s *eventsService) Create(ctx context.Context, in models.EventInput) (models.Event, error) {
	ev, err := s.repo.Create(ctx, in)
	if err == nil {
		s.redis.DelPattern(ctx, "events:*")
	}
	return ev, err
}

func (s *eventsService) Upsert(ctx context.Context, in models.EventInput) (models.Event, error) {
	ev, err := s.repo.Upsert(ctx, in)
	if err == nil {
		s.redis.DelPattern(ctx, "events:*")
	}
	return ev, err
}

func (s *eventsService) GetByID(ctx context.Context, id int64) (models.Event, bool, error) {
	cacheKey := fmt.Sprintf("events:item:%d", id)
	var cached models.Event
	if s.redis.Get(ctx, cacheKey, &cached) {
		return cached, true, nil
	}

	ev, found, err := s.repo.GetByID(ctx, id)
	if err != nil || !found {
		return ev, found, err
	}

	s.redis.Set(ctx, cacheKey, ev, s.cfg.CacheTTL)
	return ev, true, nil
}

func (s *eventsService) List(ctx context.Context, p models.ListParams) ([]models.Event, error) {
	return s.repo.List(ctx, p)
}

func (s *eventsService) Count(ctx context.Context, p models.ListParams) (int64, error) {
	cacheKey := countCacheKey(p)
	var cached wrapperspb.Int64Value
	if s.redis.GetProto(ctx, cacheKey, &cached) {
		return cached.GetValue(), nil
	}

	total, err := s.repo.Count(ctx, p)
	if err != nil {
		return 0, err
	}

	s.redis.SetProto(ctx, cacheKey, wrapperspb.Int64(total), s.cfg.CacheTTL)
	return total, nil
}

// countCacheKey quotes each filter so values containing ':' cannot collide.
func countCacheKey(p models.ListParams) string {
	return "events:count:" + strconv.Quote(strings.TrimSpace(p.EventType)) + ":" + strconv.Quote(p.SearchTerm())
}

// Page lists one page and the pagination totals. PageSize in the result is
// the effective, clamped size.
func (s *eventsService) Page(ctx context.Context, p models.ListParams) (models.Page, error) {
	if p.Page == nil {
		p.Page = models.IntPtr(1)
	}
	if p.PageSize == nil {
		p.PageSize = models.IntPtr(models.DefaultPageSize)
	}
	_, size := p.Window()

	events, err := s.repo.List(ctx, p)
	if err != nil {
		return models.Page{}, err
	}
	total, err := s.Count(ctx, p)
	if err != nil {
		return models.Page{}, err
	}

	return models.Page{
		Events:     events,
		Page:       *p.Page,
		TotalPages: models.TotalPages(total, size),
		TotalCount: total,
		PageSize:   size,
	}, nil
}

// Update applies the change and, when configured, announces the updated
// record on the updates topic. A failed announcement never fails the update.
func (s *eventsService) Update(ctx context.Context, id int64, in models.EventInput) (models.Event, bool, error) {
	ev, found, err := s.repo.Update(ctx, id, in)
	if err != nil || !found {
		return ev, found, err
	}

	s.redis.DelPattern(ctx, "events:*")
	s.publishUpdate(ev)
	return ev, true, nil
}

func (s *eventsService) Delete(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err == nil && deleted {
		s.redis.DelPattern(ctx, "events:*")
	}
	return deleted, err
}

func (s *eventsService) DeleteAll(ctx context.Context) (int64, error) {
	count, err := s.repo.DeleteAll(ctx)
	if err == nil {
		s.redis.DelPattern(ctx, "events:*")
	}
	return count, err
}

func (s *eventsService) publishUpdate(ev models.Event) {
	if s.cfg.Publisher == nil || s.cfg.UpdatesTopic == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()

		env, err := envelope.NewEventUpdated(ev)
		if err != nil {
			s.log.Error().Err(err).Int64("id", ev.ID).Msg("failed to encode update")
			return
		}
		raw, err := env.Marshal()
		if err != nil {
			s.log.Error().Err(err).Int64("id", ev.ID).Msg("failed to encode update")
			return
		}

		_, err = s.cfg.Publisher.Send(ctx, broker.ProduceRequest{
			Topic:    s.cfg.UpdatesTopic,
			Messages: []broker.ProducerMessage{{Key: strconv.FormatInt(ev.ID, 10), Value: raw}},
		})
		if err != nil {
			s.log.Warn().Err(err).Int64("id", ev.ID).Str("topic", s.cfg.UpdatesTopic).Msg("failed to publish update")
		}
	}()
}
