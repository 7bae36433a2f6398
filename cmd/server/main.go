package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"eventcast/pkg/broker"
	"eventcast/pkg/cache"
	"eventcast/pkg/config"
	"eventcast/pkg/database"
	"eventcast/pkg/handlers"
	"eventcast/pkg/hub"
	"eventcast/pkg/ingest"
	"eventcast/pkg/logging"
	"eventcast/pkg/middleware"
	"eventcast/pkg/repository"
	"eventcast/pkg/server"
	"eventcast/pkg/services"
)

const webhookPerMinute = 600

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.Format == "json"})
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	var repo repository.EventsRepository
	if cfg.Database.URL != "" {
		db, err = database.Connect(ctx, database.Options{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		repo = repository.NewEventsRepository(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, events are kept in memory only")
		repo = repository.NewMemoryEventsRepository()
	}

	var redis *cache.Redis
	if cfg.Cache.URL != "" {
		redis, err = cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			log.Warn().Err(err).Msg("cache unavailable, continuing without it")
		}
	}

	mgr := broker.NewManager(broker.Options{Addrs: cfg.Broker.Addrs, ClientID: cfg.Broker.ClientID})

	svcCfg := services.EventsServiceConfig{CacheTTL: cfg.Cache.TTL}
	var producer *broker.Producer
	if mgr.Enabled() && cfg.Broker.ProducerTopic != "" {
		producer = broker.NewProducer(mgr, broker.ProducerOptions{
			StreamMaxLen: cfg.Broker.StreamMaxLen,
			Retry:        broker.RetryPolicy{Retries: cfg.Broker.MaxRetries},
		})
		svcCfg.Publisher = producer
		svcCfg.UpdatesTopic = cfg.Broker.ProducerTopic
	}
	events := services.NewEventsService(repo, redis, svcCfg)

	streamHub := hub.New(cfg.Stream.HeartbeatInterval)

	consumer := broker.NewConsumer(mgr, cfg.Broker.ClientID+"-"+uuid.NewString()[:8])
	pipeline := ingest.NewService(events, streamHub, consumer, ingest.Config{
		Topics:        cfg.Broker.ConsumerTopics,
		FromBeginning: cfg.Broker.FromBeginning,
		ProbeTimeout:  cfg.Broker.ProbeTimeout,
		Consumer: broker.ConsumerConfig{
			GroupID:                        cfg.Broker.GroupID,
			SessionTimeout:                 cfg.Broker.SessionTimeout,
			HeartbeatInterval:              cfg.Broker.HeartbeatInterval,
			RebalanceTimeout:               cfg.Broker.RebalanceTimeout,
			Retry:                          broker.RetryPolicy{Retries: cfg.Broker.MaxRetries},
			PartitionsConsumedConcurrently: cfg.Broker.Concurrency,
			AutoCommitInterval:             cfg.Broker.AutoCommitInterval,
			AutoCommitThreshold:            cfg.Broker.AutoCommitThreshold,
		},
	})
	if err := pipeline.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("ingest pipeline failed to start")
	}

	adminCfg := middleware.AdminConfig{Key: cfg.Security.AdminKey, JWTSecret: cfg.Security.AdminJWTSecret}
	if adminCfg.Open() {
		log.Warn().Msg("no admin credential configured, DELETE /api/events is unguarded")
	}

	app := server.NewApp("eventcast", server.Options{CORSOrigins: cfg.Security.CORSOrigins})
	handlers.NewEvents(events).Register(app, middleware.AdminMiddleware(adminCfg))
	handlers.NewWebhook(pipeline, webhookPerMinute).Register(app)
	handlers.NewStream(streamHub).Register(app)
	handlers.NewSystem(streamHub, pipeline, cfg.Client).Register(app)

	go func() {
		log.Info().Str("port", cfg.Port).Bool("queue", cfg.QueueEnabled()).Msg("listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline.Stop(shutdownCtx)
	streamHub.Close()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if producer != nil {
		producer.Disconnect()
	}
	mgr.Close()
	redis.Close()
	if db != nil {
		db.Close()
	}
	log.Info().Msg("bye")
}
