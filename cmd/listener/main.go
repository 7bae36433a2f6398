package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventcast/pkg/listener"
	"eventcast/pkg/logging"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "eventcast base URL")
	preload := flag.Int("preload", listener.DefaultPreloadLimit, "events to mark as seen before streaming")
	reconnect := flag.Duration("reconnect", listener.DefaultReconnectDelay, "delay before reconnecting")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *level})
	log := logging.WithComponent("listener")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := listener.New(listener.Config{
		BaseURL:        *baseURL,
		PreloadLimit:   *preload,
		ReconnectDelay: *reconnect,
		OnEvent: func(ev map[string]any) {
			log.Info().
				Interface("id", ev["id"]).
				Interface("event_type", ev["event_type"]).
				Interface("audio_url", ev["audio_url"]).
				Interface("image_url", ev["image_url"]).
				Msg("event")
		},
	})

	preloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := l.Preload(preloadCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("preload failed, every streamed event will be shown")
	} else {
		log.Info().Int("seen", n).Msg("preloaded recent events")
	}

	if err := l.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("listener stopped")
	}
}
