package server

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"eventcast/pkg/logging"
	"eventcast/pkg/metrics"
	"eventcast/pkg/middleware"
)

type Options struct {
	CORSOrigins []string
}

// NewApp builds the fiber app with the shared middleware stack plus the
// /health and /metrics endpoints.
func NewApp(name string, opts Options) *fiber.App {
	log := logging.WithComponent("http")

	app := fiber.New(fiber.Config{
		AppName:               name,
		ReduceMemoryUsage:     true,
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
		Next:  isStream,
	}))
	app.Use(cors.New(middleware.CORSConfig(opts.CORSOrigins)))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": name})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	return app
}

// isStream skips compression for long-lived push connections.
func isStream(c *fiber.Ctx) bool {
	p := c.Path()
	return p == "/events" || strings.HasPrefix(p, "/ws")
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		log := logging.WithComponent("http")
		log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	}
	return c.Status(code).JSON(fiber.Map{"message": msg})
}
