package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/rs/zerolog"

	"eventcast/pkg/logging"
	"eventcast/pkg/models"
)

type WebhookIngester interface {
	HandleWebhook(ctx context.Context, body map[string]any) (models.Event, error)
}

type WebhookHandler struct {
	ingest WebhookIngester
	log    zerolog.Logger
	limit  int
}

// NewWebhook builds the handler. perMinute <= 0 disables rate limiting.
func NewWebhook(ingest WebhookIngester, perMinute int) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, log: logging.WithComponent("http"), limit: perMinute}
}

func (h *WebhookHandler) Register(r fiber.Router) {
	if h.limit > 0 {
		r.Post("/api/webhook", limiter.New(limiter.Config{
			Max:        h.limit,
			Expiration: 1 * time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"success": false, "message": "Too Many Requests"})
			},
		}), h.Receive)
		return
	}
	r.Post("/api/webhook", h.Receive)
}

// POST /api/webhook
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	body, err := decodeObject(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	}

	saved, err := h.ingest.HandleWebhook(c.UserContext(), body)
	if err != nil {
		h.log.Error().Err(err).Msg("webhook processing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal Server Error",
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Webhook processed",
		"savedEvent": saved,
	})
}
