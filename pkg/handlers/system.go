package handlers

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"eventcast/pkg/config"
	"eventcast/pkg/ingest"
)

type SubscriberCounter interface {
	Count() int
}

type QueueReporter interface {
	Status() ingest.Status
}

type SystemHandler struct {
	subscribers SubscriberCounter
	queue       QueueReporter
	client      config.ClientConfig
}

func NewSystem(subscribers SubscriberCounter, queue QueueReporter, client config.ClientConfig) *SystemHandler {
	return &SystemHandler{subscribers: subscribers, queue: queue, client: client}
}

func (h *SystemHandler) Register(r fiber.Router) {
	r.Get("/api/status", h.Status)
	r.Get("/env.js", h.EnvJS)
}

// GET /api/status
func (h *SystemHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"subscribers": h.subscribers.Count(),
		"queue":       h.queue.Status(),
	})
}

type browserConfig struct {
	SSEURL           string  `json:"sseUrl"`
	MaxEvents        int     `json:"maxEvents"`
	MaxCompactEvents int     `json:"maxCompactEvents"`
	ReconnectMs      int     `json:"reconnectMs"`
	Volume           float64 `json:"volume"`
}

// GET /env.js exposes the browser settings as a script.
func (h *SystemHandler) EnvJS(c *fiber.Ctx) error {
	raw, err := json.Marshal(browserConfig{
		SSEURL:           h.client.SSEURL,
		MaxEvents:        h.client.MaxEvents,
		MaxCompactEvents: h.client.MaxCompactEvents,
		ReconnectMs:      h.client.ReconnectMs,
		Volume:           h.client.Volume,
	})
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.SendString("window.__APP_CONFIG__ = " + string(raw) + ";\n")
}
