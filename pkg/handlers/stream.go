package handlers

import (
	"bufio"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"eventcast/pkg/hub"
)

type StreamHandler struct {
	hub *hub.Hub
}

func NewStream(h *hub.Hub) *StreamHandler {
	return &StreamHandler{hub: h}
}

func (h *StreamHandler) Register(r fiber.Router) {
	r.Get("/events", h.SSE)

	r.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	r.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		hub.ServeWS(h.hub, conn)
	}))
}

// GET /events holds the response open and streams frames until the
// subscriber is removed from the hub.
func (h *StreamHandler) SSE(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache, no-transform")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		sub := h.hub.Subscribe(hub.NewSSETransport(w))
		<-sub.Done()
	})
	return nil
}
