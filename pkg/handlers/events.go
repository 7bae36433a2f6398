package handlers

import (
	"errors"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"eventcast/pkg/logging"
	"eventcast/pkg/models"
	"eventcast/pkg/repository"
	"eventcast/pkg/services"
)

type EventsHandler struct {
	svc services.EventsService
	log zerolog.Logger
}

func NewEvents(svc services.EventsService) *EventsHandler {
	return &EventsHandler{svc: svc, log: logging.WithComponent("http")}
}

// Register mounts the /api/events routes. admin guards the bulk delete.
func (h *EventsHandler) Register(r fiber.Router, admin fiber.Handler) {
	g := r.Group("/api/events")
	g.Get("/page", h.Page)
	g.Post("/upsert", h.Upsert)
	g.Get("/:id", h.Get)
	g.Put("/:id", h.Update)
	g.Delete("/:id", h.Delete)
	g.Get("/", h.List)
	g.Post("/", h.Create)
	g.Delete("/", admin, h.DeleteAll)
}

// GET /api/events?event_type=&search=&limit=|pageSize=&page=&skip=
func (h *EventsHandler) List(c *fiber.Ctx) error {
	params, err := listParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	pageSize, err := pageSizeQuery(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if params.Page != nil {
		params.PageSize = pageSize
		if params.PageSize == nil {
			params.PageSize = models.IntPtr(models.DefaultPageSize)
		}
	} else {
		params.Take = pageSize
		skip, err := nonNegativeQuery(c, "skip")
		if err != nil {
			return badRequest(c, err.Error())
		}
		params.Skip = skip
	}

	events, err := h.svc.List(c.UserContext(), params)
	if err != nil {
		return h.internal(c, err, "failed to list events")
	}
	return c.JSON(fiber.Map{"events": events})
}

// GET /api/events/page?page=&pageSize=&limit=&event_type=&search=
func (h *EventsHandler) Page(c *fiber.Ctx) error {
	params, err := listParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if params.PageSize, err = pageSizeQuery(c); err != nil {
		return badRequest(c, err.Error())
	}

	page, err := h.svc.Page(c.UserContext(), params)
	if err != nil {
		return h.internal(c, err, "failed to page events")
	}
	return c.JSON(page)
}

// GET /api/events/:id
func (h *EventsHandler) Get(c *fiber.Ctx) error {
	id, ok := eventID(c)
	if !ok {
		return badRequest(c, "Invalid event id")
	}

	ev, found, err := h.svc.GetByID(c.UserContext(), id)
	if err != nil {
		return h.internal(c, err, "failed to load event")
	}
	if !found {
		return notFound(c)
	}
	return c.JSON(ev)
}

// POST /api/events
func (h *EventsHandler) Create(c *fiber.Ctx) error {
	in, err := eventBody(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ev, err := h.svc.Create(c.UserContext(), in)
	if err != nil {
		return h.storeError(c, err, "failed to create event")
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

// POST /api/events/upsert
func (h *EventsHandler) Upsert(c *fiber.Ctx) error {
	in, err := eventBody(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ev, err := h.svc.Upsert(c.UserContext(), in)
	if errors.Is(err, repository.ErrNoUpsertKey) {
		return badRequest(c, "image_url or audio_url is required")
	}
	if err != nil {
		return h.storeError(c, err, "failed to upsert event")
	}
	return c.JSON(ev)
}

// PUT /api/events/:id
func (h *EventsHandler) Update(c *fiber.Ctx) error {
	id, ok := eventID(c)
	if !ok {
		return badRequest(c, "Invalid event id")
	}
	in, err := eventBody(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	ev, found, err := h.svc.Update(c.UserContext(), id, in)
	if err != nil {
		return h.storeError(c, err, "failed to update event")
	}
	if !found {
		return notFound(c)
	}
	return c.JSON(ev)
}

// DELETE /api/events/:id
func (h *EventsHandler) Delete(c *fiber.Ctx) error {
	id, ok := eventID(c)
	if !ok {
		return badRequest(c, "Invalid event id")
	}

	deleted, err := h.svc.Delete(c.UserContext(), id)
	if err != nil {
		return h.internal(c, err, "failed to delete event")
	}
	if !deleted {
		return notFound(c)
	}
	return c.JSON(fiber.Map{"id": id, "deleted": true})
}

// DELETE /api/events
func (h *EventsHandler) DeleteAll(c *fiber.Ctx) error {
	count, err := h.svc.DeleteAll(c.UserContext())
	if err != nil {
		return h.internal(c, err, "failed to delete events")
	}
	h.log.Warn().Int64("count", count).Str("ip", c.IP()).Msg("all events deleted")
	return c.JSON(fiber.Map{"count": count})
}

func (h *EventsHandler) storeError(c *fiber.Ctx, err error, msg string) error {
	if errors.Is(err, repository.ErrConflict) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": err.Error()})
	}
	return h.internal(c, err, msg)
}

func (h *EventsHandler) internal(c *fiber.Ctx, err error, msg string) error {
	h.log.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "Internal Server Error"})
}

func listParams(c *fiber.Ctx) (models.ListParams, error) {
	page, err := positiveQuery(c, "page")
	if err != nil {
		return models.ListParams{}, err
	}
	return models.ListParams{
		Page:      page,
		EventType: c.Query("event_type"),
		Search:    c.Query("search"),
	}, nil
}

// positiveQuery reads an optional integer query parameter that must be >= 1.
func positiveQuery(c *fiber.Ctx, name string) (*int, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return nil, errors.New(name + " must be an integer >= 1")
	}
	return &n, nil
}

// pageSizeQuery reads pageSize, falling back to limit. Both must be positive
// integers when present.
func pageSizeQuery(c *fiber.Ctx) (*int, error) {
	pageSize, err := positiveQuery(c, "pageSize")
	if err != nil {
		return nil, err
	}
	limit, err := positiveQuery(c, "limit")
	if err != nil {
		return nil, err
	}
	if pageSize == nil {
		return limit, nil
	}
	return pageSize, nil
}

func nonNegativeQuery(c *fiber.Ctx, name string) (*int, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, errors.New(name + " must be an integer >= 0")
	}
	return &n, nil
}

func eventID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func eventBody(c *fiber.Ctx) (models.EventInput, error) {
	body, err := decodeObject(c.Body())
	if err != nil {
		return models.EventInput{}, err
	}
	return models.NormalizeEvent(body), nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, errors.New("Invalid JSON body")
	}
	return body, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": msg})
}

func notFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "Event not found"})
}
