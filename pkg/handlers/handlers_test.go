package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcast/pkg/config"
	"eventcast/pkg/hub"
	"eventcast/pkg/ingest"
	"eventcast/pkg/logging"
	"eventcast/pkg/middleware"
	"eventcast/pkg/models"
	"eventcast/pkg/repository"
	"eventcast/pkg/services"
)

type testEnv struct {
	app    *fiber.App
	hub    *hub.Hub
	svc    services.EventsService
	ingest *ingest.Service
}

func TestMain(m *testing.M) {
	logging.Discard()
	m.Run()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	h := hub.New(time.Hour)
	svc := services.NewEventsService(repository.NewMemoryEventsRepository(), nil, services.EventsServiceConfig{})
	ing := ingest.NewService(svc, h, nil, ingest.Config{Topics: []string{"events"}})

	app := fiber.New()
	NewEvents(svc).Register(app, middleware.AdminMiddleware(middleware.AdminConfig{Key: "admin"}))
	NewWebhook(ing, 0).Register(app)
	NewStream(h).Register(app)
	NewSystem(h, ing, config.ClientConfig{SSEURL: "/events", ReconnectMs: 3000, MaxEvents: 10, MaxCompactEvents: 20, Volume: 0.5}).Register(app)

	return &testEnv{app: app, hub: h, svc: svc, ingest: ing}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestPageValidation(t *testing.T) {
	e := newTestEnv(t)

	for _, target := range []string{
		"/api/events/page?page=0",
		"/api/events/page?page=1.5",
		"/api/events/page?page=abc",
		"/api/events/page?pageSize=0",
		"/api/events/page?limit=0",
		"/api/events/page?limit=1.5",
		"/api/events/page?limit=abc",
		"/api/events?limit=-1",
		"/api/events?page=2.5",
		"/api/events?skip=-3",
	} {
		resp, body := e.do(t, "GET", target, "")
		assert.Equal(t, 400, resp.StatusCode, target)
		assert.NotEmpty(t, body["message"], target)
	}

	resp, body := e.do(t, "GET", "/api/events/page?page=2&pageSize=20", "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, float64(2), body["page"])
	assert.Equal(t, float64(20), body["pageSize"])
	assert.Equal(t, float64(0), body["totalCount"])
	assert.Equal(t, []any{}, body["events"])
}

func TestPageArithmetic(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 95; i++ {
		_, err := e.svc.Create(ctx, models.EventInput{EventType: models.StringPtr("qa")})
		require.NoError(t, err)
	}

	resp, body := e.do(t, "GET", "/api/events/page?pageSize=10&page=3", "")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, float64(10), body["totalPages"])
	assert.Equal(t, float64(95), body["totalCount"])
	assert.Len(t, body["events"], 10)

	_, body = e.do(t, "GET", "/api/events/page", "")
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(10), body["pageSize"])

	_, body = e.do(t, "GET", "/api/events/page?page=1&limit=5", "")
	assert.Equal(t, float64(5), body["pageSize"])
	assert.Equal(t, float64(19), body["totalPages"])
	assert.Len(t, body["events"], 5)

	_, body = e.do(t, "GET", "/api/events/page?pageSize=500", "")
	assert.Equal(t, float64(200), body["pageSize"])
	assert.Len(t, body["events"], 95)

	_, body = e.do(t, "GET", "/api/events?limit=5", "")
	assert.Len(t, body["events"], 5)

	_, body = e.do(t, "GET", "/api/events", "")
	assert.Len(t, body["events"], models.DefaultTake)
}

func TestEventCRUD(t *testing.T) {
	e := newTestEnv(t)

	resp, created := e.do(t, "POST", "/api/events", `{"event_type":"qa","image_url":"/a.jpg","camera":"c1"}`)
	require.Equal(t, 201, resp.StatusCode)
	id := created["id"].(float64)
	assert.Equal(t, map[string]any{"camera": "c1"}, created["payload"])

	resp, got := e.do(t, "GET", "/api/events/1", "")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, id, got["id"])

	resp, _ = e.do(t, "GET", "/api/events/999", "")
	assert.Equal(t, 404, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/api/events/abc", "")
	assert.Equal(t, 400, resp.StatusCode)

	resp, upserted := e.do(t, "POST", "/api/events/upsert", `{"image_url":"/a.jpg","status":"reviewed"}`)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, id, upserted["id"])
	assert.Equal(t, "reviewed", upserted["status"])

	resp, _ = e.do(t, "POST", "/api/events/upsert", `{"event_type":"qa"}`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, updated := e.do(t, "PUT", "/api/events/1", `{"status":"closed"}`)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "closed", updated["status"])

	resp, _ = e.do(t, "PUT", "/api/events/42", `{"status":"closed"}`)
	assert.Equal(t, 404, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/api/events", `not json`)
	assert.Equal(t, 400, resp.StatusCode)

	resp, deleted := e.do(t, "DELETE", "/api/events/1", "")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, deleted["deleted"])

	resp, _ = e.do(t, "DELETE", "/api/events/1", "")
	assert.Equal(t, 404, resp.StatusCode)
}

func TestDeleteAllRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.Create(context.Background(), models.EventInput{})
	require.NoError(t, err)

	resp, _ := e.do(t, "DELETE", "/api/events", "")
	assert.Equal(t, 403, resp.StatusCode)

	req := httptest.NewRequest("DELETE", "/api/events", nil)
	req.Header.Set("X-Admin-Key", "admin")
	resp, err = e.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["count"])
}

func TestWebhook(t *testing.T) {
	e := newTestEnv(t)
	tr := &captureTransport{}
	e.hub.Subscribe(tr)

	resp, body := e.do(t, "POST", "/api/webhook", `{"event_type":"intrusion","image_url":"/cam/9.jpg"}`)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Webhook processed", body["message"])

	saved := body["savedEvent"].(map[string]any)
	assert.Equal(t, "/cam/9.jpg", saved["image_url"])
	assert.NotEmpty(t, saved["timestamp"])

	frames := tr.frames()
	require.Len(t, frames, 2)
	assert.Contains(t, frames[1], `"image_url":"/cam/9.jpg"`)

	resp, body = e.do(t, "POST", "/api/webhook", `{"broken"`)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

type failingIngester struct{}

func (failingIngester) HandleWebhook(context.Context, map[string]any) (models.Event, error) {
	return models.Event{}, errors.New("store unavailable")
}

func TestWebhookFailure(t *testing.T) {
	app := fiber.New()
	NewWebhook(failingIngester{}, 0).Register(app)

	req := httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{"event_type":"qa"}`))
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 500, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Internal Server Error", body["message"])
	assert.Equal(t, "store unavailable", body["error"])
}

func TestWebhookRateLimit(t *testing.T) {
	app := fiber.New()
	NewWebhook(failingIngester{}, 1).Register(app)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/webhook", strings.NewReader(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}

func TestSSEStream(t *testing.T) {
	e := newTestEnv(t)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for e.hub.Count() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		e.hub.Broadcast(map[string]any{"id": 5, "audio_url": "/a.wav"})
		e.hub.Close()
	}()

	resp, err := e.app.Test(httptest.NewRequest("GET", "/events", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := strings.Split(strings.TrimSpace(string(raw)), "\n\n")
	require.Len(t, frames, 2)
	assert.True(t, strings.HasPrefix(frames[0], `data: {"type":"connection"`))
	assert.JSONEq(t, `{"id":5,"audio_url":"/a.wav"}`, strings.TrimPrefix(frames[1], "data: "))
}

func TestWSRequiresUpgrade(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, "GET", "/ws", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestStatusAndEnvJS(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.ingest.Start(context.Background()))

	resp, body := e.do(t, "GET", "/api/status", "")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, float64(0), body["subscribers"])
	queue := body["queue"].(map[string]any)
	assert.Equal(t, false, queue["queue_enabled"])
	assert.Equal(t, []any{"events"}, queue["topics"])

	resp, err := e.app.Test(httptest.NewRequest("GET", "/env.js", nil))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/javascript")
	assert.Equal(t, `window.__APP_CONFIG__ = {"sseUrl":"/events","maxEvents":10,"maxCompactEvents":20,"reconnectMs":3000,"volume":0.5};`+"\n", string(raw))
}

type captureTransport struct {
	data []string
}

func (c *captureTransport) WriteEvent(b []byte) error {
	c.data = append(c.data, string(b))
	return nil
}
func (c *captureTransport) WriteHeartbeat() error { return nil }
func (c *captureTransport) Close() error          { return nil }
func (c *captureTransport) frames() []string      { return c.data }
