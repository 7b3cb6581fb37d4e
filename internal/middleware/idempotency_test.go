package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ticketing/settlement/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int32, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	logger := logging.Discard()
	app.Use(Idempotency(cache, IdempotencyConfig{TTL: time.Minute, SkipPrefixes: []string{"/webhooks"}}, logger))

	var calls int32
	app.Post("/withdraw", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": n})
	})
	app.Post("/webhooks/payouts", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return c.SendStatus(fiber.StatusOK)
	})
	app.Post("/broken", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return c.SendStatus(fiber.StatusBadGateway)
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}

	return app, &calls, cleanup
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(payload)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	status, _ := post(t, app, "/withdraw", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	status, payload := post(t, app, "/withdraw", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// second request replays the stored response without invoking the handler
	status2, cached := post(t, app, "/withdraw", "abc123")
	if status2 != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status2)
	}
	if cached != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cached)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected handler invoked once, got %d", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cached), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencySkipsWebhooks(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	for i := 0; i < 2; i++ {
		if status, _ := post(t, app, "/webhooks/payouts", ""); status != fiber.StatusOK {
			t.Fatalf("expected webhook to pass through, got %d", status)
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected two webhook deliveries, got %d", got)
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	post(t, app, "/broken", "k1")
	post(t, app, "/broken", "k1")
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected retry after 5xx to reach handler, got %d calls", got)
	}
}
