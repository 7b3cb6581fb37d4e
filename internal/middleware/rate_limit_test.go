package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitSecret = "rate-secret"

func setupRateLimitApp(t *testing.T, cache *redis.Client) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Post("/withdraw", JWTAuth(rateLimitSecret), WithdrawalRateLimit(cache, 5), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	return app
}

func withdrawAs(t *testing.T, app *fiber.App, user string) int {
	t.Helper()
	token, err := IssueToken(rateLimitSecret, user, "organizer", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(fiber.MethodPost, "/withdraw", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestWithdrawalRateLimit_SixthRequestInAMinuteIsRejected(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()
	app := setupRateLimitApp(t, cache)

	for i := 1; i <= 5; i++ {
		if status := withdrawAs(t, app, "user-1"); status != fiber.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, status)
		}
	}
	if status := withdrawAs(t, app, "user-1"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 on the sixth request, got %d", status)
	}

	// limits are per caller
	if status := withdrawAs(t, app, "user-2"); status != fiber.StatusCreated {
		t.Fatalf("expected another caller to pass, got %d", status)
	}

	if ttl := mr.TTL("rl:withdraw:user-1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected counter to expire within a minute, ttl %s", ttl)
	}
	mr.FastForward(time.Minute + time.Second)
	if status := withdrawAs(t, app, "user-1"); status != fiber.StatusCreated {
		t.Fatalf("expected window to reset, got %d", status)
	}
}

func TestWithdrawalRateLimit_FailsOpen(t *testing.T) {
	app := setupRateLimitApp(t, nil)
	for i := 0; i < 10; i++ {
		if status := withdrawAs(t, app, "user-1"); status != fiber.StatusCreated {
			t.Fatalf("expected requests to pass without redis, got %d", status)
		}
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	app = setupRateLimitApp(t, cache)
	if status := withdrawAs(t, app, "user-1"); status != fiber.StatusCreated {
		t.Fatalf("expected fail-open on redis errors, got %d", status)
	}
}
