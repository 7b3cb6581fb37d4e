package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/config"
	"github.com/ticketing/settlement/internal/funding"
	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/middleware"
)

const testSecret = "routes-secret"

func setupApp(t *testing.T) (*fiber.App, *Services, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	d := Deps{
		Cfg: config.Config{
			Env:                  "test",
			JWTSecret:            testSecret,
			PlatformFeeRate:      decimal.RequireFromString("0.10"),
			DefaultCurrency:      "NGN",
			PayoutProvider:       config.PayoutStatic,
			RedisChannel:         "wallet_events",
			IdempotencyTTL:       time.Hour,
			WithdrawalsPerMinute: 5,
		},
		Cache:  cache,
		Logger: logging.Discard(),
	}
	svc, err := NewServices(d)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(nil)})
	if err := Setup(app, d, svc); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app, svc, mr
}

func send(t *testing.T, app *fiber.App, method, path, role string, headers map[string]string, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if role != "" {
		token, err := middleware.IssueToken(testSecret, "user-1", role, time.Minute)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestNewServicesRequiresBackendsOutsideDev(t *testing.T) {
	_, err := NewServices(Deps{Cfg: config.Config{Env: "production"}, Logger: logging.Discard()})
	if err == nil {
		t.Fatalf("expected production without a database to fail")
	}
}

func TestHealthAndPing(t *testing.T) {
	app, _, _ := setupApp(t)
	if status, _ := send(t, app, fiber.MethodGet, "/livez", "", nil, ""); status != http.StatusOK {
		t.Fatalf("livez = %d", status)
	}
	status, body := send(t, app, fiber.MethodGet, "/healthz", "", nil, "")
	if status != http.StatusOK {
		t.Fatalf("healthz = %d (%v)", status, body)
	}
	if status, _ := send(t, app, fiber.MethodGet, "/api/v1/ping", "", nil, ""); status != http.StatusOK {
		t.Fatalf("ping = %d", status)
	}
}

func TestFundedWalletIsReadableOverHTTP(t *testing.T) {
	app, svc, _ := setupApp(t)
	fee := decimal.NewFromInt(500)
	_, err := svc.Funding.Fund(context.Background(), funding.FundInput{
		Owner:       ledger.Owner{Type: ledger.OwnerEvent, ID: "E1"},
		Transaction: ledger.Transaction{ID: "T1", Amount: decimal.NewFromInt(10000), FeeAmount: &fee},
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}

	status, body := send(t, app, fiber.MethodGet, "/api/v1/wallets/EVENT/E1", "organizer", nil, "")
	if status != http.StatusOK {
		t.Fatalf("get wallet = %d (%v)", status, body)
	}
	if w, _ := body["wallet"].(map[string]any); w["balance"] != "9500.00" {
		t.Fatalf("unexpected wallet %v", body["wallet"])
	}

	status, body = send(t, app, fiber.MethodGet, "/api/v1/wallets/PLATFORM", "organizer", nil, "")
	if status != http.StatusOK {
		t.Fatalf("get platform wallet = %d (%v)", status, body)
	}
	if w, _ := body["wallet"].(map[string]any); w["balance"] != "500.00" {
		t.Fatalf("unexpected platform wallet %v", body["wallet"])
	}
}

func TestRouteOrderingAndGuards(t *testing.T) {
	app, _, _ := setupApp(t)

	// withdrawal details must not be captured by the owner wallet route
	status, body := send(t, app, fiber.MethodGet, "/api/v1/wallets/withdrawals/nope", "organizer", nil, "")
	if status != http.StatusNotFound {
		t.Fatalf("details = %d (%v)", status, body)
	}

	if status, _ := send(t, app, fiber.MethodPost, "/api/v1/wallets/EVENT/E9", "organizer", nil, `{}`); status != http.StatusBadRequest {
		t.Fatalf("expected missing Idempotency-Key to be rejected, got %d", status)
	}
	status, _ = send(t, app, fiber.MethodPost, "/api/v1/wallets/EVENT/E9", "organizer", map[string]string{"Idempotency-Key": "k-1"}, `{}`)
	if status != http.StatusCreated {
		t.Fatalf("ensure = %d", status)
	}

	status, _ = send(t, app, fiber.MethodPost, "/api/v1/admin/wallets/PLATFORM/adjust", "organizer",
		map[string]string{"Idempotency-Key": "k-2"}, `{"amount":"10","reason":"x"}`)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin adjust, got %d", status)
	}

	// webhooks bypass JWT and idempotency
	status, _ = send(t, app, fiber.MethodPost, "/api/v1/webhooks/payouts", "", nil, `{"reference":"po_missing","status":"successful"}`)
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		t.Fatalf("webhook should reach the callback handler, got %d", status)
	}
}
