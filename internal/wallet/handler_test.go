package wallet

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/middleware"
)

const testSecret = "test-secret"

func setupHandlerApp(t *testing.T) (*fiber.App, ledger.Store) {
	t.Helper()
	store := ledger.NewInMemory()
	h := NewHandler(NewService(store, "NGN", nil, nil))

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(nil)})
	api := app.Group("", middleware.JWTAuth(testSecret))
	api.Get("/wallets/:ownerType/:ownerId/ledger", h.Ledger)
	api.Get("/wallets/:ownerType/ledger", h.Ledger)
	api.Get("/wallets/:ownerType/:ownerId", h.Get)
	api.Get("/wallets/:ownerType", h.Get)
	admin := api.Group("/admin", middleware.RequireAdmin())
	admin.Post("/wallets/:ownerType/:ownerId/adjust", h.Adjust)
	admin.Post("/wallets/:ownerType/adjust", h.Adjust)
	return app, store
}

func doRequest(t *testing.T, app *fiber.App, method, path, role, body string) (*http.Response, map[string]any) {
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
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	decoded := map[string]any{}
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestHandlerGetWallet(t *testing.T) {
	app, store := setupHandlerApp(t)
	if _, err := ledger.SeedBalance(context.Background(), store, ledger.Owner{Type: ledger.OwnerGroup, ID: "g-1"}, "NGN", decimal.NewFromInt(900)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doRequest(t, app, fiber.MethodGet, "/wallets/group/g-1", "organizer", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	w, _ := body["wallet"].(map[string]any)
	if w["balance"] != "900.00" || w["owner_type"] != "GROUP" {
		t.Fatalf("unexpected wallet payload: %v", w)
	}
	if entries, _ := body["ledger"].([]any); len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %v", body["ledger"])
	}

	resp, _ = doRequest(t, app, fiber.MethodGet, "/wallets/group/missing", "organizer", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, app, fiber.MethodGet, "/wallets/venue/v-1", "organizer", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown owner type, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, app, fiber.MethodGet, "/wallets/group/g-1", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHandlerAdjustPlatform(t *testing.T) {
	app, store := setupHandlerApp(t)
	if _, err := ledger.SeedBalance(context.Background(), store, ledger.PlatformOwner, "NGN", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, _ := doRequest(t, app, fiber.MethodPost, "/admin/wallets/platform/adjust", "organizer", `{"amount": -50, "reason": "correction"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}

	resp, body := doRequest(t, app, fiber.MethodPost, "/admin/wallets/PLATFORM/adjust", middleware.RoleAdmin, `{"amount": "-50", "reason": "correction"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	entry, _ := body["entry"].(map[string]any)
	meta, _ := entry["metadata"].(map[string]any)
	if entry["direction"] != "DEBIT" || meta["adjusted_by"] != "user-1" {
		t.Fatalf("unexpected entry: %v", entry)
	}

	resp, _ = doRequest(t, app, fiber.MethodPost, "/admin/wallets/platform/adjust", middleware.RoleAdmin, `{"amount": -500, "reason": "too much"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overdraw, got %d", resp.StatusCode)
	}

	resp, body = doRequest(t, app, fiber.MethodGet, "/wallets/platform/ledger?limit=1", "organizer", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["total"] != float64(2) {
		t.Fatalf("expected two platform entries, got %v", body["total"])
	}
}
