package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ticketing/settlement/internal/withdrawal"
)

// RegisterWithdrawalRoutes wires the organizer-facing withdrawal endpoints.
// They must be registered before the wallet catch-all routes.
func RegisterWithdrawalRoutes(r fiber.Router, h *withdrawal.Handler, limiter fiber.Handler) {
	r.Get("/users/withdrawals", h.ListForUser)
	r.Get("/wallets/withdrawals/:id", h.Details)
	r.Post("/wallets/:ownerType/:ownerId/withdraw", limiter, h.Withdraw)
	r.Get("/wallets/:ownerType/:ownerId/withdrawals", h.ListForWallet)
}

// RegisterWithdrawalAdminRoutes wires the cross-owner listing under /admin.
func RegisterWithdrawalAdminRoutes(admin fiber.Router, h *withdrawal.Handler) {
	admin.Get("/withdrawals", h.ListAll)
}

// RegisterWebhookRoutes wires provider callbacks relayed by the gateway. They
// carry no user token and are authenticated by a shared secret.
func RegisterWebhookRoutes(r fiber.Router, h *withdrawal.Handler) {
	r.Post("/webhooks/payouts", h.Callback)
}
