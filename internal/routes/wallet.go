package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ticketing/settlement/internal/wallet"
)

// RegisterWalletRoutes wires wallet reads and explicit provisioning. The
// ownerless variants address the platform wallet. Specific paths are
// registered before the catch-all owner routes.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallets/:ownerType/:ownerId/ledger", h.Ledger)
	r.Get("/wallets/:ownerType/ledger", h.Ledger)
	r.Get("/wallets/:ownerType/:ownerId", h.Get)
	r.Get("/wallets/:ownerType", h.Get)
	r.Post("/wallets/:ownerType/:ownerId", h.Ensure)
}

// RegisterWalletAdminRoutes wires adjustments and reconciliation under /admin.
func RegisterWalletAdminRoutes(admin fiber.Router, h *wallet.Handler) {
	admin.Post("/wallets/:ownerType/:ownerId/adjust", h.Adjust)
	admin.Post("/wallets/:ownerType/adjust", h.Adjust)
	admin.Get("/wallets/:ownerType/:ownerId/reconcile", h.Reconcile)
	admin.Get("/wallets/:ownerType/reconcile", h.Reconcile)
}
