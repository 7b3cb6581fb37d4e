package wallet

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// OwnerFromParams reads :ownerType and the optional :ownerId route params.
func OwnerFromParams(c *fiber.Ctx) (ledger.Owner, error) {
	return ledger.NewOwner(c.Params("ownerType"), c.Params("ownerId"))
}

// PageFromQuery reads page, limit, sort and order query params.
func PageFromQuery(c *fiber.Ctx) ledger.PageRequest {
	return ledger.PageRequest{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", 0),
		Sort:  c.Query("sort"),
		Order: c.Query("order"),
	}.Normalize()
}

// Get returns the wallet with its most recent entries.
func (h *Handler) Get(c *fiber.Ctx) error {
	owner, err := OwnerFromParams(c)
	if err != nil {
		return err
	}
	snap, err := h.service.Get(c.UserContext(), owner, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(snapshotResponse{
		Wallet: toWalletResponse(snap.Wallet),
		Ledger: toEntryResponses(snap.Entries),
	})
}

// Ledger returns a page of the wallet's ledger.
func (h *Handler) Ledger(c *fiber.Ctx) error {
	owner, err := OwnerFromParams(c)
	if err != nil {
		return err
	}
	page, err := h.service.Ledger(c.UserContext(), owner, PageFromQuery(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(ledgerPageResponse{
		Items: toEntryResponses(page.Items),
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
	})
}

type ensureRequest struct {
	Currency string `json:"currency"`
}

// Ensure provisions the owner's wallet.
func (h *Handler) Ensure(c *fiber.Ctx) error {
	owner, err := OwnerFromParams(c)
	if err != nil {
		return err
	}
	var req ensureRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	w, err := h.service.Ensure(c.UserContext(), owner, req.Currency)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w))
}

type adjustRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Adjust applies an administrative correction on behalf of the calling admin.
func (h *Handler) Adjust(c *fiber.Ctx) error {
	owner, err := OwnerFromParams(c)
	if err != nil {
		return err
	}
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
	}
	res, err := h.service.Adjust(c.UserContext(), AdjustInput{
		Owner:      owner,
		Amount:     req.Amount,
		Reason:     req.Reason,
		AdjustedBy: principal.UserID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet": toWalletResponse(res.Wallet),
		"entry":  toEntryResponses([]ledger.Entry{res.Entry})[0],
	})
}

// Reconcile replays one wallet's ledger and reports drift.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	owner, err := OwnerFromParams(c)
	if err != nil {
		return err
	}
	snap, err := h.service.Get(c.UserContext(), owner, 1)
	if err != nil {
		return err
	}
	drift, err := h.service.Reconcile(c.UserContext(), snap.Wallet.ID)
	if err != nil {
		return err
	}
	if drift == nil {
		return c.JSON(fiber.Map{"wallet_id": snap.Wallet.ID, "consistent": true})
	}
	return c.JSON(fiber.Map{
		"wallet_id":  snap.Wallet.ID,
		"consistent": false,
		"entry_id":   drift.EntryID,
		"expected":   drift.Expected.StringFixed(ledger.MoneyPlaces),
		"actual":     drift.Actual.StringFixed(ledger.MoneyPlaces),
	})
}
