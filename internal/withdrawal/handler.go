package withdrawal

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/middleware"
	"github.com/ticketing/settlement/internal/wallet"
)

const webhookSecretHeader = "X-Webhook-Secret"

// Handler exposes withdrawal HTTP endpoints.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler builds a withdrawal HTTP handler. An empty webhook secret leaves
// the callback endpoint open, which only makes sense behind the gateway.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

type withdrawRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	BankAccountID string          `json:"bank_account_id"`

	// mobile clients send camelCase
	BankAccountIDCamel string `json:"bankAccountId"`
}

func (r withdrawRequest) bankAccount() string {
	if r.BankAccountID != "" {
		return r.BankAccountID
	}
	return r.BankAccountIDCamel
}

type withdrawalResponse struct {
	ID              string         `json:"id"`
	OwnerType       string         `json:"owner_type"`
	OwnerID         string         `json:"owner_id"`
	RequestedBy     string         `json:"requested_by"`
	WalletID        string         `json:"wallet_id"`
	BankAccountID   string         `json:"bank_account_id"`
	Amount          string         `json:"amount"`
	FeeAmount       string         `json:"fee_amount"`
	PayoutAmount    string         `json:"payout_amount"`
	Currency        string         `json:"currency"`
	Status          string         `json:"status"`
	PayoutReference string         `json:"payout_reference,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	User            *UserSummary   `json:"user,omitempty"`
	Wallet          *WalletSummary `json:"wallet,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

type detailsResponse struct {
	withdrawalResponse
	BankAccount *MaskedBankAccount `json:"bank_account,omitempty"`
	Owner       *OwnerSummary      `json:"owner,omitempty"`
}

type pageResponse struct {
	Items []withdrawalResponse `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

func toResponse(it Item) withdrawalResponse {
	w := it.Withdrawal
	return withdrawalResponse{
		ID:              w.ID,
		OwnerType:       string(w.OwnerType),
		OwnerID:         w.OwnerID,
		RequestedBy:     w.RequestedBy,
		WalletID:        w.WalletID,
		BankAccountID:   w.BankAccountID,
		Amount:          w.Amount.StringFixed(ledger.MoneyPlaces),
		FeeAmount:       w.FeeAmount.StringFixed(ledger.MoneyPlaces),
		PayoutAmount:    w.PayoutAmount().StringFixed(ledger.MoneyPlaces),
		Currency:        w.Currency,
		Status:          string(w.Status),
		PayoutReference: w.PayoutReference,
		FailureReason:   w.FailureReason,
		User:            it.User,
		Wallet:          it.Wallet,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
		CompletedAt:     w.CompletedAt,
	}
}

func toPageResponse(p ledger.Page[Item]) pageResponse {
	items := make([]withdrawalResponse, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, toResponse(it))
	}
	return pageResponse{Items: items, Total: p.Total, Page: p.Page, Limit: p.Limit}
}

// Withdraw reserves funds and starts a payout for the calling user.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	owner, err := wallet.OwnerFromParams(c)
	if err != nil {
		return err
	}
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
	}
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Request(c.UserContext(), RequestInput{
		Owner:         owner,
		RequestedBy:   principal.UserID,
		Amount:        req.Amount,
		BankAccountID: req.bankAccount(),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(Item{Withdrawal: w}))
}

// ListForWallet lists withdrawals drawn from one owner's wallet.
func (h *Handler) ListForWallet(c *fiber.Ctx) error {
	owner, err := wallet.OwnerFromParams(c)
	if err != nil {
		return err
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.OwnerType, filter.OwnerID = owner.Type, owner.ID
	return h.list(c, filter)
}

// ListForUser lists the calling user's withdrawals.
func (h *Handler) ListForUser(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
	}
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.RequestedBy = principal.UserID
	return h.list(c, filter)
}

// ListAll is the admin listing across every owner.
func (h *Handler) ListAll(c *fiber.Ctx) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	filter.OwnerID = c.Query("owner_id")
	filter.RequestedBy = c.Query("requested_by")
	return h.list(c, filter)
}

func (h *Handler) list(c *fiber.Ctx, filter ledger.WithdrawalFilter) error {
	page, err := h.service.List(c.UserContext(), filter, wallet.PageFromQuery(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toPageResponse(page))
}

// Details returns one withdrawal. Non-admin callers only see their own.
func (h *Handler) Details(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthenticated")
	}
	d, err := h.service.Details(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if !principal.IsAdmin() && d.RequestedBy != principal.UserID {
		return ledger.ErrWithdrawalNotFound
	}
	return c.Status(http.StatusOK).JSON(detailsResponse{
		withdrawalResponse: toResponse(d.Item),
		BankAccount:        d.BankAccount,
		Owner:              d.Owner,
	})
}

type callbackRequest struct {
	Reference    string `json:"reference"`
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

// Callback applies a payout status relayed by the payment gateway.
func (h *Handler) Callback(c *fiber.Ctx) error {
	if h.webhookSecret != "" {
		got := c.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid webhook secret")
		}
	}
	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, changed, err := h.service.HandleCallback(c.UserContext(), CallbackInput{
		Reference:    strings.TrimSpace(req.Reference),
		WithdrawalID: strings.TrimSpace(req.WithdrawalID),
		Status:       req.Status,
		Reason:       req.Reason,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"withdrawal_id": w.ID,
		"status":        string(w.Status),
		"changed":       changed,
	})
}

func filterFromQuery(c *fiber.Ctx) (ledger.WithdrawalFilter, error) {
	var f ledger.WithdrawalFilter
	if raw := c.Query("status"); raw != "" {
		status, err := ledger.ParseWithdrawalStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = status
	}
	if raw := c.Query("owner_type"); raw != "" {
		t, err := ledger.ParseOwnerType(raw)
		if err != nil {
			return f, err
		}
		f.OwnerType = t
	}
	return f, nil
}
