package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerType identifies what kind of entity a wallet belongs to.
type OwnerType string

const (
	OwnerEvent    OwnerType = "EVENT"
	OwnerGroup    OwnerType = "GROUP"
	OwnerPlatform OwnerType = "PLATFORM"
)

// ParseOwnerType normalizes a case-insensitive owner type.
func ParseOwnerType(raw string) (OwnerType, error) {
	switch t := OwnerType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case OwnerEvent, OwnerGroup, OwnerPlatform:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown owner type %q", ErrInvalidOwner, raw)
	}
}

// Owner is the (type, id) pair a wallet is keyed by. The platform wallet is a
// singleton and has no id.
type Owner struct {
	Type OwnerType
	ID   string
}

// PlatformOwner is the owner of the fee wallet.
var PlatformOwner = Owner{Type: OwnerPlatform}

// NewOwner parses and validates an owner pair.
func NewOwner(ownerType, ownerID string) (Owner, error) {
	t, err := ParseOwnerType(ownerType)
	if err != nil {
		return Owner{}, err
	}
	o := Owner{Type: t, ID: strings.TrimSpace(ownerID)}
	return o, o.Validate()
}

// Validate enforces that PLATFORM has no id and every other owner has one.
func (o Owner) Validate() error {
	switch o.Type {
	case OwnerPlatform:
		if o.ID != "" {
			return fmt.Errorf("%w: platform wallet takes no owner id", ErrInvalidOwner)
		}
	case OwnerEvent, OwnerGroup:
		if o.ID == "" {
			return fmt.Errorf("%w: owner id required for %s", ErrInvalidOwner, o.Type)
		}
	default:
		return fmt.Errorf("%w: unknown owner type %q", ErrInvalidOwner, o.Type)
	}
	return nil
}

func (o Owner) IsPlatform() bool { return o.Type == OwnerPlatform }

func (o Owner) String() string {
	if o.ID == "" {
		return string(o.Type)
	}
	return string(o.Type) + ":" + o.ID
}

// Wallet is an owner-scoped balance. Balance always equals the fold of the
// wallet's entries.
type Wallet struct {
	ID        string
	OwnerType OwnerType
	OwnerID   string
	Balance   decimal.Decimal
	Currency  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w Wallet) Owner() Owner { return Owner{Type: w.OwnerType, ID: w.OwnerID} }

// EntryType classifies why a ledger entry exists.
type EntryType string

const (
	EntryFunding    EntryType = "FUNDING"
	EntryFee        EntryType = "FEE"
	EntryAdjustment EntryType = "ADJUSTMENT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
)

// Direction is the sign of an entry.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// Signed returns amount with the direction's sign applied.
func (d Direction) Signed(amount decimal.Decimal) decimal.Decimal {
	if d == Debit {
		return amount.Neg()
	}
	return amount
}

// Entry is an immutable ledger record. Seq orders entries by creation.
type Entry struct {
	ID                string
	Seq               int64
	WalletID          string
	Type              EntryType
	Direction         Direction
	Amount            decimal.Decimal
	BalanceAfter      decimal.Decimal
	OwnerType         OwnerType
	OwnerID           string
	TransactionID     string
	ExternalReference string
	Metadata          map[string]any
	CreatedAt         time.Time
}

// EntryDraft is the caller-supplied part of an entry; the store fills in ids,
// owner denormalization and the balance snapshot.
type EntryDraft struct {
	Type              EntryType
	Direction         Direction
	Amount            decimal.Decimal
	TransactionID     string
	ExternalReference string
	Metadata          map[string]any
}

// Validate rejects drafts that cannot produce a valid entry.
func (d EntryDraft) Validate() error {
	switch d.Type {
	case EntryFunding, EntryFee, EntryAdjustment, EntryWithdrawal:
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidTransaction, d.Type)
	}
	if d.Direction != Credit && d.Direction != Debit {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidTransaction, d.Direction)
	}
	if !d.Amount.IsPositive() {
		return fmt.Errorf("%w: entry amount must be positive", ErrInvalidAmount)
	}
	return nil
}

// WithdrawalStatus is the state of a payout request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalSuccessful WithdrawalStatus = "successful"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// ParseWithdrawalStatus accepts the three known states, case-insensitively.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	switch s := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case WithdrawalPending, WithdrawalSuccessful, WithdrawalFailed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown withdrawal status %q", ErrInvalidRequest, raw)
	}
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalSuccessful || s == WithdrawalFailed
}

// Withdrawal is an owner-initiated payout. Funds are reserved (debited) at
// creation; a failed payout credits them back.
type Withdrawal struct {
	ID              string
	OwnerType       OwnerType
	OwnerID         string
	RequestedBy     string
	WalletID        string
	BankAccountID   string
	Amount          decimal.Decimal
	FeeAmount       decimal.Decimal
	Currency        string
	Status          WithdrawalStatus
	PayoutReference string
	FailureReason   string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (w Withdrawal) Owner() Owner { return Owner{Type: w.OwnerType, ID: w.OwnerID} }

// PayoutAmount is what actually leaves the platform.
func (w Withdrawal) PayoutAmount() decimal.Decimal { return w.Amount.Sub(w.FeeAmount) }

// WithdrawalFilter narrows withdrawal listings. Empty fields match everything.
type WithdrawalFilter struct {
	Status      WithdrawalStatus
	OwnerType   OwnerType
	OwnerID     string
	RequestedBy string
}

// Transaction is a verified payment handed over by the payment gateway layer.
type Transaction struct {
	ID         string           `json:"id"`
	Amount     decimal.Decimal  `json:"amount"`
	BaseAmount *decimal.Decimal `json:"base_amount,omitempty"`
	FeeAmount  *decimal.Decimal `json:"fee_amount,omitempty"`
	Provider   string           `json:"provider"`
	Currency   string           `json:"currency"`
	Reference  string           `json:"reference"`
	Status     string           `json:"status"`
}

// Base returns baseAmount when present, otherwise the legacy amount.
func (t Transaction) Base() decimal.Decimal {
	if t.BaseAmount != nil && t.BaseAmount.IsPositive() {
		return *t.BaseAmount
	}
	return t.Amount
}

// Validate checks the preconditions shared by funding and refunds.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: transaction id required", ErrInvalidTransaction)
	}
	if !t.Base().IsPositive() {
		return fmt.Errorf("%w: transaction amount must be positive", ErrInvalidAmount)
	}
	return nil
}

const (
	defaultPageLimit = 20
	// MaxPageLimit caps every paginated listing.
	MaxPageLimit = 100
)

// PageRequest describes a page of a listing.
type PageRequest struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

// Normalize clamps the request to sane bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if !strings.EqualFold(p.Order, "asc") {
		p.Order = "desc"
	} else {
		p.Order = "asc"
	}
	return p
}

func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is one page of a listing together with the unpaged total.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// NewPage wraps items returned for a normalized request.
func NewPage[T any](items []T, total int64, req PageRequest) Page[T] {
	req = req.Normalize()
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: req.Page, Limit: req.Limit}
}

// Refund records one refund applied against a funded transaction. It is written
// even when both debits were clamped to zero so the refund still counts toward
// the transaction's refundable total.
type Refund struct {
	ID            string
	TransactionID string
	WalletID      string
	Amount        decimal.Decimal
	// FeeShare is the part of Amount attributed to the original fee, whether or
	// not the platform wallet could cover it.
	FeeShare    decimal.Decimal
	NetDebited  decimal.Decimal
	FeeRefunded decimal.Decimal
	Shortfall   decimal.Decimal
	Reason      string
	CreatedAt   time.Time
}
