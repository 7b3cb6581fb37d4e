package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/payout"

	"github.com/ticketing/settlement/internal/ledger"
)

// currencyExponent lists currencies whose minor unit is not 1/100.
var currencyExponent = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0, "mga": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// minorUnits converts an amount to the integer Stripe expects for currency.
// Amounts finer than the currency's minor unit are rejected rather than
// truncated.
func minorUnits(amount decimal.Decimal, currency string) (int64, error) {
	code := strings.ToLower(strings.TrimSpace(currency))
	if len(code) != 3 {
		return 0, fmt.Errorf("invalid payout currency %q", currency)
	}
	exp, ok := currencyExponent[code]
	if !ok {
		exp = 2
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, strings.ToUpper(code))
	}
	return shifted.IntPart(), nil
}

type payoutAPI interface {
	New(params *stripe.PayoutParams) (*stripe.Payout, error)
	Get(id string, params *stripe.PayoutParams) (*stripe.Payout, error)
}

// StripeProvider sends payouts through Stripe.
type StripeProvider struct {
	api payoutAPI
}

// NewStripeProvider builds a provider for the given secret key.
func NewStripeProvider(secretKey string) (*StripeProvider, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	return &StripeProvider{api: payout.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}, nil
}

// InitiatePayout creates a Stripe payout to the account's external bank account.
// Amounts are sent in minor units.
func (p *StripeProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	destination := req.BankAccount.ProviderRef
	if destination == "" {
		return PayoutResult{}, fmt.Errorf("bank account %s has no provider reference", req.BankAccount.ID)
	}
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return PayoutResult{}, err
	}
	params := &stripe.PayoutParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(destination),
		Description: stripe.String("withdrawal " + req.WithdrawalID),
	}
	params.Context = ctx
	params.AddMetadata("withdrawal_id", req.WithdrawalID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	po, err := p.api.New(params)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("stripe payout: %w", err)
	}
	return fromStripe(po), nil
}

// Status fetches the current payout state.
func (p *StripeProvider) Status(ctx context.Context, reference string) (PayoutResult, error) {
	params := &stripe.PayoutParams{}
	params.Context = ctx
	po, err := p.api.Get(reference, params)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("stripe payout %s: %w", reference, err)
	}
	return fromStripe(po), nil
}

func fromStripe(po *stripe.Payout) PayoutResult {
	res := PayoutResult{Reference: po.ID, Status: ledger.WithdrawalPending}
	switch po.Status {
	case stripe.PayoutStatusPaid:
		res.Status = ledger.WithdrawalSuccessful
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		res.Status = ledger.WithdrawalFailed
		res.Reason = po.FailureMessage
		if res.Reason == "" {
			res.Reason = string(po.Status)
		}
	}
	return res
}
