package withdrawal

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"

	"github.com/ticketing/settlement/internal/ledger"
)

type fakePayouts struct {
	created *stripe.PayoutParams
	reply   *stripe.Payout
}

func (f *fakePayouts) New(params *stripe.PayoutParams) (*stripe.Payout, error) {
	f.created = params
	return f.reply, nil
}

func (f *fakePayouts) Get(_ string, _ *stripe.PayoutParams) (*stripe.Payout, error) {
	return f.reply, nil
}

func TestStripeProvider_SendsMinorUnits(t *testing.T) {
	api := &fakePayouts{reply: &stripe.Payout{ID: "po_123", Status: stripe.PayoutStatusInTransit}}
	p := &StripeProvider{api: api}

	res, err := p.InitiatePayout(context.Background(), PayoutRequest{
		WithdrawalID:   "w-1",
		Amount:         dec("1234.56"),
		Currency:       "NGN",
		BankAccount:    BankAccount{ID: "ba-1", ProviderRef: "ba_stripe"},
		IdempotencyKey: "w-1",
	})
	require.NoError(t, err)
	assert.Equal(t, PayoutResult{Reference: "po_123", Status: ledger.WithdrawalPending}, res)
	require.NotNil(t, api.created)
	assert.Equal(t, int64(123456), *api.created.Amount)
	assert.Equal(t, "ngn", *api.created.Currency)
	assert.Equal(t, "ba_stripe", *api.created.Destination)
	assert.Equal(t, "w-1", *api.created.IdempotencyKey)
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"1234.56", "NGN", 123456, false},
		{"10", "usd", 1000, false},
		{"5000", "XOF", 5000, false},
		{"5000", "XAF", 5000, false},
		{"1200", "JPY", 1200, false},
		{"30000", "krw", 30000, false},
		{"1.234", "KWD", 1234, false},
		{"1200.50", "JPY", 0, true},
		{"10.005", "NGN", 0, true},
		{"10", "", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.amount+" "+tc.currency, func(t *testing.T) {
			got, err := minorUnits(dec(tc.amount), tc.currency)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStripeProvider_ZeroDecimalCurrency(t *testing.T) {
	api := &fakePayouts{reply: &stripe.Payout{ID: "po_xof", Status: stripe.PayoutStatusPending}}
	p := &StripeProvider{api: api}

	_, err := p.InitiatePayout(context.Background(), PayoutRequest{
		WithdrawalID: "w-2",
		Amount:       dec("25000"),
		Currency:     "XOF",
		BankAccount:  BankAccount{ID: "ba-1", ProviderRef: "ba_stripe"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25000), *api.created.Amount)
	assert.Equal(t, "xof", *api.created.Currency)
}

func TestStripeProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		payout *stripe.Payout
		want   ledger.WithdrawalStatus
	}{
		{&stripe.Payout{ID: "a", Status: stripe.PayoutStatusPaid}, ledger.WithdrawalSuccessful},
		{&stripe.Payout{ID: "b", Status: stripe.PayoutStatusFailed, FailureMessage: "account closed"}, ledger.WithdrawalFailed},
		{&stripe.Payout{ID: "c", Status: stripe.PayoutStatusCanceled}, ledger.WithdrawalFailed},
		{&stripe.Payout{ID: "d", Status: stripe.PayoutStatusPending}, ledger.WithdrawalPending},
	}
	for _, tc := range cases {
		p := &StripeProvider{api: &fakePayouts{reply: tc.payout}}
		res, err := p.Status(context.Background(), tc.payout.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Status, tc.payout.ID)
		if tc.want == ledger.WithdrawalFailed {
			assert.NotEmpty(t, res.Reason)
		}
	}
}

func TestStripeProvider_RequiresDestination(t *testing.T) {
	p := &StripeProvider{api: &fakePayouts{}}
	_, err := p.InitiatePayout(context.Background(), PayoutRequest{Amount: dec("1"), BankAccount: BankAccount{ID: "ba-1"}})
	assert.Error(t, err)

	_, err = NewStripeProvider(" ")
	assert.Error(t, err)
}

func TestStaticProvider_IdempotentReferences(t *testing.T) {
	p := NewStaticProvider(ledger.WithdrawalFailed)
	ctx := context.Background()

	first, err := p.InitiatePayout(ctx, PayoutRequest{Amount: dec("10"), IdempotencyKey: "w-1"})
	require.NoError(t, err)
	again, err := p.InitiatePayout(ctx, PayoutRequest{Amount: dec("10"), IdempotencyKey: "w-1"})
	require.NoError(t, err)
	other, err := p.InitiatePayout(ctx, PayoutRequest{Amount: dec("10"), IdempotencyKey: "w-2"})
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotEqual(t, first.Reference, other.Reference)
	assert.True(t, strings.HasPrefix(first.Reference, "po_"))
	assert.Less(t, first.Reference, other.Reference)
	assert.Equal(t, ledger.WithdrawalFailed, first.Status)
	assert.NotEmpty(t, first.Reason)

	_, err = p.InitiatePayout(ctx, PayoutRequest{Amount: dec("0")})
	assert.Error(t, err)
	_, err = p.Status(ctx, "po_unknown")
	assert.Error(t, err)
}

func TestBankAccountMasking(t *testing.T) {
	acct := BankAccount{AccountNumber: "0123456789"}
	assert.Equal(t, "6789", acct.Last4())
	assert.Equal(t, "******6789", acct.MaskedNumber())
	short := BankAccount{AccountNumber: "123"}
	assert.Equal(t, "***", short.MaskedNumber())
}
