package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketing/settlement/internal/ledger"
)

var group = ledger.Owner{Type: ledger.OwnerGroup, ID: "group-1"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    ledger.Store
	dir      *MemoryDirectory
	provider *StaticProvider
	svc      *Service
}

func newFixture(t *testing.T, outcome ledger.WithdrawalStatus, feeRate string) *fixture {
	t.Helper()
	store := ledger.NewInMemory()
	dir := NewMemoryDirectory()
	dir.AddUser(UserSummary{ID: "user-1", FullName: "Ada Obi", Email: "ada@example.com"})
	dir.AddBankAccount(BankAccount{ID: "ba-1", UserID: "user-1", BankName: "GTBank", BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada Obi"})
	dir.AddBankAccount(BankAccount{ID: "ba-2", UserID: "user-2", BankName: "Access", BankCode: "044", AccountNumber: "9988776655", AccountName: "Someone Else"})
	dir.AddOwner(group, "Lagos Hikers")

	provider := NewStaticProvider(outcome)
	rate := decimal.Zero
	if feeRate != "" {
		rate = dec(feeRate)
	}
	svc, err := NewService(store, provider, dir, Config{FeeRate: rate}, nil, nil)
	require.NoError(t, err)

	_, err = ledger.SeedBalance(context.Background(), store, group, "NGN", dec("900"))
	require.NoError(t, err)
	return &fixture{store: store, dir: dir, provider: provider, svc: svc}
}

func (f *fixture) balance(t *testing.T, owner ledger.Owner) decimal.Decimal {
	t.Helper()
	w, err := f.store.FindWallet(context.Background(), owner)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) assertReplays(t *testing.T, owner ledger.Owner) {
	t.Helper()
	ctx := context.Background()
	w, err := f.store.FindWallet(ctx, owner)
	require.NoError(t, err)
	entries, err := f.store.ListAllEntries(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, ledger.Verify(w, entries))
}

func request(amount string) RequestInput {
	return RequestInput{Owner: group, RequestedBy: "user-1", Amount: dec(amount), BankAccountID: "ba-1"}
}

func TestRequest_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalSuccessful, "")
	ctx := context.Background()

	_, err := f.svc.Request(ctx, request("2000"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.True(t, f.balance(t, group).Equal(dec("900")))
	_, total, err := f.store.ListWithdrawals(ctx, ledger.WithdrawalFilter{}, ledger.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, total)
	w, _ := f.store.FindWallet(ctx, group)
	entries, _ := f.store.ListAllEntries(ctx, w.ID)
	assert.Len(t, entries, 1)
}

func TestRequest_ValidatesBeforeReserving(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalSuccessful, "")
	ctx := context.Background()

	cases := []struct {
		name  string
		input RequestInput
		want  error
	}{
		{"zero amount", request("0"), ledger.ErrInvalidAmount},
		{"negative amount", request("-5"), ledger.ErrInvalidAmount},
		{"platform owner", RequestInput{Owner: ledger.PlatformOwner, RequestedBy: "user-1", Amount: dec("1"), BankAccountID: "ba-1"}, ledger.ErrInvalidOwner},
		{"unknown bank account", RequestInput{Owner: group, RequestedBy: "user-1", Amount: dec("1"), BankAccountID: "ba-404"}, ledger.ErrBankAccountNotFound},
		{"someone else's account", RequestInput{Owner: group, RequestedBy: "user-1", Amount: dec("1"), BankAccountID: "ba-2"}, ledger.ErrBankAccountNotFound},
		{"missing requester", RequestInput{Owner: group, Amount: dec("1"), BankAccountID: "ba-1"}, ledger.ErrInvalidRequest},
		{"missing wallet", RequestInput{Owner: ledger.Owner{Type: ledger.OwnerEvent, ID: "e-1"}, RequestedBy: "user-1", Amount: dec("1"), BankAccountID: "ba-1"}, ledger.ErrWalletNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.True(t, f.balance(t, group).Equal(dec("900")))
}

func TestRequest_SynchronousSuccess(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalSuccessful, "0.01")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("500"))
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalSuccessful, w.Status)
	assert.NotEmpty(t, w.PayoutReference)
	assert.NotNil(t, w.CompletedAt)
	assert.True(t, w.FeeAmount.Equal(dec("5")))
	assert.True(t, w.PayoutAmount().Equal(dec("495")))

	assert.True(t, f.balance(t, group).Equal(dec("400")))
	assert.True(t, f.balance(t, ledger.PlatformOwner).Equal(dec("5")))
	f.assertReplays(t, group)
	f.assertReplays(t, ledger.PlatformOwner)
}

func TestRequest_ReservesBeforeCallback(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("600"))
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, w.Status)
	assert.NotEmpty(t, w.PayoutReference)
	assert.True(t, f.balance(t, group).Equal(dec("300")))

	// the reserved funds cannot be withdrawn a second time
	_, err = f.svc.Request(ctx, request("400"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, changed, err := f.svc.HandleCallback(ctx, CallbackInput{Reference: w.PayoutReference, Status: "successful"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ledger.WithdrawalSuccessful, got.Status)
	assert.True(t, f.balance(t, group).Equal(dec("300")))
}

func TestHandleCallback_FailureCompensatesOnce(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("900"))
	require.NoError(t, err)
	assert.True(t, f.balance(t, group).IsZero())

	cb := CallbackInput{Reference: w.PayoutReference, Status: "FAILED", Reason: "account closed"}
	got, changed, err := f.svc.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ledger.WithdrawalFailed, got.Status)
	assert.Equal(t, "account closed", got.FailureReason)
	assert.True(t, f.balance(t, group).Equal(dec("900")))

	for i := 0; i < 3; i++ {
		_, changed, err = f.svc.HandleCallback(ctx, cb)
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.True(t, f.balance(t, group).Equal(dec("900")))

	// a late success for a failed payout is ignored too
	got, changed, err = f.svc.HandleCallback(ctx, CallbackInput{Reference: w.PayoutReference, Status: "successful"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, ledger.WithdrawalFailed, got.Status)
	f.assertReplays(t, group)
}

func TestHandleCallback_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("450"))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := f.svc.HandleCallback(ctx, CallbackInput{Reference: w.PayoutReference, Status: "failed"})
			if err == nil && changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changes)
	assert.True(t, f.balance(t, group).Equal(dec("900")))
}

func TestHandleCallback_ByWithdrawalID(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("100"))
	require.NoError(t, err)

	_, _, err = f.svc.HandleCallback(ctx, CallbackInput{Reference: "po_other", WithdrawalID: w.ID, Status: "successful"})
	require.ErrorIs(t, err, ledger.ErrInvalidRequest)

	got, changed, err := f.svc.HandleCallback(ctx, CallbackInput{WithdrawalID: w.ID, Status: "successful"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ledger.WithdrawalSuccessful, got.Status)

	_, _, err = f.svc.HandleCallback(ctx, CallbackInput{Reference: "po_missing", Status: "failed"})
	require.ErrorIs(t, err, ledger.ErrWithdrawalNotFound)
	_, _, err = f.svc.HandleCallback(ctx, CallbackInput{Reference: w.PayoutReference, Status: "lost"})
	require.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

type brokenProvider struct{}

func (brokenProvider) InitiatePayout(context.Context, PayoutRequest) (PayoutResult, error) {
	return PayoutResult{}, errors.New("provider unavailable")
}

func (brokenProvider) Status(context.Context, string) (PayoutResult, error) {
	return PayoutResult{}, errors.New("provider unavailable")
}

func TestRequest_ProviderErrorKeepsReservationPending(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	svc, err := NewService(f.store, brokenProvider{}, f.dir, Config{}, nil, nil)
	require.NoError(t, err)

	w, err := svc.Request(context.Background(), request("300"))
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalPending, w.Status)
	assert.Empty(t, w.PayoutReference)
	assert.Equal(t, 1, dispatchAttempts(w.Metadata))
	assert.Contains(t, w.Metadata["payout_error"], "provider unavailable")
	assert.True(t, f.balance(t, group).Equal(dec("600")))
	f.assertReplays(t, group)
}

// flakyProvider fails the first n initiations with a transport error.
type flakyProvider struct {
	*StaticProvider
	failures int
	keys     []string
}

func (p *flakyProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	p.keys = append(p.keys, req.IdempotencyKey)
	if p.failures > 0 {
		p.failures--
		return PayoutResult{}, errors.New("connection reset")
	}
	return p.StaticProvider.InitiatePayout(ctx, req)
}

func TestPollPending_RedispatchesAfterTransportError(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalSuccessful, "")
	ctx := context.Background()
	provider := &flakyProvider{StaticProvider: f.provider, failures: 1}
	svc, err := NewService(f.store, provider, f.dir, Config{}, nil, nil)
	require.NoError(t, err)

	w, err := svc.Request(ctx, request("300"))
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalPending, w.Status)

	report, err := svc.PollPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 1, Settled: 1}, report)

	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalSuccessful, got.Status)
	assert.NotEmpty(t, got.PayoutReference)
	assert.Equal(t, []string{w.ID, w.ID}, provider.keys)
	assert.True(t, f.balance(t, group).Equal(dec("600")))
}

func TestPollPending_FailsAfterDispatchAttemptsRunOut(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()
	svc, err := NewService(f.store, brokenProvider{}, f.dir, Config{}, nil, nil)
	require.NoError(t, err)

	w, err := svc.Request(ctx, request("300"))
	require.NoError(t, err)

	for i := 2; i < maxDispatchAttempts; i++ {
		report, err := svc.PollPending(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, PollReport{Checked: 1, Failed: 1}, report)
		assert.True(t, f.balance(t, group).Equal(dec("600")))
	}

	report, err := svc.PollPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 1, Settled: 1}, report)

	got, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalFailed, got.Status)
	assert.Contains(t, got.FailureReason, "provider unavailable")
	assert.True(t, f.balance(t, group).Equal(dec("900")))
	f.assertReplays(t, group)
}

func TestPollPending_SettlesFromProvider(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	first, err := f.svc.Request(ctx, request("100"))
	require.NoError(t, err)
	second, err := f.svc.Request(ctx, request("200"))
	require.NoError(t, err)

	f.provider.Resolve(first.PayoutReference, ledger.WithdrawalSuccessful, "")
	f.provider.Resolve(second.PayoutReference, ledger.WithdrawalFailed, "name mismatch")

	report, err := f.svc.PollPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 2, Settled: 2}, report)
	assert.True(t, f.balance(t, group).Equal(dec("800")))

	got, err := f.store.GetWithdrawal(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "name mismatch", got.FailureReason)
}

type failingUsers struct{ *MemoryDirectory }

func (failingUsers) Users(context.Context, []string) (map[string]UserSummary, error) {
	return nil, errors.New("identity service down")
}

func TestList_FiltersAndDegradesEnrichment(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	for _, amount := range []string{"100", "50", "75"} {
		_, err := f.svc.Request(ctx, request(amount))
		require.NoError(t, err)
	}

	page, err := f.svc.List(ctx, ledger.WithdrawalFilter{Status: ledger.WithdrawalPending, OwnerType: ledger.OwnerGroup},
		ledger.PageRequest{Sort: "amount", Order: "asc", Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].Amount.Equal(dec("50")))
	require.NotNil(t, page.Items[0].User)
	assert.Equal(t, "Ada Obi", page.Items[0].User.FullName)
	require.NotNil(t, page.Items[0].Wallet)
	assert.Equal(t, "675.00", page.Items[0].Wallet.Balance)

	_, err = f.svc.List(ctx, ledger.WithdrawalFilter{OwnerType: ledger.OwnerPlatform}, ledger.PageRequest{})
	require.ErrorIs(t, err, ledger.ErrInvalidOwner)
	_, err = f.svc.List(ctx, ledger.WithdrawalFilter{}, ledger.PageRequest{Sort: "bank"})
	require.ErrorIs(t, err, ledger.ErrInvalidRequest)

	degraded, err := NewService(f.store, f.provider, failingUsers{f.dir}, Config{}, nil, nil)
	require.NoError(t, err)
	page, err = degraded.List(ctx, ledger.WithdrawalFilter{}, ledger.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Nil(t, page.Items[0].User)
	assert.Equal(t, "user-1", page.Items[0].RequestedBy)
}

func TestDetails_MasksBankAccount(t *testing.T) {
	f := newFixture(t, ledger.WithdrawalPending, "")
	ctx := context.Background()

	w, err := f.svc.Request(ctx, request("100"))
	require.NoError(t, err)

	d, err := f.svc.Details(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, d.BankAccount)
	assert.Equal(t, "******6789", d.BankAccount.AccountNumber)
	assert.Equal(t, "6789", d.BankAccount.Last4)
	require.NotNil(t, d.Owner)
	assert.Equal(t, "Lagos Hikers", d.Owner.Name)
	require.NotNil(t, d.User)

	_, err = f.svc.Details(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrWithdrawalNotFound)
}
