package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places balances are kept to.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// nextBalance applies a draft to a balance. Debits may never take a wallet
// below zero.
func nextBalance(balance decimal.Decimal, draft EntryDraft) (decimal.Decimal, error) {
	if err := draft.Validate(); err != nil {
		return decimal.Decimal{}, err
	}
	next := balance.Add(draft.Direction.Signed(draft.Amount))
	if next.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientFunds, balance.StringFixed(MoneyPlaces), draft.Amount.StringFixed(MoneyPlaces))
	}
	return next, nil
}

// Fold replays entries in creation order and returns the resulting balance.
// Entries must belong to one wallet and be sorted by Seq.
func Fold(entries []Entry) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.Direction.Signed(e.Amount))
	}
	return balance
}

// Drift describes a mismatch found while replaying a wallet's ledger.
type Drift struct {
	WalletID string
	// EntryID is set when an entry's balance snapshot disagrees with the replay.
	EntryID  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (d Drift) Error() string {
	if d.EntryID != "" {
		return fmt.Sprintf("wallet %s entry %s: replayed balance %s, recorded %s", d.WalletID, d.EntryID, d.Expected, d.Actual)
	}
	return fmt.Sprintf("wallet %s: replayed balance %s, stored %s", d.WalletID, d.Expected, d.Actual)
}

// Verify replays entries and checks every balance snapshot and the stored
// balance. It returns nil when the wallet is consistent.
func Verify(wallet Wallet, entries []Entry) *Drift {
	running := decimal.Zero
	for _, e := range entries {
		running = running.Add(e.Direction.Signed(e.Amount))
		if !running.Equal(e.BalanceAfter) {
			return &Drift{WalletID: wallet.ID, EntryID: e.ID, Expected: running, Actual: e.BalanceAfter}
		}
	}
	if !running.Equal(wallet.Balance) {
		return &Drift{WalletID: wallet.ID, Expected: running, Actual: wallet.Balance}
	}
	return nil
}
