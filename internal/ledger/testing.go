package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedBalance credits a wallet through a regular ADJUSTMENT entry so the seeded
// balance stays reproducible by replay. Intended for tests.
func SeedBalance(ctx context.Context, store Store, owner Owner, currency string, amount decimal.Decimal) (Wallet, error) {
	var out Wallet
	err := store.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.EnsureWallet(ctx, owner, currency)
		if err != nil {
			return err
		}
		out, _, err = tx.Apply(ctx, w, EntryDraft{
			Type:      EntryAdjustment,
			Direction: Credit,
			Amount:    amount,
			Metadata:  map[string]any{"reason": "seed"},
		})
		return err
	})
	return out, err
}
