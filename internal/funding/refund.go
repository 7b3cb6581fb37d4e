package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/notification"
)

const refundKind = "refund"

// RefundInput describes a refund or chargeback against a funded transaction.
type RefundInput struct {
	Owner       ledger.Owner
	Transaction ledger.Transaction
	Amount      decimal.Decimal
	Reason      string
	Reference   string
}

// RefundResult reports the split actually applied. NetDebited + FeeRefunded +
// Shortfall always equals the refunded amount.
type RefundResult struct {
	TransactionID        string
	RefundID             string
	WalletBalanceAfter   decimal.Decimal
	PlatformBalanceAfter decimal.Decimal
	NetDebited           decimal.Decimal
	FeeRefunded          decimal.Decimal
	Shortfall            decimal.Decimal
	Entries              []ledger.Entry
}

// original is what the ledger says a transaction was funded with, and how much
// of it has already been reversed.
type original struct {
	amount       decimal.Decimal
	fee          decimal.Decimal
	refunded     decimal.Decimal
	feeRefunded  decimal.Decimal
	fromLedger   bool
	fundedWallet string
}

func (o original) remaining() decimal.Decimal { return o.amount.Sub(o.refunded) }

// Refund reverses part or all of a funding, splitting the refund between owner
// and platform in the same proportion as the original fee. Original amounts are
// read back from the transaction's FUNDING and FEE entries so a later fee rate
// change cannot skew historical refunds. Debits that would overdraw a wallet
// are clamped at zero; the uncollected part is logged and reported as Shortfall.
func (s *Service) Refund(ctx context.Context, input RefundInput) (RefundResult, error) {
	if err := validateOwner(input.Owner); err != nil {
		return RefundResult{}, err
	}
	txn := input.Transaction
	if strings.TrimSpace(txn.ID) == "" {
		return RefundResult{}, fmt.Errorf("%w: transaction id required", ledger.ErrInvalidTransaction)
	}
	amount := ledger.RoundMoney(input.Amount)
	if !amount.IsPositive() {
		return RefundResult{}, fmt.Errorf("%w: refund must be positive, got %s", ledger.ErrInvalidRefundAmount, input.Amount)
	}

	refundID := strings.TrimSpace(input.Reference)
	if refundID == "" {
		refundID = uuid.NewString()
	}
	res := RefundResult{TransactionID: txn.ID, RefundID: refundID}

	var walletID string
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		prior, err := tx.EntriesByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		records, err := tx.RefundsByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		orig, err := s.originalFunding(txn, prior, records)
		if err != nil {
			return err
		}

		owner, err := tx.LockWallet(ctx, input.Owner)
		if err != nil {
			return err
		}
		if orig.fundedWallet != "" && orig.fundedWallet != owner.ID {
			return fmt.Errorf("%w: transaction %s was not funded into %s", ledger.ErrInvalidTransaction, txn.ID, input.Owner)
		}
		walletID = owner.ID
		platform, err := tx.LockWallet(ctx, ledger.PlatformOwner)
		if err != nil {
			if errors.Is(err, ledger.ErrWalletNotFound) {
				return ledger.ErrPlatformWalletNotFound
			}
			return err
		}
		if seen, err := refundSeen(ctx, tx, owner.ID, input.Reference, records); err != nil {
			return err
		} else if seen {
			res.WalletBalanceAfter, res.PlatformBalanceAfter = owner.Balance, platform.Balance
			return fmt.Errorf("%w: refund %s", ledger.ErrDuplicateTransaction, input.Reference)
		}
		if amount.GreaterThan(orig.remaining()) {
			return fmt.Errorf("%w: refund %s exceeds refundable %s of %s", ledger.ErrInvalidRefundAmount,
				amount.StringFixed(ledger.MoneyPlaces), orig.remaining().StringFixed(ledger.MoneyPlaces), orig.amount.StringFixed(ledger.MoneyPlaces))
		}

		feeToRefund := ledger.RoundMoney(amount.Div(orig.amount).Mul(orig.fee))
		if amount.Equal(orig.remaining()) {
			// last refund absorbs rounding so the whole fee comes back exactly
			feeToRefund = orig.fee.Sub(orig.feeRefunded)
		}
		net := amount.Sub(feeToRefund)

		ownerDebit := decimal.Min(net, owner.Balance)
		platformDebit := decimal.Min(feeToRefund, platform.Balance)
		ownerShort := net.Sub(ownerDebit)
		platformShort := feeToRefund.Sub(platformDebit)
		res.Shortfall = ownerShort.Add(platformShort)
		if res.Shortfall.IsPositive() {
			s.logger.Warn("refund would overdraw wallet, clamping at zero",
				"transaction_id", txn.ID,
				"refund_id", refundID,
				"owner_shortfall", ownerShort.String(),
				"platform_shortfall", platformShort.String(),
			)
		}

		meta := map[string]any{
			"kind":           refundKind,
			"refund_id":      refundID,
			"transaction_id": txn.ID,
			"refund_amount":  amount.String(),
			"net_debited":    net.String(),
			"fee_refunded":   feeToRefund.String(),
			"original_from":  originSource(orig),
		}
		if input.Reason != "" {
			meta["reason"] = input.Reason
		}

		// the record is written even when both debits clamp to zero, otherwise the
		// refund would not count toward the refundable total
		err = tx.InsertRefund(ctx, ledger.Refund{
			ID:            refundID,
			TransactionID: txn.ID,
			WalletID:      owner.ID,
			Amount:        amount,
			FeeShare:      feeToRefund,
			NetDebited:    ownerDebit,
			FeeRefunded:   platformDebit,
			Shortfall:     res.Shortfall,
			Reason:        input.Reason,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateTransaction) {
				res.WalletBalanceAfter, res.PlatformBalanceAfter = owner.Balance, platform.Balance
			}
			return err
		}

		res.WalletBalanceAfter, res.PlatformBalanceAfter = owner.Balance, platform.Balance
		if ownerDebit.IsPositive() {
			var e ledger.Entry
			owner, e, err = tx.Apply(ctx, owner, ledger.EntryDraft{
				Type:              ledger.EntryAdjustment,
				Direction:         ledger.Debit,
				Amount:            ownerDebit,
				TransactionID:     txn.ID,
				ExternalReference: input.Reference,
				Metadata:          withMeta(meta, "side", "owner", "shortfall", ownerShort.String()),
			})
			if err != nil {
				return err
			}
			res.Entries = append(res.Entries, e)
		}
		if platformDebit.IsPositive() {
			var e ledger.Entry
			platform, e, err = tx.Apply(ctx, platform, ledger.EntryDraft{
				Type:              ledger.EntryAdjustment,
				Direction:         ledger.Debit,
				Amount:            platformDebit,
				TransactionID:     txn.ID,
				ExternalReference: input.Reference,
				Metadata:          withMeta(meta, "side", "platform", "shortfall", platformShort.String()),
			})
			if err != nil {
				return err
			}
			res.Entries = append(res.Entries, e)
		}

		res.WalletBalanceAfter, res.PlatformBalanceAfter = owner.Balance, platform.Balance
		res.NetDebited, res.FeeRefunded = ownerDebit, platformDebit
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return res, err
		}
		return RefundResult{}, err
	}

	s.logger.Info("transaction refunded",
		"transaction_id", txn.ID,
		"refund_id", refundID,
		"net_debited", res.NetDebited.String(),
		"fee_refunded", res.FeeRefunded.String(),
	)
	notification.Emit(ctx, s.publisher, s.logger, notification.Event{
		Kind:          notification.KindWalletRefunded,
		WalletID:      walletID,
		OwnerType:     string(input.Owner.Type),
		OwnerID:       input.Owner.ID,
		Amount:        amount.StringFixed(ledger.MoneyPlaces),
		Balance:       res.WalletBalanceAfter.StringFixed(ledger.MoneyPlaces),
		TransactionID: txn.ID,
		Reference:     refundID,
		Data: map[string]any{
			"net_debited":  res.NetDebited.String(),
			"fee_refunded": res.FeeRefunded.String(),
			"shortfall":    res.Shortfall.String(),
			"reason":       input.Reason,
		},
	})
	return res, nil
}

// originalFunding reconstructs the funded gross and fee of a transaction from
// its ledger entries, and what has been refunded so far from its refund
// records. Transactions settled before entries carried their ids fall back to
// the transaction amount and the configured rate.
func (s *Service) originalFunding(txn ledger.Transaction, entries []ledger.Entry, records []ledger.Refund) (original, error) {
	var (
		orig    original
		refunds = map[string]bool{}
	)
	for _, r := range records {
		refunds[r.ID] = true
		orig.refunded = orig.refunded.Add(r.Amount)
		orig.feeRefunded = orig.feeRefunded.Add(r.FeeShare)
	}
	for _, e := range entries {
		switch {
		case e.Type == ledger.EntryFunding && e.Direction == ledger.Credit:
			orig.amount = orig.amount.Add(e.Amount)
			orig.fromLedger = true
			orig.fundedWallet = e.WalletID
		case e.Type == ledger.EntryFee && e.Direction == ledger.Credit:
			orig.fee = orig.fee.Add(e.Amount)
		case e.Type == ledger.EntryAdjustment && metaString(e.Metadata, "kind") == refundKind:
			// refunds applied before records existed only left entries behind
			id := metaString(e.Metadata, "refund_id")
			if refunds[id] {
				continue
			}
			refunds[id] = true
			orig.refunded = orig.refunded.Add(metaDecimal(e.Metadata, "refund_amount"))
			orig.feeRefunded = orig.feeRefunded.Add(metaDecimal(e.Metadata, "fee_refunded"))
		}
	}
	if orig.fromLedger {
		return orig, nil
	}

	amount := txn.Amount
	if !amount.IsPositive() {
		amount = txn.Base()
	}
	amount = ledger.RoundMoney(amount)
	if !amount.IsPositive() {
		return original{}, fmt.Errorf("%w: transaction %s has no funded amount", ledger.ErrInvalidRefundAmount, txn.ID)
	}
	orig.amount = amount
	orig.fee = ledger.RoundMoney(amount.Mul(s.cfg.FeeRate))
	return orig, nil
}

// refundSeen reports whether a caller-supplied reference was already applied,
// either as a refund record or as an entry reference on the owner's wallet.
func refundSeen(ctx context.Context, tx ledger.Tx, walletID, reference string, records []ledger.Refund) (bool, error) {
	if reference == "" {
		return false, nil
	}
	for _, r := range records {
		if r.ID == reference {
			return true, nil
		}
	}
	_, seen, err := tx.EntryByReference(ctx, walletID, reference)
	return seen, err
}

func originSource(o original) string {
	if o.fromLedger {
		return "ledger"
	}
	return "rate"
}

func metaString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func metaDecimal(m map[string]any, key string) decimal.Decimal {
	d, err := decimal.NewFromString(metaString(m, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
