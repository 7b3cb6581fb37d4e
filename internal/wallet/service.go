package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/notification"
)

const defaultRecentEntries = 20

// Service exposes wallet queries and administrative operations backed by the ledger.
type Service struct {
	store     ledger.Store
	currency  string
	publisher notification.Publisher
	logger    *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, currency string, publisher notification.Publisher, logger *slog.Logger) *Service {
	if currency == "" {
		currency = "NGN"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, currency: currency, publisher: publisher, logger: logger}
}

// Ensure creates the owner's wallet if it does not exist yet. Called when an
// event or group is created so the wallet exists before the first sale.
func (s *Service) Ensure(ctx context.Context, owner ledger.Owner, currency string) (ledger.Wallet, error) {
	if err := owner.Validate(); err != nil {
		return ledger.Wallet{}, err
	}
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency == "" {
		currency = s.currency
	}
	var out ledger.Wallet
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.EnsureWallet(ctx, owner, currency)
		if err != nil {
			return err
		}
		if w.Currency != currency {
			return fmt.Errorf("%w: wallet %s holds %s", ledger.ErrCurrencyMismatch, w.ID, w.Currency)
		}
		out = w
		return nil
	})
	return out, err
}

// Snapshot is a wallet with its most recent ledger entries, newest first.
type Snapshot struct {
	Wallet  ledger.Wallet
	Entries []ledger.Entry
}

// Get returns the owner's wallet and its latest entries.
func (s *Service) Get(ctx context.Context, owner ledger.Owner, limit int) (Snapshot, error) {
	if err := owner.Validate(); err != nil {
		return Snapshot{}, err
	}
	w, err := s.store.FindWallet(ctx, owner)
	if err != nil {
		return Snapshot{}, err
	}
	if limit <= 0 {
		limit = defaultRecentEntries
	}
	entries, _, err := s.store.ListEntries(ctx, w.ID, ledger.PageRequest{Page: 1, Limit: limit, Order: "desc"})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Wallet: w, Entries: entries}, nil
}

// Ledger pages through the owner's entries.
func (s *Service) Ledger(ctx context.Context, owner ledger.Owner, page ledger.PageRequest) (ledger.Page[ledger.Entry], error) {
	if err := owner.Validate(); err != nil {
		return ledger.Page[ledger.Entry]{}, err
	}
	w, err := s.store.FindWallet(ctx, owner)
	if err != nil {
		return ledger.Page[ledger.Entry]{}, err
	}
	page = page.Normalize()
	entries, total, err := s.store.ListEntries(ctx, w.ID, page)
	if err != nil {
		return ledger.Page[ledger.Entry]{}, err
	}
	return ledger.NewPage(entries, total, page), nil
}

// AdjustInput describes a signed administrative balance correction.
type AdjustInput struct {
	Owner      ledger.Owner
	Amount     decimal.Decimal
	Reason     string
	AdjustedBy string
}

// AdjustResult holds the wallet after the adjustment and the entry written.
type AdjustResult struct {
	Wallet ledger.Wallet
	Entry  ledger.Entry
}

// Adjust applies a signed correction as a single ADJUSTMENT entry whose
// direction follows the sign. Credits create the wallet when missing; debits
// require an existing wallet and may not take it below zero. Authorization is
// the caller's job.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (AdjustResult, error) {
	if err := input.Owner.Validate(); err != nil {
		return AdjustResult{}, err
	}
	amount := ledger.RoundMoney(input.Amount)
	if amount.IsZero() {
		return AdjustResult{}, fmt.Errorf("%w: adjustment must be non-zero", ledger.ErrInvalidAmount)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return AdjustResult{}, fmt.Errorf("%w: reason required", ledger.ErrInvalidRequest)
	}
	if strings.TrimSpace(input.AdjustedBy) == "" {
		return AdjustResult{}, fmt.Errorf("%w: adjustedBy required", ledger.ErrInvalidRequest)
	}

	direction := ledger.Credit
	if amount.IsNegative() {
		direction = ledger.Debit
	}

	var res AdjustResult
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var (
			w   ledger.Wallet
			err error
		)
		if direction == ledger.Credit {
			w, err = tx.EnsureWallet(ctx, input.Owner, s.currency)
		} else {
			w, err = tx.LockWallet(ctx, input.Owner)
		}
		if err != nil {
			return err
		}
		res.Wallet, res.Entry, err = tx.Apply(ctx, w, ledger.EntryDraft{
			Type:      ledger.EntryAdjustment,
			Direction: direction,
			Amount:    amount.Abs(),
			Metadata: map[string]any{
				"kind":        "admin",
				"reason":      reason,
				"adjusted_by": input.AdjustedBy,
			},
		})
		return err
	})
	if err != nil {
		return AdjustResult{}, err
	}

	s.logger.Info("wallet adjusted",
		"wallet_id", res.Wallet.ID,
		"amount", amount.String(),
		"adjusted_by", input.AdjustedBy,
		"reason", reason,
	)
	notification.Emit(ctx, s.publisher, s.logger, notification.Event{
		Kind:      notification.KindWalletAdjusted,
		WalletID:  res.Wallet.ID,
		OwnerType: string(input.Owner.Type),
		OwnerID:   input.Owner.ID,
		Amount:    amount.StringFixed(ledger.MoneyPlaces),
		Balance:   res.Wallet.Balance.StringFixed(ledger.MoneyPlaces),
		Currency:  res.Wallet.Currency,
		Data:      map[string]any{"reason": reason, "adjusted_by": input.AdjustedBy},
	})
	return res, nil
}

// Reconcile replays a wallet's ledger and returns the first drift, or nil when
// the stored balance matches.
func (s *Service) Reconcile(ctx context.Context, walletID string) (*ledger.Drift, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAllEntries(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	return ledger.Verify(w, entries), nil
}

// ReconcileReport summarizes a full reconciliation run.
type ReconcileReport struct {
	Checked int
	Drifts  []ledger.Drift
}

// ReconcileAll verifies every wallet. A wallet that fails to load is logged and
// skipped so one bad row does not hide drift elsewhere.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	page := ledger.PageRequest{Page: 1, Limit: ledger.MaxPageLimit, Order: "asc"}
	for {
		wallets, total, err := s.store.ListWallets(ctx, page)
		if err != nil {
			return report, err
		}
		for _, w := range wallets {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			drift, err := s.Reconcile(ctx, w.ID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return report, err
				}
				s.logger.Warn("reconcile wallet", "wallet_id", w.ID, "error", err)
				continue
			}
			report.Checked++
			if drift != nil {
				s.logger.Warn("ledger drift detected",
					"wallet_id", drift.WalletID,
					"entry_id", drift.EntryID,
					"expected", drift.Expected.String(),
					"actual", drift.Actual.String(),
				)
				report.Drifts = append(report.Drifts, *drift)
			}
		}
		if len(wallets) == 0 || int64(page.Page*page.Limit) >= total {
			return report, nil
		}
		page.Page++
	}
}
