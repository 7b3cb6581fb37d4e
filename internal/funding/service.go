package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/notification"
)

// DefaultFeeRate is the platform's share of a sale when the transaction does
// not carry its own fee.
var DefaultFeeRate = decimal.RequireFromString("0.10")

// Config holds the settlement parameters.
type Config struct {
	FeeRate  decimal.Decimal
	Currency string
}

// Service settles verified transactions into owner and platform wallets and
// reverses them on refund or chargeback.
type Service struct {
	store     ledger.Store
	cfg       Config
	publisher notification.Publisher
	logger    *slog.Logger
}

// NewService validates the configuration and builds a funding service.
func NewService(store ledger.Store, cfg Config, publisher notification.Publisher, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, cfg: cfg, publisher: publisher, logger: logger}, nil
}

// FundInput identifies the owner to credit and the verified transaction.
type FundInput struct {
	Owner       ledger.Owner
	Transaction ledger.Transaction
	HangoutID   string
}

// FundResult is the outcome of settling one transaction.
type FundResult struct {
	TransactionID    string
	WalletID         string
	PlatformWalletID string
	WalletBalance    decimal.Decimal
	PlatformBalance  decimal.Decimal
	Gross            decimal.Decimal
	Fee              decimal.Decimal
	Net              decimal.Decimal
	Entries          []ledger.Entry
	SettledAt        time.Time
}

// Fee returns the platform fee for a transaction: its own fee when present,
// otherwise gross × the configured rate.
func (s *Service) Fee(txn ledger.Transaction) (decimal.Decimal, error) {
	gross := ledger.RoundMoney(txn.Base())
	if txn.FeeAmount != nil {
		fee := ledger.RoundMoney(*txn.FeeAmount)
		if fee.IsNegative() || fee.GreaterThan(gross) {
			return decimal.Decimal{}, fmt.Errorf("%w: fee %s outside [0, %s]", ledger.ErrInvalidTransaction, fee, gross)
		}
		return fee, nil
	}
	return ledger.RoundMoney(gross.Mul(s.cfg.FeeRate)), nil
}

// Fund credits the gross amount to the owner wallet, then moves the fee from the
// owner wallet to the platform wallet. All three entries and both balance
// changes commit together. Funding the same transaction twice returns the
// current balances with ledger.ErrDuplicateTransaction.
func (s *Service) Fund(ctx context.Context, input FundInput) (FundResult, error) {
	if err := validateOwner(input.Owner); err != nil {
		return FundResult{}, err
	}
	txn := input.Transaction
	if err := txn.Validate(); err != nil {
		return FundResult{}, err
	}
	gross := ledger.RoundMoney(txn.Base())
	fee, err := s.Fee(txn)
	if err != nil {
		return FundResult{}, err
	}
	currency := s.currency(txn.Currency)

	res := FundResult{
		TransactionID: txn.ID,
		Gross:         gross,
		Fee:           fee,
		Net:           gross.Sub(fee),
	}
	feeSource := "transaction"
	if txn.FeeAmount == nil {
		feeSource = "rate"
	}

	err = s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		prior, err := tx.EntriesByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		if isFunded(prior) {
			if owner, err := tx.LockWallet(ctx, input.Owner); err == nil {
				res.WalletID, res.WalletBalance = owner.ID, owner.Balance
			}
			if platform, err := tx.LockWallet(ctx, ledger.PlatformOwner); err == nil {
				res.PlatformWalletID, res.PlatformBalance = platform.ID, platform.Balance
			}
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateTransaction, txn.ID)
		}

		owner, err := ensureWallet(ctx, tx, input.Owner, currency)
		if err != nil {
			return err
		}
		platform, err := ensureWallet(ctx, tx, ledger.PlatformOwner, currency)
		if err != nil {
			return err
		}

		base := map[string]any{
			"provider":  txn.Provider,
			"reference": txn.Reference,
			"currency":  currency,
		}
		if input.HangoutID != "" {
			base["hangout_id"] = input.HangoutID
		}

		owner, credit, err := tx.Apply(ctx, owner, ledger.EntryDraft{
			Type:              ledger.EntryFunding,
			Direction:         ledger.Credit,
			Amount:            gross,
			TransactionID:     txn.ID,
			ExternalReference: txn.Reference,
			Metadata:          withMeta(base, "gross", gross.String()),
		})
		if err != nil {
			return err
		}
		res.Entries = append(res.Entries, credit)

		if fee.IsPositive() {
			feeMeta := withMeta(base, "fee_source", feeSource)
			if feeSource == "rate" {
				feeMeta["fee_rate"] = s.cfg.FeeRate.String()
			}
			var debit, platformCredit ledger.Entry
			owner, debit, err = tx.Apply(ctx, owner, ledger.EntryDraft{
				Type:          ledger.EntryFee,
				Direction:     ledger.Debit,
				Amount:        fee,
				TransactionID: txn.ID,
				Metadata:      feeMeta,
			})
			if err != nil {
				return err
			}
			platform, platformCredit, err = tx.Apply(ctx, platform, ledger.EntryDraft{
				Type:          ledger.EntryFee,
				Direction:     ledger.Credit,
				Amount:        fee,
				TransactionID: txn.ID,
				Metadata:      withMeta(feeMeta, "source_owner", input.Owner.String()),
			})
			if err != nil {
				return err
			}
			res.Entries = append(res.Entries, debit, platformCredit)
		}

		res.WalletID, res.WalletBalance = owner.ID, owner.Balance
		res.PlatformWalletID, res.PlatformBalance = platform.ID, platform.Balance
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.logger.Info("funding skipped, transaction already settled", "transaction_id", txn.ID, "owner", input.Owner.String())
			return res, err
		}
		return FundResult{}, err
	}
	res.SettledAt = time.Now().UTC()

	s.logger.Info("transaction settled",
		"transaction_id", txn.ID,
		"wallet_id", res.WalletID,
		"gross", gross.String(),
		"fee", fee.String(),
	)
	notification.Emit(ctx, s.publisher, s.logger, notification.Event{
		Kind:          notification.KindWalletFunded,
		WalletID:      res.WalletID,
		OwnerType:     string(input.Owner.Type),
		OwnerID:       input.Owner.ID,
		Amount:        res.Net.StringFixed(ledger.MoneyPlaces),
		Balance:       res.WalletBalance.StringFixed(ledger.MoneyPlaces),
		Currency:      currency,
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		Data:          map[string]any{"gross": gross.String(), "fee": fee.String()},
	})
	return res, nil
}

func (s *Service) currency(raw string) string {
	if c := strings.ToUpper(strings.TrimSpace(raw)); c != "" {
		return c
	}
	return s.cfg.Currency
}

func validateOwner(owner ledger.Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	if owner.IsPlatform() {
		return fmt.Errorf("%w: the platform wallet cannot be settled into directly", ledger.ErrInvalidOwner)
	}
	return nil
}

func ensureWallet(ctx context.Context, tx ledger.Tx, owner ledger.Owner, currency string) (ledger.Wallet, error) {
	w, err := tx.EnsureWallet(ctx, owner, currency)
	if err != nil {
		return ledger.Wallet{}, err
	}
	if w.Currency != currency {
		return ledger.Wallet{}, fmt.Errorf("%w: wallet %s holds %s, transaction is %s", ledger.ErrCurrencyMismatch, w.ID, w.Currency, currency)
	}
	return w, nil
}

func isFunded(entries []ledger.Entry) bool {
	for _, e := range entries {
		if e.Type == ledger.EntryFunding && e.Direction == ledger.Credit {
			return true
		}
	}
	return false
}

func withMeta(base map[string]any, kv ...string) map[string]any {
	out := make(map[string]any, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
