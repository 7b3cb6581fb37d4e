package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/notification"
)

const (
	pollBatchSize = 100
	// maxDispatchAttempts bounds how often a payout that never reached the
	// provider is retried before the reservation is released.
	maxDispatchAttempts = 5
)

// Config holds withdrawal parameters.
type Config struct {
	// FeeRate is the share of each withdrawal kept by the platform.
	FeeRate  decimal.Decimal
	Currency string
}

// Service runs the withdrawal workflow: reserve funds, pay out, then settle the
// withdrawal as successful or failed exactly once.
type Service struct {
	store     ledger.Store
	provider  Provider
	directory Directory
	cfg       Config
	publisher notification.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the workflow.
func NewService(store ledger.Store, provider Provider, directory Directory, cfg Config, publisher notification.Publisher, logger *slog.Logger) (*Service, error) {
	if store == nil || provider == nil || directory == nil {
		return nil, errors.New("store, provider and directory are required")
	}
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("withdrawal fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:     store,
		provider:  provider,
		directory: directory,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// RequestInput is an owner's withdrawal request.
type RequestInput struct {
	Owner         ledger.Owner
	RequestedBy   string
	Amount        decimal.Decimal
	BankAccountID string
}

// Request reserves the amount by debiting the wallet, records a pending
// withdrawal and then asks the provider to pay out. The returned withdrawal
// reflects whatever the provider answered synchronously.
func (s *Service) Request(ctx context.Context, input RequestInput) (ledger.Withdrawal, error) {
	if err := input.Owner.Validate(); err != nil {
		return ledger.Withdrawal{}, err
	}
	if input.Owner.IsPlatform() {
		return ledger.Withdrawal{}, fmt.Errorf("%w: platform revenue is not withdrawn through this workflow", ledger.ErrInvalidOwner)
	}
	if strings.TrimSpace(input.RequestedBy) == "" {
		return ledger.Withdrawal{}, fmt.Errorf("%w: requestedBy required", ledger.ErrInvalidRequest)
	}
	if strings.TrimSpace(input.BankAccountID) == "" {
		return ledger.Withdrawal{}, fmt.Errorf("%w: bankAccountId required", ledger.ErrInvalidRequest)
	}
	amount := ledger.RoundMoney(input.Amount)
	if !amount.IsPositive() {
		return ledger.Withdrawal{}, fmt.Errorf("%w: withdrawal must be positive, got %s", ledger.ErrInvalidAmount, input.Amount)
	}
	fee := ledger.RoundMoney(amount.Mul(s.cfg.FeeRate))

	account, err := s.directory.BankAccount(ctx, input.BankAccountID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	if account.UserID != input.RequestedBy {
		return ledger.Withdrawal{}, fmt.Errorf("%w: %s", ledger.ErrBankAccountNotFound, input.BankAccountID)
	}

	now := s.now()
	w := ledger.Withdrawal{
		ID:            uuid.NewString(),
		OwnerType:     input.Owner.Type,
		OwnerID:       input.Owner.ID,
		RequestedBy:   input.RequestedBy,
		BankAccountID: account.ID,
		Amount:        amount,
		FeeAmount:     fee,
		Status:        ledger.WithdrawalPending,
		Metadata: map[string]any{
			"bank_name":     account.BankName,
			"account_last4": account.Last4(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var balance decimal.Decimal
	err = s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		wallet, err := tx.LockWallet(ctx, input.Owner)
		if err != nil {
			return err
		}
		if amount.GreaterThan(wallet.Balance) {
			return fmt.Errorf("%w: requested %s, available %s", ledger.ErrInsufficientFunds,
				amount.StringFixed(ledger.MoneyPlaces), wallet.Balance.StringFixed(ledger.MoneyPlaces))
		}
		w.WalletID = wallet.ID
		w.Currency = wallet.Currency
		wallet, _, err = tx.Apply(ctx, wallet, ledger.EntryDraft{
			Type:              ledger.EntryWithdrawal,
			Direction:         ledger.Debit,
			Amount:            amount,
			ExternalReference: w.ID,
			Metadata: map[string]any{
				"withdrawal_id": w.ID,
				"fee":           fee.String(),
				"requested_by":  input.RequestedBy,
			},
		})
		if err != nil {
			return err
		}
		balance = wallet.Balance
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	s.logger.Info("withdrawal reserved",
		"withdrawal_id", w.ID,
		"wallet_id", w.WalletID,
		"amount", amount.String(),
		"fee", fee.String(),
	)
	s.emit(ctx, notification.KindWithdrawalRequested, w, balance)

	return s.dispatch(ctx, w, account)
}

// dispatch hands a reserved withdrawal to the provider and applies any
// synchronous outcome. A transport error says nothing about whether the payout
// happened, so the withdrawal stays pending and PollPending retries it under the
// same idempotency key. Only a provider-reported failure, or running out of
// attempts, releases the funds.
func (s *Service) dispatch(ctx context.Context, w ledger.Withdrawal, account BankAccount) (ledger.Withdrawal, error) {
	lock := func(tx ledger.Tx) (ledger.Withdrawal, error) {
		return tx.LockWithdrawal(ctx, w.ID)
	}
	res, err := s.provider.InitiatePayout(ctx, PayoutRequest{
		WithdrawalID:   w.ID,
		Amount:         w.PayoutAmount(),
		Currency:       w.Currency,
		BankAccount:    account,
		IdempotencyKey: w.ID,
	})
	if err != nil {
		out, attempts, recErr := s.recordDispatchError(ctx, w.ID, err)
		if recErr != nil {
			return ledger.Withdrawal{}, recErr
		}
		s.logger.Warn("payout initiation failed",
			"withdrawal_id", w.ID,
			"attempt", attempts,
			"error", err,
		)
		if attempts < maxDispatchAttempts || out.Status.Terminal() {
			return out, nil
		}
		res = PayoutResult{
			Status: ledger.WithdrawalFailed,
			Reason: fmt.Sprintf("payout initiation failed after %d attempts: %v", attempts, err),
		}
	}

	out, _, err := s.settle(ctx, lock, res)
	return out, err
}

// recordDispatchError notes a failed initiation on a pending withdrawal and
// returns the attempt count so far.
func (s *Service) recordDispatchError(ctx context.Context, id string, cause error) (ledger.Withdrawal, int, error) {
	var (
		out      ledger.Withdrawal
		attempts int
	)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		out = w
		if w.Status.Terminal() || w.PayoutReference != "" {
			return nil
		}
		attempts = dispatchAttempts(w.Metadata) + 1
		meta := maps.Clone(w.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["dispatch_attempts"] = attempts
		meta["payout_error"] = cause.Error()
		w.Metadata = meta
		w.UpdatedAt = s.now()
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, attempts, err
}

// dispatchAttempts reads the retry counter back from metadata. Values decoded
// from JSONB arrive as float64.
func dispatchAttempts(meta map[string]any) int {
	switch v := meta["dispatch_attempts"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// CallbackInput is a provider's asynchronous status report. WithdrawalID is
// used when the callback beats the synchronous response that carries the
// reference.
type CallbackInput struct {
	Reference    string
	WithdrawalID string
	Status       string
	Reason       string
}

// HandleCallback applies a provider's terminal status. Callbacks for
// withdrawals that already left pending are no-ops, so duplicated or late
// deliveries never credit or fail twice. The bool reports whether this call
// changed the withdrawal.
func (s *Service) HandleCallback(ctx context.Context, input CallbackInput) (ledger.Withdrawal, bool, error) {
	status, err := ledger.ParseWithdrawalStatus(input.Status)
	if err != nil {
		return ledger.Withdrawal{}, false, err
	}
	if input.Reference == "" && input.WithdrawalID == "" {
		return ledger.Withdrawal{}, false, fmt.Errorf("%w: reference or withdrawal id required", ledger.ErrInvalidRequest)
	}
	return s.settle(ctx, func(tx ledger.Tx) (ledger.Withdrawal, error) {
		if input.Reference != "" {
			w, err := tx.LockWithdrawalByReference(ctx, input.Reference)
			if err == nil || !errors.Is(err, ledger.ErrWithdrawalNotFound) || input.WithdrawalID == "" {
				return w, err
			}
		}
		w, err := tx.LockWithdrawal(ctx, input.WithdrawalID)
		if err == nil && input.Reference != "" && w.PayoutReference != "" && w.PayoutReference != input.Reference {
			return ledger.Withdrawal{}, fmt.Errorf("%w: reference %s does not match withdrawal %s", ledger.ErrInvalidRequest, input.Reference, w.ID)
		}
		return w, err
	}, PayoutResult{Reference: input.Reference, Status: status, Reason: input.Reason})
}

// settle applies a payout outcome to the withdrawal returned by lock, inside
// one unit. Pending outcomes only record the reference.
func (s *Service) settle(ctx context.Context, lock func(ledger.Tx) (ledger.Withdrawal, error), res PayoutResult) (ledger.Withdrawal, bool, error) {
	var (
		out     ledger.Withdrawal
		changed bool
		balance decimal.Decimal
	)
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := lock(tx)
		if err != nil {
			return err
		}
		out = w
		if w.Status.Terminal() {
			return nil
		}
		if res.Reference != "" && w.PayoutReference == "" {
			w.PayoutReference = res.Reference
			changed = true
		}
		now := s.now()
		w.UpdatedAt = now

		switch res.Status {
		case ledger.WithdrawalSuccessful:
			w.Status = ledger.WithdrawalSuccessful
			w.CompletedAt = &now
			wallet, err := tx.LockWallet(ctx, w.Owner())
			if err != nil {
				return err
			}
			balance = wallet.Balance
			if w.FeeAmount.IsPositive() {
				platform, err := tx.EnsureWallet(ctx, ledger.PlatformOwner, w.Currency)
				if err != nil {
					return err
				}
				if _, _, err := tx.Apply(ctx, platform, ledger.EntryDraft{
					Type:              ledger.EntryFee,
					Direction:         ledger.Credit,
					Amount:            w.FeeAmount,
					ExternalReference: w.ID,
					Metadata: map[string]any{
						"withdrawal_id": w.ID,
						"fee_source":    "withdrawal",
						"source_owner":  w.Owner().String(),
					},
				}); err != nil {
					return err
				}
			}
		case ledger.WithdrawalFailed:
			w.Status = ledger.WithdrawalFailed
			w.CompletedAt = &now
			w.FailureReason = res.Reason
			if w.FailureReason == "" {
				w.FailureReason = "payout failed"
			}
			wallet, err := tx.LockWallet(ctx, w.Owner())
			if err != nil {
				return err
			}
			wallet, _, err = tx.Apply(ctx, wallet, ledger.EntryDraft{
				Type:              ledger.EntryWithdrawal,
				Direction:         ledger.Credit,
				Amount:            w.Amount,
				ExternalReference: w.ID,
				Metadata: map[string]any{
					"withdrawal_id": w.ID,
					"compensation":  true,
					"reason":        w.FailureReason,
				},
			})
			if err != nil {
				return err
			}
			balance = wallet.Balance
		default:
			if !changed {
				return nil
			}
		}
		changed = true
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return ledger.Withdrawal{}, false, err
	}
	if !changed || !out.Status.Terminal() {
		return out, changed, nil
	}

	kind := notification.KindWithdrawalSucceeded
	if out.Status == ledger.WithdrawalFailed {
		kind = notification.KindWithdrawalFailed
	}
	s.logger.Info("withdrawal settled",
		"withdrawal_id", out.ID,
		"status", string(out.Status),
		"payout_reference", out.PayoutReference,
		"reason", out.FailureReason,
	)
	s.emit(ctx, kind, out, balance)
	return out, true, nil
}

// PollReport summarizes a polling pass.
type PollReport struct {
	Checked int
	Settled int
	Failed  int
}

// PollPending asks the provider about withdrawals pending for longer than
// olderThan, covering callbacks that never arrived. Withdrawals that never
// reached the provider are dispatched again under the same idempotency key.
func (s *Service) PollPending(ctx context.Context, olderThan time.Duration) (PollReport, error) {
	var report PollReport
	pending, err := s.store.ListPendingWithdrawals(ctx, olderThan, pollBatchSize)
	if err != nil {
		return report, err
	}
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		var (
			out ledger.Withdrawal
			err error
		)
		if w.PayoutReference == "" {
			var account BankAccount
			account, err = s.directory.BankAccount(ctx, w.BankAccountID)
			if err == nil {
				out, err = s.dispatch(ctx, w, account)
			}
			if err == nil && out.Status == ledger.WithdrawalPending && out.PayoutReference == "" {
				// still not accepted by the provider; counted against its attempts
				report.Failed++
				continue
			}
		} else {
			var res PayoutResult
			res, err = s.provider.Status(ctx, w.PayoutReference)
			if err == nil {
				out, _, err = s.settle(ctx, func(tx ledger.Tx) (ledger.Withdrawal, error) {
					return tx.LockWithdrawal(ctx, w.ID)
				}, res)
			}
		}
		if err != nil {
			report.Failed++
			s.logger.Warn("poll pending withdrawal", "withdrawal_id", w.ID, "error", err)
			continue
		}
		if out.Status.Terminal() {
			report.Settled++
		}
	}
	return report, nil
}

func (s *Service) emit(ctx context.Context, kind string, w ledger.Withdrawal, balance decimal.Decimal) {
	notification.Emit(ctx, s.publisher, s.logger, notification.Event{
		Kind:         kind,
		WalletID:     w.WalletID,
		OwnerType:    string(w.OwnerType),
		OwnerID:      w.OwnerID,
		Amount:       w.Amount.StringFixed(ledger.MoneyPlaces),
		Balance:      balance.StringFixed(ledger.MoneyPlaces),
		Currency:     w.Currency,
		WithdrawalID: w.ID,
		Reference:    w.PayoutReference,
		Data:         map[string]any{"status": string(w.Status), "requested_by": w.RequestedBy},
	})
}
