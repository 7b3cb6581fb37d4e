package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a debit would take a wallet below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the transaction (or refund reference) was
	// already settled and the call should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidRequest covers missing or malformed fields other than amounts and owners.
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidOwner       = errors.New("invalid owner")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrCurrencyMismatch   = errors.New("currency mismatch")

	// ErrInvalidRefundAmount is returned for non-positive refunds or refunds that
	// exceed what remains of the original funding.
	ErrInvalidRefundAmount = errors.New("invalid refund amount")

	ErrWalletNotFound         = errors.New("wallet not found")
	ErrPlatformWalletNotFound = errors.New("platform wallet not found")
	ErrWithdrawalNotFound     = errors.New("withdrawal not found")
	ErrBankAccountNotFound    = errors.New("bank account not found")
)

// IsValidation reports whether err belongs to the pre-mutation validation family.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidRefundAmount)
}

// IsNotFound reports whether err signals a missing wallet, withdrawal or bank account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPlatformWalletNotFound) ||
		errors.Is(err, ErrWithdrawalNotFound) ||
		errors.Is(err, ErrBankAccountNotFound)
}

// Store is implemented by ledger backends (Postgres, in-memory). Every balance
// change happens inside WithinTx together with the entry that explains it.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	FindWallet(ctx context.Context, owner Owner) (Wallet, error)
	GetWallet(ctx context.Context, id string) (Wallet, error)
	ListWallets(ctx context.Context, page PageRequest) ([]Wallet, int64, error)
	ListEntries(ctx context.Context, walletID string, page PageRequest) ([]Entry, int64, error)
	ListAllEntries(ctx context.Context, walletID string) ([]Entry, error)

	GetWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter, page PageRequest) ([]Withdrawal, int64, error)
	ListPendingWithdrawals(ctx context.Context, olderThan time.Duration, limit int) ([]Withdrawal, error)
}

// Tx is a single atomic unit of work. Wallet and withdrawal rows read through a Tx
// stay locked until the unit commits or rolls back.
type Tx interface {
	// LockWallet locks an existing wallet; ErrWalletNotFound when absent.
	LockWallet(ctx context.Context, owner Owner) (Wallet, error)
	// EnsureWallet creates the wallet when missing and locks it.
	EnsureWallet(ctx context.Context, owner Owner, currency string) (Wallet, error)
	// Apply moves the wallet balance by the draft and appends the matching entry.
	// The returned wallet carries the new balance.
	Apply(ctx context.Context, wallet Wallet, draft EntryDraft) (Wallet, Entry, error)
	EntriesByTransaction(ctx context.Context, transactionID string) ([]Entry, error)
	EntryByReference(ctx context.Context, walletID, reference string) (Entry, bool, error)
	// InsertRefund records a refund; ErrDuplicateTransaction when the id exists.
	InsertRefund(ctx context.Context, r Refund) error
	RefundsByTransaction(ctx context.Context, transactionID string) ([]Refund, error)

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	LockWithdrawal(ctx context.Context, id string) (Withdrawal, error)
	LockWithdrawalByReference(ctx context.Context, reference string) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w Withdrawal) error
}
