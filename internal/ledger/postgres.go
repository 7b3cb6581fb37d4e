package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresStore persists wallets, ledger entries and withdrawals in PostgreSQL.
// Wallet rows are locked with SELECT ... FOR UPDATE for the duration of a unit.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by both the pool and a pgx.Tx.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithinTx runs fn inside a database transaction, committing only on success.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const walletColumns = `id::text, owner_type, COALESCE(owner_id, ''), balance::text, currency, version, created_at, updated_at`

// FindWallet returns the wallet for an owner without locking it.
func (s *PostgresStore) FindWallet(ctx context.Context, owner Owner) (Wallet, error) {
	return findWallet(ctx, s.db, owner, false)
}

// GetWallet returns a wallet by id.
func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w, err
}

// ListWallets pages through all wallets ordered by creation time.
func (s *PostgresStore) ListWallets(ctx context.Context, page PageRequest) ([]Wallet, int64, error) {
	page = page.Normalize()
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallets`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at, id LIMIT $1 OFFSET $2`, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

const entryColumns = `id::text, seq, wallet_id::text, type, direction, amount::text, balance_after::text,
        owner_type, COALESCE(owner_id, ''), COALESCE(transaction_id, ''), COALESCE(external_reference, ''),
        metadata, created_at`

// ListEntries returns a page of a wallet's ledger, newest first unless Order is asc.
func (s *PostgresStore) ListEntries(ctx context.Context, walletID string, page PageRequest) ([]Entry, int64, error) {
	page = page.Normalize()
	id, err := uuid.Parse(walletID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := "DESC"
	if page.Order == "asc" {
		order = "ASC"
	}
	entries, err := queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE wallet_id = $1 ORDER BY seq `+order+` LIMIT $2 OFFSET $3`, id, page.Limit, page.Offset())
	return entries, total, err
}

// ListAllEntries returns a wallet's full ledger in creation order.
func (s *PostgresStore) ListAllEntries(ctx context.Context, walletID string) ([]Entry, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq`, id)
}

const withdrawalColumns = `id::text, owner_type, owner_id, requested_by, wallet_id::text, bank_account_id,
        amount::text, fee_amount::text, currency, status, COALESCE(payout_reference, ''),
        COALESCE(failure_reason, ''), metadata, created_at, updated_at, completed_at`

// GetWithdrawal fetches a withdrawal by id.
func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	return withdrawalByID(ctx, s.db, id, false)
}

// ListWithdrawals filters, sorts and pages withdrawals.
func (s *PostgresStore) ListWithdrawals(ctx context.Context, filter WithdrawalFilter, page PageRequest) ([]Withdrawal, int64, error) {
	page = page.Normalize()

	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.OwnerType != "" {
		add("owner_type = $%d", string(filter.OwnerType))
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.RequestedBy != "" {
		add("requested_by = $%d", filter.RequestedBy)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawals `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortColumn := "created_at"
	switch page.Sort {
	case "amount", "status":
		sortColumn = page.Sort
	}
	query := fmt.Sprintf(`SELECT %s FROM withdrawals %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		withdrawalColumns, where, sortColumn, strings.ToUpper(page.Order), len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// ListPendingWithdrawals returns pending withdrawals created before now-olderThan.
func (s *PostgresStore) ListPendingWithdrawals(ctx context.Context, olderThan time.Duration, limit int) ([]Withdrawal, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
        WHERE status = $1 AND created_at <= $2 ORDER BY created_at LIMIT $3`, string(WithdrawalPending), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, owner Owner) (Wallet, error) {
	if err := owner.Validate(); err != nil {
		return Wallet{}, err
	}
	return findWallet(ctx, t.tx, owner, true)
}

func (t *pgTx) EnsureWallet(ctx context.Context, owner Owner, currency string) (Wallet, error) {
	if err := owner.Validate(); err != nil {
		return Wallet{}, err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO wallets (id, owner_type, owner_id, balance, currency, version, created_at, updated_at)
        VALUES ($1, $2, $3, 0, $4, 0, now(), now())
        ON CONFLICT (owner_type, (COALESCE(owner_id, ''))) DO NOTHING`,
		uuid.New(), string(owner.Type), nullable(owner.ID), currency)
	if err != nil {
		return Wallet{}, fmt.Errorf("ensure wallet %s: %w", owner, err)
	}
	return findWallet(ctx, t.tx, owner, true)
}

func (t *pgTx) Apply(ctx context.Context, wallet Wallet, draft EntryDraft) (Wallet, Entry, error) {
	current, err := getWalletForUpdate(ctx, t.tx, wallet.ID)
	if err != nil {
		return Wallet{}, Entry{}, err
	}
	balance, err := nextBalance(current.Balance, draft)
	if err != nil {
		return Wallet{}, Entry{}, err
	}

	now := time.Now().UTC()
	walletID, _ := uuid.Parse(current.ID)
	cmd, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2::numeric, version = version + 1, updated_at = $3
        WHERE id = $1 AND version = $4`, walletID, balance.String(), now, current.Version)
	if err != nil {
		return Wallet{}, Entry{}, fmt.Errorf("update wallet %s: %w", current.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return Wallet{}, Entry{}, fmt.Errorf("update wallet %s: concurrent modification", current.ID)
	}
	current.Balance = balance
	current.Version++
	current.UpdatedAt = now

	metadata := draft.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := Entry{
		ID:                uuid.NewString(),
		WalletID:          current.ID,
		Type:              draft.Type,
		Direction:         draft.Direction,
		Amount:            draft.Amount,
		BalanceAfter:      balance,
		OwnerType:         current.OwnerType,
		OwnerID:           current.OwnerID,
		TransactionID:     draft.TransactionID,
		ExternalReference: draft.ExternalReference,
		Metadata:          metadata,
		CreatedAt:         now,
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO ledger_entries (id, wallet_id, type, direction, amount, balance_after,
            owner_type, owner_id, transaction_id, external_reference, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12)
        RETURNING seq`,
		uuid.MustParse(entry.ID), walletID, string(entry.Type), string(entry.Direction), entry.Amount.String(),
		entry.BalanceAfter.String(), string(entry.OwnerType), nullable(entry.OwnerID), nullable(entry.TransactionID),
		nullable(entry.ExternalReference), metadata, now).Scan(&entry.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Wallet{}, Entry{}, fmt.Errorf("%w: %s", ErrDuplicateTransaction, draft.TransactionID)
		}
		return Wallet{}, Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return current, entry, nil
}

func (t *pgTx) EntriesByTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	return queryEntries(ctx, t.tx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq`, transactionID)
}

func (t *pgTx) EntryByReference(ctx context.Context, walletID, reference string) (Entry, bool, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	entries, err := queryEntries(ctx, t.tx, `SELECT `+entryColumns+` FROM ledger_entries
        WHERE wallet_id = $1 AND external_reference = $2 ORDER BY seq LIMIT 1`, id, reference)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (t *pgTx) InsertRefund(ctx context.Context, r Refund) error {
	walletID, err := uuid.Parse(r.WalletID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, r.WalletID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO refunds (id, transaction_id, wallet_id, amount, fee_share, net_debited,
            fee_refunded, shortfall, reason, created_at)
        VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10)`,
		r.ID, r.TransactionID, walletID, r.Amount.String(), r.FeeShare.String(), r.NetDebited.String(),
		r.FeeRefunded.String(), r.Shortfall.String(), nullable(r.Reason), r.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: refund %s", ErrDuplicateTransaction, r.ID)
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (t *pgTx) RefundsByTransaction(ctx context.Context, transactionID string) ([]Refund, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, transaction_id, wallet_id::text, amount::text, fee_share::text, net_debited::text,
            fee_refunded::text, shortfall::text, COALESCE(reason, ''), created_at
        FROM refunds WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Refund
	for rows.Next() {
		var (
			r                                                    Refund
			amount, feeShare, netDebited, feeRefunded, shortfall string
		)
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.WalletID, &amount, &feeShare, &netDebited,
			&feeRefunded, &shortfall, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse refund amount: %w", err)
		}
		if r.FeeShare, err = decimal.NewFromString(feeShare); err != nil {
			return nil, fmt.Errorf("parse fee_share: %w", err)
		}
		if r.NetDebited, err = decimal.NewFromString(netDebited); err != nil {
			return nil, fmt.Errorf("parse net_debited: %w", err)
		}
		if r.FeeRefunded, err = decimal.NewFromString(feeRefunded); err != nil {
			return nil, fmt.Errorf("parse fee_refunded: %w", err)
		}
		if r.Shortfall, err = decimal.NewFromString(shortfall); err != nil {
			return nil, fmt.Errorf("parse shortfall: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w Withdrawal) error {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return err
	}
	walletID, err := uuid.Parse(w.WalletID)
	if err != nil {
		return err
	}
	metadata := w.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO withdrawals (id, owner_type, owner_id, requested_by, wallet_id, bank_account_id,
            amount, fee_amount, currency, status, payout_reference, failure_reason, metadata, created_at, updated_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, string(w.OwnerType), w.OwnerID, w.RequestedBy, walletID, w.BankAccountID,
		w.Amount.String(), w.FeeAmount.String(), w.Currency, string(w.Status), nullable(w.PayoutReference),
		nullable(w.FailureReason), metadata, w.CreatedAt.UTC(), w.UpdatedAt.UTC(), w.CompletedAt)
	return err
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id string) (Withdrawal, error) {
	return withdrawalByID(ctx, t.tx, id, true)
}

func (t *pgTx) LockWithdrawalByReference(ctx context.Context, reference string) (Withdrawal, error) {
	if reference == "" {
		return Withdrawal{}, fmt.Errorf("%w: empty payout reference", ErrWithdrawalNotFound)
	}
	return getWithdrawal(ctx, t.tx, "payout_reference", reference, true)
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w Withdrawal) error {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, w.ID)
	}
	metadata := w.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	cmd, err := t.tx.Exec(ctx, `UPDATE withdrawals SET status = $2, payout_reference = $3, failure_reason = $4,
            metadata = $5, updated_at = $6, completed_at = $7
        WHERE id = $1`,
		id, string(w.Status), nullable(w.PayoutReference), nullable(w.FailureReason), metadata, w.UpdatedAt.UTC(), w.CompletedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, w.ID)
	}
	return nil
}

func findWallet(ctx context.Context, q queryer, owner Owner, forUpdate bool) (Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_type = $1 AND COALESCE(owner_id, '') = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWallet(q.QueryRow(ctx, query, string(owner.Type), owner.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, notFoundFor(owner)
	}
	return w, err
}

func getWalletForUpdate(ctx context.Context, q queryer, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w, err
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		ownerType string
		balance   string
	)
	if err := row.Scan(&w.ID, &ownerType, &w.OwnerID, &balance, &w.Currency, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	w.OwnerType = OwnerType(ownerType)
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	w.Balance = b
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			entryType, direction string
			ownerType            string
			amount, balanceAfter string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.WalletID, &entryType, &direction, &amount, &balanceAfter,
			&ownerType, &e.OwnerID, &e.TransactionID, &e.ExternalReference, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		e.Direction = Direction(direction)
		e.OwnerType = OwnerType(ownerType)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func getWithdrawal(ctx context.Context, q queryer, column string, arg any, forUpdate bool) (Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWithdrawal(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, fmt.Errorf("%w: %v", ErrWithdrawalNotFound, arg)
	}
	return w, err
}

func withdrawalByID(ctx context.Context, q queryer, id string, forUpdate bool) (Withdrawal, error) {
	withdrawalID, err := uuid.Parse(id)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id)
	}
	return getWithdrawal(ctx, q, "id", withdrawalID, forUpdate)
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w                 Withdrawal
		ownerType, status string
		amount, fee       string
	)
	if err := row.Scan(&w.ID, &ownerType, &w.OwnerID, &w.RequestedBy, &w.WalletID, &w.BankAccountID,
		&amount, &fee, &w.Currency, &status, &w.PayoutReference, &w.FailureReason, &w.Metadata,
		&w.CreatedAt, &w.UpdatedAt, &w.CompletedAt); err != nil {
		return Withdrawal{}, err
	}
	w.OwnerType = OwnerType(ownerType)
	w.Status = WithdrawalStatus(status)
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	if w.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return Withdrawal{}, fmt.Errorf("parse fee_amount: %w", err)
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
