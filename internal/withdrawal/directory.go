package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketing/settlement/internal/ledger"
)

// BankAccount is a payout destination registered by a user.
type BankAccount struct {
	ID            string
	UserID        string
	BankName      string
	BankCode      string
	AccountNumber string
	AccountName   string
	// ProviderRef is the destination id known to the payout provider.
	ProviderRef string
}

// Last4 returns the last four digits of the account number.
func (b BankAccount) Last4() string {
	n := strings.TrimSpace(b.AccountNumber)
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

// MaskedNumber hides every digit but the last four.
func (b BankAccount) MaskedNumber() string {
	n := strings.TrimSpace(b.AccountNumber)
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

// UserSummary identifies the person who requested a withdrawal.
type UserSummary struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
}

// OwnerSummary names the event or group that owns a wallet.
type OwnerSummary struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory resolves data owned by other services: users, their bank accounts
// and the events and groups that own wallets.
type Directory interface {
	BankAccount(ctx context.Context, id string) (BankAccount, error)
	Users(ctx context.Context, ids []string) (map[string]UserSummary, error)
	Owner(ctx context.Context, owner ledger.Owner) (OwnerSummary, error)
}

// PostgresDirectory reads the shared users, bank_accounts, events and groups tables.
type PostgresDirectory struct {
	db *pgxpool.Pool
}

// NewPostgresDirectory builds a Postgres-backed directory.
func NewPostgresDirectory(db *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// BankAccount fetches a bank account by id.
func (d *PostgresDirectory) BankAccount(ctx context.Context, id string) (BankAccount, error) {
	row := d.db.QueryRow(ctx, `SELECT id::text, user_id::text, bank_name, bank_code, account_number, account_name, COALESCE(provider_ref, '')
        FROM bank_accounts WHERE id::text = $1`, id)
	var acct BankAccount
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.BankName, &acct.BankCode, &acct.AccountNumber, &acct.AccountName, &acct.ProviderRef); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BankAccount{}, fmt.Errorf("%w: %s", ledger.ErrBankAccountNotFound, id)
		}
		return BankAccount{}, err
	}
	return acct, nil
}

// Users fetches summaries for the given user ids. Unknown ids are omitted.
func (d *PostgresDirectory) Users(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	out := make(map[string]UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.db.Query(ctx, `SELECT id::text, full_name, COALESCE(email, '') FROM users WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.FullName, &u.Email); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// Owner fetches the display name of an event or group.
func (d *PostgresDirectory) Owner(ctx context.Context, owner ledger.Owner) (OwnerSummary, error) {
	var query string
	switch owner.Type {
	case ledger.OwnerEvent:
		query = `SELECT title FROM events WHERE id::text = $1`
	case ledger.OwnerGroup:
		query = `SELECT name FROM groups WHERE id::text = $1`
	default:
		return OwnerSummary{Type: string(owner.Type), Name: "Platform"}, nil
	}
	summary := OwnerSummary{Type: string(owner.Type), ID: owner.ID}
	if err := d.db.QueryRow(ctx, query, owner.ID).Scan(&summary.Name); err != nil {
		return OwnerSummary{}, fmt.Errorf("lookup %s: %w", owner, err)
	}
	return summary, nil
}

// MemoryDirectory is an in-memory Directory for tests and local development.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]BankAccount
	users    map[string]UserSummary
	owners   map[ledger.Owner]OwnerSummary
}

// NewMemoryDirectory builds an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts: make(map[string]BankAccount),
		users:    make(map[string]UserSummary),
		owners:   make(map[ledger.Owner]OwnerSummary),
	}
}

func (d *MemoryDirectory) AddBankAccount(acct BankAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[acct.ID] = acct
}

func (d *MemoryDirectory) AddUser(u UserSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) AddOwner(owner ledger.Owner, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[owner] = OwnerSummary{Type: string(owner.Type), ID: owner.ID, Name: name}
}

func (d *MemoryDirectory) BankAccount(_ context.Context, id string) (BankAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.accounts[id]
	if !ok {
		return BankAccount{}, fmt.Errorf("%w: %s", ledger.ErrBankAccountNotFound, id)
	}
	return acct, nil
}

func (d *MemoryDirectory) Users(_ context.Context, ids []string) (map[string]UserSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Owner(_ context.Context, owner ledger.Owner) (OwnerSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.owners[owner]
	if !ok {
		return OwnerSummary{}, fmt.Errorf("owner %s not found", owner)
	}
	return s, nil
}
