package ledger

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu          sync.Mutex
	wallets     map[string]Wallet
	owners      map[Owner]string
	entries     []Entry
	withdrawals map[string]Withdrawal
	refunds     []Refund
	seq         int64
	now         func() time.Time
}

// NewInMemory creates an in-memory store. Units of work are serialized behind a
// single mutex and rolled back from a snapshot when they fail.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets:     make(map[string]Wallet),
		owners:      make(map[Owner]string),
		withdrawals: make(map[string]Withdrawal),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type memSnapshot struct {
	wallets     map[string]Wallet
	owners      map[Owner]string
	entries     int
	withdrawals map[string]Withdrawal
	refunds     int
	seq         int64
}

func (s *inMemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		wallets:     maps.Clone(s.wallets),
		owners:      maps.Clone(s.owners),
		entries:     len(s.entries),
		withdrawals: maps.Clone(s.withdrawals),
		refunds:     len(s.refunds),
		seq:         s.seq,
	}
	if err := fn(&memTx{s: s}); err != nil {
		s.wallets = snap.wallets
		s.owners = snap.owners
		s.entries = s.entries[:snap.entries]
		s.withdrawals = snap.withdrawals
		s.refunds = s.refunds[:snap.refunds]
		s.seq = snap.seq
		return err
	}
	return nil
}

func (s *inMemoryStore) FindWallet(_ context.Context, owner Owner) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.owners[owner]
	if !ok {
		return Wallet{}, notFoundFor(owner)
	}
	return s.wallets[id], nil
}

func (s *inMemoryStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w, nil
}

func (s *inMemoryStore) ListWallets(_ context.Context, page PageRequest) ([]Wallet, int64, error) {
	page = page.Normalize()
	s.mu.Lock()
	all := make([]Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		all = append(all, w)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, page), int64(len(all)), nil
}

func (s *inMemoryStore) ListEntries(_ context.Context, walletID string, page PageRequest) ([]Entry, int64, error) {
	page = page.Normalize()
	s.mu.Lock()
	var matched []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].WalletID == walletID {
			matched = append(matched, cloneEntry(s.entries[i]))
		}
	}
	s.mu.Unlock()

	if page.Order == "asc" {
		sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })
	}
	return paginate(matched, page), int64(len(matched)), nil
}

func (s *inMemoryStore) ListAllEntries(_ context.Context, walletID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.WalletID == walletID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *inMemoryStore) GetWithdrawal(_ context.Context, id string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id)
	}
	return w, nil
}

func (s *inMemoryStore) ListWithdrawals(_ context.Context, filter WithdrawalFilter, page PageRequest) ([]Withdrawal, int64, error) {
	page = page.Normalize()
	s.mu.Lock()
	var matched []Withdrawal
	for _, w := range s.withdrawals {
		if matchesWithdrawal(w, filter) {
			matched = append(matched, w)
		}
	}
	s.mu.Unlock()

	less := withdrawalLess(page.Sort)
	sort.SliceStable(matched, func(i, j int) bool {
		if page.Order == "asc" {
			return less(matched[i], matched[j])
		}
		return less(matched[j], matched[i])
	})
	return paginate(matched, page), int64(len(matched)), nil
}

func (s *inMemoryStore) ListPendingWithdrawals(_ context.Context, olderThan time.Duration, limit int) ([]Withdrawal, error) {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	var out []Withdrawal
	for _, w := range s.withdrawals {
		if w.Status == WithdrawalPending && !w.CreatedAt.After(cutoff) {
			out = append(out, w)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx operates on the store while WithinTx holds its mutex.
type memTx struct {
	s *inMemoryStore
}

func (t *memTx) LockWallet(_ context.Context, owner Owner) (Wallet, error) {
	if err := owner.Validate(); err != nil {
		return Wallet{}, err
	}
	id, ok := t.s.owners[owner]
	if !ok {
		return Wallet{}, notFoundFor(owner)
	}
	return t.s.wallets[id], nil
}

func (t *memTx) EnsureWallet(ctx context.Context, owner Owner, currency string) (Wallet, error) {
	w, err := t.LockWallet(ctx, owner)
	if err == nil {
		return w, nil
	}
	if !IsNotFound(err) {
		return Wallet{}, err
	}
	now := t.s.now()
	w = Wallet{
		ID:        uuid.NewString(),
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.s.wallets[w.ID] = w
	t.s.owners[owner] = w.ID
	return w, nil
}

func (t *memTx) Apply(_ context.Context, wallet Wallet, draft EntryDraft) (Wallet, Entry, error) {
	current, ok := t.s.wallets[wallet.ID]
	if !ok {
		return Wallet{}, Entry{}, fmt.Errorf("%w: %s", ErrWalletNotFound, wallet.ID)
	}
	balance, err := nextBalance(current.Balance, draft)
	if err != nil {
		return Wallet{}, Entry{}, err
	}
	now := t.s.now()
	current.Balance = balance
	current.Version++
	current.UpdatedAt = now

	t.s.seq++
	entry := Entry{
		ID:                uuid.NewString(),
		Seq:               t.s.seq,
		WalletID:          current.ID,
		Type:              draft.Type,
		Direction:         draft.Direction,
		Amount:            draft.Amount,
		BalanceAfter:      balance,
		OwnerType:         current.OwnerType,
		OwnerID:           current.OwnerID,
		TransactionID:     draft.TransactionID,
		ExternalReference: draft.ExternalReference,
		Metadata:          maps.Clone(draft.Metadata),
		CreatedAt:         now,
	}
	t.s.wallets[current.ID] = current
	t.s.entries = append(t.s.entries, entry)
	return current, cloneEntry(entry), nil
}

func (t *memTx) EntriesByTransaction(_ context.Context, transactionID string) ([]Entry, error) {
	var out []Entry
	for _, e := range t.s.entries {
		if e.TransactionID == transactionID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (t *memTx) EntryByReference(_ context.Context, walletID, reference string) (Entry, bool, error) {
	for _, e := range t.s.entries {
		if e.WalletID == walletID && e.ExternalReference == reference {
			return cloneEntry(e), true, nil
		}
	}
	return Entry{}, false, nil
}

func (t *memTx) InsertRefund(_ context.Context, r Refund) error {
	for _, existing := range t.s.refunds {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: refund %s", ErrDuplicateTransaction, r.ID)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.s.now()
	}
	t.s.refunds = append(t.s.refunds, r)
	return nil
}

func (t *memTx) RefundsByTransaction(_ context.Context, transactionID string) ([]Refund, error) {
	var out []Refund
	for _, r := range t.s.refunds {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w Withdrawal) error {
	if _, exists := t.s.withdrawals[w.ID]; exists {
		return fmt.Errorf("withdrawal %s exists", w.ID)
	}
	w.Metadata = maps.Clone(w.Metadata)
	t.s.withdrawals[w.ID] = w
	return nil
}

func (t *memTx) LockWithdrawal(_ context.Context, id string) (Withdrawal, error) {
	w, ok := t.s.withdrawals[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("%w: %s", ErrWithdrawalNotFound, id)
	}
	return w, nil
}

func (t *memTx) LockWithdrawalByReference(_ context.Context, reference string) (Withdrawal, error) {
	for _, w := range t.s.withdrawals {
		if reference != "" && w.PayoutReference == reference {
			return w, nil
		}
	}
	return Withdrawal{}, fmt.Errorf("%w: payout reference %s", ErrWithdrawalNotFound, reference)
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w Withdrawal) error {
	if _, ok := t.s.withdrawals[w.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, w.ID)
	}
	w.Metadata = maps.Clone(w.Metadata)
	t.s.withdrawals[w.ID] = w
	return nil
}

func notFoundFor(owner Owner) error {
	if owner.IsPlatform() {
		return ErrPlatformWalletNotFound
	}
	return fmt.Errorf("%w: %s", ErrWalletNotFound, owner)
}

func cloneEntry(e Entry) Entry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

func matchesWithdrawal(w Withdrawal, f WithdrawalFilter) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.OwnerType != "" && w.OwnerType != f.OwnerType {
		return false
	}
	if f.OwnerID != "" && w.OwnerID != f.OwnerID {
		return false
	}
	if f.RequestedBy != "" && w.RequestedBy != f.RequestedBy {
		return false
	}
	return true
}

func withdrawalLess(field string) func(a, b Withdrawal) bool {
	switch field {
	case "amount":
		return func(a, b Withdrawal) bool { return a.Amount.LessThan(b.Amount) }
	case "status":
		return func(a, b Withdrawal) bool { return a.Status < b.Status }
	default:
		return func(a, b Withdrawal) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
}

func paginate[T any](items []T, page PageRequest) []T {
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
