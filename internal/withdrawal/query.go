package withdrawal

import (
	"context"
	"fmt"

	"github.com/ticketing/settlement/internal/ledger"
)

var sortable = map[string]bool{"created_at": true, "amount": true, "status": true}

// WalletSummary is the wallet view attached to listings.
type WalletSummary struct {
	ID        string `json:"id"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id,omitempty"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

// MaskedBankAccount exposes only the last four digits of the account number.
type MaskedBankAccount struct {
	ID            string `json:"id"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	Last4         string `json:"last4"`
}

// Item is a withdrawal with the summaries that could be resolved. Nil
// summaries mean enrichment failed and callers should fall back to the ids.
type Item struct {
	ledger.Withdrawal
	User   *UserSummary
	Wallet *WalletSummary
}

// Details is the full view of one withdrawal.
type Details struct {
	Item
	BankAccount *MaskedBankAccount
	Owner       *OwnerSummary
}

// List returns a filtered, sorted page of withdrawals enriched with user and
// wallet summaries. Enrichment failures are logged and never fail the query.
func (s *Service) List(ctx context.Context, filter ledger.WithdrawalFilter, page ledger.PageRequest) (ledger.Page[Item], error) {
	if filter.OwnerType != "" && filter.OwnerType != ledger.OwnerEvent && filter.OwnerType != ledger.OwnerGroup {
		return ledger.Page[Item]{}, fmt.Errorf("%w: withdrawals are filtered by EVENT or GROUP, got %s", ledger.ErrInvalidOwner, filter.OwnerType)
	}
	if filter.Status != "" {
		if _, err := ledger.ParseWithdrawalStatus(string(filter.Status)); err != nil {
			return ledger.Page[Item]{}, err
		}
	}
	page = page.Normalize()
	if page.Sort == "" {
		page.Sort = "created_at"
	}
	if !sortable[page.Sort] {
		return ledger.Page[Item]{}, fmt.Errorf("%w: cannot sort by %q", ledger.ErrInvalidRequest, page.Sort)
	}

	rows, total, err := s.store.ListWithdrawals(ctx, filter, page)
	if err != nil {
		return ledger.Page[Item]{}, err
	}
	return ledger.NewPage(s.enrich(ctx, rows), total, page), nil
}

// Details returns one withdrawal with user, wallet, masked bank account and
// owner summaries.
func (s *Service) Details(ctx context.Context, id string) (Details, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return Details{}, err
	}
	out := Details{Item: s.enrich(ctx, []ledger.Withdrawal{w})[0]}

	if acct, err := s.directory.BankAccount(ctx, w.BankAccountID); err != nil {
		s.logger.Warn("enrich withdrawal bank account", "withdrawal_id", w.ID, "error", err)
	} else {
		out.BankAccount = &MaskedBankAccount{
			ID:            acct.ID,
			BankName:      acct.BankName,
			BankCode:      acct.BankCode,
			AccountName:   acct.AccountName,
			AccountNumber: acct.MaskedNumber(),
			Last4:         acct.Last4(),
		}
	}
	if owner, err := s.directory.Owner(ctx, w.Owner()); err != nil {
		s.logger.Warn("enrich withdrawal owner", "withdrawal_id", w.ID, "error", err)
	} else {
		out.Owner = &owner
	}
	return out, nil
}

func (s *Service) enrich(ctx context.Context, rows []ledger.Withdrawal) []Item {
	items := make([]Item, len(rows))
	userIDs := make([]string, 0, len(rows))
	seen := map[string]bool{}
	for i, w := range rows {
		items[i] = Item{Withdrawal: w}
		if w.RequestedBy != "" && !seen[w.RequestedBy] {
			seen[w.RequestedBy] = true
			userIDs = append(userIDs, w.RequestedBy)
		}
	}

	users, err := s.directory.Users(ctx, userIDs)
	if err != nil {
		s.logger.Warn("enrich withdrawals with users", "error", err)
	}
	wallets := map[string]*WalletSummary{}
	for i := range items {
		if u, ok := users[items[i].RequestedBy]; ok {
			items[i].User = &u
		}
		walletID := items[i].WalletID
		summary, cached := wallets[walletID]
		if !cached {
			if w, err := s.store.GetWallet(ctx, walletID); err != nil {
				s.logger.Warn("enrich withdrawal wallet", "wallet_id", walletID, "error", err)
			} else {
				summary = &WalletSummary{
					ID:        w.ID,
					OwnerType: string(w.OwnerType),
					OwnerID:   w.OwnerID,
					Balance:   w.Balance.StringFixed(ledger.MoneyPlaces),
					Currency:  w.Currency,
				}
			}
			wallets[walletID] = summary
		}
		items[i].Wallet = summary
	}
	return items
}
