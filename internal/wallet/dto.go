package wallet

import (
	"time"

	"github.com/ticketing/settlement/internal/ledger"
)

type walletResponse struct {
	ID        string    `json:"id"`
	OwnerType string    `json:"owner_type"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entryResponse struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Direction         string         `json:"direction"`
	Amount            string         `json:"amount"`
	BalanceAfter      string         `json:"balance_after"`
	TransactionID     string         `json:"transaction_id,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type snapshotResponse struct {
	Wallet walletResponse  `json:"wallet"`
	Ledger []entryResponse `json:"ledger"`
}

type ledgerPageResponse struct {
	Items []entryResponse `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func toWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		OwnerType: string(w.OwnerType),
		OwnerID:   w.OwnerID,
		Balance:   w.Balance.StringFixed(ledger.MoneyPlaces),
		Currency:  w.Currency,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toEntryResponses(entries []ledger.Entry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:                e.ID,
			Type:              string(e.Type),
			Direction:         string(e.Direction),
			Amount:            e.Amount.StringFixed(ledger.MoneyPlaces),
			BalanceAfter:      e.BalanceAfter.StringFixed(ledger.MoneyPlaces),
			TransactionID:     e.TransactionID,
			ExternalReference: e.ExternalReference,
			Metadata:          e.Metadata,
			CreatedAt:         e.CreatedAt,
		})
	}
	return out
}
