package withdrawal

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
)

// PayoutRequest is what the provider needs to move money to a bank account.
type PayoutRequest struct {
	WithdrawalID string
	Amount       decimal.Decimal
	Currency     string
	BankAccount  BankAccount
	// IdempotencyKey lets a retried initiation reuse the provider's first payout.
	IdempotencyKey string
}

// PayoutResult is the provider's answer. Pending results are settled later by
// a callback or by polling.
type PayoutResult struct {
	Reference string
	Status    ledger.WithdrawalStatus
	Reason    string
}

// Provider is the payout-provider adapter.
type Provider interface {
	InitiatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
	Status(ctx context.Context, reference string) (PayoutResult, error)
}

// StaticProvider simulates a payout provider for development and tests. Every
// payout resolves to Outcome; references are ULIDs so they sort by creation.
type StaticProvider struct {
	Outcome ledger.WithdrawalStatus
	Reason  string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	payouts map[string]PayoutResult
	byKey   map[string]string
}

// NewStaticProvider builds a sandbox provider. An empty outcome means pending,
// which leaves settlement to callbacks.
func NewStaticProvider(outcome ledger.WithdrawalStatus) *StaticProvider {
	if outcome == "" {
		outcome = ledger.WithdrawalPending
	}
	return &StaticProvider{
		Outcome: outcome,
		entropy: ulid.Monotonic(rand.Reader, 0),
		payouts: map[string]PayoutResult{},
		byKey:   map[string]string{},
	}
}

// InitiatePayout records the payout and answers with the configured outcome.
func (p *StaticProvider) InitiatePayout(_ context.Context, req PayoutRequest) (PayoutResult, error) {
	if !req.Amount.IsPositive() {
		return PayoutResult{}, fmt.Errorf("payout amount must be positive, got %s", req.Amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return p.payouts[ref], nil
	}
	ref := "po_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String())
	res := PayoutResult{Reference: ref, Status: p.Outcome}
	if p.Outcome == ledger.WithdrawalFailed {
		res.Reason = p.Reason
		if res.Reason == "" {
			res.Reason = "payout rejected by bank"
		}
	}
	p.payouts[ref] = res
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = ref
	}
	return res, nil
}

// Status reports the stored outcome of a payout.
func (p *StaticProvider) Status(_ context.Context, reference string) (PayoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.payouts[reference]
	if !ok {
		return PayoutResult{}, fmt.Errorf("payout %s not found", reference)
	}
	return res, nil
}

// Resolve changes the outcome of an earlier payout, as a bank would when it
// settles asynchronously.
func (p *StaticProvider) Resolve(reference string, status ledger.WithdrawalStatus, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payouts[reference] = PayoutResult{Reference: reference, Status: status, Reason: reason}
}
