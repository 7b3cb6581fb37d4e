package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	KindWalletFunded        = "wallet.funded"
	KindWalletRefunded      = "wallet.refunded"
	KindWalletAdjusted      = "wallet.adjusted"
	KindWithdrawalRequested = "withdrawal.requested"
	KindWithdrawalSucceeded = "withdrawal.successful"
	KindWithdrawalFailed    = "withdrawal.failed"
)

// Event describes a committed wallet change. Events are published after the
// ledger unit commits and are never part of it.
type Event struct {
	Kind          string         `json:"kind"`
	WalletID      string         `json:"wallet_id"`
	OwnerType     string         `json:"owner_type"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Amount        string         `json:"amount"`
	Balance       string         `json:"balance"`
	Currency      string         `json:"currency"`
	TransactionID string         `json:"transaction_id,omitempty"`
	WithdrawalID  string         `json:"withdrawal_id,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Publisher delivers wallet events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("wallet event",
		"kind", event.Kind,
		"wallet_id", event.WalletID,
		"amount", event.Amount,
		"balance", event.Balance,
	)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes events with a bounded timeout and logs failures. Settlement
// has already committed, so delivery problems must not surface to callers.
func Emit(ctx context.Context, publisher Publisher, logger *slog.Logger, events ...Event) {
	if publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, ev := range events {
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		if err := publisher.Publish(ctx, ev); err != nil && logger != nil {
			logger.Warn("publish wallet event", "kind", ev.Kind, "wallet_id", ev.WalletID, "error", err)
		}
	}
}
