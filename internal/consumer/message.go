package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/funding"
	"github.com/ticketing/settlement/internal/ledger"
)

const (
	TypeTransactionVerified = "transaction.verified"
	TypeTransactionRefunded = "transaction.refunded"
)

// Message is published by the payment gateway once a provider webhook has
// been verified.
type Message struct {
	Type            string             `json:"type"`
	OwnerType       string             `json:"owner_type"`
	OwnerID         string             `json:"owner_id"`
	HangoutID       string             `json:"hangout_id,omitempty"`
	Transaction     ledger.Transaction `json:"transaction"`
	RefundAmount    *decimal.Decimal   `json:"refund_amount,omitempty"`
	RefundReference string             `json:"refund_reference,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

// Settler is the part of the funding engine the consumer drives.
type Settler interface {
	Fund(ctx context.Context, input funding.FundInput) (funding.FundResult, error)
	Refund(ctx context.Context, input funding.RefundInput) (funding.RefundResult, error)
}

// Outcome tells the transport what to do with a delivery.
type Outcome int

const (
	Ack Outcome = iota
	// Requeue puts the delivery back for another attempt.
	Requeue
	// Drop discards a delivery that can never succeed.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "drop"
	}
}

// Dispatcher turns gateway messages into funding and refund calls.
type Dispatcher struct {
	settler Settler
	logger  *slog.Logger
}

func NewDispatcher(settler Settler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{settler: settler, logger: logger}
}

// Handle processes one message body. Duplicates and permanently invalid
// messages are acknowledged so they do not loop. Storage failures and refunds
// whose wallet does not exist yet are requeued.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) Outcome {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		d.logger.Error("malformed settlement message", "error", err, "body", string(body))
		return Drop
	}
	err := d.dispatch(ctx, msg)
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		d.logger.Info("settlement message already applied", "type", msg.Type, "transaction_id", msg.Transaction.ID)
		return Ack
	case msg.Type == TypeTransactionRefunded && ledger.IsNotFound(err):
		// the refund can overtake its funding on the queue
		d.logger.Warn("refund target not settled yet, requeueing", "transaction_id", msg.Transaction.ID, "error", err)
		return Requeue
	case ledger.IsValidation(err), ledger.IsNotFound(err):
		d.logger.Warn("settlement message rejected", "type", msg.Type, "transaction_id", msg.Transaction.ID, "error", err)
		return Ack
	case errors.Is(err, ledger.ErrInsufficientFunds):
		d.logger.Error("settlement message cannot be applied", "type", msg.Type, "transaction_id", msg.Transaction.ID, "error", err)
		return Drop
	default:
		d.logger.Error("settlement failed, requeueing", "type", msg.Type, "transaction_id", msg.Transaction.ID, "error", err)
		return Requeue
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) error {
	owner, err := ledger.NewOwner(msg.OwnerType, msg.OwnerID)
	if err != nil {
		return err
	}
	switch msg.Type {
	case TypeTransactionVerified:
		_, err = d.settler.Fund(ctx, funding.FundInput{Owner: owner, Transaction: msg.Transaction, HangoutID: msg.HangoutID})
		return err
	case TypeTransactionRefunded:
		amount := msg.Transaction.Base()
		if msg.RefundAmount != nil {
			amount = *msg.RefundAmount
		}
		_, err = d.settler.Refund(ctx, funding.RefundInput{
			Owner:       owner,
			Transaction: msg.Transaction,
			Amount:      amount,
			Reason:      msg.Reason,
			Reference:   msg.RefundReference,
		})
		return err
	default:
		return fmt.Errorf("%w: unknown message type %q", ledger.ErrInvalidRequest, msg.Type)
	}
}
