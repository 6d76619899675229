// Package ledger is the append-only history of money movements and custody
// status changes for each order.
//
// Nothing outside this package decides what a valid history looks like:
// the fold functions replay entries in commit order and reconstruct the
// status each escrow account or partial payment must currently have.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEntry = errors.New("invalid ledger entry")
	ErrEmptyHistory = errors.New("no ledger entries for subject")
)

// PaymentType is the payment mode the entry belongs to.
type PaymentType string

const (
	PaymentPartial PaymentType = "partial"
	PaymentEscrow  PaymentType = "escrow"
	PaymentFull    PaymentType = "full"
)

// Action is what happened to the money.
type Action string

const (
	ActionPayment Action = "payment"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionDispute Action = "dispute"
)

// Entry is one immutable ledger record.
type Entry struct {
	Seq             int64       `json:"seq"`
	ID              string      `json:"id"`
	OrderID         string      `json:"orderId"`
	SubjectID       string      `json:"subjectId"` // escrow account or partial payment id
	PaymentType     PaymentType `json:"paymentType"`
	Amount          int64       `json:"amount"`
	Action          Action      `json:"action"`
	ResultingStatus string      `json:"resultingStatus"`
	TransactionID   string      `json:"transactionId"`
	DecisionID      string      `json:"decisionId,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	ActorID         string      `json:"actorId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Validate checks the fields every entry must carry.
func (e *Entry) Validate() error {
	switch {
	case e.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidEntry)
	case e.SubjectID == "":
		return fmt.Errorf("%w: subject id is required", ErrInvalidEntry)
	case e.ResultingStatus == "":
		return fmt.Errorf("%w: resulting status is required", ErrInvalidEntry)
	case e.Amount < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidEntry)
	}
	switch e.PaymentType {
	case PaymentPartial, PaymentEscrow, PaymentFull:
	default:
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidEntry, e.PaymentType)
	}
	switch e.Action {
	case ActionPayment, ActionRelease, ActionRefund, ActionDispute:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, e.Action)
	}
	return nil
}

// Writer appends entries. Append is the only mutator a ledger exposes.
type Writer interface {
	Append(ctx context.Context, entry *Entry) error
}

// Reader returns the ordered history of an order.
type Reader interface {
	Replay(ctx context.Context, orderID string) ([]*Entry, error)
}

// BySubject groups entries by subject id, preserving commit order.
func BySubject(entries []*Entry) map[string][]*Entry {
	out := make(map[string][]*Entry)
	for _, e := range entries {
		out[e.SubjectID] = append(out[e.SubjectID], e)
	}
	return out
}
