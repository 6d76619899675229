// Package partial tracks orders paid in two installments: a percentage at
// checkout and the remainder later. It is independent of escrow; an order
// uses exactly one payment mode.
package partial

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/ledger"
)

var (
	ErrPaymentNotFound     = errors.New("partial payment not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidPercentage   = errors.New("percentage must be between 1 and 99")
	ErrMissingParty        = errors.New("order_id, customer_id and store_id are required")
	ErrOverpaymentRejected = errors.New("installment exceeds the remaining amount")
	ErrNotPayable          = errors.New("partial payment no longer accepts installments")
)

// Status represents the state of a partial payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is an order paid in installments.
type Payment struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"orderId"`
	CustomerID      string     `json:"customerId"`
	StoreID         string     `json:"storeId"`
	TotalAmount     int64      `json:"totalAmount"`
	PaidAmount      int64      `json:"paidAmount"`
	RemainingAmount int64      `json:"remainingAmount"`
	Percentage      int        `json:"percentage"`
	Status          Status     `json:"status"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if no further installments are possible.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusRefunded
}

// Snapshot returns the materialized state compared against the ledger fold.
func (p *Payment) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{
		SubjectID:   p.ID,
		PaymentType: ledger.PaymentPartial,
		Status:      string(p.Status),
		Amount:      p.PaidAmount,
	}
}

// OpenRequest contains the parameters for opening a partial payment.
type OpenRequest struct {
	OrderID     string     `json:"order_id"`
	CustomerID  string     `json:"customer_id"`
	StoreID     string     `json:"store_id"`
	TotalAmount int64      `json:"total_amount"`
	Percentage  int        `json:"percentage"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Open records the first installment. The paid amount is the floor of
// total*percentage/100.
func Open(req OpenRequest, actorID string, now time.Time) (*Payment, *ledger.Entry, error) {
	if req.OrderID == "" || req.CustomerID == "" || req.StoreID == "" {
		return nil, nil, ErrMissingParty
	}
	if req.TotalAmount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if req.Percentage < 1 || req.Percentage > 99 {
		return nil, nil, ErrInvalidPercentage
	}

	paid := req.TotalAmount * int64(req.Percentage) / 100
	p := &Payment{
		ID:              idgen.WithPrefix("pp_"),
		OrderID:         req.OrderID,
		CustomerID:      req.CustomerID,
		StoreID:         req.StoreID,
		TotalAmount:     req.TotalAmount,
		PaidAmount:      paid,
		RemainingAmount: req.TotalAmount - paid,
		Percentage:      req.Percentage,
		Status:          StatusPartial,
		DueDate:         req.DueDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if paid == 0 {
		p.Status = StatusPending
	}
	return p, p.entry(paid, actorID, fmt.Sprintf("initial installment %d%%", req.Percentage)), nil
}

// RecordInstallment adds a later installment of at most the remaining amount.
func (p *Payment) RecordInstallment(amount int64, actorID string, now time.Time) (*ledger.Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch p.Status {
	case StatusPending, StatusPartial:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrNotPayable, p.Status)
	}
	if amount > p.RemainingAmount {
		return nil, fmt.Errorf("%w: %d offered, %d remaining", ErrOverpaymentRejected, amount, p.RemainingAmount)
	}

	p.PaidAmount += amount
	p.RemainingAmount = p.TotalAmount - p.PaidAmount
	p.Status = StatusPartial
	if p.RemainingAmount == 0 {
		p.Status = StatusCompleted
	}
	p.UpdatedAt = now
	return p.entry(amount, actorID, "installment"), nil
}

func (p *Payment) entry(amount int64, actorID, notes string) *ledger.Entry {
	return &ledger.Entry{
		OrderID:         p.OrderID,
		SubjectID:       p.ID,
		PaymentType:     ledger.PaymentPartial,
		Amount:          amount,
		Action:          ledger.ActionPayment,
		ResultingStatus: string(p.Status),
		Notes:           notes,
		ActorID:         actorID,
		CreatedAt:       p.UpdatedAt,
	}
}
