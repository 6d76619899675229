// Package escrow holds a single order payment in trust until it is released
// to the store or refunded to the customer.
//
// Flow:
//  1. Payment captured → account opened Held, dispute deadline set
//  2. Customer confirms → Released to the store
//  3. Customer or store disputes before the deadline → Disputed
//  4. Arbitration ruling → Released, Refunded, or split between both
//  5. Deadline passes with no dispute → auto-released to the store
//
// Accounts are plain state containers. Every transition returns the ledger
// entries it produced; the caller persists both in one unit of work.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/ledger"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrEscrowExists        = errors.New("order already has an escrow account")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrMissingParty        = errors.New("order_id, customer_id and store_id are required")
	ErrEscrowNotHeld       = errors.New("escrow is not held")
	ErrDisputeWindowClosed = errors.New("dispute window has closed")
	ErrDisputeInProgress   = errors.New("a dispute is in progress for this escrow")
	ErrNotDisputed         = errors.New("escrow is not disputed")
	ErrAlreadyResolved     = errors.New("escrow already resolved by another decision")
	ErrInvalidRefund       = errors.New("refund amount out of range for this ruling")
	ErrInvalidRuling       = errors.New("unknown ruling")
	ErrAccountFrozen       = errors.New("escrow is frozen pending integrity review")
)

// Status represents the custody state of an account.
type Status string

const (
	StatusHeld     Status = "held"     // Funds in custody
	StatusDisputed Status = "disputed" // Dispute open, awaiting ruling
	StatusReleased Status = "released" // Paid out to the store
	StatusRefunded Status = "refunded" // Returned to the customer (fully or in part)
)

// DefaultDisputeWindow is how long after payment a dispute may be opened.
const DefaultDisputeWindow = 7 * 24 * time.Hour

// Account is one order's payment held in trust.
type Account struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"orderId"`
	CustomerID        string     `json:"customerId"`
	StoreID           string     `json:"storeId"`
	Amount            int64      `json:"amount"`
	Status            Status     `json:"status"`
	TransactionID     string     `json:"transactionId"`
	ReleaseConditions string     `json:"releaseConditions,omitempty"`
	PaidAt            time.Time  `json:"paidAt"`
	DisputeDeadline   time.Time  `json:"disputeDeadline"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	ReleasedAmount    int64      `json:"releasedAmount"`
	RefundedAmount    int64      `json:"refundedAmount"`
	ActiveDisputeID   string     `json:"activeDisputeId,omitempty"`
	DecisionID        string     `json:"decisionId,omitempty"`
	Frozen            bool       `json:"frozen"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the funds have left custody.
func (a *Account) IsTerminal() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

// Snapshot returns the materialized state compared against the ledger fold.
func (a *Account) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{
		SubjectID:   a.ID,
		PaymentType: ledger.PaymentEscrow,
		Status:      string(a.Status),
		Amount:      a.Amount,
	}
}

// OpenRequest contains the parameters for opening an account.
type OpenRequest struct {
	OrderID           string `json:"order_id"`
	CustomerID        string `json:"customer_id"`
	StoreID           string `json:"store_id"`
	Amount            int64  `json:"amount"`
	ReleaseConditions string `json:"release_conditions"`
}

// Open creates a Held account and its payment entry. window <= 0 uses
// DefaultDisputeWindow.
func Open(req OpenRequest, actorID string, now time.Time, window time.Duration) (*Account, *ledger.Entry, error) {
	if req.OrderID == "" || req.CustomerID == "" || req.StoreID == "" {
		return nil, nil, ErrMissingParty
	}
	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if window <= 0 {
		window = DefaultDisputeWindow
	}

	a := &Account{
		ID:                idgen.WithPrefix("esc_"),
		OrderID:           req.OrderID,
		CustomerID:        req.CustomerID,
		StoreID:           req.StoreID,
		Amount:            req.Amount,
		Status:            StatusHeld,
		TransactionID:     idgen.TransactionID(),
		ReleaseConditions: req.ReleaseConditions,
		PaidAt:            now,
		DisputeDeadline:   now.Add(window),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return a, a.entry(ledger.ActionPayment, a.Amount, actorID, "escrow payment held"), nil
}

// Release pays the full amount out to the store.
func (a *Account) Release(actorID, notes string, now time.Time) (*ledger.Entry, error) {
	if a.Frozen {
		return nil, ErrAccountFrozen
	}
	if a.ActiveDisputeID != "" {
		return nil, ErrDisputeInProgress
	}
	if a.Status != StatusHeld {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, a.Status)
	}
	a.release(a.Amount, now)
	return a.entry(ledger.ActionRelease, a.Amount, actorID, notes), nil
}

// Due reports whether the account may be auto-released: still Held, never
// disputed, and past its deadline.
func (a *Account) Due(now time.Time) bool {
	return a.Status == StatusHeld && a.ActiveDisputeID == "" && !a.Frozen && now.After(a.DisputeDeadline)
}

// MarkDisputed moves a Held account to Disputed on behalf of disputeID. The
// deadline is inclusive.
func (a *Account) MarkDisputed(disputeID, actorID, reason string, now time.Time) (*ledger.Entry, error) {
	if a.Frozen {
		return nil, ErrAccountFrozen
	}
	if a.Status != StatusHeld {
		return nil, fmt.Errorf("%w: status is %s", ErrEscrowNotHeld, a.Status)
	}
	if now.After(a.DisputeDeadline) {
		return nil, ErrDisputeWindowClosed
	}
	a.Status = StatusDisputed
	a.ActiveDisputeID = disputeID
	a.UpdatedAt = now
	return a.entry(ledger.ActionDispute, a.Amount, actorID, reason), nil
}

// RulingKind is the outcome class of an arbitration decision.
type RulingKind string

const (
	RulingCustomerWins    RulingKind = "customer_wins"
	RulingStoreWins       RulingKind = "store_wins"
	RulingPartialCustomer RulingKind = "partial_customer"
	RulingPartialStore    RulingKind = "partial_store"
	RulingNoFault         RulingKind = "no_fault"
)

// Ruling is what the account needs to know about a final decision.
type Ruling struct {
	DecisionID   string
	Kind         RulingKind
	RefundAmount int64
	ActorID      string
	Notes        string
}

// Outcome is the split a ruling applies to an account.
type Outcome struct {
	Status   Status
	Released int64
	Refunded int64
}

// Outcome computes the split without applying it.
func (a *Account) Outcome(r Ruling) (Outcome, error) {
	switch r.Kind {
	case RulingStoreWins, RulingNoFault:
		return Outcome{Status: StatusReleased, Released: a.Amount}, nil
	case RulingCustomerWins:
		return Outcome{Status: StatusRefunded, Refunded: a.Amount}, nil
	case RulingPartialCustomer, RulingPartialStore:
		if r.RefundAmount <= 0 || r.RefundAmount >= a.Amount {
			return Outcome{}, fmt.Errorf("%w: %d of %d", ErrInvalidRefund, r.RefundAmount, a.Amount)
		}
		return Outcome{Status: StatusRefunded, Released: a.Amount - r.RefundAmount, Refunded: r.RefundAmount}, nil
	}
	return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidRuling, r.Kind)
}

// Resolve applies a final ruling to a Disputed account. Applying the ruling
// that already settled the account returns no entries and no error.
//
// A split writes the release of the store's share first, leaving the account
// Disputed, then the refund that settles it.
func (a *Account) Resolve(r Ruling, now time.Time) ([]*ledger.Entry, error) {
	if a.IsTerminal() && a.DecisionID != "" {
		if a.DecisionID == r.DecisionID {
			return nil, nil
		}
		return nil, ErrAlreadyResolved
	}
	if a.Frozen {
		return nil, ErrAccountFrozen
	}
	if a.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotDisputed, a.Status)
	}
	out, err := a.Outcome(r)
	if err != nil {
		return nil, err
	}

	var entries []*ledger.Entry
	if out.Released > 0 {
		a.release(out.Released, now)
		if out.Refunded > 0 {
			a.Status = StatusDisputed
		}
		e := a.entry(ledger.ActionRelease, out.Released, r.ActorID, r.Notes)
		e.DecisionID = r.DecisionID
		entries = append(entries, e)
	}
	if out.Refunded > 0 {
		a.Status = StatusRefunded
		a.RefundedAmount += out.Refunded
		a.RefundedAt = &now
		a.UpdatedAt = now
		e := a.entry(ledger.ActionRefund, out.Refunded, r.ActorID, r.Notes)
		e.DecisionID = r.DecisionID
		entries = append(entries, e)
	}
	a.DecisionID = r.DecisionID
	a.ActiveDisputeID = ""
	return entries, nil
}

func (a *Account) release(amount int64, now time.Time) {
	a.Status = StatusReleased
	a.ReleasedAmount += amount
	a.ReleasedAt = &now
	a.UpdatedAt = now
}

// entry builds a ledger entry whose resulting status is the account's
// current status.
func (a *Account) entry(action ledger.Action, amount int64, actorID, notes string) *ledger.Entry {
	return &ledger.Entry{
		OrderID:         a.OrderID,
		SubjectID:       a.ID,
		PaymentType:     ledger.PaymentEscrow,
		Amount:          amount,
		Action:          action,
		ResultingStatus: string(a.Status),
		TransactionID:   a.TransactionID,
		Notes:           notes,
		ActorID:         actorID,
		CreatedAt:       a.UpdatedAt,
	}
}
