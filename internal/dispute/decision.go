package dispute

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/idgen"
)

var (
	ErrInvalidDecision  = errors.New("invalid decision")
	ErrDecisionNotFound = errors.New("decision not found")
)

// DecisionType is the ruling an admin issues.
type DecisionType string

const (
	DecisionCustomerWins    DecisionType = "customer_wins"
	DecisionStoreWins       DecisionType = "store_wins"
	DecisionPartialCustomer DecisionType = "partial_customer"
	DecisionPartialStore    DecisionType = "partial_store"
	DecisionNoFault         DecisionType = "no_fault"
)

func (d DecisionType) Valid() bool {
	switch d {
	case DecisionCustomerWins, DecisionStoreWins, DecisionPartialCustomer, DecisionPartialStore, DecisionNoFault:
		return true
	}
	return false
}

// Decision is an admin's ruling on a case. A final decision cannot be
// replaced; a non-final one is a draft that the next decision overwrites.
type Decision struct {
	ID              string       `json:"id"`
	DisputeID       string       `json:"disputeId"`
	AdminID         string       `json:"adminId"`
	Type            DecisionType `json:"decisionType"`
	Reason          string       `json:"decisionReason"`
	CustomerPenalty int64        `json:"customerPenalty"`
	StorePenalty    int64        `json:"storePenalty"`
	RefundAmount    int64        `json:"refundAmount"`
	AdditionalNotes string       `json:"additionalNotes,omitempty"`
	IsFinal         bool         `json:"isFinal"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Ruling converts the decision into the escrow's view of it.
func (d *Decision) Ruling() escrow.Ruling {
	return escrow.Ruling{
		DecisionID:   d.ID,
		Kind:         escrow.RulingKind(d.Type),
		RefundAmount: d.RefundAmount,
		ActorID:      d.AdminID,
		Notes:        d.Reason,
	}
}

// DecisionRequest contains the parameters for deciding a case. IsFinal
// defaults to true.
type DecisionRequest struct {
	Type            DecisionType `json:"decision_type"`
	Reason          string       `json:"decision_reason"`
	CustomerPenalty int64        `json:"customer_penalty"`
	StorePenalty    int64        `json:"store_penalty"`
	RefundAmount    int64        `json:"refund_amount"`
	AdditionalNotes string       `json:"additional_notes"`
	IsFinal         *bool        `json:"is_final,omitempty"`
}

// Decide records a ruling. A final ruling resolves the case; the caller
// applies it to the escrow in the same unit of work.
//
// Amounts are normalized by ruling: store_wins and no_fault refund nothing,
// customer_wins refunds escrowAmount, and no_fault carries no penalties.
// escrowAmount is zero for cases without an escrow.
func (c *Case) Decide(req DecisionRequest, escrowAmount int64, by actor.Actor, now time.Time) (*Decision, *Action, error) {
	if !c.CanDecide() {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrDisputeNotInvestigating, c.Status)
	}
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown decision_type %q", ErrInvalidDecision, req.Type)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, nil, fmt.Errorf("%w: decision_reason is required", ErrInvalidDecision)
	}
	if req.CustomerPenalty < 0 || req.StorePenalty < 0 || req.RefundAmount < 0 {
		return nil, nil, fmt.Errorf("%w: amounts cannot be negative", ErrInvalidDecision)
	}

	d := &Decision{
		ID:              idgen.WithPrefix("dec_"),
		DisputeID:       c.ID,
		AdminID:         by.ID,
		Type:            req.Type,
		Reason:          req.Reason,
		CustomerPenalty: req.CustomerPenalty,
		StorePenalty:    req.StorePenalty,
		RefundAmount:    req.RefundAmount,
		AdditionalNotes: req.AdditionalNotes,
		IsFinal:         req.IsFinal == nil || *req.IsFinal,
		CreatedAt:       now,
	}
	switch d.Type {
	case DecisionStoreWins:
		d.RefundAmount = 0
	case DecisionNoFault:
		d.RefundAmount, d.CustomerPenalty, d.StorePenalty = 0, 0, 0
	case DecisionCustomerWins:
		d.RefundAmount = escrowAmount
	case DecisionPartialCustomer, DecisionPartialStore:
		if escrowAmount > 0 && (d.RefundAmount <= 0 || d.RefundAmount >= escrowAmount) {
			return nil, nil, fmt.Errorf("%w: refund_amount must be between 1 and %d", ErrInvalidDecision, escrowAmount-1)
		}
	}

	meta := map[string]string{
		"decision_id":   d.ID,
		"decision_type": string(d.Type),
		"refund_amount": fmt.Sprint(d.RefundAmount),
	}
	if !d.IsFinal {
		c.UpdatedAt = now
		return d, c.action(ActionUpdated, by, now, "draft decision recorded", meta), nil
	}

	c.Status = StatusResolved
	c.DecisionID = d.ID
	c.ResolvedAt = &now
	c.UpdatedAt = now
	return d, c.action(ActionResolved, by, now, "resolved: "+string(d.Type), meta), nil
}
