// Package dispute models a disagreement between a customer and a store:
// the case itself, the evidence both sides attach, the audit trail of every
// call that touched it, and the admin's arbitration decision.
//
// Lifecycle:
//
//	open → investigating → resolved → closed
//	                     ↘ escalated → closed
//	investigating → closed (abandoned)
//	open → closed (withdrawn before review)
//
// Escalated cases return to investigating when an admin is assigned.
package dispute

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/idgen"
)

var (
	ErrDisputeNotFound         = errors.New("dispute not found")
	ErrInvalidTransition       = errors.New("invalid dispute status transition")
	ErrDisputeClosed           = errors.New("dispute is closed")
	ErrDisputeNotInvestigating = errors.New("dispute is not under investigation")
	ErrDecisionRequired        = errors.New("a final decision is required first")
	ErrInvalidType             = errors.New("unknown dispute type")
	ErrInvalidPriority         = errors.New("unknown priority")
	ErrInvalidStatus           = errors.New("unknown dispute status")
	ErrMissingFields           = errors.New("missing required fields")
)

// Type is what the dispute is about.
type Type string

const (
	TypeDelivery Type = "delivery"
	TypeQuality  Type = "quality"
	TypeService  Type = "service"
	TypePayment  Type = "payment"
	TypeOther    Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeDelivery, TypeQuality, TypeService, TypePayment, TypeOther:
		return true
	}
	return false
}

// Status is the workflow state of a case.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusEscalated     Status = "escalated"
	StatusClosed        Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// transitions is the admin-driven status graph. Resolved is reached only
// through a final decision; updateStatus may target it only to confirm one.
var transitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusClosed},
	StatusInvestigating: {StatusResolved, StatusEscalated, StatusClosed},
	StatusEscalated:     {StatusInvestigating, StatusClosed},
	StatusResolved:      {StatusClosed},
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority orders the admin queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Case is a dispute between a customer and a store over one order.
type Case struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"orderId"`
	EscrowID        string     `json:"escrowId,omitempty"`
	ConversationID  string     `json:"conversationId,omitempty"`
	CustomerID      string     `json:"customerId"`
	StoreID         string     `json:"storeId"`
	OpenedBy        string     `json:"openedBy"`
	Type            Type       `json:"type"`
	Status          Status     `json:"status"`
	Priority        Priority   `json:"priority"`
	Subject         string     `json:"subject"`
	Description     string     `json:"description"`
	AssignedAdminID string     `json:"assignedAdminId,omitempty"`
	AdminNotes      string     `json:"adminNotes,omitempty"`
	DecisionID      string     `json:"decisionId,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsActive returns true while the case still blocks its escrow.
func (c *Case) IsActive() bool {
	return c.Status != StatusResolved && c.Status != StatusClosed
}

// IsParty reports whether id is the customer or the store on the case.
func (c *Case) IsParty(id string) bool {
	return id != "" && (id == c.CustomerID || id == c.StoreID)
}

// CreateRequest contains the parameters for opening a case.
type CreateRequest struct {
	OrderID         string   `json:"order_id"`
	ConversationID  string   `json:"conversation_id"`
	EscrowPaymentID string   `json:"escrow_payment_id"`
	CustomerID      string   `json:"customer_id"`
	StoreID         string   `json:"store_id"`
	Type            Type     `json:"dispute_type"`
	Subject         string   `json:"subject"`
	Description     string   `json:"description"`
	Priority        Priority `json:"priority"`
}

// NewCase validates req and returns an Open case with its created action.
// Priority defaults to medium.
func NewCase(req CreateRequest, by actor.Actor, now time.Time) (*Case, *Action, error) {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"order_id", req.OrderID},
		{"customer_id", req.CustomerID},
		{"store_id", req.StoreID},
		{"subject", req.Subject},
		{"description", req.Description},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}

	c := &Case{
		ID:             idgen.WithPrefix("dsp_"),
		OrderID:        req.OrderID,
		EscrowID:       req.EscrowPaymentID,
		ConversationID: req.ConversationID,
		CustomerID:     req.CustomerID,
		StoreID:        req.StoreID,
		OpenedBy:       by.ID,
		Type:           req.Type,
		Status:         StatusOpen,
		Priority:       req.Priority,
		Subject:        req.Subject,
		Description:    req.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	act := c.action(ActionCreated, by, now, "dispute opened: "+req.Subject, map[string]string{
		"type":     string(c.Type),
		"priority": string(c.Priority),
	})
	return c, act, nil
}

// AssignAdmin puts the case under investigation by adminID. Reassignment is
// allowed while investigating; escalated cases return to investigating.
func (c *Case) AssignAdmin(adminID string, by actor.Actor, now time.Time) (*Action, error) {
	switch c.Status {
	case StatusOpen, StatusInvestigating, StatusEscalated:
	default:
		return nil, fmt.Errorf("%w: cannot assign an admin while %s", ErrInvalidTransition, c.Status)
	}
	prev := c.AssignedAdminID
	c.AssignedAdminID = adminID
	c.Status = StatusInvestigating
	c.UpdatedAt = now
	return c.action(ActionAdminAssigned, by, now, "assigned to "+adminID, map[string]string{
		"admin_id":       adminID,
		"previous_admin": prev,
	}), nil
}

// UpdateStatus applies an explicit admin transition. hasFinalDecision must be
// true to move to resolved. Closing records a closed action.
func (c *Case) UpdateStatus(to Status, notes string, hasFinalDecision bool, by actor.Actor, now time.Time) (*Action, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if c.Status == StatusClosed {
		return nil, ErrDisputeClosed
	}
	if !CanTransition(c.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.Status, to)
	}
	if to == StatusResolved && !hasFinalDecision {
		return nil, ErrDecisionRequired
	}

	from := c.Status
	c.Status = to
	if notes != "" {
		c.AdminNotes = notes
	}
	c.UpdatedAt = now
	meta := map[string]string{"from": string(from), "to": string(to)}

	switch to {
	case StatusResolved:
		c.ResolvedAt = &now
	case StatusClosed:
		c.ClosedAt = &now
		return c.action(ActionClosed, by, now, "dispute closed", meta), nil
	}
	return c.action(ActionStatusChanged, by, now, fmt.Sprintf("status %s → %s", from, to), meta), nil
}

// CanDecide reports whether a decision may be issued now: while
// investigating, or while open if no admin was ever assigned.
func (c *Case) CanDecide() bool {
	return c.Status == StatusInvestigating || (c.Status == StatusOpen && c.AssignedAdminID == "")
}

// PartyView returns a copy of the case without admin notes.
func (c *Case) PartyView() *Case {
	cp := *c
	cp.AdminNotes = ""
	return &cp
}

func (c *Case) action(t ActionType, by actor.Actor, now time.Time, desc string, meta map[string]string) *Action {
	return &Action{
		ID:          idgen.WithPrefix("dac_"),
		DisputeID:   c.ID,
		Type:        t,
		ActorID:     by.ID,
		ActorRole:   by.Role,
		Description: desc,
		Metadata:    meta,
		At:          now,
	}
}

// ActionType classifies an audit trail entry.
type ActionType string

const (
	ActionCreated       ActionType = "created"
	ActionUpdated       ActionType = "updated"
	ActionEvidenceAdded ActionType = "evidence_added"
	ActionAdminAssigned ActionType = "admin_assigned"
	ActionStatusChanged ActionType = "status_changed"
	ActionResolved      ActionType = "resolved"
	ActionClosed        ActionType = "closed"
)

// Action is one append-only audit trail entry.
type Action struct {
	ID          string            `json:"id"`
	DisputeID   string            `json:"disputeId"`
	Type        ActionType        `json:"actionType"`
	ActorID     string            `json:"actorId"`
	ActorRole   actor.Role        `json:"actorRole"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}

// PartyView returns the entry as a party may see it. Draft rulings keep
// their details among admins.
func (a *Action) PartyView() *Action {
	if a.Type != ActionUpdated || len(a.Metadata) == 0 {
		return a
	}
	cp := *a
	cp.Metadata = nil
	return &cp
}
