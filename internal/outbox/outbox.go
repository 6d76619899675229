// Package outbox carries domain events from a committed transition to the
// systems that react to it (notifications, the live admin feed, other
// services on Redis).
//
// Events are written by the settlement store in the same unit of work as the
// state change. The Relay drains them afterwards, so a slow or failing
// consumer can never hold up or roll back a financial transition. Delivery
// is at-least-once; consumers deduplicate on Event.ID.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
)

// Event types.
const (
	EscrowOpened       = "escrow.opened"
	EscrowReleased     = "escrow.released"
	EscrowAutoReleased = "escrow.auto_released"
	EscrowDisputed     = "escrow.disputed"
	EscrowResolved     = "escrow.resolved"
	EscrowFrozen       = "escrow.frozen"

	PartialOpened      = "partial.opened"
	PartialInstallment = "partial.installment"

	DisputeCreated       = "dispute.created"
	DisputeEvidenceAdded = "dispute.evidence_added"
	DisputeAdminAssigned = "dispute.admin_assigned"
	DisputeStatusChanged = "dispute.status_changed"
	DisputeDecided       = "dispute.decided"
)

// Event is one pending side effect.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	OrderID     string          `json:"orderId"`
	SubjectID   string          `json:"subjectId"`
	Recipients  []string        `json:"recipients,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"-"`
	LastError   string          `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	AvailableAt time.Time       `json:"-"`
}

// New builds an event with payload marshalled to JSON. Recipients are the
// user ids to notify; empty ids are dropped.
func New(eventType, orderID, subjectID string, payload any, recipients ...string) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	var to []string
	for _, r := range recipients {
		if r != "" {
			to = append(to, r)
		}
	}
	now := time.Now().UTC()
	return &Event{
		ID:          idgen.WithPrefix("evt_"),
		Type:        eventType,
		OrderID:     orderID,
		SubjectID:   subjectID,
		Recipients:  to,
		Payload:     data,
		CreatedAt:   now,
		AvailableAt: now,
	}, nil
}

var ErrEventNotFound = errors.New("outbox event not found")

// Store is the relay's view of the outbox table.
type Store interface {
	// Claim returns up to limit events available at now that are not
	// claimed by another relay, and claims them until claimUntil.
	Claim(ctx context.Context, limit int, claimToken string, now, claimUntil time.Time) ([]*Event, error)
	MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error
	// MarkFailed releases the claim and makes the event available again at retryAt.
	MarkFailed(ctx context.Context, id, claimToken, lastErr string, retryAt time.Time) error
	MarkDeadLettered(ctx context.Context, id, claimToken, reason string, at time.Time) error
}

// Publisher delivers an event to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt *Event) error
}
