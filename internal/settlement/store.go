package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/ledger"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/partial"
)

var (
	// ErrConcurrentModification means a record changed between read and write.
	// The caller may retry; the coordinator never does.
	ErrConcurrentModification = errors.New("record was modified concurrently")
	// ErrActiveDisputeExists is returned when an escrow already has a dispute
	// that is neither resolved nor closed.
	ErrActiveDisputeExists = errors.New("escrow already has an active dispute")
	// ErrFinalDecisionExists is returned when a final decision would be replaced.
	ErrFinalDecisionExists = errors.New("dispute already has a final decision")
)

// Reader is the read side shared by a Store and an open transaction.
type Reader interface {
	GetEscrow(ctx context.Context, id string) (*escrow.Account, error)
	GetPartial(ctx context.Context, id string) (*partial.Payment, error)
	GetDispute(ctx context.Context, id string) (*dispute.Case, error)
	// ActiveDispute returns the escrow's dispute that is neither resolved nor
	// closed, or dispute.ErrDisputeNotFound.
	ActiveDispute(ctx context.Context, escrowID string) (*dispute.Case, error)
	ListEvidence(ctx context.Context, disputeID string) ([]*dispute.Evidence, error)
	ListActions(ctx context.Context, disputeID string) ([]*dispute.Action, error)
	// GetDecision returns the current decision for a dispute (final or draft).
	GetDecision(ctx context.Context, disputeID string) (*dispute.Decision, error)
	Replay(ctx context.Context, orderID string) ([]*ledger.Entry, error)
	// Snapshots returns the materialized state of every escrow and partial
	// payment on an order.
	Snapshots(ctx context.Context, orderID string) ([]ledger.Snapshot, error)
}

// Tx is one unit of work. Writes become visible to other readers only when
// the function passed to Store.Atomic returns nil.
type Tx interface {
	Reader

	InsertEscrow(ctx context.Context, a *escrow.Account) error
	// UpdateEscrow writes a and bumps its version. It fails with
	// ErrConcurrentModification unless the stored version is prevVersion.
	UpdateEscrow(ctx context.Context, a *escrow.Account, prevVersion int64) error
	InsertPartial(ctx context.Context, p *partial.Payment) error
	UpdatePartial(ctx context.Context, p *partial.Payment, prevVersion int64) error
	// InsertDispute fails with ErrActiveDisputeExists when the case is linked
	// to an escrow that already has an active dispute.
	InsertDispute(ctx context.Context, c *dispute.Case) error
	UpdateDispute(ctx context.Context, c *dispute.Case, prevVersion int64) error
	InsertEvidence(ctx context.Context, e *dispute.Evidence) error
	InsertAction(ctx context.Context, a *dispute.Action) error
	// SaveDecision stores d as the dispute's decision, replacing a draft.
	// It fails with ErrFinalDecisionExists once a final decision is stored.
	SaveDecision(ctx context.Context, d *dispute.Decision) error

	Append(ctx context.Context, e *ledger.Entry) error
	Enqueue(ctx context.Context, evt *outbox.Event) error
}

// Store persists the engine's aggregates and its outbox.
type Store interface {
	Reader
	outbox.Store

	// Atomic runs fn in one unit of work and commits if fn returns nil.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// DueEscrows returns Held, undisputed, unfrozen escrows whose deadline
	// is before now.
	DueEscrows(ctx context.Context, now time.Time, limit int) ([]*escrow.Account, error)
	// Orders returns every order id that has ledger entries.
	Orders(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}
