// Package settlement is the single entry point for every money-moving or
// dispute-changing operation. Each operation takes the per-record lock,
// runs one unit of work against the Store (aggregate writes, ledger
// entries and outbox events together) and only then reports success.
//
// Side effects such as notifications, the live feed and evidence checks
// happen after commit and can never undo a committed transition.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/filestore"
	"github.com/mbd888/arbiter/internal/ledger"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/orders"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/partial"
	"github.com/mbd888/arbiter/internal/syncutil"
	"github.com/mbd888/arbiter/internal/traces"
)

// Service coordinates escrow accounts, partial payments and disputes.
type Service struct {
	store       Store
	locks       *syncutil.KeyedMutex
	orders      orders.Lookup
	files       filestore.Resolver
	logger      *slog.Logger
	now         func() time.Time
	window      time.Duration
	maxEvidence int64

	bg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDisputeWindow sets how long after payment a dispute may be opened.
func WithDisputeWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// WithMaxEvidenceBytes caps the declared size of evidence files.
func WithMaxEvidenceBytes(n int64) Option {
	return func(s *Service) { s.maxEvidence = n }
}

// WithOrderLookup enables order and party checks on new payments and
// disputes.
func WithOrderLookup(l orders.Lookup) Option {
	return func(s *Service) { s.orders = l }
}

// WithFileResolver enables post-commit checks of evidence references.
func WithFileResolver(r filestore.Resolver) Option {
	return func(s *Service) { s.files = r }
}

// NewService creates a coordinator over store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locks:       syncutil.NewKeyedMutex(),
		files:       filestore.Noop{},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		window:      escrow.DefaultDisputeWindow,
		maxEvidence: dispute.DefaultMaxEvidenceBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until post-commit background work has finished.
func (s *Service) Wait() { s.bg.Wait() }

// --- partial payments ---

// OpenPartial records the first installment of a two-installment payment.
func (s *Service) OpenPartial(ctx context.Context, req partial.OpenRequest, by actor.Actor) (p *partial.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.OpenPartial", traces.OrderID(req.OrderID), traces.Amount(req.TotalAmount))
	defer func() { traces.End(span, err); s.observe("open_partial", err) }()

	if !by.Privileged() && (by.Role != actor.RoleCustomer || by.ID != req.CustomerID) {
		return nil, ErrForbidden
	}
	if err := s.checkOrder(ctx, req.OrderID, req.CustomerID, req.StoreID); err != nil {
		return nil, err
	}

	p, entry, err := partial.Open(req, by.ID, s.now())
	if err != nil {
		return nil, err
	}
	err = s.store.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertPartial(ctx, p); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		return enqueue(ctx, tx, outbox.PartialOpened, p.OrderID, p.ID, p, p.CustomerID, p.StoreID)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("partial", "open").Inc()
	s.log(ctx).Info("partial payment opened", "payment_id", p.ID, "order_id", p.OrderID, "paid", p.PaidAmount, "remaining", p.RemainingAmount)
	return p, nil
}

// RecordInstallment pays part or all of the remaining balance.
func (s *Service) RecordInstallment(ctx context.Context, id string, amount int64, by actor.Actor) (p *partial.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.RecordInstallment", traces.PartialID(id), traces.Amount(amount))
	defer func() { traces.End(span, err); s.observe("record_installment", err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetPartial(ctx, id)
		if err != nil {
			return err
		}
		if !by.Privileged() && by.ID != cur.CustomerID {
			return ErrForbidden
		}
		prev := cur.Version
		entry, err := cur.RecordInstallment(amount, by.ID, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdatePartial(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		p = cur
		return enqueue(ctx, tx, outbox.PartialInstallment, cur.OrderID, cur.ID, cur, cur.CustomerID, cur.StoreID)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("partial", "installment").Inc()
	s.log(ctx).Info("installment recorded", "payment_id", p.ID, "amount", amount, "status", p.Status)
	return p, nil
}

// GetPartial returns a partial payment visible to by.
func (s *Service) GetPartial(ctx context.Context, id string, by actor.Actor) (*partial.Payment, error) {
	p, err := s.store.GetPartial(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(by, p.CustomerID, p.StoreID) {
		return nil, ErrForbidden
	}
	return p, nil
}

// --- escrow ---

// OpenEscrow takes a captured payment into custody.
func (s *Service) OpenEscrow(ctx context.Context, req escrow.OpenRequest, by actor.Actor) (a *escrow.Account, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.OpenEscrow", traces.OrderID(req.OrderID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err); s.observe("open_escrow", err) }()

	if !by.Privileged() && (by.Role != actor.RoleCustomer || by.ID != req.CustomerID) {
		return nil, ErrForbidden
	}
	if err := s.checkOrder(ctx, req.OrderID, req.CustomerID, req.StoreID); err != nil {
		return nil, err
	}

	a, entry, err := escrow.Open(req, by.ID, s.now(), s.window)
	if err != nil {
		return nil, err
	}
	err = s.store.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertEscrow(ctx, a); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		return enqueue(ctx, tx, outbox.EscrowOpened, a.OrderID, a.ID, a, a.CustomerID, a.StoreID)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("escrow", "open").Inc()
	s.log(ctx).Info("escrow opened", "escrow_id", a.ID, "order_id", a.OrderID, "amount", a.Amount, "deadline", a.DisputeDeadline)
	return a, nil
}

// GetEscrow returns an escrow account visible to by.
func (s *Service) GetEscrow(ctx context.Context, id string, by actor.Actor) (*escrow.Account, error) {
	a, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(by, a.CustomerID, a.StoreID) {
		return nil, ErrForbidden
	}
	return a, nil
}

// Release pays the held funds out to the store on the customer's
// confirmation. Admins may release on the customer's behalf.
func (s *Service) Release(ctx context.Context, id, notes string, by actor.Actor) (a *escrow.Account, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Release", traces.EscrowID(id), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("release", err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if !by.Privileged() && by.ID != cur.CustomerID {
			return ErrForbidden
		}
		if active, err := tx.ActiveDispute(ctx, cur.ID); err == nil {
			return fmt.Errorf("%w: %s", escrow.ErrDisputeInProgress, active.ID)
		} else if !errors.Is(err, dispute.ErrDisputeNotFound) {
			return err
		}

		prev := cur.Version
		entry, err := cur.Release(by.ID, notes, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		a = cur
		return enqueue(ctx, tx, outbox.EscrowReleased, cur.OrderID, cur.ID, cur, cur.CustomerID, cur.StoreID)
	})
	if err != nil {
		return nil, err
	}

	s.settled(a, "released")
	s.log(ctx).Info("escrow released", "escrow_id", a.ID, "amount", a.Amount, "actor_id", by.ID)
	return a, nil
}

// OpenDisputeRequest is the body of an escrow dispute. Only Reason is
// required; the case subject and description default to it.
type OpenDisputeRequest struct {
	Reason         string           `json:"reason"`
	Type           dispute.Type     `json:"dispute_type"`
	Subject        string           `json:"subject"`
	Description    string           `json:"description"`
	ConversationID string           `json:"conversation_id"`
	Priority       dispute.Priority `json:"priority"`
}

// OpenDispute moves a Held escrow to Disputed and opens its case in the
// same unit of work. Either party may call it before the deadline.
func (s *Service) OpenDispute(ctx context.Context, escrowID string, req OpenDisputeRequest, by actor.Actor) (a *escrow.Account, c *dispute.Case, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.OpenDispute", traces.EscrowID(escrowID), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("open_dispute", err) }()

	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = dispute.TypeOther
	}
	if req.Subject == "" {
		req.Subject = req.Reason
	}
	if req.Description == "" {
		req.Description = req.Reason
	}

	unlock, err := s.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if by.ID != cur.CustomerID && by.ID != cur.StoreID {
			return ErrForbidden
		}
		c, err = s.disputeEscrow(ctx, tx, cur, dispute.CreateRequest{
			OrderID:         cur.OrderID,
			ConversationID:  req.ConversationID,
			EscrowPaymentID: cur.ID,
			CustomerID:      cur.CustomerID,
			StoreID:         cur.StoreID,
			Type:            req.Type,
			Subject:         req.Subject,
			Description:     req.Description,
			Priority:        req.Priority,
		}, req.Reason, by)
		a = cur
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.disputed(ctx, a, c)
	return a, c, nil
}

// CreateDispute opens a case from the disputes API. A case that names an
// escrow disputes it exactly as OpenDispute does.
func (s *Service) CreateDispute(ctx context.Context, req dispute.CreateRequest, by actor.Actor) (c *dispute.Case, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreateDispute", traces.OrderID(req.OrderID), traces.EscrowID(req.EscrowPaymentID))
	defer func() { traces.End(span, err); s.observe("create_dispute", err) }()

	if !by.IsAdmin() && by.ID != req.CustomerID && by.ID != req.StoreID {
		return nil, ErrForbidden
	}

	if req.EscrowPaymentID == "" {
		if err := s.checkOrder(ctx, req.OrderID, req.CustomerID, req.StoreID); err != nil {
			return nil, err
		}
		c, act, err := dispute.NewCase(req, by, s.now())
		if err != nil {
			return nil, err
		}
		err = s.store.Atomic(ctx, func(tx Tx) error {
			if err := tx.InsertDispute(ctx, c); err != nil {
				return err
			}
			if err := tx.InsertAction(ctx, act); err != nil {
				return err
			}
			return enqueue(ctx, tx, outbox.DisputeCreated, c.OrderID, c.ID, c, c.CustomerID, c.StoreID)
		})
		if err != nil {
			return nil, err
		}
		metrics.TransitionsTotal.WithLabelValues("dispute", "create").Inc()
		s.log(ctx).Info("dispute created", "dispute_id", c.ID, "order_id", c.OrderID)
		return c, nil
	}

	unlock, err := s.locks.LockContext(ctx, req.EscrowPaymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var a *escrow.Account
	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetEscrow(ctx, req.EscrowPaymentID)
		if err != nil {
			return err
		}
		if cur.OrderID != req.OrderID || cur.CustomerID != req.CustomerID || cur.StoreID != req.StoreID {
			return fmt.Errorf("%w: escrow %s does not belong to this order and parties", ErrInvalidRequest, cur.ID)
		}
		c, err = s.disputeEscrow(ctx, tx, cur, req, req.Subject, by)
		a = cur
		return err
	})
	if err != nil {
		return nil, err
	}

	s.disputed(ctx, a, c)
	return c, nil
}

// disputeEscrow is the shared body of OpenDispute and CreateDispute.
func (s *Service) disputeEscrow(ctx context.Context, tx Tx, a *escrow.Account, req dispute.CreateRequest, reason string, by actor.Actor) (*dispute.Case, error) {
	now := s.now()
	if active, err := tx.ActiveDispute(ctx, a.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", escrow.ErrDisputeInProgress, active.ID)
	} else if !errors.Is(err, dispute.ErrDisputeNotFound) {
		return nil, err
	}

	c, act, err := dispute.NewCase(req, by, now)
	if err != nil {
		return nil, err
	}
	prev := a.Version
	entry, err := a.MarkDisputed(c.ID, by.ID, reason, now)
	if err != nil {
		return nil, err
	}

	if err := tx.UpdateEscrow(ctx, a, prev); err != nil {
		return nil, err
	}
	if err := tx.InsertDispute(ctx, c); err != nil {
		return nil, err
	}
	if err := tx.InsertAction(ctx, act); err != nil {
		return nil, err
	}
	if err := tx.Append(ctx, entry); err != nil {
		return nil, err
	}
	if err := enqueue(ctx, tx, outbox.EscrowDisputed, a.OrderID, a.ID, a, a.CustomerID, a.StoreID); err != nil {
		return nil, err
	}
	if err := enqueue(ctx, tx, outbox.DisputeCreated, c.OrderID, c.ID, c, c.CustomerID, c.StoreID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) disputed(ctx context.Context, a *escrow.Account, c *dispute.Case) {
	metrics.TransitionsTotal.WithLabelValues("escrow", "dispute").Inc()
	metrics.TransitionsTotal.WithLabelValues("dispute", "create").Inc()
	s.log(ctx).Info("escrow disputed", "escrow_id", a.ID, "dispute_id", c.ID, "opened_by", c.OpenedBy)
}

// --- disputes ---

// AddEvidence attaches a file reference to a case. Either party or an
// admin may add evidence until the case is closed. The file itself is
// checked in the background after commit.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, req dispute.EvidenceRequest, by actor.Actor) (ev *dispute.Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.AddEvidence", traces.DisputeID(disputeID), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("add_evidence", err) }()

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !by.IsAdmin() && !c.IsParty(by.ID) {
			return ErrForbidden
		}
		prev := c.Version
		e, act, err := c.AddEvidence(req, by, s.maxEvidence, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateDispute(ctx, c, prev); err != nil {
			return err
		}
		if err := tx.InsertEvidence(ctx, e); err != nil {
			return err
		}
		if err := tx.InsertAction(ctx, act); err != nil {
			return err
		}
		ev = e
		return enqueue(ctx, tx, outbox.DisputeEvidenceAdded, c.OrderID, c.ID, e, recipients(c)...)
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("evidence added", "dispute_id", disputeID, "evidence_id", ev.ID, "kind", ev.Kind)
	s.checkEvidence(ctx, ev)
	return ev, nil
}

// checkEvidence resolves the file reference without holding up the caller.
// A bad reference is only reported.
func (s *Service) checkEvidence(ctx context.Context, ev *dispute.Evidence) {
	logger := s.log(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		err := s.files.Resolve(ctx, filestore.Reference{URL: ev.FileURL, FileSize: ev.FileSize, FileType: ev.FileType})
		if err != nil {
			metrics.CollaboratorFailuresTotal.WithLabelValues("filestore").Inc()
			logger.Warn("evidence reference check failed", "evidence_id", ev.ID, "dispute_id", ev.DisputeID, "url", ev.FileURL, "error", err)
		}
	}()
}

// AssignAdmin puts a case under investigation. adminID defaults to the
// caller.
func (s *Service) AssignAdmin(ctx context.Context, disputeID, adminID string, by actor.Actor) (c *dispute.Case, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.AssignAdmin", traces.DisputeID(disputeID), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("assign_admin", err) }()

	if !by.IsAdmin() {
		return nil, ErrForbidden
	}
	if adminID == "" {
		adminID = by.ID
	}

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		prev := cur.Version
		act, err := cur.AssignAdmin(adminID, by, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateDispute(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.InsertAction(ctx, act); err != nil {
			return err
		}
		c = cur
		return enqueue(ctx, tx, outbox.DisputeAdminAssigned, cur.OrderID, cur.ID, cur.PartyView(), recipients(cur)...)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("dispute", "assign").Inc()
	s.log(ctx).Info("dispute assigned", "dispute_id", c.ID, "admin_id", adminID)
	return c, nil
}

// UpdateDisputeStatus applies an admin status change. A case still holding
// its escrow in Disputed cannot be closed without a final decision, since
// that would strand the funds.
func (s *Service) UpdateDisputeStatus(ctx context.Context, disputeID string, to dispute.Status, notes string, by actor.Actor) (c *dispute.Case, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.UpdateDisputeStatus", traces.DisputeID(disputeID), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("update_dispute_status", err) }()

	if !by.IsAdmin() {
		return nil, ErrForbidden
	}

	unlock, err := s.locks.LockContext(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		hasFinal := false
		if d, err := tx.GetDecision(ctx, cur.ID); err == nil {
			hasFinal = d.IsFinal
		} else if !errors.Is(err, dispute.ErrDecisionNotFound) {
			return err
		}
		if to == dispute.StatusClosed && cur.EscrowID != "" && !hasFinal {
			a, err := tx.GetEscrow(ctx, cur.EscrowID)
			if err != nil {
				return err
			}
			if a.Status == escrow.StatusDisputed && a.ActiveDisputeID == cur.ID {
				return fmt.Errorf("%w: escrow %s is still disputed", dispute.ErrDecisionRequired, a.ID)
			}
		}

		prev := cur.Version
		act, err := cur.UpdateStatus(to, notes, hasFinal, by, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateDispute(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.InsertAction(ctx, act); err != nil {
			return err
		}
		c = cur
		return enqueue(ctx, tx, outbox.DisputeStatusChanged, cur.OrderID, cur.ID, cur.PartyView(), recipients(cur)...)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("dispute", string(to)).Inc()
	s.log(ctx).Info("dispute status changed", "dispute_id", c.ID, "status", c.Status)
	return c, nil
}

// Decide records an admin ruling. A final ruling resolves the case and
// settles its escrow in the same unit of work; a draft only records the
// ruling. The returned account is nil for cases without an escrow.
func (s *Service) Decide(ctx context.Context, disputeID string, req dispute.DecisionRequest, by actor.Actor) (d *dispute.Decision, a *escrow.Account, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Decide", traces.DisputeID(disputeID), traces.ActorID(by.ID))
	defer func() { traces.End(span, err); s.observe("decide", err) }()

	if !by.IsAdmin() {
		return nil, nil, ErrForbidden
	}

	// The escrow link never changes, so it is safe to read it before locking.
	peek, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.LockAll(ctx, disputeID, peek.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var entries []*ledger.Entry
	err = s.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		var amount int64
		if c.EscrowID != "" {
			if a, err = tx.GetEscrow(ctx, c.EscrowID); err != nil {
				return err
			}
			amount = a.Amount
		}

		prevCase := c.Version
		dec, act, err := c.Decide(req, amount, by, s.now())
		if err != nil {
			return err
		}
		if err := tx.SaveDecision(ctx, dec); err != nil {
			return err
		}
		if err := tx.UpdateDispute(ctx, c, prevCase); err != nil {
			return err
		}
		if err := tx.InsertAction(ctx, act); err != nil {
			return err
		}
		d = dec
		if !dec.IsFinal {
			return nil
		}

		if a != nil {
			if entries, err = s.resolve(ctx, tx, a, dec); err != nil {
				return err
			}
		}
		return enqueue(ctx, tx, outbox.DisputeDecided, c.OrderID, c.ID, dec, recipients(c)...)
	})
	if err != nil {
		return nil, nil, err
	}

	if !d.IsFinal {
		s.log(ctx).Info("draft decision recorded", "dispute_id", disputeID, "decision_id", d.ID)
		return d, a, nil
	}
	metrics.TransitionsTotal.WithLabelValues("dispute", "resolved").Inc()
	if len(entries) > 0 {
		s.settled(a, string(d.Type))
	}
	s.log(ctx).Info("dispute decided", "dispute_id", disputeID, "decision_id", d.ID, "type", d.Type, "refund", d.RefundAmount)
	return d, a, nil
}

// ResolveEscrow re-applies a dispute's final decision to its escrow. It is
// for operators re-driving a settlement and is a no-op when the decision
// has already been applied.
func (s *Service) ResolveEscrow(ctx context.Context, escrowID, disputeID string, by actor.Actor) (a *escrow.Account, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveEscrow", traces.EscrowID(escrowID), traces.DisputeID(disputeID))
	defer func() { traces.End(span, err); s.observe("resolve_escrow", err) }()

	if !by.Privileged() {
		return nil, ErrForbidden
	}
	unlock, err := s.locks.LockAll(ctx, disputeID, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var entries []*ledger.Entry
	var d *dispute.Decision
	err = s.store.Atomic(ctx, func(tx Tx) error {
		c, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.EscrowID != escrowID {
			return fmt.Errorf("%w: dispute %s is not linked to escrow %s", ErrInvalidRequest, disputeID, escrowID)
		}
		if d, err = tx.GetDecision(ctx, disputeID); err != nil {
			return err
		}
		if !d.IsFinal {
			return fmt.Errorf("%w: decision %s is a draft", dispute.ErrDecisionRequired, d.ID)
		}
		if a, err = tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		entries, err = s.resolve(ctx, tx, a, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		s.settled(a, string(d.Type))
	}
	return a, nil
}

// resolve applies a final decision to an account inside tx.
func (s *Service) resolve(ctx context.Context, tx Tx, a *escrow.Account, d *dispute.Decision) ([]*ledger.Entry, error) {
	prev := a.Version
	entries, err := a.Resolve(d.Ruling(), s.now())
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	if err := tx.UpdateEscrow(ctx, a, prev); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := tx.Append(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, enqueue(ctx, tx, outbox.EscrowResolved, a.OrderID, a.ID, a, a.CustomerID, a.StoreID)
}

// DisputeView is a case with everything attached to it.
type DisputeView struct {
	Dispute  *dispute.Case       `json:"dispute"`
	Evidence []*dispute.Evidence `json:"evidence"`
	Actions  []*dispute.Action   `json:"actions"`
	Decision *dispute.Decision   `json:"decision,omitempty"`
}

// GetDispute returns a case with its evidence, audit trail and decision.
// Parties do not see draft decisions or admin notes.
func (s *Service) GetDispute(ctx context.Context, id string, by actor.Actor) (*DisputeView, error) {
	c, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if !by.Privileged() && !c.IsParty(by.ID) {
		return nil, ErrForbidden
	}

	view := &DisputeView{Dispute: c}
	if view.Evidence, err = s.store.ListEvidence(ctx, id); err != nil {
		return nil, err
	}
	if view.Actions, err = s.store.ListActions(ctx, id); err != nil {
		return nil, err
	}
	if !by.Privileged() {
		view.Dispute = c.PartyView()
		for i, act := range view.Actions {
			view.Actions[i] = act.PartyView()
		}
	}
	d, err := s.store.GetDecision(ctx, id)
	switch {
	case err == nil:
		if d.IsFinal || by.Privileged() {
			view.Decision = d
		}
	case !errors.Is(err, dispute.ErrDecisionNotFound):
		return nil, err
	}
	return view, nil
}

// --- ledger & integrity ---

// LedgerView is an order's history together with its fold check.
type LedgerView struct {
	OrderID    string            `json:"orderId"`
	Entries    []*ledger.Entry   `json:"entries"`
	Verified   bool              `json:"verified"`
	Mismatches []ledger.Mismatch `json:"mismatches,omitempty"`
}

// Ledger returns an order's entries in commit order and whether replaying
// them reproduces every stored status. Admin only.
func (s *Service) Ledger(ctx context.Context, orderID string, by actor.Actor) (*LedgerView, error) {
	if !by.Privileged() {
		return nil, ErrForbidden
	}
	entries, mismatches, err := s.VerifyOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	return &LedgerView{OrderID: orderID, Entries: entries, Verified: len(mismatches) == 0, Mismatches: mismatches}, nil
}

// VerifyOrder folds an order's ledger and compares it with stored state.
func (s *Service) VerifyOrder(ctx context.Context, orderID string) ([]*ledger.Entry, []ledger.Mismatch, error) {
	entries, err := s.store.Replay(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("replay %s: %w", orderID, err)
	}
	snaps, err := s.store.Snapshots(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshots %s: %w", orderID, err)
	}
	return entries, ledger.Verify(entries, snaps), nil
}

// Orders lists every order with ledger history.
func (s *Service) Orders(ctx context.Context) ([]string, error) {
	return s.store.Orders(ctx)
}

// Freeze halts further mutation of an escrow whose history no longer
// matches its status. It reports false when id is not an escrow or is
// already frozen.
func (s *Service) Freeze(ctx context.Context, id, reason string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	frozen := false
	err = s.store.Atomic(ctx, func(tx Tx) error {
		a, err := tx.GetEscrow(ctx, id)
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.Frozen {
			return nil
		}
		prev := a.Version
		a.Frozen = true
		a.UpdatedAt = s.now()
		if err := tx.UpdateEscrow(ctx, a, prev); err != nil {
			return err
		}
		frozen = true
		return enqueue(ctx, tx, outbox.EscrowFrozen, a.OrderID, a.ID, map[string]string{"escrowId": a.ID, "reason": reason})
	})
	if err != nil {
		return false, err
	}
	if frozen {
		s.logger.Error("escrow frozen: ledger does not match stored state", "escrow_id", id, "reason", reason)
	}
	return frozen, nil
}

// --- auto-release ---

// SweepExpired auto-releases Held escrows whose dispute window has passed.
// Each account is re-checked under its lock, so overlapping sweeps and
// concurrent callers release it at most once.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.store.DueEscrows(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due escrows: %w", err)
	}

	released := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		ok, err := s.autoRelease(ctx, candidate.ID, now)
		if err != nil {
			s.logger.Warn("auto-release failed", "escrow_id", candidate.ID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (s *Service) autoRelease(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	var a *escrow.Account
	err = s.store.Atomic(ctx, func(tx Tx) error {
		cur, err := tx.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Due(now) {
			return nil
		}
		prev := cur.Version
		entry, err := cur.Release(actor.System.ID, "auto-released after dispute window", now)
		if err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, cur, prev); err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		a = cur
		return enqueue(ctx, tx, outbox.EscrowAutoReleased, cur.OrderID, cur.ID, cur, cur.CustomerID, cur.StoreID)
	})
	if err != nil || a == nil {
		return false, err
	}
	s.settled(a, "auto_released")
	s.logger.Info("escrow auto-released", "escrow_id", a.ID, "amount", a.Amount)
	return true, nil
}

// --- helpers ---

func (s *Service) checkOrder(ctx context.Context, orderID, customerID, storeID string) error {
	if s.orders == nil {
		return nil
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return o.CheckParties(customerID, storeID)
}

func (s *Service) settled(a *escrow.Account, outcome string) {
	metrics.TransitionsTotal.WithLabelValues("escrow", outcome).Inc()
	metrics.EscrowCustodyDuration.WithLabelValues(outcome).Observe(a.UpdatedAt.Sub(a.PaidAt).Seconds())
}

func (s *Service) observe(op string, err error) {
	if err == nil {
		return
	}
	_, reason := classify(err)
	metrics.RejectionsTotal.WithLabelValues(op, reason).Inc()
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func canView(by actor.Actor, customerID, storeID string) bool {
	return by.Privileged() || by.ID == customerID || by.ID == storeID
}

func recipients(c *dispute.Case) []string {
	return []string{c.CustomerID, c.StoreID, c.AssignedAdminID}
}

func enqueue(ctx context.Context, tx Tx, eventType, orderID, subjectID string, payload any, to ...string) error {
	evt, err := outbox.New(eventType, orderID, subjectID, payload, to...)
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, evt)
}
