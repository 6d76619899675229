package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/ledger"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/partial"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
// Units of work are serialized; a failed unit leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	escrows   map[string]*escrow.Account
	partials  map[string]*partial.Payment
	disputes  map[string]*dispute.Case
	evidence  map[string][]*dispute.Evidence
	actions   map[string][]*dispute.Action
	decisions map[string]*dispute.Decision
	events    []*memEvent
	journal   *ledger.Journal
}

type memEvent struct {
	evt          *outbox.Event
	claimToken   string
	claimUntil   time.Time
	publishedAt  *time.Time
	deadLettered *time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*escrow.Account),
		partials:  make(map[string]*partial.Payment),
		disputes:  make(map[string]*dispute.Case),
		evidence:  make(map[string][]*dispute.Evidence),
		actions:   make(map[string][]*dispute.Action),
		decisions: make(map[string]*dispute.Decision),
		journal:   ledger.NewJournal(),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:     m,
		escrows:   make(map[string]*escrow.Account),
		partials:  make(map[string]*partial.Payment),
		disputes:  make(map[string]*dispute.Case),
		decisions: make(map[string]*dispute.Decision),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*escrow.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEscrow(id)
}

func (m *MemoryStore) GetPartial(ctx context.Context, id string) (*partial.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPartial(id)
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*dispute.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDispute(id)
}

func (m *MemoryStore) ActiveDispute(ctx context.Context, escrowID string) (*dispute.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeDispute(escrowID, nil)
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID string) ([]*dispute.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEvidence(m.evidence[disputeID]), nil
}

func (m *MemoryStore) ListActions(ctx context.Context, disputeID string) ([]*dispute.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyActions(m.actions[disputeID]), nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, disputeID string) (*dispute.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDecision(disputeID)
}

func (m *MemoryStore) Replay(ctx context.Context, orderID string) ([]*ledger.Entry, error) {
	return m.journal.Replay(ctx, orderID)
}

func (m *MemoryStore) Orders(ctx context.Context) ([]string, error) {
	return m.journal.Orders(ctx)
}

func (m *MemoryStore) Snapshots(ctx context.Context, orderID string) ([]ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Snapshot
	for _, a := range m.escrows {
		if a.OrderID == orderID {
			out = append(out, a.Snapshot())
		}
	}
	for _, p := range m.partials {
		if p.OrderID == orderID {
			out = append(out, p.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (m *MemoryStore) DueEscrows(ctx context.Context, now time.Time, limit int) ([]*escrow.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*escrow.Account
	for _, a := range m.escrows {
		if a.Due(now) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DisputeDeadline.Before(result[j].DisputeDeadline) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- outbox.Store ---

func (m *MemoryStore) Claim(ctx context.Context, limit int, claimToken string, now, claimUntil time.Time) ([]*outbox.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*outbox.Event
	for _, e := range m.events {
		if len(out) >= limit {
			break
		}
		if e.publishedAt != nil || e.deadLettered != nil {
			continue
		}
		if e.evt.AvailableAt.After(now) || (e.claimToken != "" && e.claimUntil.After(now)) {
			continue
		}
		e.claimToken = claimToken
		e.claimUntil = claimUntil
		cp := *e.evt
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error {
	return m.withClaim(id, claimToken, func(e *memEvent) {
		e.publishedAt = &at
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, claimToken, lastErr string, retryAt time.Time) error {
	return m.withClaim(id, claimToken, func(e *memEvent) {
		e.evt.Attempts++
		e.evt.LastError = lastErr
		e.evt.AvailableAt = retryAt
	})
}

func (m *MemoryStore) MarkDeadLettered(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return m.withClaim(id, claimToken, func(e *memEvent) {
		e.evt.Attempts++
		e.evt.LastError = reason
		e.deadLettered = &at
	})
}

func (m *MemoryStore) withClaim(id, claimToken string, fn func(e *memEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.evt.ID == id && e.claimToken == claimToken {
			fn(e)
			e.claimToken = ""
			e.claimUntil = time.Time{}
			return nil
		}
	}
	return outbox.ErrEventNotFound
}

// PendingEvents returns events that are neither published nor dead-lettered.
func (m *MemoryStore) PendingEvents() []*outbox.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*outbox.Event
	for _, e := range m.events {
		if e.publishedAt == nil && e.deadLettered == nil {
			cp := *e.evt
			out = append(out, &cp)
		}
	}
	return out
}

// --- unlocked helpers, callers hold mu ---

func (m *MemoryStore) getEscrow(id string) (*escrow.Account, error) {
	a, ok := m.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) getPartial(id string) (*partial.Payment, error) {
	p, ok := m.partials[id]
	if !ok {
		return nil, partial.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) getDispute(id string) (*dispute.Case, error) {
	c, ok := m.disputes[id]
	if !ok {
		return nil, dispute.ErrDisputeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) getDecision(disputeID string) (*dispute.Decision, error) {
	d, ok := m.decisions[disputeID]
	if !ok {
		return nil, dispute.ErrDecisionNotFound
	}
	cp := *d
	return &cp, nil
}

// activeDispute scans committed cases; staged versions take precedence.
func (m *MemoryStore) activeDispute(escrowID string, staged map[string]*dispute.Case) (*dispute.Case, error) {
	for id, c := range staged {
		if c.EscrowID == escrowID && c.IsActive() {
			cp := *staged[id]
			return &cp, nil
		}
	}
	for id, c := range m.disputes {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if c.EscrowID == escrowID && c.IsActive() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, dispute.ErrDisputeNotFound
}

func copyEvidence(in []*dispute.Evidence) []*dispute.Evidence {
	out := make([]*dispute.Evidence, len(in))
	for i, e := range in {
		cp := *e
		out[i] = &cp
	}
	return out
}

func copyActions(in []*dispute.Action) []*dispute.Action {
	out := make([]*dispute.Action, len(in))
	for i, a := range in {
		cp := *a
		if a.Metadata != nil {
			cp.Metadata = make(map[string]string, len(a.Metadata))
			for k, v := range a.Metadata {
				cp.Metadata[k] = v
			}
		}
		out[i] = &cp
	}
	return out
}

// memTx stages writes over the committed maps. The store's write lock is
// held for the whole unit of work.
type memTx struct {
	store     *MemoryStore
	escrows   map[string]*escrow.Account
	partials  map[string]*partial.Payment
	disputes  map[string]*dispute.Case
	decisions map[string]*dispute.Decision
	evidence  []*dispute.Evidence
	actions   []*dispute.Action
	entries   []*ledger.Entry
	events    []*outbox.Event
}

func (t *memTx) GetEscrow(_ context.Context, id string) (*escrow.Account, error) {
	if a, ok := t.escrows[id]; ok {
		cp := *a
		return &cp, nil
	}
	return t.store.getEscrow(id)
}

func (t *memTx) GetPartial(_ context.Context, id string) (*partial.Payment, error) {
	if p, ok := t.partials[id]; ok {
		cp := *p
		return &cp, nil
	}
	return t.store.getPartial(id)
}

func (t *memTx) GetDispute(_ context.Context, id string) (*dispute.Case, error) {
	if c, ok := t.disputes[id]; ok {
		cp := *c
		return &cp, nil
	}
	return t.store.getDispute(id)
}

func (t *memTx) ActiveDispute(_ context.Context, escrowID string) (*dispute.Case, error) {
	return t.store.activeDispute(escrowID, t.disputes)
}

func (t *memTx) ListEvidence(_ context.Context, disputeID string) ([]*dispute.Evidence, error) {
	out := copyEvidence(t.store.evidence[disputeID])
	for _, e := range t.evidence {
		if e.DisputeID == disputeID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) ListActions(_ context.Context, disputeID string) ([]*dispute.Action, error) {
	out := copyActions(t.store.actions[disputeID])
	for _, a := range t.actions {
		if a.DisputeID == disputeID {
			out = append(out, copyActions([]*dispute.Action{a})...)
		}
	}
	return out, nil
}

func (t *memTx) GetDecision(_ context.Context, disputeID string) (*dispute.Decision, error) {
	if d, ok := t.decisions[disputeID]; ok {
		cp := *d
		return &cp, nil
	}
	return t.store.getDecision(disputeID)
}

func (t *memTx) Replay(ctx context.Context, orderID string) ([]*ledger.Entry, error) {
	out, err := t.store.journal.Replay(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.entries {
		if e.OrderID == orderID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) Snapshots(_ context.Context, orderID string) ([]ledger.Snapshot, error) {
	byID := make(map[string]ledger.Snapshot)
	for id, a := range t.store.escrows {
		if a.OrderID == orderID {
			byID[id] = a.Snapshot()
		}
	}
	for id, p := range t.store.partials {
		if p.OrderID == orderID {
			byID[id] = p.Snapshot()
		}
	}
	for id, a := range t.escrows {
		if a.OrderID == orderID {
			byID[id] = a.Snapshot()
		}
	}
	for id, p := range t.partials {
		if p.OrderID == orderID {
			byID[id] = p.Snapshot()
		}
	}
	out := make([]ledger.Snapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (t *memTx) InsertEscrow(_ context.Context, a *escrow.Account) error {
	if _, err := t.GetEscrow(context.Background(), a.ID); err == nil {
		return fmt.Errorf("escrow %s already exists", a.ID)
	}
	for _, pending := range []map[string]*escrow.Account{t.store.escrows, t.escrows} {
		for _, other := range pending {
			if other.TransactionID == a.TransactionID {
				return fmt.Errorf("transaction id %s already in use", a.TransactionID)
			}
			if other.OrderID == a.OrderID {
				return fmt.Errorf("%w: order %s", escrow.ErrEscrowExists, a.OrderID)
			}
		}
	}
	a.Version = 1
	cp := *a
	t.escrows[a.ID] = &cp
	return nil
}

func (t *memTx) UpdateEscrow(ctx context.Context, a *escrow.Account, prevVersion int64) error {
	cur, err := t.GetEscrow(ctx, a.ID)
	if err != nil {
		return err
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("%w: escrow %s", ErrConcurrentModification, a.ID)
	}
	a.Version = prevVersion + 1
	cp := *a
	t.escrows[a.ID] = &cp
	return nil
}

func (t *memTx) InsertPartial(_ context.Context, p *partial.Payment) error {
	if _, err := t.GetPartial(context.Background(), p.ID); err == nil {
		return fmt.Errorf("partial payment %s already exists", p.ID)
	}
	p.Version = 1
	cp := *p
	t.partials[p.ID] = &cp
	return nil
}

func (t *memTx) UpdatePartial(ctx context.Context, p *partial.Payment, prevVersion int64) error {
	cur, err := t.GetPartial(ctx, p.ID)
	if err != nil {
		return err
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("%w: partial payment %s", ErrConcurrentModification, p.ID)
	}
	p.Version = prevVersion + 1
	cp := *p
	t.partials[p.ID] = &cp
	return nil
}

func (t *memTx) InsertDispute(ctx context.Context, c *dispute.Case) error {
	if c.EscrowID != "" && c.IsActive() {
		if _, err := t.ActiveDispute(ctx, c.EscrowID); err == nil {
			return fmt.Errorf("%w: escrow %s", ErrActiveDisputeExists, c.EscrowID)
		}
	}
	c.Version = 1
	cp := *c
	t.disputes[c.ID] = &cp
	return nil
}

func (t *memTx) UpdateDispute(ctx context.Context, c *dispute.Case, prevVersion int64) error {
	cur, err := t.GetDispute(ctx, c.ID)
	if err != nil {
		return err
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("%w: dispute %s", ErrConcurrentModification, c.ID)
	}
	c.Version = prevVersion + 1
	cp := *c
	t.disputes[c.ID] = &cp
	return nil
}

func (t *memTx) InsertEvidence(_ context.Context, e *dispute.Evidence) error {
	cp := *e
	t.evidence = append(t.evidence, &cp)
	return nil
}

func (t *memTx) InsertAction(_ context.Context, a *dispute.Action) error {
	t.actions = append(t.actions, copyActions([]*dispute.Action{a})...)
	return nil
}

func (t *memTx) SaveDecision(ctx context.Context, d *dispute.Decision) error {
	if cur, err := t.GetDecision(ctx, d.DisputeID); err == nil && cur.IsFinal {
		return fmt.Errorf("%w: dispute %s", ErrFinalDecisionExists, d.DisputeID)
	}
	cp := *d
	t.decisions[d.DisputeID] = &cp
	return nil
}

func (t *memTx) Append(_ context.Context, e *ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTx) Enqueue(_ context.Context, evt *outbox.Event) error {
	cp := *evt
	t.events = append(t.events, &cp)
	return nil
}

// commit applies the staged writes. Ledger entries are validated on Append,
// so the journal cannot reject them here.
func (t *memTx) commit(ctx context.Context) error {
	m := t.store
	for id, a := range t.escrows {
		m.escrows[id] = a
	}
	for id, p := range t.partials {
		m.partials[id] = p
	}
	for id, c := range t.disputes {
		m.disputes[id] = c
	}
	for id, d := range t.decisions {
		m.decisions[id] = d
	}
	for _, e := range t.evidence {
		m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], e)
	}
	for _, a := range t.actions {
		m.actions[a.DisputeID] = append(m.actions[a.DisputeID], a)
	}
	for _, e := range t.entries {
		if err := m.journal.Append(ctx, e); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
	}
	for _, evt := range t.events {
		m.events = append(m.events, &memEvent{evt: evt})
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
