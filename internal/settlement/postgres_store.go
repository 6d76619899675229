package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/mbd888/arbiter/internal/ledger"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/partial"
)

const (
	activeDisputeIndex = "disputes_one_active_per_escrow"
	escrowOrderIndex   = "escrow_accounts_one_per_order"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists the settlement aggregates, ledger and outbox in
// PostgreSQL. Units of work run in READ COMMITTED transactions; aggregate
// rows read inside a unit are locked FOR UPDATE and every update carries a
// version predicate.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx, lock: " FOR UPDATE"}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPQ(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (p *PostgresStore) DueEscrows(ctx context.Context, now time.Time, limit int) ([]*escrow.Account, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE status = 'held' AND active_dispute_id IS NULL AND NOT frozen
		  AND dispute_deadline < $1
		ORDER BY dispute_deadline
		LIMIT NULLIF($2::INT, 0)`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) Orders(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT order_id FROM ledger_entries ORDER BY order_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- outbox.Store ---

const eventColumns = `id, event_type, order_id, subject_id, recipients, payload, attempts, last_error, created_at, available_at`

func (p *PostgresStore) Claim(ctx context.Context, limit int, claimToken string, now, claimUntil time.Time) ([]*outbox.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events SET claim_token = $1, claimed_until = $2
		WHERE seq IN (
			SELECT seq FROM outbox_events
			WHERE published_at IS NULL AND dead_lettered_at IS NULL
			  AND available_at <= $3
			  AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, `+eventColumns, claimToken, claimUntil, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type claimed struct {
		seq int64
		evt *outbox.Event
	}
	var batch []claimed
	for rows.Next() {
		var (
			c          claimed
			recipients pq.StringArray
			payload    []byte
		)
		c.evt = &outbox.Event{}
		if err := rows.Scan(&c.seq, &c.evt.ID, &c.evt.Type, &c.evt.OrderID, &c.evt.SubjectID,
			&recipients, &payload, &c.evt.Attempts, &c.evt.LastError, &c.evt.CreatedAt, &c.evt.AvailableAt); err != nil {
			return nil, err
		}
		c.evt.Recipients = recipients
		c.evt.Payload = payload
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	out := make([]*outbox.Event, len(batch))
	for i, c := range batch {
		out[i] = c.evt
	}
	return out, nil
}

func (p *PostgresStore) MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error {
	return p.release(ctx, `published_at = $3`, id, claimToken, at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, claimToken, lastErr string, retryAt time.Time) error {
	return p.release(ctx, `attempts = attempts + 1, last_error = $4, available_at = $3`, id, claimToken, retryAt, lastErr)
}

func (p *PostgresStore) MarkDeadLettered(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return p.release(ctx, `attempts = attempts + 1, last_error = $4, dead_lettered_at = $3`, id, claimToken, at, reason)
}

// release applies set to a claimed event and drops the claim.
func (p *PostgresStore) release(ctx context.Context, set, id, claimToken string, args ...any) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET `+set+`, claim_token = NULL, claimed_until = NULL
		WHERE id = $1 AND claim_token = $2`, append([]any{id, claimToken}, args...)...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// --- reads, shared by the store and its transactions ---

type pgReader struct {
	q    queryer
	lock string // " FOR UPDATE" inside a unit of work
}

const escrowColumns = `id, order_id, customer_id, store_id, amount, status, transaction_id,
		release_conditions, paid_at, dispute_deadline, released_at, refunded_at,
		released_amount, refunded_amount, active_dispute_id, decision_id, frozen,
		version, created_at, updated_at`

func (r pgReader) GetEscrow(ctx context.Context, id string) (*escrow.Account, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`+r.lock, id)
	a, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	return a, err
}

const partialColumns = `id, order_id, customer_id, store_id, total_amount, paid_amount,
		remaining_amount, percentage, status, due_date, version, created_at, updated_at`

func (r pgReader) GetPartial(ctx context.Context, id string) (*partial.Payment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+partialColumns+` FROM partial_payments WHERE id = $1`+r.lock, id)
	p, err := scanPartial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, partial.ErrPaymentNotFound
	}
	return p, err
}

const disputeColumns = `id, order_id, escrow_id, conversation_id, customer_id, store_id, opened_by,
		dispute_type, status, priority, subject, description, assigned_admin_id,
		admin_notes, decision_id, resolved_at, closed_at, version, created_at, updated_at`

func (r pgReader) GetDispute(ctx context.Context, id string) (*dispute.Case, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+r.lock, id)
	c, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispute.ErrDisputeNotFound
	}
	return c, err
}

func (r pgReader) ActiveDispute(ctx context.Context, escrowID string) (*dispute.Case, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status IN ('open', 'investigating', 'escalated')`, escrowID)
	c, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispute.ErrDisputeNotFound
	}
	return c, err
}

func (r pgReader) ListEvidence(ctx context.Context, disputeID string) ([]*dispute.Evidence, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, dispute_id, uploaded_by, uploaded_by_role, evidence_type, file_url, file_name,
		       file_size, file_type, checksum, description, is_verified, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*dispute.Evidence{}
	for rows.Next() {
		e := &dispute.Evidence{}
		var role, kind string
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.UploadedBy, &role, &kind, &e.FileURL, &e.FileName,
			&e.FileSize, &e.FileType, &e.Checksum, &e.Description, &e.IsVerified, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UploadedByRole = actor.Role(role)
		e.Kind = dispute.EvidenceKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgReader) ListActions(ctx context.Context, disputeID string) ([]*dispute.Action, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, dispute_id, action_type, actor_id, actor_role, description, metadata, at
		FROM dispute_actions
		WHERE dispute_id = $1
		ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*dispute.Action{}
	for rows.Next() {
		a := &dispute.Action{}
		var typ, role string
		var meta []byte
		if err := rows.Scan(&a.ID, &a.DisputeID, &typ, &a.ActorID, &role, &a.Description, &meta, &a.At); err != nil {
			return nil, err
		}
		a.Type = dispute.ActionType(typ)
		a.ActorRole = actor.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("action %s metadata: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r pgReader) GetDecision(ctx context.Context, disputeID string) (*dispute.Decision, error) {
	d := &dispute.Decision{}
	var typ string
	err := r.q.QueryRowContext(ctx, `
		SELECT id, dispute_id, admin_id, decision_type, decision_reason, customer_penalty,
		       store_penalty, refund_amount, additional_notes, is_final, created_at
		FROM dispute_decisions
		WHERE dispute_id = $1`, disputeID).Scan(
		&d.ID, &d.DisputeID, &d.AdminID, &typ, &d.Reason, &d.CustomerPenalty,
		&d.StorePenalty, &d.RefundAmount, &d.AdditionalNotes, &d.IsFinal, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispute.ErrDecisionNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Type = dispute.DecisionType(typ)
	return d, nil
}

func (r pgReader) Replay(ctx context.Context, orderID string) ([]*ledger.Entry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seq, id, order_id, subject_id, payment_type, amount, action, resulting_status,
		       transaction_id, decision_id, notes, actor_id, created_at
		FROM ledger_entries
		WHERE order_id = $1
		ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*ledger.Entry{}
	for rows.Next() {
		e := &ledger.Entry{}
		var pt, action string
		var decisionID sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.OrderID, &e.SubjectID, &pt, &e.Amount, &action, &e.ResultingStatus,
			&e.TransactionID, &decisionID, &e.Notes, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PaymentType = ledger.PaymentType(pt)
		e.Action = ledger.Action(action)
		e.DecisionID = decisionID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgReader) Snapshots(ctx context.Context, orderID string) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot

	rows, err := r.q.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	accounts, err := scanEscrows(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		out = append(out, a.Snapshot())
	}

	rows, err = r.q.QueryContext(ctx, `SELECT `+partialColumns+` FROM partial_payments WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		p, err := scanPartial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Snapshot())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// --- writes ---

type pgTx struct {
	pgReader
}

func (t *pgTx) InsertEscrow(ctx context.Context, a *escrow.Account) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO escrow_accounts (
			id, order_id, customer_id, store_id, amount, status, transaction_id,
			release_conditions, paid_at, dispute_deadline, released_at, refunded_at,
			released_amount, refunded_amount, active_dispute_id, decision_id, frozen,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)`,
		a.ID, a.OrderID, a.CustomerID, a.StoreID, a.Amount, string(a.Status), a.TransactionID,
		a.ReleaseConditions, a.PaidAt, a.DisputeDeadline, nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
		a.ReleasedAmount, a.RefundedAmount, nullString(a.ActiveDisputeID), nullString(a.DecisionID), a.Frozen,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapPQ(err)
	}
	a.Version = 1
	return nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, a *escrow.Account, prevVersion int64) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, released_at = $2, refunded_at = $3,
			released_amount = $4, refunded_amount = $5,
			active_dispute_id = $6, decision_id = $7, frozen = $8,
			release_conditions = $9, updated_at = $10,
			version = version + 1
		WHERE id = $11 AND version = $12`,
		string(a.Status), nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
		a.ReleasedAmount, a.RefundedAmount,
		nullString(a.ActiveDisputeID), nullString(a.DecisionID), a.Frozen,
		a.ReleaseConditions, a.UpdatedAt,
		a.ID, prevVersion,
	)
	if err := versioned(result, err, "escrow", a.ID); err != nil {
		return err
	}
	a.Version = prevVersion + 1
	return nil
}

func (t *pgTx) InsertPartial(ctx context.Context, p *partial.Payment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO partial_payments (
			id, order_id, customer_id, store_id, total_amount, paid_amount,
			remaining_amount, percentage, status, due_date, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		p.ID, p.OrderID, p.CustomerID, p.StoreID, p.TotalAmount, p.PaidAmount,
		p.RemainingAmount, p.Percentage, string(p.Status), nullTime(p.DueDate), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapPQ(err)
	}
	p.Version = 1
	return nil
}

func (t *pgTx) UpdatePartial(ctx context.Context, p *partial.Payment, prevVersion int64) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE partial_payments SET
			paid_amount = $1, remaining_amount = $2, status = $3, due_date = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		p.PaidAmount, p.RemainingAmount, string(p.Status), nullTime(p.DueDate),
		p.UpdatedAt, p.ID, prevVersion,
	)
	if err := versioned(result, err, "partial payment", p.ID); err != nil {
		return err
	}
	p.Version = prevVersion + 1
	return nil
}

func (t *pgTx) InsertDispute(ctx context.Context, c *dispute.Case) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, escrow_id, conversation_id, customer_id, store_id, opened_by,
			dispute_type, status, priority, subject, description, assigned_admin_id,
			admin_notes, decision_id, resolved_at, closed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)`,
		c.ID, c.OrderID, nullString(c.EscrowID), c.ConversationID, c.CustomerID, c.StoreID, c.OpenedBy,
		string(c.Type), string(c.Status), string(c.Priority), c.Subject, c.Description, nullString(c.AssignedAdminID),
		c.AdminNotes, nullString(c.DecisionID), nullTime(c.ResolvedAt), nullTime(c.ClosedAt),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		err = mapPQ(err)
		if errors.Is(err, ErrActiveDisputeExists) {
			return fmt.Errorf("%w: escrow %s", ErrActiveDisputeExists, c.EscrowID)
		}
		return err
	}
	c.Version = 1
	return nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, c *dispute.Case, prevVersion int64) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, priority = $2, assigned_admin_id = $3, admin_notes = $4,
			decision_id = $5, resolved_at = $6, closed_at = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(c.Status), string(c.Priority), nullString(c.AssignedAdminID), c.AdminNotes,
		nullString(c.DecisionID), nullTime(c.ResolvedAt), nullTime(c.ClosedAt), c.UpdatedAt,
		c.ID, prevVersion,
	)
	if err := versioned(result, err, "dispute", c.ID); err != nil {
		return err
	}
	c.Version = prevVersion + 1
	return nil
}

func (t *pgTx) InsertEvidence(ctx context.Context, e *dispute.Evidence) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO dispute_evidence (
			id, dispute_id, uploaded_by, uploaded_by_role, evidence_type, file_url, file_name,
			file_size, file_type, checksum, description, is_verified, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.DisputeID, e.UploadedBy, string(e.UploadedByRole), string(e.Kind), e.FileURL, e.FileName,
		e.FileSize, e.FileType, e.Checksum, e.Description, e.IsVerified, e.CreatedAt,
	)
	return mapPQ(err)
}

func (t *pgTx) InsertAction(ctx context.Context, a *dispute.Action) error {
	meta := []byte("{}")
	if len(a.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return err
		}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO dispute_actions (id, dispute_id, action_type, actor_id, actor_role, description, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DisputeID, string(a.Type), a.ActorID, string(a.ActorRole), a.Description, meta, a.At,
	)
	return mapPQ(err)
}

func (t *pgTx) SaveDecision(ctx context.Context, d *dispute.Decision) error {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO dispute_decisions (
			dispute_id, id, admin_id, decision_type, decision_reason, customer_penalty,
			store_penalty, refund_amount, additional_notes, is_final, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dispute_id) DO UPDATE SET
			id = EXCLUDED.id, admin_id = EXCLUDED.admin_id, decision_type = EXCLUDED.decision_type,
			decision_reason = EXCLUDED.decision_reason, customer_penalty = EXCLUDED.customer_penalty,
			store_penalty = EXCLUDED.store_penalty, refund_amount = EXCLUDED.refund_amount,
			additional_notes = EXCLUDED.additional_notes, is_final = EXCLUDED.is_final,
			created_at = EXCLUDED.created_at
		WHERE NOT dispute_decisions.is_final`,
		d.DisputeID, d.ID, d.AdminID, string(d.Type), d.Reason, d.CustomerPenalty,
		d.StorePenalty, d.RefundAmount, d.AdditionalNotes, d.IsFinal, d.CreatedAt,
	)
	if err != nil {
		return mapPQ(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: dispute %s", ErrFinalDecisionExists, d.DisputeID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, e *ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	done := ledger.ObserveAppend(e.Action)
	defer done()

	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (
			id, order_id, subject_id, payment_type, amount, action, resulting_status,
			transaction_id, decision_id, notes, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		e.ID, e.OrderID, e.SubjectID, string(e.PaymentType), e.Amount, string(e.Action), e.ResultingStatus,
		e.TransactionID, nullString(e.DecisionID), e.Notes, e.ActorID, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", mapPQ(err))
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, evt *outbox.Event) error {
	available := evt.AvailableAt
	if available.IsZero() {
		available = evt.CreatedAt
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, order_id, subject_id, recipients, payload, created_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, evt.Type, evt.OrderID, evt.SubjectID, pq.Array(evt.Recipients), []byte(evt.Payload),
		evt.CreatedAt, available,
	)
	return mapPQ(err)
}

// --- helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*escrow.Account, error) {
	a := &escrow.Account{}
	var (
		status        string
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
		activeDispute sql.NullString
		decisionID    sql.NullString
	)
	err := s.Scan(
		&a.ID, &a.OrderID, &a.CustomerID, &a.StoreID, &a.Amount, &status, &a.TransactionID,
		&a.ReleaseConditions, &a.PaidAt, &a.DisputeDeadline, &releasedAt, &refundedAt,
		&a.ReleasedAmount, &a.RefundedAmount, &activeDispute, &decisionID, &a.Frozen,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = escrow.Status(status)
	a.ReleasedAt = timePtr(releasedAt)
	a.RefundedAt = timePtr(refundedAt)
	a.ActiveDisputeID = activeDispute.String
	a.DecisionID = decisionID.String
	return a, nil
}

func scanEscrows(rows *sql.Rows) ([]*escrow.Account, error) {
	var out []*escrow.Account
	for rows.Next() {
		a, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPartial(s scanner) (*partial.Payment, error) {
	p := &partial.Payment{}
	var status string
	var due sql.NullTime
	err := s.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.StoreID, &p.TotalAmount, &p.PaidAmount,
		&p.RemainingAmount, &p.Percentage, &status, &due, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = partial.Status(status)
	p.DueDate = timePtr(due)
	return p, nil
}

func scanDispute(s scanner) (*dispute.Case, error) {
	c := &dispute.Case{}
	var (
		escrowID, adminID, decisionID sql.NullString
		typ, status, priority         string
		resolvedAt, closedAt          sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.OrderID, &escrowID, &c.ConversationID, &c.CustomerID, &c.StoreID, &c.OpenedBy,
		&typ, &status, &priority, &c.Subject, &c.Description, &adminID,
		&c.AdminNotes, &decisionID, &resolvedAt, &closedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.EscrowID = escrowID.String
	c.AssignedAdminID = adminID.String
	c.DecisionID = decisionID.String
	c.Type = dispute.Type(typ)
	c.Status = dispute.Status(status)
	c.Priority = dispute.Priority(priority)
	c.ResolvedAt = timePtr(resolvedAt)
	c.ClosedAt = timePtr(closedAt)
	return c, nil
}

// versioned turns a zero-row versioned update into ErrConcurrentModification.
func versioned(result sql.Result, err error, kind, id string) error {
	if err != nil {
		return mapPQ(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrConcurrentModification, kind, id)
	}
	return nil
}

// mapPQ translates the PostgreSQL errors the coordinator reacts to.
func mapPQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == "23505" && pqErr.Constraint == activeDisputeIndex:
		return fmt.Errorf("%w: %s", ErrActiveDisputeExists, pqErr.Message)
	case pqErr.Code == "23505" && pqErr.Constraint == escrowOrderIndex:
		return fmt.Errorf("%w: %s", escrow.ErrEscrowExists, pqErr.Message)
	case pqErr.Code == "40001" || pqErr.Code == "40P01":
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pqErr.Message)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
