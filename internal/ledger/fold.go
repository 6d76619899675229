package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// Status values as they appear in ResultingStatus. The escrow and partial
// packages own the state machines; these mirror their string values so the
// ledger can be replayed without importing them.
const (
	escrowHeld     = "held"
	escrowDisputed = "disputed"
	escrowReleased = "released"
	escrowRefunded = "refunded"

	partialPending   = "pending"
	partialPartial   = "partial"
	partialCompleted = "completed"
	partialFailed    = "failed"
	partialRefunded  = "refunded"
)

var ErrBrokenHistory = errors.New("ledger history does not replay")

// EscrowFold is the state reconstructed from an escrow account's entries.
type EscrowFold struct {
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Released int64  `json:"released"`
	Refunded int64  `json:"refunded"`
}

// FoldEscrow replays the entries of one escrow account in order.
func FoldEscrow(entries []*Entry) (*EscrowFold, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyHistory
	}
	f := &EscrowFold{}
	for i, e := range entries {
		if e.PaymentType != PaymentEscrow {
			return nil, brokenAt(i, e, "payment type %q in escrow history", e.PaymentType)
		}
		next, err := f.step(e)
		if err != nil {
			return nil, brokenAt(i, e, "%v", err)
		}
		if next != e.ResultingStatus {
			return nil, brokenAt(i, e, "replayed status %q, entry says %q", next, e.ResultingStatus)
		}
		f.Status = next
	}
	if f.Status == escrowReleased || f.Status == escrowRefunded {
		if f.Released+f.Refunded != f.Amount {
			return nil, fmt.Errorf("%w: settled %d of %d", ErrBrokenHistory, f.Released+f.Refunded, f.Amount)
		}
	}
	return f, nil
}

func (f *EscrowFold) step(e *Entry) (string, error) {
	switch f.Status {
	case "":
		if e.Action != ActionPayment || e.Amount <= 0 {
			return "", errors.New("history must start with a positive payment")
		}
		f.Amount = e.Amount
		return escrowHeld, nil
	case escrowHeld:
		switch e.Action {
		case ActionRelease:
			if e.Amount != f.Amount {
				return "", fmt.Errorf("release of %d from held %d", e.Amount, f.Amount)
			}
			f.Released += e.Amount
			return escrowReleased, nil
		case ActionDispute:
			return escrowDisputed, nil
		}
	case escrowDisputed:
		remaining := f.Amount - f.Released - f.Refunded
		if e.Amount <= 0 || e.Amount > remaining {
			return "", fmt.Errorf("%s of %d exceeds remaining %d", e.Action, e.Amount, remaining)
		}
		switch e.Action {
		case ActionRelease:
			f.Released += e.Amount
			if e.Amount == remaining {
				return escrowReleased, nil
			}
			// First leg of a split decision; the refund leg follows.
			return escrowDisputed, nil
		case ActionRefund:
			if e.Amount != remaining {
				return "", fmt.Errorf("refund of %d leaves %d in custody", e.Amount, remaining-e.Amount)
			}
			f.Refunded += e.Amount
			return escrowRefunded, nil
		}
	case escrowReleased, escrowRefunded:
		return "", fmt.Errorf("entry after terminal status %q", f.Status)
	}
	return "", fmt.Errorf("action %q not allowed from %q", e.Action, f.Status)
}

// PartialFold is the state reconstructed from a partial payment's entries.
type PartialFold struct {
	Status string `json:"status"`
	Paid   int64  `json:"paid"`
}

// FoldPartial replays the entries of one partial payment in order.
func FoldPartial(entries []*Entry) (*PartialFold, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyHistory
	}
	f := &PartialFold{}
	for i, e := range entries {
		if e.PaymentType != PaymentPartial {
			return nil, brokenAt(i, e, "payment type %q in partial history", e.PaymentType)
		}
		switch {
		case f.Status == partialCompleted || f.Status == partialRefunded:
			return nil, brokenAt(i, e, "entry after terminal status %q", f.Status)
		case e.Action == ActionPayment:
			if i > 0 && e.Amount <= 0 {
				return nil, brokenAt(i, e, "installment must be positive")
			}
			f.Paid += e.Amount
			switch e.ResultingStatus {
			case partialPending:
				if f.Paid != 0 {
					return nil, brokenAt(i, e, "pending with %d paid", f.Paid)
				}
			case partialPartial, partialCompleted, partialFailed:
			default:
				return nil, brokenAt(i, e, "unexpected status %q", e.ResultingStatus)
			}
		case e.Action == ActionRefund:
			if e.ResultingStatus != partialRefunded || e.Amount != f.Paid {
				return nil, brokenAt(i, e, "refund must return the %d paid", f.Paid)
			}
		default:
			return nil, brokenAt(i, e, "action %q not allowed for partial payments", e.Action)
		}
		f.Status = e.ResultingStatus
	}
	return f, nil
}

func brokenAt(i int, e *Entry, format string, args ...any) error {
	return fmt.Errorf("%w: entry %d (%s): %s", ErrBrokenHistory, i, e.ID, fmt.Sprintf(format, args...))
}

// Snapshot is the materialized state of one subject as the store holds it.
// Amount is the escrowed amount for escrow accounts and the paid amount for
// partial payments.
type Snapshot struct {
	SubjectID   string
	PaymentType PaymentType
	Status      string
	Amount      int64
}

// Mismatch reports a subject whose materialized state differs from its fold.
type Mismatch struct {
	SubjectID string `json:"subjectId"`
	Stored    string `json:"stored"`
	Replayed  string `json:"replayed"`
	Detail    string `json:"detail"`
}

// Verify folds the entries of an order and compares every subject with its
// materialized snapshot. An empty result means the order is consistent.
func Verify(entries []*Entry, snapshots []Snapshot) []Mismatch {
	history := BySubject(entries)
	var out []Mismatch

	seen := make(map[string]bool, len(snapshots))
	for _, s := range snapshots {
		seen[s.SubjectID] = true
		replayed, amount, err := fold(s.PaymentType, history[s.SubjectID])
		if err != nil {
			out = append(out, Mismatch{SubjectID: s.SubjectID, Stored: s.Status, Detail: err.Error()})
			continue
		}
		if replayed != s.Status || amount != s.Amount {
			out = append(out, Mismatch{
				SubjectID: s.SubjectID,
				Stored:    s.Status,
				Replayed:  replayed,
				Detail:    fmt.Sprintf("stored amount %d, replayed amount %d", s.Amount, amount),
			})
		}
	}

	var orphans []string
	for id := range history {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		out = append(out, Mismatch{SubjectID: id, Detail: "ledger entries without a stored record"})
	}
	return out
}

func fold(pt PaymentType, entries []*Entry) (string, int64, error) {
	switch pt {
	case PaymentEscrow:
		f, err := FoldEscrow(entries)
		if err != nil {
			return "", 0, err
		}
		return f.Status, f.Amount, nil
	case PaymentPartial:
		f, err := FoldPartial(entries)
		if err != nil {
			return "", 0, err
		}
		return f.Status, f.Paid, nil
	}
	return "", 0, fmt.Errorf("cannot fold payment type %q", pt)
}
