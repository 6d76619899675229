package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/mbd888/arbiter/internal/ledger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openHeld(t *testing.T, amount int64) (*Account, []*ledger.Entry) {
	t.Helper()
	a, e, err := Open(OpenRequest{
		OrderID:    "ord_1",
		CustomerID: "cust_1",
		StoreID:    "store_1",
		Amount:     amount,
	}, "cust_1", t0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return a, []*ledger.Entry{e}
}

// assertFolds checks that replaying the entries reproduces the account.
func assertFolds(t *testing.T, a *Account, entries []*ledger.Entry) {
	t.Helper()
	f, err := ledger.FoldEscrow(entries)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if f.Status != string(a.Status) {
		t.Fatalf("fold status %s, account status %s", f.Status, a.Status)
	}
	if f.Released != a.ReleasedAmount || f.Refunded != a.RefundedAmount {
		t.Fatalf("fold %d/%d, account %d/%d", f.Released, f.Refunded, a.ReleasedAmount, a.RefundedAmount)
	}
}

func TestOpen(t *testing.T) {
	a, entries := openHeld(t, 10000)

	if a.Status != StatusHeld {
		t.Errorf("expected held, got %s", a.Status)
	}
	if !a.DisputeDeadline.Equal(t0.Add(7 * 24 * time.Hour)) {
		t.Errorf("expected deadline 7d after payment, got %v", a.DisputeDeadline)
	}
	if a.TransactionID == "" || a.ID == "" {
		t.Error("expected generated ids")
	}
	if entries[0].Action != ledger.ActionPayment || entries[0].Amount != 10000 {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	assertFolds(t, a, entries)
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"zero amount", OpenRequest{OrderID: "o", CustomerID: "c", StoreID: "s"}, ErrInvalidAmount},
		{"negative amount", OpenRequest{OrderID: "o", CustomerID: "c", StoreID: "s", Amount: -5}, ErrInvalidAmount},
		{"missing store", OpenRequest{OrderID: "o", CustomerID: "c", Amount: 5}, ErrMissingParty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Open(tt.req, "c", t0, 0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpen_TransactionIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		a, _ := openHeld(t, 1)
		if seen[a.TransactionID] {
			t.Fatalf("duplicate transaction id %s", a.TransactionID)
		}
		seen[a.TransactionID] = true
	}
}

func TestRelease(t *testing.T) {
	a, entries := openHeld(t, 10000)

	e, err := a.Release("cust_1", "received", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	entries = append(entries, e)

	if a.Status != StatusReleased || a.ReleasedAt == nil {
		t.Fatalf("expected released with timestamp, got %s", a.Status)
	}
	if e.Action != ledger.ActionRelease || e.Amount != 10000 || e.ResultingStatus != "released" {
		t.Fatalf("unexpected entry %+v", e)
	}
	assertFolds(t, a, entries)

	if _, err := a.Release("cust_1", "", t0.Add(2*time.Hour)); !errors.Is(err, ErrEscrowNotHeld) {
		t.Fatalf("second release: expected ErrEscrowNotHeld, got %v", err)
	}
}

func TestRelease_BlockedByDispute(t *testing.T) {
	a, _ := openHeld(t, 10000)
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "late", t0); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := a.Release("cust_1", "", t0); !errors.Is(err, ErrDisputeInProgress) {
		t.Fatalf("expected ErrDisputeInProgress, got %v", err)
	}
}

func TestMarkDisputed_DeadlineBoundary(t *testing.T) {
	a, _ := openHeld(t, 100)
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "x", a.DisputeDeadline.Add(time.Second)); !errors.Is(err, ErrDisputeWindowClosed) {
		t.Fatalf("after deadline: expected ErrDisputeWindowClosed, got %v", err)
	}
	if a.Status != StatusHeld {
		t.Fatalf("rejected dispute must not change status, got %s", a.Status)
	}

	if _, err := a.MarkDisputed("dsp_1", "cust_1", "x", a.DisputeDeadline.Add(-time.Second)); err != nil {
		t.Fatalf("before deadline: %v", err)
	}

	b, _ := openHeld(t, 100)
	if _, err := b.MarkDisputed("dsp_2", "cust_1", "x", b.DisputeDeadline); err != nil {
		t.Fatalf("at deadline: %v", err)
	}
}

func TestMarkDisputed_NotHeld(t *testing.T) {
	a, _ := openHeld(t, 100)
	if _, err := a.Release("cust_1", "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "x", t0); !errors.Is(err, ErrEscrowNotHeld) {
		t.Fatalf("expected ErrEscrowNotHeld, got %v", err)
	}
}

func TestResolve_Rulings(t *testing.T) {
	tests := []struct {
		name     string
		ruling   Ruling
		status   Status
		released int64
		refunded int64
		entries  int
	}{
		{"store wins ignores refund", Ruling{DecisionID: "dec_1", Kind: RulingStoreWins, RefundAmount: 999}, StatusReleased, 5000, 0, 1},
		{"no fault", Ruling{DecisionID: "dec_1", Kind: RulingNoFault}, StatusReleased, 5000, 0, 1},
		{"customer wins refunds everything", Ruling{DecisionID: "dec_1", Kind: RulingCustomerWins, RefundAmount: 1}, StatusRefunded, 0, 5000, 1},
		{"partial customer", Ruling{DecisionID: "dec_1", Kind: RulingPartialCustomer, RefundAmount: 3000}, StatusRefunded, 2000, 3000, 2},
		{"partial store", Ruling{DecisionID: "dec_1", Kind: RulingPartialStore, RefundAmount: 1000}, StatusRefunded, 4000, 1000, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, entries := openHeld(t, 5000)
			e, err := a.MarkDisputed("dsp_1", "cust_1", "broken", t0)
			if err != nil {
				t.Fatal(err)
			}
			entries = append(entries, e)

			out, err := a.Resolve(tt.ruling, t0.Add(time.Hour))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if len(out) != tt.entries {
				t.Fatalf("expected %d entries, got %d", tt.entries, len(out))
			}
			entries = append(entries, out...)

			if a.Status != tt.status {
				t.Errorf("expected %s, got %s", tt.status, a.Status)
			}
			if a.ReleasedAmount != tt.released || a.RefundedAmount != tt.refunded {
				t.Errorf("expected %d/%d, got %d/%d", tt.released, tt.refunded, a.ReleasedAmount, a.RefundedAmount)
			}
			if a.ActiveDisputeID != "" {
				t.Error("resolution should detach the dispute")
			}
			if last := out[len(out)-1]; last.ResultingStatus != string(tt.status) {
				t.Errorf("last entry carries %s", last.ResultingStatus)
			}
			assertFolds(t, a, entries)
		})
	}
}

func TestResolve_PartialRefundBounds(t *testing.T) {
	for _, refund := range []int64{0, -1, 5000, 6000} {
		a, _ := openHeld(t, 5000)
		if _, err := a.MarkDisputed("dsp_1", "cust_1", "x", t0); err != nil {
			t.Fatal(err)
		}
		_, err := a.Resolve(Ruling{DecisionID: "dec_1", Kind: RulingPartialCustomer, RefundAmount: refund}, t0)
		if !errors.Is(err, ErrInvalidRefund) {
			t.Fatalf("refund %d: expected ErrInvalidRefund, got %v", refund, err)
		}
		if a.Status != StatusDisputed {
			t.Fatalf("refund %d: rejected ruling changed status to %s", refund, a.Status)
		}
	}
}

func TestResolve_Idempotent(t *testing.T) {
	a, _ := openHeld(t, 5000)
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "x", t0); err != nil {
		t.Fatal(err)
	}
	r := Ruling{DecisionID: "dec_1", Kind: RulingPartialCustomer, RefundAmount: 2000}

	first, err := a.Resolve(r, t0)
	if err != nil {
		t.Fatal(err)
	}
	before := *a

	second, err := a.Resolve(r, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(first) != 2 || len(second) != 0 {
		t.Fatalf("expected 2 then 0 entries, got %d then %d", len(first), len(second))
	}
	if a.Status != before.Status || a.RefundedAmount != before.RefundedAmount || a.ReleasedAmount != before.ReleasedAmount {
		t.Fatal("replayed ruling changed the account")
	}

	if _, err := a.Resolve(Ruling{DecisionID: "dec_2", Kind: RulingStoreWins}, t0); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("different decision: expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolve_RequiresDispute(t *testing.T) {
	a, _ := openHeld(t, 5000)
	if _, err := a.Resolve(Ruling{DecisionID: "dec_1", Kind: RulingStoreWins}, t0); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
}

func TestFrozenAccountRejectsTransitions(t *testing.T) {
	a, _ := openHeld(t, 5000)
	a.Frozen = true

	if _, err := a.Release("cust_1", "", t0); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("release: expected ErrAccountFrozen, got %v", err)
	}
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "", t0); !errors.Is(err, ErrAccountFrozen) {
		t.Errorf("dispute: expected ErrAccountFrozen, got %v", err)
	}
	if a.Due(a.DisputeDeadline.Add(time.Hour)) {
		t.Error("frozen account must not be due for auto-release")
	}
}

func TestDue(t *testing.T) {
	a, _ := openHeld(t, 5000)
	if a.Due(a.DisputeDeadline) {
		t.Error("not due at the deadline itself")
	}
	if !a.Due(a.DisputeDeadline.Add(time.Second)) {
		t.Error("due one second after the deadline")
	}
	if _, err := a.MarkDisputed("dsp_1", "cust_1", "", t0); err != nil {
		t.Fatal(err)
	}
	if a.Due(a.DisputeDeadline.Add(time.Hour)) {
		t.Error("disputed account is never due")
	}
}
