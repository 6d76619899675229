package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func escrowEntry(action Action, amount int64, status string) *Entry {
	return &Entry{
		OrderID:         "ord_1",
		SubjectID:       "esc_1",
		PaymentType:     PaymentEscrow,
		Amount:          amount,
		Action:          action,
		ResultingStatus: status,
		TransactionID:   "txn_1",
	}
}

func partialEntry(action Action, amount int64, status string) *Entry {
	return &Entry{
		OrderID:         "ord_1",
		SubjectID:       "pp_1",
		PaymentType:     PaymentPartial,
		Amount:          amount,
		Action:          action,
		ResultingStatus: status,
	}
}

func TestFoldEscrow_Histories(t *testing.T) {
	tests := []struct {
		name     string
		entries  []*Entry
		want     string
		released int64
		refunded int64
	}{
		{
			name:    "held",
			entries: []*Entry{escrowEntry(ActionPayment, 10000, "held")},
			want:    "held",
		},
		{
			name: "released by customer",
			entries: []*Entry{
				escrowEntry(ActionPayment, 10000, "held"),
				escrowEntry(ActionRelease, 10000, "released"),
			},
			want:     "released",
			released: 10000,
		},
		{
			name: "customer wins",
			entries: []*Entry{
				escrowEntry(ActionPayment, 5000, "held"),
				escrowEntry(ActionDispute, 5000, "disputed"),
				escrowEntry(ActionRefund, 5000, "refunded"),
			},
			want:     "refunded",
			refunded: 5000,
		},
		{
			name: "split decision",
			entries: []*Entry{
				escrowEntry(ActionPayment, 5000, "held"),
				escrowEntry(ActionDispute, 5000, "disputed"),
				escrowEntry(ActionRelease, 3000, "disputed"),
				escrowEntry(ActionRefund, 2000, "refunded"),
			},
			want:     "refunded",
			released: 3000,
			refunded: 2000,
		},
		{
			name: "store wins",
			entries: []*Entry{
				escrowEntry(ActionPayment, 5000, "held"),
				escrowEntry(ActionDispute, 5000, "disputed"),
				escrowEntry(ActionRelease, 5000, "released"),
			},
			want:     "released",
			released: 5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := FoldEscrow(tt.entries)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Status)
			assert.Equal(t, tt.released, f.Released)
			assert.Equal(t, tt.refunded, f.Refunded)
		})
	}
}

func TestFoldEscrow_RejectsBrokenHistory(t *testing.T) {
	tests := []struct {
		name    string
		entries []*Entry
	}{
		{"starts with release", []*Entry{escrowEntry(ActionRelease, 100, "released")}},
		{"release after release", []*Entry{
			escrowEntry(ActionPayment, 100, "held"),
			escrowEntry(ActionRelease, 100, "released"),
			escrowEntry(ActionRelease, 100, "released"),
		}},
		{"refund from held", []*Entry{
			escrowEntry(ActionPayment, 100, "held"),
			escrowEntry(ActionRefund, 100, "refunded"),
		}},
		{"status disagrees", []*Entry{
			escrowEntry(ActionPayment, 100, "held"),
			escrowEntry(ActionRelease, 100, "refunded"),
		}},
		{"partial release from held", []*Entry{
			escrowEntry(ActionPayment, 100, "held"),
			escrowEntry(ActionRelease, 40, "released"),
		}},
		{"refund leaves funds in custody", []*Entry{
			escrowEntry(ActionPayment, 100, "held"),
			escrowEntry(ActionDispute, 100, "disputed"),
			escrowEntry(ActionRefund, 60, "refunded"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FoldEscrow(tt.entries)
			assert.True(t, errors.Is(err, ErrBrokenHistory), "got %v", err)
		})
	}
}

func TestFoldEscrow_Empty(t *testing.T) {
	_, err := FoldEscrow(nil)
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestFoldPartial(t *testing.T) {
	f, err := FoldPartial([]*Entry{
		partialEntry(ActionPayment, 8000, "partial"),
		partialEntry(ActionPayment, 12000, "completed"),
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", f.Status)
	assert.Equal(t, int64(20000), f.Paid)

	f, err = FoldPartial([]*Entry{partialEntry(ActionPayment, 0, "pending")})
	require.NoError(t, err)
	assert.Equal(t, "pending", f.Status)

	_, err = FoldPartial([]*Entry{
		partialEntry(ActionPayment, 8000, "completed"),
		partialEntry(ActionPayment, 100, "completed"),
	})
	assert.ErrorIs(t, err, ErrBrokenHistory)
}

func TestVerify(t *testing.T) {
	entries := []*Entry{
		escrowEntry(ActionPayment, 10000, "held"),
		escrowEntry(ActionRelease, 10000, "released"),
		partialEntry(ActionPayment, 8000, "partial"),
	}

	ok := Verify(entries, []Snapshot{
		{SubjectID: "esc_1", PaymentType: PaymentEscrow, Status: "released", Amount: 10000},
		{SubjectID: "pp_1", PaymentType: PaymentPartial, Status: "partial", Amount: 8000},
	})
	assert.Empty(t, ok)

	bad := Verify(entries, []Snapshot{
		{SubjectID: "esc_1", PaymentType: PaymentEscrow, Status: "held", Amount: 10000},
	})
	require.Len(t, bad, 2)
	assert.Equal(t, "esc_1", bad[0].SubjectID)
	assert.Equal(t, "released", bad[0].Replayed)
	assert.Equal(t, "pp_1", bad[1].SubjectID)
}

func TestJournal_AppendAssignsOrderedSeq(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = j.Append(ctx, partialEntry(ActionPayment, 1, "partial"))
		}()
	}
	wg.Wait()

	got, err := j.Replay(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Seq, got[i].Seq)
	}

	orders, err := j.Orders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1"}, orders)
}

func TestJournal_RejectsInvalidEntry(t *testing.T) {
	j := NewJournal()
	err := j.Append(context.Background(), &Entry{OrderID: "ord_1"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}
