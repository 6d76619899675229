package partial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/ledger"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func open(t *testing.T, total int64, pct int) (*Payment, []*ledger.Entry) {
	t.Helper()
	p, e, err := Open(OpenRequest{
		OrderID:     "ord_1",
		CustomerID:  "cust_1",
		StoreID:     "store_1",
		TotalAmount: total,
		Percentage:  pct,
	}, "cust_1", now)
	require.NoError(t, err)
	return p, []*ledger.Entry{e}
}

func TestOpenAndComplete(t *testing.T) {
	p, entries := open(t, 20000, 40)
	assert.Equal(t, int64(8000), p.PaidAmount)
	assert.Equal(t, int64(12000), p.RemainingAmount)
	assert.Equal(t, StatusPartial, p.Status)

	e, err := p.RecordInstallment(12000, "cust_1", now.Add(time.Hour))
	require.NoError(t, err)
	entries = append(entries, e)

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Zero(t, p.RemainingAmount)

	f, err := ledger.FoldPartial(entries)
	require.NoError(t, err)
	assert.Equal(t, string(p.Status), f.Status)
	assert.Equal(t, p.PaidAmount, f.Paid)
}

func TestOpen_FloorsAndPending(t *testing.T) {
	p, entries := open(t, 99, 1)
	assert.Zero(t, p.PaidAmount)
	assert.Equal(t, int64(99), p.RemainingAmount)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "pending", entries[0].ResultingStatus)

	p, _ = open(t, 1001, 33)
	assert.Equal(t, int64(330), p.PaidAmount)
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"percentage zero", OpenRequest{OrderID: "o", CustomerID: "c", StoreID: "s", TotalAmount: 100}, ErrInvalidPercentage},
		{"percentage 100", OpenRequest{OrderID: "o", CustomerID: "c", StoreID: "s", TotalAmount: 100, Percentage: 100}, ErrInvalidPercentage},
		{"no total", OpenRequest{OrderID: "o", CustomerID: "c", StoreID: "s", Percentage: 50}, ErrInvalidAmount},
		{"no order", OpenRequest{CustomerID: "c", StoreID: "s", TotalAmount: 100, Percentage: 50}, ErrMissingParty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Open(tt.req, "c", now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRecordInstallment_Rejections(t *testing.T) {
	p, _ := open(t, 20000, 40)

	_, err := p.RecordInstallment(12001, "cust_1", now)
	assert.ErrorIs(t, err, ErrOverpaymentRejected)
	_, err = p.RecordInstallment(0, "cust_1", now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, int64(8000), p.PaidAmount, "rejected installments leave the payment untouched")

	_, err = p.RecordInstallment(12000, "cust_1", now)
	require.NoError(t, err)
	_, err = p.RecordInstallment(1, "cust_1", now)
	assert.ErrorIs(t, err, ErrNotPayable)
}

func TestInstallmentsKeepTotalsBalanced(t *testing.T) {
	for _, pct := range []int{1, 17, 50, 73, 99} {
		p, entries := open(t, 12345, pct)
		for _, amt := range []int64{1, 100, 1000, 5000, 1 << 40} {
			e, err := p.RecordInstallment(amt, "cust_1", now)
			if err == nil {
				entries = append(entries, e)
			}
			require.Equal(t, p.TotalAmount, p.PaidAmount+p.RemainingAmount, "pct %d after %d", pct, amt)
		}
		if p.RemainingAmount > 0 {
			e, err := p.RecordInstallment(p.RemainingAmount, "cust_1", now)
			require.NoError(t, err)
			entries = append(entries, e)
		}
		assert.Equal(t, StatusCompleted, p.Status)

		f, err := ledger.FoldPartial(entries)
		require.NoError(t, err)
		assert.Equal(t, string(p.Status), f.Status)
		assert.Equal(t, p.TotalAmount, f.Paid)
	}
}
