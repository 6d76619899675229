//go:build integration

package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	testStore(t, func(t *testing.T) Store {
		testutil.Truncate(context.Background(), db)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_Service(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	st := NewPostgresStore(db)
	clock := &testClock{now: t0}
	s := NewService(st, discard(), WithClock(clock.Now))
	ctx := context.Background()

	a := openEscrow(t, s, 10000)
	c := openDispute(t, s, a.ID)

	_, err := s.AssignAdmin(ctx, c.ID, "", admin)
	require.NoError(t, err)
	_, err = s.AddEvidence(ctx, c.ID, dispute.EvidenceRequest{
		Kind: dispute.EvidenceDocument, FileURL: "https://files.example/receipt.pdf", FileName: "receipt.pdf", FileSize: 10,
	}, customer)
	require.NoError(t, err)

	d, settled, err := s.Decide(ctx, c.ID, dispute.DecisionRequest{
		Type:         dispute.DecisionPartialStore,
		Reason:       "partial delivery",
		RefundAmount: 4000,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, settled.Status)

	again, err := s.ResolveEscrow(ctx, a.ID, c.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), again.ReleasedAmount)
	assert.Equal(t, int64(4000), again.RefundedAmount)

	view, err := s.GetDispute(ctx, c.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, d.ID, view.Decision.ID)
	assert.Len(t, view.Evidence, 1)
	assert.Len(t, view.Actions, 4)

	entries := assertVerified(t, s, "ord_1")
	assert.Len(t, entries, 4)
}

func TestPostgresStore_ReleaseVersusDispute(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	st := NewPostgresStore(db)
	ctx := context.Background()
	for i := range 10 {
		// Separate services share no locks, so the database alone arbitrates.
		clock := &testClock{now: t0}
		s1 := NewService(st, discard(), WithClock(clock.Now))
		s2 := NewService(st, discard(), WithClock(clock.Now))
		a := openEscrowFor(t, s1, fmt.Sprintf("ord_race_%d", i), 1000)

		var wg sync.WaitGroup
		var releaseErr, disputeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, releaseErr = s1.Release(ctx, a.ID, "", customer)
		}()
		go func() {
			defer wg.Done()
			_, _, disputeErr = s2.OpenDispute(ctx, a.ID, OpenDisputeRequest{Reason: "missing"}, seller)
		}()
		wg.Wait()

		require.True(t, (releaseErr == nil) != (disputeErr == nil), "run %d: release=%v dispute=%v", i, releaseErr, disputeErr)
		loser := releaseErr
		if loser == nil {
			loser = disputeErr
		}
		assert.True(t, IsConflict(loser), "run %d: %v", i, loser)
		assertVerified(t, NewService(st, discard()), a.OrderID)
	}
}
