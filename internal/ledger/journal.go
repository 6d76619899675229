package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
)

// Journal is an in-memory append-only ledger for demo/development mode.
type Journal struct {
	mu      sync.RWMutex
	seq     int64
	byOrder map[string][]*Entry
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{byOrder: make(map[string][]*Entry)}
}

// Append validates and stores a copy of the entry, assigning its sequence
// number. The caller's entry is updated with the assigned Seq and ID.
func (j *Journal) Append(_ context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	done := observeOp(string(e.Action))
	defer done()

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	e.Seq = j.seq
	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	j.byOrder[e.OrderID] = append(j.byOrder[e.OrderID], &cp)
	return nil
}

// Replay returns copies of the order's entries in commit order.
func (j *Journal) Replay(_ context.Context, orderID string) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	src := j.byOrder[orderID]
	out := make([]*Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Orders returns every order id with at least one entry, sorted.
func (j *Journal) Orders(_ context.Context) ([]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]string, 0, len(j.byOrder))
	for id := range j.byOrder {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

var (
	_ Writer = (*Journal)(nil)
	_ Reader = (*Journal)(nil)
)
