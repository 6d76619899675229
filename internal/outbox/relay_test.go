package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/retry"
)

type fakeStore struct {
	mu        sync.Mutex
	events    map[string]*Event
	published map[string]bool
	dead      map[string]string
	claims    map[string]string
}

func newFakeStore(evts ...*Event) *fakeStore {
	s := &fakeStore{
		events:    make(map[string]*Event),
		published: make(map[string]bool),
		dead:      make(map[string]string),
		claims:    make(map[string]string),
	}
	for _, e := range evts {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) Claim(_ context.Context, limit int, token string, now, _ time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for id, e := range s.events {
		if s.published[id] || s.dead[id] != "" || s.claims[id] != "" || e.AvailableAt.After(now) {
			continue
		}
		s.claims[id] = token
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[id] != token {
		return errors.New("claim lost")
	}
	s.published[id] = true
	delete(s.claims, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, token, lastErr string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[id] != token {
		return errors.New("claim lost")
	}
	e := s.events[id]
	e.Attempts++
	e.LastError = lastErr
	e.AvailableAt = retryAt
	delete(s.claims, id)
	return nil
}

func (s *fakeStore) MarkDeadLettered(_ context.Context, id, token, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[id] != token {
		return errors.New("claim lost")
	}
	s.dead[id] = reason
	delete(s.claims, id)
	return nil
}

type recordingPublisher struct {
	name string
	mu   sync.Mutex
	got  []string
	err  error
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, evt *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.got = append(p.got, evt.ID)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEvent(t *testing.T, typ string) *Event {
	t.Helper()
	e, err := New(typ, "ord_1", "esc_1", map[string]any{"amount": 100}, "cust_1", "", "store_1")
	require.NoError(t, err)
	return e
}

func TestNew_DropsEmptyRecipients(t *testing.T) {
	e := mustEvent(t, EscrowOpened)
	assert.Equal(t, []string{"cust_1", "store_1"}, e.Recipients)
	assert.JSONEq(t, `{"amount":100}`, string(e.Payload))
}

func TestRelay_FlushPublishesToEveryPublisher(t *testing.T) {
	e1, e2 := mustEvent(t, EscrowOpened), mustEvent(t, EscrowReleased)
	store := newFakeStore(e1, e2)
	a := &recordingPublisher{name: "a"}
	b := &recordingPublisher{name: "b"}

	r := NewRelay(store, quietLogger(), a, b)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{e1.ID, e2.ID}, a.got)
	assert.ElementsMatch(t, []string{e1.ID, e2.ID}, b.got)

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "published events are not redelivered")
}

func TestRelay_FailureReschedulesThenDeadLetters(t *testing.T) {
	e := mustEvent(t, DisputeCreated)
	store := newFakeStore(e)
	down := &recordingPublisher{name: "webhook", err: errors.New("connection refused")}

	clock := time.Now()
	r := NewRelay(store, quietLogger(), down).
		WithMaxAttempts(2).
		WithInlinePolicy(retry.Policy{Attempts: 1})
	r.now = func() time.Time { return clock }

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.events[e.ID].Attempts)
	assert.Contains(t, store.events[e.ID].LastError, "connection refused")
	assert.True(t, store.events[e.ID].AvailableAt.After(clock), "retry is delayed")

	n, _ = r.Flush(context.Background())
	assert.Zero(t, n, "not available before the backoff elapses")

	clock = clock.Add(time.Hour)
	_, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, store.dead[e.ID])
}

func TestRelay_PartialFailureRedeliversWholeEvent(t *testing.T) {
	e := mustEvent(t, EscrowResolved)
	store := newFakeStore(e)
	ok := &recordingPublisher{name: "redis"}
	flaky := &recordingPublisher{name: "webhook", err: errors.New("503")}

	clock := time.Now()
	r := NewRelay(store, quietLogger(), ok, flaky).WithInlinePolicy(retry.Policy{Attempts: 1})
	r.now = func() time.Time { return clock }

	_, _ = r.Flush(context.Background())
	flaky.err = nil
	clock = clock.Add(time.Hour)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{e.ID, e.ID}, ok.got, "at-least-once: healthy publisher sees the retry too")
	assert.Equal(t, []string{e.ID}, flaky.got)
}

func TestRelay_StartStop(t *testing.T) {
	store := newFakeStore(mustEvent(t, EscrowOpened))
	p := &recordingPublisher{name: "p"}
	r := NewRelay(store, quietLogger(), p).WithInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())

	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.False(t, r.Running())
}
