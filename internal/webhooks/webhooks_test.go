package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/retry"
)

func testEvent(t *testing.T, recipients ...string) *outbox.Event {
	t.Helper()
	e, err := outbox.New(outbox.EscrowReleased, "ord_1", "esc_1", map[string]int64{"amount": 10000}, recipients...)
	require.NoError(t, err)
	return e
}

func TestNotifier_PostsSignedNotificationPerRecipient(t *testing.T) {
	var mu sync.Mutex
	var got []Notification

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, outbox.EscrowReleased, r.Header.Get("X-Arbiter-Event"))
		assert.True(t, Verify(body, "s3cret", r.Header.Get("X-Arbiter-Signature")), "signature")

		var n Notification
		assert.NoError(t, json.Unmarshal(body, &n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "s3cret")
	evt := testEvent(t, "cust_1", "store_1")
	require.NoError(t, n.Publish(context.Background(), evt))

	require.Len(t, got, 2)
	assert.Equal(t, "cust_1", got[0].UserID)
	assert.Equal(t, "store_1", got[1].UserID)
	assert.Equal(t, evt.ID, got[0].Event.ID)
}

func TestNotifier_UnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Arbiter-Signature"))
	}))
	defer srv.Close()

	require.NoError(t, NewNotifier(srv.URL, "").Notify(context.Background(), "cust_1", testEvent(t)))
}

func TestNotifier_ClientErrorsArePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "")
	err := n.Notify(context.Background(), "cust_1", testEvent(t))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	for i := 0; i < 10; i++ {
		_ = n.Notify(context.Background(), "cust_1", testEvent(t))
	}
	assert.Equal(t, circuitbreaker.StateClosed, n.breaker.State(breakerKey), "rejections do not trip the breaker")
}

func TestNotifier_ServerErrorsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "")
	for i := 0; i < 5; i++ {
		err := n.Notify(context.Background(), "cust_1", testEvent(t))
		require.Error(t, err)
		assert.False(t, retry.IsPermanent(err))
	}

	err := n.Notify(context.Background(), "cust_1", testEvent(t))
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Equal(t, int32(5), calls.Load())
}

func TestNotifier_NoRecipients(t *testing.T) {
	n := NewNotifier("http://127.0.0.1:1", "")
	assert.NoError(t, n.Publish(context.Background(), testEvent(t)))
}

func TestSignVerify(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "k")
	assert.Len(t, sig, 64)
	assert.True(t, Verify([]byte(`{"a":1}`), "k", sig))
	assert.False(t, Verify([]byte(`{"a":2}`), "k", sig))
}
