// Package webhooks delivers engine events to the notification dispatcher,
// the external service that turns them into push and email messages.
//
// Each recipient gets its own signed POST:
//
//	POST {url}
//	X-Arbiter-Event: escrow.released
//	X-Arbiter-Delivery: evt_...
//	X-Arbiter-Timestamp: 1767225600
//	X-Arbiter-Signature: hex(HMAC-SHA256(secret, body))
//
//	{"userId": "...", "event": {...}}
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/retry"
)

const breakerKey = "notify"

// Notification is the body posted for one recipient.
type Notification struct {
	UserID string        `json:"userId"`
	Event  *outbox.Event `json:"event"`
}

// Notifier implements notify(user_id, event) over HTTP.
type Notifier struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// NewNotifier creates a notifier posting to url. An empty secret sends
// unsigned requests.
func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		now:     time.Now,
	}
}

// WithHTTPClient replaces the default client.
func (n *Notifier) WithHTTPClient(c *http.Client) *Notifier {
	n.client = c
	return n
}

func (n *Notifier) Name() string { return "webhook" }

// Publish notifies every recipient of the event. Events without recipients
// are ignored.
func (n *Notifier) Publish(ctx context.Context, evt *outbox.Event) error {
	var errs []error
	for _, userID := range evt.Recipients {
		if err := n.Notify(ctx, userID, evt); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
		}
	}
	return errors.Join(errs...)
}

// Notify posts one notification. 4xx responses other than 408 and 429 are
// permanent; the dispatcher has rejected the payload and retrying won't help.
func (n *Notifier) Notify(ctx context.Context, userID string, evt *outbox.Event) error {
	payload, err := json.Marshal(Notification{UserID: userID, Event: evt})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	return n.breaker.Do(breakerKey, func() error {
		return n.post(ctx, evt, payload)
	}, func(err error) bool { return !retry.IsPermanent(err) })
}

func (n *Notifier) post(ctx context.Context, evt *outbox.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Arbiter-Event", evt.Type)
	req.Header.Set("X-Arbiter-Delivery", evt.ID)
	req.Header.Set("X-Arbiter-Timestamp", strconv.FormatInt(n.now().Unix(), 10))
	if n.secret != "" {
		req.Header.Set("X-Arbiter-Signature", Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

var _ outbox.Publisher = (*Notifier)(nil)
