// Package client is a Go client for the arbiter HTTP API, for store
// backends and support tooling that drive escrows and disputes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/partial"
	"github.com/mbd888/arbiter/internal/retry"
	"github.com/mbd888/arbiter/internal/settlement"
)

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	RequestID  string `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("arbiter: %d %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the API: a transition the
// current state does not allow or a lost race with another writer.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// Client calls the API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// ReadPolicy retries GETs on transport errors and 5xx answers. Writes
	// are never retried.
	ReadPolicy retry.Policy
}

// New creates a client for baseURL, e.g. "https://arbiter.internal/v1".
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ReadPolicy: retry.DefaultPolicy,
	}
}

// WithHTTPClient replaces the default client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// --- partial payments ---

func (c *Client) OpenPartial(ctx context.Context, req partial.OpenRequest) (*partial.Payment, error) {
	var out struct{ Payment *partial.Payment }
	if err := c.do(ctx, http.MethodPost, "/payments/partial", req, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

func (c *Client) GetPartial(ctx context.Context, id string) (*partial.Payment, error) {
	var out struct{ Payment *partial.Payment }
	if err := c.do(ctx, http.MethodGet, "/payments/partial/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

func (c *Client) RecordInstallment(ctx context.Context, id string, amount int64) (*partial.Payment, error) {
	var out struct{ Payment *partial.Payment }
	body := map[string]int64{"amount": amount}
	if err := c.do(ctx, http.MethodPost, "/payments/partial/"+url.PathEscape(id)+"/installments", body, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// --- escrow ---

func (c *Client) OpenEscrow(ctx context.Context, req escrow.OpenRequest) (*escrow.Account, error) {
	var out struct{ Payment *escrow.Account }
	if err := c.do(ctx, http.MethodPost, "/payments/escrow", req, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

func (c *Client) GetEscrow(ctx context.Context, id string) (*escrow.Account, error) {
	var out struct{ Payment *escrow.Account }
	if err := c.do(ctx, http.MethodGet, "/payments/escrow/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// Release pays the escrow out to the store. Only the customer or an admin
// may call it.
func (c *Client) Release(ctx context.Context, id, notes string) (*escrow.Account, error) {
	var out struct{ Payment *escrow.Account }
	body := map[string]string{"notes": notes}
	if err := c.do(ctx, http.MethodPut, "/payments/escrow/"+url.PathEscape(id)+"/release", body, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// OpenDispute freezes a held escrow and opens its case.
func (c *Client) OpenDispute(ctx context.Context, escrowID string, req settlement.OpenDisputeRequest) (*escrow.Account, *dispute.Case, error) {
	var out struct {
		Payment *escrow.Account
		Dispute *dispute.Case
	}
	if err := c.do(ctx, http.MethodPost, "/payments/escrow/"+url.PathEscape(escrowID)+"/dispute", req, &out); err != nil {
		return nil, nil, err
	}
	return out.Payment, out.Dispute, nil
}

// ResolveEscrow re-applies a dispute's final decision. Safe to repeat.
func (c *Client) ResolveEscrow(ctx context.Context, escrowID, disputeID string) (*escrow.Account, error) {
	var out struct{ Payment *escrow.Account }
	body := map[string]string{"dispute_id": disputeID}
	if err := c.do(ctx, http.MethodPost, "/payments/escrow/"+url.PathEscape(escrowID)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// --- disputes ---

func (c *Client) CreateDispute(ctx context.Context, req dispute.CreateRequest) (*dispute.Case, error) {
	var out struct{ Dispute *dispute.Case }
	if err := c.do(ctx, http.MethodPost, "/disputes", req, &out); err != nil {
		return nil, err
	}
	return out.Dispute, nil
}

func (c *Client) GetDispute(ctx context.Context, id string) (*settlement.DisputeView, error) {
	var out settlement.DisputeView
	if err := c.do(ctx, http.MethodGet, "/disputes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddEvidence(ctx context.Context, disputeID string, req dispute.EvidenceRequest) (*dispute.Evidence, error) {
	var out struct{ Evidence *dispute.Evidence }
	if err := c.do(ctx, http.MethodPost, "/disputes/"+url.PathEscape(disputeID)+"/evidence", req, &out); err != nil {
		return nil, err
	}
	return out.Evidence, nil
}

// AssignAdmin assigns adminID, or the caller when adminID is empty.
func (c *Client) AssignAdmin(ctx context.Context, disputeID, adminID string) (*dispute.Case, error) {
	var out struct{ Dispute *dispute.Case }
	body := map[string]string{"admin_id": adminID}
	if err := c.do(ctx, http.MethodPost, "/disputes/"+url.PathEscape(disputeID)+"/assign", body, &out); err != nil {
		return nil, err
	}
	return out.Dispute, nil
}

func (c *Client) UpdateDisputeStatus(ctx context.Context, disputeID string, status dispute.Status, notes string) (*dispute.Case, error) {
	var out struct{ Dispute *dispute.Case }
	body := map[string]string{"status": string(status), "admin_notes": notes}
	if err := c.do(ctx, http.MethodPut, "/disputes/"+url.PathEscape(disputeID)+"/status", body, &out); err != nil {
		return nil, err
	}
	return out.Dispute, nil
}

// Decide records a decision. A final one settles the linked escrow and the
// settled account is returned alongside it.
func (c *Client) Decide(ctx context.Context, disputeID string, req dispute.DecisionRequest) (*dispute.Decision, *escrow.Account, error) {
	var out struct {
		Decision *dispute.Decision
		Escrow   *escrow.Account
	}
	if err := c.do(ctx, http.MethodPost, "/disputes/"+url.PathEscape(disputeID)+"/decision", req, &out); err != nil {
		return nil, nil, err
	}
	return out.Decision, out.Escrow, nil
}

// Ledger returns an order's entries and whether they replay cleanly.
func (c *Client) Ledger(ctx context.Context, orderID string) (*settlement.LedgerView, error) {
	var out settlement.LedgerView
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID)+"/ledger", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- transport ---

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	attempt := func() error { return c.roundTrip(ctx, method, path, body, out) }
	if method != http.MethodGet {
		err := attempt()
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return c.ReadPolicy.Do(ctx, func() error {
		err := attempt()
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
