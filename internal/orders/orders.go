// Package orders is the engine's read-only view of the order catalog. The
// checkout system owns orders; the engine only confirms that an order
// exists and that the parties on a payment or dispute match it.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/metrics"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrPartyMismatch  = errors.New("customer or store does not match the order")
	ErrLookupDisabled = errors.New("order lookup unavailable")
)

// Order is the subset of an order the engine checks against.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	StoreID    string `json:"storeId"`
	Total      int64  `json:"total"`
	Status     string `json:"status"`
}

// Lookup fetches an order by id.
type Lookup interface {
	Get(ctx context.Context, orderID string) (*Order, error)
}

// CheckParties returns ErrPartyMismatch unless customerID and storeID are
// the order's parties.
func (o *Order) CheckParties(customerID, storeID string) error {
	if o.CustomerID != customerID || o.StoreID != storeID {
		return fmt.Errorf("%w: order %s", ErrPartyMismatch, o.ID)
	}
	return nil
}

// HTTPLookup reads orders from the checkout service:
//
//	GET {baseURL}/orders/{id} → 200 {"id":..., "customerId":..., "storeId":...}
type HTTPLookup struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPLookup creates a lookup against baseURL.
func NewHTTPLookup(baseURL string) *HTTPLookup {
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithHTTPClient replaces the default client.
func (l *HTTPLookup) WithHTTPClient(c *http.Client) *HTTPLookup {
	l.client = c
	return l
}

// Get returns ErrOrderNotFound for a 404 and wraps ErrLookupDisabled for
// transport failures, 5xx responses and an open circuit.
func (l *HTTPLookup) Get(ctx context.Context, orderID string) (*Order, error) {
	var order *Order
	err := l.breaker.Do("orders", func() error {
		o, err := l.fetch(ctx, orderID)
		order = o
		return err
	}, func(err error) bool { return !errors.Is(err, ErrOrderNotFound) })

	switch {
	case err == nil:
		return order, nil
	case errors.Is(err, ErrOrderNotFound):
		return nil, err
	default:
		metrics.CollaboratorFailuresTotal.WithLabelValues("orders").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLookupDisabled, err)
	}
}

func (l *HTTPLookup) fetch(ctx context.Context, orderID string) (*Order, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("order service returned %d", resp.StatusCode)
	}

	var o Order
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if o.ID == "" {
		o.ID = orderID
	}
	return &o, nil
}

// Static is a fixed catalog for tests and demo mode.
type Static map[string]*Order

func (s Static) Get(_ context.Context, orderID string) (*Order, error) {
	o, ok := s[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

var (
	_ Lookup = (*HTTPLookup)(nil)
	_ Lookup = Static(nil)
)
