package settlement

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/validation"
)

type testAPI struct {
	t      *testing.T
	router *gin.Engine
}

// newTestAPI mounts the handler behind a middleware that takes the caller
// from X-Test-Actor and X-Test-Role headers.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, _, _ := newTestService(t)

	r := gin.New()
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Actor"); id != "" {
			by := actor.Actor{ID: id, Role: actor.Role(c.GetHeader("X-Test-Role"))}
			c.Request = c.Request.WithContext(actor.WithActor(c.Request.Context(), by))
		}
		c.Next()
	})
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return &testAPI{t: t, router: r}
}

func (api *testAPI) do(method, path string, by *actor.Actor, body any) *httptest.ResponseRecorder {
	api.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(api.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if by != nil {
		req.Header.Set("X-Test-Actor", by.ID)
		req.Header.Set("X-Test-Role", string(by.Role))
	}
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (api *testAPI) openEscrow(amount int64) string {
	api.t.Helper()
	w := api.do("POST", "/v1/payments/escrow", &customer, map[string]any{
		"order_id":    "ord_1",
		"customer_id": customer.ID,
		"store_id":    seller.ID,
		"amount":      amount,
	})
	require.Equal(api.t, http.StatusCreated, w.Code, w.Body.String())
	return decode(api.t, w)["payment"].(map[string]any)["id"].(string)
}

func TestHandler_RequiresActor(t *testing.T) {
	api := newTestAPI(t)
	w := api.do("POST", "/v1/payments/escrow", nil, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_EscrowLifecycle(t *testing.T) {
	api := newTestAPI(t)
	id := api.openEscrow(10000)

	w := api.do("GET", "/v1/payments/escrow/"+id, &seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "held", decode(t, w)["payment"].(map[string]any)["status"])

	w = api.do("GET", "/v1/payments/escrow/"+id, &stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do("PUT", "/v1/payments/escrow/"+id+"/release", &customer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "released", decode(t, w)["payment"].(map[string]any)["status"])

	w = api.do("PUT", "/v1/payments/escrow/"+id+"/release", &customer, map[string]any{"notes": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do("GET", "/v1/orders/ord_1/ledger", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["verified"])
	assert.Len(t, body["entries"], 2)

	w = api.do("GET", "/v1/orders/ord_1/ledger", &customer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_OpenEscrowTwiceForOrder(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	api := newTestAPI(t)
	api.openEscrow(3000)

	w := api.do("POST", "/v1/payments/escrow", &customer, map[string]any{
		"order_id":    "ord_1",
		"customer_id": customer.ID,
		"store_id":    seller.ID,
		"amount":      3000,
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["error"], "already has an escrow")
	assert.Contains(t, logs.String(), `"msg":"request conflict"`)
	assert.Contains(t, logs.String(), `"reason":"escrow_exists"`)
}

func TestHandler_OpenEscrowValidation(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"amount":`, http.StatusBadRequest},
		{"zero amount", map[string]any{"order_id": "ord_1", "customer_id": customer.ID, "store_id": seller.ID, "amount": 0}, http.StatusBadRequest},
		{"missing store", map[string]any{"order_id": "ord_1", "customer_id": customer.ID, "amount": 10}, http.StatusBadRequest},
		{"bad id", map[string]any{"order_id": "ord 1", "customer_id": customer.ID, "store_id": seller.ID, "amount": 10}, http.StatusBadRequest},
		{"someone else's payment", map[string]any{"order_id": "ord_1", "customer_id": "cust_9", "store_id": seller.ID, "amount": 10}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do("POST", "/v1/payments/escrow", &customer, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, decode(t, w), "error")
		})
	}
}

func TestHandler_DisputeFlow(t *testing.T) {
	api := newTestAPI(t)
	id := api.openEscrow(5000)

	w := api.do("POST", "/v1/payments/escrow/"+id+"/dispute", &customer, map[string]any{"reason": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("POST", "/v1/payments/escrow/"+id+"/dispute", &customer, map[string]any{"reason": "x", "priority": "whenever"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("POST", "/v1/payments/escrow/"+id+"/dispute", &customer, map[string]any{"reason": "not delivered", "dispute_type": "delivery"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "disputed", body["payment"].(map[string]any)["status"])
	disputeID := body["dispute"].(map[string]any)["id"].(string)

	w = api.do("POST", "/v1/payments/escrow/"+id+"/dispute", &seller, map[string]any{"reason": "me too"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do("POST", "/v1/disputes/"+disputeID+"/evidence", &seller, map[string]any{
		"evidence_type": "image",
		"file_url":      "https://files.example/pod.jpg",
		"file_name":     "pod.jpg",
		"file_size":     2048,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do("POST", "/v1/disputes/"+disputeID+"/evidence", &seller, map[string]any{
		"evidence_type": "video",
		"file_url":      "https://files.example/huge.mp4",
		"file_name":     "huge.mp4",
		"file_size":     1 << 40,
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = api.do("POST", "/v1/disputes/"+disputeID+"/assign", &customer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do("POST", "/v1/disputes/"+disputeID+"/assign", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "investigating", decode(t, w)["dispute"].(map[string]any)["status"])

	w = api.do("PUT", "/v1/disputes/"+disputeID+"/status", &admin, map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do("POST", "/v1/disputes/"+disputeID+"/decision", &admin, map[string]any{
		"decision_type":   "partial_customer",
		"decision_reason": "half the order arrived",
		"refund_amount":   2500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, "refunded", body["escrow"].(map[string]any)["status"])
	assert.Equal(t, true, body["decision"].(map[string]any)["isFinal"])

	w = api.do("POST", "/v1/payments/escrow/"+id+"/resolve", &admin, map[string]any{"dispute_id": disputeID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do("GET", "/v1/disputes/"+disputeID, &customer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["evidence"], 1)
	assert.NotNil(t, body["decision"])

	w = api.do("PUT", "/v1/disputes/"+disputeID+"/status", &admin, map[string]any{"status": "closed"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_PartialPayment(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("POST", "/v1/payments/partial", &customer, map[string]any{
		"order_id": "ord_2", "customer_id": customer.ID, "store_id": seller.ID,
		"total_amount": 20000, "percentage": 100,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("POST", "/v1/payments/partial", &customer, map[string]any{
		"order_id": "ord_2", "customer_id": customer.ID, "store_id": seller.ID,
		"total_amount": 20000, "percentage": 40,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode(t, w)["payment"].(map[string]any)
	id := p["id"].(string)
	assert.EqualValues(t, 8000, p["paidAmount"])

	w = api.do("POST", "/v1/payments/partial/"+id+"/installments", &customer, map[string]any{"amount": 13000})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do("POST", "/v1/payments/partial/"+id+"/installments", &customer, map[string]any{"amount": 12000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["payment"].(map[string]any)["status"])

	w = api.do("GET", "/v1/payments/partial/"+id, &seller, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_CreateDispute(t *testing.T) {
	api := newTestAPI(t)

	w := api.do("POST", "/v1/disputes", &customer, map[string]any{
		"order_id": "ord_3", "customer_id": customer.ID, "store_id": seller.ID,
		"dispute_type": "refund_please", "subject": "s", "description": "d",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("POST", "/v1/disputes", &customer, map[string]any{
		"order_id": "ord_3", "customer_id": customer.ID, "store_id": seller.ID,
		"dispute_type": "quality", "subject": "scratched", "description": "screen scratched on arrival",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "open", decode(t, w)["dispute"].(map[string]any)["status"])
}

func TestHandler_MalformedID(t *testing.T) {
	api := newTestAPI(t)
	w := api.do("GET", "/v1/disputes/bad%20id", &admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do("GET", "/v1/disputes/dsp_missing", &admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
