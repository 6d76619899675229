package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arbiter/internal/actor"
)

func setupRouter(t *testing.T, rate string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, err := New(rate)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Actor"); id != "" {
			c.Request = c.Request.WithContext(actor.WithActor(c.Request.Context(), actor.Actor{ID: id, Role: actor.RoleCustomer}))
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, ip, actorID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	if actorID != "" {
		req.Header.Set("X-Test-Actor", actorID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	r := setupRouter(t, "3-M")

	for i := 0; i < 3; i++ {
		if w := hit(r, "10.0.0.1", ""); w.Code != http.StatusOK {
			t.Errorf("Request %d should be allowed, got %d", i, w.Code)
		}
	}

	w := hit(r, "10.0.0.1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Request over the limit should be denied, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected remaining 0, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	r := setupRouter(t, "2-M")

	hit(r, "10.0.0.1", "")
	hit(r, "10.0.0.1", "")
	if w := hit(r, "10.0.0.1", ""); w.Code != http.StatusTooManyRequests {
		t.Error("Client A should be rate limited")
	}

	if w := hit(r, "10.0.0.2", ""); w.Code != http.StatusOK {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterKeysOnActor(t *testing.T) {
	r := setupRouter(t, "1-M")

	// Same IP, different actors: separate budgets.
	if w := hit(r, "10.0.0.1", "cust_1"); w.Code != http.StatusOK {
		t.Errorf("cust_1 first request should pass, got %d", w.Code)
	}
	if w := hit(r, "10.0.0.1", "cust_2"); w.Code != http.StatusOK {
		t.Errorf("cust_2 first request should pass, got %d", w.Code)
	}
	if w := hit(r, "10.0.0.9", "cust_1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("cust_1 should be limited from any IP, got %d", w.Code)
	}
}

func TestNew_BadRate(t *testing.T) {
	if _, err := New("lots"); err == nil {
		t.Error("Expected error for malformed rate")
	}
	if _, err := New(DefaultRate); err != nil {
		t.Errorf("Default rate should parse: %v", err)
	}
}
