package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arbiter/internal/actor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *Issuer) {
	t.Helper()
	i := newTestIssuer(t)
	r := gin.New()
	r.Use(Middleware(i))
	r.GET("/open", func(c *gin.Context) {
		a, ok := actor.From(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"authenticated": ok, "id": a.ID})
	})
	r.GET("/private", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/admin", RequireRole(actor.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	NewHandler(i).RegisterRoutes(r.Group("/v1"))
	return r, i
}

func token(t *testing.T, i *Issuer, a actor.Actor) string {
	t.Helper()
	tok, err := i.Issue(a, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return "Bearer " + tok
}

func serve(r *gin.Engine, method, path, authz string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- Middleware() ---

func TestMiddleware_ValidToken_SetsActor(t *testing.T) {
	r, i := setupRouter(t)

	w := serve(r, "GET", "/open", token(t, i, actor.Actor{ID: "cust_1", Role: actor.RoleCustomer}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body struct {
		Authenticated bool   `json:"authenticated"`
		ID            string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if !body.Authenticated || body.ID != "cust_1" {
		t.Errorf("Expected actor cust_1 on request context, got %+v", body)
	}
}

func TestMiddleware_NoToken_PassesThrough(t *testing.T) {
	r, _ := setupRouter(t)

	w := serve(r, "GET", "/open", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"authenticated":false`)) {
		t.Errorf("Expected unauthenticated request, got %s", w.Body.String())
	}
}

func TestMiddleware_BadToken_Rejected(t *testing.T) {
	r, _ := setupRouter(t)

	for _, authz := range []string{"Bearer not-a-jwt", "Bearer "} {
		w := serve(r, "GET", "/open", authz, nil)
		if authz == "Bearer " {
			// An empty credential is treated as absent.
			if w.Code != http.StatusOK {
				t.Errorf("Expected 200 for empty bearer, got %d", w.Code)
			}
			continue
		}
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 for %q, got %d", authz, w.Code)
		}
	}
}

func TestMiddleware_OtherScheme_Ignored(t *testing.T) {
	r, _ := setupRouter(t)

	w := serve(r, "GET", "/private", "Basic dXNlcjpwYXNz", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 from RequireAuth, got %d", w.Code)
	}
}

// --- RequireAuth() / RequireRole() ---

func TestRequireAuth(t *testing.T) {
	r, i := setupRouter(t)

	if w := serve(r, "GET", "/private", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w := serve(r, "GET", "/private", token(t, i, actor.Actor{ID: "store_1", Role: actor.RoleStore}), nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r, i := setupRouter(t)

	if w := serve(r, "GET", "/admin", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w := serve(r, "GET", "/admin", token(t, i, actor.Actor{ID: "cust_1", Role: actor.RoleCustomer}), nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
	if w := serve(r, "GET", "/admin", token(t, i, actor.Actor{ID: "admin_1", Role: actor.RoleAdmin}), nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// --- Handler ---

func TestHandler_Me(t *testing.T) {
	r, i := setupRouter(t)

	w := serve(r, "GET", "/v1/auth/me", token(t, i, actor.Actor{ID: "store_1", Role: actor.RoleStore}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"role":"store"`)) {
		t.Errorf("Expected store role in body, got %s", w.Body.String())
	}
}

func TestHandler_CreateToken(t *testing.T) {
	r, i := setupRouter(t)
	adminAuth := token(t, i, actor.Actor{ID: "admin_1", Role: actor.RoleAdmin})

	w := serve(r, "POST", "/v1/auth/tokens", token(t, i, actor.Actor{ID: "store_1", Role: actor.RoleStore}),
		gin.H{"subject": "store_2", "role": "store"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}

	w = serve(r, "POST", "/v1/auth/tokens", adminAuth, gin.H{"subject": "store_2", "role": "system"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for system role, got %d", w.Code)
	}

	w = serve(r, "POST", "/v1/auth/tokens", adminAuth, gin.H{"subject": "store_2", "role": "store", "ttl": "9000h"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized ttl, got %d", w.Code)
	}

	w = serve(r, "POST", "/v1/auth/tokens", adminAuth, gin.H{"subject": "store_2", "role": "store", "ttl": "2h"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.ExpiresIn != 7200 {
		t.Errorf("Expected expiresIn 7200, got %d", body.ExpiresIn)
	}
	a, err := i.Parse(body.Token)
	if err != nil || a.ID != "store_2" || a.Role != actor.RoleStore {
		t.Errorf("Expected minted token for store_2, got %+v (%v)", a, err)
	}
}
