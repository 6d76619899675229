package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/logging"
)

// maxTokenTTL caps tokens minted over HTTP.
const maxTokenTTL = 30 * 24 * time.Hour

// Handler provides HTTP endpoints for identity inspection and token minting.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new auth handler
func NewHandler(i *Issuer) *Handler {
	return &Handler{issuer: i}
}

// RegisterRoutes mounts the auth endpoints. The group must already run
// Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", RequireAuth(), h.Me)
	r.POST("/auth/tokens", RequireRole(actor.RoleAdmin), h.CreateToken)
}

// Me returns the caller's identity.
func (h *Handler) Me(c *gin.Context) {
	a, _ := GetActor(c)
	c.JSON(http.StatusOK, gin.H{"actor": a})
}

// CreateTokenRequest is the request body for minting a token
type CreateTokenRequest struct {
	Subject string     `json:"subject" binding:"required"`
	Role    actor.Role `json:"role" binding:"required"`
	TTL     string     `json:"ttl"` // Go duration, e.g. "72h"
}

// CreateToken lets an admin mint a token for a store integration or a
// support tool.
func (h *Handler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ttl := DefaultTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > maxTokenTTL {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a positive duration of at most 720h"})
			return
		}
		ttl = d
	}

	token, err := h.issuer.Issue(actor.Actor{ID: req.Subject, Role: req.Role}, ttl)
	if errors.Is(err, actor.ErrInvalidRole) || errors.Is(err, ErrInvalidToken) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("mint token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	by, _ := GetActor(c)
	logging.L(c.Request.Context()).Info("token minted",
		"by", by.ID, "subject", req.Subject, "role", req.Role, "ttl", ttl.String())

	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"expiresIn": int64(ttl.Seconds()),
	})
}
