package settlement

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/partial"
	"github.com/mbd888/arbiter/internal/validation"
)

// Handler provides the payments, disputes and ledger endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the routes. Every route needs an authenticated
// actor in the request context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "order_id")

	r.POST("/payments/partial", h.OpenPartial)
	r.GET("/payments/partial/:id", ids, h.GetPartial)
	r.POST("/payments/partial/:id/installments", ids, h.RecordInstallment)

	r.POST("/payments/escrow", h.OpenEscrow)
	r.GET("/payments/escrow/:id", ids, h.GetEscrow)
	r.PUT("/payments/escrow/:id/release", ids, h.Release)
	r.POST("/payments/escrow/:id/dispute", ids, h.OpenDispute)
	r.POST("/payments/escrow/:id/resolve", ids, h.ResolveEscrow)

	r.POST("/disputes", h.CreateDispute)
	r.GET("/disputes/:id", ids, h.GetDispute)
	r.POST("/disputes/:id/evidence", ids, h.AddEvidence)
	r.POST("/disputes/:id/assign", ids, h.AssignAdmin)
	r.PUT("/disputes/:id/status", ids, h.UpdateStatus)
	r.POST("/disputes/:id/decision", ids, h.Decide)

	r.GET("/orders/:order_id/ledger", ids, h.Ledger)
}

// OpenPartial handles POST /v1/payments/partial
func (h *Handler) OpenPartial(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req partial.OpenRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.Required("customer_id", req.CustomerID),
		validation.Required("store_id", req.StoreID),
		validation.ID("order_id", req.OrderID),
		validation.ID("customer_id", req.CustomerID),
		validation.ID("store_id", req.StoreID),
		validation.Positive("total_amount", req.TotalAmount),
		validation.Between("percentage", int64(req.Percentage), 1, 99),
	); err != nil {
		fail(c, err)
		return
	}

	p, err := h.service.OpenPartial(c.Request.Context(), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPartial handles GET /v1/payments/partial/:id
func (h *Handler) GetPartial(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	p, err := h.service.GetPartial(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

type installmentRequest struct {
	Amount int64 `json:"amount"`
}

// RecordInstallment handles POST /v1/payments/partial/:id/installments
func (h *Handler) RecordInstallment(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req installmentRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(validation.Positive("amount", req.Amount)); err != nil {
		fail(c, err)
		return
	}

	p, err := h.service.RecordInstallment(c.Request.Context(), c.Param("id"), req.Amount, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// OpenEscrow handles POST /v1/payments/escrow
func (h *Handler) OpenEscrow(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req escrow.OpenRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.Required("customer_id", req.CustomerID),
		validation.Required("store_id", req.StoreID),
		validation.ID("order_id", req.OrderID),
		validation.ID("customer_id", req.CustomerID),
		validation.ID("store_id", req.StoreID),
		validation.Positive("amount", req.Amount),
		validation.MaxLength("release_conditions", req.ReleaseConditions, validation.MaxStringLength),
	); err != nil {
		fail(c, err)
		return
	}

	a, err := h.service.OpenEscrow(c.Request.Context(), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": a})
}

// GetEscrow handles GET /v1/payments/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	a, err := h.service.GetEscrow(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": a})
}

type releaseRequest struct {
	Notes string `json:"notes"`
}

// Release handles PUT /v1/payments/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req releaseRequest
	if !bind(c, &req, true) {
		return
	}

	a, err := h.service.Release(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Notes, validation.MaxStringLength), by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": a})
}

// OpenDispute handles POST /v1/payments/escrow/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req OpenDisputeRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
		validation.OneOf("dispute_type", req.Type, disputeTypes...),
		validation.OneOf("priority", req.Priority, priorities...),
	); err != nil {
		fail(c, err)
		return
	}

	a, d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": a, "dispute": d})
}

type resolveRequest struct {
	DisputeID string `json:"dispute_id"`
}

// ResolveEscrow handles POST /v1/payments/escrow/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("dispute_id", req.DisputeID),
		validation.ID("dispute_id", req.DisputeID),
	); err != nil {
		fail(c, err)
		return
	}

	a, err := h.service.ResolveEscrow(c.Request.Context(), c.Param("id"), req.DisputeID, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": a})
}

var (
	disputeTypes = []dispute.Type{dispute.TypeDelivery, dispute.TypeQuality, dispute.TypeService, dispute.TypePayment, dispute.TypeOther}
	priorities   = []dispute.Priority{dispute.PriorityLow, dispute.PriorityMedium, dispute.PriorityHigh, dispute.PriorityUrgent}
	statuses     = []dispute.Status{dispute.StatusOpen, dispute.StatusInvestigating, dispute.StatusResolved, dispute.StatusEscalated, dispute.StatusClosed}
	evidenceKind = []dispute.EvidenceKind{dispute.EvidenceImage, dispute.EvidenceDocument, dispute.EvidenceVideo, dispute.EvidenceAudio, dispute.EvidenceOther}
	decisionType = []dispute.DecisionType{dispute.DecisionCustomerWins, dispute.DecisionStoreWins, dispute.DecisionPartialCustomer, dispute.DecisionPartialStore, dispute.DecisionNoFault}
)

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req dispute.CreateRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.Required("customer_id", req.CustomerID),
		validation.Required("store_id", req.StoreID),
		validation.Required("dispute_type", string(req.Type)),
		validation.Required("subject", req.Subject),
		validation.Required("description", req.Description),
		validation.ID("order_id", req.OrderID),
		validation.ID("escrow_payment_id", req.EscrowPaymentID),
		validation.OneOf("dispute_type", req.Type, disputeTypes...),
		validation.OneOf("priority", req.Priority, priorities...),
		validation.MaxLength("subject", req.Subject, 500),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); err != nil {
		fail(c, err)
		return
	}

	d, err := h.service.CreateDispute(c.Request.Context(), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	view, err := h.service.GetDispute(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req dispute.EvidenceRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("evidence_type", string(req.Kind)),
		validation.Required("file_url", req.FileURL),
		validation.Required("file_name", req.FileName),
		validation.OneOf("evidence_type", req.Kind, evidenceKind...),
		validation.NonNegative("file_size", req.FileSize),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); err != nil {
		fail(c, err)
		return
	}

	ev, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

type assignRequest struct {
	AdminID string `json:"admin_id"`
}

// AssignAdmin handles POST /v1/disputes/:id/assign
func (h *Handler) AssignAdmin(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req assignRequest
	if !bind(c, &req, true) {
		return
	}
	if err := validation.Validate(validation.ID("admin_id", req.AdminID)); err != nil {
		fail(c, err)
		return
	}

	d, err := h.service.AssignAdmin(c.Request.Context(), c.Param("id"), req.AdminID, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type statusRequest struct {
	Status     dispute.Status `json:"status"`
	AdminNotes string         `json:"admin_notes"`
}

// UpdateStatus handles PUT /v1/disputes/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req statusRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("status", string(req.Status)),
		validation.OneOf("status", req.Status, statuses...),
		validation.MaxLength("admin_notes", req.AdminNotes, validation.MaxStringLength),
	); err != nil {
		fail(c, err)
		return
	}

	d, err := h.service.UpdateDisputeStatus(c.Request.Context(), c.Param("id"), req.Status, req.AdminNotes, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Decide handles POST /v1/disputes/:id/decision
func (h *Handler) Decide(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	var req dispute.DecisionRequest
	if !bind(c, &req, false) {
		return
	}
	if err := validation.Validate(
		validation.Required("decision_type", string(req.Type)),
		validation.Required("decision_reason", req.Reason),
		validation.OneOf("decision_type", req.Type, decisionType...),
		validation.NonNegative("customer_penalty", req.CustomerPenalty),
		validation.NonNegative("store_penalty", req.StorePenalty),
		validation.NonNegative("refund_amount", req.RefundAmount),
	); err != nil {
		fail(c, err)
		return
	}

	d, a, err := h.service.Decide(c.Request.Context(), c.Param("id"), req, by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d, "escrow": a})
}

// Ledger handles GET /v1/orders/:order_id/ledger
func (h *Handler) Ledger(c *gin.Context) {
	by, ok := caller(c)
	if !ok {
		return
	}
	view, err := h.service.Ledger(c.Request.Context(), c.Param("order_id"), by)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// caller returns the authenticated actor or writes a 401.
func caller(c *gin.Context) (actor.Actor, bool) {
	by, ok := actor.From(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return actor.Actor{}, false
	}
	return by, true
}

// bind decodes the JSON body into dst. With optional set, an empty body is
// accepted.
func bind(c *gin.Context, dst any, optional bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
	return false
}

// fail writes err with the status its class maps to. Internal errors are
// logged and never echoed.
func fail(c *gin.Context, err error) {
	status, reason := classify(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	if status == http.StatusServiceUnavailable || status == http.StatusLocked {
		logging.L(c.Request.Context()).Warn("request refused", "path", c.FullPath(), "reason", reason, "error", err)
	}
	if status == http.StatusConflict {
		logging.L(c.Request.Context()).Info("request conflict", "path", c.FullPath(), "reason", reason, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
