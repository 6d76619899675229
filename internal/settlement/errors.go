package settlement

import (
	"errors"
	"net/http"

	"github.com/mbd888/arbiter/internal/dispute"
	"github.com/mbd888/arbiter/internal/escrow"
	"github.com/mbd888/arbiter/internal/orders"
	"github.com/mbd888/arbiter/internal/partial"
	"github.com/mbd888/arbiter/internal/validation"
)

var (
	ErrForbidden      = errors.New("actor is not permitted to perform this action")
	ErrInvalidRequest = errors.New("invalid request")
)

type errorClass struct {
	err    error
	status int
	reason string
}

// errorClasses maps every sentinel the coordinator can return to an HTTP
// status and a metric label. First match wins.
var errorClasses = []errorClass{
	{ErrForbidden, http.StatusForbidden, "forbidden"},

	{escrow.ErrEscrowNotFound, http.StatusNotFound, "not_found"},
	{partial.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
	{dispute.ErrDisputeNotFound, http.StatusNotFound, "not_found"},
	{dispute.ErrDecisionNotFound, http.StatusNotFound, "not_found"},
	{orders.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},

	{dispute.ErrEvidenceTooLarge, http.StatusRequestEntityTooLarge, "evidence_too_large"},
	{escrow.ErrAccountFrozen, http.StatusLocked, "frozen"},
	{orders.ErrLookupDisabled, http.StatusServiceUnavailable, "order_lookup_unavailable"},

	{ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{ErrActiveDisputeExists, http.StatusConflict, "dispute_in_progress"},
	{escrow.ErrEscrowExists, http.StatusConflict, "escrow_exists"},
	{ErrFinalDecisionExists, http.StatusConflict, "already_decided"},
	{escrow.ErrEscrowNotHeld, http.StatusConflict, "escrow_not_held"},
	{escrow.ErrDisputeWindowClosed, http.StatusConflict, "dispute_window_closed"},
	{escrow.ErrDisputeInProgress, http.StatusConflict, "dispute_in_progress"},
	{escrow.ErrNotDisputed, http.StatusConflict, "escrow_not_disputed"},
	{escrow.ErrAlreadyResolved, http.StatusConflict, "already_resolved"},
	{partial.ErrOverpaymentRejected, http.StatusConflict, "overpayment_rejected"},
	{partial.ErrNotPayable, http.StatusConflict, "not_payable"},
	{dispute.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{dispute.ErrDisputeClosed, http.StatusConflict, "dispute_closed"},
	{dispute.ErrDisputeNotInvestigating, http.StatusConflict, "dispute_not_investigating"},
	{dispute.ErrDecisionRequired, http.StatusConflict, "decision_required"},

	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{orders.ErrPartyMismatch, http.StatusBadRequest, "party_mismatch"},
	{escrow.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{escrow.ErrMissingParty, http.StatusBadRequest, "missing_party"},
	{escrow.ErrInvalidRefund, http.StatusBadRequest, "invalid_refund"},
	{escrow.ErrInvalidRuling, http.StatusBadRequest, "invalid_ruling"},
	{partial.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{partial.ErrInvalidPercentage, http.StatusBadRequest, "invalid_percentage"},
	{partial.ErrMissingParty, http.StatusBadRequest, "missing_party"},
	{dispute.ErrMissingFields, http.StatusBadRequest, "missing_fields"},
	{dispute.ErrInvalidType, http.StatusBadRequest, "invalid_type"},
	{dispute.ErrInvalidPriority, http.StatusBadRequest, "invalid_priority"},
	{dispute.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{dispute.ErrInvalidDecision, http.StatusBadRequest, "invalid_decision"},
	{dispute.ErrInvalidEvidence, http.StatusBadRequest, "invalid_evidence"},
}

// classify returns the HTTP status and metric reason for err.
func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.reason
		}
	}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "validation"
	}
	return http.StatusInternalServerError, "internal"
}

// IsConflict reports whether err is a business-rule or concurrency conflict.
func IsConflict(err error) bool {
	status, _ := classify(err)
	return status == http.StatusConflict
}
