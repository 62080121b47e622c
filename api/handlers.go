/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to settlement.Engine with the
  authenticated caller as an explicit Actor.

ENDPOINTS:
  Bookings (any authenticated caller, ownership enforced by the engine):
    POST   /booking                              Create booking
    GET    /booking/{id}                         Get booking
    POST   /booking/{id}/cancel                  Cancel booking
    POST   /booking/{id}/refund                  Open refund request
    GET    /booking/{id}/can-refund              Refund eligibility
    GET    /booking/refund-requests/my           Caller's refund requests
    POST   /booking/refund-requests/{id}/appeal  Appeal a rejection

  Admin refunds:
    GET    /admin/refund-requests                List (status, searchTerm, startDate, endDate)
    GET    /admin/refund-requests/{id}/qr        Transfer QR for a refund
    POST   /admin/refund-requests/{bookingId}/confirm
    POST   /admin/refund-requests/{bookingId}/refund   Automatic refund
    POST   /admin/refund-requests/{refundRequestId}/reject

  Admin bookings:
    POST   /admin/bookings/{id}/confirm
    POST   /admin/bookings/{id}/complete
    GET    /admin/bookings/{id}/history

  Host payouts:
    GET    /host/payout/pending
    GET    /host/payout/paid                     (fromDate, toDate)
    POST   /host/payout/process/{bookingId}

  Admin payouts:
    GET    /admin/payouts/pending                (hostId)
    GET    /admin/payouts/paid                   (hostId, fromDate, toDate)
    GET    /admin/payouts/rejected               (hostId, fromDate, toDate)
    POST   /admin/payouts/process-all
    POST   /admin/payouts/{bookingId}/confirm
    POST   /admin/payouts/{bookingId}/reject
    GET    /admin/payouts/{bookingId}/qr

REQUEST FLOW:
  1. Resolve the caller (identity.go middleware)
  2. Decode and validate input (ingest.go)
  3. Call the engine
  4. Serialize response in the {success, data, message} envelope
  5. Map errors to status codes (respondError)

ERROR HANDLING:
  - 400: Validation errors, not eligible
  - 401: Missing or invalid token
  - 403: Caller may not perform the action
  - 404: Unknown booking, refund request or payout
  - 409: Invalid state transition, appeal limit reached, duplicate id
  - 502: Settlement rail failure (ledger unchanged, safe to retry)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *settlement.Engine
	Logger *zap.Logger

	// Resetter wipes the ledger before a scenario loads. Nil disables
	// scenario loading.
	Resetter Resetter

	mu              sync.Mutex
	currentScenario string
}

// Resetter is implemented by stores that can be wiped for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *settlement.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{Engine: engine, Logger: logger}
	if r, ok := engine.Store().(Resetter); ok {
		h.Resetter = r
	}
	return h
}

func (h *Handler) actor(r *http.Request) settlement.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking creates a pending booking.
// POST /booking
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	start, err := parseDate("startDate", req.StartDate)
	if err != nil {
		respondError(w, err)
		return
	}
	end, err := parseDate("endDate", req.EndDate)
	if err != nil {
		respondError(w, err)
		return
	}

	b, err := h.Engine.CreateBooking(r.Context(), h.actor(r), settlement.NewBooking{
		ID:         settlement.BookingID(req.ID),
		TenantID:   settlement.UserID(req.TenantID),
		HostID:     settlement.UserID(req.HostID),
		ListingID:  req.ListingID,
		StartDate:  *start,
		EndDate:    *end,
		TotalPrice: req.TotalPrice,
		Currency:   req.Currency,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusCreated, toBookingDTO(*b), "Booking created")
}

// GetBooking returns one booking visible to the caller.
// GET /booking/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.GetBooking(r.Context(), h.actor(r), bookingParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toBookingDTO(*b), "")
}

// CancelBooking cancels a pending or confirmed booking.
// POST /booking/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.CancelBooking(r.Context(), h.actor(r), bookingParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toBookingDTO(*b), "Booking cancelled")
}

// CanRefund reports whether the booking accepts a new refund request.
// GET /booking/{id}/can-refund
func (h *Handler) CanRefund(w http.ResponseWriter, r *http.Request) {
	id := bookingParam(r, "id")
	if _, err := h.Engine.GetBooking(r.Context(), h.actor(r), id); err != nil {
		respondError(w, err)
		return
	}
	ok, reason, err := h.Engine.CanRefund(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, CanRefundDTO{CanRefund: ok, Message: reason}, "")
}

// =============================================================================
// REFUND REQUEST HANDLERS
// =============================================================================

// RequestRefund opens the booking's refund request.
// POST /booking/{id}/refund
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	bank := &settlement.BankAccount{
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountHolder: req.AccountHolder,
	}

	rr, err := h.Engine.CreateRefundRequest(r.Context(), h.actor(r), bookingParam(r, "id"), req.Reason, bank)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusCreated, CreateRefundResponse{
		RefundRequest: toRefundRequestDTO(*rr),
		BankInfo:      toBankInfoDTO(rr.Bank),
	}, "Refund request submitted")
}

// MyRefundRequests lists the caller's refund requests.
// GET /booking/refund-requests/my
func (h *Handler) MyRefundRequests(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.MyRefundRequests(r.Context(), h.actor(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toRefundRequestDTOs(items), "")
}

// AppealRefundRequest appeals a rejected refund request.
// POST /booking/refund-requests/{id}/appeal
func (h *Handler) AppealRefundRequest(w http.ResponseWriter, r *http.Request) {
	var req AppealRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	rr, err := h.Engine.AppealRefundRequest(r.Context(), h.actor(r), refundParam(r, "id"), req.AppealReason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toRefundRequestDTO(*rr), "Appeal submitted")
}

// ListRefundRequests is the admin refund queue.
// GET /admin/refund-requests?status=&searchTerm=&startDate=&endDate=
func (h *Handler) ListRefundRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseOptionalDate("startDate", q.Get("startDate"))
	if err != nil {
		respondError(w, err)
		return
	}
	to, err := parseOptionalDate("endDate", q.Get("endDate"))
	if err != nil {
		respondError(w, err)
		return
	}
	status := settlement.RefundStatus(strings.ToLower(strings.TrimSpace(q.Get("status"))))
	switch status {
	case "", settlement.RefundPending, settlement.RefundRejected, settlement.RefundAppealed, settlement.RefundCompleted:
	default:
		respondError(w, &settlement.ValidationError{Field: "status", Message: "unknown refund status " + string(status)})
		return
	}

	items, err := h.Engine.ListRefundRequests(r.Context(), h.actor(r), settlement.RefundQuery{
		Status: status,
		Search: q.Get("searchTerm"),
		From:   from,
		To:     to,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toRefundRequestDTOs(items), "")
}

// RefundQR renders a transfer QR paying the refund to the customer.
// GET /admin/refund-requests/{id}/qr
func (h *Handler) RefundQR(w http.ResponseWriter, r *http.Request) {
	url, err := h.Engine.TransferQR(r.Context(), h.actor(r), refundParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, QRCodeDTO{QRCodeURL: url}, "")
}

// ConfirmRefund settles the booking's open refund request.
// POST /admin/refund-requests/{bookingId}/confirm
func (h *Handler) ConfirmRefund(w http.ResponseWriter, r *http.Request) {
	rr, err := h.Engine.ConfirmRefundRequest(r.Context(), h.actor(r), bookingParam(r, "bookingId"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toRefundRequestDTO(*rr), "Refund completed")
}

// AutoRefund refunds a booking, opening a request if none exists.
// POST /admin/refund-requests/{bookingId}/refund
func (h *Handler) AutoRefund(w http.ResponseWriter, r *http.Request) {
	var req AutoRefundRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	out, err := h.Engine.RefundBooking(r.Context(), h.actor(r), bookingParam(r, "bookingId"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	dto := RefundOutcomeDTO{RefundRequest: toRefundRequestDTO(*out.Request), Degraded: out.Degraded}
	message := "Refund completed"
	if out.Degraded {
		dto.GatewayError = out.GatewayErr.Error()
		message = "Gateway unavailable, refund queued for manual handling"
		h.Logger.Warn("automatic refund degraded",
			zap.String("booking_id", string(out.Request.BookingID)), zap.Error(out.GatewayErr))
	}
	writeData(w, http.StatusOK, dto, message)
}

// RejectRefund rejects a pending refund request.
// POST /admin/refund-requests/{refundRequestId}/reject
func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	rr, err := h.Engine.RejectRefundRequest(r.Context(), h.actor(r), refundParam(r, "refundRequestId"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toRefundRequestDTO(*rr), "Refund request rejected")
}

// =============================================================================
// ADMIN BOOKING HANDLERS
// =============================================================================

// ConfirmBooking moves a pending booking to confirmed.
// POST /admin/bookings/{id}/confirm
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.ConfirmBooking(r.Context(), h.actor(r), bookingParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toBookingDTO(*b), "Booking confirmed")
}

// CompleteBooking marks an ended stay completed.
// POST /admin/bookings/{id}/complete
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.MarkCompleted(r.Context(), h.actor(r), bookingParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toBookingDTO(*b), "Booking completed")
}

// BookingHistory returns the booking's audit trail.
// GET /admin/bookings/{id}/history
func (h *Handler) BookingHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.BookingHistory(r.Context(), h.actor(r), bookingParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toAuditEntryDTOs(entries), "")
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// PendingPayouts lists payouts ready for release. Hosts see their own;
// admins may filter by hostId.
// GET /host/payout/pending, GET /admin/payouts/pending
func (h *Handler) PendingPayouts(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.ListPending(r.Context(), h.actor(r), settlement.UserID(r.URL.Query().Get("hostId")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toPendingPayoutDTOs(items), "")
}

// PaidPayouts lists released payouts.
// GET /host/payout/paid, GET /admin/payouts/paid
func (h *Handler) PaidPayouts(w http.ResponseWriter, r *http.Request) {
	h.payoutHistory(w, r, h.Engine.ListPaid)
}

// RejectedPayouts lists rejected payouts.
// GET /admin/payouts/rejected
func (h *Handler) RejectedPayouts(w http.ResponseWriter, r *http.Request) {
	h.payoutHistory(w, r, h.Engine.ListRejected)
}

type historyFunc func(ctx context.Context, actor settlement.Actor, hostID settlement.UserID, from, to *time.Time) ([]settlement.PayoutRecord, error)

func (h *Handler) payoutHistory(w http.ResponseWriter, r *http.Request, list historyFunc) {
	q := r.URL.Query()
	from, err := parseOptionalDate("fromDate", q.Get("fromDate"))
	if err != nil {
		respondError(w, err)
		return
	}
	to, err := parseOptionalDate("toDate", q.Get("toDate"))
	if err != nil {
		respondError(w, err)
		return
	}
	items, err := list(r.Context(), h.actor(r), settlement.UserID(q.Get("hostId")), from, to)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toPayoutDTOs(items), "")
}

// ProcessPayout releases one booking's payout.
// POST /host/payout/process/{bookingId}, POST /admin/payouts/{bookingId}/confirm
func (h *Handler) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.ProcessPayout(r.Context(), h.actor(r), bookingParam(r, "bookingId"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toPayoutDTO(*rec), "Payout processed")
}

// ProcessAllPayouts pays every pending payout.
// POST /admin/payouts/process-all
func (h *Handler) ProcessAllPayouts(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.ProcessAllPending(r.Context(), h.actor(r))
	if result == nil {
		respondError(w, err)
		return
	}
	if err != nil {
		// Partial batch: the request was cancelled mid-way.
		h.Logger.Warn("payout batch interrupted", zap.Error(err))
	}
	writeData(w, http.StatusOK, toBatchResultDTO(result), "Payout batch finished")
}

// RejectPayout blocks a booking's payout.
// POST /admin/payouts/{bookingId}/reject
func (h *Handler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	rec, err := h.Engine.RejectPayout(r.Context(), h.actor(r), bookingParam(r, "bookingId"), req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, toPayoutDTO(*rec), "Payout rejected")
}

// PayoutQR renders a transfer QR paying the host's default wallet.
// GET /admin/payouts/{bookingId}/qr
func (h *Handler) PayoutQR(w http.ResponseWriter, r *http.Request) {
	url, err := h.Engine.PayoutQR(r.Context(), h.actor(r), bookingParam(r, "bookingId"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, QRCodeDTO{QRCodeURL: url}, "")
}

// =============================================================================
// HELPERS
// =============================================================================

func bookingParam(r *http.Request, name string) settlement.BookingID {
	return settlement.BookingID(strings.TrimSpace(chi.URLParam(r, name)))
}

func refundParam(r *http.Request, name string) settlement.RefundRequestID {
	return settlement.RefundRequestID(strings.TrimSpace(chi.URLParam(r, name)))
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano}

func parseDate(field, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &settlement.ValidationError{Field: field, Message: "must be YYYY-MM-DD or RFC3339"}
}

func parseOptionalDate(field, value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseDate(field, value)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, Envelope{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := Envelope{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondError maps settlement errors onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, settlement.ErrNotEligible):
		writeError(w, http.StatusBadRequest, "Not eligible", err)
	case errors.Is(err, settlement.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.Is(err, settlement.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, settlement.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "Invalid state transition", err)
	case errors.Is(err, settlement.ErrAttemptLimitExceeded):
		writeError(w, http.StatusConflict, "Appeal limit reached", err)
	case errors.Is(err, settlement.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, settlement.ErrGateway):
		writeError(w, http.StatusBadGateway, "Settlement gateway failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
