/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENVELOPE:
  Every response is {success, data, message?}. Errors carry the failure
  detail in "error".

TYPES:
  Booking:   BookingDTO, CreateBookingRequest, CanRefundDTO, AuditEntryDTO
  Refund:    RefundRequestDTO, BankInfoDTO, CreateRefundRequest,
             AppealRequest, RejectRequest, RefundOutcomeDTO
  Payout:    PayoutDTO, PendingPayoutDTO, BatchResultDTO
  QR:        QRCodeDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry validator/v10 tags checked in ingest.go. Rules that
  depend on policy (appeal reason length) are enforced by the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - ingest.go:   Key normalization and validation
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type BookingDTO struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	HostID      string           `json:"hostId"`
	ListingID   string           `json:"listingId,omitempty"`
	StartDate   time.Time        `json:"startDate"`
	EndDate     time.Time        `json:"endDate"`
	TotalPrice  *decimal.Decimal `json:"totalPrice"`
	Currency    string           `json:"currency,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CancelledAt *time.Time       `json:"cancelledAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// CreateBookingRequest creates a booking. Dates accept YYYY-MM-DD or RFC3339.
type CreateBookingRequest struct {
	ID         string           `json:"id" validate:"required,max=64"`
	TenantID   string           `json:"tenantId" validate:"max=64"`
	HostID     string           `json:"hostId" validate:"required,max=64"`
	ListingID  string           `json:"listingId" validate:"max=64"`
	StartDate  string           `json:"startDate" validate:"required"`
	EndDate    string           `json:"endDate" validate:"required"`
	TotalPrice *decimal.Decimal `json:"totalPrice"`
	Currency   string           `json:"currency" validate:"omitempty,len=3"`
	PaymentRef string           `json:"paymentRef" validate:"max=128"`
}

type CanRefundDTO struct {
	CanRefund bool   `json:"canRefund"`
	Message   string `json:"message,omitempty"`
}

type AuditEntryDTO struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// =============================================================================
// REFUNDS
// =============================================================================

type BankInfoDTO struct {
	BankCode      string `json:"bankCode,omitempty"`
	BankName      string `json:"bankName,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	AccountHolder string `json:"accountHolder,omitempty"`
}

type RefundRequestDTO struct {
	ID              string           `json:"id"`
	BookingID       string           `json:"bookingId"`
	CustomerID      string           `json:"customerId"`
	Status          string           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	AttemptNumber   int              `json:"attemptNumber"`
	RejectionReason string           `json:"rejectionReason,omitempty"`
	RejectedAt      *time.Time       `json:"rejectedAt,omitempty"`
	AppealReason    string           `json:"appealReason,omitempty"`
	AppealedAt      *time.Time       `json:"appealedAt,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	TransferRef     string           `json:"transferRef,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Bank            *BankInfoDTO     `json:"bankInfo,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

type CreateRefundRequest struct {
	BankCode      string `json:"bankCode" validate:"max=32"`
	AccountNumber string `json:"accountNumber" validate:"max=64"`
	AccountHolder string `json:"accountHolder" validate:"max=128"`
	Reason        string `json:"reason" validate:"max=1000"`
}

// CreateRefundResponse is the data of POST /booking/{id}/refund.
type CreateRefundResponse struct {
	RefundRequest RefundRequestDTO `json:"refundRequest"`
	BankInfo      *BankInfoDTO     `json:"bankInfo"`
}

type AppealRequest struct {
	AppealReason string `json:"appealReason" validate:"required"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// AutoRefundRequest is the optional body of the automatic refund endpoint.
type AutoRefundRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type RefundOutcomeDTO struct {
	RefundRequest RefundRequestDTO `json:"refundRequest"`
	Degraded      bool             `json:"degraded"`
	GatewayError  string           `json:"gatewayError,omitempty"`
}

// =============================================================================
// PAYOUTS
// =============================================================================

type PayoutDTO struct {
	BookingID       string          `json:"bookingId"`
	HostID          string          `json:"hostId"`
	Amount          decimal.Decimal `json:"amount"`
	Paid            bool            `json:"paid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	TransferRef     string          `json:"transferRef,omitempty"`
	Rejected        bool            `json:"rejected"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	RejectedAt      *time.Time      `json:"rejectedAt,omitempty"`
	Bank            *BankInfoDTO    `json:"bankInfo,omitempty"`
}

type PendingPayoutDTO struct {
	Booking       BookingDTO      `json:"booking"`
	Amount        decimal.Decimal `json:"amount"`
	EligibleSince time.Time       `json:"eligibleSince"`
}

type BatchFailureDTO struct {
	BookingID string `json:"bookingId"`
	Error     string `json:"error"`
}

// BatchResultDTO is the data of POST /admin/payouts/process-all.
type BatchResultDTO struct {
	ProcessedCount int               `json:"processedCount"`
	TotalAmount    decimal.Decimal   `json:"totalAmount"`
	ProcessedItems []PayoutDTO       `json:"processedItems"`
	FailedCount    int               `json:"failedCount"`
	Failures       []BatchFailureDTO `json:"failures,omitempty"`
}

type QRCodeDTO struct {
	QRCodeURL string `json:"qrCodeUrl"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookingDTO(b settlement.Booking) BookingDTO {
	return BookingDTO{
		ID:          string(b.ID),
		TenantID:    string(b.TenantID),
		HostID:      string(b.HostID),
		ListingID:   b.ListingID,
		StartDate:   b.StartDate,
		EndDate:     b.EndDate,
		TotalPrice:  b.TotalPrice,
		Currency:    b.Currency,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		CancelledAt: b.CancelledAt,
		CompletedAt: b.CompletedAt,
	}
}

func toBankInfoDTO(b *settlement.BankAccount) *BankInfoDTO {
	if b.IsZero() {
		return nil
	}
	return &BankInfoDTO{
		BankCode:      b.BankCode,
		BankName:      b.BankName,
		AccountNumber: b.AccountNumber,
		AccountHolder: b.AccountHolder,
	}
}

func toRefundRequestDTO(rr settlement.RefundRequest) RefundRequestDTO {
	return RefundRequestDTO{
		ID:              string(rr.ID),
		BookingID:       string(rr.BookingID),
		CustomerID:      string(rr.CustomerID),
		Status:          string(rr.Status),
		Reason:          rr.Reason,
		AttemptNumber:   rr.AttemptNumber,
		RejectionReason: rr.RejectionReason,
		RejectedAt:      rr.RejectedAt,
		AppealReason:    rr.AppealReason,
		AppealedAt:      rr.AppealedAt,
		Amount:          rr.Amount,
		TransferRef:     rr.TransferRef,
		CompletedAt:     rr.CompletedAt,
		Bank:            toBankInfoDTO(rr.Bank),
		CreatedAt:       rr.CreatedAt,
		UpdatedAt:       rr.UpdatedAt,
	}
}

func toRefundRequestDTOs(items []settlement.RefundRequest) []RefundRequestDTO {
	dtos := make([]RefundRequestDTO, len(items))
	for i, rr := range items {
		dtos[i] = toRefundRequestDTO(rr)
	}
	return dtos
}

func toPayoutDTO(p settlement.PayoutRecord) PayoutDTO {
	return PayoutDTO{
		BookingID:       string(p.BookingID),
		HostID:          string(p.HostID),
		Amount:          p.Amount,
		Paid:            p.Paid,
		PaidAt:          p.PaidAt,
		TransferRef:     p.TransferRef,
		Rejected:        p.Rejected,
		RejectionReason: p.RejectionReason,
		RejectedAt:      p.RejectedAt,
		Bank:            toBankInfoDTO(p.Bank),
	}
}

func toPayoutDTOs(items []settlement.PayoutRecord) []PayoutDTO {
	dtos := make([]PayoutDTO, len(items))
	for i, p := range items {
		dtos[i] = toPayoutDTO(p)
	}
	return dtos
}

func toPendingPayoutDTOs(items []settlement.PendingPayout) []PendingPayoutDTO {
	dtos := make([]PendingPayoutDTO, len(items))
	for i, p := range items {
		dtos[i] = PendingPayoutDTO{
			Booking:       toBookingDTO(p.Booking),
			Amount:        p.Amount,
			EligibleSince: p.EligibleSince,
		}
	}
	return dtos
}

func toBatchResultDTO(r *settlement.BatchResult) BatchResultDTO {
	dto := BatchResultDTO{
		ProcessedCount: r.ProcessedCount,
		TotalAmount:    r.TotalAmount,
		ProcessedItems: toPayoutDTOs(r.ProcessedItems),
		FailedCount:    len(r.Failed),
	}
	for _, f := range r.Failed {
		dto.Failures = append(dto.Failures, BatchFailureDTO{BookingID: string(f.BookingID), Error: f.Err.Error()})
	}
	return dto
}

func toAuditEntryDTOs(entries []settlement.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Action:    string(e.Action),
			ActorID:   string(e.ActorID),
			ActorRole: string(e.ActorRole),
			From:      e.From,
			To:        e.To,
			Detail:    e.Detail,
			At:        e.At,
		}
	}
	return dtos
}
