/*
Package settlement is the booking monetary settlement engine.

PURPOSE:
  Owns everything that happens to a booking's money after the stay is
  decided: refund requests on cancelled bookings, bounded customer appeals,
  and the host payout engine that releases funds once the holding period
  has elapsed without a dispute.

KEY CONCEPTS IN THIS FILE (types.go):
  - Booking:        the stay, governed by the booking status machine
  - RefundRequest:  a customer's request to get money back (one per booking)
  - PayoutRecord:   the host settlement line derived from a completed booking
  - Wallet:         the host's payee bank account, snapshotted at payout time
  - Actor:          explicit caller identity threaded through every call

MONEY:
  All amounts are decimal.Decimal. The payout amount is the booking's stored
  total price, copied verbatim. Nothing in this package recomputes prices.

SEE ALSO:
  - booking.go: status machine
  - refund.go:  refund workflow
  - payout.go:  payout engine
  - store.go:   persistence contract
*/
package settlement

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BookingID string
type RefundRequestID string
type UserID string

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleCustomer Role = "customer"
	RoleHost     Role = "host"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor is the caller on whose behalf an engine operation runs.
type Actor struct {
	ID   UserID
	Role Role
}

// SystemActor is used for time-driven transitions (completion sweep, auto payout).
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type Booking struct {
	ID        BookingID
	TenantID  UserID
	HostID    UserID
	ListingID string

	StartDate time.Time
	EndDate   time.Time

	// TotalPrice is nil until pricing has been computed.
	TotalPrice *decimal.Decimal
	Currency   string

	// PaymentRef identifies the original charge at the payment provider.
	PaymentRef string

	Status      BookingStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
	CompletedAt *time.Time
}

// NewBooking is the input for creating a booking.
type NewBooking struct {
	ID         BookingID
	TenantID   UserID
	HostID     UserID
	ListingID  string
	StartDate  time.Time
	EndDate    time.Time
	TotalPrice *decimal.Decimal
	Currency   string
	PaymentRef string
}

// =============================================================================
// BANK DETAILS
// =============================================================================

// BankAccount holds payee bank details. Customers supply a bank code; host
// wallets carry a bank name. Either may be empty.
type BankAccount struct {
	BankCode      string
	BankName      string
	AccountNumber string
	AccountHolder string
}

func (b *BankAccount) IsZero() bool {
	return b == nil || (b.BankCode == "" && b.BankName == "" && b.AccountNumber == "" && b.AccountHolder == "")
}

// Bank returns whichever bank identifier is set, preferring the code.
func (b BankAccount) Bank() string {
	if b.BankCode != "" {
		return b.BankCode
	}
	return b.BankName
}

// Normalized trims whitespace from every field.
func (b BankAccount) Normalized() BankAccount {
	return BankAccount{
		BankCode:      strings.TrimSpace(b.BankCode),
		BankName:      strings.TrimSpace(b.BankName),
		AccountNumber: strings.TrimSpace(b.AccountNumber),
		AccountHolder: strings.TrimSpace(b.AccountHolder),
	}
}

// Wallet is a host's payout destination.
type Wallet struct {
	HostID    UserID
	Account   BankAccount
	IsDefault bool
	UpdatedAt time.Time
}

// =============================================================================
// REFUND REQUEST
// =============================================================================

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundRejected  RefundStatus = "rejected"
	RefundAppealed  RefundStatus = "appealed"
	RefundCompleted RefundStatus = "completed"
)

type RefundRequest struct {
	ID         RefundRequestID
	BookingID  BookingID
	CustomerID UserID
	Status     RefundStatus
	Reason     string

	// AttemptNumber counts successful appeals. Starts at 0.
	AttemptNumber int

	Bank *BankAccount

	RejectionReason string
	RejectedAt      *time.Time
	AppealReason    string
	AppealedAt      *time.Time

	// Settlement snapshot, set on completion.
	Amount      *decimal.Decimal
	TransferRef string
	CompletedAt *time.Time

	// Claim marks an in-flight gateway call.
	ClaimToken string
	ClaimedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PAYOUT RECORD
// =============================================================================

type PayoutRecord struct {
	BookingID BookingID
	HostID    UserID
	Amount    decimal.Decimal

	Paid        bool
	PaidAt      *time.Time
	TransferRef string

	Rejected        bool
	RejectionReason string
	RejectedAt      *time.Time

	// Bank is the payee snapshot taken from the host's default wallet.
	Bank *BankAccount

	ClaimToken string
	ClaimedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingPayout is one row of the pending payout queue.
type PendingPayout struct {
	Booking       Booking
	Amount        decimal.Decimal
	EligibleSince time.Time
}

// BatchFailure records one booking a batch could not pay.
type BatchFailure struct {
	BookingID BookingID
	Err       error
}

// BatchResult is the aggregate outcome of ProcessAllPending.
type BatchResult struct {
	ProcessedCount int
	TotalAmount    decimal.Decimal
	ProcessedItems []PayoutRecord
	Failed         []BatchFailure
}

// RefundOutcome is returned by the automatic refund path.
type RefundOutcome struct {
	Request *RefundRequest
	// Degraded is true when the gateway failed and the request was queued
	// for manual handling instead.
	Degraded   bool
	GatewayErr error
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditBookingCreated   AuditAction = "booking_created"
	AuditBookingConfirmed AuditAction = "booking_confirmed"
	AuditBookingCancelled AuditAction = "booking_cancelled"
	AuditBookingCompleted AuditAction = "booking_completed"
	AuditRefundRequested  AuditAction = "refund_requested"
	AuditRefundRejected   AuditAction = "refund_rejected"
	AuditRefundAppealed   AuditAction = "refund_appealed"
	AuditRefundRequeued   AuditAction = "refund_requeued"
	AuditRefundCompleted  AuditAction = "refund_completed"
	AuditPayoutPaid       AuditAction = "payout_paid"
	AuditPayoutRejected   AuditAction = "payout_rejected"
)

// AuditEntry records one state change. Written in the same transaction as
// the change itself.
type AuditEntry struct {
	ID        string
	BookingID BookingID
	ActorID   UserID
	ActorRole Role
	Action    AuditAction
	From      string
	To        string
	Detail    string
	At        time.Time
}
