/*
store.go - Persistence contract for the settlement ledger

PURPOSE:
  Defines how the engine reads and mutates bookings, refund requests,
  payout records, wallets and the audit log. Implementations:
    - settlement/store: in-memory (tests, demos)
    - store/sqlite:     database/sql on SQLite
    - store/gormstore:  GORM on Postgres with row locks

ATOMICITY:
  Every mutation of booking-scoped state goes through WithBookingTx. The
  callback runs with exclusive access to that booking and its (at most one)
  refund request and payout record. If the callback returns an error,
  nothing it wrote is visible afterwards.

  Reads outside a transaction may observe stale data. The engine only uses
  them for listings and for pre-flight lookups that are re-validated under
  the lock.
*/
package settlement

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type BookingFilter struct {
	Status   BookingStatus
	HostID   UserID
	TenantID UserID
	// EndedBefore keeps bookings whose EndDate is <= this instant.
	EndedBefore *time.Time
}

type RefundFilter struct {
	CustomerID UserID
	Status     RefundStatus
	// Search matches booking id, customer id, reason and account holder,
	// case-insensitively.
	Search string
	// CreatedFrom is inclusive, CreatedUntil exclusive.
	CreatedFrom  *time.Time
	CreatedUntil *time.Time
}

type PayoutState string

const (
	PayoutStatePaid     PayoutState = "paid"
	PayoutStateRejected PayoutState = "rejected"
)

type PayoutFilter struct {
	HostID UserID
	State  PayoutState
	// From is inclusive, Until exclusive. Applied to PaidAt or RejectedAt
	// depending on State.
	From  *time.Time
	Until *time.Time
}

// CandidateFilter selects completed bookings that ended at or before
// EndedBefore, together with their refund request and payout record.
type CandidateFilter struct {
	HostID      UserID
	EndedBefore time.Time
}

// PayoutCandidate is a completed booking with its settlement context.
type PayoutCandidate struct {
	Booking Booking
	Refund  *RefundRequest
	Payout  *PayoutRecord
}

// =============================================================================
// INTERFACES
// =============================================================================

// Reader is the read side of the ledger.
type Reader interface {
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)

	GetRefundRequest(ctx context.Context, id RefundRequestID) (*RefundRequest, error)
	// FindRefundRequest returns nil, nil when the booking has none.
	FindRefundRequest(ctx context.Context, bookingID BookingID) (*RefundRequest, error)
	ListRefundRequests(ctx context.Context, filter RefundFilter) ([]RefundRequest, error)

	// GetPayout returns nil, nil when no record exists yet.
	GetPayout(ctx context.Context, bookingID BookingID) (*PayoutRecord, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]PayoutRecord, error)
	ListPayoutCandidates(ctx context.Context, filter CandidateFilter) ([]PayoutCandidate, error)

	// DefaultWallet returns nil, nil when the host has no default wallet.
	DefaultWallet(ctx context.Context, hostID UserID) (*Wallet, error)

	ListAudit(ctx context.Context, bookingID BookingID) ([]AuditEntry, error)
}

// Tx is the view of one locked booking inside WithBookingTx.
type Tx interface {
	Booking(ctx context.Context) (*Booking, error)
	SaveBooking(ctx context.Context, b Booking) error

	// RefundRequest returns nil, nil when none exists.
	RefundRequest(ctx context.Context) (*RefundRequest, error)
	// SaveRefundRequest inserts or updates. Inserting a second request for
	// the same booking returns ErrConflict.
	SaveRefundRequest(ctx context.Context, rr RefundRequest) error

	Payout(ctx context.Context) (*PayoutRecord, error)
	SavePayout(ctx context.Context, p PayoutRecord) error
	// DeletePayout removes an unpaid record. Deleting a missing record is
	// not an error.
	DeletePayout(ctx context.Context) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}

type Store interface {
	Reader

	// CreateBooking returns ErrConflict if the id is taken.
	CreateBooking(ctx context.Context, b Booking) error
	SaveWallet(ctx context.Context, w Wallet) error

	// WithBookingTx locks the booking and runs fn. Returns a NotFoundError
	// if the booking does not exist.
	WithBookingTx(ctx context.Context, id BookingID, fn func(tx Tx) error) error
}
