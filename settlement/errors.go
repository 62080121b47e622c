/*
errors.go - Error taxonomy for the settlement engine

ERROR CATEGORIES:
  ValidationError         malformed input, never retried
  NotEligible             state precondition failed (wrong status, open dispute, already paid)
  AttemptLimitExceeded    appeal cap reached, terminal
  InvalidStateTransition  status machine refused the edge
  GatewayError            settlement rail failed; ledger left in its pre-call state
  NotFound                unknown booking / refund request

Structured errors unwrap to the sentinels, so callers use errors.Is for
classification and errors.As for detail.
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrValidation             = errors.New("validation error")
	ErrNotEligible            = errors.New("not eligible")
	ErrAttemptLimitExceeded   = errors.New("attempt limit exceeded")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrGateway                = errors.New("settlement gateway error")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")

	// ErrConflict is returned by stores on duplicate identifiers.
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotEligibleError struct {
	BookingID BookingID
	Reason    string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("booking %s not eligible: %s", e.BookingID, e.Reason)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

type TransitionError struct {
	Entity string // "booking" or "refund_request"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

type AttemptLimitError struct {
	RefundRequestID RefundRequestID
	Attempts        int
	Max             int
}

func (e *AttemptLimitError) Error() string {
	return fmt.Sprintf("refund request %s: appeal limit reached (%d of %d)", e.RefundRequestID, e.Attempts, e.Max)
}

func (e *AttemptLimitError) Unwrap() error { return ErrAttemptLimitExceeded }

// GatewayError wraps a failure from the settlement rail.
type GatewayError struct {
	Op  string // "refund" or "payout"
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() []error { return []error{ErrGateway, e.Err} }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ForbiddenError struct {
	Actor  Actor
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s may not %s", e.Actor.Role, e.Actor.ID, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

func notEligible(id BookingID, format string, args ...any) error {
	return &NotEligibleError{BookingID: id, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports errors caused by the caller's input or timing.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrAttemptLimitExceeded) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrForbidden)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports errors a caller may retry as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGateway)
}
