package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// STATUS MACHINE
// =============================================================================

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingCompleted, BookingCancelled},
	BookingCancelled: {},
	BookingCompleted: {},
}

func canTransitionBooking(from, to BookingStatus) bool {
	for _, s := range bookingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateBookingTransition(b *Booking, to BookingStatus) error {
	if !canTransitionBooking(b.Status, to) {
		return &TransitionError{Entity: "booking", ID: string(b.ID), From: string(b.Status), To: string(to)}
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateBooking persists a new pending booking.
func (e *Engine) CreateBooking(ctx context.Context, actor Actor, nb NewBooking) (*Booking, error) {
	if nb.ID == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	if actor.Role == RoleCustomer {
		nb.TenantID = actor.ID
	} else if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "create bookings"}
	}
	if nb.TenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if nb.HostID == "" {
		return nil, &ValidationError{Field: "host_id", Message: "is required"}
	}
	if !nb.EndDate.After(nb.StartDate) {
		return nil, &ValidationError{Field: "end_date", Message: "must be after start_date"}
	}
	if nb.TotalPrice != nil && nb.TotalPrice.IsNegative() {
		return nil, &ValidationError{Field: "total_price", Message: "must not be negative"}
	}

	now := e.clock()
	b := Booking{
		ID:         nb.ID,
		TenantID:   nb.TenantID,
		HostID:     nb.HostID,
		ListingID:  nb.ListingID,
		StartDate:  nb.StartDate.UTC(),
		EndDate:    nb.EndDate.UTC(),
		TotalPrice: nb.TotalPrice,
		Currency:   strings.ToUpper(strings.TrimSpace(nb.Currency)),
		PaymentRef: nb.PaymentRef,
		Status:     BookingPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	err := e.store.WithBookingTx(ctx, b.ID, func(tx Tx) error {
		return audit(ctx, tx, actor, b.ID, AuditBookingCreated, "", string(BookingPending), "", now)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (e *Engine) GetBooking(ctx context.Context, actor Actor, id BookingID) (*Booking, error) {
	b, err := e.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() || actor.ID == b.TenantID || actor.ID == b.HostID {
		return b, nil
	}
	return nil, &ForbiddenError{Actor: actor, Action: "view booking " + string(id)}
}

// ConfirmBooking moves pending to confirmed once payment is captured.
func (e *Engine) ConfirmBooking(ctx context.Context, actor Actor, id BookingID) (*Booking, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "confirm bookings"}
	}
	return e.transitionBooking(ctx, actor, id, BookingConfirmed, AuditBookingConfirmed, nil)
}

// CancelBooking moves pending or confirmed to cancelled. Customers may only
// cancel their own bookings.
func (e *Engine) CancelBooking(ctx context.Context, actor Actor, id BookingID) (*Booking, error) {
	b, err := e.transitionBooking(ctx, actor, id, BookingCancelled, AuditBookingCancelled, func(b *Booking) error {
		return requireOwner(actor, b, "cancel booking "+string(id))
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Type: EventBookingCancelled, BookingID: id, ActorID: actor.ID, OccurredAt: e.clock()})
	return b, nil
}

// MarkCompleted moves a confirmed booking whose end date has passed to
// completed. Calling it on a completed booking is a no-op.
func (e *Engine) MarkCompleted(ctx context.Context, actor Actor, id BookingID) (*Booking, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "complete bookings"}
	}
	var (
		out     Booking
		changed bool
	)
	err := e.store.WithBookingTx(ctx, id, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		if b.Status == BookingCompleted {
			out = *b
			return nil
		}
		if err := validateBookingTransition(b, BookingCompleted); err != nil {
			return err
		}
		now := e.clock()
		if now.Before(b.EndDate) {
			return notEligible(b.ID, "stay ends %s", b.EndDate.Format(time.RFC3339))
		}
		from := b.Status
		b.Status = BookingCompleted
		b.CompletedAt = ptr(now)
		b.UpdatedAt = now
		if err := tx.SaveBooking(ctx, *b); err != nil {
			return err
		}
		if err := audit(ctx, tx, actor, b.ID, AuditBookingCompleted, string(from), string(BookingCompleted), "", now); err != nil {
			return err
		}
		out = *b
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.publish(ctx, Event{Type: EventBookingCompleted, BookingID: id, ActorID: actor.ID, OccurredAt: e.clock()})
	}
	return &out, nil
}

// CompleteElapsed marks every confirmed booking whose stay has ended. Per
// booking failures are logged and skipped. Returns the number completed.
func (e *Engine) CompleteElapsed(ctx context.Context) (int, error) {
	now := e.clock()
	due, err := e.store.ListBookings(ctx, BookingFilter{Status: BookingConfirmed, EndedBefore: &now})
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, b := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.MarkCompleted(ctx, SystemActor, b.ID); err != nil {
			e.logger.Warn("completion sweep skipped booking",
				zap.String("booking_id", string(b.ID)), zap.Error(err))
			continue
		}
		completed++
	}
	if completed > 0 {
		e.logger.Info("completion sweep", zap.Int("completed", completed), zap.Int("due", len(due)))
	}
	return completed, nil
}

// CanRefund reports whether a new refund request may be opened for the
// booking, with the reason when it may not.
func (e *Engine) CanRefund(ctx context.Context, id BookingID) (bool, string, error) {
	b, err := e.store.GetBooking(ctx, id)
	if err != nil {
		return false, "", err
	}
	rr, err := e.store.FindRefundRequest(ctx, id)
	if err != nil {
		return false, "", err
	}
	po, err := e.store.GetPayout(ctx, id)
	if err != nil {
		return false, "", err
	}
	if err := e.policy.refundEligibility(b, rr, po, e.clock()); err != nil {
		var ne *NotEligibleError
		if errors.As(err, &ne) {
			return false, ne.Reason, nil
		}
		return false, "", err
	}
	return true, "", nil
}

// BookingHistory returns the audit trail for a booking.
func (e *Engine) BookingHistory(ctx context.Context, actor Actor, id BookingID) ([]AuditEntry, error) {
	if _, err := e.GetBooking(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, id)
}

func (e *Engine) transitionBooking(ctx context.Context, actor Actor, id BookingID, to BookingStatus, action AuditAction, guard func(*Booking) error) (*Booking, error) {
	var out Booking
	err := e.store.WithBookingTx(ctx, id, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(b); err != nil {
				return err
			}
		}
		if err := validateBookingTransition(b, to); err != nil {
			return err
		}
		now := e.clock()
		from := b.Status
		b.Status = to
		b.UpdatedAt = now
		if to == BookingCancelled {
			b.CancelledAt = ptr(now)
		}
		if err := tx.SaveBooking(ctx, *b); err != nil {
			return err
		}
		if err := audit(ctx, tx, actor, b.ID, action, string(from), string(to), "", now); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("booking transition",
		zap.String("booking_id", string(id)),
		zap.String("to", string(to)),
		zap.String("actor", string(actor.ID)))
	return &out, nil
}
