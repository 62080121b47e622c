/*
refund.go - Refund request workflow

STATE MACHINE:

	pending ──reject──▶ rejected ──appeal──▶ appealed ──requeue──▶ pending
	   │                                        │
	   └────────────confirm────────────▶ completed ◀──confirm──┘

  - One RefundRequest per booking, ever. The appeal is the only retry path.
  - Each rejected→appealed edge increments AttemptNumber, capped at
    Policy.MaxAppeals.
  - appealed is transient: the request is re-queued as pending in the same
    transaction. Both edges are written to the audit log.
  - Confirmation moves money and follows the claim/transfer/commit phases
    described in engine.go.
*/
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CREATE / REJECT / APPEAL
// =============================================================================

// CreateRefundRequest opens the booking's refund request. The customer must
// own the booking and CanRefund must hold.
func (e *Engine) CreateRefundRequest(ctx context.Context, actor Actor, bookingID BookingID, reason string, bank *BankAccount) (*RefundRequest, error) {
	if err := requireRole(actor, "request refunds", RoleCustomer, RoleAdmin); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if bank != nil {
		nb := bank.Normalized()
		bank = &nb
		if bank.IsZero() {
			bank = nil
		}
	}

	var out RefundRequest
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		if err := requireOwner(actor, b, "request a refund for booking "+string(bookingID)); err != nil {
			return err
		}
		existing, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := e.policy.refundEligibility(b, existing, po, now); err != nil {
			return err
		}
		out = RefundRequest{
			ID:         RefundRequestID(uuid.NewString()),
			BookingID:  b.ID,
			CustomerID: b.TenantID,
			Status:     RefundPending,
			Reason:     reason,
			Bank:       bank,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.SaveRefundRequest(ctx, out); err != nil {
			return err
		}
		return audit(ctx, tx, actor, b.ID, AuditRefundRequested, "", string(RefundPending), reason, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("refund requested",
		zap.String("booking_id", string(bookingID)),
		zap.String("refund_request_id", string(out.ID)))
	e.publish(ctx, Event{Type: EventRefundRequested, BookingID: bookingID, RefundRequestID: out.ID,
		ActorID: actor.ID, Reason: reason, OccurredAt: out.CreatedAt})
	return &out, nil
}

// RejectRefundRequest is the admin rejection. Allowed from pending or appealed.
func (e *Engine) RejectRefundRequest(ctx context.Context, actor Actor, id RefundRequestID, reason string) (*RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "reject refund requests"}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}

	out, err := e.mutateRefund(ctx, id, func(tx Tx, b *Booking, rr *RefundRequest, now time.Time) error {
		if rr.Status != RefundPending && rr.Status != RefundAppealed {
			return &TransitionError{Entity: "refund_request", ID: string(rr.ID), From: string(rr.Status), To: string(RefundRejected)}
		}
		if e.policy.claimLive(rr.ClaimedAt, now) {
			return notEligible(b.ID, "refund is being processed")
		}
		from := rr.Status
		rr.Status = RefundRejected
		rr.RejectionReason = reason
		rr.RejectedAt = ptr(now)
		rr.ClaimToken, rr.ClaimedAt = "", nil
		if err := tx.SaveRefundRequest(ctx, *rr); err != nil {
			return err
		}
		return audit(ctx, tx, actor, b.ID, AuditRefundRejected, string(from), string(RefundRejected), reason, now)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Type: EventRefundRejected, BookingID: out.BookingID, RefundRequestID: out.ID,
		ActorID: actor.ID, Reason: reason, OccurredAt: *out.RejectedAt})
	return out, nil
}

// AppealRefundRequest lets the customer contest a rejection. On success the
// request is back in the admin queue as pending with AttemptNumber+1.
func (e *Engine) AppealRefundRequest(ctx context.Context, actor Actor, id RefundRequestID, appealReason string) (*RefundRequest, error) {
	appealReason = strings.TrimSpace(appealReason)
	if n := utf8.RuneCountInString(appealReason); n < e.policy.AppealReasonMin || n > e.policy.AppealReasonMax {
		return nil, &ValidationError{
			Field:   "appeal_reason",
			Message: fmt.Sprintf("must be between %d and %d characters", e.policy.AppealReasonMin, e.policy.AppealReasonMax),
		}
	}

	out, err := e.mutateRefund(ctx, id, func(tx Tx, b *Booking, rr *RefundRequest, now time.Time) error {
		if actor.Role != RoleCustomer || actor.ID != rr.CustomerID {
			return &ForbiddenError{Actor: actor, Action: "appeal refund request " + string(rr.ID)}
		}
		if rr.Status != RefundRejected {
			return &TransitionError{Entity: "refund_request", ID: string(rr.ID), From: string(rr.Status), To: string(RefundAppealed)}
		}
		if rr.AttemptNumber >= e.policy.MaxAppeals {
			return &AttemptLimitError{RefundRequestID: rr.ID, Attempts: rr.AttemptNumber, Max: e.policy.MaxAppeals}
		}
		if e.policy.appealWindowLapsed(rr, now) {
			return notEligible(b.ID, "appeal window closed %s after rejection", e.policy.AppealWindow)
		}

		rr.Status = RefundAppealed
		rr.AttemptNumber++
		rr.AppealReason = appealReason
		rr.AppealedAt = ptr(now)
		if err := audit(ctx, tx, actor, b.ID, AuditRefundAppealed, string(RefundRejected), string(RefundAppealed), appealReason, now); err != nil {
			return err
		}
		rr.Status = RefundPending
		if err := audit(ctx, tx, actor, b.ID, AuditRefundRequeued, string(RefundAppealed), string(RefundPending),
			fmt.Sprintf("attempt %d of %d", rr.AttemptNumber, e.policy.MaxAppeals), now); err != nil {
			return err
		}
		return tx.SaveRefundRequest(ctx, *rr)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Type: EventRefundAppealed, BookingID: out.BookingID, RefundRequestID: out.ID,
		ActorID: actor.ID, Reason: appealReason, OccurredAt: *out.AppealedAt})
	return out, nil
}

// mutateRefund locks the request's booking and hands fn the current state.
// UpdatedAt is stamped on the returned copy.
func (e *Engine) mutateRefund(ctx context.Context, id RefundRequestID, fn func(tx Tx, b *Booking, rr *RefundRequest, now time.Time) error) (*RefundRequest, error) {
	cur, err := e.store.GetRefundRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	var out RefundRequest
	err = e.store.WithBookingTx(ctx, cur.BookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		if rr == nil || rr.ID != id {
			return &NotFoundError{Kind: "refund request", ID: string(id)}
		}
		now := e.clock()
		rr.UpdatedAt = now
		if err := fn(tx, b, rr, now); err != nil {
			return err
		}
		out = *rr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// CONFIRM (MONEY MOVEMENT)
// =============================================================================

// ConfirmRefundRequest completes the booking's pending or appealed refund
// request by returning the booking total through the rail. Confirming a
// completed request returns it without a new transfer.
func (e *Engine) ConfirmRefundRequest(ctx context.Context, actor Actor, bookingID BookingID) (*RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "confirm refunds"}
	}
	return e.confirmRefund(ctx, actor, bookingID)
}

// ConfirmRefundManually is the legacy name of ConfirmRefundRequest.
//
// Deprecated: use ConfirmRefundRequest.
func (e *Engine) ConfirmRefundManually(ctx context.Context, actor Actor, bookingID BookingID) (*RefundRequest, error) {
	return e.ConfirmRefundRequest(ctx, actor, bookingID)
}

func (e *Engine) confirmRefund(ctx context.Context, actor Actor, bookingID BookingID) (*RefundRequest, error) {
	token := uuid.NewString()
	var (
		done    *RefundRequest
		claimed RefundRequest
		booking Booking
	)
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		if rr == nil {
			return &NotFoundError{Kind: "refund request for booking", ID: string(bookingID)}
		}
		if rr.Status == RefundCompleted {
			done = rr
			return nil
		}
		if rr.Status != RefundPending && rr.Status != RefundAppealed {
			return &TransitionError{Entity: "refund_request", ID: string(rr.ID), From: string(rr.Status), To: string(RefundCompleted)}
		}
		now := e.clock()
		if e.policy.claimLive(rr.ClaimedAt, now) {
			return notEligible(bookingID, "refund is already being processed")
		}
		if b.TotalPrice == nil {
			return notEligible(bookingID, "booking has no total price")
		}
		rr.ClaimToken = token
		rr.ClaimedAt = ptr(now)
		rr.UpdatedAt = now
		if err := tx.SaveRefundRequest(ctx, *rr); err != nil {
			return err
		}
		claimed, booking = *rr, *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done != nil {
		return done, nil
	}

	receipt, gerr := e.gateway.Refund(context.WithoutCancel(ctx), refundTransfer(booking, claimed))
	if gerr != nil {
		e.logger.Error("refund transfer failed",
			zap.String("booking_id", string(bookingID)), zap.Error(gerr))
		if _, err := e.releaseRefundClaim(ctx, bookingID, token); err != nil {
			e.logger.Error("refund claim release failed", zap.String("booking_id", string(bookingID)), zap.Error(err))
		}
		return nil, &GatewayError{Op: "refund", Err: gerr}
	}
	return e.commitRefund(ctx, actor, bookingID, *booking.TotalPrice, receipt)
}

// =============================================================================
// AUTOMATIC REFUND
// =============================================================================

// RefundBooking is the automatic refund path. With an open request it
// behaves like ConfirmRefundRequest. Otherwise it opens a request and
// settles it immediately; if the rail fails the request stays pending for
// manual handling and the outcome is reported as degraded.
func (e *Engine) RefundBooking(ctx context.Context, actor Actor, bookingID BookingID, reason string) (*RefundOutcome, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "refund bookings"}
	}
	reason = strings.TrimSpace(reason)
	token := uuid.NewString()
	var (
		existing *RefundRequest
		delegate bool
		claimed  RefundRequest
		booking  Booking
	)
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		if rr != nil {
			switch rr.Status {
			case RefundCompleted:
				existing = rr
				return nil
			case RefundPending, RefundAppealed:
				delegate = true
				return nil
			}
			return notEligible(bookingID, "refund request was rejected")
		}
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := e.policy.refundEligibility(b, nil, po, now); err != nil {
			return err
		}
		if b.TotalPrice == nil {
			return notEligible(bookingID, "booking has no total price")
		}
		claimed = RefundRequest{
			ID:         RefundRequestID(uuid.NewString()),
			BookingID:  b.ID,
			CustomerID: b.TenantID,
			Status:     RefundPending,
			Reason:     reason,
			ClaimToken: token,
			ClaimedAt:  ptr(now),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.SaveRefundRequest(ctx, claimed); err != nil {
			return err
		}
		booking = *b
		return audit(ctx, tx, actor, b.ID, AuditRefundRequested, "", string(RefundPending), "automatic refund", now)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &RefundOutcome{Request: existing}, nil
	}
	if delegate {
		rr, err := e.confirmRefund(ctx, actor, bookingID)
		if err != nil {
			return nil, err
		}
		return &RefundOutcome{Request: rr}, nil
	}

	receipt, gerr := e.gateway.Refund(context.WithoutCancel(ctx), refundTransfer(booking, claimed))
	if gerr != nil {
		e.logger.Warn("automatic refund degraded to manual handling",
			zap.String("booking_id", string(bookingID)), zap.Error(gerr))
		released, err := e.releaseRefundClaim(ctx, bookingID, token)
		if err != nil {
			return nil, err
		}
		e.publish(ctx, Event{Type: EventRefundDegraded, BookingID: bookingID, RefundRequestID: claimed.ID,
			ActorID: actor.ID, Reason: gerr.Error(), OccurredAt: e.clock()})
		return &RefundOutcome{Request: released, Degraded: true, GatewayErr: &GatewayError{Op: "refund", Err: gerr}}, nil
	}
	rr, err := e.commitRefund(ctx, actor, bookingID, *booking.TotalPrice, receipt)
	if err != nil {
		return nil, err
	}
	return &RefundOutcome{Request: rr}, nil
}

// =============================================================================
// PHASES 1 AND 3
// =============================================================================

func refundTransfer(b Booking, rr RefundRequest) RefundTransfer {
	return RefundTransfer{
		IdempotencyKey:  refundIdempotencyKey(rr.ID),
		BookingID:       b.ID,
		RefundRequestID: rr.ID,
		PaymentRef:      b.PaymentRef,
		Amount:          *b.TotalPrice,
		Currency:        b.Currency,
		Bank:            rr.Bank,
		Reason:          rr.Reason,
	}
}

// releaseRefundClaim clears our claim so the request can be retried.
func (e *Engine) releaseRefundClaim(ctx context.Context, bookingID BookingID, token string) (*RefundRequest, error) {
	var out RefundRequest
	ctx = context.WithoutCancel(ctx)
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		if rr == nil {
			return &NotFoundError{Kind: "refund request for booking", ID: string(bookingID)}
		}
		out = *rr
		if rr.ClaimToken != token {
			return nil
		}
		out.ClaimToken, out.ClaimedAt = "", nil
		out.UpdatedAt = e.clock()
		return tx.SaveRefundRequest(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) commitRefund(ctx context.Context, actor Actor, bookingID BookingID, amount decimal.Decimal, receipt *TransferReceipt) (*RefundRequest, error) {
	var (
		out       RefundRequest
		completed bool
	)
	ctx = context.WithoutCancel(ctx)
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		if rr == nil {
			return &NotFoundError{Kind: "refund request for booking", ID: string(bookingID)}
		}
		if rr.Status == RefundCompleted {
			out = *rr
			return nil
		}
		now := e.clock()
		from := rr.Status
		rr.Status = RefundCompleted
		rr.Amount = &amount
		rr.CompletedAt = ptr(now)
		rr.ClaimToken, rr.ClaimedAt = "", nil
		rr.UpdatedAt = now
		if receipt != nil {
			rr.TransferRef = receipt.Reference
		}
		if err := tx.SaveRefundRequest(ctx, *rr); err != nil {
			return err
		}
		if err := audit(ctx, tx, actor, b.ID, AuditRefundCompleted, string(from), string(RefundCompleted),
			"transfer "+rr.TransferRef+" amount "+amount.String(), now); err != nil {
			return err
		}
		out = *rr
		completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		e.logger.Info("refund completed",
			zap.String("booking_id", string(bookingID)),
			zap.String("amount", amount.String()),
			zap.String("transfer_ref", out.TransferRef))
		e.publish(ctx, Event{Type: EventRefundCompleted, BookingID: bookingID, RefundRequestID: out.ID,
			ActorID: actor.ID, Amount: out.Amount, OccurredAt: *out.CompletedAt})
	}
	return &out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// RefundQuery filters the admin refund request list. Dates are calendar
// days: From inclusive, To inclusive of its whole day.
type RefundQuery struct {
	Status RefundStatus
	Search string
	From   *time.Time
	To     *time.Time
}

func (e *Engine) ListRefundRequests(ctx context.Context, actor Actor, q RefundQuery) ([]RefundRequest, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "list refund requests"}
	}
	from, until := dayRange(q.From, q.To)
	return e.store.ListRefundRequests(ctx, RefundFilter{
		Status:       q.Status,
		Search:       strings.TrimSpace(q.Search),
		CreatedFrom:  from,
		CreatedUntil: until,
	})
}

// MyRefundRequests lists the caller's own refund requests.
func (e *Engine) MyRefundRequests(ctx context.Context, actor Actor) ([]RefundRequest, error) {
	if actor.Role != RoleCustomer {
		return nil, &ForbiddenError{Actor: actor, Action: "list own refund requests"}
	}
	return e.store.ListRefundRequests(ctx, RefundFilter{CustomerID: actor.ID})
}

func (e *Engine) GetRefundRequest(ctx context.Context, actor Actor, id RefundRequestID) (*RefundRequest, error) {
	rr, err := e.store.GetRefundRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.ID != rr.CustomerID {
		return nil, &ForbiddenError{Actor: actor, Action: "view refund request " + string(id)}
	}
	return rr, nil
}

// TransferQR returns a bank-transfer QR URL paying the refund to the
// customer's bank account.
func (e *Engine) TransferQR(ctx context.Context, actor Actor, id RefundRequestID) (string, error) {
	if !actor.IsAdmin() {
		return "", &ForbiddenError{Actor: actor, Action: "generate refund QR codes"}
	}
	if e.qr == nil {
		return "", fmt.Errorf("qr provider not configured")
	}
	rr, err := e.store.GetRefundRequest(ctx, id)
	if err != nil {
		return "", err
	}
	if rr.Bank.IsZero() || rr.Bank.AccountNumber == "" {
		return "", notEligible(rr.BookingID, "customer has not provided bank details")
	}
	amount := rr.Amount
	if amount == nil {
		b, err := e.store.GetBooking(ctx, rr.BookingID)
		if err != nil {
			return "", err
		}
		amount = b.TotalPrice
	}
	if amount == nil {
		return "", notEligible(rr.BookingID, "booking has no total price")
	}
	return e.qr.TransferQR(ctx, QRRequest{
		Bank:          rr.Bank.Bank(),
		AccountNumber: rr.Bank.AccountNumber,
		AccountHolder: rr.Bank.AccountHolder,
		Amount:        *amount,
		Memo:          "REFUND " + string(rr.BookingID),
	})
}
