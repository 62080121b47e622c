/*
payout.go - Host payout engine

PURPOSE:
  Releases a completed booking's total price to the host once the holding
  period has elapsed and no refund dispute is open.

KEY CONCEPTS:
  - Pending queue: completed bookings satisfying payoutEligibility, oldest
    stay first.
  - ProcessPayout: claim, transfer with key "payout-<bookingID>", commit.
    Reprocessing a paid booking returns the record without a transfer.
  - ProcessAllPending: bounded fan-out over a snapshot of the queue; each
    item re-validates under its own lock and failures never abort the
    batch.
  - RejectPayout: admin veto, blocks the payout permanently.

SEE ALSO:
  - eligibility.go: payoutEligibility, payoutRejectable
*/
package settlement

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// QUEUES
// =============================================================================

// ListPending returns bookings whose payout may be released now, sorted by
// end date then booking id. An empty hostID lists every host.
func (e *Engine) ListPending(ctx context.Context, actor Actor, hostID UserID) ([]PendingPayout, error) {
	hostID, err := scopeHost(actor, hostID)
	if err != nil {
		return nil, err
	}
	return e.listPending(ctx, hostID)
}

func (e *Engine) listPending(ctx context.Context, hostID UserID) ([]PendingPayout, error) {
	now := e.clock()
	candidates, err := e.store.ListPayoutCandidates(ctx, CandidateFilter{
		HostID:      hostID,
		EndedBefore: now.Add(-e.policy.HoldingPeriod),
	})
	if err != nil {
		return nil, err
	}
	out := make([]PendingPayout, 0, len(candidates))
	for _, c := range candidates {
		b := c.Booking
		if e.policy.payoutEligibility(&b, c.Refund, c.Payout, now) != nil {
			continue
		}
		out = append(out, PendingPayout{
			Booking:       b,
			Amount:        *b.TotalPrice,
			EligibleSince: b.EndDate.Add(e.policy.HoldingPeriod),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Booking, out[j].Booking
		if !bi.EndDate.Equal(bj.EndDate) {
			return bi.EndDate.Before(bj.EndDate)
		}
		return bi.ID < bj.ID
	})
	return out, nil
}

// ListPaid returns paid payouts with PaidAt in [from, to]. to covers its
// whole calendar day.
func (e *Engine) ListPaid(ctx context.Context, actor Actor, hostID UserID, from, to *time.Time) ([]PayoutRecord, error) {
	return e.listHistory(ctx, actor, hostID, PayoutStatePaid, from, to)
}

func (e *Engine) ListRejected(ctx context.Context, actor Actor, hostID UserID, from, to *time.Time) ([]PayoutRecord, error) {
	return e.listHistory(ctx, actor, hostID, PayoutStateRejected, from, to)
}

func (e *Engine) listHistory(ctx context.Context, actor Actor, hostID UserID, state PayoutState, from, to *time.Time) ([]PayoutRecord, error) {
	hostID, err := scopeHost(actor, hostID)
	if err != nil {
		return nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, &ValidationError{Field: "toDate", Message: "must not be before fromDate"}
	}
	f, until := dayRange(from, to)
	return e.store.ListPayouts(ctx, PayoutFilter{HostID: hostID, State: state, From: f, Until: until})
}

func (e *Engine) GetPayout(ctx context.Context, actor Actor, bookingID BookingID) (*PayoutRecord, error) {
	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireHostOrAdmin(actor, b, "view payout for booking "+string(bookingID)); err != nil {
		return nil, err
	}
	po, err := e.store.GetPayout(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if po == nil {
		return nil, &NotFoundError{Kind: "payout", ID: string(bookingID)}
	}
	return po, nil
}

// scopeHost forces hosts onto their own queue. Admins may pick any host.
func scopeHost(actor Actor, hostID UserID) (UserID, error) {
	switch {
	case actor.IsAdmin():
		return hostID, nil
	case actor.Role == RoleHost:
		if hostID != "" && hostID != actor.ID {
			return "", &ForbiddenError{Actor: actor, Action: "view payouts of host " + string(hostID)}
		}
		return actor.ID, nil
	}
	return "", &ForbiddenError{Actor: actor, Action: "view payouts"}
}

// dayRange turns an inclusive calendar range into [from, until). A
// midnight `to` covers the whole day.
func dayRange(from, to *time.Time) (*time.Time, *time.Time) {
	var until *time.Time
	if to != nil {
		t := to.UTC()
		if t.Equal(t.Truncate(day)) {
			t = t.Add(day)
		} else {
			t = t.Add(time.Nanosecond)
		}
		until = &t
	}
	if from != nil {
		f := from.UTC()
		from = &f
	}
	return from, until
}

// =============================================================================
// PROCESS
// =============================================================================

// ProcessPayout releases one booking's payout to its host's default wallet.
func (e *Engine) ProcessPayout(ctx context.Context, actor Actor, bookingID BookingID) (*PayoutRecord, error) {
	rec, _, err := e.processPayout(ctx, actor, bookingID)
	return rec, err
}

// processPayout reports whether this call moved money.
func (e *Engine) processPayout(ctx context.Context, actor Actor, bookingID BookingID) (*PayoutRecord, bool, error) {
	if err := requireRole(actor, "process payouts", RoleHost, RoleAdmin, RoleSystem); err != nil {
		return nil, false, err
	}

	// The wallet is read before the lock; the host of a booking never changes.
	pre, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	if err := requireHostOrAdmin(actor, pre, "process payout for booking "+string(bookingID)); err != nil {
		return nil, false, err
	}
	wallet, err := e.store.DefaultWallet(ctx, pre.HostID)
	if err != nil {
		return nil, false, err
	}

	token := uuid.NewString()
	var (
		paid    *PayoutRecord
		prior   *PayoutRecord
		claimed PayoutRecord
		booking Booking
	)
	err = e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		if po != nil && po.Paid {
			paid = po
			return nil
		}
		rr, err := tx.RefundRequest(ctx)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := e.policy.payoutEligibility(b, rr, po, now); err != nil {
			return err
		}
		if wallet == nil || wallet.Account.AccountNumber == "" {
			return notEligible(bookingID, "host %s has no default payout wallet", b.HostID)
		}
		rec := PayoutRecord{BookingID: b.ID, CreatedAt: now}
		if po != nil {
			rec = *po
			prior = po
		}
		bank := wallet.Account
		rec.HostID = b.HostID
		rec.Amount = *b.TotalPrice
		rec.Bank = &bank
		rec.ClaimToken = token
		rec.ClaimedAt = ptr(now)
		rec.UpdatedAt = now
		if err := tx.SavePayout(ctx, rec); err != nil {
			return err
		}
		claimed, booking = rec, *b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if paid != nil {
		return paid, false, nil
	}

	receipt, gerr := e.gateway.Payout(context.WithoutCancel(ctx), PayoutTransfer{
		IdempotencyKey: payoutIdempotencyKey(bookingID),
		BookingID:      bookingID,
		HostID:         booking.HostID,
		Amount:         claimed.Amount,
		Currency:       booking.Currency,
		Bank:           *claimed.Bank,
	})
	if gerr != nil {
		e.logger.Error("payout transfer failed",
			zap.String("booking_id", string(bookingID)),
			zap.String("host_id", string(booking.HostID)),
			zap.Error(gerr))
		if err := e.releasePayoutClaim(ctx, bookingID, token, prior); err != nil {
			e.logger.Error("payout claim release failed", zap.String("booking_id", string(bookingID)), zap.Error(err))
		}
		return nil, false, &GatewayError{Op: "payout", Err: gerr}
	}

	rec, committed, err := e.commitPayout(ctx, actor, bookingID, token, receipt)
	if err != nil {
		return nil, false, err
	}
	return rec, committed, nil
}

// releasePayoutClaim puts the record back the way phase 1 found it: a
// record created by the claim is deleted, an existing one is restored.
func (e *Engine) releasePayoutClaim(ctx context.Context, bookingID BookingID, token string, prior *PayoutRecord) error {
	ctx = context.WithoutCancel(ctx)
	return e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		if po == nil || po.Paid || po.ClaimToken != token {
			return nil
		}
		if prior == nil {
			return tx.DeletePayout(ctx)
		}
		return tx.SavePayout(ctx, *prior)
	})
}

// commitPayout marks the record paid. If another processor already
// committed, its record is returned and committed is false.
func (e *Engine) commitPayout(ctx context.Context, actor Actor, bookingID BookingID, token string, receipt *TransferReceipt) (*PayoutRecord, bool, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		out       PayoutRecord
		committed bool
	)
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		if po == nil {
			return &NotFoundError{Kind: "payout", ID: string(bookingID)}
		}
		if po.Paid {
			out = *po
			return nil
		}
		if po.ClaimToken != token {
			e.logger.Warn("payout claim taken over before commit",
				zap.String("booking_id", string(bookingID)))
		}
		now := e.clock()
		po.Paid = true
		po.PaidAt = ptr(now)
		po.ClaimToken, po.ClaimedAt = "", nil
		po.UpdatedAt = now
		if receipt != nil {
			po.TransferRef = receipt.Reference
		}
		if err := tx.SavePayout(ctx, *po); err != nil {
			return err
		}
		if err := audit(ctx, tx, actor, bookingID, AuditPayoutPaid, "", "paid",
			"transfer "+po.TransferRef+" amount "+po.Amount.String(), now); err != nil {
			return err
		}
		out = *po
		committed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if committed {
		e.logger.Info("payout paid",
			zap.String("booking_id", string(bookingID)),
			zap.String("host_id", string(out.HostID)),
			zap.String("amount", out.Amount.String()),
			zap.String("transfer_ref", out.TransferRef))
		amount := out.Amount
		e.publish(ctx, Event{Type: EventPayoutPaid, BookingID: bookingID, ActorID: actor.ID,
			Amount: &amount, OccurredAt: *out.PaidAt})
	}
	return &out, committed, nil
}

// =============================================================================
// BATCH
// =============================================================================

// ProcessAllPending pays every booking in a snapshot of the pending queue.
// Items run with at most Policy.BatchConcurrency in flight. Cancelling ctx
// stops scheduling new items; items already started run to completion.
func (e *Engine) ProcessAllPending(ctx context.Context, actor Actor) (*BatchResult, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "process all payouts"}
	}
	pending, err := e.listPending(ctx, "")
	if err != nil {
		return nil, err
	}

	type outcome struct {
		rec         *PayoutRecord
		transferred bool
		err         error
		scheduled   bool
	}
	outcomes := make([]outcome, len(pending))

	var g errgroup.Group
	g.SetLimit(max(1, e.policy.BatchConcurrency))
	for i, p := range pending {
		if ctx.Err() != nil {
			break
		}
		outcomes[i].scheduled = true
		g.Go(func() error {
			rec, transferred, err := e.processPayout(context.WithoutCancel(ctx), actor, p.Booking.ID)
			outcomes[i] = outcome{rec: rec, transferred: transferred, err: err, scheduled: true}
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{TotalAmount: decimal.Zero, ProcessedItems: []PayoutRecord{}}
	skipped := 0
	for i, o := range outcomes {
		switch {
		case !o.scheduled:
			skipped++
		case o.err != nil:
			result.Failed = append(result.Failed, BatchFailure{BookingID: pending[i].Booking.ID, Err: o.err})
		case o.transferred:
			result.ProcessedCount++
			result.TotalAmount = result.TotalAmount.Add(o.rec.Amount)
			result.ProcessedItems = append(result.ProcessedItems, *o.rec)
		}
	}

	e.logger.Info("payout batch finished",
		zap.Int("queued", len(pending)),
		zap.Int("processed", result.ProcessedCount),
		zap.Int("failed", len(result.Failed)),
		zap.Int("not_started", skipped),
		zap.String("total_amount", result.TotalAmount.String()))
	if skipped > 0 {
		return result, ctx.Err()
	}
	return result, nil
}

// =============================================================================
// REJECT
// =============================================================================

// RejectPayout permanently blocks a booking's payout.
func (e *Engine) RejectPayout(ctx context.Context, actor Actor, bookingID BookingID, reason string) (*PayoutRecord, error) {
	if !actor.IsAdmin() {
		return nil, &ForbiddenError{Actor: actor, Action: "reject payouts"}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}

	var out PayoutRecord
	err := e.store.WithBookingTx(ctx, bookingID, func(tx Tx) error {
		b, err := tx.Booking(ctx)
		if err != nil {
			return err
		}
		po, err := tx.Payout(ctx)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := e.policy.payoutRejectable(b, po, now); err != nil {
			return err
		}
		rec := PayoutRecord{BookingID: b.ID, CreatedAt: now}
		if po != nil {
			rec = *po
		}
		rec.HostID = b.HostID
		if b.TotalPrice != nil {
			rec.Amount = *b.TotalPrice
		}
		rec.Rejected = true
		rec.RejectionReason = reason
		rec.RejectedAt = ptr(now)
		rec.ClaimToken, rec.ClaimedAt = "", nil
		rec.UpdatedAt = now
		if err := tx.SavePayout(ctx, rec); err != nil {
			return err
		}
		out = rec
		return audit(ctx, tx, actor, b.ID, AuditPayoutRejected, "", "rejected", reason, now)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("payout rejected", zap.String("booking_id", string(bookingID)), zap.String("reason", reason))
	e.publish(ctx, Event{Type: EventPayoutRejected, BookingID: bookingID, ActorID: actor.ID,
		Reason: reason, OccurredAt: *out.RejectedAt})
	return &out, nil
}

// PayoutQR returns a bank-transfer QR URL paying the booking total to the
// host's default wallet.
func (e *Engine) PayoutQR(ctx context.Context, actor Actor, bookingID BookingID) (string, error) {
	if !actor.IsAdmin() {
		return "", &ForbiddenError{Actor: actor, Action: "generate payout QR codes"}
	}
	if e.qr == nil {
		return "", errors.New("qr provider not configured")
	}
	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return "", err
	}
	if b.TotalPrice == nil {
		return "", notEligible(bookingID, "booking has no total price")
	}
	w, err := e.store.DefaultWallet(ctx, b.HostID)
	if err != nil {
		return "", err
	}
	if w == nil || w.Account.AccountNumber == "" {
		return "", notEligible(bookingID, "host %s has no default payout wallet", b.HostID)
	}
	return e.qr.TransferQR(ctx, QRRequest{
		Bank:          w.Account.Bank(),
		AccountNumber: w.Account.AccountNumber,
		AccountHolder: w.Account.AccountHolder,
		Amount:        *b.TotalPrice,
		Memo:          "PAYOUT " + string(bookingID),
	})
}
