/*
eligibility.go - Pure eligibility rules

Every predicate here is a function of (booking, refund request, payout
record, now). The same functions serve the listing path and the
re-validation under the booking lock, so the two can never disagree.
*/
package settlement

import "time"

// =============================================================================
// REFUND STATE
// =============================================================================

// appealWindowLapsed reports whether a rejected request can no longer be appealed
// because too much time has passed since the rejection.
func (p Policy) appealWindowLapsed(rr *RefundRequest, now time.Time) bool {
	if p.AppealWindow <= 0 || rr.RejectedAt == nil {
		return false
	}
	return now.Sub(*rr.RejectedAt) > p.AppealWindow
}

// refundTerminal reports whether the request can never change again.
func (p Policy) refundTerminal(rr *RefundRequest, now time.Time) bool {
	switch rr.Status {
	case RefundCompleted:
		return true
	case RefundRejected:
		return rr.AttemptNumber >= p.MaxAppeals || p.appealWindowLapsed(rr, now)
	}
	return false
}

// disputeActive reports an open refund request: pending, appealed, or
// rejected with appeals still available.
func (p Policy) disputeActive(rr *RefundRequest, now time.Time) bool {
	return rr != nil && !p.refundTerminal(rr, now)
}

func (p Policy) claimLive(claimedAt *time.Time, now time.Time) bool {
	return claimedAt != nil && now.Sub(*claimedAt) < p.ClaimTimeout
}

// =============================================================================
// REFUND ELIGIBILITY
// =============================================================================

// refundEligibility decides whether a new refund request may be opened.
func (p Policy) refundEligibility(b *Booking, rr *RefundRequest, po *PayoutRecord, now time.Time) error {
	if rr != nil {
		return notEligible(b.ID, "a refund request already exists for this booking")
	}
	switch b.Status {
	case BookingCancelled:
		return nil
	case BookingCompleted:
		if !p.AllowCompletedDisputes {
			return notEligible(b.ID, "completed bookings cannot be disputed")
		}
		if po != nil {
			switch {
			case po.Paid:
				return notEligible(b.ID, "payout already released to host")
			case po.Rejected:
				return notEligible(b.ID, "payout already rejected")
			case p.claimLive(po.ClaimedAt, now):
				return notEligible(b.ID, "payout is being processed")
			}
		}
		return nil
	}
	return notEligible(b.ID, "booking is %s; only cancelled bookings can be refunded", b.Status)
}

// =============================================================================
// PAYOUT ELIGIBILITY
// =============================================================================

// payoutEligibility is the pending-payout invariant.
func (p Policy) payoutEligibility(b *Booking, rr *RefundRequest, po *PayoutRecord, now time.Time) error {
	if b.Status != BookingCompleted {
		return notEligible(b.ID, "booking is %s, not completed", b.Status)
	}
	if po != nil {
		switch {
		case po.Paid:
			return notEligible(b.ID, "payout already paid")
		case po.Rejected:
			return notEligible(b.ID, "payout was rejected")
		case p.claimLive(po.ClaimedAt, now):
			return notEligible(b.ID, "payout is already being processed")
		}
	}
	if now.Sub(b.EndDate) < p.HoldingPeriod {
		return notEligible(b.ID, "holding period has not elapsed (eligible from %s)",
			b.EndDate.Add(p.HoldingPeriod).Format(time.RFC3339))
	}
	if b.TotalPrice == nil {
		return notEligible(b.ID, "booking has no total price")
	}
	if rr != nil {
		if rr.Status == RefundCompleted {
			return notEligible(b.ID, "booking was refunded")
		}
		if p.disputeActive(rr, now) {
			return notEligible(b.ID, "refund request %s is %s", rr.ID, rr.Status)
		}
	}
	return nil
}

// payoutRejectable decides whether an admin may reject the payout. The
// holding period does not apply.
func (p Policy) payoutRejectable(b *Booking, po *PayoutRecord, now time.Time) error {
	if b.Status != BookingCompleted {
		return notEligible(b.ID, "booking is %s, not completed", b.Status)
	}
	if po == nil {
		return nil
	}
	switch {
	case po.Paid:
		return notEligible(b.ID, "payout already paid")
	case po.Rejected:
		return notEligible(b.ID, "payout already rejected")
	case p.claimLive(po.ClaimedAt, now):
		return notEligible(b.ID, "payout is being processed")
	}
	return nil
}
