package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayoutEligibility(t *testing.T) {
	now := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(100)
	completed := func(end time.Time) *Booking {
		return &Booking{ID: "b", Status: BookingCompleted, EndDate: end, TotalPrice: &price}
	}
	old := now.AddDate(0, 0, -20)
	p := DefaultPolicy()

	tests := []struct {
		name     string
		booking  *Booking
		refund   *RefundRequest
		payout   *PayoutRecord
		eligible bool
	}{
		{name: "eligible", booking: completed(old), eligible: true},
		{name: "holding boundary", booking: completed(now.Add(-p.HoldingPeriod)), eligible: true},
		{name: "inside holding period", booking: completed(now.Add(-p.HoldingPeriod + time.Second))},
		{name: "not completed", booking: &Booking{ID: "b", Status: BookingConfirmed, EndDate: old, TotalPrice: &price}},
		{name: "no price", booking: &Booking{ID: "b", Status: BookingCompleted, EndDate: old}},
		{name: "pending refund", booking: completed(old), refund: &RefundRequest{Status: RefundPending}},
		{name: "appealed refund", booking: completed(old), refund: &RefundRequest{Status: RefundAppealed}},
		{name: "rejected with appeals left", booking: completed(old), refund: &RefundRequest{Status: RefundRejected, AttemptNumber: 1}},
		{name: "rejected at cap", booking: completed(old), refund: &RefundRequest{Status: RefundRejected, AttemptNumber: 3}, eligible: true},
		{name: "completed refund", booking: completed(old), refund: &RefundRequest{Status: RefundCompleted}},
		{name: "already paid", booking: completed(old), payout: &PayoutRecord{Paid: true}},
		{name: "rejected payout", booking: completed(old), payout: &PayoutRecord{Rejected: true}},
		{name: "live claim", booking: completed(old), payout: &PayoutRecord{ClaimedAt: ptr(now.Add(-time.Minute))}},
		{name: "stale claim", booking: completed(old), payout: &PayoutRecord{ClaimedAt: ptr(now.Add(-time.Hour))}, eligible: true},
		{name: "released record", booking: completed(old), payout: &PayoutRecord{}, eligible: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.payoutEligibility(tt.booking, tt.refund, tt.payout, now)
			if tt.eligible {
				assert.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrNotEligible)
			}
		})
	}
}

func TestRefundTerminal_AppealWindow(t *testing.T) {
	now := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	rr := &RefundRequest{Status: RefundRejected, RejectedAt: ptr(now.AddDate(0, 0, -10))}

	assert.False(t, p.refundTerminal(rr, now), "no window configured")

	p.AppealWindow = 7 * day
	assert.True(t, p.refundTerminal(rr, now))

	p.AppealWindow = 30 * day
	assert.False(t, p.refundTerminal(rr, now))
}

func TestDayRange(t *testing.T) {
	midnight := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	from, until := dayRange(&midnight, &midnight)
	assert.Equal(t, midnight, *from)
	assert.Equal(t, midnight.Add(day), *until)

	instant := midnight.Add(13 * time.Hour)
	_, until = dayRange(nil, &instant)
	assert.Equal(t, instant.Add(time.Nanosecond), *until)

	from, until = dayRange(nil, nil)
	assert.Nil(t, from)
	assert.Nil(t, until)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.AppealReasonMin = 50
	p.AppealReasonMax = 10
	p.BatchConcurrency = 0
	err := p.Validate()
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "appeal_reason")
	assert.Contains(t, err.Error(), "batch_concurrency")
}

func TestBookingTransitions(t *testing.T) {
	allowed := map[[2]BookingStatus]bool{
		{BookingPending, BookingConfirmed}:   true,
		{BookingPending, BookingCancelled}:   true,
		{BookingConfirmed, BookingCancelled}: true,
		{BookingConfirmed, BookingCompleted}: true,
	}
	all := []BookingStatus{BookingPending, BookingConfirmed, BookingCancelled, BookingCompleted}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]BookingStatus{from, to}], canTransitionBooking(from, to), "%s -> %s", from, to)
		}
	}
}
