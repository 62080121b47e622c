package settlement_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

const validAppeal = "The host never showed up at check-in."

// =============================================================================
// FULL WORKFLOW
// =============================================================================

func TestRefundWorkflow_RejectAppealConfirm(t *testing.T) {
	// GIVEN: cancelled booking #500 with total 2,500,000
	// WHEN: customer requests, admin rejects, customer appeals, admin confirms
	// THEN: request completes, exactly one refund of the stored total moves
	f := newFixture(t)
	b := f.booking(t, "500", settlement.BookingCancelled, date(2024, 2, 1), "2500000")

	ok, _, err := f.engine.CanRefund(f.ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "  plans changed  ", &settlement.BankAccount{
		BankCode: " 970436 ", AccountNumber: "0011223344", AccountHolder: "Customer One",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundPending, rr.Status)
	assert.Equal(t, 0, rr.AttemptNumber)
	assert.Equal(t, "plans changed", rr.Reason)
	require.NotNil(t, rr.Bank)
	assert.Equal(t, "970436", rr.Bank.BankCode)

	rr, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "Outside cancellation policy")
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundRejected, rr.Status)
	require.NotNil(t, rr.RejectedAt)

	rr, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundPending, rr.Status)
	assert.Equal(t, 1, rr.AttemptNumber)
	assert.Equal(t, validAppeal, rr.AppealReason)

	done, err := f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundCompleted, done.Status)
	require.NotNil(t, done.Amount)
	assert.True(t, done.Amount.Equal(money("2500000")))
	assert.NotEmpty(t, done.TransferRef)
	assert.Empty(t, done.ClaimToken)

	refunds := f.gw.Refunds()
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(money("2500000")))
	assert.Equal(t, "pay-500", refunds[0].PaymentRef)

	// Confirming again returns the stored result without a second transfer.
	again, err := f.engine.ConfirmRefundManually(f.ctx, admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, done.TransferRef, again.TransferRef)
	assert.Len(t, f.gw.Refunds(), 1)
}

func TestAppeal_AuditShowsTransientAppealedState(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "a-1", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)
	_, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
	require.NoError(t, err)

	history, err := f.store.ListAudit(f.ctx, b.ID)
	require.NoError(t, err)
	var edges []string
	for _, h := range history {
		if strings.HasPrefix(string(h.Action), "refund_") {
			edges = append(edges, h.From+"->"+h.To)
		}
	}
	assert.Equal(t, []string{"->pending", "pending->rejected", "rejected->appealed", "appealed->pending"}, edges)
}

// =============================================================================
// APPEALS
// =============================================================================

func TestAppeal_ReasonLength(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "len", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)

	for name, reason := range map[string]string{
		"too short after trim": "   short    ",
		"empty":                "",
		"too long":             strings.Repeat("a", 501),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, reason)
			require.ErrorIs(t, err, settlement.ErrValidation)
		})
	}

	got, err := f.engine.GetRefundRequest(f.ctx, customer, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundRejected, got.Status)
	assert.Equal(t, 0, got.AttemptNumber)

	// Rune count, not bytes: ten multi-byte characters are accepted.
	_, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, strings.Repeat("é", 10))
	require.NoError(t, err)
}

func TestAppeal_CapIsEnforced(t *testing.T) {
	// GIVEN: MaxAppeals = 3
	// WHEN: the request is rejected and appealed repeatedly
	// THEN: AttemptNumber climbs 1,2,3 and the fourth appeal fails without
	//       changing the counter
	f := newFixture(t)
	b := f.booking(t, "cap", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
		require.NoError(t, err)
		got, err := f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
		require.NoError(t, err)
		assert.Equal(t, want, got.AttemptNumber)
	}

	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "final")
	require.NoError(t, err)
	_, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
	require.ErrorIs(t, err, settlement.ErrAttemptLimitExceeded)

	var limit *settlement.AttemptLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 3, limit.Attempts)

	got, err := f.store.GetRefundRequest(f.ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptNumber)
	assert.Equal(t, settlement.RefundRejected, got.Status)
}

func TestAppeal_OnlyFromRejected(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "ap", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	_, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
	require.ErrorIs(t, err, settlement.ErrInvalidStateTransition)
}

func TestAppeal_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "own", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)

	_, err = f.engine.AppealRefundRequest(f.ctx, stranger, rr.ID, validAppeal)
	require.ErrorIs(t, err, settlement.ErrForbidden)
}

func TestAppeal_WindowLapsed(t *testing.T) {
	f := newFixture(t, func(p *settlement.Policy) { p.AppealWindow = 7 * 24 * time.Hour })
	b := f.booking(t, "win", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 8)
	_, err = f.engine.AppealRefundRequest(f.ctx, customer, rr.ID, validAppeal)
	require.ErrorIs(t, err, settlement.ErrNotEligible)
}

// =============================================================================
// CREATE / REJECT
// =============================================================================

func TestCreateRefundRequest_Eligibility(t *testing.T) {
	f := newFixture(t)
	cancelled := f.booking(t, "c", settlement.BookingCancelled, date(2024, 2, 1), "100")
	confirmed := f.booking(t, "k", settlement.BookingConfirmed, date(2024, 2, 1), "100")

	_, err := f.engine.CreateRefundRequest(f.ctx, customer, confirmed.ID, "", nil)
	require.ErrorIs(t, err, settlement.ErrNotEligible)

	_, err = f.engine.CreateRefundRequest(f.ctx, stranger, cancelled.ID, "", nil)
	require.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = f.engine.CreateRefundRequest(f.ctx, host, cancelled.ID, "", nil)
	require.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = f.engine.CreateRefundRequest(f.ctx, customer, "missing", "", nil)
	require.ErrorIs(t, err, settlement.ErrNotFound)

	first, err := f.engine.CreateRefundRequest(f.ctx, customer, cancelled.ID, "", &settlement.BankAccount{})
	require.NoError(t, err)
	assert.Nil(t, first.Bank, "blank bank details are dropped")

	_, err = f.engine.CreateRefundRequest(f.ctx, customer, cancelled.ID, "", nil)
	require.ErrorIs(t, err, settlement.ErrNotEligible)
}

func TestRejectRefundRequest(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "rj", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "   ")
	require.ErrorIs(t, err, settlement.ErrValidation)

	_, err = f.engine.RejectRefundRequest(f.ctx, customer, rr.ID, "no")
	require.ErrorIs(t, err, settlement.ErrForbidden)

	_, err = f.engine.RejectRefundRequest(f.ctx, admin, "missing", "no")
	require.ErrorIs(t, err, settlement.ErrNotFound)

	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "again")
	require.ErrorIs(t, err, settlement.ErrInvalidStateTransition)
}

func TestRejectRefundRequest_CompletedIsTerminal(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "rt", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.NoError(t, err)

	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "too late")
	require.ErrorIs(t, err, settlement.ErrInvalidStateTransition)
}

// =============================================================================
// CONFIRM / AUTOMATIC
// =============================================================================

func TestConfirmRefund_GatewayFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "gf", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	f.gw.FailRefunds(errors.New("bank offline"))
	_, err = f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.ErrorIs(t, err, settlement.ErrGateway)
	assert.True(t, settlement.IsRetryable(err))

	got, err := f.store.GetRefundRequest(f.ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundPending, got.Status)
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.ClaimedAt)

	f.gw.FailRefunds(nil)
	done, err := f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundCompleted, done.Status)
}

func TestConfirmRefund_RequiresTotalPrice(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "np", settlement.BookingCancelled, date(2024, 2, 1), "")
	_, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	_, err = f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.ErrorIs(t, err, settlement.ErrNotEligible)
	assert.Empty(t, f.gw.Refunds())
}

func TestConfirmRefund_RejectedRequest(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "cr", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rr.ID, "no")
	require.NoError(t, err)

	_, err = f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.ErrorIs(t, err, settlement.ErrInvalidStateTransition)
}

func TestRefundBooking_Automatic(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "auto", settlement.BookingCancelled, date(2024, 2, 1), "750.25")

	out, err := f.engine.RefundBooking(f.ctx, admin, b.ID, "host cancelled")
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.Equal(t, settlement.RefundCompleted, out.Request.Status)
	assert.True(t, out.Request.Amount.Equal(money("750.25")))
	require.Len(t, f.gw.Refunds(), 1)

	// Repeating is a no-op.
	again, err := f.engine.RefundBooking(f.ctx, admin, b.ID, "host cancelled")
	require.NoError(t, err)
	assert.Equal(t, out.Request.ID, again.Request.ID)
	assert.Len(t, f.gw.Refunds(), 1)
}

func TestRefundBooking_DegradesToManual(t *testing.T) {
	// GIVEN: the rail is down
	// WHEN: the automatic refund runs
	// THEN: no error, a pending request is queued and flagged degraded;
	//       the admin can confirm it once the rail is back
	f := newFixture(t)
	b := f.booking(t, "deg", settlement.BookingCancelled, date(2024, 2, 1), "100")

	f.gw.FailRefunds(errors.New("timeout"))
	out, err := f.engine.RefundBooking(f.ctx, admin, b.ID, "")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	require.ErrorIs(t, out.GatewayErr, settlement.ErrGateway)
	assert.Equal(t, settlement.RefundPending, out.Request.Status)
	assert.Empty(t, out.Request.ClaimToken)

	f.gw.FailRefunds(nil)
	done, err := f.engine.ConfirmRefundRequest(f.ctx, admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Request.ID, done.ID)
	assert.Equal(t, settlement.RefundCompleted, done.Status)
}

func TestRefundBooking_DelegatesToOpenRequest(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "del", settlement.BookingCancelled, date(2024, 2, 1), "100")
	rr, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "", nil)
	require.NoError(t, err)

	out, err := f.engine.RefundBooking(f.ctx, admin, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, rr.ID, out.Request.ID)
	assert.Equal(t, settlement.RefundCompleted, out.Request.Status)
}

func TestRefundBooking_NotEligible(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t, "ne", settlement.BookingConfirmed, date(2024, 2, 1), "100")

	_, err := f.engine.RefundBooking(f.ctx, admin, b.ID, "")
	require.ErrorIs(t, err, settlement.ErrNotEligible)

	_, err = f.engine.RefundBooking(f.ctx, customer, b.ID, "")
	require.ErrorIs(t, err, settlement.ErrForbidden)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListRefundRequests_Filters(t *testing.T) {
	f := newFixture(t)
	a := f.booking(t, "L-1", settlement.BookingCancelled, date(2024, 2, 1), "100")
	b := f.booking(t, "L-2", settlement.BookingCancelled, date(2024, 2, 1), "100")

	_, err := f.engine.CreateRefundRequest(f.ctx, customer, a.ID, "flight cancelled", &settlement.BankAccount{AccountHolder: "Nguyen Van A", AccountNumber: "1"})
	require.NoError(t, err)
	f.now = f.now.AddDate(0, 0, 2)
	rb, err := f.engine.CreateRefundRequest(f.ctx, customer, b.ID, "illness", nil)
	require.NoError(t, err)
	_, err = f.engine.RejectRefundRequest(f.ctx, admin, rb.ID, "no proof")
	require.NoError(t, err)

	all, err := f.engine.ListRefundRequests(f.ctx, admin, settlement.RefundQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].BookingID, "newest first")

	rejected, err := f.engine.ListRefundRequests(f.ctx, admin, settlement.RefundQuery{Status: settlement.RefundRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	byHolder, err := f.engine.ListRefundRequests(f.ctx, admin, settlement.RefundQuery{Search: "nguyen"})
	require.NoError(t, err)
	require.Len(t, byHolder, 1)
	assert.Equal(t, a.ID, byHolder[0].BookingID)

	day := date(2024, 1, 20)
	firstDay, err := f.engine.ListRefundRequests(f.ctx, admin, settlement.RefundQuery{From: &day, To: &day})
	require.NoError(t, err)
	require.Len(t, firstDay, 1)
	assert.Equal(t, a.ID, firstDay[0].BookingID)

	_, err = f.engine.ListRefundRequests(f.ctx, customer, settlement.RefundQuery{})
	require.ErrorIs(t, err, settlement.ErrForbidden)

	mine, err := f.engine.MyRefundRequests(f.ctx, customer)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	none, err := f.engine.MyRefundRequests(f.ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, none)
}
