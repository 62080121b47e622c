// Package storetest is a behavioural suite every settlement.Store
// implementation must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) settlement.Store

var base = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func at(days int) time.Time { return base.AddDate(0, 0, days) }

func booking(id settlement.BookingID, status settlement.BookingStatus, endDay int, price string) settlement.Booking {
	b := settlement.Booking{
		ID:         id,
		TenantID:   "cust-1",
		HostID:     "host-1",
		ListingID:  "listing-1",
		StartDate:  at(endDay - 3),
		EndDate:    at(endDay),
		Currency:   "IDR",
		PaymentRef: "pay-" + string(id),
		Status:     status,
		CreatedAt:  at(0),
		UpdatedAt:  at(0),
	}
	if price != "" {
		d := decimal.RequireFromString(price)
		b.TotalPrice = &d
	}
	return b
}

func timeEqual(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Bookings", func(t *testing.T) { testBookings(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("RefundRequests", func(t *testing.T) { testRefundRequests(t, newStore(t)) })
	t.Run("RefundFilters", func(t *testing.T) { testRefundFilters(t, newStore(t)) })
	t.Run("Payouts", func(t *testing.T) { testPayouts(t, newStore(t)) })
	t.Run("PayoutCandidates", func(t *testing.T) { testPayoutCandidates(t, newStore(t)) })
	t.Run("Wallets", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("DeletePayout", func(t *testing.T) { testDeletePayout(t, newStore(t)) })
	t.Run("TransferJournal", func(t *testing.T) { testTransferJournal(t, newStore(t)) })
}

func testDeletePayout(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b-1", settlement.BookingCompleted, 1, "100")))
	require.NoError(t, s.CreateBooking(ctx, booking("b-2", settlement.BookingCompleted, 1, "100")))

	save := func(id settlement.BookingID, paid bool) {
		t.Helper()
		rec := settlement.PayoutRecord{BookingID: id, HostID: "host-1", Amount: decimal.NewFromInt(100),
			CreatedAt: at(15), UpdatedAt: at(15)}
		if paid {
			rec.Paid, rec.PaidAt = true, ptr(at(16))
		} else {
			rec.ClaimToken, rec.ClaimedAt = "tok", ptr(at(15))
		}
		require.NoError(t, s.WithBookingTx(ctx, id, func(tx settlement.Tx) error { return tx.SavePayout(ctx, rec) }))
	}
	save("b-1", false)
	save("b-2", true)

	// Unpaid record is removed; deleting again is a no-op.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error { return tx.DeletePayout(ctx) }))
	}
	got, err := s.GetPayout(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A paid record is never removed.
	_ = s.WithBookingTx(ctx, "b-2", func(tx settlement.Tx) error { return tx.DeletePayout(ctx) })
	got, err = s.GetPayout(ctx, "b-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Paid)
}

func testTransferJournal(t *testing.T, s settlement.Store) {
	j, ok := s.(settlement.TransferJournal)
	if !ok {
		t.Skip("store has no transfer journal")
	}
	ctx := context.Background()

	entry, reserved, err := j.ReserveTransfer(ctx, "payout-b-1", at(15))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, entry.Receipt)

	entry, reserved, err = j.ReserveTransfer(ctx, "payout-b-1", at(16))
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.True(t, at(15).Equal(entry.ReservedAt), "first reservation time kept")
	assert.Nil(t, entry.Receipt)

	require.NoError(t, j.SettleTransfer(ctx, "payout-b-1", settlement.TransferReceipt{Reference: "ref-1", Status: "queued", At: at(15)}))
	entry, reserved, err = j.ReserveTransfer(ctx, "payout-b-1", at(17))
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, entry.Receipt)
	assert.Equal(t, "ref-1", entry.Receipt.Reference)
	assert.Equal(t, "queued", entry.Receipt.Status)
	assert.True(t, at(15).Equal(entry.Receipt.At))

	err = j.SettleTransfer(ctx, "payout-unknown", settlement.TransferReceipt{Reference: "x", At: at(1)})
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func testBookings(t *testing.T, s settlement.Store) {
	ctx := context.Background()

	b := booking("b-1", settlement.BookingConfirmed, 10, "1500000.50")
	require.NoError(t, s.CreateBooking(ctx, b))
	require.NoError(t, s.CreateBooking(ctx, booking("b-2", settlement.BookingPending, 5, "")))

	err := s.CreateBooking(ctx, b)
	require.ErrorIs(t, err, settlement.ErrConflict)

	got, err := s.GetBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.BookingConfirmed, got.Status)
	assert.Equal(t, "IDR", got.Currency)
	require.NotNil(t, got.TotalPrice)
	assert.True(t, b.TotalPrice.Equal(*got.TotalPrice))
	assert.True(t, b.EndDate.Equal(got.EndDate))
	assert.Nil(t, got.CancelledAt)

	noPrice, err := s.GetBooking(ctx, "b-2")
	require.NoError(t, err)
	assert.Nil(t, noPrice.TotalPrice)

	_, err = s.GetBooking(ctx, "missing")
	require.ErrorIs(t, err, settlement.ErrNotFound)

	// Ordered by end date.
	all, err := s.ListBookings(ctx, settlement.BookingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, settlement.BookingID("b-2"), all[0].ID)

	cutoff := at(6)
	ended, err := s.ListBookings(ctx, settlement.BookingFilter{EndedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, settlement.BookingID("b-2"), ended[0].ID)

	confirmed, err := s.ListBookings(ctx, settlement.BookingFilter{Status: settlement.BookingConfirmed, HostID: "host-1"})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)

	none, err := s.ListBookings(ctx, settlement.BookingFilter{TenantID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)

	err = s.WithBookingTx(ctx, "missing", func(settlement.Tx) error { return nil })
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func testTxRollback(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b-1", settlement.BookingConfirmed, 10, "100")))

	boom := errors.New("boom")
	err := s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
		b, err := tx.Booking(ctx)
		require.NoError(t, err)
		b.Status = settlement.BookingCancelled
		require.NoError(t, tx.SaveBooking(ctx, *b))

		// The write is visible inside the transaction.
		again, err := tx.Booking(ctx)
		require.NoError(t, err)
		assert.Equal(t, settlement.BookingCancelled, again.Status)

		require.NoError(t, tx.SaveRefundRequest(ctx, settlement.RefundRequest{
			ID: "rr-1", BookingID: "b-1", CustomerID: "cust-1", Status: settlement.RefundPending,
			CreatedAt: at(1), UpdatedAt: at(1),
		}))
		require.NoError(t, tx.AppendAudit(ctx, settlement.AuditEntry{
			ID: "a-1", BookingID: "b-1", ActorID: "admin", ActorRole: settlement.RoleAdmin,
			Action: settlement.AuditBookingCancelled, At: at(1),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.BookingConfirmed, b.Status)

	rr, err := s.FindRefundRequest(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, rr)

	history, err := s.ListAudit(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testRefundRequests(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b-1", settlement.BookingCancelled, 10, "250000")))

	rr, err := s.FindRefundRequest(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, rr)

	_, err = s.GetRefundRequest(ctx, "missing")
	require.ErrorIs(t, err, settlement.ErrNotFound)

	rejectedAt := at(2)
	request := settlement.RefundRequest{
		ID: "rr-1", BookingID: "b-1", CustomerID: "cust-1",
		Status: settlement.RefundRejected, Reason: "host never showed up",
		AttemptNumber: 1,
		Bank:          &settlement.BankAccount{BankCode: "014", BankName: "BCA", AccountNumber: "999", AccountHolder: "Jane Doe"},
		RejectionReason: "insufficient evidence", RejectedAt: &rejectedAt,
		CreatedAt: at(1), UpdatedAt: at(2),
	}
	require.NoError(t, s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
		return tx.SaveRefundRequest(ctx, request)
	}))

	got, err := s.GetRefundRequest(ctx, "rr-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundRejected, got.Status)
	assert.Equal(t, 1, got.AttemptNumber)
	assert.Equal(t, "insufficient evidence", got.RejectionReason)
	timeEqual(t, rejectedAt, got.RejectedAt)
	require.NotNil(t, got.Bank)
	assert.Equal(t, "Jane Doe", got.Bank.AccountHolder)
	assert.Nil(t, got.Amount)
	assert.Nil(t, got.ClaimedAt)

	// Update in place, then complete.
	amount := decimal.RequireFromString("250000")
	completedAt := at(3)
	require.NoError(t, s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
		cur, err := tx.RefundRequest(ctx)
		require.NoError(t, err)
		require.NotNil(t, cur)
		cur.Status = settlement.RefundCompleted
		cur.Amount = &amount
		cur.TransferRef = "RF-1"
		cur.CompletedAt = &completedAt
		cur.Bank = nil
		return tx.SaveRefundRequest(ctx, *cur)
	}))

	byBooking, err := s.FindRefundRequest(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, byBooking)
	assert.Equal(t, settlement.RefundRequestID("rr-1"), byBooking.ID)
	assert.Equal(t, settlement.RefundCompleted, byBooking.Status)
	require.NotNil(t, byBooking.Amount)
	assert.True(t, amount.Equal(*byBooking.Amount))
	assert.Equal(t, "RF-1", byBooking.TransferRef)
	timeEqual(t, completedAt, byBooking.CompletedAt)
	assert.Nil(t, byBooking.Bank)

	// A second request for the same booking is refused.
	err = s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
		return tx.SaveRefundRequest(ctx, settlement.RefundRequest{
			ID: "rr-2", BookingID: "b-1", CustomerID: "cust-1", Status: settlement.RefundPending,
			CreatedAt: at(4), UpdatedAt: at(4),
		})
	})
	require.ErrorIs(t, err, settlement.ErrConflict)
}

func testRefundFilters(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	seed := []settlement.RefundRequest{
		{ID: "rr-a", BookingID: "b-a", CustomerID: "cust-1", Status: settlement.RefundPending, Reason: "Flooded bathroom", CreatedAt: at(1)},
		{ID: "rr-b", BookingID: "b-b", CustomerID: "cust-2", Status: settlement.RefundRejected, Reason: "noise",
			Bank: &settlement.BankAccount{BankName: "Mandiri", AccountNumber: "1", AccountHolder: "Budi Santoso"}, CreatedAt: at(3)},
		{ID: "rr-c", BookingID: "b-c", CustomerID: "cust-1", Status: settlement.RefundCompleted, Reason: "cancelled trip", CreatedAt: at(5)},
	}
	for _, rr := range seed {
		require.NoError(t, s.CreateBooking(ctx, booking(rr.BookingID, settlement.BookingCancelled, 10, "100")))
		rr.UpdatedAt = rr.CreatedAt
		require.NoError(t, s.WithBookingTx(ctx, rr.BookingID, func(tx settlement.Tx) error {
			return tx.SaveRefundRequest(ctx, rr)
		}))
	}

	ids := func(f settlement.RefundFilter) []settlement.RefundRequestID {
		t.Helper()
		list, err := s.ListRefundRequests(ctx, f)
		require.NoError(t, err)
		var out []settlement.RefundRequestID
		for _, rr := range list {
			out = append(out, rr.ID)
		}
		return out
	}

	assert.Equal(t, []settlement.RefundRequestID{"rr-c", "rr-b", "rr-a"}, ids(settlement.RefundFilter{}))
	assert.Equal(t, []settlement.RefundRequestID{"rr-c", "rr-a"}, ids(settlement.RefundFilter{CustomerID: "cust-1"}))
	assert.Equal(t, []settlement.RefundRequestID{"rr-b"}, ids(settlement.RefundFilter{Status: settlement.RefundRejected}))
	assert.Equal(t, []settlement.RefundRequestID{"rr-b"}, ids(settlement.RefundFilter{Search: "budi"}))
	assert.Equal(t, []settlement.RefundRequestID{"rr-a"}, ids(settlement.RefundFilter{Search: "FLOOD"}))
	assert.Equal(t, []settlement.RefundRequestID{"rr-c"}, ids(settlement.RefundFilter{Search: "b-c"}))

	from, until := at(2), at(5)
	assert.Equal(t, []settlement.RefundRequestID{"rr-b"}, ids(settlement.RefundFilter{CreatedFrom: &from, CreatedUntil: &until}))
}

func testPayouts(t *testing.T, s settlement.Store) {
	ctx := context.Background()

	po, err := s.GetPayout(ctx, "b-1")
	require.NoError(t, err)
	assert.Nil(t, po)

	type seed struct {
		id       settlement.BookingID
		host     settlement.UserID
		paidDay  int
		rejected bool
	}
	for _, sd := range []seed{
		{id: "b-1", host: "host-1", paidDay: 20},
		{id: "b-2", host: "host-1", paidDay: 22},
		{id: "b-3", host: "host-2", paidDay: 21},
		{id: "b-4", host: "host-1", paidDay: 23, rejected: true},
		{id: "b-5", host: "host-1"},
	} {
		b := booking(sd.id, settlement.BookingCompleted, 1, "100")
		b.HostID = sd.host
		require.NoError(t, s.CreateBooking(ctx, b))

		rec := settlement.PayoutRecord{
			BookingID: sd.id, HostID: sd.host, Amount: decimal.RequireFromString("100.25"),
			CreatedAt: at(15), UpdatedAt: at(15),
		}
		switch {
		case sd.rejected:
			rec.Rejected, rec.RejectionReason, rec.RejectedAt = true, "fraud", ptr(at(sd.paidDay))
		case sd.paidDay > 0:
			rec.Paid, rec.PaidAt, rec.TransferRef = true, ptr(at(sd.paidDay)), "PO-"+string(sd.id)
			rec.Bank = &settlement.BankAccount{BankName: "BCA", AccountNumber: "123", AccountHolder: "Host"}
		default:
			rec.ClaimToken, rec.ClaimedAt = "tok", ptr(at(15))
		}
		require.NoError(t, s.WithBookingTx(ctx, sd.id, func(tx settlement.Tx) error {
			return tx.SavePayout(ctx, rec)
		}))
	}

	got, err := s.GetPayout(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Paid)
	assert.Equal(t, "PO-b-1", got.TransferRef)
	assert.True(t, decimal.RequireFromString("100.25").Equal(got.Amount))
	require.NotNil(t, got.Bank)
	assert.Equal(t, "123", got.Bank.AccountNumber)

	claimed, err := s.GetPayout(ctx, "b-5")
	require.NoError(t, err)
	assert.Equal(t, "tok", claimed.ClaimToken)
	timeEqual(t, at(15), claimed.ClaimedAt)

	list := func(f settlement.PayoutFilter) []settlement.BookingID {
		t.Helper()
		recs, err := s.ListPayouts(ctx, f)
		require.NoError(t, err)
		var out []settlement.BookingID
		for _, r := range recs {
			out = append(out, r.BookingID)
		}
		return out
	}

	assert.Equal(t, []settlement.BookingID{"b-2", "b-3", "b-1"}, list(settlement.PayoutFilter{State: settlement.PayoutStatePaid}))
	assert.Equal(t, []settlement.BookingID{"b-2", "b-1"}, list(settlement.PayoutFilter{State: settlement.PayoutStatePaid, HostID: "host-1"}))
	assert.Equal(t, []settlement.BookingID{"b-4"}, list(settlement.PayoutFilter{State: settlement.PayoutStateRejected}))

	from, until := at(21), at(22)
	assert.Equal(t, []settlement.BookingID{"b-3"}, list(settlement.PayoutFilter{State: settlement.PayoutStatePaid, From: &from, Until: &until}))
}

func testPayoutCandidates(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("old", settlement.BookingCompleted, 1, "100")))
	require.NoError(t, s.CreateBooking(ctx, booking("recent", settlement.BookingCompleted, 14, "100")))
	require.NoError(t, s.CreateBooking(ctx, booking("confirmed", settlement.BookingConfirmed, 1, "100")))
	other := booking("other-host", settlement.BookingCompleted, 2, "100")
	other.HostID = "host-2"
	require.NoError(t, s.CreateBooking(ctx, other))

	require.NoError(t, s.WithBookingTx(ctx, "old", func(tx settlement.Tx) error {
		if err := tx.SaveRefundRequest(ctx, settlement.RefundRequest{
			ID: "rr-old", BookingID: "old", CustomerID: "cust-1", Status: settlement.RefundPending,
			CreatedAt: at(3), UpdatedAt: at(3),
		}); err != nil {
			return err
		}
		return tx.SavePayout(ctx, settlement.PayoutRecord{
			BookingID: "old", HostID: "host-1", Amount: decimal.NewFromInt(100),
			CreatedAt: at(3), UpdatedAt: at(3),
		})
	}))

	cands, err := s.ListPayoutCandidates(ctx, settlement.CandidateFilter{EndedBefore: at(10)})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, settlement.BookingID("old"), cands[0].Booking.ID)
	require.NotNil(t, cands[0].Refund)
	assert.Equal(t, settlement.RefundRequestID("rr-old"), cands[0].Refund.ID)
	require.NotNil(t, cands[0].Payout)
	assert.Equal(t, settlement.BookingID("other-host"), cands[1].Booking.ID)
	assert.Nil(t, cands[1].Refund)
	assert.Nil(t, cands[1].Payout)

	mine, err := s.ListPayoutCandidates(ctx, settlement.CandidateFilter{HostID: "host-1", EndedBefore: at(30)})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, settlement.BookingID("recent"), mine[1].Booking.ID)
}

func testWallets(t *testing.T, s settlement.Store) {
	ctx := context.Background()

	w, err := s.DefaultWallet(ctx, "host-1")
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, s.SaveWallet(ctx, settlement.Wallet{
		HostID:  "host-1",
		Account: settlement.BankAccount{BankCode: "014", BankName: "BCA", AccountNumber: "111", AccountHolder: "Host One"},
	}))
	w, err = s.DefaultWallet(ctx, "host-1")
	require.NoError(t, err)
	assert.Nil(t, w, "non-default wallet is not returned")

	require.NoError(t, s.SaveWallet(ctx, settlement.Wallet{
		HostID:    "host-1",
		Account:   settlement.BankAccount{BankCode: "014", BankName: "BCA", AccountNumber: "222", AccountHolder: "Host One"},
		IsDefault: true,
		UpdatedAt: at(1),
	}))
	w, err = s.DefaultWallet(ctx, "host-1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "222", w.Account.AccountNumber)
	assert.Equal(t, "BCA", w.Account.BankName)
}

func testAudit(t *testing.T, s settlement.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBooking(ctx, booking("b-1", settlement.BookingPending, 10, "100")))

	actions := []settlement.AuditAction{
		settlement.AuditBookingCreated, settlement.AuditBookingConfirmed, settlement.AuditBookingCancelled,
	}
	for i, a := range actions {
		require.NoError(t, s.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
			return tx.AppendAudit(ctx, settlement.AuditEntry{
				ID: "a-" + string(rune('0'+i)), BookingID: "b-1", ActorID: "admin", ActorRole: settlement.RoleAdmin,
				Action: a, From: "x", To: "y", Detail: "d", At: at(1),
			})
		}))
	}

	history, err := s.ListAudit(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, e := range history {
		assert.Equal(t, actions[i], e.Action)
		assert.Equal(t, settlement.RoleAdmin, e.ActorRole)
	}

	none, err := s.ListAudit(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ptr[T any](v T) *T { return &v }
