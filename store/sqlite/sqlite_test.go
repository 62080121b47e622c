package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/storetest"
	"github.com/warp/settlement-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) settlement.Store { return newStore(t) })
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: a file-backed store with a booking
	// WHEN: the store is closed and reopened
	// THEN: the booking and its decimal price survive exactly
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settlement.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	price := decimal.RequireFromString("1234567.89")
	now := time.Date(2024, 1, 20, 10, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{
		ID: "b-1", TenantID: "cust-1", HostID: "host-1",
		StartDate: now.AddDate(0, 0, -3), EndDate: now, TotalPrice: &price,
		Currency: "IDR", Status: settlement.BookingConfirmed, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	b, err := s.GetBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, price.Equal(*b.TotalPrice))
	assert.True(t, now.Equal(b.EndDate), "nanoseconds preserved")
}

func TestSQLite_Reset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{ID: "b-1", Status: settlement.BookingPending}))
	require.NoError(t, s.Reset(ctx))

	_, err := s.GetBooking(ctx, "b-1")
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestSQLite_EnginePayoutRoundTrip(t *testing.T) {
	// GIVEN: the engine running on SQLite with a settled booking and a wallet
	// WHEN: the payout is processed twice
	// THEN: one transfer, and the stored record carries the bank snapshot
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	gw := gateway.NewSandbox(nil)
	engine := settlement.NewEngine(s, gw, settlement.WithClock(func() time.Time { return now }))

	price := decimal.RequireFromString("600000")
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{
		ID: "b-1", TenantID: "cust-1", HostID: "host-1",
		StartDate: now.AddDate(0, 0, -20), EndDate: now.AddDate(0, 0, -16), TotalPrice: &price,
		Currency: "IDR", Status: settlement.BookingCompleted, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveWallet(ctx, settlement.Wallet{
		HostID: "host-1", IsDefault: true,
		Account: settlement.BankAccount{BankCode: "014", BankName: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One"},
	}))

	first, err := engine.ProcessPayout(ctx, settlement.SystemActor, "b-1")
	require.NoError(t, err)
	second, err := engine.ProcessPayout(ctx, settlement.SystemActor, "b-1")
	require.NoError(t, err)

	assert.Equal(t, first.TransferRef, second.TransferRef)
	assert.Len(t, gw.Payouts(), 1)

	stored, err := s.GetPayout(ctx, "b-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Bank)
	assert.Equal(t, "1234567890", stored.Bank.AccountNumber)
	assert.Empty(t, stored.ClaimToken)
	assert.True(t, price.Equal(stored.Amount))
}

// cancellingRail cancels the caller's context mid-refund and then fails,
// the way a client hanging up during a slow bank call looks to the engine.
type cancellingRail struct {
	*gateway.Sandbox
	cancel context.CancelFunc
}

func (r cancellingRail) Refund(context.Context, settlement.RefundTransfer) (*settlement.TransferReceipt, error) {
	r.cancel()
	return nil, errors.New("bank timeout")
}

func seedBooking(t *testing.T, s *sqlite.Store, id settlement.BookingID, status settlement.BookingStatus, now time.Time) {
	t.Helper()
	ctx := context.Background()
	price := decimal.RequireFromString("600000")
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{
		ID: id, TenantID: "cust-1", HostID: "host-1",
		StartDate: now.AddDate(0, 0, -20), EndDate: now.AddDate(0, 0, -16), TotalPrice: &price,
		Currency: "IDR", Status: status, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveWallet(ctx, settlement.Wallet{
		HostID: "host-1", IsDefault: true,
		Account: settlement.BankAccount{BankCode: "014", BankName: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One"},
	}))
}

func TestSQLite_PayoutFailureAfterCallerCancelled(t *testing.T) {
	// GIVEN: a caller whose context is cancelled while the rail call is in
	//        flight, and a rail that then fails
	// WHEN: the payout is processed
	// THEN: the claim is still released so the booking stays in the queue,
	//       and a retry with a fresh context pays it once
	s := newStore(t)
	now := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	gw := gateway.NewSandbox(nil)
	engine := settlement.NewEngine(s, gw, settlement.WithClock(func() time.Time { return now }))
	seedBooking(t, s, "b-1", settlement.BookingCompleted, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.FailPayouts(errors.New("rail down"))
	gw.OnPayout(func(context.Context, settlement.PayoutTransfer) { cancel() })

	_, err := engine.ProcessPayout(ctx, settlement.SystemActor, "b-1")
	require.ErrorIs(t, err, settlement.ErrGateway)
	require.Error(t, ctx.Err())

	stored, err := s.GetPayout(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
	pending, err := engine.ListPending(context.Background(), settlement.SystemActor, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	gw.FailPayouts(nil)
	gw.OnPayout(nil)
	rec, err := engine.ProcessPayout(context.Background(), settlement.SystemActor, "b-1")
	require.NoError(t, err)
	assert.True(t, rec.Paid)
	assert.Len(t, gw.Payouts(), 1)
}

func TestSQLite_RefundFailureAfterCallerCancelled(t *testing.T) {
	// GIVEN: a pending refund request and a rail that fails after the
	//        caller's context was cancelled
	// WHEN: the admin confirms it
	// THEN: the request is pending with no claim, so it can be retried
	s := newStore(t)
	now := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	seedBooking(t, s, "b-1", settlement.BookingCancelled, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sandbox := gateway.NewSandbox(nil)
	engine := settlement.NewEngine(s, cancellingRail{Sandbox: sandbox, cancel: cancel},
		settlement.WithClock(func() time.Time { return now }))

	customer := settlement.Actor{ID: "cust-1", Role: settlement.RoleCustomer}
	rr, err := engine.CreateRefundRequest(context.Background(), customer, "b-1", "host cancelled", nil)
	require.NoError(t, err)

	_, err = engine.ConfirmRefundRequest(ctx, settlement.SystemActor, "b-1")
	require.ErrorIs(t, err, settlement.ErrGateway)

	got, err := s.GetRefundRequest(context.Background(), rr.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundPending, got.Status)
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.ClaimedAt)

	retry := settlement.NewEngine(s, sandbox, settlement.WithClock(func() time.Time { return now }))
	done, err := retry.ConfirmRefundRequest(context.Background(), settlement.SystemActor, "b-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.RefundCompleted, done.Status)
}

func TestSQLite_AutomaticRefundDegradesAfterCallerCancelled(t *testing.T) {
	// GIVEN: a cancelled booking and a rail that fails after the caller's
	//        context was cancelled
	// WHEN: the automatic refund runs
	// THEN: it degrades to a pending, unclaimed request instead of erroring
	s := newStore(t)
	now := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	seedBooking(t, s, "b-1", settlement.BookingCancelled, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := settlement.NewEngine(s, cancellingRail{Sandbox: gateway.NewSandbox(nil), cancel: cancel},
		settlement.WithClock(func() time.Time { return now }))

	out, err := engine.RefundBooking(ctx, settlement.SystemActor, "b-1", "host cancelled")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, settlement.RefundPending, out.Request.Status)
	assert.Empty(t, out.Request.ClaimToken)

	got, err := s.GetRefundRequest(context.Background(), out.Request.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimToken)
}
