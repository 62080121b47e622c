package gormstore_test

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/storetest"
	"github.com/warp/settlement-engine/store/gormstore"
)

func newStore(t *testing.T) *gormstore.Store {
	t.Helper()
	// One connection: each :memory: connection is its own database.
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := gormstore.Open(sqlite.New(sqlite.Config{Conn: sqlDB}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGorm_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) settlement.Store { return newStore(t) })
}

func TestGorm_ConcurrentPayoutsTransferOnce(t *testing.T) {
	// GIVEN: an eligible booking behind the GORM store
	// WHEN: eight goroutines process its payout at once
	// THEN: the rail is called exactly once and every caller either gets
	//       the paid record or is told the payout is in progress
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)
	gw := gateway.NewSandbox(nil)
	engine := settlement.NewEngine(s, gw, settlement.WithClock(func() time.Time { return now }))

	price := decimal.RequireFromString("450000")
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{
		ID: "b-1", TenantID: "cust-1", HostID: "host-1",
		StartDate: now.AddDate(0, 0, -25), EndDate: now.AddDate(0, 0, -20), TotalPrice: &price,
		Currency: "IDR", Status: settlement.BookingCompleted, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveWallet(ctx, settlement.Wallet{
		HostID: "host-1", IsDefault: true,
		Account: settlement.BankAccount{BankName: "BNI", AccountNumber: "5550001", AccountHolder: "Host One"},
	}))

	var calls atomic.Int32
	gw.OnPayout(func(context.Context, settlement.PayoutTransfer) { calls.Add(1) })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	recs := make([]*settlement.PayoutRecord, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i], errs[i] = engine.ProcessPayout(ctx, settlement.SystemActor, "b-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	succeeded := 0
	for i, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, settlement.ErrNotEligible)
			continue
		}
		succeeded++
		assert.True(t, recs[i].Paid)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Len(t, gw.Payouts(), 1)
	po, err := s.GetPayout(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, po.Paid)
}

func TestGorm_Reset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateBooking(ctx, settlement.Booking{ID: "b-1", Status: settlement.BookingPending}))
	require.NoError(t, s.Reset(ctx))

	all, err := s.ListBookings(ctx, settlement.BookingFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
