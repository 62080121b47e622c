package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin    = settlement.Actor{ID: "admin-1", Role: settlement.RoleAdmin}
	customer = settlement.Actor{ID: "cust-1", Role: settlement.RoleCustomer}
	stranger = settlement.Actor{ID: "cust-2", Role: settlement.RoleCustomer}
	host     = settlement.Actor{ID: "host-1", Role: settlement.RoleHost}
	host2    = settlement.Actor{ID: "host-2", Role: settlement.RoleHost}
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	gw     *gateway.Sandbox
	engine *settlement.Engine
	now    time.Time
}

// newFixture builds an engine over the memory store and sandbox rail with
// "now" pinned to 2024-01-20 10:00 UTC.
func newFixture(t *testing.T, policy ...func(*settlement.Policy)) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemory(),
		gw:    gateway.NewSandbox(nil),
		now:   time.Date(2024, time.January, 20, 10, 0, 0, 0, time.UTC),
	}
	p := settlement.DefaultPolicy()
	for _, fn := range policy {
		fn(&p)
	}
	f.engine = settlement.NewEngine(f.store, f.gw,
		settlement.WithPolicy(p),
		settlement.WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, f.store.SaveWallet(f.ctx, settlement.Wallet{
		HostID:    host.ID,
		Account:   settlement.BankAccount{BankName: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One"},
		IsDefault: true,
	}))
	return f
}

// booking creates a booking for customer/host and drives it to status.
// end is the checkout date; the stay starts three days earlier.
func (f *fixture) booking(t *testing.T, id string, status settlement.BookingStatus, end time.Time, price string) settlement.Booking {
	t.Helper()
	var total *decimal.Decimal
	if price != "" {
		p := money(price)
		total = &p
	}
	b, err := f.engine.CreateBooking(f.ctx, admin, settlement.NewBooking{
		ID:         settlement.BookingID(id),
		TenantID:   customer.ID,
		HostID:     host.ID,
		ListingID:  "listing-1",
		StartDate:  end.AddDate(0, 0, -3),
		EndDate:    end,
		TotalPrice: total,
		Currency:   "idr",
		PaymentRef: "pay-" + id,
	})
	require.NoError(t, err)

	switch status {
	case settlement.BookingPending:
	case settlement.BookingConfirmed:
		b, err = f.engine.ConfirmBooking(f.ctx, admin, b.ID)
	case settlement.BookingCancelled:
		b, err = f.engine.CancelBooking(f.ctx, customer, b.ID)
	case settlement.BookingCompleted:
		_, err = f.engine.ConfirmBooking(f.ctx, admin, b.ID)
		require.NoError(t, err)
		saved := f.now
		if f.now.Before(end) {
			f.now = end
		}
		b, err = f.engine.MarkCompleted(f.ctx, settlement.SystemActor, b.ID)
		f.now = saved
	}
	require.NoError(t, err)
	return *b
}
