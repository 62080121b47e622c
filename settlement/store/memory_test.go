package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
	"github.com/warp/settlement-engine/settlement/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) settlement.Store { return store.NewMemory() })
}

func TestMemory_BookingTxSerializes(t *testing.T) {
	// GIVEN: one booking
	// WHEN: many goroutines increment a counter stored in its payment ref
	// THEN: no update is lost
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateBooking(ctx, settlement.Booking{
		ID: "b-1", Status: settlement.BookingConfirmed, EndDate: time.Now(), PaymentRef: "",
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithBookingTx(ctx, "b-1", func(tx settlement.Tx) error {
				b, err := tx.Booking(ctx)
				if err != nil {
					return err
				}
				b.PaymentRef += "x"
				return tx.SaveBooking(ctx, *b)
			})
		}()
	}
	wg.Wait()

	b, err := m.GetBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.Len(t, b.PaymentRef, 20)
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := store.NewMemory()
	err := m.WithBookingTx(ctx, "b-1", func(settlement.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
