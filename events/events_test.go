package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/settlement"
)

func TestChannelPublisher_DeliversToSubscribers(t *testing.T) {
	// GIVEN: a subscriber on the in-process bus
	// WHEN: an event is published
	// THEN: it arrives intact with type metadata
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := events.NewChannelPublisher(nil)
	defer pub.Close()
	msgs, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	amount := decimal.RequireFromString("600.60")
	sent := settlement.Event{
		ID: "evt-1", Type: settlement.EventPayoutPaid, BookingID: "b-1", ActorID: "admin",
		Amount: &amount, OccurredAt: time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC),
	}
	go func() { _ = pub.Publish(ctx, sent) }()

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, "evt-1", msg.UUID)
		assert.Equal(t, string(settlement.EventPayoutPaid), msg.Metadata.Get("type"))
		got, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, sent.BookingID, got.BookingID)
		assert.True(t, amount.Equal(*got.Amount))
		assert.True(t, sent.OccurredAt.Equal(got.OccurredAt))
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestChannelPublisher_WithoutSubscribers(t *testing.T) {
	pub := events.NewChannelPublisher(nil)
	defer pub.Close()
	require.NoError(t, pub.Publish(context.Background(), settlement.Event{Type: settlement.EventBookingCancelled}))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "settlement.refund.degraded", events.Subject(settlement.EventRefundDegraded))
}

func TestNop(t *testing.T) {
	assert.NoError(t, events.Nop{}.Publish(context.Background(), settlement.Event{}))
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	pub, err := events.NewNATSPublisher(url, nil)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, settlement.Event{ID: "evt-nats-1", Type: settlement.EventRefundCompleted, BookingID: "b-1"}))
}
