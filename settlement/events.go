package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingCompleted EventType = "booking.completed"
	EventRefundRequested  EventType = "refund.requested"
	EventRefundRejected   EventType = "refund.rejected"
	EventRefundAppealed   EventType = "refund.appealed"
	EventRefundCompleted  EventType = "refund.completed"
	EventRefundDegraded   EventType = "refund.degraded"
	EventPayoutPaid       EventType = "payout.paid"
	EventPayoutRejected   EventType = "payout.rejected"
)

// Event is a lifecycle notification emitted after a committed state change.
type Event struct {
	ID              string           `json:"id"`
	Type            EventType        `json:"type"`
	BookingID       BookingID        `json:"bookingId"`
	RefundRequestID RefundRequestID  `json:"refundRequestId,omitempty"`
	ActorID         UserID           `json:"actorId"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	OccurredAt      time.Time        `json:"occurredAt"`
}

// Publisher delivers events. Errors are logged by the engine and never
// roll back the state change.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
