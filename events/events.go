/*
Package events delivers settlement lifecycle events to other services.

Publishers:
  - ChannelPublisher: in-process watermill GoChannel; consumers Subscribe to
    Topic. Default for single-binary deployments and tests.
  - NATSPublisher:    JetStream stream SETTLEMENT, one subject per event type
    (settlement.payout.paid, settlement.refund.completed, ...).
  - Nop:              discards everything.

The engine publishes after commit and only logs failures, so consumers must
tolerate missed events and reconcile from the store when it matters.
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

const (
	// Topic is the GoChannel topic every event is published on.
	Topic = "settlement.events"

	StreamName    = "SETTLEMENT"
	SubjectPrefix = "settlement."
)

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, settlement.Event) error { return nil }

// =============================================================================
// IN-PROCESS (watermill)
// =============================================================================

type ChannelPublisher struct {
	pubSub *gochannel.GoChannel
}

func NewChannelPublisher(logger watermill.LoggerAdapter) *ChannelPublisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &ChannelPublisher{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
	}
}

func (p *ChannelPublisher) Publish(_ context.Context, e settlement.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	id := e.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("type", string(e.Type))
	msg.Metadata.Set("booking_id", string(e.BookingID))
	if err := p.pubSub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe streams events published after the call. Each message must be
// acked before the next is delivered.
func (p *ChannelPublisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return p.pubSub.Subscribe(ctx, Topic)
}

func (p *ChannelPublisher) Close() error {
	return p.pubSub.Close()
}

// Decode unmarshals a message produced by either publisher.
func Decode(payload []byte) (settlement.Event, error) {
	var e settlement.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

// =============================================================================
// NATS JETSTREAM
// =============================================================================

type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// NewNATSPublisher connects and makes sure the SETTLEMENT stream exists.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("settlement-engine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		// The stream may be managed elsewhere; publishing still works if it exists.
		logger.Warn("failed to ensure stream", zap.String("stream", StreamName), zap.Error(err))
	}

	return &NATSPublisher{nc: nc, js: js, logger: logger}, nil
}

// Subject returns the JetStream subject for an event type.
func Subject(t settlement.EventType) string {
	return SubjectPrefix + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, e settlement.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := Subject(e.Type)
	opts := []jetstream.PublishOpt{}
	if e.ID != "" {
		opts = append(opts, jetstream.WithMsgID(e.ID))
	}
	if _, err := p.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

var (
	_ settlement.Publisher = Nop{}
	_ settlement.Publisher = (*ChannelPublisher)(nil)
	_ settlement.Publisher = (*NATSPublisher)(nil)
)
