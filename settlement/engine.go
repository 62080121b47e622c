/*
engine.go - The settlement engine

PURPOSE:
  Engine is the single entry point for every settlement operation. It wires
  the ledger store, the settlement rail, the event publisher, the policy and
  a clock, and threads the caller's Actor through every call.

THREE-PHASE MONEY MOVEMENT:
  Operations that move money (refund confirm, payout) never hold the
  booking lock across the rail call:

    1. claim    under the lock: re-validate, stamp a claim token
    2. transfer outside the lock: call the rail with an idempotency key
    3. commit   under the lock: record the result, clear the claim

  A rail failure releases the claim, leaving the ledger as it was before
  the call. A live claim makes concurrent attempts fail with NotEligible.

SEE ALSO:
  - eligibility.go: the predicates re-validated in phase 1
  - store.go:       WithBookingTx
*/
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Engine struct {
	store     Store
	gateway   Gateway
	publisher Publisher
	qr        QRProvider
	policy    Policy
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithQRProvider(q QRProvider) Option { return func(e *Engine) { e.qr = q } }

// WithClock overrides time.Now. Tests use it to pin "now".
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(store Store, gateway Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		gateway:   gateway,
		publisher: nopPublisher{},
		policy:    DefaultPolicy(),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Store exposes the ledger for read-only views such as the audit trail.
func (e *Engine) Store() Store { return e.store }

func (e *Engine) clock() time.Time { return e.now().UTC() }

// =============================================================================
// HELPERS
// =============================================================================

func audit(ctx context.Context, tx Tx, actor Actor, bookingID BookingID, action AuditAction, from, to, detail string, at time.Time) error {
	return tx.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		From:      from,
		To:        to,
		Detail:    detail,
		At:        at,
	})
}

// publish sends events after commit. Failures are logged only.
func (e *Engine) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.Warn("event publish failed",
				zap.String("type", string(ev.Type)),
				zap.String("booking_id", string(ev.BookingID)),
				zap.Error(err))
		}
	}
}

func requireRole(actor Actor, action string, roles ...Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return &ForbiddenError{Actor: actor, Action: action}
}

// requireOwner allows admins, or the customer who made the booking.
func requireOwner(actor Actor, b *Booking, action string) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == RoleCustomer && actor.ID == b.TenantID {
		return nil
	}
	return &ForbiddenError{Actor: actor, Action: action}
}

// requireHostOrAdmin allows admins, or the host who owns the listing.
func requireHostOrAdmin(actor Actor, b *Booking, action string) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == RoleHost && actor.ID == b.HostID {
		return nil
	}
	return &ForbiddenError{Actor: actor, Action: action}
}

func ptr[T any](v T) *T { return &v }
