/*
Package gateway holds settlement rail adapters and the bank-transfer QR
provider.

  - Sandbox:     in-memory rail for development and tests
  - TemplateQR:  URL-template QR generator with a pluggable cache (cache.go)
  - midtrans/:   the production rail (Midtrans Core API refunds, Iris payouts)
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// ErrRailUnavailable is the default scripted failure.
var ErrRailUnavailable = errors.New("sandbox rail unavailable")

// =============================================================================
// SANDBOX RAIL
// =============================================================================

// Sandbox records every transfer and never moves real money. Replaying an
// idempotency key returns the first receipt.
type Sandbox struct {
	mu       sync.Mutex
	receipts map[string]settlement.TransferReceipt
	refunds  []settlement.RefundTransfer
	payouts  []settlement.PayoutTransfer

	refundErr    error
	payoutErr    error
	payoutErrFor map[settlement.BookingID]error
	payoutHook   func(ctx context.Context, t settlement.PayoutTransfer)

	now    func() time.Time
	logger *zap.Logger
}

func NewSandbox(logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{
		receipts:     make(map[string]settlement.TransferReceipt),
		payoutErrFor: make(map[settlement.BookingID]error),
		now:          time.Now,
		logger:       logger,
	}
}

// FailRefunds makes every refund fail with err until called with nil.
func (s *Sandbox) FailRefunds(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundErr = err
}

func (s *Sandbox) FailPayouts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutErr = err
}

// FailPayoutFor scripts a failure for one booking only.
func (s *Sandbox) FailPayoutFor(id settlement.BookingID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.payoutErrFor, id)
		return
	}
	s.payoutErrFor[id] = err
}

// OnPayout registers a hook run at the start of every payout call, before
// the transfer is recorded. Tests use it to interleave other operations.
func (s *Sandbox) OnPayout(fn func(ctx context.Context, t settlement.PayoutTransfer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutHook = fn
}

func (s *Sandbox) Refund(ctx context.Context, t settlement.RefundTransfer) (*settlement.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.Amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", t.Amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[t.IdempotencyKey]; ok {
		return &r, nil
	}
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	r := s.issue("SBX-RF", t.IdempotencyKey)
	s.refunds = append(s.refunds, t)
	s.logger.Info("sandbox refund",
		zap.String("booking_id", string(t.BookingID)),
		zap.String("amount", t.Amount.String()),
		zap.String("reference", r.Reference))
	return &r, nil
}

func (s *Sandbox) Payout(ctx context.Context, t settlement.PayoutTransfer) (*settlement.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	hook := s.payoutHook
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[t.IdempotencyKey]; ok {
		return &r, nil
	}
	if err := s.payoutErrFor[t.BookingID]; err != nil {
		return nil, err
	}
	if s.payoutErr != nil {
		return nil, s.payoutErr
	}
	if t.Bank.AccountNumber == "" {
		return nil, errors.New("payee account number is required")
	}
	r := s.issue("SBX-PO", t.IdempotencyKey)
	s.payouts = append(s.payouts, t)
	s.logger.Info("sandbox payout",
		zap.String("booking_id", string(t.BookingID)),
		zap.String("host_id", string(t.HostID)),
		zap.String("amount", t.Amount.String()),
		zap.String("reference", r.Reference))
	return &r, nil
}

func (s *Sandbox) issue(prefix, key string) settlement.TransferReceipt {
	r := settlement.TransferReceipt{
		Reference: fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8]),
		Status:    "success",
		At:        s.now().UTC(),
	}
	if key != "" {
		s.receipts[key] = r
	}
	return r
}

// Payouts returns the recorded payout transfers.
func (s *Sandbox) Payouts() []settlement.PayoutTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.PayoutTransfer(nil), s.payouts...)
}

func (s *Sandbox) Refunds() []settlement.RefundTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.RefundTransfer(nil), s.refunds...)
}

var _ settlement.Gateway = (*Sandbox)(nil)
