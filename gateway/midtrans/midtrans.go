// Package midtrans moves money through Midtrans: refunds go back to the
// original charge via the Core API, host payouts go out through Iris
// disbursements.
package midtrans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/iris"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// RefundAPI is the part of coreapi.Client the rail uses.
type RefundAPI interface {
	RefundTransaction(orderID string, req *coreapi.RefundReq) (*coreapi.RefundResponse, *midtrans.Error)
}

// PayoutAPI is the part of iris.Client the rail uses.
type PayoutAPI interface {
	CreatePayout(req iris.CreatePayoutReq) (*iris.CreatePayoutResponse, *midtrans.Error)
	GetTransactionHistory(fromDate string, toDate string) ([]iris.TransactionHistoryResponse, *midtrans.Error)
	GetPayoutDetails(referenceNo string) (*iris.PayoutDetailResponse, *midtrans.Error)
}

type Config struct {
	ServerKey string
	IrisKey   string
	// Production selects midtrans.Production; otherwise Sandbox.
	Production bool
	// NotifyEmail is copied to Iris beneficiaries.
	NotifyEmail string
}

type Rail struct {
	refunds RefundAPI
	payouts PayoutAPI
	journal settlement.TransferJournal
	email   string
	now     func() time.Time
	logger  *zap.Logger
}

// New builds a rail backed by real Midtrans clients. Iris does not dedupe
// payouts, so the journal is required.
func New(cfg Config, journal settlement.TransferJournal, logger *zap.Logger) (*Rail, error) {
	if cfg.ServerKey == "" {
		return nil, errors.New("midtrans server key is required")
	}
	if cfg.IrisKey == "" {
		return nil, errors.New("midtrans iris key is required")
	}
	if journal == nil {
		return nil, errors.New("midtrans payouts need a transfer journal")
	}
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}

	var core coreapi.Client
	core.New(cfg.ServerKey, env)
	var disb iris.Client
	disb.New(cfg.IrisKey, env)

	return NewWithClients(&core, &disb, journal, cfg.NotifyEmail, logger), nil
}

// NewWithClients wires pre-built clients (tests pass fakes).
func NewWithClients(refunds RefundAPI, payouts PayoutAPI, journal settlement.TransferJournal, notifyEmail string, logger *zap.Logger) *Rail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rail{refunds: refunds, payouts: payouts, journal: journal, email: notifyEmail, now: time.Now, logger: logger}
}

// Refund reverses the customer's charge. PaymentRef is the Midtrans order id
// and the idempotency key is sent as refund_key, which Midtrans dedupes.
func (r *Rail) Refund(ctx context.Context, t settlement.RefundTransfer) (*settlement.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.PaymentRef == "" {
		return nil, fmt.Errorf("booking %s has no payment reference", t.BookingID)
	}

	res, midErr := r.refunds.RefundTransaction(t.PaymentRef, &coreapi.RefundReq{
		RefundKey: t.IdempotencyKey,
		// IDR has no minor unit.
		Amount: t.Amount.Round(0).IntPart(),
		Reason: t.Reason,
	})
	if midErr != nil {
		return nil, fmt.Errorf("midtrans refund: %s", midErr.GetMessage())
	}
	if res == nil || !accepted(res.StatusCode) {
		msg := "empty response"
		if res != nil {
			msg = res.StatusCode + " " + res.StatusMessage
		}
		return nil, fmt.Errorf("midtrans refund rejected: %s", msg)
	}

	r.logger.Info("midtrans refund",
		zap.String("booking_id", string(t.BookingID)),
		zap.String("order_id", t.PaymentRef),
		zap.String("transaction_id", res.TransactionID))

	return &settlement.TransferReceipt{
		Reference: res.TransactionID,
		Status:    res.TransactionStatus,
		At:        r.now().UTC(),
	}, nil
}

// Payout disburses to the host's bank account through Iris.
//
// The key is reserved in the journal before CreatePayout and settled with
// the receipt after it. A settled key returns the stored receipt. A key
// reserved by an attempt that never recorded its outcome is looked up in
// Iris by its Notes before anything is sent again; if Iris cannot be
// queried the payout is refused.
func (r *Rail) Payout(ctx context.Context, t settlement.PayoutTransfer) (*settlement.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Bank.AccountNumber == "" {
		return nil, errors.New("payee account number is required")
	}
	if t.IdempotencyKey == "" {
		return nil, errors.New("payout idempotency key is required")
	}

	entry, reserved, err := r.journal.ReserveTransfer(ctx, t.IdempotencyKey, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reserve payout %s: %w", t.IdempotencyKey, err)
	}
	if entry.Receipt != nil {
		r.logger.Info("midtrans payout replayed",
			zap.String("booking_id", string(t.BookingID)),
			zap.String("reference_no", entry.Receipt.Reference))
		return entry.Receipt, nil
	}
	if !reserved {
		found, err := r.findPayout(t, entry.ReservedAt)
		if err != nil {
			return nil, fmt.Errorf("earlier payout %s unresolved: %w", t.IdempotencyKey, err)
		}
		if found != nil {
			r.logger.Warn("midtrans payout recovered from history",
				zap.String("booking_id", string(t.BookingID)),
				zap.String("reference_no", found.Reference))
			return r.settle(ctx, t.IdempotencyKey, found), nil
		}
	}

	res, midErr := r.payouts.CreatePayout(iris.CreatePayoutReq{
		Payouts: []iris.CreatePayoutDetailReq{{
			BeneficiaryName:    t.Bank.AccountHolder,
			BeneficiaryAccount: t.Bank.AccountNumber,
			BeneficiaryBank:    strings.ToLower(t.Bank.Bank()),
			BeneficiaryEmail:   r.email,
			Amount:             t.Amount.StringFixed(2),
			Notes:              t.IdempotencyKey,
		}},
	})
	if midErr != nil {
		return nil, fmt.Errorf("midtrans payout: %s", midErr.GetMessage())
	}
	if res == nil || len(res.Payouts) == 0 {
		return nil, errors.New("midtrans payout: empty response")
	}

	out := res.Payouts[0]
	r.logger.Info("midtrans payout",
		zap.String("booking_id", string(t.BookingID)),
		zap.String("host_id", string(t.HostID)),
		zap.String("reference_no", out.ReferenceNo),
		zap.String("status", out.Status))

	return r.settle(ctx, t.IdempotencyKey, &settlement.TransferReceipt{
		Reference: out.ReferenceNo,
		Status:    out.Status,
		At:        r.now().UTC(),
	}), nil
}

// settle records the receipt. The money has moved either way, so a journal
// failure is logged and the receipt still returned; the next replay finds
// the payout through findPayout.
func (r *Rail) settle(ctx context.Context, key string, receipt *settlement.TransferReceipt) *settlement.TransferReceipt {
	if err := r.journal.SettleTransfer(context.WithoutCancel(ctx), key, *receipt); err != nil {
		r.logger.Error("midtrans payout not journaled", zap.String("idempotency_key", key), zap.Error(err))
	}
	return receipt
}

// findPayout searches Iris history since the reservation day for a payout
// to the same account whose notes carry the idempotency key.
func (r *Rail) findPayout(t settlement.PayoutTransfer, since time.Time) (*settlement.TransferReceipt, error) {
	history, midErr := r.payouts.GetTransactionHistory(since.UTC().Format(time.DateOnly), r.now().UTC().Format(time.DateOnly))
	if midErr != nil {
		return nil, fmt.Errorf("iris history: %s", midErr.GetMessage())
	}
	for _, h := range history {
		if h.ReferenceNo == "" || h.BeneficiaryAccount != t.Bank.AccountNumber {
			continue
		}
		detail, midErr := r.payouts.GetPayoutDetails(h.ReferenceNo)
		if midErr != nil {
			return nil, fmt.Errorf("iris payout %s: %s", h.ReferenceNo, midErr.GetMessage())
		}
		if detail != nil && detail.Notes == t.IdempotencyKey {
			return &settlement.TransferReceipt{
				Reference: detail.ReferenceNo,
				Status:    detail.Status,
				At:        detail.CreatedAt.UTC(),
			}, nil
		}
	}
	return nil, nil
}

func accepted(code string) bool {
	return code == "200" || code == "201"
}

var _ settlement.Gateway = (*Rail)(nil)
