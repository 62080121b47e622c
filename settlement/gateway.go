package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the settlement rail. Implementations must treat IdempotencyKey
// as a dedupe key: replaying a key returns the original receipt without
// moving money twice.
type Gateway interface {
	Refund(ctx context.Context, t RefundTransfer) (*TransferReceipt, error)
	Payout(ctx context.Context, t PayoutTransfer) (*TransferReceipt, error)
}

// RefundTransfer returns money to a customer.
type RefundTransfer struct {
	IdempotencyKey  string
	BookingID       BookingID
	RefundRequestID RefundRequestID
	PaymentRef      string
	Amount          decimal.Decimal
	Currency        string
	Bank            *BankAccount
	Reason          string
}

// PayoutTransfer releases money to a host.
type PayoutTransfer struct {
	IdempotencyKey string
	BookingID      BookingID
	HostID         UserID
	Amount         decimal.Decimal
	Currency       string
	Bank           BankAccount
}

type TransferReceipt struct {
	Reference string
	Status    string
	At        time.Time
}

// TransferJournal records idempotency keys for rails whose API cannot
// dedupe on its own. A key is reserved before the money moves and settled
// with the receipt afterwards.
type TransferJournal interface {
	// ReserveTransfer records key as in flight at the given time. When key
	// is already known the stored entry is returned and reserved is false.
	ReserveTransfer(ctx context.Context, key string, at time.Time) (entry *TransferEntry, reserved bool, err error)
	SettleTransfer(ctx context.Context, key string, r TransferReceipt) error
}

// TransferEntry is one journal row. Receipt is nil while the transfer's
// outcome is unknown.
type TransferEntry struct {
	Key        string
	ReservedAt time.Time
	Receipt    *TransferReceipt
}

// QRProvider produces a bank-transfer QR image URL. Rendering is done by the
// provider; the engine only passes the URL through.
type QRProvider interface {
	TransferQR(ctx context.Context, req QRRequest) (string, error)
}

type QRRequest struct {
	Bank          string
	AccountNumber string
	AccountHolder string
	Amount        decimal.Decimal
	Memo          string
}

func payoutIdempotencyKey(id BookingID) string {
	return fmt.Sprintf("payout-%s", id)
}

func refundIdempotencyKey(id RefundRequestID) string {
	return fmt.Sprintf("refund-%s", id)
}
