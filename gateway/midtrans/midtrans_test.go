package midtrans

import (
	"context"
	"testing"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/iris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

type fakeCore struct {
	orderID string
	req     *coreapi.RefundReq
	res     *coreapi.RefundResponse
	err     *midtrans.Error
}

func (f *fakeCore) RefundTransaction(orderID string, req *coreapi.RefundReq) (*coreapi.RefundResponse, *midtrans.Error) {
	f.orderID, f.req = orderID, req
	return f.res, f.err
}

type fakeIris struct {
	req   iris.CreatePayoutReq
	res   *iris.CreatePayoutResponse
	err   *midtrans.Error
	calls int

	history    []iris.TransactionHistoryResponse
	historyErr *midtrans.Error
	details    map[string]*iris.PayoutDetailResponse
	historyReq [2]string
}

func (f *fakeIris) CreatePayout(req iris.CreatePayoutReq) (*iris.CreatePayoutResponse, *midtrans.Error) {
	f.calls++
	f.req = req
	return f.res, f.err
}

func (f *fakeIris) GetTransactionHistory(fromDate, toDate string) ([]iris.TransactionHistoryResponse, *midtrans.Error) {
	f.historyReq = [2]string{fromDate, toDate}
	return f.history, f.historyErr
}

func (f *fakeIris) GetPayoutDetails(referenceNo string) (*iris.PayoutDetailResponse, *midtrans.Error) {
	if d, ok := f.details[referenceNo]; ok {
		return d, nil
	}
	return nil, &midtrans.Error{Message: "payout not found", StatusCode: 404}
}

func TestRefund_SendsRefundKeyAndWholeAmount(t *testing.T) {
	core := &fakeCore{res: &coreapi.RefundResponse{StatusCode: "200", TransactionID: "trx-1", TransactionStatus: "refund"}}
	rail := NewWithClients(core, &fakeIris{}, store.NewMemory(), "", nil)

	receipt, err := rail.Refund(context.Background(), settlement.RefundTransfer{
		IdempotencyKey: "refund-rr-1",
		BookingID:      "b-1",
		PaymentRef:     "order-1",
		Amount:         decimal.RequireFromString("150000.40"),
		Reason:         "cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "trx-1", receipt.Reference)
	assert.Equal(t, "order-1", core.orderID)
	assert.Equal(t, "refund-rr-1", core.req.RefundKey)
	assert.Equal(t, int64(150000), core.req.Amount)
}

func TestRefund_Errors(t *testing.T) {
	ctx := context.Background()
	transfer := settlement.RefundTransfer{BookingID: "b-1", PaymentRef: "order-1", Amount: decimal.NewFromInt(10)}

	t.Run("api error", func(t *testing.T) {
		rail := NewWithClients(&fakeCore{err: &midtrans.Error{Message: "denied", StatusCode: 412}}, &fakeIris{}, store.NewMemory(), "", nil)
		_, err := rail.Refund(ctx, transfer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "denied")
	})

	t.Run("non-success status", func(t *testing.T) {
		rail := NewWithClients(&fakeCore{res: &coreapi.RefundResponse{StatusCode: "412", StatusMessage: "not refundable"}}, &fakeIris{}, store.NewMemory(), "", nil)
		_, err := rail.Refund(ctx, transfer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not refundable")
	})

	t.Run("missing payment reference", func(t *testing.T) {
		rail := NewWithClients(&fakeCore{}, &fakeIris{}, store.NewMemory(), "", nil)
		noRef := transfer
		noRef.PaymentRef = ""
		_, err := rail.Refund(ctx, noRef)
		require.Error(t, err)
	})
}

func TestPayout_MapsBeneficiary(t *testing.T) {
	disb := &fakeIris{res: &iris.CreatePayoutResponse{Payouts: []iris.CreatePayoutDetailResponse{{Status: "queued", ReferenceNo: "ref-9"}}}}
	rail := NewWithClients(&fakeCore{}, disb, store.NewMemory(), "ops@example.com", nil)

	receipt, err := rail.Payout(context.Background(), settlement.PayoutTransfer{
		IdempotencyKey: "payout-b-9",
		BookingID:      "b-9",
		HostID:         "host-1",
		Amount:         decimal.RequireFromString("600.6"),
		Bank:           settlement.BankAccount{BankName: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-9", receipt.Reference)
	assert.Equal(t, "queued", receipt.Status)

	require.Len(t, disb.req.Payouts, 1)
	p := disb.req.Payouts[0]
	assert.Equal(t, "bca", p.BeneficiaryBank)
	assert.Equal(t, "1234567890", p.BeneficiaryAccount)
	assert.Equal(t, "600.60", p.Amount)
	assert.Equal(t, "payout-b-9", p.Notes)
	assert.Equal(t, "ops@example.com", p.BeneficiaryEmail)
}

func TestPayout_APIError(t *testing.T) {
	rail := NewWithClients(&fakeCore{}, &fakeIris{err: &midtrans.Error{Message: "insufficient balance"}}, store.NewMemory(), "", nil)
	_, err := rail.Payout(context.Background(), settlement.PayoutTransfer{
		IdempotencyKey: "payout-b-1",
		Amount:         decimal.NewFromInt(1),
		Bank:           settlement.BankAccount{AccountNumber: "1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New(Config{IrisKey: "x"}, store.NewMemory(), nil)
	require.Error(t, err)
	_, err = New(Config{ServerKey: "x"}, store.NewMemory(), nil)
	require.Error(t, err)
	_, err = New(Config{ServerKey: "x", IrisKey: "y"}, nil, nil)
	require.Error(t, err)
}

// =============================================================================
// PAYOUT IDEMPOTENCY
// =============================================================================

var hostTransfer = settlement.PayoutTransfer{
	IdempotencyKey: "payout-b-1",
	BookingID:      "b-1",
	HostID:         "host-1",
	Amount:         decimal.RequireFromString("450000"),
	Bank:           settlement.BankAccount{BankName: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One"},
}

func TestPayout_ReplayedKeyDisbursesOnce(t *testing.T) {
	// GIVEN: a payout already sent through Iris
	// WHEN: the same idempotency key is paid again
	// THEN: Iris is called once and the replay returns the first receipt
	disb := &fakeIris{res: &iris.CreatePayoutResponse{Payouts: []iris.CreatePayoutDetailResponse{{Status: "queued", ReferenceNo: "ref-1"}}}}
	rail := NewWithClients(&fakeCore{}, disb, store.NewMemory(), "", nil)
	ctx := context.Background()

	first, err := rail.Payout(ctx, hostTransfer)
	require.NoError(t, err)
	second, err := rail.Payout(ctx, hostTransfer)
	require.NoError(t, err)

	assert.Equal(t, 1, disb.calls)
	assert.Equal(t, "ref-1", second.Reference)
	assert.Equal(t, first.Reference, second.Reference)
}

func TestPayout_UnsettledKeyFoundInHistory(t *testing.T) {
	// GIVEN: a reservation with no receipt, as left by a crash after Iris
	//        accepted the payout, and that payout in Iris history
	// WHEN: the payout is retried
	// THEN: the existing payout is returned and journaled, nothing is sent
	journal := store.NewMemory()
	reservedAt := time.Date(2024, 1, 19, 23, 50, 0, 0, time.UTC)
	_, _, err := journal.ReserveTransfer(context.Background(), hostTransfer.IdempotencyKey, reservedAt)
	require.NoError(t, err)

	disb := &fakeIris{
		history: []iris.TransactionHistoryResponse{
			{ReferenceNo: "ref-other", BeneficiaryAccount: "999"},
			{ReferenceNo: "ref-older", BeneficiaryAccount: "1234567890"},
			{ReferenceNo: "ref-7", BeneficiaryAccount: "1234567890"},
		},
		details: map[string]*iris.PayoutDetailResponse{
			"ref-older": {ReferenceNo: "ref-older", Notes: "payout-b-0", Status: "completed"},
			"ref-7":     {ReferenceNo: "ref-7", Notes: "payout-b-1", Status: "completed"},
		},
	}
	rail := NewWithClients(&fakeCore{}, disb, journal, "", nil)
	rail.now = func() time.Time { return time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC) }

	receipt, err := rail.Payout(context.Background(), hostTransfer)
	require.NoError(t, err)
	assert.Equal(t, "ref-7", receipt.Reference)
	assert.Equal(t, 0, disb.calls)
	assert.Equal(t, [2]string{"2024-01-19", "2024-01-20"}, disb.historyReq)

	entry, reserved, err := journal.ReserveTransfer(context.Background(), hostTransfer.IdempotencyKey, time.Now())
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, entry.Receipt)
	assert.Equal(t, "ref-7", entry.Receipt.Reference)
}

func TestPayout_UnsettledKeyNotInHistorySendsOnce(t *testing.T) {
	journal := store.NewMemory()
	_, _, err := journal.ReserveTransfer(context.Background(), hostTransfer.IdempotencyKey, time.Now())
	require.NoError(t, err)
	disb := &fakeIris{res: &iris.CreatePayoutResponse{Payouts: []iris.CreatePayoutDetailResponse{{Status: "queued", ReferenceNo: "ref-2"}}}}
	rail := NewWithClients(&fakeCore{}, disb, journal, "", nil)

	receipt, err := rail.Payout(context.Background(), hostTransfer)
	require.NoError(t, err)
	assert.Equal(t, "ref-2", receipt.Reference)
	assert.Equal(t, 1, disb.calls)
}

func TestPayout_UnresolvableHistoryRefuses(t *testing.T) {
	// GIVEN: an unsettled reservation and Iris history unavailable
	// THEN: the payout fails without calling CreatePayout
	journal := store.NewMemory()
	_, _, err := journal.ReserveTransfer(context.Background(), hostTransfer.IdempotencyKey, time.Now())
	require.NoError(t, err)
	disb := &fakeIris{historyErr: &midtrans.Error{Message: "service unavailable", StatusCode: 503}}
	rail := NewWithClients(&fakeCore{}, disb, journal, "", nil)

	_, err = rail.Payout(context.Background(), hostTransfer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved")
	assert.Equal(t, 0, disb.calls)
}
