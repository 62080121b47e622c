package gateway_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/settlement"
)

func payout(id settlement.BookingID) settlement.PayoutTransfer {
	return settlement.PayoutTransfer{
		IdempotencyKey: "payout-" + string(id),
		BookingID:      id,
		HostID:         "host-1",
		Amount:         decimal.NewFromInt(100),
		Bank:           settlement.BankAccount{BankName: "BCA", AccountNumber: "123"},
	}
}

func TestSandbox_IdempotencyKeyReplaysReceipt(t *testing.T) {
	ctx := context.Background()
	sb := gateway.NewSandbox(nil)

	first, err := sb.Payout(ctx, payout("b-1"))
	require.NoError(t, err)
	second, err := sb.Payout(ctx, payout("b-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Reference, second.Reference)
	assert.Len(t, sb.Payouts(), 1)
	assert.Contains(t, first.Reference, "SBX-PO-")
}

func TestSandbox_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	sb := gateway.NewSandbox(nil)

	sb.FailPayoutFor("b-2", gateway.ErrRailUnavailable)
	_, err := sb.Payout(ctx, payout("b-2"))
	require.ErrorIs(t, err, gateway.ErrRailUnavailable)
	_, err = sb.Payout(ctx, payout("b-3"))
	require.NoError(t, err)

	sb.FailPayoutFor("b-2", nil)
	_, err = sb.Payout(ctx, payout("b-2"))
	require.NoError(t, err)

	boom := errors.New("boom")
	sb.FailRefunds(boom)
	_, err = sb.Refund(ctx, settlement.RefundTransfer{IdempotencyKey: "refund-1", Amount: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, sb.Refunds())

	sb.FailRefunds(nil)
	_, err = sb.Refund(ctx, settlement.RefundTransfer{IdempotencyKey: "refund-1", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Len(t, sb.Refunds(), 1)
}

func TestSandbox_RejectsBadTransfers(t *testing.T) {
	ctx := context.Background()
	sb := gateway.NewSandbox(nil)

	_, err := sb.Refund(ctx, settlement.RefundTransfer{Amount: decimal.Zero})
	require.Error(t, err)

	noAccount := payout("b-1")
	noAccount.Bank.AccountNumber = ""
	_, err = sb.Payout(ctx, noAccount)
	require.Error(t, err)
}

func TestSandbox_PayoutHookRunsFirst(t *testing.T) {
	sb := gateway.NewSandbox(nil)
	var seen []settlement.BookingID
	sb.OnPayout(func(_ context.Context, t settlement.PayoutTransfer) {
		// Calling back into the sandbox must not deadlock.
		seen = append(seen, t.BookingID)
		_ = len(sb.Payouts())
	})
	_, err := sb.Payout(context.Background(), payout("b-1"))
	require.NoError(t, err)
	assert.Equal(t, []settlement.BookingID{"b-1"}, seen)
}

type countingCache struct {
	*gateway.MemoryCache
	sets int
}

func (c *countingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.sets++
	return c.MemoryCache.Set(ctx, key, value, ttl)
}

func TestTemplateQR_BuildsAndCaches(t *testing.T) {
	ctx := context.Background()
	cache := &countingCache{MemoryCache: gateway.NewMemoryCache(time.Minute, time.Minute)}
	qr := gateway.NewTemplateQR("", cache, time.Minute, nil)

	req := settlement.QRRequest{
		Bank: "BCA", AccountNumber: "1234567890", AccountHolder: "Host One",
		Amount: decimal.RequireFromString("600000"), Memo: "PAYOUT b-1",
	}
	link, err := qr.TransferQR(ctx, req)
	require.NoError(t, err)
	assert.Equal(t,
		"https://img.vietqr.io/image/BCA-1234567890-compact2.png?amount=600000&addInfo=PAYOUT+b-1&accountName=Host+One",
		link)

	again, err := qr.TransferQR(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, link, again)
	assert.Equal(t, 1, cache.sets)
}

func TestTemplateQR_RequiresBankAndAccount(t *testing.T) {
	qr := gateway.NewTemplateQR("https://qr.example/{bank}/{account}", nil, 0, nil)

	_, err := qr.TransferQR(context.Background(), settlement.QRRequest{AccountNumber: "1"})
	require.ErrorIs(t, err, settlement.ErrValidation)
	_, err = qr.TransferQR(context.Background(), settlement.QRRequest{Bank: "BCA"})
	require.ErrorIs(t, err, settlement.ErrValidation)

	link, err := qr.TransferQR(context.Background(), settlement.QRRequest{Bank: "BCA", AccountNumber: "1"})
	require.NoError(t, err)
	assert.Equal(t, "https://qr.example/BCA/1", link)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := gateway.NewMemoryCache(time.Minute, time.Minute)

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := gateway.NewRedisCache(url, "settlement-test:")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
