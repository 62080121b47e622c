/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the ledger in the advertised state:
	- Refund scenarios produce requests in the right status and attempt
	- Payout scenarios produce the expected pending queue
	- Loading a scenario resets whatever was loaded before

Scenarios run against the SQLite store so they double as integration tests
for it.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/gateway"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := settlement.NewEngine(st, gateway.NewSandbox(nil))
	return NewHandler(engine, zap.NewNop())
}

func TestScenario_ListedLoadersExist(t *testing.T) {
	for _, s := range scenarios {
		_, ok := loaders[s.ID]
		assert.True(t, ok, "scenario %s has no loader", s.ID)
	}
	assert.Len(t, loaders, len(scenarios))
}

func TestScenario_RefundPending(t *testing.T) {
	// GIVEN: The refund-pending scenario
	h := setupTestHandler(t)
	ctx := context.Background()

	// WHEN: Loading it
	require.NoError(t, h.LoadScenarioByID(ctx, "refund-pending"))

	// THEN: Three pending refund requests on cancelled bookings
	items, err := h.Engine.ListRefundRequests(ctx, scenarioAdmin, settlement.RefundQuery{Status: settlement.RefundPending})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	for _, rr := range items {
		b, err := h.Engine.GetBooking(ctx, scenarioAdmin, rr.BookingID)
		require.NoError(t, err)
		assert.Equal(t, settlement.BookingCancelled, b.Status)
		require.NotNil(t, rr.Bank)
	}
}

func TestScenario_RefundAppeal(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "refund-appeal"))

	items, err := h.Engine.ListRefundRequests(ctx, scenarioAdmin, settlement.RefundQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, settlement.RefundPending, items[0].Status)
	assert.Equal(t, 1, items[0].AttemptNumber)
	assert.NotEmpty(t, items[0].AppealReason)
}

func TestScenario_RefundLimit(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "refund-limit"))

	items, err := h.Engine.ListRefundRequests(ctx, scenarioAdmin, settlement.RefundQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, settlement.RefundRejected, items[0].Status)
	assert.Equal(t, h.Engine.Policy().MaxAppeals, items[0].AttemptNumber)
}

func TestScenario_PayoutReady(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "payout-ready"))

	pending, err := h.Engine.ListPending(ctx, scenarioAdmin, "")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Oldest stay first
	assert.Equal(t, settlement.BookingID("bk-pr-1"), pending[0].Booking.ID)

	w, err := h.Engine.Store().DefaultWallet(ctx, "host-2")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "Mandiri", w.Account.BankName)
}

func TestScenario_PayoutMixed(t *testing.T) {
	// GIVEN: The mixed payout scenario
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "payout-mixed"))

	// THEN: Only the three clean stays are pending
	pending, err := h.Engine.ListPending(ctx, scenarioAdmin, "")
	require.NoError(t, err)
	ids := make([]settlement.BookingID, len(pending))
	for i, p := range pending {
		ids[i] = p.Booking.ID
	}
	assert.ElementsMatch(t, []settlement.BookingID{"bk-pr-1", "bk-pr-2", "bk-pr-3"}, ids)

	// AND: The rejected payout is listed as rejected
	rejected, err := h.Engine.ListRejected(ctx, scenarioAdmin, "", nil, nil)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, settlement.BookingID("bk-pm-rej"), rejected[0].BookingID)
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.LoadScenarioByID(ctx, "payout-ready"))
	require.NoError(t, h.LoadScenarioByID(ctx, "refund-appeal"))

	pending, err := h.Engine.ListPending(ctx, scenarioAdmin, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.Engine.GetBooking(ctx, scenarioAdmin, "bk-pr-1")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestScenario_UnknownID(t *testing.T) {
	h := setupTestHandler(t)
	err := h.LoadScenarioByID(context.Background(), "nope")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestScenarioRoutes(t *testing.T) {
	api := newTestAPI(t)

	rec, env := api.do(http.MethodGet, "/api/scenarios", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]ScenarioDTO](t, env), len(scenarios))

	rec, env = api.do(http.MethodPost, "/api/scenarios/load", nil, `{"scenario_id":"refund-pending"}`)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	rec, env = api.do(http.MethodGet, "/api/scenarios/current", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refund-pending", decodeData[ScenarioDTO](t, env).ID)

	rec, _ = api.do(http.MethodPost, "/api/scenarios/load", nil, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
