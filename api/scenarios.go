/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	settlement data. Every scenario is built by driving the engine itself
	(create, confirm, cancel, reject, appeal), so the audit trail is the
	same as for real traffic.

AVAILABLE SCENARIOS:

	refund-pending:  cancelled bookings waiting for an admin decision
	refund-appeal:   a rejected refund that was appealed once
	refund-limit:    a refund whose appeals are exhausted
	payout-ready:    completed stays past the holding period, hosts with wallets
	payout-mixed:    payout queue next to a rejected payout, a disputed stay
	                 and a stay still inside the holding period

HOW SCENARIOS WORK:
 1. Reset ledger (clear all data)
 2. Save host wallets
 3. Create and confirm bookings with past dates
 4. Walk each booking through the engine to the demo state

Scenarios never call the settlement rail.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "refund-appeal"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add it to the 'loaders' map

NOTE:

	Scenarios reset the ledger. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - cmd/settlectl: seed command
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "refund-pending",
		Name:        "Pending Refunds",
		Description: "Cancelled bookings with refund requests waiting for review",
		Category:    "refund",
	},
	{
		ID:          "refund-appeal",
		Name:        "Appealed Refund",
		Description: "A rejected refund request the customer appealed once",
		Category:    "refund",
	},
	{
		ID:          "refund-limit",
		Name:        "Appeals Exhausted",
		Description: "A refund request rejected after every allowed appeal",
		Category:    "refund",
	},
	{
		ID:          "payout-ready",
		Name:        "Payout Queue",
		Description: "Completed stays past the holding period, ready to pay",
		Category:    "payout",
	},
	{
		ID:          "payout-mixed",
		Name:        "Mixed Payouts",
		Description: "Payout queue alongside a rejected payout, an open dispute and a stay still on hold",
		Category:    "payout",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) error

var loaders = map[string]scenarioLoader{
	"refund-pending": loadRefundPendingScenario,
	"refund-appeal":  loadRefundAppealScenario,
	"refund-limit":   loadRefundLimitScenario,
	"payout-ready":   loadPayoutReadyScenario,
	"payout-mixed":   loadPayoutMixedScenario,
}

var (
	scenarioAdmin = settlement.Actor{ID: "admin-demo", Role: settlement.RoleAdmin}
	errNoResetter = errors.New("store does not support reset")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, scenarios, "")
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeData(w, http.StatusOK, s, "")
			return
		}
	}
	writeData(w, http.StatusOK, nil, "No scenario loaded")
}

// LoadScenario resets the ledger and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		respondError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"scenarioId": req.ScenarioID}, "Scenario loaded")
}

// ResetDatabase clears the ledger.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeData(w, http.StatusOK, nil, "Ledger reset")
}

// LoadScenarioByID resets the ledger and runs the named loader.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := loaders[id]
	if !ok {
		return &settlement.NotFoundError{Kind: "scenario", ID: id}
	}
	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := load(ctx, h); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

func (h *Handler) reset(ctx context.Context) error {
	if h.Resetter == nil {
		return errNoResetter
	}
	return h.Resetter.Reset(ctx)
}

// =============================================================================
// BUILDING BLOCKS
// =============================================================================

type demoBooking struct {
	id       string
	tenant   settlement.UserID
	host     settlement.UserID
	endedAgo int // days
	nights   int
	price    int64
}

// createStay creates and confirms a booking that ended endedAgo days ago.
func (h *Handler) createStay(ctx context.Context, d demoBooking) (*settlement.Booking, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	end := today.AddDate(0, 0, -d.endedAgo)
	start := end.AddDate(0, 0, -max(1, d.nights))
	price := decimal.NewFromInt(d.price)

	b, err := h.Engine.CreateBooking(ctx, scenarioAdmin, settlement.NewBooking{
		ID:         settlement.BookingID(d.id),
		TenantID:   d.tenant,
		HostID:     d.host,
		ListingID:  "listing-" + string(d.host),
		StartDate:  start,
		EndDate:    end,
		TotalPrice: &price,
		Currency:   "IDR",
		PaymentRef: "pay-" + d.id,
	})
	if err != nil {
		return nil, err
	}
	return h.Engine.ConfirmBooking(ctx, scenarioAdmin, b.ID)
}

func (h *Handler) cancelWithRefund(ctx context.Context, d demoBooking, reason string) (*settlement.RefundRequest, error) {
	b, err := h.createStay(ctx, d)
	if err != nil {
		return nil, err
	}
	customer := settlement.Actor{ID: d.tenant, Role: settlement.RoleCustomer}
	if _, err := h.Engine.CancelBooking(ctx, customer, b.ID); err != nil {
		return nil, err
	}
	return h.Engine.CreateRefundRequest(ctx, customer, b.ID, reason, &settlement.BankAccount{
		BankCode:      "970436",
		AccountNumber: "0011" + d.id,
		AccountHolder: string(d.tenant),
	})
}

func (h *Handler) completeStay(ctx context.Context, d demoBooking) (*settlement.Booking, error) {
	b, err := h.createStay(ctx, d)
	if err != nil {
		return nil, err
	}
	return h.Engine.MarkCompleted(ctx, scenarioAdmin, b.ID)
}

func (h *Handler) saveWallet(ctx context.Context, host settlement.UserID, bank string) error {
	return h.Engine.Store().SaveWallet(ctx, settlement.Wallet{
		HostID: host,
		Account: settlement.BankAccount{
			BankName:      bank,
			AccountNumber: "8800" + string(host),
			AccountHolder: string(host),
		},
		IsDefault: true,
		UpdatedAt: time.Now().UTC(),
	})
}

// =============================================================================
// REFUND SCENARIOS
// =============================================================================

func loadRefundPendingScenario(ctx context.Context, h *Handler) error {
	stays := []demoBooking{
		{id: "bk-rp-1", tenant: "alice", host: "host-1", endedAgo: -10, nights: 3, price: 1_500_000},
		{id: "bk-rp-2", tenant: "bob", host: "host-1", endedAgo: -20, nights: 2, price: 900_000},
		{id: "bk-rp-3", tenant: "carol", host: "host-2", endedAgo: -5, nights: 5, price: 2_750_000},
	}
	for _, d := range stays {
		if _, err := h.cancelWithRefund(ctx, d, "Plans changed, cannot travel"); err != nil {
			return err
		}
	}
	return nil
}

func loadRefundAppealScenario(ctx context.Context, h *Handler) error {
	d := demoBooking{id: "bk-ra-1", tenant: "alice", host: "host-1", endedAgo: -14, nights: 4, price: 2_000_000}
	rr, err := h.cancelWithRefund(ctx, d, "Host cancelled the reservation")
	if err != nil {
		return err
	}
	if _, err := h.Engine.RejectRefundRequest(ctx, scenarioAdmin, rr.ID, "Cancellation came from the guest"); err != nil {
		return err
	}
	customer := settlement.Actor{ID: d.tenant, Role: settlement.RoleCustomer}
	_, err = h.Engine.AppealRefundRequest(ctx, customer, rr.ID, "Attached the host's cancellation message as proof")
	return err
}

func loadRefundLimitScenario(ctx context.Context, h *Handler) error {
	d := demoBooking{id: "bk-rl-1", tenant: "bob", host: "host-2", endedAgo: -7, nights: 2, price: 1_200_000}
	rr, err := h.cancelWithRefund(ctx, d, "Listing photos did not match")
	if err != nil {
		return err
	}
	customer := settlement.Actor{ID: d.tenant, Role: settlement.RoleCustomer}
	for {
		if _, err := h.Engine.RejectRefundRequest(ctx, scenarioAdmin, rr.ID, "Insufficient evidence provided"); err != nil {
			return err
		}
		_, err := h.Engine.AppealRefundRequest(ctx, customer, rr.ID, "Please look at the photos again, they differ")
		if errors.Is(err, settlement.ErrAttemptLimitExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// =============================================================================
// PAYOUT SCENARIOS
// =============================================================================

func loadPayoutReadyScenario(ctx context.Context, h *Handler) error {
	if err := h.saveWallet(ctx, "host-1", "BCA"); err != nil {
		return err
	}
	if err := h.saveWallet(ctx, "host-2", "Mandiri"); err != nil {
		return err
	}
	hold := holdingDays(h.Engine.Policy())
	stays := []demoBooking{
		{id: "bk-pr-1", tenant: "alice", host: "host-1", endedAgo: hold + 10, nights: 3, price: 1_800_000},
		{id: "bk-pr-2", tenant: "bob", host: "host-1", endedAgo: hold + 4, nights: 2, price: 950_000},
		{id: "bk-pr-3", tenant: "carol", host: "host-2", endedAgo: hold + 1, nights: 6, price: 3_300_000},
	}
	for _, d := range stays {
		if _, err := h.completeStay(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func loadPayoutMixedScenario(ctx context.Context, h *Handler) error {
	if err := loadPayoutReadyScenario(ctx, h); err != nil {
		return err
	}
	hold := holdingDays(h.Engine.Policy())

	// Rejected: damage claim outstanding.
	rejected := demoBooking{id: "bk-pm-rej", tenant: "dave", host: "host-2", endedAgo: hold + 6, nights: 2, price: 1_100_000}
	if _, err := h.completeStay(ctx, rejected); err != nil {
		return err
	}
	if _, err := h.Engine.RejectPayout(ctx, scenarioAdmin, settlement.BookingID(rejected.id), "Damage claim filed by platform"); err != nil {
		return err
	}

	// Disputed: completed stay with an open refund request.
	disputed := demoBooking{id: "bk-pm-dis", tenant: "erin", host: "host-1", endedAgo: hold + 2, nights: 1, price: 600_000}
	if _, err := h.completeStay(ctx, disputed); err != nil {
		return err
	}
	erin := settlement.Actor{ID: disputed.tenant, Role: settlement.RoleCustomer}
	if _, err := h.Engine.CreateRefundRequest(ctx, erin, settlement.BookingID(disputed.id), "Room was not cleaned", nil); err != nil &&
		!errors.Is(err, settlement.ErrNotEligible) {
		return err
	}

	// On hold: ended yesterday.
	onHold := demoBooking{id: "bk-pm-hold", tenant: "frank", host: "host-2", endedAgo: 1, nights: 2, price: 1_400_000}
	_, err := h.completeStay(ctx, onHold)
	return err
}

func holdingDays(p settlement.Policy) int {
	return int(p.HoldingPeriod / (24 * time.Hour))
}
