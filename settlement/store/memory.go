// Package store provides an in-memory settlement.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the ledger in maps. WithBookingTx holds a per-booking mutex
// and stages writes, applying them only when the callback succeeds.
type Memory struct {
	mu       sync.RWMutex
	bookings map[settlement.BookingID]settlement.Booking
	refunds  map[settlement.RefundRequestID]settlement.RefundRequest
	byBook   map[settlement.BookingID]settlement.RefundRequestID
	payouts  map[settlement.BookingID]settlement.PayoutRecord
	wallets  map[settlement.UserID]settlement.Wallet
	audit    map[settlement.BookingID][]settlement.AuditEntry

	// transfers is the rail journal. Reset keeps it: the money has moved.
	transfers map[string]settlement.TransferEntry

	locksMu sync.Mutex
	locks   map[settlement.BookingID]*sync.Mutex
}

func NewMemory() *Memory {
	m := &Memory{
		locks:     make(map[settlement.BookingID]*sync.Mutex),
		transfers: make(map[string]settlement.TransferEntry),
	}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.bookings = make(map[settlement.BookingID]settlement.Booking)
	m.refunds = make(map[settlement.RefundRequestID]settlement.RefundRequest)
	m.byBook = make(map[settlement.BookingID]settlement.RefundRequestID)
	m.payouts = make(map[settlement.BookingID]settlement.PayoutRecord)
	m.wallets = make(map[settlement.UserID]settlement.Wallet)
	m.audit = make(map[settlement.BookingID][]settlement.AuditEntry)
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

func (m *Memory) bookingLock(id settlement.BookingID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Memory) CreateBooking(_ context.Context, b settlement.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s: %w", b.ID, settlement.ErrConflict)
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) SaveWallet(_ context.Context, w settlement.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.HostID] = w
	return nil
}

func (m *Memory) WithBookingTx(ctx context.Context, id settlement.BookingID, fn func(tx settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.bookingLock(id)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	b, ok := m.bookings[id]
	tx := &memTx{id: id, booking: b}
	if rid, has := m.byBook[id]; has {
		rr := m.refunds[rid]
		tx.refund = &rr
	}
	if po, has := m.payouts[id]; has {
		tx.payout = &po
	}
	m.mu.RUnlock()
	if !ok {
		return &settlement.NotFoundError{Kind: "booking", ID: string(id)}
	}

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.bookingDirty {
		m.bookings[id] = tx.booking
	}
	if tx.refundDirty {
		m.refunds[tx.refund.ID] = *tx.refund
		m.byBook[id] = tx.refund.ID
	}
	if tx.payoutDirty {
		if tx.payout == nil {
			delete(m.payouts, id)
		} else {
			m.payouts[id] = *tx.payout
		}
	}
	m.audit[id] = append(m.audit[id], tx.audit...)
	return nil
}

// memTx stages writes for one booking.
type memTx struct {
	id settlement.BookingID

	booking      settlement.Booking
	bookingDirty bool
	refund       *settlement.RefundRequest
	refundDirty  bool
	payout       *settlement.PayoutRecord
	payoutDirty  bool
	audit        []settlement.AuditEntry
}

func (t *memTx) Booking(_ context.Context) (*settlement.Booking, error) {
	b := t.booking
	return &b, nil
}

func (t *memTx) SaveBooking(_ context.Context, b settlement.Booking) error {
	if b.ID != t.id {
		return fmt.Errorf("booking %s saved in transaction for %s", b.ID, t.id)
	}
	t.booking = b
	t.bookingDirty = true
	return nil
}

func (t *memTx) RefundRequest(_ context.Context) (*settlement.RefundRequest, error) {
	if t.refund == nil {
		return nil, nil
	}
	rr := *t.refund
	return &rr, nil
}

func (t *memTx) SaveRefundRequest(_ context.Context, rr settlement.RefundRequest) error {
	if rr.BookingID != t.id {
		return fmt.Errorf("refund request for booking %s saved in transaction for %s", rr.BookingID, t.id)
	}
	if t.refund != nil && t.refund.ID != rr.ID {
		return fmt.Errorf("booking %s already has refund request %s: %w", t.id, t.refund.ID, settlement.ErrConflict)
	}
	t.refund = &rr
	t.refundDirty = true
	return nil
}

func (t *memTx) Payout(_ context.Context) (*settlement.PayoutRecord, error) {
	if t.payout == nil {
		return nil, nil
	}
	po := *t.payout
	return &po, nil
}

func (t *memTx) SavePayout(_ context.Context, p settlement.PayoutRecord) error {
	if p.BookingID != t.id {
		return fmt.Errorf("payout for booking %s saved in transaction for %s", p.BookingID, t.id)
	}
	t.payout = &p
	t.payoutDirty = true
	return nil
}

func (t *memTx) DeletePayout(_ context.Context) error {
	if t.payout != nil && t.payout.Paid {
		return fmt.Errorf("payout for booking %s is paid and cannot be deleted", t.id)
	}
	t.payout = nil
	t.payoutDirty = true
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e settlement.AuditEntry) error {
	if e.BookingID != t.id {
		return errors.New("audit entry for a different booking")
	}
	t.audit = append(t.audit, e)
	return nil
}

// =============================================================================
// TRANSFER JOURNAL
// =============================================================================

func (m *Memory) ReserveTransfer(_ context.Context, key string, at time.Time) (*settlement.TransferEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.transfers[key]; ok {
		return copyEntry(e), false, nil
	}
	e := settlement.TransferEntry{Key: key, ReservedAt: at}
	m.transfers[key] = e
	return copyEntry(e), true, nil
}

func (m *Memory) SettleTransfer(_ context.Context, key string, r settlement.TransferReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[key]
	if !ok {
		return &settlement.NotFoundError{Kind: "transfer", ID: key}
	}
	e.Receipt = &r
	m.transfers[key] = e
	return nil
}

func copyEntry(e settlement.TransferEntry) *settlement.TransferEntry {
	if e.Receipt != nil {
		r := *e.Receipt
		e.Receipt = &r
	}
	return &e
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetBooking(_ context.Context, id settlement.BookingID) (*settlement.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, &settlement.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return &b, nil
}

func (m *Memory) ListBookings(_ context.Context, f settlement.BookingFilter) ([]settlement.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.Booking
	for _, b := range m.bookings {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.HostID != "" && b.HostID != f.HostID {
			continue
		}
		if f.TenantID != "" && b.TenantID != f.TenantID {
			continue
		}
		if f.EndedBefore != nil && b.EndDate.After(*f.EndedBefore) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].EndDate.Before(out[j].EndDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetRefundRequest(_ context.Context, id settlement.RefundRequestID) (*settlement.RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rr, ok := m.refunds[id]
	if !ok {
		return nil, &settlement.NotFoundError{Kind: "refund request", ID: string(id)}
	}
	return &rr, nil
}

func (m *Memory) FindRefundRequest(_ context.Context, bookingID settlement.BookingID) (*settlement.RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rid, ok := m.byBook[bookingID]
	if !ok {
		return nil, nil
	}
	rr := m.refunds[rid]
	return &rr, nil
}

func (m *Memory) ListRefundRequests(_ context.Context, f settlement.RefundFilter) ([]settlement.RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	term := strings.ToLower(f.Search)
	var out []settlement.RefundRequest
	for _, rr := range m.refunds {
		if f.CustomerID != "" && rr.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && rr.Status != f.Status {
			continue
		}
		if f.CreatedFrom != nil && rr.CreatedAt.Before(*f.CreatedFrom) {
			continue
		}
		if f.CreatedUntil != nil && !rr.CreatedAt.Before(*f.CreatedUntil) {
			continue
		}
		if term != "" && !matchesSearch(rr, term) {
			continue
		}
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchesSearch(rr settlement.RefundRequest, term string) bool {
	fields := []string{string(rr.BookingID), string(rr.CustomerID), rr.Reason}
	if rr.Bank != nil {
		fields = append(fields, rr.Bank.AccountHolder)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func (m *Memory) GetPayout(_ context.Context, bookingID settlement.BookingID) (*settlement.PayoutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	po, ok := m.payouts[bookingID]
	if !ok {
		return nil, nil
	}
	return &po, nil
}

func (m *Memory) ListPayouts(_ context.Context, f settlement.PayoutFilter) ([]settlement.PayoutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.PayoutRecord
	for _, po := range m.payouts {
		if f.HostID != "" && po.HostID != f.HostID {
			continue
		}
		at := payoutTime(po, f.State)
		if at == nil {
			continue
		}
		if f.From != nil && at.Before(*f.From) {
			continue
		}
		if f.Until != nil && !at.Before(*f.Until) {
			continue
		}
		out = append(out, po)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := payoutTime(out[i], f.State), payoutTime(out[j], f.State)
		if !ti.Equal(*tj) {
			return ti.After(*tj)
		}
		return out[i].BookingID < out[j].BookingID
	})
	return out, nil
}

func payoutTime(po settlement.PayoutRecord, state settlement.PayoutState) *time.Time {
	switch state {
	case settlement.PayoutStatePaid:
		if po.Paid {
			return po.PaidAt
		}
	case settlement.PayoutStateRejected:
		if po.Rejected {
			return po.RejectedAt
		}
	}
	return nil
}

func (m *Memory) ListPayoutCandidates(_ context.Context, f settlement.CandidateFilter) ([]settlement.PayoutCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.PayoutCandidate
	for _, b := range m.bookings {
		if b.Status != settlement.BookingCompleted || b.EndDate.After(f.EndedBefore) {
			continue
		}
		if f.HostID != "" && b.HostID != f.HostID {
			continue
		}
		c := settlement.PayoutCandidate{Booking: b}
		if rid, ok := m.byBook[b.ID]; ok {
			rr := m.refunds[rid]
			c.Refund = &rr
		}
		if po, ok := m.payouts[b.ID]; ok {
			c.Payout = &po
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Booking, out[j].Booking
		if !bi.EndDate.Equal(bj.EndDate) {
			return bi.EndDate.Before(bj.EndDate)
		}
		return bi.ID < bj.ID
	})
	return out, nil
}

func (m *Memory) DefaultWallet(_ context.Context, hostID settlement.UserID) (*settlement.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[hostID]
	if !ok || !w.IsDefault {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) ListAudit(_ context.Context, bookingID settlement.BookingID) ([]settlement.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]settlement.AuditEntry, len(m.audit[bookingID]))
	copy(out, m.audit[bookingID])
	return out, nil
}

var (
	_ settlement.Store           = (*Memory)(nil)
	_ settlement.TransferJournal = (*Memory)(nil)
)
