/*
Package gormstore is the PostgreSQL settlement.Store, built on GORM.

Unlike store/sqlite, which serializes all writers behind one process mutex,
this store relies on the database: WithBookingTx opens a transaction and
takes SELECT ... FOR UPDATE on the booking row, so several API replicas can
share one database and still never pay the same booking twice.

The same code runs against SQLite (gorm.io/driver/sqlite) in tests. SQLite
has no row locks; the single-connection pool serializes transactions there.
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/settlement-engine/settlement"
)

type Store struct {
	db *gorm.DB
}

// Open connects with the given dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db)
}

// OpenPostgres connects using a libpq DSN or URL.
func OpenPostgres(dsn string) (*Store, error) {
	return Open(postgres.Open(dsn))
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&bookingModel{}, &refundModel{}, &payoutModel{}, &walletModel{}, &auditModel{}, &transferModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// =============================================================================
// SCOPES
// =============================================================================

func withStatus(status string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if status == "" {
			return db
		}
		return db.Where("status = ?", status)
	}
}

func withHost(hostID settlement.UserID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if hostID == "" {
			return db
		}
		return db.Where("host_id = ?", string(hostID))
	}
}

func between(col string, from, until *time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if from != nil {
			db = db.Where(col+" >= ?", from.UTC())
		}
		if until != nil {
			db = db.Where(col+" < ?", until.UTC())
		}
		return db
	}
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (s *Store) CreateBooking(ctx context.Context, b settlement.Booking) error {
	m := toBookingModel(b)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("booking %s: %w", b.ID, settlement.ErrConflict)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func getBooking(db *gorm.DB, id settlement.BookingID) (*settlement.Booking, error) {
	var m bookingModel
	if err := db.First(&m, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &settlement.NotFoundError{Kind: "booking", ID: string(id)}
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	b := m.toEntity()
	return &b, nil
}

func (s *Store) GetBooking(ctx context.Context, id settlement.BookingID) (*settlement.Booking, error) {
	return getBooking(s.db.WithContext(ctx), id)
}

func (s *Store) ListBookings(ctx context.Context, f settlement.BookingFilter) ([]settlement.Booking, error) {
	q := s.db.WithContext(ctx).Scopes(withStatus(string(f.Status)), withHost(f.HostID))
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", string(f.TenantID))
	}
	if f.EndedBefore != nil {
		q = q.Where("end_date <= ?", f.EndedBefore.UTC())
	}
	var rows []bookingModel
	if err := q.Order("end_date").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	out := make([]settlement.Booking, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// =============================================================================
// TRANSFER JOURNAL
// =============================================================================

func (s *Store) ReserveTransfer(ctx context.Context, key string, at time.Time) (*settlement.TransferEntry, bool, error) {
	m := transferModel{IdempotencyKey: key, ReservedAt: at.UTC()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to reserve transfer: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		e := m.toEntity()
		return &e, true, nil
	}
	var existing transferModel
	if err := s.db.WithContext(ctx).First(&existing, "idempotency_key = ?", key).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load transfer: %w", err)
	}
	e := existing.toEntity()
	return &e, false, nil
}

func (s *Store) SettleTransfer(ctx context.Context, key string, r settlement.TransferReceipt) error {
	at := r.At.UTC()
	res := s.db.WithContext(ctx).Model(&transferModel{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{"reference": r.Reference, "status": r.Status, "settled_at": at})
	if res.Error != nil {
		return fmt.Errorf("failed to settle transfer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &settlement.NotFoundError{Kind: "transfer", ID: key}
	}
	return nil
}

// =============================================================================
// REFUND REQUESTS
// =============================================================================

func findRefund(db *gorm.DB, bookingID settlement.BookingID) (*settlement.RefundRequest, error) {
	var m refundModel
	err := db.Where("booking_id = ?", string(bookingID)).Limit(1).Find(&m).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load refund request: %w", err)
	}
	if m.ID == "" {
		return nil, nil
	}
	rr := m.toEntity()
	return &rr, nil
}

func (s *Store) GetRefundRequest(ctx context.Context, id settlement.RefundRequestID) (*settlement.RefundRequest, error) {
	var m refundModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &settlement.NotFoundError{Kind: "refund request", ID: string(id)}
		}
		return nil, fmt.Errorf("failed to load refund request: %w", err)
	}
	rr := m.toEntity()
	return &rr, nil
}

func (s *Store) FindRefundRequest(ctx context.Context, bookingID settlement.BookingID) (*settlement.RefundRequest, error) {
	return findRefund(s.db.WithContext(ctx), bookingID)
}

func (s *Store) ListRefundRequests(ctx context.Context, f settlement.RefundFilter) ([]settlement.RefundRequest, error) {
	q := s.db.WithContext(ctx).Scopes(withStatus(string(f.Status)), between("created_at", f.CreatedFrom, f.CreatedUntil))
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", string(f.CustomerID))
	}
	if f.Search != "" {
		term := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where("(LOWER(booking_id) LIKE ? OR LOWER(customer_id) LIKE ? OR LOWER(reason) LIKE ? OR LOWER(account_holder) LIKE ?)",
			term, term, term, term)
	}
	var rows []refundModel
	if err := q.Order("created_at DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query refund requests: %w", err)
	}
	out := make([]settlement.RefundRequest, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

func getPayout(db *gorm.DB, bookingID settlement.BookingID) (*settlement.PayoutRecord, error) {
	var m payoutModel
	if err := db.Where("booking_id = ?", string(bookingID)).Limit(1).Find(&m).Error; err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	if m.BookingID == "" {
		return nil, nil
	}
	p := m.toEntity()
	return &p, nil
}

func (s *Store) GetPayout(ctx context.Context, bookingID settlement.BookingID) (*settlement.PayoutRecord, error) {
	return getPayout(s.db.WithContext(ctx), bookingID)
}

func (s *Store) ListPayouts(ctx context.Context, f settlement.PayoutFilter) ([]settlement.PayoutRecord, error) {
	var flag, col string
	switch f.State {
	case settlement.PayoutStatePaid:
		flag, col = "paid", "paid_at"
	case settlement.PayoutStateRejected:
		flag, col = "rejected", "rejected_at"
	default:
		return nil, &settlement.ValidationError{Field: "state", Message: fmt.Sprintf("unknown payout state %q", f.State)}
	}

	var rows []payoutModel
	err := s.db.WithContext(ctx).
		Where(flag+" = ?", true).
		Scopes(withHost(f.HostID), between(col, f.From, f.Until)).
		Order(col + " DESC").Order("booking_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	out := make([]settlement.PayoutRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toEntity())
	}
	return out, nil
}

func (s *Store) ListPayoutCandidates(ctx context.Context, f settlement.CandidateFilter) ([]settlement.PayoutCandidate, error) {
	db := s.db.WithContext(ctx)

	var bookings []bookingModel
	err := db.Scopes(withStatus(string(settlement.BookingCompleted)), withHost(f.HostID)).
		Where("end_date <= ?", f.EndedBefore.UTC()).
		Order("end_date").Order("id").
		Find(&bookings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	if len(bookings) == 0 {
		return nil, nil
	}

	ids := make([]string, len(bookings))
	for i, b := range bookings {
		ids[i] = b.ID
	}
	var refunds []refundModel
	if err := db.Where("booking_id IN ?", ids).Find(&refunds).Error; err != nil {
		return nil, fmt.Errorf("failed to query candidate refunds: %w", err)
	}
	var payouts []payoutModel
	if err := db.Where("booking_id IN ?", ids).Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("failed to query candidate payouts: %w", err)
	}

	refundByBooking := make(map[string]settlement.RefundRequest, len(refunds))
	for _, m := range refunds {
		refundByBooking[m.BookingID] = m.toEntity()
	}
	payoutByBooking := make(map[string]settlement.PayoutRecord, len(payouts))
	for _, m := range payouts {
		payoutByBooking[m.BookingID] = m.toEntity()
	}

	out := make([]settlement.PayoutCandidate, 0, len(bookings))
	for _, m := range bookings {
		c := settlement.PayoutCandidate{Booking: m.toEntity()}
		if rr, ok := refundByBooking[m.ID]; ok {
			c.Refund = &rr
		}
		if po, ok := payoutByBooking[m.ID]; ok {
			c.Payout = &po
		}
		out = append(out, c)
	}
	return out, nil
}

// =============================================================================
// WALLETS & AUDIT
// =============================================================================

func (s *Store) SaveWallet(ctx context.Context, w settlement.Wallet) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	m := walletModel{
		HostID:    string(w.HostID),
		Bank:      toBankColumns(&w.Account),
		IsDefault: w.IsDefault,
		UpdatedAt: w.UpdatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "host_id"}}, UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (s *Store) DefaultWallet(ctx context.Context, hostID settlement.UserID) (*settlement.Wallet, error) {
	var m walletModel
	err := s.db.WithContext(ctx).
		Where("host_id = ? AND is_default = ?", string(hostID), true).
		Limit(1).Find(&m).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if m.HostID == "" {
		return nil, nil
	}
	return &settlement.Wallet{
		HostID:    settlement.UserID(m.HostID),
		Account:   m.Bank.account(),
		IsDefault: m.IsDefault,
		UpdatedAt: m.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) ListAudit(ctx context.Context, bookingID settlement.BookingID) ([]settlement.AuditEntry, error) {
	var rows []auditModel
	if err := s.db.WithContext(ctx).Where("booking_id = ?", string(bookingID)).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]settlement.AuditEntry, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithBookingTx locks the booking row FOR UPDATE for the duration of fn.
func (s *Store) WithBookingTx(ctx context.Context, id settlement.BookingID, fn func(tx settlement.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if _, err := getBooking(db.Clauses(clause.Locking{Strength: "UPDATE"}), id); err != nil {
			return err
		}
		return fn(&txStore{db: db, id: id})
	})
}

type txStore struct {
	db *gorm.DB
	id settlement.BookingID
}

func (t *txStore) Booking(ctx context.Context) (*settlement.Booking, error) {
	return getBooking(t.db.WithContext(ctx), t.id)
}

func (t *txStore) SaveBooking(ctx context.Context, b settlement.Booking) error {
	if b.ID != t.id {
		return fmt.Errorf("booking %s saved in transaction for %s", b.ID, t.id)
	}
	m := toBookingModel(b)
	if err := t.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return nil
}

func (t *txStore) RefundRequest(ctx context.Context) (*settlement.RefundRequest, error) {
	return findRefund(t.db.WithContext(ctx), t.id)
}

func (t *txStore) SaveRefundRequest(ctx context.Context, rr settlement.RefundRequest) error {
	if rr.BookingID != t.id {
		return fmt.Errorf("refund request for booking %s saved in transaction for %s", rr.BookingID, t.id)
	}
	m := toRefundModel(rr)
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("booking %s already has a refund request: %w", rr.BookingID, settlement.ErrConflict)
		}
		return fmt.Errorf("failed to save refund request: %w", err)
	}
	return nil
}

func (t *txStore) Payout(ctx context.Context) (*settlement.PayoutRecord, error) {
	return getPayout(t.db.WithContext(ctx), t.id)
}

func (t *txStore) SavePayout(ctx context.Context, p settlement.PayoutRecord) error {
	if p.BookingID != t.id {
		return fmt.Errorf("payout for booking %s saved in transaction for %s", p.BookingID, t.id)
	}
	m := toPayoutModel(p)
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "booking_id"}}, UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save payout: %w", err)
	}
	return nil
}

func (t *txStore) DeletePayout(ctx context.Context) error {
	err := t.db.WithContext(ctx).
		Where("booking_id = ? AND paid = ?", string(t.id), false).
		Delete(&payoutModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete payout: %w", err)
	}
	return nil
}

func (t *txStore) AppendAudit(ctx context.Context, e settlement.AuditEntry) error {
	m := auditModel{
		ID:         e.ID,
		BookingID:  string(e.BookingID),
		ActorID:    string(e.ActorID),
		ActorRole:  string(e.ActorRole),
		Action:     string(e.Action),
		FromStatus: e.From,
		ToStatus:   e.To,
		Detail:     e.Detail,
		At:         e.At.UTC(),
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		for _, m := range []any{&auditModel{}, &payoutModel{}, &refundModel{}, &walletModel{}, &bookingModel{}} {
			if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

var (
	_ settlement.Store           = (*Store)(nil)
	_ settlement.TransferJournal = (*Store)(nil)
)
