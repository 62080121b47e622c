/*
Package sqlite provides a SQLite-backed settlement.Store.

PURPOSE:
  Persists bookings, refund requests, payout records, host wallets and the
  audit log. In production the same schema runs on PostgreSQL through
  store/gormstore; this package is the zero-dependency deployment.

KEY TABLES:
  bookings:         the stay and its status
  refund_requests:  at most one per booking (UNIQUE booking_id)
  payouts:          one settlement line per booking (PRIMARY KEY booking_id)
  wallets:          host payout destinations
  audit_log:        append-only history of state changes

MONEY & TIME:
  Decimal amounts are stored as TEXT so no precision is lost. Timestamps are
  UTC TEXT in a fixed-width format, which keeps string comparison in range
  filters equal to chronological order.

CONCURRENCY:
  Uses sync.RWMutex: WithBookingTx serializes writers around a SQL
  transaction, reads share the lock. Methods on the transaction view only
  touch the *sql.Tx and never re-enter the parent's locks.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := settlement.NewEngine(store, gateway.NewSandbox(logger))

SEE ALSO:
  - settlement/store.go:        interface definitions
  - settlement/store/memory.go: in-memory implementation for testing
  - store/gormstore:            PostgreSQL with row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// timeFormat is fixed width so TEXT ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements settlement.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		listing_id TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		total_price TEXT,
		currency TEXT NOT NULL DEFAULT '',
		payment_ref TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		cancelled_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_status_end
		ON bookings(status, end_date);
	CREATE INDEX IF NOT EXISTS idx_bookings_host
		ON bookings(host_id);

	-- One refund request per booking, ever. The appeal is the only retry.
	CREATE TABLE IF NOT EXISTS refund_requests (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL UNIQUE REFERENCES bookings(id),
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempt_number INTEGER NOT NULL DEFAULT 0,
		bank_code TEXT,
		bank_name TEXT,
		account_number TEXT,
		account_holder TEXT,
		rejection_reason TEXT NOT NULL DEFAULT '',
		rejected_at TEXT,
		appeal_reason TEXT NOT NULL DEFAULT '',
		appealed_at TEXT,
		amount TEXT,
		transfer_ref TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		claim_token TEXT NOT NULL DEFAULT '',
		claimed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refund_requests_customer
		ON refund_requests(customer_id);
	CREATE INDEX IF NOT EXISTS idx_refund_requests_status_created
		ON refund_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS payouts (
		booking_id TEXT PRIMARY KEY REFERENCES bookings(id),
		host_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT,
		transfer_ref TEXT NOT NULL DEFAULT '',
		rejected INTEGER NOT NULL DEFAULT 0,
		rejection_reason TEXT NOT NULL DEFAULT '',
		rejected_at TEXT,
		bank_code TEXT,
		bank_name TEXT,
		account_number TEXT,
		account_holder TEXT,
		claim_token TEXT NOT NULL DEFAULT '',
		claimed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_host_paid
		ON payouts(host_id, paid_at) WHERE paid = 1;
	CREATE INDEX IF NOT EXISTS idx_payouts_host_rejected
		ON payouts(host_id, rejected_at) WHERE rejected = 1;

	CREATE TABLE IF NOT EXISTS wallets (
		host_id TEXT PRIMARY KEY,
		bank_code TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		account_holder TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Append-only. seq preserves insertion order within a timestamp.
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		booking_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_booking
		ON audit_log(booking_id, seq);

	-- Rail idempotency journal. Not cleared by Reset.
	CREATE TABLE IF NOT EXISTS transfers (
		idempotency_key TEXT PRIMARY KEY,
		reserved_at TEXT NOT NULL,
		reference TEXT,
		status TEXT,
		settled_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, tenant_id, host_id, listing_id, start_date, end_date, total_price,
	currency, payment_ref, status, created_at, updated_at, cancelled_at, completed_at`

// CreateBooking inserts a new booking. Duplicate ids return ErrConflict.
func (s *Store) CreateBooking(ctx context.Context, b settlement.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.HostID, b.ListingID,
		formatTime(b.StartDate), formatTime(b.EndDate), nullDecimal(b.TotalPrice),
		b.Currency, b.PaymentRef, b.Status,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
		nullTime(b.CancelledAt), nullTime(b.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("booking %s: %w", b.ID, settlement.ErrConflict)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func updateBooking(ctx context.Context, q querier, b settlement.Booking) error {
	_, err := q.ExecContext(ctx, `
		UPDATE bookings SET tenant_id = ?, host_id = ?, listing_id = ?, start_date = ?, end_date = ?,
			total_price = ?, currency = ?, payment_ref = ?, status = ?, updated_at = ?,
			cancelled_at = ?, completed_at = ?
		WHERE id = ?`,
		b.TenantID, b.HostID, b.ListingID, formatTime(b.StartDate), formatTime(b.EndDate),
		nullDecimal(b.TotalPrice), b.Currency, b.PaymentRef, b.Status, formatTime(b.UpdatedAt),
		nullTime(b.CancelledAt), nullTime(b.CompletedAt),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return nil
}

func scanBooking(r scanner) (settlement.Booking, error) {
	var (
		b                             settlement.Booking
		start, end, created, updated  string
		price, cancelled, completedAt sql.NullString
	)
	err := r.Scan(&b.ID, &b.TenantID, &b.HostID, &b.ListingID, &start, &end, &price,
		&b.Currency, &b.PaymentRef, &b.Status, &created, &updated, &cancelled, &completedAt)
	if err != nil {
		return b, err
	}
	b.StartDate = parseTime(start)
	b.EndDate = parseTime(end)
	b.TotalPrice = parseNullDecimal(price)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	b.CancelledAt = parseNullTime(cancelled)
	b.CompletedAt = parseNullTime(completedAt)
	return b, nil
}

func getBooking(ctx context.Context, q querier, id settlement.BookingID) (*settlement.Booking, error) {
	b, err := scanBooking(q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &settlement.NotFoundError{Kind: "booking", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return &b, nil
}

// GetBooking retrieves a booking by ID.
func (s *Store) GetBooking(ctx context.Context, id settlement.BookingID) (*settlement.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

// ListBookings returns bookings matching the filter, oldest stay first.
func (s *Store) ListBookings(ctx context.Context, f settlement.BookingFilter) ([]settlement.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	if f.HostID != "" {
		where, args = append(where, "host_id = ?"), append(args, f.HostID)
	}
	if f.TenantID != "" {
		where, args = append(where, "tenant_id = ?"), append(args, f.TenantID)
	}
	if f.EndedBefore != nil {
		where, args = append(where, "end_date <= ?"), append(args, formatTime(*f.EndedBefore))
	}
	return queryBookings(ctx, s.db, `SELECT `+bookingColumns+` FROM bookings`+whereClause(where)+
		` ORDER BY end_date, id`, args...)
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]settlement.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []settlement.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// REFUND REQUESTS
// =============================================================================

const refundColumns = `id, booking_id, customer_id, status, reason, attempt_number,
	bank_code, bank_name, account_number, account_holder,
	rejection_reason, rejected_at, appeal_reason, appealed_at,
	amount, transfer_ref, completed_at, claim_token, claimed_at, created_at, updated_at`

func scanRefund(r scanner) (settlement.RefundRequest, error) {
	var (
		rr                                  settlement.RefundRequest
		bankCode, bankName, acctNo, holder  sql.NullString
		rejectedAt, appealedAt, completedAt sql.NullString
		amount, claimedAt                   sql.NullString
		created, updated                    string
	)
	err := r.Scan(&rr.ID, &rr.BookingID, &rr.CustomerID, &rr.Status, &rr.Reason, &rr.AttemptNumber,
		&bankCode, &bankName, &acctNo, &holder,
		&rr.RejectionReason, &rejectedAt, &rr.AppealReason, &appealedAt,
		&amount, &rr.TransferRef, &completedAt, &rr.ClaimToken, &claimedAt, &created, &updated)
	if err != nil {
		return rr, err
	}
	rr.Bank = parseBank(bankCode, bankName, acctNo, holder)
	rr.RejectedAt = parseNullTime(rejectedAt)
	rr.AppealedAt = parseNullTime(appealedAt)
	rr.Amount = parseNullDecimal(amount)
	rr.CompletedAt = parseNullTime(completedAt)
	rr.ClaimedAt = parseNullTime(claimedAt)
	rr.CreatedAt = parseTime(created)
	rr.UpdatedAt = parseTime(updated)
	return rr, nil
}

func saveRefund(ctx context.Context, q querier, rr settlement.RefundRequest) error {
	code, name, acct, holder := bankColumns(rr.Bank)
	_, err := q.ExecContext(ctx, `INSERT INTO refund_requests (`+refundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			attempt_number = excluded.attempt_number,
			bank_code = excluded.bank_code,
			bank_name = excluded.bank_name,
			account_number = excluded.account_number,
			account_holder = excluded.account_holder,
			rejection_reason = excluded.rejection_reason,
			rejected_at = excluded.rejected_at,
			appeal_reason = excluded.appeal_reason,
			appealed_at = excluded.appealed_at,
			amount = excluded.amount,
			transfer_ref = excluded.transfer_ref,
			completed_at = excluded.completed_at,
			claim_token = excluded.claim_token,
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at`,
		rr.ID, rr.BookingID, rr.CustomerID, rr.Status, rr.Reason, rr.AttemptNumber,
		code, name, acct, holder,
		rr.RejectionReason, nullTime(rr.RejectedAt), rr.AppealReason, nullTime(rr.AppealedAt),
		nullDecimal(rr.Amount), rr.TransferRef, nullTime(rr.CompletedAt), rr.ClaimToken, nullTime(rr.ClaimedAt),
		formatTime(rr.CreatedAt), formatTime(rr.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("booking %s already has a refund request: %w", rr.BookingID, settlement.ErrConflict)
		}
		return fmt.Errorf("failed to save refund request: %w", err)
	}
	return nil
}

func findRefund(ctx context.Context, q querier, bookingID settlement.BookingID) (*settlement.RefundRequest, error) {
	rr, err := scanRefund(q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE booking_id = ?`, bookingID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refund request: %w", err)
	}
	return &rr, nil
}

// GetRefundRequest retrieves a refund request by ID.
func (s *Store) GetRefundRequest(ctx context.Context, id settlement.RefundRequestID) (*settlement.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rr, err := scanRefund(s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &settlement.NotFoundError{Kind: "refund request", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refund request: %w", err)
	}
	return &rr, nil
}

func (s *Store) FindRefundRequest(ctx context.Context, bookingID settlement.BookingID) (*settlement.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRefund(ctx, s.db, bookingID)
}

// ListRefundRequests returns matching requests, newest first.
func (s *Store) ListRefundRequests(ctx context.Context, f settlement.RefundFilter) ([]settlement.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where, args = append(where, "customer_id = ?"), append(args, f.CustomerID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	if f.CreatedFrom != nil {
		where, args = append(where, "created_at >= ?"), append(args, formatTime(*f.CreatedFrom))
	}
	if f.CreatedUntil != nil {
		where, args = append(where, "created_at < ?"), append(args, formatTime(*f.CreatedUntil))
	}
	if f.Search != "" {
		term := "%" + strings.ToLower(f.Search) + "%"
		where = append(where, `(LOWER(booking_id) LIKE ? OR LOWER(customer_id) LIKE ?
			OR LOWER(reason) LIKE ? OR LOWER(COALESCE(account_holder, '')) LIKE ?)`)
		args = append(args, term, term, term, term)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+refundColumns+` FROM refund_requests`+
		whereClause(where)+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund requests: %w", err)
	}
	defer rows.Close()

	var out []settlement.RefundRequest
	for rows.Next() {
		rr, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund request: %w", err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `booking_id, host_id, amount, paid, paid_at, transfer_ref,
	rejected, rejection_reason, rejected_at, bank_code, bank_name, account_number, account_holder,
	claim_token, claimed_at, created_at, updated_at`

func scanPayout(r scanner) (settlement.PayoutRecord, error) {
	var (
		po                                 settlement.PayoutRecord
		amount, created, updated           string
		paidAt, rejectedAt, claimedAt      sql.NullString
		bankCode, bankName, acctNo, holder sql.NullString
	)
	err := r.Scan(&po.BookingID, &po.HostID, &amount, &po.Paid, &paidAt, &po.TransferRef,
		&po.Rejected, &po.RejectionReason, &rejectedAt, &bankCode, &bankName, &acctNo, &holder,
		&po.ClaimToken, &claimedAt, &created, &updated)
	if err != nil {
		return po, err
	}
	po.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return po, fmt.Errorf("invalid payout amount %q: %w", amount, err)
	}
	po.PaidAt = parseNullTime(paidAt)
	po.RejectedAt = parseNullTime(rejectedAt)
	po.ClaimedAt = parseNullTime(claimedAt)
	po.Bank = parseBank(bankCode, bankName, acctNo, holder)
	po.CreatedAt = parseTime(created)
	po.UpdatedAt = parseTime(updated)
	return po, nil
}

func savePayout(ctx context.Context, q querier, po settlement.PayoutRecord) error {
	code, name, acct, holder := bankColumns(po.Bank)
	_, err := q.ExecContext(ctx, `INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(booking_id) DO UPDATE SET
			host_id = excluded.host_id,
			amount = excluded.amount,
			paid = excluded.paid,
			paid_at = excluded.paid_at,
			transfer_ref = excluded.transfer_ref,
			rejected = excluded.rejected,
			rejection_reason = excluded.rejection_reason,
			rejected_at = excluded.rejected_at,
			bank_code = excluded.bank_code,
			bank_name = excluded.bank_name,
			account_number = excluded.account_number,
			account_holder = excluded.account_holder,
			claim_token = excluded.claim_token,
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at`,
		po.BookingID, po.HostID, po.Amount.String(), po.Paid, nullTime(po.PaidAt), po.TransferRef,
		po.Rejected, po.RejectionReason, nullTime(po.RejectedAt), code, name, acct, holder,
		po.ClaimToken, nullTime(po.ClaimedAt), formatTime(po.CreatedAt), formatTime(po.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payout: %w", err)
	}
	return nil
}

func getPayout(ctx context.Context, q querier, bookingID settlement.BookingID) (*settlement.PayoutRecord, error) {
	po, err := scanPayout(q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE booking_id = ?`, bookingID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	return &po, nil
}

func (s *Store) GetPayout(ctx context.Context, bookingID settlement.BookingID) (*settlement.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayout(ctx, s.db, bookingID)
}

// ListPayouts returns paid or rejected payouts, most recent first.
func (s *Store) ListPayouts(ctx context.Context, f settlement.PayoutFilter) ([]settlement.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var col string
	var where []string
	switch f.State {
	case settlement.PayoutStatePaid:
		col, where = "paid_at", []string{"paid = 1"}
	case settlement.PayoutStateRejected:
		col, where = "rejected_at", []string{"rejected = 1"}
	default:
		return nil, &settlement.ValidationError{Field: "state", Message: fmt.Sprintf("unknown payout state %q", f.State)}
	}
	var args []any
	if f.HostID != "" {
		where, args = append(where, "host_id = ?"), append(args, f.HostID)
	}
	if f.From != nil {
		where, args = append(where, col+" >= ?"), append(args, formatTime(*f.From))
	}
	if f.Until != nil {
		where, args = append(where, col+" < ?"), append(args, formatTime(*f.Until))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts`+
		whereClause(where)+` ORDER BY `+col+` DESC, booking_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var out []settlement.PayoutRecord
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// ListPayoutCandidates loads completed bookings past the cutoff together with
// their refund request and payout record.
func (s *Store) ListPayoutCandidates(ctx context.Context, f settlement.CandidateFilter) ([]settlement.PayoutCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"status = ?", "end_date <= ?"}
	args := []any{settlement.BookingCompleted, formatTime(f.EndedBefore)}
	if f.HostID != "" {
		where, args = append(where, "host_id = ?"), append(args, f.HostID)
	}
	// Rows are fully read before the per-booking lookups so a single
	// connection pool (":memory:") never needs two at once.
	bookings, err := queryBookings(ctx, s.db, `SELECT `+bookingColumns+` FROM bookings`+
		whereClause(where)+` ORDER BY end_date, id`, args...)
	if err != nil {
		return nil, err
	}

	out := make([]settlement.PayoutCandidate, 0, len(bookings))
	for _, b := range bookings {
		c := settlement.PayoutCandidate{Booking: b}
		if c.Refund, err = findRefund(ctx, s.db, b.ID); err != nil {
			return nil, err
		}
		if c.Payout, err = getPayout(ctx, s.db, b.ID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) SaveWallet(ctx context.Context, w settlement.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (host_id, bank_code, bank_name, account_number, account_holder, is_default, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			bank_code = excluded.bank_code,
			bank_name = excluded.bank_name,
			account_number = excluded.account_number,
			account_holder = excluded.account_holder,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at`,
		w.HostID, w.Account.BankCode, w.Account.BankName, w.Account.AccountNumber, w.Account.AccountHolder,
		w.IsDefault, formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (s *Store) DefaultWallet(ctx context.Context, hostID settlement.UserID) (*settlement.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w       settlement.Wallet
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT host_id, bank_code, bank_name, account_number, account_holder, is_default, updated_at
		FROM wallets WHERE host_id = ? AND is_default = 1`, hostID,
	).Scan(&w.HostID, &w.Account.BankCode, &w.Account.BankName, &w.Account.AccountNumber,
		&w.Account.AccountHolder, &w.IsDefault, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func appendAudit(ctx context.Context, q querier, e settlement.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, booking_id, actor_id, actor_role, action, from_status, to_status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BookingID, e.ActorID, e.ActorRole, e.Action, e.From, e.To, e.Detail, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, bookingID settlement.BookingID) ([]settlement.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, booking_id, actor_id, actor_role, action, from_status, to_status, detail, at
		FROM audit_log WHERE booking_id = ? ORDER BY seq`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []settlement.AuditEntry
	for rows.Next() {
		var (
			e  settlement.AuditEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.BookingID, &e.ActorID, &e.ActorRole, &e.Action,
			&e.From, &e.To, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSFER JOURNAL
// =============================================================================

func (s *Store) ReserveTransfer(ctx context.Context, key string, at time.Time) (*settlement.TransferEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (idempotency_key, reserved_at) VALUES (?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`, key, formatTime(at))
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve transfer: %w", err)
	}
	if n == 1 {
		return &settlement.TransferEntry{Key: key, ReservedAt: at.UTC()}, true, nil
	}

	var (
		e                          settlement.TransferEntry
		reserved                   string
		reference, status, settled sql.NullString
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, reserved_at, reference, status, settled_at
		FROM transfers WHERE idempotency_key = ?`, key,
	).Scan(&e.Key, &reserved, &reference, &status, &settled)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load transfer: %w", err)
	}
	e.ReservedAt = parseTime(reserved)
	if settled.Valid {
		e.Receipt = &settlement.TransferReceipt{
			Reference: reference.String,
			Status:    status.String,
			At:        parseTime(settled.String),
		}
	}
	return &e, false, nil
}

func (s *Store) SettleTransfer(ctx context.Context, key string, r settlement.TransferReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE transfers SET reference = ?, status = ?, settled_at = ?
		WHERE idempotency_key = ?`, r.Reference, r.Status, formatTime(r.At), key)
	if err != nil {
		return fmt.Errorf("failed to settle transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &settlement.NotFoundError{Kind: "transfer", ID: key}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.Tx)
// =============================================================================

// WithBookingTx executes fn within a database transaction scoped to one
// booking. The writer lock is held for the whole callback.
func (s *Store) WithBookingTx(ctx context.Context, id settlement.BookingID, fn func(tx settlement.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := getBooking(ctx, sqlTx, id); err != nil {
		return err
	}
	if err := fn(&txStore{tx: sqlTx, id: id}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
	id settlement.BookingID
}

func (ts *txStore) Booking(ctx context.Context) (*settlement.Booking, error) {
	return getBooking(ctx, ts.tx, ts.id)
}

func (ts *txStore) SaveBooking(ctx context.Context, b settlement.Booking) error {
	if b.ID != ts.id {
		return fmt.Errorf("booking %s saved in transaction for %s", b.ID, ts.id)
	}
	return updateBooking(ctx, ts.tx, b)
}

func (ts *txStore) RefundRequest(ctx context.Context) (*settlement.RefundRequest, error) {
	return findRefund(ctx, ts.tx, ts.id)
}

func (ts *txStore) SaveRefundRequest(ctx context.Context, rr settlement.RefundRequest) error {
	if rr.BookingID != ts.id {
		return fmt.Errorf("refund request for booking %s saved in transaction for %s", rr.BookingID, ts.id)
	}
	return saveRefund(ctx, ts.tx, rr)
}

func (ts *txStore) Payout(ctx context.Context) (*settlement.PayoutRecord, error) {
	return getPayout(ctx, ts.tx, ts.id)
}

func (ts *txStore) SavePayout(ctx context.Context, p settlement.PayoutRecord) error {
	if p.BookingID != ts.id {
		return fmt.Errorf("payout for booking %s saved in transaction for %s", p.BookingID, ts.id)
	}
	return savePayout(ctx, ts.tx, p)
}

func (ts *txStore) DeletePayout(ctx context.Context) error {
	_, err := ts.tx.ExecContext(ctx, `DELETE FROM payouts WHERE booking_id = ? AND paid = 0`, string(ts.id))
	if err != nil {
		return fmt.Errorf("failed to delete payout: %w", err)
	}
	return nil
}

func (ts *txStore) AppendAudit(ctx context.Context, e settlement.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "payouts", "refund_requests", "wallets", "bookings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func bankColumns(b *settlement.BankAccount) (code, name, acct, holder sql.NullString) {
	if b == nil {
		return
	}
	return nullString(b.BankCode), nullString(b.BankName), nullString(b.AccountNumber), nullString(b.AccountHolder)
}

func parseBank(code, name, acct, holder sql.NullString) *settlement.BankAccount {
	b := &settlement.BankAccount{
		BankCode:      code.String,
		BankName:      name.String,
		AccountNumber: acct.String,
		AccountHolder: holder.String,
	}
	if b.IsZero() {
		return nil
	}
	return b
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ settlement.Store           = (*Store)(nil)
	_ settlement.TransferJournal = (*Store)(nil)
)
