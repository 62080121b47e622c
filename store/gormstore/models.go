package gormstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// Row models. Times are persisted in UTC; GORM's automatic timestamps are
// disabled because the engine's clock owns them.

type bookingModel struct {
	ID          string              `gorm:"type:varchar(64);primaryKey"`
	TenantID    string              `gorm:"type:varchar(64);not null;index"`
	HostID      string              `gorm:"type:varchar(64);not null;index"`
	ListingID   string              `gorm:"type:varchar(64)"`
	StartDate   time.Time           `gorm:"not null"`
	EndDate     time.Time           `gorm:"not null;index:idx_bookings_status_end,priority:2"`
	TotalPrice  decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	Currency    string              `gorm:"type:varchar(8)"`
	PaymentRef  string              `gorm:"type:varchar(128)"`
	Status      string              `gorm:"type:varchar(20);not null;index:idx_bookings_status_end,priority:1"`
	CreatedAt   time.Time           `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime:false"`
	CancelledAt *time.Time
	CompletedAt *time.Time
}

func (bookingModel) TableName() string { return "bookings" }

type bankColumns struct {
	BankCode      string `gorm:"type:varchar(16)"`
	BankName      string `gorm:"type:varchar(64)"`
	AccountNumber string `gorm:"type:varchar(64)"`
	AccountHolder string `gorm:"type:varchar(128)"`
}

type refundModel struct {
	ID              string              `gorm:"type:varchar(64);primaryKey"`
	BookingID       string              `gorm:"type:varchar(64);not null;uniqueIndex"`
	CustomerID      string              `gorm:"type:varchar(64);not null;index"`
	Status          string              `gorm:"type:varchar(20);not null"`
	Reason          string              `gorm:"type:text"`
	AttemptNumber   int                 `gorm:"not null"`
	Bank            bankColumns         `gorm:"embedded"`
	RejectionReason string              `gorm:"type:text"`
	RejectedAt      *time.Time
	AppealReason    string              `gorm:"type:text"`
	AppealedAt      *time.Time
	Amount          decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	TransferRef     string              `gorm:"type:varchar(128)"`
	CompletedAt     *time.Time
	ClaimToken      string              `gorm:"type:varchar(64)"`
	ClaimedAt       *time.Time
	CreatedAt       time.Time           `gorm:"autoCreateTime:false;index"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime:false"`
}

func (refundModel) TableName() string { return "refund_requests" }

type payoutModel struct {
	BookingID       string          `gorm:"type:varchar(64);primaryKey"`
	HostID          string          `gorm:"type:varchar(64);not null;index"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Paid            bool            `gorm:"not null"`
	PaidAt          *time.Time      `gorm:"index"`
	TransferRef     string          `gorm:"type:varchar(128)"`
	Rejected        bool            `gorm:"not null"`
	RejectionReason string          `gorm:"type:text"`
	RejectedAt      *time.Time      `gorm:"index"`
	Bank            bankColumns     `gorm:"embedded"`
	ClaimToken      string          `gorm:"type:varchar(64)"`
	ClaimedAt       *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (payoutModel) TableName() string { return "payouts" }

type walletModel struct {
	HostID    string      `gorm:"type:varchar(64);primaryKey"`
	Bank      bankColumns `gorm:"embedded"`
	IsDefault bool        `gorm:"not null"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime:false"`
}

func (walletModel) TableName() string { return "wallets" }

type auditModel struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"type:varchar(64);not null;uniqueIndex"`
	BookingID  string `gorm:"type:varchar(64);not null;index"`
	ActorID    string `gorm:"type:varchar(64);not null"`
	ActorRole  string `gorm:"type:varchar(16);not null"`
	Action     string `gorm:"type:varchar(32);not null"`
	FromStatus string `gorm:"type:varchar(20)"`
	ToStatus   string `gorm:"type:varchar(20)"`
	Detail     string `gorm:"type:text"`
	At         time.Time
}

func (auditModel) TableName() string { return "audit_log" }

// transferModel is the rail idempotency journal. Reset leaves it alone.
type transferModel struct {
	IdempotencyKey string     `gorm:"type:varchar(128);primaryKey"`
	ReservedAt     time.Time  `gorm:"not null"`
	Reference      string     `gorm:"type:varchar(128)"`
	Status         string     `gorm:"type:varchar(32)"`
	SettledAt      *time.Time
}

func (transferModel) TableName() string { return "transfers" }

func (m transferModel) toEntity() settlement.TransferEntry {
	e := settlement.TransferEntry{Key: m.IdempotencyKey, ReservedAt: m.ReservedAt.UTC()}
	if m.SettledAt != nil {
		e.Receipt = &settlement.TransferReceipt{Reference: m.Reference, Status: m.Status, At: m.SettledAt.UTC()}
	}
	return e
}

// =============================================================================
// MAPPING
// =============================================================================

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toBankColumns(b *settlement.BankAccount) bankColumns {
	if b == nil {
		return bankColumns{}
	}
	return bankColumns{BankCode: b.BankCode, BankName: b.BankName, AccountNumber: b.AccountNumber, AccountHolder: b.AccountHolder}
}

func (c bankColumns) account() settlement.BankAccount {
	return settlement.BankAccount{BankCode: c.BankCode, BankName: c.BankName, AccountNumber: c.AccountNumber, AccountHolder: c.AccountHolder}
}

func (c bankColumns) toEntity() *settlement.BankAccount {
	b := c.account()
	if b.IsZero() {
		return nil
	}
	return &b
}

func toBookingModel(b settlement.Booking) bookingModel {
	return bookingModel{
		ID:          string(b.ID),
		TenantID:    string(b.TenantID),
		HostID:      string(b.HostID),
		ListingID:   b.ListingID,
		StartDate:   b.StartDate.UTC(),
		EndDate:     b.EndDate.UTC(),
		TotalPrice:  nullDecimal(b.TotalPrice),
		Currency:    b.Currency,
		PaymentRef:  b.PaymentRef,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt.UTC(),
		UpdatedAt:   b.UpdatedAt.UTC(),
		CancelledAt: utc(b.CancelledAt),
		CompletedAt: utc(b.CompletedAt),
	}
}

func (m bookingModel) toEntity() settlement.Booking {
	return settlement.Booking{
		ID:          settlement.BookingID(m.ID),
		TenantID:    settlement.UserID(m.TenantID),
		HostID:      settlement.UserID(m.HostID),
		ListingID:   m.ListingID,
		StartDate:   m.StartDate.UTC(),
		EndDate:     m.EndDate.UTC(),
		TotalPrice:  fromNullDecimal(m.TotalPrice),
		Currency:    m.Currency,
		PaymentRef:  m.PaymentRef,
		Status:      settlement.BookingStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		CancelledAt: utc(m.CancelledAt),
		CompletedAt: utc(m.CompletedAt),
	}
}

func toRefundModel(rr settlement.RefundRequest) refundModel {
	return refundModel{
		ID:              string(rr.ID),
		BookingID:       string(rr.BookingID),
		CustomerID:      string(rr.CustomerID),
		Status:          string(rr.Status),
		Reason:          rr.Reason,
		AttemptNumber:   rr.AttemptNumber,
		Bank:            toBankColumns(rr.Bank),
		RejectionReason: rr.RejectionReason,
		RejectedAt:      utc(rr.RejectedAt),
		AppealReason:    rr.AppealReason,
		AppealedAt:      utc(rr.AppealedAt),
		Amount:          nullDecimal(rr.Amount),
		TransferRef:     rr.TransferRef,
		CompletedAt:     utc(rr.CompletedAt),
		ClaimToken:      rr.ClaimToken,
		ClaimedAt:       utc(rr.ClaimedAt),
		CreatedAt:       rr.CreatedAt.UTC(),
		UpdatedAt:       rr.UpdatedAt.UTC(),
	}
}

func (m refundModel) toEntity() settlement.RefundRequest {
	return settlement.RefundRequest{
		ID:              settlement.RefundRequestID(m.ID),
		BookingID:       settlement.BookingID(m.BookingID),
		CustomerID:      settlement.UserID(m.CustomerID),
		Status:          settlement.RefundStatus(m.Status),
		Reason:          m.Reason,
		AttemptNumber:   m.AttemptNumber,
		Bank:            m.Bank.toEntity(),
		RejectionReason: m.RejectionReason,
		RejectedAt:      utc(m.RejectedAt),
		AppealReason:    m.AppealReason,
		AppealedAt:      utc(m.AppealedAt),
		Amount:          fromNullDecimal(m.Amount),
		TransferRef:     m.TransferRef,
		CompletedAt:     utc(m.CompletedAt),
		ClaimToken:      m.ClaimToken,
		ClaimedAt:       utc(m.ClaimedAt),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func toPayoutModel(p settlement.PayoutRecord) payoutModel {
	return payoutModel{
		BookingID:       string(p.BookingID),
		HostID:          string(p.HostID),
		Amount:          p.Amount,
		Paid:            p.Paid,
		PaidAt:          utc(p.PaidAt),
		TransferRef:     p.TransferRef,
		Rejected:        p.Rejected,
		RejectionReason: p.RejectionReason,
		RejectedAt:      utc(p.RejectedAt),
		Bank:            toBankColumns(p.Bank),
		ClaimToken:      p.ClaimToken,
		ClaimedAt:       utc(p.ClaimedAt),
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
}

func (m payoutModel) toEntity() settlement.PayoutRecord {
	return settlement.PayoutRecord{
		BookingID:       settlement.BookingID(m.BookingID),
		HostID:          settlement.UserID(m.HostID),
		Amount:          m.Amount,
		Paid:            m.Paid,
		PaidAt:          utc(m.PaidAt),
		TransferRef:     m.TransferRef,
		Rejected:        m.Rejected,
		RejectionReason: m.RejectionReason,
		RejectedAt:      utc(m.RejectedAt),
		Bank:            m.Bank.toEntity(),
		ClaimToken:      m.ClaimToken,
		ClaimedAt:       utc(m.ClaimedAt),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

func (m auditModel) toEntity() settlement.AuditEntry {
	return settlement.AuditEntry{
		ID:        m.ID,
		BookingID: settlement.BookingID(m.BookingID),
		ActorID:   settlement.UserID(m.ActorID),
		ActorRole: settlement.Role(m.ActorRole),
		Action:    settlement.AuditAction(m.Action),
		From:      m.FromStatus,
		To:        m.ToStatus,
		Detail:    m.Detail,
		At:        m.At.UTC(),
	}
}
