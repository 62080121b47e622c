package settlement

import (
	"errors"
	"time"
)

// Policy holds the tunable settlement rules. Use DefaultPolicy and override.
type Policy struct {
	// HoldingPeriod is the delay after a booking's end date before its
	// payout becomes eligible.
	HoldingPeriod time.Duration

	// MaxAppeals caps AttemptNumber on a refund request.
	MaxAppeals int

	AppealReasonMin int
	AppealReasonMax int

	// AppealWindow bounds how long after a rejection an appeal is accepted.
	// Zero means no limit.
	AppealWindow time.Duration

	// AllowCompletedDisputes lets customers open a refund request on a
	// completed booking whose payout has not been released yet.
	AllowCompletedDisputes bool

	// ClaimTimeout is how long an in-flight gateway claim blocks others.
	ClaimTimeout time.Duration

	// BatchConcurrency bounds parallel payouts in ProcessAllPending.
	BatchConcurrency int
}

const day = 24 * time.Hour

func DefaultPolicy() Policy {
	return Policy{
		HoldingPeriod:          15 * day,
		MaxAppeals:             3,
		AppealReasonMin:        10,
		AppealReasonMax:        500,
		AllowCompletedDisputes: true,
		ClaimTimeout:           15 * time.Minute,
		BatchConcurrency:       4,
	}
}

func (p Policy) Validate() error {
	var errs []error
	if p.HoldingPeriod < 0 {
		errs = append(errs, &ValidationError{Field: "holding_period", Message: "must not be negative"})
	}
	if p.MaxAppeals < 0 {
		errs = append(errs, &ValidationError{Field: "max_appeals", Message: "must not be negative"})
	}
	if p.AppealReasonMin < 0 || p.AppealReasonMax < p.AppealReasonMin {
		errs = append(errs, &ValidationError{Field: "appeal_reason", Message: "bounds must satisfy 0 <= min <= max"})
	}
	if p.AppealWindow < 0 {
		errs = append(errs, &ValidationError{Field: "appeal_window", Message: "must not be negative"})
	}
	if p.ClaimTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "claim_timeout", Message: "must be positive"})
	}
	if p.BatchConcurrency < 1 {
		errs = append(errs, &ValidationError{Field: "batch_concurrency", Message: "must be at least 1"})
	}
	return errors.Join(errs...)
}
