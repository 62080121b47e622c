/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON settlement policy definitions into settlement.Policy. Finance
  can tune holding periods and appeal limits per deployment without a code
  change; the file is read once at startup (POLICY_FILE).

JSON SCHEMA:
  {
    "holding_period_days": 15,
    "max_appeals": 3,
    "appeal_reason": {"min_length": 10, "max_length": 500},
    "appeal_window_days": 30,
    "allow_completed_disputes": true,
    "claim_timeout": "15m",
    "batch_concurrency": 4
  }

KEY FEATURES:
  - Every field is optional; missing fields keep settlement.DefaultPolicy()
  - Unknown fields are rejected so typos do not silently fall back
  - The result is validated with Policy.Validate

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParsePolicy(jsonString)
  engine := settlement.NewEngine(store, gw, settlement.WithPolicy(policy))

SEE ALSO:
  - settlement/policy.go: Policy type definition
  - config/config.go:     environment overrides applied after the file
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy. Pointers distinguish
// "absent" from zero.
type PolicyJSON struct {
	HoldingPeriodDays      *int              `json:"holding_period_days,omitempty"`
	MaxAppeals             *int              `json:"max_appeals,omitempty"`
	AppealReason           *AppealReasonJSON `json:"appeal_reason,omitempty"`
	AppealWindowDays       *int              `json:"appeal_window_days,omitempty"`
	AllowCompletedDisputes *bool             `json:"allow_completed_disputes,omitempty"`
	ClaimTimeout           string            `json:"claim_timeout,omitempty"` // Go duration, e.g. "15m"
	BatchConcurrency       *int              `json:"batch_concurrency,omitempty"`
}

// AppealReasonJSON bounds the appeal reason length in characters.
type AppealReasonJSON struct {
	MinLength int `json:"min_length"`
	MaxLength int `json:"max_length"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a validated Policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (settlement.Policy, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(jsonStr)))
	dec.DisallowUnknownFields()

	var pj PolicyJSON
	if err := dec.Decode(&pj); err != nil {
		return settlement.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads and parses a policy file.
func (f *PolicyFactory) LoadFile(path string) (settlement.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return settlement.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(string(raw))
}

// FromJSON applies pj over DefaultPolicy and validates the result.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (settlement.Policy, error) {
	p := settlement.DefaultPolicy()

	if pj.HoldingPeriodDays != nil {
		p.HoldingPeriod = days(*pj.HoldingPeriodDays)
	}
	if pj.MaxAppeals != nil {
		p.MaxAppeals = *pj.MaxAppeals
	}
	if pj.AppealReason != nil {
		p.AppealReasonMin = pj.AppealReason.MinLength
		p.AppealReasonMax = pj.AppealReason.MaxLength
	}
	if pj.AppealWindowDays != nil {
		p.AppealWindow = days(*pj.AppealWindowDays)
	}
	if pj.AllowCompletedDisputes != nil {
		p.AllowCompletedDisputes = *pj.AllowCompletedDisputes
	}
	if pj.ClaimTimeout != "" {
		d, err := time.ParseDuration(pj.ClaimTimeout)
		if err != nil {
			return settlement.Policy{}, &settlement.ValidationError{Field: "claim_timeout", Message: err.Error()}
		}
		p.ClaimTimeout = d
	}
	if pj.BatchConcurrency != nil {
		p.BatchConcurrency = *pj.BatchConcurrency
	}

	if err := p.Validate(); err != nil {
		return settlement.Policy{}, err
	}
	return p, nil
}

// ToJSON converts a Policy to PolicyJSON. Durations that are not whole days
// are truncated.
func (f *PolicyFactory) ToJSON(p settlement.Policy) PolicyJSON {
	holding := int(p.HoldingPeriod / (24 * time.Hour))
	window := int(p.AppealWindow / (24 * time.Hour))
	return PolicyJSON{
		HoldingPeriodDays:      &holding,
		MaxAppeals:             &p.MaxAppeals,
		AppealReason:           &AppealReasonJSON{MinLength: p.AppealReasonMin, MaxLength: p.AppealReasonMax},
		AppealWindowDays:       &window,
		AllowCompletedDisputes: &p.AllowCompletedDisputes,
		ClaimTimeout:           p.ClaimTimeout.String(),
		BatchConcurrency:       &p.BatchConcurrency,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
