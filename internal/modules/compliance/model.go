// README: Regulatory guardrails for surge pricing.
package compliance

import (
	"fmt"
	"strings"

	"alon/internal/types"
)

// Violation codes. Blocking codes reject the write; warning codes are
// surfaced to the caller and to status(), never block.
const (
	CodeMultiplierAboveCap  = "MULTIPLIER_ABOVE_CAP"
	CodeAdditiveFeeAboveCap = "ADDITIVE_FEE_ABOVE_CAP"
	CodeTooManyHexes        = "TOO_MANY_HEXES"
	CodeTaxiSurgeForbidden  = "TAXI_SURGE_FORBIDDEN"
	CodeEmergencyBrake      = "EMERGENCY_BRAKE_ACTIVE"

	WarnHighMultiplier         = "HIGH_MULTIPLIER"
	WarnMultipleActiveProfiles = "MULTIPLE_ACTIVE_PROFILES"
)

// Candidate is a proposed pricing outcome, independent of where it came
// from (operator request, schedule window, composed target).
type Candidate struct {
	RegionID    types.ID
	ServiceKey  string
	Multiplier  float64
	AdditiveFee types.Money
	HexCount    int
}

// Snapshot carries every regulatory fact Validate needs, captured by the
// caller at one instant. Keeping the limits here instead of reading config
// or stores keeps Validate pure.
type Snapshot struct {
	MaxMultiplier  float64
	MaxAdditiveFee int64 // centavos
	MaxHexes       int
	WarnMultiplier float64

	// ActiveProfiles counts active profiles on the candidate's
	// (region, service); more than one is a warning.
	ActiveProfiles int

	EmergencyActive bool
}

// Violation is one broken or borderline rule.
type Violation struct {
	Code   string `json:"code"`
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Result reports every violated rule at once, not just the first.
type Result struct {
	OK       bool        `json:"ok"`
	Warnings []Violation `json:"warnings"`
	Errors   []Violation `json:"errors"`
}

// Err returns nil when the result passed, otherwise an *Error carrying all
// blocking violations.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Violations: r.Errors}
}

// Error is the rejection carrying the complete violation list.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = v.Code
	}
	return fmt.Sprintf("compliance: %s", strings.Join(codes, ", "))
}

// Has reports whether the rejection includes the given code.
func (e *Error) Has(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
