package compliance

import (
	"fmt"

	"alon/internal/types"
)

// Validate checks a candidate against the snapshot and returns every broken
// rule. Callers on the write path must reject on !OK; clamping there is
// forbidden, operators have to see what they asked for.
func Validate(c Candidate, s Snapshot) Result {
	var errs, warns []Violation

	if c.Multiplier > s.MaxMultiplier {
		errs = append(errs, Violation{
			Code:   CodeMultiplierAboveCap,
			Field:  "multiplier",
			Detail: fmt.Sprintf("%.2f exceeds cap %.2f", c.Multiplier, s.MaxMultiplier),
		})
	}
	if c.AdditiveFee.Amount > s.MaxAdditiveFee {
		errs = append(errs, Violation{
			Code:   CodeAdditiveFeeAboveCap,
			Field:  "additive_fee",
			Detail: fmt.Sprintf("%d centavos exceeds cap %d", c.AdditiveFee.Amount, s.MaxAdditiveFee),
		})
	}
	if c.HexCount > s.MaxHexes {
		errs = append(errs, Violation{
			Code:   CodeTooManyHexes,
			Field:  "hex_set",
			Detail: fmt.Sprintf("%d cells exceeds cap %d", c.HexCount, s.MaxHexes),
		})
	}
	if c.ServiceKey == types.ServiceTaxi && (c.Multiplier != 1.0 || c.AdditiveFee.Amount != 0) {
		errs = append(errs, Violation{
			Code:   CodeTaxiSurgeForbidden,
			Field:  "service_key",
			Detail: "taxi fares are metered; surge multiplier must be 1.0 and fee 0",
		})
	}
	if s.EmergencyActive && (c.Multiplier != 1.0 || c.AdditiveFee.Amount != 0) {
		errs = append(errs, Violation{
			Code:   CodeEmergencyBrake,
			Field:  "emergency",
			Detail: "surge is globally frozen; only multiplier 1.0 with fee 0 is accepted",
		})
	}

	if c.Multiplier > s.WarnMultiplier && s.WarnMultiplier > 0 {
		warns = append(warns, Violation{
			Code:   WarnHighMultiplier,
			Field:  "multiplier",
			Detail: fmt.Sprintf("%.2f above the %.2f review threshold", c.Multiplier, s.WarnMultiplier),
		})
	}
	if s.ActiveProfiles > 1 {
		warns = append(warns, Violation{
			Code:   WarnMultipleActiveProfiles,
			Field:  "region",
			Detail: fmt.Sprintf("%d active profiles for one (region, service)", s.ActiveProfiles),
		})
	}

	return Result{OK: len(errs) == 0, Warnings: warns, Errors: errs}
}

// Clamp bounds a composed target into the legal envelope. This is the
// compositor's path only: targets produced by the merge may drift past a
// cap (event bump on a high baseline) and are pulled back rather than
// rejected. Operator writes never come through here.
func Clamp(c Candidate, s Snapshot) (multiplier float64, fee int64) {
	if s.EmergencyActive || c.ServiceKey == types.ServiceTaxi {
		return 1.0, 0
	}
	multiplier = c.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	if multiplier > s.MaxMultiplier {
		multiplier = s.MaxMultiplier
	}
	fee = c.AdditiveFee.Amount
	if fee < 0 {
		fee = 0
	}
	if fee > s.MaxAdditiveFee {
		fee = s.MaxAdditiveFee
	}
	return multiplier, fee
}
