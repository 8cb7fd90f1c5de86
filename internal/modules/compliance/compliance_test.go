package compliance

import (
	"errors"
	"testing"

	"alon/internal/types"
)

func defaultSnapshot() Snapshot {
	return Snapshot{
		MaxMultiplier:  2.0,
		MaxAdditiveFee: 10000,
		MaxHexes:       500,
		WarnMultiplier: 2.0,
		ActiveProfiles: 1,
	}
}

func hasCode(vs []Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		candidate Candidate
		snapshot  Snapshot
		ok        bool
		errCodes  []string
		warnCodes []string
	}{
		{
			name:      "clean tnvs surge",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.4, AdditiveFee: types.PHP(2000), HexCount: 30},
			snapshot:  defaultSnapshot(),
			ok:        true,
		},
		{
			name:      "multiplier above cap",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 2.5, HexCount: 1},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes:  []string{CodeMultiplierAboveCap},
			warnCodes: []string{WarnHighMultiplier},
		},
		{
			name:      "fee above cap",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.2, AdditiveFee: types.PHP(10001), HexCount: 1},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes:  []string{CodeAdditiveFeeAboveCap},
		},
		{
			name:      "too many hexes",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.2, HexCount: 501},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes:  []string{CodeTooManyHexes},
		},
		{
			name:      "taxi with surge",
			candidate: Candidate{ServiceKey: types.ServiceTaxi, Multiplier: 1.1, HexCount: 1},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes:  []string{CodeTaxiSurgeForbidden},
		},
		{
			name:      "taxi with fee only",
			candidate: Candidate{ServiceKey: types.ServiceTaxi, Multiplier: 1.0, AdditiveFee: types.PHP(500), HexCount: 1},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes:  []string{CodeTaxiSurgeForbidden},
		},
		{
			name:      "taxi at par is fine",
			candidate: Candidate{ServiceKey: types.ServiceTaxi, Multiplier: 1.0, HexCount: 1},
			snapshot:  defaultSnapshot(),
			ok:        true,
		},
		{
			name:      "emergency brake blocks surge",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.1, HexCount: 1},
			snapshot: func() Snapshot {
				s := defaultSnapshot()
				s.EmergencyActive = true
				return s
			}(),
			ok:       false,
			errCodes: []string{CodeEmergencyBrake},
		},
		{
			name:      "emergency brake passes par pricing",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.0, HexCount: 1},
			snapshot: func() Snapshot {
				s := defaultSnapshot()
				s.EmergencyActive = true
				return s
			}(),
			ok: true,
		},
		{
			name:      "every violation reported at once",
			candidate: Candidate{ServiceKey: types.ServiceTaxi, Multiplier: 3.0, AdditiveFee: types.PHP(20000), HexCount: 600},
			snapshot:  defaultSnapshot(),
			ok:        false,
			errCodes: []string{
				CodeMultiplierAboveCap,
				CodeAdditiveFeeAboveCap,
				CodeTooManyHexes,
				CodeTaxiSurgeForbidden,
			},
		},
		{
			name:      "multiple active profiles warns",
			candidate: Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.2, HexCount: 1},
			snapshot: func() Snapshot {
				s := defaultSnapshot()
				s.ActiveProfiles = 2
				return s
			}(),
			ok:        true,
			warnCodes: []string{WarnMultipleActiveProfiles},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.candidate, tc.snapshot)
			if res.OK != tc.ok {
				t.Fatalf("OK = %v, want %v (errors: %v)", res.OK, tc.ok, res.Errors)
			}
			if len(res.Errors) != len(tc.errCodes) {
				t.Fatalf("got %d errors %v, want %d", len(res.Errors), res.Errors, len(tc.errCodes))
			}
			for _, code := range tc.errCodes {
				if !hasCode(res.Errors, code) {
					t.Fatalf("missing error code %s in %v", code, res.Errors)
				}
			}
			for _, code := range tc.warnCodes {
				if !hasCode(res.Warnings, code) {
					t.Fatalf("missing warning code %s in %v", code, res.Warnings)
				}
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	ok := Validate(Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.2, HexCount: 1}, defaultSnapshot())
	if err := ok.Err(); err != nil {
		t.Fatalf("Err on passing result = %v", err)
	}

	bad := Validate(Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 9, HexCount: 600}, defaultSnapshot())
	err := bad.Err()
	if err == nil {
		t.Fatal("Err on failing result = nil")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *compliance.Error", err)
	}
	if !ce.Has(CodeMultiplierAboveCap) || !ce.Has(CodeTooManyHexes) {
		t.Fatalf("violations incomplete: %v", ce.Violations)
	}
}

func TestClamp(t *testing.T) {
	s := defaultSnapshot()
	cases := []struct {
		name    string
		c       Candidate
		s       Snapshot
		wantMul float64
		wantFee int64
	}{
		{"in range untouched", Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.3, AdditiveFee: types.PHP(500)}, s, 1.3, 500},
		{"above cap pulled down", Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 2.7, AdditiveFee: types.PHP(12000)}, s, 2.0, 10000},
		{"below floor raised", Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 0.8, AdditiveFee: types.PHP(-5)}, s, 1.0, 0},
		{"taxi forced to par", Candidate{ServiceKey: types.ServiceTaxi, Multiplier: 1.9, AdditiveFee: types.PHP(300)}, s, 1.0, 0},
		{"emergency forces par", Candidate{ServiceKey: types.ServiceTNVS, Multiplier: 1.9, AdditiveFee: types.PHP(300)}, func() Snapshot {
			e := defaultSnapshot()
			e.EmergencyActive = true
			return e
		}(), 1.0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, f := Clamp(tc.c, tc.s)
			if m != tc.wantMul || f != tc.wantFee {
				t.Fatalf("Clamp = (%v, %v), want (%v, %v)", m, f, tc.wantMul, tc.wantFee)
			}
		})
	}
}
