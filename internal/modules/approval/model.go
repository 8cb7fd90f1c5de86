// README: Activation requests (multi-approver gate) and the emergency flag.
package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"alon/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// AllowedTransitions is the whole machine: pending is the only live state,
// everything it reaches is terminal.
var AllowedTransitions = map[Status][]Status{
	StatusPending: {StatusApproved, StatusRejected, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Target kinds a request can gate.
const (
	TargetOverride = "override"
	TargetProfile  = "profile"
)

// Request gates one high-impact change behind human approvals.
type Request struct {
	ID               types.ID   `json:"id"`
	TargetKind       string     `json:"target_kind"`
	TargetID         types.ID   `json:"target_id"`
	RequestedBy      types.ID   `json:"requested_by"`
	Diff             Diff       `json:"diff"`
	Status           Status     `json:"status"`
	NeedsApprovals   int        `json:"needs_approvals"`
	CurrentApprovals int        `json:"current_approvals"`
	ApprovedBy       []types.ID `json:"approved_by"`
	EmergencyBlocked bool       `json:"emergency_blocked"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	DecidedBy        *types.ID  `json:"decided_by,omitempty"`
	DecisionNote     string     `json:"decision_note,omitempty"`
}

// HasApprover reports whether the user already approved this request.
func (r *Request) HasApprover(id types.ID) bool {
	for _, a := range r.ApprovedBy {
		if a == id {
			return true
		}
	}
	return false
}

// Change is one variant of what an approved request puts into effect.
// Appliers type-switch over the concrete variants.
type Change interface {
	changeKind() string
}

// PricingChange alters multiplier or additive fee.
type PricingChange struct {
	Multiplier  float64     `json:"multiplier"`
	AdditiveFee types.Money `json:"additive_fee"`
}

func (PricingChange) changeKind() string { return "pricing" }

// WindowChange alters the effective time window.
type WindowChange struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

func (WindowChange) changeKind() string { return "window" }

// LifecycleChange moves the target between lifecycle states.
type LifecycleChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (LifecycleChange) changeKind() string { return "lifecycle" }

// CapChange raises or lowers a profile's regulatory envelope.
type CapChange struct {
	MaxMultiplier   float64 `json:"max_multiplier"`
	AdditiveEnabled bool    `json:"additive_enabled"`
}

func (CapChange) changeKind() string { return "cap" }

// Diff is the ordered set of changes a request carries. The JSON form is a
// list of {kind, change} envelopes so each variant round-trips into its
// concrete type.
type Diff []Change

type changeEnvelope struct {
	Kind   string          `json:"kind"`
	Change json.RawMessage `json:"change"`
}

func (d Diff) MarshalJSON() ([]byte, error) {
	out := make([]changeEnvelope, len(d))
	for i, c := range d {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		out[i] = changeEnvelope{Kind: c.changeKind(), Change: raw}
	}
	return json.Marshal(out)
}

func (d *Diff) UnmarshalJSON(b []byte) error {
	var envs []changeEnvelope
	if err := json.Unmarshal(b, &envs); err != nil {
		return err
	}
	out := make(Diff, 0, len(envs))
	for _, env := range envs {
		var c Change
		switch env.Kind {
		case "pricing":
			v := PricingChange{}
			if err := json.Unmarshal(env.Change, &v); err != nil {
				return err
			}
			c = v
		case "window":
			v := WindowChange{}
			if err := json.Unmarshal(env.Change, &v); err != nil {
				return err
			}
			c = v
		case "lifecycle":
			v := LifecycleChange{}
			if err := json.Unmarshal(env.Change, &v); err != nil {
				return err
			}
			c = v
		case "cap":
			v := CapChange{}
			if err := json.Unmarshal(env.Change, &v); err != nil {
				return err
			}
			c = v
		default:
			return fmt.Errorf("unknown change kind %q", env.Kind)
		}
		out = append(out, c)
	}
	*d = out
	return nil
}

// FlagSurgeFreeze is the global kill switch gating all non-default surge.
const FlagSurgeFreeze = "surge_freeze"

// Flag is one global emergency switch.
type Flag struct {
	FlagKey string     `json:"flag_key"`
	Active  bool       `json:"active"`
	Reason  string     `json:"reason,omitempty"`
	SetBy   types.ID   `json:"set_by,omitempty"`
	SetAt   *time.Time `json:"set_at,omitempty"`
}
