// README: Manual overrides and planned schedules; one Rule shape, two kinds.
package override

import (
	"time"

	"alon/internal/hexgrid"
	"alon/internal/types"
)

// Kind separates an operator's immediate intervention from a planned window.
type Kind string

const (
	KindOverride Kind = "override"
	KindSchedule Kind = "schedule"
)

// Recurrence repeats a schedule's window. Overrides are always RecurNone.
type Recurrence string

const (
	RecurNone   Recurrence = "none"
	RecurDaily  Recurrence = "daily"
	RecurWeekly Recurrence = "weekly"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	// StatusExpired is a reported state, never stored: rows keep their final
	// stored status for audit continuity and expire lazily at read time.
	StatusExpired Status = "expired"
)

// AllowedTransitions covers stored statuses only. Rejected and cancelled are
// terminal; approved can still be pulled by an operator.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCancelled},
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

// Rule is a time-bounded pricing exception on a set of cells. An approved
// rule replaces the composed baseline on its cells while a window is open;
// overlapping rules are legal and ranked by the compositor's precedence.
type Rule struct {
	ID                types.ID         `json:"id"`
	Kind              Kind             `json:"kind"`
	RegionID          types.ID         `json:"region_id"`
	ServiceKey        string           `json:"service_key"`
	Reason            string           `json:"reason"`
	Multiplier        float64          `json:"multiplier"`
	AdditiveFee       types.Money      `json:"additive_fee"`
	HexSet            []hexgrid.CellID `json:"hex_set"`
	StartsAt          time.Time        `json:"starts_at"`
	EndsAt            time.Time        `json:"ends_at"`
	Recurrence        Recurrence       `json:"recurrence"`
	RequestedBy       types.ID         `json:"requested_by"`
	Status            Status           `json:"status"`
	ApprovalRequestID types.ID         `json:"approval_request_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (r *Rule) period() time.Duration {
	switch r.Recurrence {
	case RecurDaily:
		return 24 * time.Hour
	case RecurWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// StatusAt reports the rule's effective status: pending and approved rows
// whose window can never open again read as expired. Recurring schedules
// never expire on their own, they run until cancelled.
func (r *Rule) StatusAt(now time.Time) Status {
	if r.Status != StatusPending && r.Status != StatusApproved {
		return r.Status
	}
	if r.Recurrence == RecurNone || r.Recurrence == "" {
		if !now.Before(r.EndsAt) {
			return StatusExpired
		}
	}
	return r.Status
}

// ActiveWindow resolves whether the rule covers the instant and returns the
// concrete occurrence doing so. Recurrence shifts the base window forward by
// whole periods.
func (r *Rule) ActiveWindow(now time.Time) (start, end time.Time, ok bool) {
	if now.Before(r.StartsAt) {
		return time.Time{}, time.Time{}, false
	}
	p := r.period()
	if p == 0 {
		if now.Before(r.EndsAt) {
			return r.StartsAt, r.EndsAt, true
		}
		return time.Time{}, time.Time{}, false
	}
	d := r.EndsAt.Sub(r.StartsAt)
	k := now.Sub(r.StartsAt) / p
	start = r.StartsAt.Add(k * p)
	end = start.Add(d)
	if now.Before(end) {
		return start, end, true
	}
	return time.Time{}, time.Time{}, false
}

// NextWindow returns the current or next occurrence. ok is false only when
// the rule can never open again.
func (r *Rule) NextWindow(now time.Time) (start, end time.Time, ok bool) {
	if start, end, ok = r.ActiveWindow(now); ok {
		return start, end, true
	}
	if now.Before(r.StartsAt) {
		d := r.EndsAt.Sub(r.StartsAt)
		return r.StartsAt, r.StartsAt.Add(d), true
	}
	p := r.period()
	if p == 0 {
		return time.Time{}, time.Time{}, false
	}
	d := r.EndsAt.Sub(r.StartsAt)
	k := now.Sub(r.StartsAt)/p + 1
	start = r.StartsAt.Add(k * p)
	return start, start.Add(d), true
}

// CoversCell reports hex-set membership.
func (r *Rule) CoversCell(c hexgrid.CellID) bool {
	for _, h := range r.HexSet {
		if h == c {
			return true
		}
	}
	return false
}

// Live reports whether the rule still warrants holding its profile in
// rotation: pending or approved, and able to open a window now or later.
func (r *Rule) Live(now time.Time) bool {
	s := r.StatusAt(now)
	return s == StatusPending || s == StatusApproved
}
