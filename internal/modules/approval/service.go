// README: Approval service; enforces the asymmetric gate (easy to block,
// hard to pass) and owns the emergency kill switch.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alon/internal/modules/audit"
	"alon/internal/types"
)

// DecisionHook is notified after a request reaches a terminal state. The
// override and profile managers register here to materialize or discard
// their targets.
type DecisionHook interface {
	RequestDecided(ctx context.Context, r *Request)
}

type Service struct {
	store   Store
	flags   FlagStore
	clock   types.Clock
	needs   int
	hooks   map[string]DecisionHook
	onBrake func(ctx context.Context)
}

func NewService(store Store, flags FlagStore, clock types.Clock, needsApprovals int) *Service {
	if needsApprovals < 1 {
		needsApprovals = 1
	}
	return &Service{
		store: store,
		flags: flags,
		clock: clock,
		needs: needsApprovals,
		hooks: make(map[string]DecisionHook),
	}
}

// RegisterHook wires the target-side reaction to decisions for one target
// kind. Set once at startup; hooks run synchronously after the deciding
// write.
func (s *Service) RegisterHook(kind string, h DecisionHook) { s.hooks[kind] = h }

// SetBrakeHook wires the compositor reaction to flag changes.
func (s *Service) SetBrakeHook(fn func(ctx context.Context)) { s.onBrake = fn }

type OpenCommand struct {
	TargetKind  string
	TargetID    types.ID
	RequestedBy types.ID
	Diff        Diff
}

// Open creates a pending request gating the target. Requests inherit the
// configured approval quorum; callers never pick their own.
func (s *Service) Open(ctx context.Context, cmd OpenCommand) (*Request, error) {
	if cmd.TargetKind != TargetOverride && cmd.TargetKind != TargetProfile {
		return nil, types.Invalid("target_kind", fmt.Sprintf("unknown kind %q", cmd.TargetKind))
	}
	if cmd.TargetID == "" || cmd.RequestedBy == "" {
		return nil, types.Invalid("target_id", "target and requester are required")
	}

	flag, err := s.flags.Get(ctx, FlagSurgeFreeze)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &Request{
		ID:               types.ID(uuid.NewString()),
		TargetKind:       cmd.TargetKind,
		TargetID:         cmd.TargetID,
		RequestedBy:      cmd.RequestedBy,
		Diff:             cmd.Diff,
		Status:           StatusPending,
		NeedsApprovals:   s.needs,
		EmergencyBlocked: flag.Active,
		CreatedAt:        now,
	}
	rec := s.entry(cmd.RequestedBy, "approval.open", r.ID, now)
	if err := s.store.Create(ctx, r, rec); err != nil {
		return nil, err
	}
	return r, nil
}

// Approve records one approval. The final approval flips the request to
// approved and notifies the decision hook.
func (s *Service) Approve(ctx context.Context, id, approver types.ID) (*Request, error) {
	for {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.checkApprovable(r, approver); err != nil {
			return r, err
		}

		now := s.clock.Now()
		rec := s.entry(approver, "approval.approve", id, now)
		updated, ok, err := s.store.RecordApproval(ctx, id, approver, r.CurrentApprovals, now, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The row moved under us. Loop to re-diagnose: the refreshed
			// read either yields a precise refusal or another CAS attempt.
			continue
		}

		if updated.Status == StatusApproved {
			slog.Info("activation request approved",
				slog.String("request_id", string(id)),
				slog.String("target", string(updated.TargetID)),
				slog.Int("approvals", updated.CurrentApprovals))
			s.notify(ctx, updated)
		}
		return updated, nil
	}
}

// Reject terminates the request. One rejection is final regardless of how
// many approvals were already collected.
func (s *Service) Reject(ctx context.Context, id, by types.ID, note string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return r, types.Approval(types.ApprovalAlreadyDecided, fmt.Sprintf("request is %s", r.Status))
	}
	now := s.clock.Now()
	rec := s.entry(by, "approval.reject", id, now)
	updated, ok, err := s.store.Decide(ctx, id, StatusRejected, by, note, now, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return updated, types.Approval(types.ApprovalAlreadyDecided, fmt.Sprintf("request is %s", updated.Status))
	}
	s.notify(ctx, updated)
	return updated, nil
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (s *Service) Cancel(ctx context.Context, id, by types.ID) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RequestedBy != by {
		return r, types.Approval(types.ApprovalSelfApproval, "only the requester may cancel")
	}
	if r.Status != StatusPending {
		return r, types.Approval(types.ApprovalAlreadyDecided, fmt.Sprintf("request is %s", r.Status))
	}
	now := s.clock.Now()
	rec := s.entry(by, "approval.cancel", id, now)
	updated, ok, err := s.store.Decide(ctx, id, StatusCancelled, by, "cancelled by requester", now, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return updated, types.Approval(types.ApprovalAlreadyDecided, fmt.Sprintf("request is %s", updated.Status))
	}
	s.notify(ctx, updated)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Request, error) {
	return s.store.List(ctx, f)
}

func (s *Service) checkApprovable(r *Request, approver types.ID) error {
	if r.Status != StatusPending {
		return types.Approval(types.ApprovalAlreadyDecided, fmt.Sprintf("request is %s", r.Status))
	}
	if r.EmergencyBlocked {
		return types.Approval(types.ApprovalEmergencyBlocked, "surge freeze active; approvals are suspended")
	}
	if approver == r.RequestedBy {
		return types.Approval(types.ApprovalSelfApproval, "requester may not approve their own request")
	}
	if r.HasApprover(approver) {
		return types.Approval(types.ApprovalDuplicate, "approver already counted")
	}
	return nil
}

func (s *Service) notify(ctx context.Context, r *Request) {
	if h, ok := s.hooks[r.TargetKind]; ok {
		h.RequestDecided(ctx, r)
	}
}

// SetEmergency raises the surge freeze: every pending request is blocked
// and the compositor is told to snap materialized state back to par.
func (s *Service) SetEmergency(ctx context.Context, by types.ID, reason string) (*Flag, error) {
	if reason == "" {
		return nil, types.Invalid("reason", "a freeze needs an operator-readable reason")
	}
	now := s.clock.Now()
	f := Flag{FlagKey: FlagSurgeFreeze, Active: true, Reason: reason, SetBy: by, SetAt: &now}
	rec := s.entry(by, "emergency.set", types.ID(FlagSurgeFreeze), now)
	if err := s.flags.Upsert(ctx, f, rec); err != nil {
		return nil, err
	}
	blocked, err := s.store.SetBlocked(ctx, true)
	if err != nil {
		return nil, err
	}
	slog.Warn("emergency surge freeze set",
		slog.String("by", string(by)),
		slog.String("reason", reason),
		slog.Int("blocked_requests", blocked))
	if s.onBrake != nil {
		s.onBrake(ctx)
	}
	return &f, nil
}

// ClearEmergency lowers the freeze and unblocks pending requests; recorded
// approvals were preserved while blocked and still count.
func (s *Service) ClearEmergency(ctx context.Context, by types.ID) (*Flag, error) {
	prev, err := s.flags.Get(ctx, FlagSurgeFreeze)
	if err != nil {
		return nil, err
	}
	if !prev.Active {
		return prev, nil
	}
	now := s.clock.Now()
	f := Flag{FlagKey: FlagSurgeFreeze, Active: false, SetBy: by, SetAt: &now}
	rec := s.entry(by, "emergency.clear", types.ID(FlagSurgeFreeze), now)
	if err := s.flags.Upsert(ctx, f, rec); err != nil {
		return nil, err
	}
	if _, err := s.store.SetBlocked(ctx, false); err != nil {
		return nil, err
	}
	slog.Info("emergency surge freeze cleared", slog.String("by", string(by)))
	if s.onBrake != nil {
		s.onBrake(ctx)
	}
	return &f, nil
}

// Emergency reports the current freeze flag.
func (s *Service) Emergency(ctx context.Context) (*Flag, error) {
	return s.flags.Get(ctx, FlagSurgeFreeze)
}

// EmergencyActive is the narrow read used by validators and the compositor.
func (s *Service) EmergencyActive(ctx context.Context) (bool, error) {
	f, err := s.flags.Get(ctx, FlagSurgeFreeze)
	if err != nil {
		return false, err
	}
	return f.Active, nil
}

func (s *Service) entry(user types.ID, action string, target types.ID, at time.Time) audit.Entry {
	return audit.Entry{
		TargetID:  audit.Target(target),
		UserID:    user,
		Action:    action,
		CreatedAt: at,
	}
}
