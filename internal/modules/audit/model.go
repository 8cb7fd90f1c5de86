// README: Append-only audit trail. One entry per mutation, no update or
// delete path anywhere in this package.
package audit

import (
	"encoding/json"
	"time"

	"alon/internal/types"
)

// Entry records a single mutation. TargetID points at whichever entity was
// touched (profile, override, schedule, activation request, flag); OldValue
// and NewValue hold JSON snapshots of the entity around the change.
type Entry struct {
	ID        types.ID        `json:"id"`
	TargetID  *types.ID       `json:"target_id,omitempty"`
	UserID    types.ID        `json:"user_id"`
	Action    string          `json:"action"`
	OldValue  json.RawMessage `json:"old_value,omitempty"`
	NewValue  json.RawMessage `json:"new_value,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot renders an entity into an audit value. Marshal failures collapse
// to null rather than failing the mutation being recorded.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

// Target wraps an id for the optional TargetID field.
func Target(id types.ID) *types.ID {
	return &id
}
