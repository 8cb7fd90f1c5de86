// README: Error taxonomy shared by services; transport mapping lives in http helpers.
package types

import "fmt"

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a stale version or a blocked lifecycle transition.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Resource, e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(resource, reason string) *ConflictError {
	return &ConflictError{Resource: resource, Reason: reason}
}

// Approval failure codes. EMERGENCY_BLOCKED is distinct so operators can
// tell a global freeze from a problem with their own request.
const (
	ApprovalInsufficient     = "INSUFFICIENT_APPROVALS"
	ApprovalSelfApproval     = "SELF_APPROVAL"
	ApprovalDuplicate        = "DUPLICATE_APPROVAL"
	ApprovalAlreadyDecided   = "ALREADY_DECIDED"
	ApprovalEmergencyBlocked = "EMERGENCY_BLOCKED"
)

// ApprovalError reports a refused approval-workflow transition.
type ApprovalError struct {
	Code   string
	Reason string
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("approval: %s: %s", e.Code, e.Reason)
}

// Approval builds an ApprovalError with the given code.
func Approval(code, reason string) *ApprovalError {
	return &ApprovalError{Code: code, Reason: reason}
}
