// README: Authenticated principal consumed from the auth collaborator.
package types

// Permission names understood by the pricing API.
const (
	PermPricingRead      = "pricing:read"
	PermPricingWrite     = "pricing:write"
	PermPricingApprove   = "pricing:approve"
	PermPricingEmergency = "pricing:emergency"
)

// Principal is the caller identity attached to every mutating request.
// It is produced by the auth middleware; the engine never inspects
// credentials itself.
type Principal struct {
	UserID      ID
	Permissions []string
	Level       int
}

// Can reports whether the principal holds the named permission.
func (p Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}
