package access

import "fmt"

// Principal is the authenticated caller of a bulk operation.
type Principal struct {
	ID     string
	Role   Role
	Active bool
}

// Reason explains a denied decision.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnauthenticated
	ReasonInsufficientRole
	ReasonAccountDeactivated
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonInsufficientRole:
		return "insufficient_role"
	case ReasonAccountDeactivated:
		return "account_deactivated"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allow  bool
	Reason Reason
}

// Err returns an *AuthorizationError for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return &AuthorizationError{Reason: d.Reason}
}

// AuthorizationError blocks an entire bulk operation.
type AuthorizationError struct {
	Reason Reason
}

func (e *AuthorizationError) Error() string {
	return "authorization denied: " + e.Reason.String()
}

// Authorize checks p against req. Checks run in a fixed order and the first
// failure wins: missing principal, role outside req, deactivated account.
//
// Authorize depends only on its arguments; bypass principals are supplied by
// the caller like any other principal.
func Authorize(p *Principal, req Requirement) Decision {
	if p == nil {
		return Decision{Reason: ReasonUnauthenticated}
	}
	if !req.Allows(p.Role) {
		return Decision{Reason: ReasonInsufficientRole}
	}
	if !p.Active {
		return Decision{Reason: ReasonAccountDeactivated}
	}
	return Decision{Allow: true}
}
