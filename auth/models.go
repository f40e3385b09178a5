package auth

import "github.com/golang-jwt/jwt/v5"

// Role grants access to the admin API.
type Role string

const (
	// RoleViewer may read cluster and outbox state.
	RoleViewer Role = "viewer"
	// RoleOperator may also submit and revive events.
	RoleOperator Role = "operator"
)

// Allows reports whether r satisfies the required role.
func (r Role) Allows(required Role) bool {
	switch required {
	case RoleViewer:
		return r == RoleViewer || r == RoleOperator
	case RoleOperator:
		return r == RoleOperator
	default:
		return false
	}
}

func isValidRole(role Role) bool {
	switch role {
	case RoleViewer, RoleOperator:
		return true
	default:
		return false
	}
}

// Claims is the token payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}
