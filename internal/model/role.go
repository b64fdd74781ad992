package model

// Role is the RBAC role carried by an API key and its tokens.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleSensor Role = "sensor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return RoleRank(r) > 0
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleSensor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
