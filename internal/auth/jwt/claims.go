package jwt

import (
	"fmt"
	"time"
)

// Role is the authorization role carried in a token.
type Role string

// Known roles.
const (
	RoleAdmin     Role = "ADMIN"
	RoleManager   Role = "MANAGER"
	RoleModerator Role = "MODERATOR"
	RoleUser      Role = "USER"
)

// RoleClaim is the private claim holding the role.
const RoleClaim = "role"

// Roles returns every known role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleModerator, RoleUser}
}

// ParseRole converts s to a Role. Matching is exact.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleManager, RoleModerator, RoleUser:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Claims is the identity extracted from a verified token.
type Claims struct {
	Subject   string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}
