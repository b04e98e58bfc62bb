package ceiling

import "fmt"

// PermissionLevel is a closed, totally ordered set of permission levels.
// Compare levels with Rank or IsWithinCeiling, never by name.
type PermissionLevel int

const (
	None PermissionLevel = iota
	Read
	Write
	Admin
	SuperAdmin
)

// DefaultCeiling applies to every principal without an explicit record.
const DefaultCeiling = Write

var levelNames = [...]string{"None", "Read", "Write", "Admin", "SuperAdmin"}

// PermissionLevels lists every level in ascending order.
func PermissionLevels() []PermissionLevel {
	return []PermissionLevel{None, Read, Write, Admin, SuperAdmin}
}

// Rank returns the level's position in the total order.
func (l PermissionLevel) Rank() int { return int(l) }

// Valid reports whether l is one of the defined levels.
func (l PermissionLevel) Valid() bool { return l >= None && l <= SuperAdmin }

func (l PermissionLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("PermissionLevel(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l PermissionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid permission level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText decodes a level name.
func (l *PermissionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParsePermissionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParsePermissionLevel maps a level name to its level.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	for i, name := range levelNames {
		if name == s {
			return PermissionLevel(i), nil
		}
	}
	return None, fmt.Errorf("unknown permission level %q", s)
}

// IsWithinCeiling reports whether requested does not exceed ceiling.
func IsWithinCeiling(requested, ceiling PermissionLevel) bool {
	return requested.Rank() <= ceiling.Rank()
}

// Role is a coarse user role with a suggested ceiling.
type Role int

const (
	RoleUser Role = iota
	RoleDeveloper
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{"User", "Developer", "Admin", "Owner"}

// CeilingRoles lists every role.
func CeilingRoles() []Role {
	return []Role{RoleUser, RoleDeveloper, RoleAdmin, RoleOwner}
}

func (r Role) String() string {
	if r < RoleUser || r > RoleOwner {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole maps a role name to its role.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if name == s {
			return Role(i), nil
		}
	}
	return RoleUser, fmt.Errorf("unknown role %q", s)
}

// CeilingForRole returns the role's suggested ceiling. It is never merged
// into stored records; CheckPermission falls back to DefaultCeiling.
func CeilingForRole(r Role) PermissionLevel {
	switch r {
	case RoleDeveloper:
		return Write
	case RoleAdmin:
		return Admin
	case RoleOwner:
		return SuperAdmin
	default:
		return Read
	}
}
