package rbac

import (
	"fmt"
	"strings"
)

// Role is a member's role within a company.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleOwner
	RoleAdmin
	RoleAccountant
	RoleViewer
)

var roleNames = map[Role]string{
	RoleOwner:      "OWNER",
	RoleAdmin:      "ADMIN",
	RoleAccountant: "ACCOUNTANT",
	RoleViewer:     "VIEWER",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidInput, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// RoleSet is a set of roles permitted to perform an operation.
type RoleSet uint8

func (r Role) bit() RoleSet {
	if !r.Valid() {
		return 0
	}
	return 1 << r
}

// NewRoleSet builds a set from roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= r.bit()
	}
	return s
}

// Has reports whether role belongs to the set.
func (s RoleSet) Has(role Role) bool {
	bit := role.bit()
	return bit != 0 && s&bit != 0
}

// Roles lists the members of the set in hierarchy order.
func (s RoleSet) Roles() []Role {
	var out []Role
	for _, r := range []Role{RoleOwner, RoleAdmin, RoleAccountant, RoleViewer} {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s RoleSet) String() string {
	roles := s.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Operation role sets. Every company-scoped handler gates on one of these.
var (
	Read      = NewRoleSet(RoleOwner, RoleAdmin, RoleAccountant, RoleViewer)
	Write     = NewRoleSet(RoleOwner, RoleAdmin, RoleAccountant)
	Manage    = NewRoleSet(RoleOwner, RoleAdmin)
	OwnerOnly = NewRoleSet(RoleOwner)
)
