package auth

import "strings"

// Role is the access level carried by a token. Levels are cumulative:
// viewers read status, rules, boards and history; operators may also set
// system status; admins may also reload rules and boards.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleLevels orders roles from least to most privileged.
var roleLevels = []Role{RoleViewer, RoleOperator, RoleAdmin}

// ParseRole accepts a role claim in any case, ignoring surrounding space.
func ParseRole(value string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(value)))
	if candidate.level() == 0 {
		return "", false
	}
	return candidate, true
}

// Allows reports whether r grants at least the required level. An unknown
// role allows nothing.
func (r Role) Allows(required Role) bool {
	level := r.level()
	return level > 0 && level >= required.level()
}

func (r Role) level() int {
	for i, candidate := range roleLevels {
		if candidate == r {
			return i + 1
		}
	}
	return 0
}
