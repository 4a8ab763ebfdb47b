package domain

// Role is the board role carried in access tokens.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:     1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// HasPermission reports whether r grants at least the privileges of required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}
