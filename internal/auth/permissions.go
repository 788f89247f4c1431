package auth

// Role is the role claim of an admin token.
type Role string

// Roles, least privileged first.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission represents a named capability of the admin API.
type Permission string

// Permission constants.
const (
	PermDevicesRead  Permission = "devices:read"
	PermDevicesWrite Permission = "devices:write"
	PermModelsRead   Permission = "models:read"
	PermModelsManage Permission = "models:manage"
	PermAuditRead    Permission = "audit:read"
	PermEventsStream Permission = "events:stream"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermDevicesRead,
		PermModelsRead,
		PermEventsStream,
	},
	RoleOperator: {
		PermDevicesRead,
		PermDevicesWrite,
		PermModelsRead,
		PermAuditRead,
		PermEventsStream,
	},
	RoleAdmin: {
		PermDevicesRead,
		PermDevicesWrite,
		PermModelsRead,
		PermModelsManage,
		PermAuditRead,
		PermEventsStream,
	},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
