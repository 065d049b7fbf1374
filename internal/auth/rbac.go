package auth

// Permission is a named capability granted to a role.
type Permission string

const (
	PermViewPHI           Permission = "can_view_phi"
	PermEditPHI           Permission = "can_edit_phi"
	PermDeletePHI         Permission = "can_delete_phi"
	PermManageUsers       Permission = "can_manage_users"
	PermViewAuditLogs     Permission = "can_view_audit_logs"
	PermExportData        Permission = "can_export_data"
	PermAccessAllPatients Permission = "can_access_all_patients"
	PermBreakGlass        Permission = "break_glass_access"
)

// rolePermissions is the single source of truth for role capabilities. It is
// built once and never mutated; unknown roles and unknown permissions both
// resolve to denial.
var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin: {
		PermViewPHI:           true,
		PermEditPHI:           true,
		PermDeletePHI:         true,
		PermManageUsers:       true,
		PermViewAuditLogs:     true,
		PermExportData:        true,
		PermAccessAllPatients: true,
	},
	RoleDoctor: {
		PermViewPHI:    true,
		PermEditPHI:    true,
		PermExportData: true,
	},
	RoleNurse: {
		PermViewPHI: true,
		PermEditPHI: true,
	},
	RoleEmergency: {
		PermViewPHI:           true,
		PermEditPHI:           true,
		PermAccessAllPatients: true,
		PermBreakGlass:        true,
	},
	RolePatient: {
		PermViewPHI: true,
		// Patients may inspect and export their own records only; the
		// clinical query layer scopes the rows.
		PermViewAuditLogs: true,
		PermExportData:    true,
	},
}

// CheckPermission reports whether role holds permission. Absent entries deny.
func CheckPermission(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// RolePermissions returns a copy of the permission set granted to role.
func RolePermissions(role Role) map[Permission]bool {
	src, ok := rolePermissions[role]
	if !ok {
		return map[Permission]bool{}
	}
	out := make(map[Permission]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
