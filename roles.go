package auth

// Role is the staff member's role. Permissions derive from it alone.
type Role string

const (
	// RoleSuperAdmin can do everything, including user management
	RoleSuperAdmin Role = "super_admin"
	// RoleDoctor can view and edit medical charts
	RoleDoctor Role = "doctor"
	// RoleNurse can view and edit medical charts
	RoleNurse Role = "nurse"
	// RoleReceptionist can view charts and manage patient profiles
	RoleReceptionist Role = "receptionist"
)

// Capability names a single permission flag.
type Capability string

const (
	CanViewMedicalChart      Capability = "canViewMedicalChart"
	CanEditMedicalChart      Capability = "canEditMedicalChart"
	CanManagePatientProfiles Capability = "canManagePatientProfiles"
	CanManageUsers           Capability = "canManageUsers"
	CanLoginAsOthers         Capability = "canLoginAsOthers"
	CanDeleteUsers           Capability = "canDeleteUsers"
	CanResetPasswords        Capability = "canResetPasswords"
)

// PermissionSet holds the capability flags granted to a role.
type PermissionSet struct {
	CanViewMedicalChart      bool `json:"canViewMedicalChart"`
	CanEditMedicalChart      bool `json:"canEditMedicalChart"`
	CanManagePatientProfiles bool `json:"canManagePatientProfiles"`
	CanManageUsers           bool `json:"canManageUsers"`
	CanLoginAsOthers         bool `json:"canLoginAsOthers"`
	CanDeleteUsers           bool `json:"canDeleteUsers"`
	CanResetPasswords        bool `json:"canResetPasswords"`
}

var rolePermissions = map[Role]PermissionSet{
	RoleSuperAdmin: {
		CanViewMedicalChart:      true,
		CanEditMedicalChart:      true,
		CanManagePatientProfiles: true,
		CanManageUsers:           true,
		CanLoginAsOthers:         true,
		CanDeleteUsers:           true,
		CanResetPasswords:        true,
	},
	RoleDoctor: {
		CanViewMedicalChart: true,
		CanEditMedicalChart: true,
	},
	RoleNurse: {
		CanViewMedicalChart: true,
		CanEditMedicalChart: true,
	},
	RoleReceptionist: {
		CanViewMedicalChart:      true,
		CanManagePatientProfiles: true,
	},
}

// PermissionsFor returns the fixed permission set for role. Unknown roles
// get the zero value so every check against them fails closed.
func PermissionsFor(role Role) PermissionSet {
	return rolePermissions[role]
}

// Has reports whether the named capability is granted. Unknown
// capabilities are never granted.
func (p PermissionSet) Has(c Capability) bool {
	switch c {
	case CanViewMedicalChart:
		return p.CanViewMedicalChart
	case CanEditMedicalChart:
		return p.CanEditMedicalChart
	case CanManagePatientProfiles:
		return p.CanManagePatientProfiles
	case CanManageUsers:
		return p.CanManageUsers
	case CanLoginAsOthers:
		return p.CanLoginAsOthers
	case CanDeleteUsers:
		return p.CanDeleteUsers
	case CanResetPasswords:
		return p.CanResetPasswords
	default:
		return false
	}
}

// Capabilities lists the granted capabilities in table order.
func (p PermissionSet) Capabilities() []Capability {
	out := make([]Capability, 0, len(AllCapabilities()))
	for _, c := range AllCapabilities() {
		if p.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// AllCapabilities returns every capability flag in table order
func AllCapabilities() []Capability {
	return []Capability{
		CanViewMedicalChart,
		CanEditMedicalChart,
		CanManagePatientProfiles,
		CanManageUsers,
		CanLoginAsOthers,
		CanDeleteUsers,
		CanResetPasswords,
	}
}

// IsValid checks if the role is one of the predefined valid roles
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleDoctor, RoleNurse, RoleReceptionist:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer
func (r Role) String() string {
	return string(r)
}

// GetAllRoles returns all predefined roles
func GetAllRoles() []Role {
	return []Role{
		RoleSuperAdmin,
		RoleDoctor,
		RoleNurse,
		RoleReceptionist,
	}
}

// ParseRole safely parses a string into a Role type
func ParseRole(roleStr string) (Role, bool) {
	role := Role(roleStr)
	return role, role.IsValid()
}
