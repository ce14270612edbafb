package records

import (
	"fmt"
	"slices"
	"time"
)

func isDefaultRole(role string) bool {
	return role == RoleAdministrator || role == RoleUser
}

// CreateRole adds role.
func CreateRole(actor, role string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if role == "" {
			return false, missing("role")
		}

		if d.HasRole(role) {
			return false, fmt.Errorf("%w: %s", ErrRoleExists, role)
		}

		d.Roles = append(d.Roles, role)
		d.logActivity(now, actor, "Created role", role)

		return true, nil
	}
}

// RenameRole renames oldRole to newRole, including on every user holding it.
func RenameRole(actor, oldRole, newRole string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if oldRole == "" || newRole == "" {
			return false, missing("role")
		}

		if isDefaultRole(oldRole) {
			return false, fmt.Errorf("%w: %s", ErrRoleProtected, oldRole)
		}

		i := slices.Index(d.Roles, oldRole)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrRoleNotFound, oldRole)
		}

		if d.HasRole(newRole) {
			return false, fmt.Errorf("%w: %s", ErrRoleExists, newRole)
		}

		d.Roles[i] = newRole

		for j := range d.Users {
			if d.Users[j].Role == oldRole {
				d.Users[j].Role = newRole
			}
		}

		d.logActivity(now, actor, "Updated role", oldRole+" → "+newRole)

		return true, nil
	}
}

// DeleteRole removes role. Default roles and roles still assigned to a user
// are refused.
func DeleteRole(actor, role string, now time.Time) Mutator {
	return func(d *Document) (bool, error) {
		if isDefaultRole(role) {
			return false, fmt.Errorf("%w: %s", ErrRoleProtected, role)
		}

		if !d.HasRole(role) {
			return false, fmt.Errorf("%w: %s", ErrRoleNotFound, role)
		}

		if slices.ContainsFunc(d.Users, func(u User) bool { return u.Role == role }) {
			return false, fmt.Errorf("%w: %s", ErrRoleInUse, role)
		}

		d.Roles = slices.DeleteFunc(d.Roles, func(r string) bool { return r == role })
		d.logActivity(now, actor, "Deleted role", role)

		return true, nil
	}
}
