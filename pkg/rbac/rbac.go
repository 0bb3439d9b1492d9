// Package rbac provides role-based access control checks.
package rbac

import "github.com/bjpl/backendsim/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermEditAnyProfile: true,
		model.PermListUsers:      true,
		model.PermUnlockAccount:  true,
		model.PermRequeueSync:    true,
		model.PermEditContent:    true,
	},
	model.RoleEditor: {
		model.PermEditContent: true,
	},
	model.RoleUser: {
		// No special permissions, can only manage its own profile.
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires higher role"
}

func permName(p model.Permission) string {
	switch p {
	case model.PermEditAnyProfile:
		return "edit_any_profile"
	case model.PermListUsers:
		return "list_users"
	case model.PermUnlockAccount:
		return "unlock_account"
	case model.PermRequeueSync:
		return "requeue_sync"
	case model.PermEditContent:
		return "edit_content"
	default:
		return "unknown"
	}
}
