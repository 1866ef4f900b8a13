// Package authz holds the ownership and role rules for board resources.
// Every function is pure; callers pass the facts and get a decision.
package authz

import (
	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/types"
)

// IsAdmin reports whether role carries administrative rights.
func IsAdmin(role types.Role) bool {
	return role == types.RoleAdmin
}

// CanEditResource reports whether actor may edit a resource owned by owner.
// uuid.Nil is the unauthenticated actor and is never allowed, even when
// owner is also unset.
func CanEditResource(actor, owner uuid.UUID, role types.Role) bool {
	if actor == uuid.Nil {
		return false
	}
	return IsAdmin(role) || actor == owner
}

// CanDeleteResource follows the same rule as CanEditResource.
func CanDeleteResource(actor, owner uuid.UUID, role types.Role) bool {
	return CanEditResource(actor, owner, role)
}

// DerivePermissions computes the full permission set for one decision.
func DerivePermissions(actor, owner uuid.UUID, role types.Role) types.Permission {
	if actor == uuid.Nil {
		return types.Permission{}
	}
	return types.Permission{
		CanEdit:   CanEditResource(actor, owner, role),
		CanDelete: CanDeleteResource(actor, owner, role),
		CanManage: IsAdmin(role),
	}
}

// ForSession derives permissions for the holder of session. A nil session
// is unauthenticated.
func ForSession(session *types.Session, owner uuid.UUID) types.Permission {
	if session == nil {
		return types.Permission{}
	}
	return DerivePermissions(session.IdentityID, owner, session.Role)
}

// RequireRole checks that session is present and holds role. Admin satisfies
// every role requirement.
func RequireRole(session *types.Session, role types.Role) error {
	if session == nil || session.IdentityID == uuid.Nil {
		return auth.ErrInvalidToken
	}
	if session.Role == role || IsAdmin(session.Role) {
		return nil
	}
	return auth.ErrForbidden
}
