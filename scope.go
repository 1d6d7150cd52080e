package hrflow

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ScopeInput describes a directly-granted permission scope for one user.
type ScopeInput struct {
	UserID             uint
	PermissionName     string
	LocationID         *uint
	IncludeDescendants bool
	IsGlobal           bool
	ValidFrom          time.Time
	ValidUntil         *time.Time
}

// GrantScope directly grants a user a permission scope. A nil LocationID is
// only valid together with IsGlobal.
func (s *Service) GrantScope(ctx context.Context, in ScopeInput, actorID uint) (*PermissionScope, error) {
	if in.UserID == 0 || in.PermissionName == "" {
		return nil, ErrInvalidInput
	}
	if in.LocationID == nil && !in.IsGlobal {
		return nil, ErrInvalidInput
	}

	perm, err := s.GetPermissionByName(ctx, in.PermissionName)
	if err != nil {
		return nil, err
	}

	if in.LocationID != nil {
		var loc Location
		if err := s.db.WithContext(ctx).First(&loc, *in.LocationID).Error; err != nil {
			return nil, ErrNotFound
		}
	}

	validFrom := in.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now()
	}

	scope := &PermissionScope{
		UserID:             in.UserID,
		PermissionID:       perm.ID,
		LocationID:         in.LocationID,
		IncludeDescendants: in.IncludeDescendants,
		IsGlobal:           in.IsGlobal,
		ValidFrom:          validFrom,
		ValidUntil:         in.ValidUntil,
		Status:             StatusActive,
	}
	if err := s.db.WithContext(ctx).Create(scope).Error; err != nil {
		return nil, err
	}

	s.invalidateUserAuthority(ctx, in.UserID)
	s.logAudit(ctx, actorID, "grant_scope", "permission_scope", scope.ID, "Granted "+in.PermissionName)
	return scope, nil
}

// RevokeScope deactivates a directly-granted scope. Mirrored scopes are
// managed through role assignment, not revoked here.
func (s *Service) RevokeScope(ctx context.Context, scopeID uint, actorID uint) error {
	if scopeID == 0 {
		return ErrInvalidInput
	}

	var scope PermissionScope
	if err := s.db.WithContext(ctx).First(&scope, scopeID).Error; err != nil {
		return ErrNotFound
	}
	if scope.SourceRoleID != nil {
		return ErrInvalidInput
	}

	if err := s.db.WithContext(ctx).Model(&scope).Update("status", StatusInactive).Error; err != nil {
		return err
	}

	s.invalidateUserAuthority(ctx, scope.UserID)
	s.logAudit(ctx, actorID, "revoke_scope", "permission_scope", scopeID, "Revoked scope")
	return nil
}

// ListScopes retrieves a user's scopes, mirrored ones included.
func (s *Service) ListScopes(ctx context.Context, userID uint) ([]PermissionScope, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}

	var scopes []PermissionScope
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&scopes).Error; err != nil {
		return nil, err
	}
	return scopes, nil
}

// effectiveScopes returns the user's scopes for one permission that are
// effective right now. A mirrored scope only counts while its source role is
// itself active: deactivating a role must stop its grants immediately.
func (s *Service) effectiveScopes(ctx context.Context, userID, permissionID uint, now time.Time) ([]PermissionScope, error) {
	var scopes []PermissionScope
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND permission_id = ? AND status = ?", userID, permissionID, StatusActive).
		Where("source_role_id IS NULL OR source_role_id IN (?)",
			s.db.Model(&Role{}).Select("id").Where("status = ?", StatusActive)).
		Find(&scopes).Error
	if err != nil {
		return nil, err
	}

	effective := scopes[:0]
	for _, scope := range scopes {
		if scope.EffectiveAt(now) {
			effective = append(effective, scope)
		}
	}
	return effective, nil
}

// mirrorRoleScopes backfills global mirrored scopes so that direct-scope
// checks and role checks share one evaluation path. Idempotent per
// (user, permission, role).
func mirrorRoleScopes(tx *gorm.DB, roleID uint, userIDs []uint, permIDs []uint) error {
	now := time.Now()
	for _, userID := range userIDs {
		for _, permID := range permIDs {
			scope := PermissionScope{
				UserID:       userID,
				PermissionID: permID,
				IsGlobal:     true,
				ValidFrom:    now,
				Status:       StatusActive,
				SourceRoleID: &roleID,
			}
			err := tx.Where("user_id = ? AND permission_id = ? AND source_role_id = ?",
				userID, permID, roleID).FirstOrCreate(&scope).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// removeMirroredScopes drops the mirrored scopes one user received from one
// role.
func removeMirroredScopes(tx *gorm.DB, roleID, userID uint) error {
	return tx.Where("source_role_id = ? AND user_id = ?", roleID, userID).
		Delete(&PermissionScope{}).Error
}
