package hrflow

import (
	"context"

	"gorm.io/gorm"
)

// AssignRole assigns a role to a user and backfills the mirrored permission
// scopes for every grant the role carries.
func (s *Service) AssignRole(ctx context.Context, userID, roleID uint, actorID uint) error {
	if userID == 0 || roleID == 0 {
		return ErrInvalidInput
	}

	var role Role
	if err := s.db.WithContext(ctx).First(&role, roleID).Error; err != nil {
		return ErrNotFound
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userRole := UserRole{UserID: userID, RoleID: roleID}
		if err := tx.Where("user_id = ? AND role_id = ?", userID, roleID).
			FirstOrCreate(&userRole).Error; err != nil {
			return err
		}

		var permIDs []uint
		if err := tx.Model(&RolePermission{}).Where("role_id = ?", roleID).
			Pluck("permission_id", &permIDs).Error; err != nil {
			return err
		}
		return mirrorRoleScopes(tx, roleID, []uint{userID}, permIDs)
	})
	if err != nil {
		return err
	}

	s.invalidateUserAuthority(ctx, userID)
	s.logAudit(ctx, actorID, "assign_role", "user_role", roleID, "Assigned role to user")
	return nil
}

// RemoveRole removes a role from a user and cleans up the scopes mirrored
// from it.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID uint, actorID uint) error {
	if userID == 0 || roleID == 0 {
		return ErrInvalidInput
	}

	var userRole UserRole
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_id = ?", userID, roleID).
		First(&userRole).Error; err != nil {
		return ErrNotFound
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND role_id = ?", userID, roleID).
			Delete(&UserRole{}).Error; err != nil {
			return err
		}
		return removeMirroredScopes(tx, roleID, userID)
	})
	if err != nil {
		return err
	}

	s.invalidateUserAuthority(ctx, userID)
	s.logAudit(ctx, actorID, "remove_role", "user_role", roleID, "Removed role from user")
	return nil
}

// UserRoles retrieves the active roles held by a user.
func (s *Service) UserRoles(ctx context.Context, userID uint) ([]Role, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}

	var roles []Role
	err := s.db.WithContext(ctx).Model(&Role{}).
		Joins("JOIN user_roles ON user_roles.role_id = roles.id AND user_roles.deleted_at IS NULL").
		Where("user_roles.user_id = ? AND roles.status = ?", userID, StatusActive).
		Find(&roles).Error
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// usersHoldingRoles returns the IDs of active users holding at least one of
// the named roles.
func (s *Service) usersHoldingRoles(ctx context.Context, roleNames []string) ([]uint, error) {
	if len(roleNames) == 0 {
		return nil, nil
	}

	var userIDs []uint
	err := s.db.WithContext(ctx).Model(&UserRole{}).
		Joins("JOIN roles ON roles.id = user_roles.role_id AND roles.deleted_at IS NULL").
		Joins("JOIN employees ON employees.id = user_roles.user_id AND employees.deleted_at IS NULL").
		Where("roles.name IN ? AND roles.status = ? AND employees.status = ?",
			roleNames, StatusActive, StatusActive).
		Distinct("user_roles.user_id").
		Pluck("user_roles.user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}
