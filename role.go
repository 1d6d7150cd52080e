package hrflow

import (
	"context"

	"gorm.io/gorm"
)

// CreateRole creates a new role and grants it the named permissions.
func (s *Service) CreateRole(ctx context.Context, name, description string, permissionNames []string, actorID uint) (*Role, error) {
	if name == "" {
		return nil, ErrInvalidInput
	}

	var existing Role
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; err == nil {
		return nil, ErrInvalidInput
	}

	permIDs, err := s.permissionIDsByName(ctx, permissionNames)
	if err != nil {
		return nil, err
	}

	role := &Role{Name: name, Description: description, Status: StatusActive}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(role).Error; err != nil {
			return err
		}
		for _, permID := range permIDs {
			if err := tx.Create(&RolePermission{RoleID: role.ID, PermissionID: permID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "create_role", "role", role.ID, "Created role: "+name)
	return role, nil
}

// SetRolePermissions replaces a role's permission grants and re-mirrors the
// direct scopes of every user holding the role so that scope checks and role
// checks share one evaluation path.
func (s *Service) SetRolePermissions(ctx context.Context, roleID uint, permissionNames []string, actorID uint) error {
	if roleID == 0 {
		return ErrInvalidInput
	}

	var role Role
	if err := s.db.WithContext(ctx).First(&role, roleID).Error; err != nil {
		return ErrNotFound
	}

	permIDs, err := s.permissionIDsByName(ctx, permissionNames)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", roleID).Delete(&RolePermission{}).Error; err != nil {
			return err
		}
		for _, permID := range permIDs {
			if err := tx.Create(&RolePermission{RoleID: roleID, PermissionID: permID}).Error; err != nil {
				return err
			}
		}

		// Drop mirrored scopes for grants the role no longer carries, then
		// backfill the current set for every holder.
		if err := tx.Where("source_role_id = ?", roleID).Delete(&PermissionScope{}).Error; err != nil {
			return err
		}

		var holders []uint
		if err := tx.Model(&UserRole{}).Where("role_id = ?", roleID).
			Pluck("user_id", &holders).Error; err != nil {
			return err
		}
		return mirrorRoleScopes(tx, roleID, holders, permIDs)
	})
	if err != nil {
		return err
	}

	s.invalidateAllAuthority(ctx)
	s.logAudit(ctx, actorID, "set_role_permissions", "role", roleID, "Replaced role grants")
	return nil
}

// GetRole retrieves a role by ID.
func (s *Service) GetRole(ctx context.Context, id uint) (*Role, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var role Role
	if err := s.db.WithContext(ctx).First(&role, id).Error; err != nil {
		return nil, ErrNotFound
	}

	return &role, nil
}

// SetRoleStatus activates or deactivates a role. Inactive roles grant
// nothing.
func (s *Service) SetRoleStatus(ctx context.Context, id uint, status string, actorID uint) error {
	if id == 0 || (status != StatusActive && status != StatusInactive) {
		return ErrInvalidInput
	}

	res := s.db.WithContext(ctx).Model(&Role{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.invalidateAllAuthority(ctx)
	s.logAudit(ctx, actorID, "set_role_status", "role", id, "Role status: "+status)
	return nil
}

// DeleteRole soft-deletes a role and removes its grants, assignments and
// mirrored scopes.
func (s *Service) DeleteRole(ctx context.Context, id uint, actorID uint) error {
	if id == 0 {
		return ErrInvalidInput
	}

	var role Role
	if err := s.db.WithContext(ctx).First(&role, id).Error; err != nil {
		return ErrNotFound
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", id).Delete(&RolePermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("role_id = ?", id).Delete(&UserRole{}).Error; err != nil {
			return err
		}
		if err := tx.Where("source_role_id = ?", id).Delete(&PermissionScope{}).Error; err != nil {
			return err
		}
		return tx.Delete(&role).Error
	})
	if err != nil {
		return err
	}

	s.invalidateAllAuthority(ctx)
	s.logAudit(ctx, actorID, "delete_role", "role", id, "Deleted role: "+role.Name)
	return nil
}

// ListRoles retrieves all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

// RolePermissionNames retrieves the permission names granted to a role.
func (s *Service) RolePermissionNames(ctx context.Context, roleID uint) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Permission{}).
		Joins("JOIN role_permissions ON role_permissions.permission_id = permissions.id").
		Where("role_permissions.role_id = ?", roleID).
		Pluck("permissions.name", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Service) permissionIDsByName(ctx context.Context, names []string) ([]uint, error) {
	permIDs := make([]uint, 0, len(names))
	for _, name := range names {
		perm, err := s.GetPermissionByName(ctx, name)
		if err != nil {
			return nil, err
		}
		permIDs = append(permIDs, perm.ID)
	}
	return permIDs, nil
}
