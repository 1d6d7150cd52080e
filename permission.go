package hrflow

import (
	"context"
	"strings"

	"gorm.io/gorm"
)

// CreatePermission creates a new permission. Names are `module.action`; the
// module segment is derived from the name.
func (s *Service) CreatePermission(ctx context.Context, name, description string, actorID uint) (*Permission, error) {
	if name == "" || !strings.Contains(name, ".") {
		return nil, ErrInvalidInput
	}

	var existing Permission
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error; err == nil {
		return nil, ErrInvalidInput
	}

	perm := &Permission{
		Name:        name,
		Module:      strings.SplitN(name, ".", 2)[0],
		Description: description,
	}
	if err := s.db.WithContext(ctx).Create(perm).Error; err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "create_permission", "permission", perm.ID, "Created permission: "+name)
	return perm, nil
}

// GetPermission retrieves a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id uint) (*Permission, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var perm Permission
	if err := s.db.WithContext(ctx).First(&perm, id).Error; err != nil {
		return nil, ErrNotFound
	}

	return &perm, nil
}

// GetPermissionByName retrieves a permission by its `module.action` name.
func (s *Service) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	if name == "" {
		return nil, ErrInvalidInput
	}

	var perm Permission
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&perm).Error; err != nil {
		return nil, ErrNotFound
	}

	return &perm, nil
}

// DeletePermission soft-deletes a permission. Deletion cascades to role
// grants, direct scopes and delegations that reference it.
func (s *Service) DeletePermission(ctx context.Context, id uint, actorID uint) error {
	if id == 0 {
		return ErrInvalidInput
	}

	var perm Permission
	if err := s.db.WithContext(ctx).First(&perm, id).Error; err != nil {
		return ErrNotFound
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("permission_id = ?", id).Delete(&RolePermission{}).Error; err != nil {
			return err
		}
		if err := tx.Where("permission_id = ?", id).Delete(&PermissionScope{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Delegation{}).
			Where("permission_id = ? AND status = ?", id, DelegationActive).
			Update("status", DelegationRevoked).Error; err != nil {
			return err
		}
		return tx.Delete(&perm).Error
	})
	if err != nil {
		return err
	}

	s.invalidateAllAuthority(ctx)
	s.logAudit(ctx, actorID, "delete_permission", "permission", id, "Deleted permission: "+perm.Name)
	return nil
}

// ListPermissions retrieves all permissions, optionally filtered by module.
func (s *Service) ListPermissions(ctx context.Context, module *string) ([]Permission, error) {
	var perms []Permission
	query := s.db.WithContext(ctx)
	if module != nil {
		query = query.Where("module = ?", *module)
	}
	if err := query.Find(&perms).Error; err != nil {
		return nil, err
	}
	return perms, nil
}
