package hrflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// CreateLocation creates a location under an optional parent and writes its
// materialized path. Path is parent.Path + "." + id; Level is the depth.
func (s *Service) CreateLocation(ctx context.Context, name string, parentID *uint, actorID uint) (*Location, error) {
	if name == "" {
		return nil, ErrInvalidInput
	}

	loc := &Location{Name: name, ParentID: parentID, Status: StatusActive}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent Location
		if parentID != nil {
			if err := tx.First(&parent, *parentID).Error; err != nil {
				return ErrNotFound
			}
		}

		if err := tx.Create(loc).Error; err != nil {
			return err
		}

		if parentID == nil {
			loc.Path = strconv.FormatUint(uint64(loc.ID), 10)
			loc.Level = 0
		} else {
			loc.Path = parent.Path + "." + strconv.FormatUint(uint64(loc.ID), 10)
			loc.Level = parent.Level + 1
		}
		return tx.Model(loc).Updates(map[string]interface{}{
			"path":  loc.Path,
			"level": loc.Level,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "create_location", "location", loc.ID, "Created location: "+name)
	return loc, nil
}

// GetLocation retrieves a location by ID.
func (s *Service) GetLocation(ctx context.Context, id uint) (*Location, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var loc Location
	if err := s.db.WithContext(ctx).First(&loc, id).Error; err != nil {
		return nil, ErrNotFound
	}

	return &loc, nil
}

// MoveLocation reparents a location, rewriting its own and every
// descendant's path and level in one transaction. Moving a node under itself
// or one of its descendants is rejected with no mutation.
func (s *Service) MoveLocation(ctx context.Context, id uint, newParentID *uint, actorID uint) error {
	if id == 0 {
		return ErrInvalidInput
	}
	if newParentID != nil && *newParentID == id {
		return ErrInvalidInput
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node Location
		if err := tx.First(&node, id).Error; err != nil {
			return ErrNotFound
		}

		newPath := strconv.FormatUint(uint64(node.ID), 10)
		newLevel := 0
		if newParentID != nil {
			var parent Location
			if err := tx.First(&parent, *newParentID).Error; err != nil {
				return ErrNotFound
			}
			if parent.Path == node.Path || strings.HasPrefix(parent.Path, node.Path+".") {
				return fmt.Errorf("%w: cannot move location into its own subtree", ErrInvalidInput)
			}
			newPath = parent.Path + "." + strconv.FormatUint(uint64(node.ID), 10)
			newLevel = parent.Level + 1
		}

		var descendants []Location
		if err := tx.Where("path LIKE ?", node.Path+".%").Find(&descendants).Error; err != nil {
			return err
		}

		oldPrefix := node.Path
		levelShift := newLevel - node.Level

		if err := tx.Model(&Location{}).Where("id = ?", node.ID).Updates(map[string]interface{}{
			"parent_id": newParentID,
			"path":      newPath,
			"level":     newLevel,
		}).Error; err != nil {
			return err
		}

		byID := map[uint]string{node.ID: newPath}
		for i := range descendants {
			d := &descendants[i]
			rewritten := newPath + strings.TrimPrefix(d.Path, oldPrefix)
			if err := tx.Model(&Location{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
				"path":  rewritten,
				"level": d.Level + levelShift,
			}).Error; err != nil {
				return err
			}
			byID[d.ID] = rewritten
		}

		// Integrity check: every rewritten path must equal its parent's path
		// plus the node's own id. A miss aborts the transaction.
		for i := range descendants {
			d := &descendants[i]
			if d.ParentID == nil {
				return fmt.Errorf("location %d lost its parent during move", d.ID)
			}
			parentPath, ok := byID[*d.ParentID]
			if !ok {
				var parent Location
				if err := tx.First(&parent, *d.ParentID).Error; err != nil {
					return err
				}
				parentPath = parent.Path
			}
			want := parentPath + "." + strconv.FormatUint(uint64(d.ID), 10)
			if byID[d.ID] != want {
				return fmt.Errorf("path integrity violated for location %d: %s != %s", d.ID, byID[d.ID], want)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, actorID, "move_location", "location", id, "Moved location")
	return nil
}

// DeleteLocation soft-deletes a leaf location. Locations with children are
// moved or emptied first.
func (s *Service) DeleteLocation(ctx context.Context, id uint, actorID uint) error {
	if id == 0 {
		return ErrInvalidInput
	}

	var loc Location
	if err := s.db.WithContext(ctx).First(&loc, id).Error; err != nil {
		return ErrNotFound
	}

	var children int64
	if err := s.db.WithContext(ctx).Model(&Location{}).
		Where("parent_id = ?", id).Count(&children).Error; err != nil {
		return err
	}
	if children > 0 {
		return ErrInvalidInput
	}

	if err := s.db.WithContext(ctx).Delete(&loc).Error; err != nil {
		return err
	}

	s.logAudit(ctx, actorID, "delete_location", "location", id, "Deleted location")
	return nil
}

// ListLocations retrieves all locations ordered by path.
func (s *Service) ListLocations(ctx context.Context) ([]Location, error) {
	var locs []Location
	if err := s.db.WithContext(ctx).Order("path").Find(&locs).Error; err != nil {
		return nil, err
	}
	return locs, nil
}

// AncestorIDs returns the location's ancestor chain, root first, parsed from
// the materialized path. The location itself is not included.
func (s *Service) AncestorIDs(ctx context.Context, id uint) ([]uint, error) {
	loc, err := s.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}

	segments := strings.Split(loc.Path, ".")
	ancestors := make([]uint, 0, len(segments)-1)
	for _, seg := range segments[:len(segments)-1] {
		v, err := strconv.ParseUint(seg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt path %q on location %d", loc.Path, id)
		}
		ancestors = append(ancestors, uint(v))
	}
	return ancestors, nil
}

// DescendantIDs returns the IDs of every location under the given one.
func (s *Service) DescendantIDs(ctx context.Context, id uint) ([]uint, error) {
	loc, err := s.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}

	var ids []uint
	err = s.db.WithContext(ctx).Model(&Location{}).
		Where("path LIKE ?", loc.Path+".%").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// isDescendantOf reports whether child is a strict descendant of ancestor,
// via path prefix.
func isDescendantOf(child, ancestor *Location) bool {
	return strings.HasPrefix(child.Path, ancestor.Path+".")
}

// firstActiveLocation is the system-wide fallback when a user has no primary
// location; authority checks fail closed if none exists either.
func (s *Service) firstActiveLocation(ctx context.Context) (*Location, error) {
	var loc Location
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("id").
		First(&loc).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &loc, nil
}
