package hrflow

import (
	"context"
	"time"
)

// DelegationInput describes a grant of one user's authority to another.
type DelegationInput struct {
	DelegatorID    uint
	DelegateID     uint
	PermissionName string
	LocationID     uint
	Reason         string
	StartsAt       time.Time
	EndsAt         *time.Time
}

// CreateDelegation records a time-bounded transfer of the delegator's
// authority for one permission at one location. The delegation conveys the
// delegator's right, not a standing grant: it only works while the delegator
// would themselves be authorized.
func (s *Service) CreateDelegation(ctx context.Context, in DelegationInput, actorID uint) (*Delegation, error) {
	if in.DelegatorID == 0 || in.DelegateID == 0 || in.PermissionName == "" || in.LocationID == 0 {
		return nil, ErrInvalidInput
	}
	if in.DelegatorID == in.DelegateID {
		return nil, ErrInvalidInput
	}

	perm, err := s.GetPermissionByName(ctx, in.PermissionName)
	if err != nil {
		return nil, err
	}

	var loc Location
	if err := s.db.WithContext(ctx).First(&loc, in.LocationID).Error; err != nil {
		return nil, ErrNotFound
	}

	startsAt := in.StartsAt
	if startsAt.IsZero() {
		startsAt = time.Now()
	}
	if in.EndsAt != nil && in.EndsAt.Before(startsAt) {
		return nil, ErrInvalidInput
	}

	delegation := &Delegation{
		DelegatorID:  in.DelegatorID,
		DelegateID:   in.DelegateID,
		PermissionID: perm.ID,
		LocationID:   in.LocationID,
		Status:       DelegationActive,
		Reason:       in.Reason,
		StartsAt:     startsAt,
		EndsAt:       in.EndsAt,
	}
	if err := s.db.WithContext(ctx).Create(delegation).Error; err != nil {
		return nil, err
	}

	s.invalidateUserAuthority(ctx, in.DelegateID)
	s.logAudit(ctx, actorID, "create_delegation", "delegation", delegation.ID, "Delegated "+in.PermissionName)
	return delegation, nil
}

// RevokeDelegation revokes an active delegation. Revocation is terminal.
func (s *Service) RevokeDelegation(ctx context.Context, delegationID uint, actorID uint) error {
	if delegationID == 0 {
		return ErrInvalidInput
	}

	var delegation Delegation
	if err := s.db.WithContext(ctx).First(&delegation, delegationID).Error; err != nil {
		return ErrNotFound
	}
	if delegation.Status != DelegationActive {
		return ErrInvalidInput
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Model(&delegation).Updates(map[string]interface{}{
		"status":     DelegationRevoked,
		"revoked_at": now,
		"revoked_by": actorID,
	}).Error
	if err != nil {
		return err
	}

	s.invalidateUserAuthority(ctx, delegation.DelegateID)
	s.logAudit(ctx, actorID, "revoke_delegation", "delegation", delegationID, "Revoked delegation")
	return nil
}

// ListDelegations retrieves delegations granted to or by a user.
func (s *Service) ListDelegations(ctx context.Context, userID uint) ([]Delegation, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}

	var delegations []Delegation
	err := s.db.WithContext(ctx).
		Where("delegator_id = ? OR delegate_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&delegations).Error
	if err != nil {
		return nil, err
	}
	return delegations, nil
}

// ExpireDelegations marks active delegations past their end as expired.
// Expiry is already computed at read time; this keeps the stored status in
// step for listings.
func (s *Service) ExpireDelegations(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Delegation{}).
		Where("status = ? AND ends_at IS NOT NULL AND ends_at < ?", DelegationActive, time.Now()).
		Update("status", DelegationExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// activeDelegationsTo returns the delegations effective right now that grant
// the user the permission at exactly the given location. Delegation scope is
// not hierarchical.
func (s *Service) activeDelegationsTo(ctx context.Context, userID, permissionID, locationID uint, now time.Time) ([]Delegation, error) {
	var delegations []Delegation
	err := s.db.WithContext(ctx).
		Where("delegate_id = ? AND permission_id = ? AND location_id = ? AND status = ?",
			userID, permissionID, locationID, DelegationActive).
		Find(&delegations).Error
	if err != nil {
		return nil, err
	}

	effective := delegations[:0]
	for _, d := range delegations {
		if d.EffectiveAt(now) {
			effective = append(effective, d)
		}
	}
	return effective, nil
}
