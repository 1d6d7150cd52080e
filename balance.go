package hrflow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The ledger is authoritative: counters are mutated additively alongside the
// workflow transition that triggers them, never recomputed from history.

// GetBalance retrieves (or initializes in memory) the balance row for a
// user, leave type and year.
func (s *Service) GetBalance(ctx context.Context, userID, leaveTypeID uint, year int) (*LeaveBalance, error) {
	if userID == 0 || leaveTypeID == 0 || year == 0 {
		return nil, ErrInvalidInput
	}

	var bal LeaveBalance
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND leave_type_id = ? AND year = ?", userID, leaveTypeID, year).
		First(&bal).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &LeaveBalance{UserID: userID, LeaveTypeID: leaveTypeID, Year: year}, nil
		}
		return nil, err
	}
	return &bal, nil
}

// Allocate adds days to a user's allocation for the year.
func (s *Service) Allocate(ctx context.Context, userID, leaveTypeID uint, year int, days decimal.Decimal, actorID uint) error {
	if days.IsNegative() {
		return ErrInvalidInput
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyBalanceDelta(tx, userID, leaveTypeID, year, days, decimal.Zero, decimal.Zero)
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, actorID, "allocate_balance", "leave_balance", userID,
		fmt.Sprintf("Allocated %s days, leave type %d, year %d", days, leaveTypeID, year))
	return nil
}

// AdjustBalance applies a manual correction to the allocation. Admin
// overrides may push used+pending past allocated; that is logged as a
// warning, not rejected. Counters still never go negative.
func (s *Service) AdjustBalance(ctx context.Context, userID, leaveTypeID uint, year int, delta decimal.Decimal, reason string, actorID uint) error {
	if reason == "" {
		return ErrInvalidInput
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyBalanceDelta(tx, userID, leaveTypeID, year, delta, decimal.Zero, decimal.Zero)
	})
	if err != nil {
		return err
	}

	s.logAuditMeta(ctx, actorID, "adjust_balance", "leave_balance", userID,
		fmt.Sprintf("Adjusted allocation by %s, leave type %d, year %d", delta, leaveTypeID, year),
		map[string]interface{}{"reason": reason, "delta": delta.String()})
	return nil
}

// ResetBalance zeroes all counters for a user's year.
func (s *Service) ResetBalance(ctx context.Context, userID, leaveTypeID uint, year int, actorID uint) error {
	if userID == 0 || leaveTypeID == 0 || year == 0 {
		return ErrInvalidInput
	}

	err := s.db.WithContext(ctx).Model(&LeaveBalance{}).
		Where("user_id = ? AND leave_type_id = ? AND year = ?", userID, leaveTypeID, year).
		Updates(map[string]interface{}{
			"allocated": decimal.Zero,
			"used":      decimal.Zero,
			"pending":   decimal.Zero,
		}).Error
	if err != nil {
		return err
	}

	s.logAudit(ctx, actorID, "reset_balance", "leave_balance", userID,
		fmt.Sprintf("Reset balance, leave type %d, year %d", leaveTypeID, year))
	return nil
}

// addPending reserves days while a request is in flight. Runs on the
// engine's transaction.
func (s *Service) addPending(tx *gorm.DB, userID, leaveTypeID uint, year int, days decimal.Decimal) error {
	return s.applyBalanceDelta(tx, userID, leaveTypeID, year, decimal.Zero, decimal.Zero, days)
}

// releasePending returns reserved days on decline, cancel or adjust.
func (s *Service) releasePending(tx *gorm.DB, userID, leaveTypeID uint, year int, days decimal.Decimal) error {
	return s.applyBalanceDelta(tx, userID, leaveTypeID, year, decimal.Zero, decimal.Zero, days.Neg())
}

// convertPendingToUsed fires on final approval.
func (s *Service) convertPendingToUsed(tx *gorm.DB, userID, leaveTypeID uint, year int, days decimal.Decimal) error {
	return s.applyBalanceDelta(tx, userID, leaveTypeID, year, decimal.Zero, days, days.Neg())
}

// applyBalanceDelta increments the counters in SQL, with the non-negativity
// guard in the WHERE clause. Each concurrent transaction increments the row
// version it actually commits against, so parallel mutations of the same
// (user, leave_type, year) row never lose an update. used+pending exceeding
// allocated is a soft warning only.
func (s *Service) applyBalanceDelta(tx *gorm.DB, userID, leaveTypeID uint, year int, dAllocated, dUsed, dPending decimal.Decimal) error {
	if userID == 0 || leaveTypeID == 0 || year == 0 {
		return ErrInvalidInput
	}

	bal := LeaveBalance{UserID: userID, LeaveTypeID: leaveTypeID, Year: year}
	if err := tx.Where("user_id = ? AND leave_type_id = ? AND year = ?", userID, leaveTypeID, year).
		FirstOrCreate(&bal).Error; err != nil {
		return err
	}

	res := tx.Model(&LeaveBalance{}).
		Where("id = ? AND allocated + ? >= 0 AND used + ? >= 0 AND pending + ? >= 0",
			bal.ID, dAllocated, dUsed, dPending).
		Updates(map[string]interface{}{
			"allocated": gorm.Expr("allocated + ?", dAllocated),
			"used":      gorm.Expr("used + ?", dUsed),
			"pending":   gorm.Expr("pending + ?", dPending),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %d, leave type %d, year %d", ErrNegativeBalance, userID, leaveTypeID, year)
	}

	var after LeaveBalance
	if err := tx.First(&after, bal.ID).Error; err != nil {
		return err
	}
	if after.Used.Add(after.Pending).GreaterThan(after.Allocated) {
		s.log.Warnw("balance over allocation",
			"user_id", userID, "leave_type_id", leaveTypeID, "year", year,
			"allocated", after.Allocated, "used", after.Used, "pending", after.Pending)
	}
	return nil
}
