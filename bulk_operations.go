package hrflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// BulkAuthorityCheck is one (user, permission, location) question in a
// bulk authorization run.
type BulkAuthorityCheck struct {
	UserID     uint
	Permission string
	LocationID *uint
}

// BulkAuthorityResult carries one check's outcome. Err is set for lookup
// failures; Allowed is only meaningful when Err is nil.
type BulkAuthorityResult struct {
	UserID     uint
	Permission string
	Allowed    bool
	Reason     string
	Err        error
}

// BulkAuthorize runs many authority checks concurrently through a worker
// pool. Results come back in input order; one failing check never aborts
// the batch.
func (s *Service) BulkAuthorize(ctx context.Context, checks []BulkAuthorityCheck) []BulkAuthorityResult {
	results := make([]BulkAuthorityResult, len(checks))
	if len(checks) == 0 {
		return results
	}

	workerCount := 10
	if len(checks) < workerCount {
		workerCount = len(checks)
	}

	jobs := make(chan int, len(checks))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				check := checks[idx]
				dec, err := s.Authorize(ctx, check.UserID, check.Permission,
					AuthorityOptions{LocationID: check.LocationID})

				res := BulkAuthorityResult{
					UserID:     check.UserID,
					Permission: check.Permission,
					Err:        err,
				}
				if err == nil {
					res.Allowed = dec.Authorized
					res.Reason = dec.Reason
				}
				results[idx] = res
			}
		}()
	}

	for i := range checks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// BulkTally reports a per-user success/error breakdown of a bulk mutation.
// One user's failure never rolls back the others.
type BulkTally struct {
	Succeeded []uint
	Failed    map[uint]error
}

func newBulkTally() *BulkTally {
	return &BulkTally{Failed: make(map[uint]error)}
}

// BulkAllocate grants the same day count to every user matching the filter:
// an explicit user list, or all active employees of a staff type. Each user
// gets their own allocation so one failure is isolated.
func (s *Service) BulkAllocate(ctx context.Context, userIDs []uint, staffTypeID *uint, leaveTypeID uint, year int, days decimal.Decimal, actorID uint) (*BulkTally, error) {
	targets, err := s.expandUserFilter(ctx, userIDs, staffTypeID)
	if err != nil {
		return nil, err
	}

	tally := newBulkTally()
	for _, userID := range targets {
		if err := s.Allocate(ctx, userID, leaveTypeID, year, days, actorID); err != nil {
			tally.Failed[userID] = err
			continue
		}
		tally.Succeeded = append(tally.Succeeded, userID)
	}

	s.logAudit(ctx, actorID, "balance.bulk_allocated", "leave_balance", leaveTypeID,
		bulkSummary(tally))
	return tally, nil
}

// BulkResetBalances zeroes the matched users' counters for a year,
// typically at year rollover.
func (s *Service) BulkResetBalances(ctx context.Context, userIDs []uint, staffTypeID *uint, leaveTypeID uint, year int, actorID uint) (*BulkTally, error) {
	targets, err := s.expandUserFilter(ctx, userIDs, staffTypeID)
	if err != nil {
		return nil, err
	}

	tally := newBulkTally()
	for _, userID := range targets {
		if err := s.ResetBalance(ctx, userID, leaveTypeID, year, actorID); err != nil {
			tally.Failed[userID] = err
			continue
		}
		tally.Succeeded = append(tally.Succeeded, userID)
	}

	s.logAudit(ctx, actorID, "balance.bulk_reset", "leave_balance", leaveTypeID,
		bulkSummary(tally))
	return tally, nil
}

// BulkAssignRoles assigns a set of roles to each listed user. AssignRole is
// reused per pair so the scope mirroring and cache invalidation it does
// apply uniformly.
func (s *Service) BulkAssignRoles(ctx context.Context, assignments map[uint][]uint, actorID uint) (*BulkTally, error) {
	tally := newBulkTally()
	for userID, roleIDs := range assignments {
		var firstErr error
		for _, roleID := range roleIDs {
			if err := s.AssignRole(ctx, userID, roleID, actorID); err != nil {
				firstErr = err
				break
			}
		}
		if firstErr != nil {
			tally.Failed[userID] = firstErr
			continue
		}
		tally.Succeeded = append(tally.Succeeded, userID)
	}
	return tally, nil
}

// BulkRemoveRoles removes a set of roles from each listed user.
func (s *Service) BulkRemoveRoles(ctx context.Context, removals map[uint][]uint, actorID uint) (*BulkTally, error) {
	tally := newBulkTally()
	for userID, roleIDs := range removals {
		var firstErr error
		for _, roleID := range roleIDs {
			if err := s.RemoveRole(ctx, userID, roleID, actorID); err != nil {
				firstErr = err
				break
			}
		}
		if firstErr != nil {
			tally.Failed[userID] = firstErr
			continue
		}
		tally.Succeeded = append(tally.Succeeded, userID)
	}
	return tally, nil
}

// expandUserFilter turns a bulk target filter into concrete user IDs. An
// explicit list wins; otherwise active employees of the staff type are
// matched.
func (s *Service) expandUserFilter(ctx context.Context, userIDs []uint, staffTypeID *uint) ([]uint, error) {
	if len(userIDs) > 0 {
		return userIDs, nil
	}
	if staffTypeID == nil {
		return nil, ErrInvalidInput
	}

	var ids []uint
	err := s.db.WithContext(ctx).Model(&Employee{}).
		Where("staff_type_id = ? AND status = ?", *staffTypeID, StatusActive).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func bulkSummary(t *BulkTally) string {
	return fmt.Sprintf("succeeded=%d failed=%d", len(t.Succeeded), len(t.Failed))
}
