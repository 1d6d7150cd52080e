package hrflow

import (
	"context"

	"github.com/google/uuid"
)

// resolveApprovers returns the set of users eligible to act on one step of
// one instance, per the step's strategy. An empty set is not an error here:
// it surfaces as a stuck step that listings must make visible.
func (s *Service) resolveApprovers(ctx context.Context, rule *ApproverRule, instance *WorkflowInstance) ([]uint, error) {
	var approvers []uint
	var err error

	switch rule.Strategy {
	case StrategyRole:
		approvers, err = s.roleApprovers(ctx, rule, instance)
	case StrategyManager:
		approvers, err = s.managerApprovers(ctx, rule, instance)
	case StrategyPermission:
		approvers, err = s.permissionApprovers(ctx, rule, instance)
	case StrategyCombined:
		roleSet, rerr := s.roleApprovers(ctx, rule, instance)
		if rerr != nil {
			return nil, rerr
		}
		mgrSet, merr := s.managerApprovers(ctx, rule, instance)
		if merr != nil {
			return nil, merr
		}
		approvers = append(roleSet, mgrSet...)
	default:
		return nil, ErrInvalidInput
	}
	if err != nil {
		return nil, err
	}

	// include_manager adds the owner's manager on top of whatever the
	// strategy produced. Manager and combined already have them.
	if rule.IncludeManager && rule.Strategy != StrategyManager && rule.Strategy != StrategyCombined {
		mgrSet, merr := s.managerApprovers(ctx, rule, instance)
		if merr != nil {
			return nil, merr
		}
		approvers = append(approvers, mgrSet...)
	}

	// The creator never approves their own resource, whatever the strategy
	// says.
	seen := make(map[uint]bool, len(approvers))
	out := approvers[:0]
	for _, id := range approvers {
		if id == instance.CreatedBy || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	if len(out) == 0 {
		s.log.Warnw("step resolves to zero eligible approvers",
			"instance_id", instance.ID, "strategy", rule.Strategy,
			"permission", rule.RequiredPermission)
	}
	return out, nil
}

// roleApprovers: every active user holding at least one required role,
// filtered by the step's location scope.
func (s *Service) roleApprovers(ctx context.Context, rule *ApproverRule, instance *WorkflowInstance) ([]uint, error) {
	holders, err := s.usersHoldingRoles(ctx, rule.RequiredRoles)
	if err != nil {
		return nil, err
	}
	return s.filterByLocationScope(ctx, holders, rule.LocationScope, instance.LocationID)
}

// managerApprovers: exactly the resource owner's direct manager, one hop, no
// escalation up the chain. The manager must also hold the step's required
// permission at the resource location; a manager without it is a
// configuration gap reported as an empty result, never a fallback to another
// strategy.
func (s *Service) managerApprovers(ctx context.Context, rule *ApproverRule, instance *WorkflowInstance) ([]uint, error) {
	var owner Employee
	if err := s.db.WithContext(ctx).First(&owner, instance.CreatedBy).Error; err != nil {
		return nil, nil
	}
	if owner.ManagerID == nil {
		return nil, nil
	}

	var manager Employee
	if err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", *owner.ManagerID, StatusActive).
		First(&manager).Error; err != nil {
		return nil, nil
	}

	locID := instance.LocationID
	dec, err := s.Authorize(ctx, manager.ID, rule.RequiredPermission, AuthorityOptions{LocationID: &locID})
	if err != nil {
		return nil, err
	}
	if !dec.Authorized {
		return nil, nil
	}
	return []uint{manager.ID}, nil
}

// permissionApprovers: every user holding the required permission at a
// location matching the step's scope, independent of role names. Candidates
// are harvested from scope rows (role grants are mirrored there) and active
// delegations, then each is confirmed through the resolver.
func (s *Service) permissionApprovers(ctx context.Context, rule *ApproverRule, instance *WorkflowInstance) ([]uint, error) {
	perm, err := s.GetPermissionByName(ctx, rule.RequiredPermission)
	if err != nil {
		return nil, nil
	}

	var candidates []uint
	err = s.db.WithContext(ctx).Model(&PermissionScope{}).
		Where("permission_id = ? AND status = ?", perm.ID, StatusActive).
		Distinct("user_id").
		Pluck("user_id", &candidates).Error
	if err != nil {
		return nil, err
	}

	var delegates []uint
	err = s.db.WithContext(ctx).Model(&Delegation{}).
		Where("permission_id = ? AND location_id = ? AND status = ?",
			perm.ID, instance.LocationID, DelegationActive).
		Distinct("delegate_id").
		Pluck("delegate_id", &delegates).Error
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, delegates...)

	candidates, err = s.filterActiveEmployees(ctx, candidates)
	if err != nil {
		return nil, err
	}
	candidates, err = s.filterByLocationScope(ctx, candidates, rule.LocationScope, instance.LocationID)
	if err != nil {
		return nil, err
	}

	locID := instance.LocationID
	confirmed := candidates[:0]
	for _, userID := range candidates {
		dec, err := s.Authorize(ctx, userID, rule.RequiredPermission, AuthorityOptions{LocationID: &locID})
		if err != nil {
			return nil, err
		}
		if dec.Authorized {
			confirmed = append(confirmed, userID)
		}
	}
	return confirmed, nil
}

// filterByLocationScope applies the step's location scope against each
// user's primary location.
func (s *Service) filterByLocationScope(ctx context.Context, userIDs []uint, scope string, resourceLocationID uint) ([]uint, error) {
	if scope == LocationScopeAll || len(userIDs) == 0 {
		return userIDs, nil
	}

	resourceLoc, err := s.GetLocation(ctx, resourceLocationID)
	if err != nil {
		return nil, err
	}

	var employees []Employee
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&employees).Error; err != nil {
		return nil, err
	}

	out := make([]uint, 0, len(employees))
	for i := range employees {
		emp := &employees[i]
		if emp.PrimaryLocationID == nil {
			continue
		}
		switch scope {
		case LocationScopeSame:
			if *emp.PrimaryLocationID == resourceLocationID {
				out = append(out, emp.ID)
			}
		case LocationScopeAncestors:
			// The approver sits above the resource in the tree.
			if *emp.PrimaryLocationID == resourceLocationID {
				out = append(out, emp.ID)
				continue
			}
			userLoc, err := s.GetLocation(ctx, *emp.PrimaryLocationID)
			if err != nil {
				continue
			}
			if isDescendantOf(resourceLoc, userLoc) {
				out = append(out, emp.ID)
			}
		}
	}
	return out, nil
}

func (s *Service) filterActiveEmployees(ctx context.Context, userIDs []uint) ([]uint, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var out []uint
	err := s.db.WithContext(ctx).Model(&Employee{}).
		Where("id IN ? AND status = ?", userIDs, StatusActive).
		Pluck("id", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingApproval summarizes one instance awaiting an actor's decision.
type PendingApproval struct {
	InstanceID        uint
	Reference         uuid.UUID
	ResourceType      string
	ResourceID        uint
	StepOrder         int
	StepName          string
	SubmittedBy       uint
	LocationID        uint
	EligibleApprovers int
}

// ListPendingApprovals resolves the current step of every non-terminal
// instance and returns those where the actor is eligible.
func (s *Service) ListPendingApprovals(ctx context.Context, actorID uint) ([]PendingApproval, error) {
	if actorID == 0 {
		return nil, ErrInvalidInput
	}

	var instances []WorkflowInstance
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{InstanceSubmitted, InstanceUnderReview}).
		Find(&instances).Error
	if err != nil {
		return nil, err
	}

	var out []PendingApproval
	for i := range instances {
		inst := &instances[i]
		step, _, err := s.currentStep(ctx, inst)
		if err != nil {
			continue
		}
		rule, err := parseStepRule(step)
		if err != nil {
			s.log.Warnw("skipping instance with malformed step rule", "instance_id", inst.ID, "err", err)
			continue
		}
		approvers, err := s.resolveApprovers(ctx, rule, inst)
		if err != nil {
			return nil, err
		}
		for _, id := range approvers {
			if id == actorID {
				out = append(out, PendingApproval{
					InstanceID:        inst.ID,
					Reference:         inst.Reference,
					ResourceType:      inst.ResourceType,
					ResourceID:        inst.ResourceID,
					StepOrder:         step.StepOrder,
					StepName:          step.Name,
					SubmittedBy:       inst.CreatedBy,
					LocationID:        inst.LocationID,
					EligibleApprovers: len(approvers),
				})
				break
			}
		}
	}
	return out, nil
}

// InstanceApprovers reports the eligible approver set for an instance's
// current step. A zero-length result is the diagnostic for a stuck step.
func (s *Service) InstanceApprovers(ctx context.Context, instanceID uint) ([]uint, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() || inst.CurrentStepOrder == nil {
		return nil, ErrInstanceTerminal
	}

	step, _, err := s.currentStep(ctx, inst)
	if err != nil {
		return nil, err
	}
	rule, err := parseStepRule(step)
	if err != nil {
		return nil, err
	}
	return s.resolveApprovers(ctx, rule, inst)
}
