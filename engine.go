package hrflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The engine serializes conflicting transitions with conditional updates:
// every status change is an UPDATE guarded by the expected current status
// and step order, checked through RowsAffected inside one transaction. The
// loser of a race gets a precondition error, never a silent no-op.

// GetInstance loads an instance with its step history, ordered.
func (s *Service) GetInstance(ctx context.Context, id uint) (*WorkflowInstance, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var inst WorkflowInstance
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order") }).
		First(&inst, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// GetInstanceByReference looks an instance up by its public reference.
func (s *Service) GetInstanceByReference(ctx context.Context, ref uuid.UUID) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	err := s.db.WithContext(ctx).Where("reference = ?", ref).First(&inst).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetInstance(ctx, inst.ID)
}

// ListInstances returns instances for a resource type, optionally narrowed
// to one resource or one status, newest first.
func (s *Service) ListInstances(ctx context.Context, resourceType string, resourceID *uint, status *string) ([]WorkflowInstance, error) {
	if resourceType == "" {
		return nil, ErrInvalidInput
	}

	q := s.db.WithContext(ctx).Where("resource_type = ?", resourceType)
	if resourceID != nil {
		q = q.Where("resource_id = ?", *resourceID)
	}
	if status != nil {
		q = q.Where("status = ?", *status)
	}

	var instances []WorkflowInstance
	if err := q.Order("id DESC").Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

// CreateInstance matches the resource to a template and creates a draft
// instance with one pending step row per template step. Nothing is
// addressable until Submit. Only the resource owner may create, and only
// while the resource sits in draft or adjusted. A prior instance for the
// same resource is linked, never reused: step history is append-only.
func (s *Service) CreateInstance(ctx context.Context, resourceType string, resourceID, actorID uint) (*WorkflowInstance, error) {
	if resourceID == 0 || actorID == 0 {
		return nil, ErrInvalidInput
	}

	adapter, err := s.adapter(resourceType)
	if err != nil {
		return nil, err
	}
	info, err := adapter.Describe(ctx, s.db, resourceID)
	if err != nil {
		return nil, err
	}
	if info.OwnerID != actorID {
		return nil, ErrNotCreator
	}
	if info.Status != InstanceDraft && info.Status != InstanceAdjusted {
		return nil, fmt.Errorf("%w: resource is %s, want draft or adjusted", ErrWrongStatus, info.Status)
	}

	tmpl, err := s.FindTemplate(ctx, TemplateQuery{
		ResourceType: resourceType,
		LocationID:   ptr(info.LocationID),
		StaffTypeID:  info.StaffTypeID,
		LeaveTypeID:  info.LeaveTypeID,
	})
	if err != nil {
		return nil, err
	}
	if len(tmpl.Steps) == 0 {
		return nil, fmt.Errorf("%w: template %d has no steps", ErrInvalidInput, tmpl.ID)
	}

	// On resubmission the newest prior instance (adjusted or otherwise
	// finished) is kept as history and linked.
	var previousID *uint
	var prior WorkflowInstance
	err = s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("id DESC").First(&prior).Error
	if err == nil {
		previousID = &prior.ID
	}

	inst := &WorkflowInstance{
		Reference:          uuid.New(),
		TemplateID:         tmpl.ID,
		ResourceType:       resourceType,
		ResourceID:         resourceID,
		Status:             InstanceDraft,
		CreatedBy:          actorID,
		LocationID:         info.LocationID,
		PreviousInstanceID: previousID,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inFlight int64
		err := tx.Model(&WorkflowInstance{}).
			Where("resource_type = ? AND resource_id = ? AND status IN ?",
				resourceType, resourceID,
				[]string{InstanceDraft, InstanceSubmitted, InstanceUnderReview}).
			Count(&inFlight).Error
		if err != nil {
			return err
		}
		if inFlight > 0 {
			return fmt.Errorf("%w: resource already has an in-flight instance", ErrWrongStatus)
		}

		if err := tx.Create(inst).Error; err != nil {
			return err
		}
		for i := range tmpl.Steps {
			step := &tmpl.Steps[i]
			row := &StepInstance{
				InstanceID: inst.ID,
				StepID:     step.ID,
				StepOrder:  step.StepOrder,
				Status:     StepPending,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The live-instance index catches the writer that lost the race
		// between the count and the insert.
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: resource already has an in-flight instance", ErrWrongStatus)
		}
		return nil, err
	}

	s.logAudit(ctx, actorID, "workflow.instance_created", resourceType, resourceID,
		fmt.Sprintf("instance %d from template %d", inst.ID, tmpl.ID))
	return s.GetInstance(ctx, inst.ID)
}

// Submit moves a resource's draft instance to submitted and makes the first
// step addressable. If no draft instance exists yet, one is created first.
// For leave resources the requested days are reserved as pending in the
// same transaction.
func (s *Service) Submit(ctx context.Context, resourceType string, resourceID, actorID uint) (*WorkflowInstance, error) {
	adapter, err := s.adapter(resourceType)
	if err != nil {
		return nil, err
	}
	info, err := adapter.Describe(ctx, s.db, resourceID)
	if err != nil {
		return nil, err
	}
	if info.OwnerID != actorID {
		return nil, ErrNotCreator
	}
	if info.Status != InstanceDraft && info.Status != InstanceAdjusted {
		return nil, fmt.Errorf("%w: resource is %s, want draft or adjusted", ErrWrongStatus, info.Status)
	}

	var inst WorkflowInstance
	err = s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND status = ?",
			resourceType, resourceID, InstanceDraft).
		Order("id DESC").First(&inst).Error
	if err == gorm.ErrRecordNotFound {
		created, cerr := s.CreateInstance(ctx, resourceType, resourceID, actorID)
		if cerr != nil {
			return nil, cerr
		}
		inst = *created
	} else if err != nil {
		return nil, err
	}

	var firstOrder int
	err = s.db.WithContext(ctx).Model(&StepInstance{}).
		Where("instance_id = ?", inst.ID).
		Select("MIN(step_order)").Scan(&firstOrder).Error
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&WorkflowInstance{}).
			Where("id = ? AND status = ?", inst.ID, InstanceDraft).
			Updates(map[string]interface{}{
				"status":             InstanceSubmitted,
				"current_step_order": firstOrder,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: instance %d is no longer draft", ErrWrongStatus, inst.ID)
		}

		if err := s.reservePending(tx, info); err != nil {
			return err
		}
		return adapter.SetStatus(ctx, tx, resourceID, InstanceSubmitted)
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "workflow.submitted", resourceType, resourceID,
		fmt.Sprintf("instance %d submitted, first step %d", inst.ID, firstOrder))
	return s.GetInstance(ctx, inst.ID)
}

// Approve records an approval on the instance's current step. The actor
// must hold the step's required permission at the resource location and be
// in the step's resolved approver set. The final step's approval terminates
// the instance and converts reserved days to used.
func (s *Service) Approve(ctx context.Context, instanceID, actorID uint, comment string) (*WorkflowInstance, error) {
	inst, step, stepRow, rule, err := s.actionableStep(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.requireEligibleApprover(ctx, inst, rule, actorID); err != nil {
		return nil, err
	}

	adapter, err := s.adapter(inst.ResourceType)
	if err != nil {
		return nil, err
	}
	info, err := adapter.Describe(ctx, s.db, inst.ResourceID)
	if err != nil {
		return nil, err
	}

	var nextOrder *int
	var next StepInstance
	err = s.db.WithContext(ctx).
		Where("instance_id = ? AND step_order > ?", inst.ID, step.StepOrder).
		Order("step_order").First(&next).Error
	if err == nil {
		nextOrder = &next.StepOrder
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.resolveStepRow(tx, stepRow.ID, StepApproved, actorID, now, comment); err != nil {
			return err
		}

		if nextOrder != nil {
			res := tx.Model(&WorkflowInstance{}).
				Where("id = ? AND status IN ? AND current_step_order = ?",
					inst.ID, []string{InstanceSubmitted, InstanceUnderReview}, step.StepOrder).
				Updates(map[string]interface{}{
					"status":             InstanceUnderReview,
					"current_step_order": *nextOrder,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: instance %d moved underneath the approval", ErrWrongStatus, inst.ID)
			}
			return nil
		}

		res := tx.Model(&WorkflowInstance{}).
			Where("id = ? AND status IN ? AND current_step_order = ?",
				inst.ID, []string{InstanceSubmitted, InstanceUnderReview}, step.StepOrder).
			Updates(map[string]interface{}{
				"status":             InstanceApproved,
				"current_step_order": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: instance %d moved underneath the approval", ErrWrongStatus, inst.ID)
		}

		if info.LeaveTypeID != nil && info.Days.GreaterThan(decimal.Zero) {
			if err := s.convertPendingToUsed(tx, info.OwnerID, *info.LeaveTypeID, info.StartDate.Year(), info.Days); err != nil {
				return err
			}
		}
		return adapter.SetStatus(ctx, tx, inst.ResourceID, InstanceApproved)
	})
	if err != nil {
		return nil, err
	}

	s.logAuditMeta(ctx, actorID, "workflow.approved", inst.ResourceType, inst.ResourceID,
		fmt.Sprintf("instance %d step %d approved", inst.ID, step.StepOrder),
		map[string]interface{}{"comment": comment, "final": nextOrder == nil})
	return s.GetInstance(ctx, inst.ID)
}

// Decline terminates the instance from its current step. Only allowed when
// the step permits declining; reserved days are released.
func (s *Service) Decline(ctx context.Context, instanceID, actorID uint, comment string) (*WorkflowInstance, error) {
	inst, step, stepRow, rule, err := s.actionableStep(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !rule.AllowDecline {
		return nil, ErrDeclineNotAllowed
	}
	if err := s.requireEligibleApprover(ctx, inst, rule, actorID); err != nil {
		return nil, err
	}

	err = s.terminate(ctx, inst, step.StepOrder, InstanceDeclined, func(tx *gorm.DB) error {
		return s.resolveStepRow(tx, stepRow.ID, StepDeclined, actorID, time.Now(), comment)
	})
	if err != nil {
		return nil, err
	}

	s.logAuditMeta(ctx, actorID, "workflow.declined", inst.ResourceType, inst.ResourceID,
		fmt.Sprintf("instance %d declined at step %d", inst.ID, step.StepOrder),
		map[string]interface{}{"comment": comment})
	return s.GetInstance(ctx, inst.ID)
}

// Adjust sends the resource back to its creator for edits. The instance is
// finished (resubmission creates a new one) but is not terminal in the
// declined sense: the adjusted status invites another round. Reserved days
// are released and re-added on resubmission.
func (s *Service) Adjust(ctx context.Context, instanceID, actorID uint, reason string) (*WorkflowInstance, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", ErrInvalidInput)
	}

	inst, step, stepRow, rule, err := s.actionableStep(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !rule.AllowAdjust {
		return nil, ErrAdjustNotAllowed
	}
	if err := s.requireEligibleApprover(ctx, inst, rule, actorID); err != nil {
		return nil, err
	}

	err = s.terminate(ctx, inst, step.StepOrder, InstanceAdjusted, func(tx *gorm.DB) error {
		// The step row keeps its pending status; only the actor and
		// reason are recorded. The row is historical once the instance
		// leaves under_review.
		now := time.Now()
		return tx.Model(&StepInstance{}).Where("id = ?", stepRow.ID).
			Updates(map[string]interface{}{
				"actor_id": actorID,
				"acted_at": now,
				"comment":  reason,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	s.logAuditMeta(ctx, actorID, "workflow.adjusted", inst.ResourceType, inst.ResourceID,
		fmt.Sprintf("instance %d sent back at step %d", inst.ID, step.StepOrder),
		map[string]interface{}{"reason": reason})
	return s.GetInstance(ctx, inst.ID)
}

// Cancel withdraws a non-terminal instance. Only the creator or a holder of
// system.admin may cancel; reserved days are released.
func (s *Service) Cancel(ctx context.Context, instanceID, actorID uint) (*WorkflowInstance, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() || inst.Status == InstanceAdjusted {
		return nil, fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	}

	if actorID != inst.CreatedBy {
		locID := inst.LocationID
		dec, err := s.Authorize(ctx, actorID, "system.admin", AuthorityOptions{LocationID: &locID})
		if err != nil {
			return nil, err
		}
		if !dec.Authorized {
			return nil, fmt.Errorf("%w: only the creator or system.admin may cancel", ErrNotAuthorized)
		}
	}

	if inst.Status == InstanceDraft {
		// Nothing was reserved and the resource was never submitted, so a
		// plain status flip discards the draft and the resource stays
		// editable.
		res := s.db.WithContext(ctx).Model(&WorkflowInstance{}).
			Where("id = ? AND status = ?", inst.ID, InstanceDraft).
			Update("status", InstanceCancelled)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("%w: instance %d moved underneath the transition", ErrWrongStatus, inst.ID)
		}

		s.logAudit(ctx, actorID, "workflow.cancelled", inst.ResourceType, inst.ResourceID,
			fmt.Sprintf("instance %d cancelled before submission", inst.ID))
		return s.GetInstance(ctx, inst.ID)
	}

	currentOrder := -1
	if inst.CurrentStepOrder != nil {
		currentOrder = *inst.CurrentStepOrder
	}
	err = s.terminate(ctx, inst, currentOrder, InstanceCancelled, nil)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "workflow.cancelled", inst.ResourceType, inst.ResourceID,
		fmt.Sprintf("instance %d cancelled", inst.ID))
	return s.GetInstance(ctx, inst.ID)
}

// currentStep loads the template step and step row addressed by the
// instance's current_step_order. Scanning is never used to decide which
// step is actionable.
func (s *Service) currentStep(ctx context.Context, inst *WorkflowInstance) (*WorkflowStep, *StepInstance, error) {
	if inst.CurrentStepOrder == nil {
		return nil, nil, ErrNotCurrentStep
	}

	var step WorkflowStep
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND step_order = ?", inst.TemplateID, *inst.CurrentStepOrder).
		First(&step).Error
	if err != nil {
		return nil, nil, err
	}

	var row StepInstance
	err = s.db.WithContext(ctx).
		Where("instance_id = ? AND step_order = ?", inst.ID, *inst.CurrentStepOrder).
		First(&row).Error
	if err != nil {
		return nil, nil, err
	}
	if row.Status != StepPending {
		return nil, nil, ErrStepAlreadyResolved
	}
	return &step, &row, nil
}

// actionableStep is the shared precondition gate for approve, decline and
// adjust: the instance must be live and the addressed step must be current
// and pending.
func (s *Service) actionableStep(ctx context.Context, instanceID uint) (*WorkflowInstance, *WorkflowStep, *StepInstance, *ApproverRule, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if inst.Terminal() || inst.Status == InstanceAdjusted || inst.Status == InstanceDraft {
		return nil, nil, nil, nil, fmt.Errorf("%w: instance %d is %s", ErrInstanceTerminal, inst.ID, inst.Status)
	}

	step, row, err := s.currentStep(ctx, inst)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rule, err := parseStepRule(step)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return inst, step, row, rule, nil
}

// requireEligibleApprover enforces both halves of the authority check: the
// actor holds the step's required permission at the resource location, and
// the actor is in the step's resolved approver set.
func (s *Service) requireEligibleApprover(ctx context.Context, inst *WorkflowInstance, rule *ApproverRule, actorID uint) error {
	locID := inst.LocationID
	dec, err := s.Authorize(ctx, actorID, rule.RequiredPermission, AuthorityOptions{LocationID: &locID})
	if err != nil {
		return err
	}
	if !dec.Authorized {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, dec.Reason)
	}

	approvers, err := s.resolveApprovers(ctx, rule, inst)
	if err != nil {
		return err
	}
	for _, id := range approvers {
		if id == actorID {
			return nil
		}
	}
	return fmt.Errorf("%w: user %d is not an eligible approver for this step", ErrNotAuthorized, actorID)
}

// resolveStepRow flips a pending step row to its outcome. RowsAffected
// catches a concurrent actor that resolved the step first.
func (s *Service) resolveStepRow(tx *gorm.DB, rowID uint, status string, actorID uint, at time.Time, comment string) error {
	res := tx.Model(&StepInstance{}).
		Where("id = ? AND status = ?", rowID, StepPending).
		Updates(map[string]interface{}{
			"status":   status,
			"actor_id": actorID,
			"acted_at": at,
			"comment":  comment,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStepAlreadyResolved
	}
	return nil
}

// terminate moves a live instance to a closing status, releases any
// reserved days and mirrors the status onto the resource, all in one
// transaction. extra runs first on the same transaction when the caller
// needs a step row resolved alongside.
func (s *Service) terminate(ctx context.Context, inst *WorkflowInstance, expectOrder int, status string, extra func(tx *gorm.DB) error) error {
	adapter, err := s.adapter(inst.ResourceType)
	if err != nil {
		return err
	}
	info, err := adapter.Describe(ctx, s.db, inst.ResourceID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}

		q := tx.Model(&WorkflowInstance{}).
			Where("id = ? AND status IN ?", inst.ID,
				[]string{InstanceSubmitted, InstanceUnderReview})
		if expectOrder >= 0 {
			q = q.Where("current_step_order = ?", expectOrder)
		}
		res := q.Updates(map[string]interface{}{
			"status":             status,
			"current_step_order": nil,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: instance %d moved underneath the transition", ErrWrongStatus, inst.ID)
		}

		if info.LeaveTypeID != nil && info.Days.GreaterThan(decimal.Zero) {
			if err := s.releasePending(tx, info.OwnerID, *info.LeaveTypeID, info.StartDate.Year(), info.Days); err != nil {
				return err
			}
		}
		return adapter.SetStatus(ctx, tx, inst.ResourceID, status)
	})
}

// reservePending reserves a leave resource's requested days on submit.
func (s *Service) reservePending(tx *gorm.DB, info *ResourceInfo) error {
	if info.LeaveTypeID == nil || !info.Days.GreaterThan(decimal.Zero) {
		return nil
	}
	return s.addPending(tx, info.OwnerID, *info.LeaveTypeID, info.StartDate.Year(), info.Days)
}

func ptr[T any](v T) *T { return &v }

// isDuplicateKey recognizes a unique-index violation across drivers. gorm
// only translates it to ErrDuplicatedKey when the dialector is configured to,
// so the raw driver messages are matched as well.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
