package hrflow

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StepInput defines one step of a template being created.
type StepInput struct {
	StepOrder          int
	Name               string
	RequiredPermission string
	Strategy           string
	RequiredRoles      []string
	IncludeManager     bool
	LocationScope      string
	AllowDecline       bool
	AllowAdjust        bool
}

// TemplateInput defines a template and its ordered steps.
type TemplateInput struct {
	Name         string
	ResourceType string
	LocationID   *uint
	StaffTypeID  *uint
	LeaveTypeID  *uint
	Steps        []StepInput
}

// CreateTemplate creates a workflow template with its ordered steps. If an
// active template with the same filters already exists it is retired and the
// new one takes its place with a bumped version: history is versioned by
// replacement, never mutated.
func (s *Service) CreateTemplate(ctx context.Context, in TemplateInput, actorID uint) (*WorkflowTemplate, error) {
	if in.Name == "" || in.ResourceType == "" || len(in.Steps) == 0 {
		return nil, ErrInvalidInput
	}
	seen := make(map[int]bool, len(in.Steps))
	for _, step := range in.Steps {
		if step.RequiredPermission == "" || seen[step.StepOrder] {
			return nil, ErrInvalidInput
		}
		seen[step.StepOrder] = true
		switch step.Strategy {
		case StrategyRole, StrategyManager, StrategyPermission, StrategyCombined:
		default:
			return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, step.Strategy)
		}
		switch step.LocationScope {
		case "", LocationScopeSame, LocationScopeAll, LocationScopeAncestors:
		default:
			return nil, fmt.Errorf("%w: unknown location scope %q", ErrInvalidInput, step.LocationScope)
		}
	}

	tmpl := &WorkflowTemplate{
		Name:         in.Name,
		ResourceType: in.ResourceType,
		LocationID:   in.LocationID,
		StaffTypeID:  in.StaffTypeID,
		LeaveTypeID:  in.LeaveTypeID,
		Status:       StatusActive,
		Version:      1,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior WorkflowTemplate
		q := tx.Where("resource_type = ? AND status = ?", in.ResourceType, StatusActive)
		q = whereNullable(q, "location_id", in.LocationID)
		q = whereNullable(q, "staff_type_id", in.StaffTypeID)
		q = whereNullable(q, "leave_type_id", in.LeaveTypeID)
		if err := q.First(&prior).Error; err == nil {
			tmpl.Version = prior.Version + 1
			if err := tx.Model(&prior).Update("status", StatusInactive).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(tmpl).Error; err != nil {
			return err
		}

		for _, stepIn := range in.Steps {
			roles, err := json.Marshal(stepIn.RequiredRoles)
			if err != nil {
				return err
			}
			scope := stepIn.LocationScope
			if scope == "" {
				scope = LocationScopeSame
			}
			step := WorkflowStep{
				TemplateID:         tmpl.ID,
				StepOrder:          stepIn.StepOrder,
				Name:               stepIn.Name,
				RequiredPermission: stepIn.RequiredPermission,
				Strategy:           stepIn.Strategy,
				RequiredRoles:      datatypes.JSON(roles),
				IncludeManager:     stepIn.IncludeManager,
				LocationScope:      scope,
				AllowDecline:       stepIn.AllowDecline,
				AllowAdjust:        stepIn.AllowAdjust,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actorID, "create_template", "workflow_template", tmpl.ID, "Created template: "+in.Name)
	return s.GetTemplate(ctx, tmpl.ID)
}

// GetTemplate retrieves a template with its steps in order.
func (s *Service) GetTemplate(ctx context.Context, id uint) (*WorkflowTemplate, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var tmpl WorkflowTemplate
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order") }).
		First(&tmpl, id).Error
	if err != nil {
		return nil, ErrNotFound
	}
	return &tmpl, nil
}

// RetireTemplate deactivates a template. Running instances keep their
// template; new submissions no longer match it.
func (s *Service) RetireTemplate(ctx context.Context, id uint, actorID uint) error {
	if id == 0 {
		return ErrInvalidInput
	}

	res := s.db.WithContext(ctx).Model(&WorkflowTemplate{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Update("status", StatusInactive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logAudit(ctx, actorID, "retire_template", "workflow_template", id, "Retired template")
	return nil
}

// ListTemplates retrieves templates for a resource type, active first.
func (s *Service) ListTemplates(ctx context.Context, resourceType string) ([]WorkflowTemplate, error) {
	var tmpls []WorkflowTemplate
	err := s.db.WithContext(ctx).
		Where("resource_type = ?", resourceType).
		Order("status, version DESC").
		Find(&tmpls).Error
	if err != nil {
		return nil, err
	}
	return tmpls, nil
}

// TemplateQuery carries a resource's attributes for template matching.
type TemplateQuery struct {
	ResourceType string
	LocationID   *uint
	StaffTypeID  *uint
	LeaveTypeID  *uint
}

// FindTemplate picks the template for a resource: among active templates of
// the resource type, each candidate scores one point per non-null filter
// matching the resource's value; a non-null filter that mismatches
// disqualifies the candidate. Highest score wins, ties broken by most recent
// version. No match is a configuration failure that blocks submission.
func (s *Service) FindTemplate(ctx context.Context, q TemplateQuery) (*WorkflowTemplate, error) {
	if q.ResourceType == "" {
		return nil, ErrInvalidInput
	}

	var candidates []WorkflowTemplate
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND status = ?", q.ResourceType, StatusActive).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	best := -1
	var winner *WorkflowTemplate
	for i := range candidates {
		c := &candidates[i]
		score, ok := matchScore(c, q)
		if !ok {
			continue
		}
		if score > best || (score == best && winner != nil && c.Version > winner.Version) {
			best = score
			winner = c
		}
	}
	if winner == nil {
		return nil, ErrNoMatchingTemplate
	}
	return s.GetTemplate(ctx, winner.ID)
}

// matchScore counts matching non-null filters; a mismatched non-null filter
// disqualifies entirely.
func matchScore(t *WorkflowTemplate, q TemplateQuery) (int, bool) {
	score := 0
	for _, f := range []struct{ filter, value *uint }{
		{t.LocationID, q.LocationID},
		{t.StaffTypeID, q.StaffTypeID},
		{t.LeaveTypeID, q.LeaveTypeID},
	} {
		if f.filter == nil {
			continue
		}
		if f.value == nil || *f.value != *f.filter {
			return 0, false
		}
		score++
	}
	return score, true
}

// ApproverRule is a step's approver-resolution rule with the stored JSON
// parsed once at the boundary.
type ApproverRule struct {
	Strategy           string
	RequiredPermission string
	RequiredRoles      []string
	IncludeManager     bool
	LocationScope      string
	AllowDecline       bool
	AllowAdjust        bool
}

// parseStepRule turns a stored step into its typed rule.
func parseStepRule(step *WorkflowStep) (*ApproverRule, error) {
	rule := &ApproverRule{
		Strategy:           step.Strategy,
		RequiredPermission: step.RequiredPermission,
		IncludeManager:     step.IncludeManager,
		LocationScope:      step.LocationScope,
		AllowDecline:       step.AllowDecline,
		AllowAdjust:        step.AllowAdjust,
	}
	if rule.LocationScope == "" {
		rule.LocationScope = LocationScopeSame
	}
	if len(step.RequiredRoles) > 0 {
		if err := json.Unmarshal(step.RequiredRoles, &rule.RequiredRoles); err != nil {
			return nil, fmt.Errorf("step %d carries malformed required_roles: %w", step.ID, err)
		}
	}
	return rule, nil
}

func whereNullable(q *gorm.DB, column string, value *uint) *gorm.DB {
	if value == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *value)
}
