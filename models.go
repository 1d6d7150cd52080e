package hrflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Resource types the workflow engine knows how to drive.
const (
	ResourceLeaveRequest = "leave_request"
	ResourceTimesheet    = "timesheet"
)

// Row status values shared by administrative entities.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Approver resolution strategies.
const (
	StrategyRole       = "role"
	StrategyManager    = "manager"
	StrategyPermission = "permission"
	StrategyCombined   = "combined"
)

// Location scopes for approver resolution.
const (
	LocationScopeSame      = "same"
	LocationScopeAll       = "all"
	LocationScopeAncestors = "ancestors"
)

// Workflow instance states.
const (
	InstanceDraft       = "draft"
	InstanceSubmitted   = "submitted"
	InstanceUnderReview = "under_review"
	InstanceApproved    = "approved"
	InstanceDeclined    = "declined"
	InstanceCancelled   = "cancelled"
	InstanceAdjusted    = "adjusted"
)

// Step instance outcomes.
const (
	StepPending  = "pending"
	StepApproved = "approved"
	StepDeclined = "declined"
)

// Delegation states. Expiry is derived from EndsAt, revocation is terminal.
const (
	DelegationActive  = "active"
	DelegationRevoked = "revoked"
	DelegationExpired = "expired"
)

// Permission is a named capability, `module.action`.
type Permission struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"unique;not null"`
	Module      string `gorm:"index;not null"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// Role is a named set of permissions.
type Role struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"unique;not null"`
	Description string
	Status      string `gorm:"default:'active';index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// RolePermission maps roles to permissions.
type RolePermission struct {
	RoleID       uint `gorm:"primaryKey;autoIncrement:false"`
	PermissionID uint `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt    time.Time
}

// UserRole maps an employee to a role. Not time-bounded, soft-deletable.
type UserRole struct {
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	RoleID    uint `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// PermissionScope is a directly-granted permission for one user, optionally
// location-qualified and time-bounded. Scopes mirrored from role grants carry
// SourceRoleID so role removal can clean them up.
type PermissionScope struct {
	ID                 uint  `gorm:"primaryKey"`
	UserID             uint  `gorm:"index:idx_scope_user_perm;not null"`
	PermissionID       uint  `gorm:"index:idx_scope_user_perm;not null"`
	LocationID         *uint `gorm:"index"`
	IncludeDescendants bool  `gorm:"default:false"`
	IsGlobal           bool  `gorm:"default:false"`
	ValidFrom          time.Time
	ValidUntil         *time.Time
	Status             string `gorm:"default:'active';index"`
	SourceRoleID       *uint  `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

// EffectiveAt reports whether the scope grants anything at the given instant.
func (s *PermissionScope) EffectiveAt(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if now.Before(s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && now.After(*s.ValidUntil) {
		return false
	}
	return true
}

// Delegation is a time-bounded, revocable transfer of one user's authority
// for a permission at a location to another user.
type Delegation struct {
	ID           uint   `gorm:"primaryKey"`
	DelegatorID  uint   `gorm:"index;not null"`
	DelegateID   uint   `gorm:"index;not null"`
	PermissionID uint   `gorm:"index;not null"`
	LocationID   uint   `gorm:"index;not null"`
	Status       string `gorm:"default:'active';index"`
	Reason       string
	StartsAt     time.Time
	EndsAt       *time.Time
	RevokedAt    *time.Time
	RevokedBy    *uint
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveAt reports whether the delegation conveys authority at the instant.
func (d *Delegation) EffectiveAt(now time.Time) bool {
	if d.Status != DelegationActive || d.RevokedAt != nil {
		return false
	}
	if now.Before(d.StartsAt) {
		return false
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return false
	}
	return true
}

// Location is a tree node with a materialized path. Path is the dot-joined
// chain of ancestor ids ending with the node's own id; Level is the depth.
type Location struct {
	ID        uint  `gorm:"primaryKey"`
	ParentID  *uint `gorm:"index"`
	Name      string
	Path      string `gorm:"index;not null"`
	Level     int    `gorm:"not null"`
	Status    string `gorm:"default:'active';index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// StaffType classifies employees for template matching.
type StaffType struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"unique;not null"`
	Status    string `gorm:"default:'active'"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// LeaveType classifies leave requests and keys balance rows.
type LeaveType struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"unique;not null"`
	Status    string `gorm:"default:'active'"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Employee is the directory row the engine reads for manager and location
// lookups. Authentication lives elsewhere.
type Employee struct {
	ID                uint `gorm:"primaryKey"`
	Name              string
	Email             string `gorm:"unique;not null"`
	ManagerID         *uint  `gorm:"index"`
	PrimaryLocationID *uint  `gorm:"index"`
	StaffTypeID       *uint  `gorm:"index"`
	Status            string `gorm:"default:'active';index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// WorkflowTemplate defines an approval pipeline for a resource type,
// optionally filtered by location, staff type and leave type. Templates are
// versioned by replacement, not by mutating history.
type WorkflowTemplate struct {
	ID           uint           `gorm:"primaryKey"`
	Name         string         `gorm:"not null"`
	ResourceType string         `gorm:"index;not null"`
	LocationID   *uint          `gorm:"index"`
	StaffTypeID  *uint
	LeaveTypeID  *uint
	Status       string         `gorm:"default:'active';index"`
	Version      int            `gorm:"default:1"`
	Steps        []WorkflowStep `gorm:"foreignKey:TemplateID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// WorkflowStep is one ordered step of a template. RequiredRoles and
// ConditionalRules are stored as JSON and parsed once at the boundary.
type WorkflowStep struct {
	ID                 uint   `gorm:"primaryKey"`
	TemplateID         uint   `gorm:"index:idx_step_template_order,unique;not null"`
	StepOrder          int    `gorm:"index:idx_step_template_order,unique;not null"`
	Name               string
	RequiredPermission string         `gorm:"not null"`
	Strategy           string         `gorm:"not null"`
	RequiredRoles      datatypes.JSON `gorm:"type:jsonb"`
	IncludeManager     bool           `gorm:"default:false"`
	LocationScope      string         `gorm:"default:'same'"`
	// No column default: gorm skips zero-valued fields carrying one on
	// insert, which would silently turn an explicit false back into true.
	AllowDecline bool
	AllowAdjust  bool `gorm:"default:false"`
	ConditionalRules   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WorkflowInstance is one run of a template against one resource.
// CurrentStepOrder is the single source of truth for which step is
// actionable; it is null before submission and after a terminal state.
type WorkflowInstance struct {
	ID                 uint      `gorm:"primaryKey"`
	Reference          uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	TemplateID         uint      `gorm:"index;not null"`
	ResourceType       string    `gorm:"index:idx_instance_resource;not null"`
	ResourceID         uint      `gorm:"index:idx_instance_resource;not null"`
	Status             string    `gorm:"default:'draft';index"`
	CurrentStepOrder   *int
	CreatedBy          uint           `gorm:"index;not null"`
	LocationID         uint           `gorm:"index;not null"`
	PreviousInstanceID *uint
	Steps              []StepInstance `gorm:"foreignKey:InstanceID"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Terminal reports whether no further transition is possible.
func (i *WorkflowInstance) Terminal() bool {
	switch i.Status {
	case InstanceApproved, InstanceDeclined, InstanceCancelled:
		return true
	}
	return false
}

// StepInstance records one step's outcome within an instance. Rows are
// append-only: history is never deleted, only superseded by a new instance.
type StepInstance struct {
	ID         uint   `gorm:"primaryKey"`
	InstanceID uint   `gorm:"index:idx_stepinst_instance_order,unique;not null"`
	StepID     uint   `gorm:"not null"`
	StepOrder  int    `gorm:"index:idx_stepinst_instance_order,unique;not null"`
	Status     string `gorm:"default:'pending';index"`
	ActorID    *uint
	ActedAt    *time.Time
	Comment    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LeaveBalance tracks allocated/used/pending day counts per user, leave type
// and year. Counters are decimals; half days are real.
type LeaveBalance struct {
	ID          uint            `gorm:"primaryKey"`
	UserID      uint            `gorm:"uniqueIndex:idx_balance_key;not null"`
	LeaveTypeID uint            `gorm:"uniqueIndex:idx_balance_key;not null"`
	Year        int             `gorm:"uniqueIndex:idx_balance_key;not null"`
	Allocated   decimal.Decimal `gorm:"type:numeric(6,2);default:0"`
	Used        decimal.Decimal `gorm:"type:numeric(6,2);default:0"`
	Pending     decimal.Decimal `gorm:"type:numeric(6,2);default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available returns what the user may still request.
func (b *LeaveBalance) Available() decimal.Decimal {
	return b.Allocated.Sub(b.Used).Sub(b.Pending)
}

// LeaveRequest is the leave resource the engine drives.
type LeaveRequest struct {
	ID          uint            `gorm:"primaryKey"`
	EmployeeID  uint            `gorm:"index;not null"`
	LeaveTypeID uint            `gorm:"index;not null"`
	StartDate   time.Time       `gorm:"type:date;not null"`
	EndDate     time.Time       `gorm:"type:date;not null"`
	Days        decimal.Decimal `gorm:"type:numeric(6,2);not null"`
	Reason      string          `gorm:"type:text"`
	Status      string          `gorm:"default:'draft';index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// Timesheet is the timesheet resource the engine drives.
type Timesheet struct {
	ID          uint            `gorm:"primaryKey"`
	EmployeeID  uint            `gorm:"index;not null"`
	PeriodStart time.Time       `gorm:"type:date;not null"`
	PeriodEnd   time.Time       `gorm:"type:date;not null"`
	TotalHours  decimal.Decimal `gorm:"type:numeric(6,2);default:0"`
	Status      string          `gorm:"default:'draft';index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// AuditLog tracks administrative and workflow events.
type AuditLog struct {
	ID         uint   `gorm:"primaryKey"`
	ActorID    uint   `gorm:"index"`
	Action     string `gorm:"not null"`
	TargetType string `gorm:"not null"`
	TargetID   uint   `gorm:"index"`
	Details    string
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
}
