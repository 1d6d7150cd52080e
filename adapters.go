package hrflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ResourceInfo is the metadata a resource adapter supplies for template
// matching, approver resolution and balance updates.
type ResourceInfo struct {
	OwnerID     uint
	LocationID  uint
	StaffTypeID *uint
	LeaveTypeID *uint
	StartDate   time.Time
	EndDate     time.Time
	Days        decimal.Decimal
	Status      string
}

// ResourceAdapter connects the engine to one resource type. Describe reads
// the resource's workflow-relevant metadata; SetStatus mirrors the instance
// status onto the resource. Both run on the caller's transaction.
type ResourceAdapter interface {
	Describe(ctx context.Context, db *gorm.DB, resourceID uint) (*ResourceInfo, error)
	SetStatus(ctx context.Context, db *gorm.DB, resourceID uint, status string) error
}

// LeaveRequestAdapter drives leave requests through the engine.
type LeaveRequestAdapter struct{}

func (a *LeaveRequestAdapter) Describe(ctx context.Context, db *gorm.DB, resourceID uint) (*ResourceInfo, error) {
	var req LeaveRequest
	if err := db.WithContext(ctx).First(&req, resourceID).Error; err != nil {
		return nil, ErrNotFound
	}

	var emp Employee
	if err := db.WithContext(ctx).First(&emp, req.EmployeeID).Error; err != nil {
		return nil, ErrNotFound
	}

	info := &ResourceInfo{
		OwnerID:     req.EmployeeID,
		StaffTypeID: emp.StaffTypeID,
		LeaveTypeID: &req.LeaveTypeID,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Days:        req.Days,
		Status:      req.Status,
	}
	if emp.PrimaryLocationID != nil {
		info.LocationID = *emp.PrimaryLocationID
	}
	return info, nil
}

func (a *LeaveRequestAdapter) SetStatus(ctx context.Context, db *gorm.DB, resourceID uint, status string) error {
	return db.WithContext(ctx).Model(&LeaveRequest{}).Where("id = ?", resourceID).
		Update("status", status).Error
}

// TimesheetAdapter drives timesheets through the engine. Timesheets carry no
// leave type, so no balance mutation is paired with their transitions.
type TimesheetAdapter struct{}

func (a *TimesheetAdapter) Describe(ctx context.Context, db *gorm.DB, resourceID uint) (*ResourceInfo, error) {
	var ts Timesheet
	if err := db.WithContext(ctx).First(&ts, resourceID).Error; err != nil {
		return nil, ErrNotFound
	}

	var emp Employee
	if err := db.WithContext(ctx).First(&emp, ts.EmployeeID).Error; err != nil {
		return nil, ErrNotFound
	}

	info := &ResourceInfo{
		OwnerID:     ts.EmployeeID,
		StaffTypeID: emp.StaffTypeID,
		StartDate:   ts.PeriodStart,
		EndDate:     ts.PeriodEnd,
		Status:      ts.Status,
	}
	if emp.PrimaryLocationID != nil {
		info.LocationID = *emp.PrimaryLocationID
	}
	return info, nil
}

func (a *TimesheetAdapter) SetStatus(ctx context.Context, db *gorm.DB, resourceID uint, status string) error {
	return db.WithContext(ctx).Model(&Timesheet{}).Where("id = ?", resourceID).
		Update("status", status).Error
}
