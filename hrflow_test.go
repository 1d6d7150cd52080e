package hrflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// adminID acts as the administrator in tests that need an actor for
// audit attribution.
const adminID uint = 1000

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc, err := New(Config{
		DB:                 db,
		AutoMigrate:        true,
		EnableAuditLogging: true,
	})
	require.NoError(t, err)
	return svc
}

func seedLocation(t *testing.T, svc *Service, name string, parentID *uint) *Location {
	t.Helper()
	loc, err := svc.CreateLocation(context.Background(), name, parentID, adminID)
	require.NoError(t, err)
	return loc
}

func seedEmployee(t *testing.T, svc *Service, name string, locationID uint, managerID *uint) *Employee {
	t.Helper()
	emp := &Employee{
		Name:              name,
		Email:             fmt.Sprintf("%s.%s@example.test", name, t.Name()),
		ManagerID:         managerID,
		PrimaryLocationID: &locationID,
		Status:            StatusActive,
	}
	require.NoError(t, svc.db.Create(emp).Error)
	return emp
}

func seedPermission(t *testing.T, svc *Service, name string) *Permission {
	t.Helper()
	perm, err := svc.CreatePermission(context.Background(), name, name, adminID)
	require.NoError(t, err)
	return perm
}

func seedLeaveType(t *testing.T, svc *Service, name string) *LeaveType {
	t.Helper()
	lt := &LeaveType{Name: name, Status: StatusActive}
	require.NoError(t, svc.db.Create(lt).Error)
	return lt
}

func seedLeaveRequest(t *testing.T, svc *Service, employeeID, leaveTypeID uint, days string) *LeaveRequest {
	t.Helper()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	req := &LeaveRequest{
		EmployeeID:  employeeID,
		LeaveTypeID: leaveTypeID,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, 1),
		Days:        decimal.RequireFromString(days),
		Reason:      "personal",
		Status:      InstanceDraft,
	}
	require.NoError(t, svc.db.Create(req).Error)
	return req
}

func grantGlobal(t *testing.T, svc *Service, userID uint, permission string) {
	t.Helper()
	_, err := svc.GrantScope(context.Background(), ScopeInput{
		UserID:         userID,
		PermissionName: permission,
		IsGlobal:       true,
	}, adminID)
	require.NoError(t, err)
}

func grantAt(t *testing.T, svc *Service, userID uint, permission string, locationID uint, descendants bool) {
	t.Helper()
	_, err := svc.GrantScope(context.Background(), ScopeInput{
		UserID:             userID,
		PermissionName:     permission,
		LocationID:         &locationID,
		IncludeDescendants: descendants,
	}, adminID)
	require.NoError(t, err)
}

func requireAuthorized(t *testing.T, svc *Service, userID uint, permission string, locationID *uint) {
	t.Helper()
	dec, err := svc.Authorize(context.Background(), userID, permission, AuthorityOptions{LocationID: locationID})
	require.NoError(t, err)
	require.True(t, dec.Authorized, "expected authorized, got: %s", dec.Reason)
}

func requireDenied(t *testing.T, svc *Service, userID uint, permission string, locationID *uint) {
	t.Helper()
	dec, err := svc.Authorize(context.Background(), userID, permission, AuthorityOptions{LocationID: locationID})
	require.NoError(t, err)
	require.False(t, dec.Authorized, "expected denied, got: %s", dec.Reason)
}
