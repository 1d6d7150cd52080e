package hrflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthorizeGlobalScope(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)
	branch := seedLocation(t, svc, "Branch", &hq.ID)

	seedPermission(t, svc, "leave.approve")
	admin := seedEmployee(t, svc, "admin", hq.ID, nil)
	grantGlobal(t, svc, admin.ID, "leave.approve")

	requireAuthorized(t, svc, admin.ID, "leave.approve", &hq.ID)
	requireAuthorized(t, svc, admin.ID, "leave.approve", &branch.ID)
}

func TestAuthorizeLocationScoped(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)
	east := seedLocation(t, svc, "East", &hq.ID)
	west := seedLocation(t, svc, "West", &hq.ID)

	seedPermission(t, svc, "leave.approve")
	lead := seedEmployee(t, svc, "lead", east.ID, nil)
	grantAt(t, svc, lead.ID, "leave.approve", east.ID, false)

	requireAuthorized(t, svc, lead.ID, "leave.approve", &east.ID)
	requireDenied(t, svc, lead.ID, "leave.approve", &west.ID)
	requireDenied(t, svc, lead.ID, "leave.approve", &hq.ID)
}

func TestAuthorizeDescendantScope(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)
	region := seedLocation(t, svc, "Region", &hq.ID)
	site := seedLocation(t, svc, "Site", &region.ID)

	seedPermission(t, svc, "leave.approve")
	directorFlat := seedEmployee(t, svc, "flat", hq.ID, nil)
	directorDeep := seedEmployee(t, svc, "deep", hq.ID, nil)
	grantAt(t, svc, directorFlat.ID, "leave.approve", region.ID, false)
	grantAt(t, svc, directorDeep.ID, "leave.approve", region.ID, true)

	// Without descendants the grant stops at the region itself.
	requireDenied(t, svc, directorFlat.ID, "leave.approve", &site.ID)
	requireAuthorized(t, svc, directorDeep.ID, "leave.approve", &site.ID)
}

func TestAuthorizeIncludeDescendantsOption(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)
	site := seedLocation(t, svc, "Site", &hq.ID)

	seedPermission(t, svc, "report.read")
	analyst := seedEmployee(t, svc, "analyst", site.ID, nil)
	grantAt(t, svc, analyst.ID, "report.read", site.ID, false)

	// Asking "anywhere under HQ?" finds the grant at the child site.
	dec, err := svc.Authorize(context.Background(), analyst.ID, "report.read",
		AuthorityOptions{LocationID: &hq.ID, IncludeDescendants: true})
	require.NoError(t, err)
	require.True(t, dec.Authorized)

	requireDenied(t, svc, analyst.ID, "report.read", &hq.ID)
}

func TestAuthorizeTimeBoundedScope(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	temp := seedEmployee(t, svc, "temp", hq.ID, nil)

	until := time.Now().Add(-time.Hour)
	_, err := svc.GrantScope(context.Background(), ScopeInput{
		UserID:         temp.ID,
		PermissionName: "leave.approve",
		LocationID:     &hq.ID,
		ValidFrom:      time.Now().Add(-48 * time.Hour),
		ValidUntil:     &until,
	}, adminID)
	require.NoError(t, err)

	requireDenied(t, svc, temp.ID, "leave.approve", &hq.ID)
}

func TestAuthorizeViaRole(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	role, err := svc.CreateRole(context.Background(), "HR Manager", "hr", []string{"leave.approve"}, adminID)
	require.NoError(t, err)

	hr := seedEmployee(t, svc, "hr", hq.ID, nil)
	requireDenied(t, svc, hr.ID, "leave.approve", &hq.ID)

	require.NoError(t, svc.AssignRole(context.Background(), hr.ID, role.ID, adminID))
	requireAuthorized(t, svc, hr.ID, "leave.approve", &hq.ID)

	require.NoError(t, svc.RemoveRole(context.Background(), hr.ID, role.ID, adminID))
	requireDenied(t, svc, hr.ID, "leave.approve", &hq.ID)
}

func TestInactiveRoleGrantsNothing(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	role, err := svc.CreateRole(context.Background(), "HR Manager", "hr", []string{"leave.approve"}, adminID)
	require.NoError(t, err)

	hr := seedEmployee(t, svc, "hr", hq.ID, nil)
	require.NoError(t, svc.AssignRole(context.Background(), hr.ID, role.ID, adminID))
	requireAuthorized(t, svc, hr.ID, "leave.approve", &hq.ID)

	// Deactivating the role cuts off its mirrored grants without touching
	// the assignment.
	require.NoError(t, svc.SetRoleStatus(context.Background(), role.ID, StatusInactive, adminID))
	requireDenied(t, svc, hr.ID, "leave.approve", &hq.ID)

	require.NoError(t, svc.SetRoleStatus(context.Background(), role.ID, StatusActive, adminID))
	requireAuthorized(t, svc, hr.ID, "leave.approve", &hq.ID)
}

func TestAuthorizeViaDelegation(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	manager := seedEmployee(t, svc, "manager", hq.ID, nil)
	deputy := seedEmployee(t, svc, "deputy", hq.ID, nil)
	grantAt(t, svc, manager.ID, "leave.approve", hq.ID, false)

	requireDenied(t, svc, deputy.ID, "leave.approve", &hq.ID)

	delegation, err := svc.CreateDelegation(context.Background(), DelegationInput{
		DelegatorID:    manager.ID,
		DelegateID:     deputy.ID,
		PermissionName: "leave.approve",
		LocationID:     hq.ID,
		Reason:         "vacation cover",
	}, manager.ID)
	require.NoError(t, err)

	requireAuthorized(t, svc, deputy.ID, "leave.approve", &hq.ID)

	require.NoError(t, svc.RevokeDelegation(context.Background(), delegation.ID, manager.ID))
	requireDenied(t, svc, deputy.ID, "leave.approve", &hq.ID)
}

func TestDelegationConveysDelegatorsCurrentAuthority(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	manager := seedEmployee(t, svc, "manager", hq.ID, nil)
	deputy := seedEmployee(t, svc, "deputy", hq.ID, nil)

	scope, err := svc.GrantScope(context.Background(), ScopeInput{
		UserID:         manager.ID,
		PermissionName: "leave.approve",
		LocationID:     &hq.ID,
	}, adminID)
	require.NoError(t, err)

	_, err = svc.CreateDelegation(context.Background(), DelegationInput{
		DelegatorID:    manager.ID,
		DelegateID:     deputy.ID,
		PermissionName: "leave.approve",
		LocationID:     hq.ID,
	}, manager.ID)
	require.NoError(t, err)
	requireAuthorized(t, svc, deputy.ID, "leave.approve", &hq.ID)

	// The delegation is live but the delegator lost the underlying right.
	require.NoError(t, svc.RevokeScope(context.Background(), scope.ID, adminID))
	requireDenied(t, svc, deputy.ID, "leave.approve", &hq.ID)
}

func TestExpireDelegations(t *testing.T) {
	svc := newTestService(t)
	hq := seedLocation(t, svc, "HQ", nil)

	seedPermission(t, svc, "leave.approve")
	manager := seedEmployee(t, svc, "manager", hq.ID, nil)
	deputy := seedEmployee(t, svc, "deputy", hq.ID, nil)
	grantAt(t, svc, manager.ID, "leave.approve", hq.ID, false)

	ends := time.Now().Add(-time.Minute)
	_, err := svc.CreateDelegation(context.Background(), DelegationInput{
		DelegatorID:    manager.ID,
		DelegateID:     deputy.ID,
		PermissionName: "leave.approve",
		LocationID:     hq.ID,
		StartsAt:       time.Now().Add(-time.Hour),
		EndsAt:         &ends,
	}, manager.ID)
	require.NoError(t, err)

	// Expired at read time even before the sweep runs.
	requireDenied(t, svc, deputy.ID, "leave.approve", &hq.ID)

	n, err := svc.ExpireDelegations(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
