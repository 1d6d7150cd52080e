package hrflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// leaveFixture wires the standard two-step leave pipeline: the owner's
// manager reviews first, then anyone holding the HR Manager role signs off.
type leaveFixture struct {
	svc      *Service
	hq       *Location
	annual   *LeaveType
	manager  *Employee
	employee *Employee
	hr       *Employee
	req      *LeaveRequest
}

func newLeaveFixture(t *testing.T) *leaveFixture {
	t.Helper()
	svc := newTestService(t)
	ctx := context.Background()

	hq := seedLocation(t, svc, "HQ", nil)
	annual := seedLeaveType(t, svc, "annual")
	seedPermission(t, svc, "leave.approve")

	manager := seedEmployee(t, svc, "manager", hq.ID, nil)
	employee := seedEmployee(t, svc, "employee", hq.ID, &manager.ID)
	hr := seedEmployee(t, svc, "hr", hq.ID, nil)

	grantAt(t, svc, manager.ID, "leave.approve", hq.ID, true)

	role, err := svc.CreateRole(ctx, "HR Manager", "hr", []string{"leave.approve"}, adminID)
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(ctx, hr.ID, role.ID, adminID))

	_, err = svc.CreateTemplate(ctx, TemplateInput{
		Name:         "Standard leave",
		ResourceType: ResourceLeaveRequest,
		Steps: []StepInput{
			{
				StepOrder:          1,
				Name:               "Manager review",
				RequiredPermission: "leave.approve",
				Strategy:           StrategyManager,
				LocationScope:      LocationScopeAll,
				AllowDecline:       true,
				AllowAdjust:        true,
			},
			{
				StepOrder:          2,
				Name:               "HR sign-off",
				RequiredPermission: "leave.approve",
				Strategy:           StrategyRole,
				RequiredRoles:      []string{"HR Manager"},
				LocationScope:      LocationScopeAll,
				AllowDecline:       true,
			},
		},
	}, adminID)
	require.NoError(t, err)

	require.NoError(t, svc.Allocate(ctx, employee.ID, annual.ID, 2026, decimal.NewFromInt(10), adminID))
	req := seedLeaveRequest(t, svc, employee.ID, annual.ID, "2")

	return &leaveFixture{
		svc: svc, hq: hq, annual: annual,
		manager: manager, employee: employee, hr: hr, req: req,
	}
}

func (f *leaveFixture) balance(t *testing.T) *LeaveBalance {
	t.Helper()
	bal, err := f.svc.GetBalance(context.Background(), f.employee.ID, f.annual.ID, 2026)
	require.NoError(t, err)
	return bal
}

func (f *leaveFixture) requestStatus(t *testing.T) string {
	t.Helper()
	var req LeaveRequest
	require.NoError(t, f.svc.db.First(&req, f.req.ID).Error)
	return req.Status
}

func TestLeaveApprovalFlow(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceSubmitted, inst.Status)
	require.NotNil(t, inst.CurrentStepOrder)
	require.Equal(t, 1, *inst.CurrentStepOrder)
	require.Len(t, inst.Steps, 2)
	require.Equal(t, InstanceSubmitted, f.requestStatus(t))
	require.True(t, f.balance(t).Pending.Equal(decimal.NewFromInt(2)))

	inst, err = f.svc.Approve(ctx, inst.ID, f.manager.ID, "looks fine")
	require.NoError(t, err)
	require.Equal(t, InstanceUnderReview, inst.Status)
	require.Equal(t, 2, *inst.CurrentStepOrder)
	require.Equal(t, StepApproved, inst.Steps[0].Status)
	require.Equal(t, f.manager.ID, *inst.Steps[0].ActorID)
	// Balance untouched mid-pipeline.
	require.True(t, f.balance(t).Pending.Equal(decimal.NewFromInt(2)))
	require.True(t, f.balance(t).Used.IsZero())

	inst, err = f.svc.Approve(ctx, inst.ID, f.hr.ID, "")
	require.NoError(t, err)
	require.Equal(t, InstanceApproved, inst.Status)
	require.Nil(t, inst.CurrentStepOrder)
	require.Equal(t, StepApproved, inst.Steps[1].Status)
	require.Equal(t, InstanceApproved, f.requestStatus(t))

	bal := f.balance(t)
	require.True(t, bal.Pending.IsZero())
	require.True(t, bal.Used.Equal(decimal.NewFromInt(2)))
	require.True(t, bal.Available().Equal(decimal.NewFromInt(8)))
}

func TestApproveRequiresEligibleActor(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	// The creator cannot approve their own request even if granted the
	// permission.
	grantGlobal(t, f.svc, f.employee.ID, "leave.approve")
	_, err = f.svc.Approve(ctx, inst.ID, f.employee.ID, "")
	require.ErrorIs(t, err, ErrNotAuthorized)

	// HR is eligible for step 2, not step 1.
	_, err = f.svc.Approve(ctx, inst.ID, f.hr.ID, "")
	require.ErrorIs(t, err, ErrNotAuthorized)

	// A bystander with no grant at all.
	stranger := seedEmployee(t, f.svc, "stranger", f.hq.ID, nil)
	_, err = f.svc.Approve(ctx, inst.ID, stranger.ID, "")
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestDeclineTerminatesAndReleasesPending(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	inst, err = f.svc.Decline(ctx, inst.ID, f.manager.ID, "dates clash with release")
	require.NoError(t, err)
	require.Equal(t, InstanceDeclined, inst.Status)
	require.Nil(t, inst.CurrentStepOrder)
	require.Equal(t, StepDeclined, inst.Steps[0].Status)
	require.Equal(t, InstanceDeclined, f.requestStatus(t))

	bal := f.balance(t)
	require.True(t, bal.Pending.IsZero())
	require.True(t, bal.Used.IsZero())

	// Terminal instances reject every further action.
	_, err = f.svc.Approve(ctx, inst.ID, f.manager.ID, "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
	_, err = f.svc.Decline(ctx, inst.ID, f.manager.ID, "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
	_, err = f.svc.Cancel(ctx, inst.ID, f.employee.ID)
	require.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestApproveLosesRaceOnResolvedStep(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	// Simulate a concurrent winner that resolved the step while this
	// actor's check was in flight.
	require.NoError(t, f.svc.db.Model(&StepInstance{}).
		Where("instance_id = ? AND step_order = ?", inst.ID, 1).
		Update("status", StepApproved).Error)

	_, err = f.svc.Approve(ctx, inst.ID, f.manager.ID, "")
	require.ErrorIs(t, err, ErrStepAlreadyResolved)
}

func TestOnlyOneLiveInstancePerResource(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateInstance(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	_, err = f.svc.CreateInstance(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.ErrorIs(t, err, ErrWrongStatus)

	// The store enforces the invariant even for a writer that slipped past
	// the precondition check.
	dup := &WorkflowInstance{
		Reference:    uuid.New(),
		TemplateID:   first.TemplateID,
		ResourceType: ResourceLeaveRequest,
		ResourceID:   f.req.ID,
		Status:       InstanceDraft,
		CreatedBy:    f.employee.ID,
		LocationID:   f.hq.ID,
	}
	require.Error(t, f.svc.db.Create(dup).Error)
}

func TestCancelDraftInstance(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.CreateInstance(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceDraft, inst.Status)

	inst, err = f.svc.Cancel(ctx, inst.ID, f.employee.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, inst.Status)

	// Nothing was reserved and the resource stays editable.
	require.True(t, f.balance(t).Pending.IsZero())
	require.Equal(t, InstanceDraft, f.requestStatus(t))

	// The discarded draft no longer blocks a fresh submission.
	second, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceSubmitted, second.Status)
}

func TestCancelByCreatorReleasesPending(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	stranger := seedEmployee(t, f.svc, "stranger", f.hq.ID, nil)
	_, err = f.svc.Cancel(ctx, inst.ID, stranger.ID)
	require.ErrorIs(t, err, ErrNotAuthorized)

	inst, err = f.svc.Cancel(ctx, inst.ID, f.employee.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, inst.Status)
	require.Equal(t, InstanceCancelled, f.requestStatus(t))
	require.True(t, f.balance(t).Pending.IsZero())
}

func TestCancelBySystemAdmin(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	seedPermission(t, f.svc, "system.admin")
	operator := seedEmployee(t, f.svc, "operator", f.hq.ID, nil)
	grantGlobal(t, f.svc, operator.ID, "system.admin")

	inst, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	inst, err = f.svc.Cancel(ctx, inst.ID, operator.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, inst.Status)
}

func TestAdjustAndResubmit(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	_, err = f.svc.Adjust(ctx, first.ID, f.manager.ID, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	adjusted, err := f.svc.Adjust(ctx, first.ID, f.manager.ID, "shorten to one day")
	require.NoError(t, err)
	require.Equal(t, InstanceAdjusted, adjusted.Status)
	require.Equal(t, InstanceAdjusted, f.requestStatus(t))
	require.True(t, f.balance(t).Pending.IsZero())

	// The creator edits and resubmits; a fresh instance is linked to the
	// adjusted one and the old step history stays put.
	second, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.NotNil(t, second.PreviousInstanceID)
	require.Equal(t, first.ID, *second.PreviousInstanceID)
	require.Equal(t, InstanceSubmitted, second.Status)
	require.True(t, f.balance(t).Pending.Equal(decimal.NewFromInt(2)))

	old, err := f.svc.GetInstance(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceAdjusted, old.Status)
	require.Len(t, old.Steps, 2)
	require.Equal(t, f.manager.ID, *old.Steps[0].ActorID)
	require.Equal(t, "shorten to one day", old.Steps[0].Comment)

	// Adjusted instances take no further approvals.
	_, err = f.svc.Approve(ctx, first.ID, f.manager.ID, "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestDeclineNotAllowedOnStep(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	hq := seedLocation(t, svc, "HQ", nil)
	annual := seedLeaveType(t, svc, "annual")
	seedPermission(t, svc, "leave.approve")

	approver := seedEmployee(t, svc, "approver", hq.ID, nil)
	employee := seedEmployee(t, svc, "employee", hq.ID, nil)
	grantGlobal(t, svc, approver.ID, "leave.approve")

	tmpl := singleStepTemplate("no decline", ResourceLeaveRequest)
	tmpl.Steps[0].AllowDecline = false
	_, err := svc.CreateTemplate(ctx, tmpl, adminID)
	require.NoError(t, err)

	req := seedLeaveRequest(t, svc, employee.ID, annual.ID, "1")
	inst, err := svc.Submit(ctx, ResourceLeaveRequest, req.ID, employee.ID)
	require.NoError(t, err)

	_, err = svc.Decline(ctx, inst.ID, approver.ID, "no")
	require.ErrorIs(t, err, ErrDeclineNotAllowed)
	_, err = svc.Adjust(ctx, inst.ID, approver.ID, "please change")
	require.ErrorIs(t, err, ErrAdjustNotAllowed)
}

func TestSubmitPreconditions(t *testing.T) {
	f := newLeaveFixture(t)
	ctx := context.Background()

	// Only the owner may submit.
	_, err := f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.manager.ID)
	require.ErrorIs(t, err, ErrNotCreator)

	_, err = f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.NoError(t, err)

	// Resubmitting an already-submitted resource fails on status.
	_, err = f.svc.Submit(ctx, ResourceLeaveRequest, f.req.ID, f.employee.ID)
	require.ErrorIs(t, err, ErrWrongStatus)
}

func TestSubmitWithoutTemplate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	hq := seedLocation(t, svc, "HQ", nil)
	annual := seedLeaveType(t, svc, "annual")
	employee := seedEmployee(t, svc, "employee", hq.ID, nil)
	req := seedLeaveRequest(t, svc, employee.ID, annual.ID, "1")

	_, err := svc.Submit(ctx, ResourceLeaveRequest, req.ID, employee.ID)
	require.ErrorIs(t, err, ErrNoMatchingTemplate)
}

func TestTimesheetFlowSkipsBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	hq := seedLocation(t, svc, "HQ", nil)
	seedPermission(t, svc, "timesheet.approve")
	approver := seedEmployee(t, svc, "approver", hq.ID, nil)
	employee := seedEmployee(t, svc, "employee", hq.ID, nil)
	grantGlobal(t, svc, approver.ID, "timesheet.approve")

	tmpl := singleStepTemplate("timesheet review", ResourceTimesheet)
	tmpl.Steps[0].RequiredPermission = "timesheet.approve"
	_, err := svc.CreateTemplate(ctx, tmpl, adminID)
	require.NoError(t, err)

	ts := &Timesheet{EmployeeID: employee.ID, Status: InstanceDraft}
	require.NoError(t, svc.db.Create(ts).Error)

	inst, err := svc.Submit(ctx, ResourceTimesheet, ts.ID, employee.ID)
	require.NoError(t, err)

	inst, err = svc.Approve(ctx, inst.ID, approver.ID, "")
	require.NoError(t, err)
	require.Equal(t, InstanceApproved, inst.Status)

	var got Timesheet
	require.NoError(t, svc.db.First(&got, ts.ID).Error)
	require.Equal(t, InstanceApproved, got.Status)

	// No balance rows were ever touched.
	var count int64
	require.NoError(t, svc.db.Model(&LeaveBalance{}).Count(&count).Error)
	require.Zero(t, count)
}
