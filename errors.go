package hrflow

import "errors"

// Custom errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")

	// Authorization failures. Never retried, no side effects.
	ErrNotAuthorized = errors.New("not authorized")

	// Precondition failures: the requested transition does not apply to the
	// instance's current state.
	ErrWrongStatus         = errors.New("resource is not in a submittable status")
	ErrInstanceTerminal    = errors.New("workflow instance is already terminal")
	ErrNotCurrentStep      = errors.New("step is not the current pending step")
	ErrStepAlreadyResolved = errors.New("step already resolved")
	ErrNotCreator          = errors.New("only the creator may perform this action")
	ErrDeclineNotAllowed   = errors.New("this step does not allow decline")
	ErrAdjustNotAllowed    = errors.New("this step does not allow adjust")

	// Configuration failures: no actor is at fault.
	ErrNoMatchingTemplate = errors.New("no matching workflow template")
	ErrNoApprovers        = errors.New("step resolves to zero eligible approvers")

	// Balance failures.
	ErrNegativeBalance = errors.New("balance counter would become negative")
)
