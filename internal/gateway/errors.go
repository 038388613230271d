package gateway

import "errors"

// Sentinel errors returned by Orchestrator.Handle. Expected conditions such as
// a group message without the trigger keyword return a nil error.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrMembershipRequired = errors.New("channel membership required")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrBackend            = errors.New("backend failed")
	ErrCancelled          = errors.New("request cancelled")
	ErrFeatureDisabled    = errors.New("feature disabled")
	ErrInvalidRequest     = errors.New("invalid request")
)
