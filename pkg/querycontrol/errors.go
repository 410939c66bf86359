package querycontrol

import "errors"

var (
	ErrQueryNotFound            = errors.New("query not found")
	ErrQueryExists              = errors.New("query already registered")
	ErrQueryNotRunning          = errors.New("query is not running")
	ErrPauseDisabled            = errors.New("pause is disabled")
	ErrModelChangeDisabled      = errors.New("model change is disabled")
	ErrPermissionChangeDisabled = errors.New("permission change is disabled")
	ErrUnknownCommand           = errors.New("unknown command")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrControllerClosed         = errors.New("controller closed")
)
